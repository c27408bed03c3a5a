package realtime

import (
	"sync"
	"time"

	"waybill/cmd/internal/auth/token"
	v1 "waybill/shared/contracts/realtime/v1"
)

// AuthState is the authentication state of one connection session.
type AuthState uint8

// Session states.
const (
	StateUnauthenticated AuthState = iota
	StateAuthenticated
	StateGracePeriod
	StateTerminated
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateGracePeriod:
		return "grace_period"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the server-side state for one live connection.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to keep concurrent
//     fanout panic-safe; done signals goroutines to stop instead.
//   - Every state transition bumps a generation counter. Timer callbacks
//     carry the generation they were armed under and are ignored when it no
//     longer matches, so a stale expiry or grace timer can never fire after
//     the session moved on (reauthenticated, terminated).
//   - Timers are owned one-to-one by the session and disposed with it.
type Session struct {
	ConnectionID string
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	state       AuthState
	identity    token.Claims
	gen         uint64
	expiryTimer *time.Timer
	graceTimer  *time.Timer
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(connectionID string, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Session{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// State returns the current authentication state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the verified claims, zero-valued until authenticated.
func (s *Session) Identity() token.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Deliverable reports whether events may be delivered to this session.
// Grace-period sessions keep receiving events while awaiting reauthentication.
func (s *Session) Deliverable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticated || s.state == StateGracePeriod
}

// TrySend enqueues an envelope without blocking. Returns false if the
// session is shutting down or its queue is full (drop, never block fanout).
func (s *Session) TrySend(env v1.Envelope) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}

// SetAuthenticated moves the session to AUTHENTICATED with the given
// identity, cancels any pending timers, and returns the new generation for
// arming the expiry timer. Returns 0 when the session already terminated
// (the handshake deadline or transport close won the race).
func (s *Session) SetAuthenticated(claims token.Claims) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return 0
	}
	s.gen++
	s.state = StateAuthenticated
	s.identity = claims
	s.stopTimersLocked()
	return s.gen
}

// EnterGraceFromHello moves an unauthenticated session straight to
// GRACE_PERIOD (expired token presented at handshake). The identity is
// trusted because the token's signature verified. Returns 0 when the session
// already terminated.
func (s *Session) EnterGraceFromHello(claims token.Claims) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return 0
	}
	s.gen++
	s.state = StateGracePeriod
	s.identity = claims
	s.stopTimersLocked()
	return s.gen
}

// EnterGraceIf moves AUTHENTICATED -> GRACE_PERIOD only when the generation
// still matches the one the expiry timer was armed under. Returns the new
// generation and whether the transition happened.
func (s *Session) EnterGraceIf(expect uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != expect || s.state != StateAuthenticated {
		return 0, false
	}
	s.gen++
	s.state = StateGracePeriod
	s.stopTimersLocked()
	return s.gen, true
}

// TerminateIf moves to TERMINATED only when the generation still matches
// (grace deadline path). Returns whether the transition happened.
func (s *Session) TerminateIf(expect uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != expect || s.state == StateTerminated {
		return false
	}
	s.terminateLocked()
	return true
}

// Terminate unconditionally moves to TERMINATED (transport close path).
// Returns true the first time, false if already terminated.
func (s *Session) Terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated {
		return false
	}
	s.terminateLocked()
	return true
}

func (s *Session) terminateLocked() {
	s.gen++
	s.state = StateTerminated
	s.stopTimersLocked()
	s.closeOnce.Do(func() { close(s.done) })
}

// ArmAuthDeadline schedules fire unless the session leaves UNAUTHENTICATED
// first. Every authentication transition bumps the generation and stops the
// timer, so a completed handshake always wins over a late-firing deadline.
func (s *Session) ArmAuthDeadline(d time.Duration, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnauthenticated {
		return
	}
	gen := s.gen
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.expiryTimer = time.AfterFunc(d, func() { fire(gen) })
}

// TimeoutIfUnauthenticated moves to TERMINATED only when the session is
// still UNAUTHENTICATED under the same generation (handshake deadline path).
func (s *Session) TimeoutIfUnauthenticated(expect uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != expect || s.state != StateUnauthenticated {
		return false
	}
	s.terminateLocked()
	return true
}

// ArmExpiry schedules fire after d unless the generation changes first.
func (s *Session) ArmExpiry(gen uint64, d time.Duration, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	if d < 0 {
		d = 0
	}
	s.expiryTimer = time.AfterFunc(d, func() { fire(gen) })
}

// ArmGrace schedules fire after d unless the generation changes first.
func (s *Session) ArmGrace(gen uint64, d time.Duration, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(d, func() { fire(gen) })
}

// stopTimersLocked releases both timers. Caller holds s.mu. Generation has
// already been bumped by the caller, so a timer that won the race and is
// about to fire will fail its generation check and do nothing.
func (s *Session) stopTimersLocked() {
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
