package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresAssignmentStore checks route assignments via waybill.route_assignments.
type PostgresAssignmentStore struct {
	pool   *pgxpool.Pool
	schema string
}

// AssignmentOption configures PostgresAssignmentStore behavior.
type AssignmentOption func(*PostgresAssignmentStore) error

// WithAssignmentSchema sets the DB schema used by the store (default: "waybill").
func WithAssignmentSchema(schema string) AssignmentOption {
	return func(s *PostgresAssignmentStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresAssignmentStore constructs an assignment store backed by PostgreSQL.
func NewPostgresAssignmentStore(pool *pgxpool.Pool, opts ...AssignmentOption) (*PostgresAssignmentStore, error) {
	st := &PostgresAssignmentStore{
		pool:   pool,
		schema: "waybill",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// IsAssigned checks if driverID is currently assigned to routeID.
func (s *PostgresAssignmentStore) IsAssigned(ctx context.Context, driverID, routeID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil assignment store")
	}
	driverID = strings.TrimSpace(driverID)
	routeID = strings.TrimSpace(routeID)
	if driverID == "" || routeID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	assignments := pgIdent(s.schema, "route_assignments")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+assignments+` WHERE route_id = $1 AND driver_id = $2`,
		routeID, driverID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
