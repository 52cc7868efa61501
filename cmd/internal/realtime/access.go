package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotAllowed is returned when a connection may not join a room.
var ErrNotAllowed = errors.New("realtime: not allowed")

// RoomAccess is the authorization boundary for join-room. It is consulted by the
// connection goroutine before the join reaches the hub.
type RoomAccess interface {
	// CanJoin reports whether userID may join roomID.
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
}

// AllowAll admits every join. It is the default when no database is configured.
type AllowAll struct{}

// CanJoin always returns true.
func (AllowAll) CanJoin(context.Context, string, string) (bool, error) { return true, nil }

// PostgresRoomAccess checks membership via <schema>.room_members.
type PostgresRoomAccess struct {
	pool   *pgxpool.Pool
	schema string
}

// RoomAccessOption configures PostgresRoomAccess behavior.
type RoomAccessOption func(*PostgresRoomAccess) error

// WithAccessSchema sets the DB schema used by the access check (default: "huddle").
func WithAccessSchema(schema string) RoomAccessOption {
	return func(s *PostgresRoomAccess) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresRoomAccess constructs a room access check backed by PostgreSQL.
func NewPostgresRoomAccess(pool *pgxpool.Pool, opts ...RoomAccessOption) (*PostgresRoomAccess, error) {
	st := &PostgresRoomAccess{
		pool:   pool,
		schema: "huddle",
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

// CanJoin checks whether userID is listed as a member of roomID.
func (s *PostgresRoomAccess) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil room access")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "room_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnsureSchema creates the room_members table when it does not exist.
func (s *PostgresRoomAccess) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	members := pgIdent(s.schema, "room_members")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + members + ` (
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, user_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Grant adds userID to roomID. Granting twice is a no-op.
func (s *PostgresRoomAccess) Grant(ctx context.Context, userID, roomID string) error {
	members := pgIdent(s.schema, "room_members")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		strings.TrimSpace(roomID), strings.TrimSpace(userID),
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
