package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/lo"
)

// SQLSTATE unique_violation
const uniqueViolation = "23505"

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Close(_ context.Context) error {
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return NewMigrator(s.db, migrationsFS).Up(ctx)
}

func (s *PostgresStore) PersistMessage(ctx context.Context, room domain.RoomID, env core.Envelope) error {
	body, err := core.Encode(env)
	if err != nil {
		return storageErr("encode message", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, seq, type, body, sent_at) VALUES ($1, $2, $3, $4, $5)`,
		string(room), int64(env.Seq()), string(env.Type()), string(body), env.SentAt())
	if err != nil {
		return storageErr("insert message", err)
	}
	return nil
}

// ListHistory returns the latest limit messages of room, oldest first.
func (s *PostgresStore) ListHistory(ctx context.Context, room domain.RoomID, limit int) ([]core.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE room_id = $1 ORDER BY id DESC LIMIT $2`,
		string(room), clampLimit(limit))
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	out := make([]core.Envelope, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, storageErr("scan message", err)
		}
		env, err := core.Decode(body)
		if err != nil {
			return nil, storageErr("decode message", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return lo.Reverse(out), nil
}

// AuthorizeJoin lets anyone into ephemeral rooms; static rooms admit
// their owner and members only.
func (s *PostgresStore) AuthorizeJoin(ctx context.Context, user domain.PublicUser, room domain.RoomID) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM static_rooms WHERE id = $1`, string(room)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, storageErr("lookup room", err)
	}
	if owner == string(user.ID) {
		return true, nil
	}
	var member bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM static_room_members WHERE room_id = $1 AND user_id = $2)`,
		string(room), string(user.ID)).Scan(&member)
	if err != nil {
		return false, storageErr("lookup member", err)
	}
	return member, nil
}

func (s *PostgresStore) IsPersistent(ctx context.Context, room domain.RoomID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM static_rooms WHERE id = $1)`, string(room)).Scan(&exists)
	if err != nil {
		return false, storageErr("lookup room", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateStaticRoom(ctx context.Context, room domain.RoomID, owner domain.UserID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO static_rooms (id, owner_id, created_at) VALUES ($1, $2, $3)`,
		string(room), string(owner), s.now().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("room %s: %w", room, ErrExists)
	}
	if err != nil {
		return storageErr("create room", err)
	}
	return nil
}

func (s *PostgresStore) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO static_room_members (room_id, user_id, added_at)
		 SELECT id, $2, $3 FROM static_rooms WHERE id = $1
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		string(room), string(user), s.now().UTC())
	if err != nil {
		return storageErr("add member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("add member", err)
	}
	if n == 0 {
		ok, err := s.IsPersistent(ctx, room)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("room %s: %w", room, ErrNotFound)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
