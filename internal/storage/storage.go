package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
)

var (
	// ErrStorage marks failures of the backing database.
	ErrStorage  = errors.New("storage error")
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

const DefaultHistoryLimit = 50

// Store is durable history plus the static room directory.
type Store interface {
	core.MessageStore
	core.RoomDirectory
	core.HistoryReader
	CreateStaticRoom(ctx context.Context, room domain.RoomID, owner domain.UserID) error
	AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the store named by driver: nop, badger or postgres.
func Open(ctx context.Context, driver, badgerPath, postgresURL string) (Store, error) {
	switch driver {
	case "", "nop":
		return NewNopStore(), nil
	case "badger":
		return NewBadgerStore(badgerPath)
	case "postgres":
		return NewPostgresStore(ctx, postgresURL)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultHistoryLimit
	}
	return limit
}

// NopStore keeps nothing: every room is ephemeral and open to all.
type NopStore struct{}

func NewNopStore() *NopStore {
	return &NopStore{}
}

func (s *NopStore) PersistMessage(ctx context.Context, room domain.RoomID, env core.Envelope) error {
	return nil
}

func (s *NopStore) AuthorizeJoin(ctx context.Context, user domain.PublicUser, room domain.RoomID) (bool, error) {
	return true, nil
}

func (s *NopStore) IsPersistent(ctx context.Context, room domain.RoomID) (bool, error) {
	return false, nil
}

func (s *NopStore) ListHistory(ctx context.Context, room domain.RoomID, limit int) ([]core.Envelope, error) {
	return []core.Envelope{}, nil
}

func (s *NopStore) CreateStaticRoom(ctx context.Context, room domain.RoomID, owner domain.UserID) error {
	return fmt.Errorf("static rooms need a durable store: %w", ErrStorage)
}

func (s *NopStore) AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error {
	return fmt.Errorf("room %s: %w", room, ErrNotFound)
}

func (s *NopStore) Migrate(_ context.Context) error {
	return nil
}

func (s *NopStore) Close(_ context.Context) error {
	return nil
}
