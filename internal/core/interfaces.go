//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=../mocks/mock_core.go -package=mocks
package core

import (
	"context"

	"github.com/dkeye/Chat/internal/domain"
)

// IdentityResolver turns a bearer credential into a user.
// Implementations return domain.ErrUnauthenticated for bad credentials.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (domain.PublicUser, error)
}

// MessageStore appends envelopes to the durable history of persistent rooms.
type MessageStore interface {
	PersistMessage(ctx context.Context, room domain.RoomID, env Envelope) error
}

// RoomDirectory answers access-control and durability questions about rooms.
type RoomDirectory interface {
	AuthorizeJoin(ctx context.Context, user domain.PublicUser, room domain.RoomID) (bool, error)
	IsPersistent(ctx context.Context, room domain.RoomID) (bool, error)
}

// HistoryReader lists durable history oldest to newest.
type HistoryReader interface {
	ListHistory(ctx context.Context, room domain.RoomID, limit int) ([]Envelope, error)
}

// PublishResult reports delivery stats/backpressure of one fan-out.
type PublishResult struct {
	SendTo  int
	Dropped []*Session
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	OnlineCount int           `json:"online_count"`
	Persistent  bool          `json:"persistent"`
}
