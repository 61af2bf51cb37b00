package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrSenderMismatch = errors.New("sender does not match session user")

const (
	DefaultQueueSize = 64
	// a room closed by teardown between lookup and subscribe is retried
	maxRoomAttempts = 3
)

// ChatService is the entry point used by the transports. It checks access,
// picks the room broadcaster and keeps sessions and rooms in step.
type ChatService struct {
	rooms     *Registry
	directory core.RoomDirectory
	history   core.HistoryReader
	queueSize int
}

func NewChatService(rooms *Registry, dir core.RoomDirectory, history core.HistoryReader, queueSize int) *ChatService {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &ChatService{rooms: rooms, directory: dir, history: history, queueSize: queueSize}
}

// Authorize fails with domain.ErrForbidden when user may not enter room.
func (c *ChatService) Authorize(ctx context.Context, user domain.PublicUser, room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if c.directory == nil {
		return nil
	}
	ok, err := c.directory.AuthorizeJoin(ctx, user, room)
	if err != nil {
		return fmt.Errorf("authorize join: %w", err)
	}
	if !ok {
		return fmt.Errorf("room %s: %w", room, domain.ErrForbidden)
	}
	return nil
}

// Join authorizes user, creates a session and subscribes it. The returned
// backlog must be written before anything read from the session queue.
func (c *ChatService) Join(ctx context.Context, room domain.RoomID, user domain.PublicUser) (*core.Session, []core.Envelope, error) {
	if err := c.Authorize(ctx, user, room); err != nil {
		return nil, nil, err
	}
	sess := core.NewSession(user, c.queueSize)
	for range maxRoomAttempts {
		b, err := c.room(ctx, room)
		if err != nil {
			return nil, nil, err
		}
		backlog, err := b.Subscribe(sess)
		if errors.Is(err, core.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		sess.MarkJoined(room)
		log.Info().Str("module", "app.chat").Str("room", string(room)).Str("sid", string(sess.ID())).Str("user", string(user.ID)).Int("backlog", len(backlog)).Msg("joined")
		return sess, backlog, nil
	}
	return nil, nil, fmt.Errorf("join %s: %w", room, core.ErrRoomClosed)
}

// Leave unsubscribes sess and closes it. Safe to call more than once.
func (c *ChatService) Leave(sess *core.Session) {
	sess.BeginLeave()
	if b, ok := c.rooms.Get(sess.Room()); ok {
		b.Unsubscribe(sess)
	}
	if sess.Close(nil) {
		log.Info().Str("module", "app.chat").Str("room", string(sess.Room())).Str("sid", string(sess.ID())).Msg("left")
	}
}

// Publish is the "send message" path: sender need not be subscribed.
func (c *ChatService) Publish(ctx context.Context, room domain.RoomID, in core.Inbound, sender domain.PublicUser) (core.Envelope, error) {
	if err := c.Authorize(ctx, sender, room); err != nil {
		return core.Envelope{}, err
	}
	for range maxRoomAttempts {
		b, err := c.room(ctx, room)
		if err != nil {
			return core.Envelope{}, err
		}
		env, err := b.Publish(in.Type, in.Payload, &sender, in.Extra)
		if errors.Is(err, core.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return core.Envelope{}, err
		}
		// nobody listening: let the grace timer collect the room
		c.rooms.Release(room)
		return env, nil
	}
	return core.Envelope{}, fmt.Errorf("publish %s: %w", room, core.ErrRoomClosed)
}

// PublishFrom publishes a frame read from a joined session.
func (c *ChatService) PublishFrom(sess *core.Session, in core.Inbound) (core.Envelope, error) {
	user := sess.User()
	if in.Sender != nil && in.Sender.ID != user.ID {
		return core.Envelope{}, ErrSenderMismatch
	}
	if sess.IsClosed() {
		return core.Envelope{}, core.ErrSessionClosed
	}
	b, ok := c.rooms.Get(sess.Room())
	if !ok {
		return core.Envelope{}, core.ErrRoomClosed
	}
	return b.Publish(in.Type, in.Payload, &user, in.Extra)
}

func (c *ChatService) Rooms() []core.RoomInfo { return c.rooms.List() }

// Members lists users of a live room; an unknown room has none.
func (c *ChatService) Members(room domain.RoomID) ([]domain.PublicUser, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	b, ok := c.rooms.Get(room)
	if !ok {
		return []domain.PublicUser{}, nil
	}
	return b.Members(), nil
}

func (c *ChatService) History(ctx context.Context, room domain.RoomID, limit int) ([]core.Envelope, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if c.history == nil {
		return []core.Envelope{}, nil
	}
	return c.history.ListHistory(ctx, room, limit)
}

// EvictRoom drops every session of room at once.
func (c *ChatService) EvictRoom(room domain.RoomID, reason error) bool {
	return c.rooms.Evict(room, reason)
}

func (c *ChatService) room(ctx context.Context, room domain.RoomID) (*core.Broadcaster, error) {
	if b, ok := c.rooms.Get(room); ok {
		return b, nil
	}
	persistent := false
	if c.directory != nil {
		p, err := c.directory.IsPersistent(ctx, room)
		if err != nil {
			return nil, fmt.Errorf("room kind: %w", err)
		}
		persistent = p
	}
	return c.rooms.GetOrCreate(room, persistent)
}
