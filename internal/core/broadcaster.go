package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrRoomClosed is returned by a broadcaster that has been torn down.
// Callers should fetch a fresh one from the registry.
var ErrRoomClosed = errors.New("room closed")

const (
	DefaultBacklogSize  = 10
	DefaultPersistQueue = 256
	persistTimeout      = 5 * time.Second
)

type BroadcasterOptions struct {
	BacklogSize int
	Policy      Policy
	// Store is set for persistent rooms only.
	Store        MessageStore
	PersistQueue int
	// OnEmpty runs outside the room lock when the last subscriber leaves.
	OnEmpty func(domain.RoomID)
	Now     func() time.Time
}

// Broadcaster is the fan-out hub of one room. All mutations run under mu,
// which gives every subscriber the same envelope order.
// It never closes adapter-owned resources.
type Broadcaster struct {
	room    domain.RoomID
	policy  Policy
	onEmpty func(domain.RoomID)
	now     func() time.Time

	mu     sync.Mutex
	seq    uint64
	subs   map[SessionID]*Session
	ring   *RingBuffer
	closed bool

	persist *persistWorker
}

func NewBroadcaster(room domain.RoomID, opts BroadcasterOptions) *Broadcaster {
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = DefaultBacklogSize
	}
	if opts.Policy == nil {
		opts.Policy = KickPolicy{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broadcaster{
		room:    room,
		policy:  opts.Policy,
		onEmpty: opts.OnEmpty,
		now:     opts.Now,
		subs:    make(map[SessionID]*Session),
		ring:    NewRingBuffer(opts.BacklogSize),
	}
	if opts.Store != nil {
		b.persist = newPersistWorker(room, opts.Store, opts.PersistQueue)
	}
	return b
}

func (b *Broadcaster) Room() domain.RoomID { return b.room }

func (b *Broadcaster) Persistent() bool { return b.persist != nil }

func (b *Broadcaster) OnlineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Members returns the users currently subscribed.
func (b *Broadcaster) Members() []domain.PublicUser {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PublicUser, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.User())
	}
	return out
}

// Backlog is the current ring snapshot.
func (b *Broadcaster) Backlog() []Envelope { return b.ring.Snapshot() }

// PendingFlush counts envelopes handed to the store but not yet written.
func (b *Broadcaster) PendingFlush() int64 {
	if b.persist == nil {
		return 0
	}
	return b.persist.pending.Load()
}

// Subscribe adds s and returns the backlog to replay before anything
// read from s.Outbound(). The JOIN for s is queued to every subscriber,
// s included. Subscribing an already subscribed session only returns a
// fresh backlog.
func (b *Broadcaster) Subscribe(s *Session) ([]Envelope, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if _, ok := b.subs[s.ID()]; ok {
		backlog := b.ring.Snapshot()
		b.mu.Unlock()
		return backlog, nil
	}
	if s.IsClosed() {
		b.mu.Unlock()
		return nil, ErrSessionClosed
	}
	b.subs[s.ID()] = s
	backlog := b.ring.Snapshot()
	u := s.User()
	join := b.presenceLocked(TypeJoin, u, fmt.Sprintf("User %s joined", u.Username))
	b.evictLocked(b.fanoutLocked(join).Dropped)
	emptied := len(b.subs) == 0
	b.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(b.room)).Str("sid", string(s.ID())).Str("user", string(u.ID)).Msg("member added")
	if emptied {
		b.notifyEmpty()
	}
	return backlog, nil
}

// Unsubscribe removes s and tells the remaining members.
func (b *Broadcaster) Unsubscribe(s *Session) {
	b.mu.Lock()
	if _, ok := b.subs[s.ID()]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s.ID())
	if len(b.subs) > 0 {
		u := s.User()
		leave := b.presenceLocked(TypeLeave, u, fmt.Sprintf("User %s left", u.Username))
		b.evictLocked(b.fanoutLocked(leave).Dropped)
	}
	emptied := len(b.subs) == 0
	b.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(b.room)).Str("sid", string(s.ID())).Msg("member removed")
	if emptied {
		b.notifyEmpty()
	}
}

// Publish sequences, buffers and fans out one envelope. It never waits
// on a subscriber or on the store.
func (b *Broadcaster) Publish(typ MessageType, payload Payload, sender *domain.PublicUser, extra map[string]any) (Envelope, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Envelope{}, ErrRoomClosed
	}
	env, err := NewEnvelope(b.seq+1, typ, payload, sender, b.now(), extra)
	if err != nil {
		b.mu.Unlock()
		return Envelope{}, err
	}
	b.seq++
	b.ring.Push(env)
	res := b.fanoutLocked(env)
	b.evictLocked(res.Dropped)
	if b.persist != nil {
		b.persist.enqueue(env)
	}
	emptied := len(res.Dropped) > 0 && len(b.subs) == 0
	b.mu.Unlock()

	log.Debug().Str("module", "core.room").Str("room", string(b.room)).Uint64("seq", env.Seq()).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	if emptied {
		b.notifyEmpty()
	}
	return env, nil
}

// CloseIfIdle tears the room down when nobody is subscribed and the
// store has caught up. It reports whether the room is closed.
func (b *Broadcaster) CloseIfIdle() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return true
	}
	if len(b.subs) > 0 || b.PendingFlush() > 0 {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	w := b.persist
	if w != nil {
		w.stop()
	}
	b.mu.Unlock()
	if w != nil {
		w.wait()
	}
	return true
}

// Close drops every subscriber with reason and waits for pending writes.
func (b *Broadcaster) Close(reason error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.Close(reason)
		delete(b.subs, id)
	}
	w := b.persist
	if w != nil {
		w.stop()
	}
	b.mu.Unlock()
	if w != nil {
		w.wait()
	}
	log.Info().Str("module", "core.room").Str("room", string(b.room)).Msg("room closed")
}

func (b *Broadcaster) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broadcaster) notifyEmpty() {
	if b.onEmpty != nil {
		b.onEmpty(b.room)
	}
}

func (b *Broadcaster) presenceLocked(typ MessageType, u domain.PublicUser, content string) Envelope {
	b.seq++
	env, err := NewEnvelope(b.seq, typ, Presence{Content: content, OnlineUsers: len(b.subs)}, nil, b.now(), map[string]any{"user": u})
	if err != nil {
		// Presence payloads are built here and always valid.
		panic(err)
	}
	return env
}

func (b *Broadcaster) fanoutLocked(env Envelope) PublishResult {
	res := PublishResult{}
	for _, s := range b.subs {
		err := s.Enqueue(env)
		switch {
		case err == nil:
			res.SendTo++
		case errors.Is(err, ErrBackpressure):
			switch b.policy.OnBackPressure(b.room, s) {
			case KickMember:
				res.Dropped = append(res.Dropped, s)
			case DropEnvelope:
				log.Warn().Str("module", "core.room").Str("room", string(b.room)).Str("sid", string(s.ID())).Uint64("seq", env.Seq()).Msg("envelope dropped for slow member")
			}
		default:
			res.Dropped = append(res.Dropped, s)
		}
	}
	return res
}

// evictLocked removes dropped sessions; each removal is announced with a
// LEAVE, which may itself drop more sessions.
func (b *Broadcaster) evictLocked(dropped []*Session) {
	for len(dropped) > 0 {
		s := dropped[0]
		dropped = dropped[1:]
		if _, ok := b.subs[s.ID()]; !ok {
			continue
		}
		delete(b.subs, s.ID())
		if s.Close(ErrBackpressure) {
			log.Warn().Str("module", "core.room").Str("room", string(b.room)).Str("sid", string(s.ID())).Str("user", string(s.User().ID)).Msg("slow member disconnected")
		}
		if len(b.subs) == 0 {
			continue
		}
		u := s.User()
		leave := b.presenceLocked(TypeLeave, u, fmt.Sprintf("User %s left", u.Username))
		dropped = append(dropped, b.fanoutLocked(leave).Dropped...)
	}
}

type persistWorker struct {
	room    domain.RoomID
	store   MessageStore
	queue   chan Envelope
	pending atomic.Int64
	done    chan struct{}
}

func newPersistWorker(room domain.RoomID, store MessageStore, size int) *persistWorker {
	if size <= 0 {
		size = DefaultPersistQueue
	}
	w := &persistWorker{
		room:  room,
		store: store,
		queue: make(chan Envelope, size),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue is called under the room lock, so writes keep publish order.
func (w *persistWorker) enqueue(env Envelope) {
	w.pending.Add(1)
	select {
	case w.queue <- env:
	default:
		w.pending.Add(-1)
		log.Error().Str("module", "core.persist").Str("room", string(w.room)).Uint64("seq", env.Seq()).Msg("persist queue full, envelope not stored")
	}
}

func (w *persistWorker) run() {
	defer close(w.done)
	for env := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := w.store.PersistMessage(ctx, w.room, env); err != nil {
			log.Error().Err(err).Str("module", "core.persist").Str("room", string(w.room)).Uint64("seq", env.Seq()).Msg("persist message")
		}
		cancel()
		w.pending.Add(-1)
	}
}

func (w *persistWorker) stop() { close(w.queue) }

func (w *persistWorker) wait() { <-w.done }
