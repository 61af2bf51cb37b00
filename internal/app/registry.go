package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrRegistryClosed = errors.New("registry closed")
	ErrServerShutdown = errors.New("server shutting down")
)

const DefaultGracePeriod = 5 * time.Second

type RegistryOptions struct {
	BacklogSize  int
	Policy       core.Policy
	GracePeriod  time.Duration
	PersistQueue int
	// Store receives envelopes of persistent rooms. Nil disables persistence.
	Store core.MessageStore
}

type roomEntry struct {
	b     *core.Broadcaster
	timer *time.Timer
	gen   uint64
}

// Registry owns every live Broadcaster. Its lock guards the map only and
// is never held while delivering messages.
type Registry struct {
	opts RegistryOptions

	mu     sync.Mutex
	rooms  map[domain.RoomID]*roomEntry
	closed bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Registry{
		opts:  opts,
		rooms: make(map[domain.RoomID]*roomEntry),
	}
}

// GetOrCreate returns the room broadcaster, creating it on first use.
// A pending teardown of that room is cancelled. persistent is only
// consulted when the room is created.
func (r *Registry) GetOrCreate(id domain.RoomID, persistent bool) (*core.Broadcaster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.rooms[id]; ok {
		r.cancelLocked(e)
		return e.b, nil
	}
	opts := core.BroadcasterOptions{
		BacklogSize:  r.opts.BacklogSize,
		Policy:       r.opts.Policy,
		PersistQueue: r.opts.PersistQueue,
		OnEmpty:      r.Release,
	}
	if persistent && r.opts.Store != nil {
		opts.Store = r.opts.Store
	}
	e := &roomEntry{b: core.NewBroadcaster(id, opts)}
	r.rooms[id] = e
	log.Info().Str("module", "app.registry").Str("room", string(id)).Bool("persistent", e.b.Persistent()).Msg("room created")
	return e.b, nil
}

func (r *Registry) Get(id domain.RoomID) (*core.Broadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[id]
	if !ok {
		return nil, false
	}
	return e.b, true
}

// Release schedules teardown of an empty room after the grace period.
// Rooms that still have subscribers are left alone.
func (r *Registry) Release(id domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[id]
	if !ok || r.closed || e.b.OnlineCount() > 0 {
		return
	}
	r.scheduleLocked(id, e)
}

func (r *Registry) scheduleLocked(id domain.RoomID, e *roomEntry) {
	r.cancelLocked(e)
	gen := e.gen
	e.timer = time.AfterFunc(r.opts.GracePeriod, func() { r.teardown(id, gen) })
	log.Debug().Str("module", "app.registry").Str("room", string(id)).Dur("grace", r.opts.GracePeriod).Msg("teardown scheduled")
}

func (r *Registry) cancelLocked(e *roomEntry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (r *Registry) teardown(id domain.RoomID, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[id]
	if !ok || e.gen != gen {
		return
	}
	e.timer = nil
	if e.b.OnlineCount() > 0 {
		return
	}
	if !e.b.CloseIfIdle() {
		// history still flushing
		r.scheduleLocked(id, e)
		return
	}
	delete(r.rooms, id)
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room torn down")
}

// Evict closes a room right away, disconnecting its sessions.
func (r *Registry) Evict(id domain.RoomID, reason error) bool {
	r.mu.Lock()
	e, ok := r.rooms[id]
	if ok {
		r.cancelLocked(e)
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.b.Close(reason)
	return true
}

// List returns live rooms ordered by id.
func (r *Registry) List() []core.RoomInfo {
	r.mu.Lock()
	entries := lo.Values(r.rooms)
	r.mu.Unlock()

	out := lo.Map(entries, func(e *roomEntry, _ int) core.RoomInfo {
		return core.RoomInfo{ID: e.b.Room(), OnlineCount: e.b.OnlineCount(), Persistent: e.b.Persistent()}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown closes every room and stops pending timers. The registry
// refuses new rooms afterwards.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := lo.Values(r.rooms)
	for _, e := range entries {
		r.cancelLocked(e)
	}
	r.rooms = make(map[domain.RoomID]*roomEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.b.Close(ErrServerShutdown)
	}
	log.Info().Str("module", "app.registry").Int("rooms", len(entries)).Msg("registry shut down")
}
