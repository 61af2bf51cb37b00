package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultLeaveDelay = 10 * time.Second

type presenceKey struct {
	room domain.RoomID
	user domain.UserID
}

type presenceEntry struct {
	sess *core.Session
	// attached is closed when another listen takes the session over.
	attached chan struct{}
	timer    *time.Timer
	gen      uint64
}

// Attachment is one long-poll listen bound to a tracked session.
type Attachment struct {
	Session *core.Session
	// Backlog is set on the first join only; a reattached listen keeps
	// reading the queue where the previous one stopped.
	Backlog   []core.Envelope
	FirstJoin bool
	// Superseded closes when a newer listen of the same user took over.
	Superseded <-chan struct{}

	key presenceKey
}

// Presence keeps long-poll users joined between listens. A listen that
// times out detaches; the user leaves the room only if no listen comes
// back within the leave delay.
type Presence struct {
	chat       *ChatService
	leaveDelay time.Duration

	mu      sync.Mutex
	entries map[presenceKey]*presenceEntry
}

func NewPresence(chat *ChatService, leaveDelay time.Duration) *Presence {
	if leaveDelay <= 0 {
		leaveDelay = DefaultLeaveDelay
	}
	return &Presence{
		chat:       chat,
		leaveDelay: leaveDelay,
		entries:    make(map[presenceKey]*presenceEntry),
	}
}

// Attach returns the tracked session of user in room, joining the room
// when there is none.
func (p *Presence) Attach(ctx context.Context, room domain.RoomID, user domain.PublicUser) (*Attachment, error) {
	key := presenceKey{room: room, user: user.ID}

	p.mu.Lock()
	e, ok := p.entries[key]
	live := ok && !e.sess.IsClosed()
	p.mu.Unlock()

	if live {
		// access may have been revoked since the first listen
		if err := p.chat.Authorize(ctx, user, room); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if cur, ok := p.entries[key]; ok && cur == e && !e.sess.IsClosed() {
			p.stopLocked(e)
			close(e.attached)
			e.attached = make(chan struct{})
			a := &Attachment{Session: e.sess, Superseded: e.attached, key: key}
			p.mu.Unlock()
			log.Debug().Str("module", "app.presence").Str("room", string(room)).Str("user", string(user.ID)).Msg("listen reattached")
			return a, nil
		}
		// expired or replaced while authorizing
		p.mu.Unlock()
	}

	sess, backlog, err := p.chat.Join(ctx, room, user)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	old, raced := p.entries[key]
	e = &presenceEntry{sess: sess, attached: make(chan struct{})}
	if raced {
		// a concurrent listen joined first; ours wins, theirs leaves
		p.stopLocked(old)
		close(old.attached)
		p.chat.Leave(old.sess)
		e.gen = old.gen + 1
	}
	p.entries[key] = e
	log.Info().Str("module", "app.presence").Str("room", string(room)).Str("user", string(user.ID)).Str("sid", string(sess.ID())).Msg("presence tracked")
	return &Attachment{Session: sess, Backlog: backlog, FirstJoin: true, Superseded: e.attached, key: key}, nil
}

// Detach ends a listen that timed out. The user stays joined for the
// leave delay.
func (p *Presence) Detach(a *Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.current(a)
	if !ok {
		return
	}
	p.stopLocked(e)
	gen := e.gen
	e.timer = time.AfterFunc(p.leaveDelay, func() { p.onExpire(a.key, gen) })
}

// Forget ends a listen whose client went away: the user leaves now.
func (p *Presence) Forget(a *Attachment) {
	p.mu.Lock()
	e, ok := p.current(a)
	if ok {
		p.stopLocked(e)
		delete(p.entries, a.key)
	}
	p.mu.Unlock()
	if ok {
		p.chat.Leave(e.sess)
	}
}

func (p *Presence) Tracked(room domain.RoomID, user domain.UserID) (*core.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[presenceKey{room: room, user: user}]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown stops every leave timer. Rooms are closed by the registry.
func (p *Presence) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		p.stopLocked(e)
		delete(p.entries, k)
	}
}

// current returns the entry a still owns. A superseded attachment owns
// nothing.
func (p *Presence) current(a *Attachment) (*presenceEntry, bool) {
	e, ok := p.entries[a.key]
	if !ok || e.sess != a.Session {
		return nil, false
	}
	select {
	case <-a.Superseded:
		return nil, false
	default:
	}
	return e, true
}

func (p *Presence) stopLocked(e *presenceEntry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (p *Presence) onExpire(key presenceKey, gen uint64) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	log.Info().Str("module", "app.presence").Str("room", string(key.room)).Str("user", string(key.user)).Msg("presence expired")
	p.chat.Leave(e.sess)
}
