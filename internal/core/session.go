package core

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrSessionClosed = errors.New("session closed")
)

type SessionID string

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateJoined
	StateLeaving
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client connection subscribed to at most one room.
// The room only ever enqueues; the transport owning the session drains
// Outbound and watches Done.
type Session struct {
	id    SessionID
	user  domain.PublicUser
	queue chan Envelope
	done  chan struct{}
	state atomic.Int32

	mu     sync.RWMutex
	room   domain.RoomID
	closed bool
	reason error
}

func NewSession(user domain.PublicUser, queueSize int) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		id:    SessionID(uuid.NewString()),
		user:  user,
		queue: make(chan Envelope, queueSize),
		done:  make(chan struct{}),
	}
}

func (s *Session) ID() SessionID { return s.id }
func (s *Session) User() domain.PublicUser { return s.user }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }
func (s *Session) Outbound() <-chan Envelope { return s.queue }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Room() domain.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Enqueue never blocks. After Close it is a no-op returning ErrSessionClosed.
func (s *Session) Enqueue(e Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrBackpressure
	}
}

// MarkJoined moves a connecting session into room.
func (s *Session) MarkJoined(room domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateJoined)) {
		return false
	}
	s.room = room
	return true
}

// BeginLeave reports whether the caller won the transition to Leaving.
func (s *Session) BeginLeave() bool {
	if s.state.CompareAndSwap(int32(StateJoined), int32(StateLeaving)) {
		return true
	}
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateLeaving))
}

// Close is idempotent; the first reason wins. A nil reason is a normal leave.
func (s *Session) Close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	s.state.Store(int32(StateClosed))
	close(s.done)
	return true
}

// Err returns the reason passed to Close.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
