package core

import "sync"

// RingBuffer keeps the last K envelopes of a room for late joiners.
type RingBuffer struct {
	mu    sync.RWMutex
	items []Envelope
	head  int // index of the oldest entry
	size  int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{items: make([]Envelope, capacity)}
}

func (r *RingBuffer) Push(e Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = e
		r.size++
		return
	}
	r.items[r.head] = e
	r.head = (r.head + 1) % len(r.items)
}

// Snapshot returns the buffered envelopes oldest to newest.
func (r *RingBuffer) Snapshot() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Envelope, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *RingBuffer) Cap() int { return len(r.items) }
