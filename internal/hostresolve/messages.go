package hostresolve

import (
	"sync"

	"github.com/g960059/gsrfinder/internal/model"
)

// DefaultRingSize is the number of messages kept by a Ring.
const DefaultRingSize = 32

// Notifier shows user-facing messages. Dismiss hides the current one.
type Notifier interface {
	Notify(msg model.Message)
	Dismiss()
}

// Ring is a Notifier that keeps the most recent messages in memory.
type Ring struct {
	mu      sync.Mutex
	buf     []model.Message
	next    int
	full    bool
	current *model.Message
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]model.Message, size)}
}

func (r *Ring) Notify(msg model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = msg
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	cur := msg
	r.current = &cur
}

func (r *Ring) Dismiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}

// Current returns the message on screen, if any.
func (r *Ring) Current() (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return model.Message{}, false
	}
	return *r.current, true
}

// Recent returns up to n messages, oldest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
