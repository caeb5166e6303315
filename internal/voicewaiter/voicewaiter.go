// Package voicewaiter correlates a voice message:new event with its later
// transcription, delivered via a message:update event (§4.5). A voice
// message often arrives before the Server has finished transcribing it; the
// pipeline suspends on a Waiter until either the transcription resolves it
// or a timeout elapses.
package voicewaiter

import (
	"sync"
	"time"
)

// Timeout is how long a waiter holds before resolving to the empty string.
const Timeout = 15 * time.Second

type waiter struct {
	ch    chan string
	once  sync.Once
	timer *time.Timer
}

func newWaiter(onExpire func()) *waiter {
	w := &waiter{ch: make(chan string, 1)}
	w.timer = time.AfterFunc(Timeout, onExpire)
	return w
}

func (w *waiter) resolve(text string) bool {
	resolved := false
	w.once.Do(func() {
		w.timer.Stop()
		w.ch <- text
		resolved = true
	})
	return resolved
}

// Registry holds the in-flight waiters, one per messageId.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// New creates an empty waiter registry.
func New() *Registry {
	return &Registry{waiters: make(map[string]*waiter)}
}

// Wait registers a waiter for messageID — cancelling (resolving to empty)
// any prior waiter for the same id first — and blocks until Resolve is
// called or Timeout elapses, whichever comes first.
func (r *Registry) Wait(messageID string) string {
	r.mu.Lock()
	if prev, ok := r.waiters[messageID]; ok {
		delete(r.waiters, messageID)
		r.mu.Unlock()
		prev.resolve("")
		r.mu.Lock()
	}

	w := newWaiter(func() { r.Cancel(messageID) })
	r.waiters[messageID] = w
	r.mu.Unlock()

	text := <-w.ch
	return text
}

// Resolve delivers text to messageID's pending waiter, if any, and reports
// whether a waiter was actually resolved (false if none was pending, or it
// had already resolved via cancel/timeout).
func (r *Registry) Resolve(messageID, text string) bool {
	r.mu.Lock()
	w, ok := r.waiters[messageID]
	if ok {
		delete(r.waiters, messageID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return w.resolve(text)
}

// Cancel force-resolves messageID's waiter (if any still pending) to the
// empty string.
func (r *Registry) Cancel(messageID string) {
	r.mu.Lock()
	w, ok := r.waiters[messageID]
	if ok {
		delete(r.waiters, messageID)
	}
	r.mu.Unlock()
	if ok {
		w.resolve("")
	}
}

// Dispose force-resolves every pending waiter to the empty string.
func (r *Registry) Dispose() {
	r.mu.Lock()
	pending := make([]*waiter, 0, len(r.waiters))
	for id, w := range r.waiters {
		pending = append(pending, w)
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	for _, w := range pending {
		w.resolve("")
	}
}
