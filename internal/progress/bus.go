// Package progress holds the authoritative in-memory view of per-job scan
// and stage progress, and the in-process bus that fans updates out to
// delivery transports.
package progress

import "sync"

// Subscriber receives progress updates for one job. Implementations must
// not assume broadcasts observed during add/remove are atomic in either
// direction; updates are monotonic snapshots, so last-observed-state wins.
type Subscriber interface {
	SendUpdate(Update)
}

// Bus is an in-process publish/subscribe registry keyed by job id. It
// decouples the Store from the delivery transport: the Store publishes
// here, the gateway subscribes here.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[Subscriber]struct{})}
}

// AddListener registers sub for jobID. Adding the same subscriber twice is
// a no-op.
func (b *Bus) AddListener(jobID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
}

// RemoveListener deregisters sub; the job entry is dropped entirely once
// its subscriber set is empty.
func (b *Bus) RemoveListener(jobID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}

// HasListener reports whether any subscriber is registered for jobID. The
// Store uses this to skip computing snapshots nobody is watching.
func (b *Bus) HasListener(jobID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[jobID]
	return ok
}

// SendProgressUpdate invokes every current subscriber for jobID
// synchronously, in arbitrary order.
func (b *Bus) SendProgressUpdate(u Update, jobID string) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs[jobID]))
	for sub := range b.subs[jobID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.SendUpdate(u)
	}
}
