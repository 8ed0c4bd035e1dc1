package progress

import (
	"sync"
	"testing"
)

// recorder is a Subscriber that accumulates updates.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) SendUpdate(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func TestBusAddListenerIdempotent(t *testing.T) {
	b := NewBus()
	r := &recorder{}

	b.AddListener("job-1", r)
	b.AddListener("job-1", r) // duplicate add is a no-op

	b.SendProgressUpdate(Update{JobID: "job-1"}, "job-1")
	if got := r.count(); got != 1 {
		t.Errorf("updates after duplicate add: got %d, want 1", got)
	}
}

func TestBusRemoveDropsJobEntry(t *testing.T) {
	b := NewBus()
	r := &recorder{}

	b.AddListener("job-1", r)
	if !b.HasListener("job-1") {
		t.Fatal("HasListener after add: got false")
	}

	b.RemoveListener("job-1", r)
	if b.HasListener("job-1") {
		t.Error("HasListener after removing last subscriber: got true")
	}
	// Removing again, or for an unknown job, must not panic.
	b.RemoveListener("job-1", r)
	b.RemoveListener("never-seen", r)

	b.SendProgressUpdate(Update{JobID: "job-1"}, "job-1")
	if got := r.count(); got != 0 {
		t.Errorf("updates after remove: got %d, want 0", got)
	}
}

func TestBusRoutesByJobID(t *testing.T) {
	b := NewBus()
	ra, rb := &recorder{}, &recorder{}
	b.AddListener("job-a", ra)
	b.AddListener("job-b", rb)

	b.SendProgressUpdate(Update{JobID: "job-a"}, "job-a")
	b.SendProgressUpdate(Update{JobID: "job-a"}, "job-a")
	b.SendProgressUpdate(Update{JobID: "job-b"}, "job-b")

	if ra.count() != 2 {
		t.Errorf("job-a updates: got %d, want 2", ra.count())
	}
	if rb.count() != 1 {
		t.Errorf("job-b updates: got %d, want 1", rb.count())
	}
}
