// Package scan implements the single-flight directory walker that feeds
// the cataloging pipeline with discovered-file events.
package scan

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State classifies the outcome of a Scan request.
type State int

const (
	// Started means the walk began immediately.
	Started State = iota
	// Pending means another walk is active; this request is queued FIFO.
	Pending
	// InProgress means the same location is already being walked.
	InProgress
	// SourceMissing means the location does not exist or is not a
	// directory. No scan slot is consumed.
	SourceMissing
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case SourceMissing:
		return "source-missing"
	default:
		return "unknown"
	}
}

// FileInfo is one discovered file meeting the size filter.
type FileInfo struct {
	Path    string
	Name    string
	SizeMB  float64
	ModTime time.Time
}

// Events receives the typed event stream of one walk. OnFile fires once per
// qualifying file in traversal order; OnSkip once per discovered file under
// the size filter; OnError for I/O failures mid-walk (the walk continues);
// OnComplete exactly once as the terminal signal. Nil callbacks are skipped.
type Events struct {
	OnFile     func(FileInfo)
	OnSkip     func(path string)
	OnError    func(msg string)
	OnComplete func()
}

// request is one queued or active scan.
type request struct {
	jobID     string
	location  string
	minBytes  int64
	events    Events
	cancelled chan struct{}
}

// Scanner owns the single active-walk slot. Requests arriving while a walk
// is active queue FIFO; each completed walk immediately starts the next
// pending request. Safe for concurrent use.
type Scanner struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active *request
	queue  []*request
	paused bool
}

// New creates an idle Scanner.
func New() *Scanner {
	s := &Scanner{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Scan requests a walk of location on behalf of jobID. Files smaller than
// minFileSizeMB are reported via OnSkip rather than OnFile.
func (s *Scanner) Scan(jobID, location string, minFileSizeMB float64, ev Events) State {
	info, err := os.Stat(location)
	if err != nil || !info.IsDir() {
		return SourceMissing
	}

	req := &request{
		jobID:     jobID,
		location:  location,
		minBytes:  int64(minFileSizeMB * 1024 * 1024),
		events:    ev,
		cancelled: make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if s.active.location == location {
			return InProgress
		}
		// Only an exact repeat of an already-queued request is a no-op;
		// a different job gets its own queue slot even for the same
		// location, so its events still fire when its turn comes.
		for _, q := range s.queue {
			if q.jobID == jobID && q.location == location {
				return Pending
			}
		}
		s.queue = append(s.queue, req)
		slog.Info("scan queued", "job", jobID, "location", location, "queue_len", len(s.queue))
		return Pending
	}

	s.active = req
	go s.run(req)
	return Started
}

// Pause suspends the active walk at its next file boundary.
func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume continues a paused walk.
func (s *Scanner) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// IsPaused reports whether the walk is currently paused.
func (s *Scanner) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Entry identifies one walk request: the requesting job and its location.
type Entry struct {
	JobID    string `json:"jobId"`
	Location string `json:"location"`
}

// Status is a point-in-time view of the scanner: the active walk, the
// FIFO queue behind it, and the pause flag.
type Status struct {
	Paused bool    `json:"paused"`
	Active *Entry  `json:"active,omitempty"`
	Queue  []Entry `json:"queue"`
}

// Status snapshots the active walk and pending queue.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Paused: s.paused, Queue: make([]Entry, 0, len(s.queue))}
	if s.active != nil {
		st.Active = &Entry{JobID: s.active.jobID, Location: s.active.location}
	}
	for _, q := range s.queue {
		st.Queue = append(st.Queue, Entry{JobID: q.jobID, Location: q.location})
	}
	return st
}

// Cancel aborts the active walk if it belongs to jobID and drops any queued
// requests for that job. Used by the job-deletion path so a deleted job's
// walk does not keep writing images attributed to a job that no longer
// exists.
func (s *Scanner) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.jobID == jobID {
		select {
		case <-s.active.cancelled:
		default:
			close(s.active.cancelled)
		}
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.jobID == jobID {
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	s.cond.Broadcast()
}

// run walks req and then starts the next pending request, if any.
func (s *Scanner) run(req *request) {
	slog.Info("scan started", "job", req.jobID, "location", req.location)
	cancelled := s.walk(req)
	if !cancelled {
		if req.events.OnComplete != nil {
			req.events.OnComplete()
		}
		slog.Info("scan completed", "job", req.jobID, "location", req.location)
	} else {
		slog.Info("scan cancelled", "job", req.jobID, "location", req.location)
	}

	s.mu.Lock()
	s.active = nil
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.active = next
		go s.run(next)
	}
	s.mu.Unlock()
}

// walk traverses req.location in filesystem order. Returns true if the
// request was cancelled mid-walk.
func (s *Scanner) walk(req *request) bool {
	err := filepath.WalkDir(req.location, func(path string, d fs.DirEntry, err error) error {
		if s.waitIfPaused(req) {
			return fs.SkipAll
		}

		if err != nil {
			// Report and keep walking the rest of the tree.
			if req.events.OnError != nil {
				req.events.OnError(err.Error())
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if req.events.OnError != nil {
				req.events.OnError(err.Error())
			}
			return nil
		}

		if info.Size() < req.minBytes {
			if req.events.OnSkip != nil {
				req.events.OnSkip(path)
			}
			return nil
		}

		if req.events.OnFile != nil {
			req.events.OnFile(FileInfo{
				Path:    path,
				Name:    d.Name(),
				SizeMB:  float64(info.Size()) / (1024 * 1024),
				ModTime: info.ModTime(),
			})
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		if req.events.OnError != nil {
			req.events.OnError(err.Error())
		}
	}

	select {
	case <-req.cancelled:
		return true
	default:
		return false
	}
}

// waitIfPaused blocks while the scanner is paused. Returns true if req was
// cancelled while waiting (or before).
func (s *Scanner) waitIfPaused(req *request) bool {
	select {
	case <-req.cancelled:
		return true
	default:
	}

	s.mu.Lock()
	for s.paused {
		if isCancelled(req) {
			s.mu.Unlock()
			return true
		}
		s.cond.Wait()
	}
	s.mu.Unlock()
	return isCancelled(req)
}

func isCancelled(req *request) bool {
	select {
	case <-req.cancelled:
		return true
	default:
		return false
	}
}
