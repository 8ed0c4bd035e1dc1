package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/imgforge/imgforge/internal/scan"
)

// ScanSnapshot is the ephemeral per-job view of a directory scan.
type ScanSnapshot struct {
	Started      bool     `json:"started"`
	FilesScanned bool     `json:"filesScanned"`
	CurrentFile  string   `json:"currentFile"`
	Files        int64    `json:"files"`
	Images       int64    `json:"images"`
	JPEGs        int64    `json:"jpegs"`
	PNGs         int64    `json:"pngs"`
	Errors       []string `json:"errors"`
}

// StageSnapshot is the ephemeral per-job, per-stage view.
type StageSnapshot struct {
	Name     string   `json:"name"`
	Current  string   `json:"current"`
	Progress int64    `json:"progress"`
	Total    int64    `json:"total"`
	Errors   []string `json:"errors"`
}

// Update is one broadcast snapshot for one job.
type Update struct {
	JobID    string          `json:"jobId"`
	Scan     ScanSnapshot    `json:"scan"`
	Stages   []StageSnapshot `json:"stages"`
	Complete bool            `json:"complete"`
}

// jobProgress is the internal mutable state for one job.
type jobProgress struct {
	scan        ScanSnapshot
	stages      []*StageSnapshot
	stageIdx    map[string]int
	outstanding int64
	complete    bool
}

// Store is the single authoritative aggregate of scan and stage counters
// per job. All mutation goes through its methods; no caller holds a
// reference to internal counters. A periodic broadcast emits one snapshot
// per watched job; an idle timeout stops the loop when nothing has been
// touched recently.
type Store struct {
	bus       *Bus
	interval  time.Duration
	idleAfter time.Duration

	mu        sync.Mutex
	jobs      map[string]*jobProgress
	running   bool
	stopCh    chan struct{}
	lastTouch time.Time
}

// NewStore creates a Store broadcasting on bus every interval while any job
// has been mutated within idleAfter.
func NewStore(bus *Bus, interval, idleAfter time.Duration) *Store {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Second
	}
	return &Store{
		bus:       bus,
		interval:  interval,
		idleAfter: idleAfter,
		jobs:      make(map[string]*jobProgress),
	}
}

// AddJob registers a job in the pending state.
func (s *Store) AddJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureJobLocked(jobID)
	s.touchLocked()
}

// StartJob marks the job's scan as started. Idempotent; creates state if
// absent so a subscriber connecting before the scan does not race it.
func (s *Store) StartJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	jp.scan.Started = true
	s.touchLocked()
}

// UpdateForFileScan records one discovered file. fi carries the current
// file label; completed files that decoded as images bump the image and
// per-format counters.
func (s *Store) UpdateForFileScan(jobID string, fi scan.FileInfo, format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	jp.scan.Files++
	jp.scan.CurrentFile = fi.Name
	switch format {
	case "jpeg":
		jp.scan.Images++
		jp.scan.JPEGs++
	case "png":
		jp.scan.Images++
		jp.scan.PNGs++
	case "gif", "webp":
		jp.scan.Images++
	}
	s.touchLocked()
}

// RegisterFileSkipped counts a discovered file that was filtered out.
func (s *Store) RegisterFileSkipped(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	jp.scan.Files++
	s.touchLocked()
}

// RegisterFileScanError appends a non-fatal walk error.
func (s *Store) RegisterFileScanError(jobID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	jp.scan.Errors = append(jp.scan.Errors, msg)
	s.touchLocked()
}

// CompleteFileScan marks the scan pass finished and returns the final scan
// snapshot for persisting job counters.
func (s *Store) CompleteFileScan(jobID string) ScanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	jp.scan.FilesScanned = true
	jp.scan.CurrentFile = ""
	s.touchLocked()
	return cloneScan(jp.scan)
}

// StartNewStage registers a stage with taskCount work items and adds the
// count to the job's single outstanding-task counter.
func (s *Store) StartNewStage(jobID, name string, taskCount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp := s.ensureJobLocked(jobID)
	if _, ok := jp.stageIdx[name]; ok {
		return
	}
	jp.stageIdx[name] = len(jp.stages)
	jp.stages = append(jp.stages, &StageSnapshot{Name: name, Total: taskCount})
	jp.outstanding += taskCount
	s.touchLocked()
}

// UpdateForStage increments the named stage's progress, decrements the
// job's outstanding counter, and reports whether the outstanding count
// reached zero — the caller uses this to trigger completion actions.
// Progress is monotonic and bounded by the stage total.
func (s *Store) UpdateForStage(jobID, stage, label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		// Job removed mid-flight (deleted); nothing to track.
		return false
	}
	idx, ok := jp.stageIdx[stage]
	if !ok {
		slog.Warn("stage update for unregistered stage", "job", jobID, "stage", stage)
		return false
	}
	ss := jp.stages[idx]
	if ss.Progress >= ss.Total {
		// Redelivered result after the stage finished; idempotent no-op.
		return false
	}
	ss.Progress++
	ss.Current = label
	jp.outstanding--
	s.touchLocked()
	if jp.outstanding == 0 {
		jp.complete = true
		return true
	}
	return false
}

// RegisterStageError appends a per-item stage error.
func (s *Store) RegisterStageError(jobID, stage, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if idx, ok := jp.stageIdx[stage]; ok {
		jp.stages[idx].Errors = append(jp.stages[idx].Errors, msg)
	}
	s.touchLocked()
}

// Outstanding returns the job's outstanding-task counter.
func (s *Store) Outstanding(jobID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jp, ok := s.jobs[jobID]; ok {
		return jp.outstanding
	}
	return 0
}

// Snapshot returns the current Update for a job, or false if untracked.
func (s *Store) Snapshot(jobID string) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jp, ok := s.jobs[jobID]
	if !ok {
		return Update{}, false
	}
	return s.updateLocked(jobID, jp), true
}

// RemoveJob drops all state for a job and stops the broadcast loop if no
// jobs remain.
func (s *Store) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	if len(s.jobs) == 0 && s.running {
		s.stopLocked()
	}
}

// Touch restarts the broadcast loop after an idle stop. The gateway calls
// it when a subscriber connects so a watcher never stares at a silent feed.
func (s *Store) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// Stop halts the broadcast loop. Used at shutdown.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.stopLocked()
	}
}

// ── internals ─────────────────────────────────────────────────────────────────

func (s *Store) ensureJobLocked(jobID string) *jobProgress {
	jp, ok := s.jobs[jobID]
	if !ok {
		jp = &jobProgress{stageIdx: make(map[string]int)}
		s.jobs[jobID] = jp
	}
	return jp
}

// touchLocked records activity and lazily starts the broadcast loop.
func (s *Store) touchLocked() {
	s.lastTouch = time.Now()
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		go s.loop(s.stopCh)
	}
}

func (s *Store) stopLocked() {
	s.running = false
	close(s.stopCh)
}

// loop broadcasts watched jobs every interval until stopped or idle.
func (s *Store) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.broadcast()

			s.mu.Lock()
			if time.Since(s.lastTouch) > s.idleAfter && s.running {
				s.stopLocked()
				s.mu.Unlock()
				slog.Debug("progress broadcast idle, stopping")
				return
			}
			s.mu.Unlock()
		}
	}
}

// broadcast sends one snapshot per job that has at least one live
// subscriber. Unwatched jobs are neither computed nor sent. Snapshots are
// copied under the lock and delivered outside it.
func (s *Store) broadcast() {
	s.mu.Lock()
	updates := make([]Update, 0, len(s.jobs))
	for jobID, jp := range s.jobs {
		if !s.bus.HasListener(jobID) {
			continue
		}
		updates = append(updates, s.updateLocked(jobID, jp))
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.bus.SendProgressUpdate(u, u.JobID)
	}
}

func (s *Store) updateLocked(jobID string, jp *jobProgress) Update {
	u := Update{
		JobID:    jobID,
		Scan:     cloneScan(jp.scan),
		Stages:   make([]StageSnapshot, 0, len(jp.stages)),
		Complete: jp.complete,
	}
	for _, ss := range jp.stages {
		cp := *ss
		cp.Errors = append([]string(nil), ss.Errors...)
		u.Stages = append(u.Stages, cp)
	}
	return u
}

func cloneScan(sc ScanSnapshot) ScanSnapshot {
	cp := sc
	cp.Errors = append([]string(nil), sc.Errors...)
	return cp
}
