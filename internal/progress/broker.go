// Package progress tracks per-repository ingestion phases and streams
// updates to subscribers.
package progress

import (
	"maps"
	"sync"
	"time"
)

// Canonical phase names. Phases are free-form strings; these are the
// ones the ingestion pipeline emits.
const (
	PhaseUpload    = "upload"
	PhaseEmbedding = "embedding"
	PhaseIndexing  = "indexing"

	// EventStart opens a phase; EventFileIndexed announces one file's
	// completion mid-phase. All other event names derive from the status.
	EventStart       = "start"
	EventFileIndexed = "file_indexed"

	// PhaseIndexed is emitted once as the terminal success signal.
	PhaseIndexed = "indexed"
	// PhaseError is the out-of-band fatal error broadcast.
	PhaseError = "error"
)

// Status is the state of a single phase.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// PhaseState tracks one phase of one repository's ingestion.
// Progress is present only when both Processed and Total are known
// and Total > 0; omitted otherwise, never zero-valued.
type PhaseState struct {
	Status     Status     `json:"status"`
	Processed  *int       `json:"processed,omitempty"`
	Total      *int       `json:"total,omitempty"`
	Progress   *int       `json:"progress,omitempty"`
	Message    *string    `json:"message,omitempty"`
	Error      *string    `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Snapshot is the full progress state for one repository.
type Snapshot struct {
	RepoID    string                `json:"repoId"`
	Phases    map[string]PhaseState `json:"phases"`
	Status    string                `json:"status"`
	Processed int                   `json:"processed"`
	Total     int                   `json:"total"`
}

// Event is one incremental update delivered to subscribers.
type Event struct {
	Type      string  `json:"type"` // always "task_update"
	RepoID    string  `json:"repoId"`
	Phase     string  `json:"phase"`
	Status    Status  `json:"status"`
	Processed *int    `json:"processed,omitempty"`
	Total     *int    `json:"total,omitempty"`
	Progress  *int    `json:"progress,omitempty"`
	Message   *string `json:"message,omitempty"`
	Error     *string `json:"error,omitempty"`
	Event     string  `json:"event"` // "progress" while running, else the status, unless overridden
}

// Update carries the optional fields of one broker update.
// Progress, when set, overrides the percentage computed from the
// counters; terminal signals use it to report 100 directly. Event,
// when set, overrides the event name derived from the status so
// in-phase signals like file_indexed stay distinguishable from plain
// progress ticks.
type Update struct {
	Processed *int
	Total     *int
	Progress  *int
	Message   *string
	Error     *string
	Event     string
}

// Overall status values synthesized from per-phase states.
const (
	OverallIndexed  = "indexed"
	OverallIndexing = "indexing"
	OverallUpload   = "upload"
	OverallError    = "error"
	OverallUnknown  = "unknown"
)

// subscriberBuffer bounds each subscriber channel. A full channel
// drops events rather than blocking the writer.
const subscriberBuffer = 100

// Broker is the interface for progress tracking and streaming.
type Broker interface {
	// Update records a progress update for (repoID, phase) and returns
	// the snapshot after applying it.
	Update(repoID, phase string, status Status, u Update) Snapshot

	// Snapshot returns the current progress snapshot for a repository.
	Snapshot(repoID string) Snapshot

	// Subscribe registers a subscriber for a repository. It returns the
	// snapshot at registration time, a channel carrying every update
	// issued after registration (no gap, no duplicate of the snapshot),
	// and a cancel function that must be called to unsubscribe.
	Subscribe(repoID string) (Snapshot, <-chan Event, func())
}

// InMemoryBroker keeps per-repo snapshots in memory and fans updates
// out to bounded subscriber channels. Single-process scope: state is
// not persisted and lives for the lifetime of the process.
type InMemoryBroker struct {
	mu    sync.Mutex
	repos map[string]*repoState
}

type repoState struct {
	phases map[string]PhaseState
	subs   map[chan Event]struct{}
}

// NewInMemoryBroker creates an empty broker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{repos: make(map[string]*repoState)}
}

var _ Broker = (*InMemoryBroker)(nil)

// Update merges the update into the phase state, recomputes the phase
// percentage and the overall status, and fans the event out to all
// live subscribers. Subscriber channels are bounded; a slow subscriber
// loses events instead of blocking the writer.
func (b *InMemoryBroker) Update(repoID, phase string, status Status, u Update) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.repos[repoID]
	if st == nil {
		st = &repoState{
			phases: make(map[string]PhaseState),
			subs:   make(map[chan Event]struct{}),
		}
		b.repos[repoID] = st
	}

	cur, ok := st.phases[phase]
	if !ok {
		cur = PhaseState{Status: StatusQueued, StartedAt: time.Now()}
	}
	cur.Status = status
	if u.Processed != nil {
		cur.Processed = u.Processed
	}
	if u.Total != nil {
		cur.Total = u.Total
	}
	if u.Message != nil {
		cur.Message = u.Message
	}
	if u.Error != nil {
		cur.Error = u.Error
	}
	if status == StatusComplete || status == StatusError {
		now := time.Now()
		cur.FinishedAt = &now
	}
	cur.Progress = percent(cur.Processed, cur.Total)
	if u.Progress != nil {
		cur.Progress = clamp(u.Progress)
	}
	st.phases[phase] = cur

	snap := b.snapshotLocked(repoID, st)

	name := u.Event
	if name == "" {
		name = eventName(status)
	}
	ev := Event{
		Type:      "task_update",
		RepoID:    repoID,
		Phase:     phase,
		Status:    status,
		Processed: cur.Processed,
		Total:     cur.Total,
		Progress:  cur.Progress,
		Message:   u.Message,
		Error:     u.Error,
		Event:     name,
	}
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}

	return snap
}

// Snapshot returns a detached copy of the repository's progress state.
func (b *InMemoryBroker) Snapshot(repoID string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(repoID, b.repos[repoID])
}

// Subscribe registers the subscriber channel before releasing the
// same lock that guards Update, so the returned snapshot plus the
// channel contents form a gapless, duplicate-free view.
func (b *InMemoryBroker) Subscribe(repoID string) (Snapshot, <-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.repos[repoID]
	if st == nil {
		st = &repoState{
			phases: make(map[string]PhaseState),
			subs:   make(map[chan Event]struct{}),
		}
		b.repos[repoID] = st
	}

	ch := make(chan Event, subscriberBuffer)
	st.subs[ch] = struct{}{}
	snap := b.snapshotLocked(repoID, st)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := st.subs[ch]; ok {
			delete(st.subs, ch)
			close(ch)
		}
	}

	return snap, ch, cancel
}

func (b *InMemoryBroker) snapshotLocked(repoID string, st *repoState) Snapshot {
	snap := Snapshot{RepoID: repoID, Phases: make(map[string]PhaseState)}
	if st == nil {
		snap.Status = OverallUnknown
		return snap
	}
	maps.Copy(snap.Phases, st.phases)
	snap.Status, snap.Processed, snap.Total = overall(st.phases)
	return snap
}

// overall derives the top-level status from per-phase states by fixed
// precedence: any error wins; a complete indexing phase means indexed;
// active indexing or any embedding activity means indexing; active
// upload means upload; anything else is unknown.
func overall(phases map[string]PhaseState) (status string, processed, total int) {
	for _, p := range phases {
		if p.Status == StatusError {
			return OverallError, intOrZero(p.Processed), intOrZero(p.Total)
		}
	}

	idx := phases[PhaseIndexing]
	emb := phases[PhaseEmbedding]
	up := phases[PhaseUpload]

	switch idx.Status {
	case StatusComplete:
		return OverallIndexed, intOrZero(idx.Processed), intOrZero(idx.Total)
	case StatusRunning, StatusQueued:
		return OverallIndexing, intOrZero(idx.Processed), intOrZero(idx.Total)
	}

	switch emb.Status {
	case StatusRunning, StatusQueued, StatusComplete:
		return OverallIndexing, intOrZero(emb.Processed), intOrZero(emb.Total)
	}

	switch up.Status {
	case StatusRunning, StatusQueued:
		return OverallUpload, 0, 0
	}

	return OverallUnknown, 0, 0
}

// percent computes the integer progress percentage, clamped to
// [0,100]. Returns nil unless both operands are known and total > 0.
func percent(processed, total *int) *int {
	if processed == nil || total == nil || *total <= 0 {
		return nil
	}
	p := *processed * 100 / *total
	return clamp(&p)
}

func clamp(p *int) *int {
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}

func eventName(status Status) string {
	if status == StatusRunning {
		return "progress"
	}
	return string(status)
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Int is a convenience for building Update values.
func Int(v int) *int { return &v }

// Str is a convenience for building Update values.
func Str(s string) *string { return &s }
