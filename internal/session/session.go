package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of an ExamSession.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusSubmitted  Status = "submitted"
)

// Terminal reports whether s is one of the end states.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated || s == StatusSubmitted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusActive, StatusExpired, StatusTerminated, StatusSubmitted:
		return true
	}
	return false
}

// Category is one of the tracked violation classes.
type Category string

const (
	TabSwitch        Category = "tabSwitch"
	FullscreenExit   Category = "fullscreenExit"
	AudioAnomaly     Category = "audioAnomaly"
	ProhibitedObject Category = "prohibitedObject"
)

// Categories lists every category in the fixed check order. When more than one
// category breaches in the same tick, the first one in this order is reported.
var Categories = []Category{TabSwitch, FullscreenExit, AudioAnomaly, ProhibitedObject}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Counter tracks warnings for one category. A Limit of 0 disables the category.
type Counter struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// Limits maps each category to its configured warning limit.
type Limits map[Category]int

// ViolationEvent is produced by a sensor and consumed once by the policy engine.
type ViolationEvent struct {
	Category   Category
	OccurredAt time.Time
	Detail     string
}

// ExamSession is one candidate's one attempt. ServerStartTime and Duration are
// fixed at creation. Status only moves forward and, once it leaves active,
// nothing else on the session changes.
type ExamSession struct {
	mu sync.Mutex

	id                string
	serverStartTime   time.Time
	duration          time.Duration
	authoritative     bool
	status            Status
	counters          map[Category]*Counter
	terminationReason string
}

// New creates a not-started session with an authoritative server start time.
func New(id string, serverStartTime time.Time, duration time.Duration, limits Limits) *ExamSession {
	s := &ExamSession{
		id:              id,
		serverStartTime: serverStartTime,
		duration:        duration,
		authoritative:   true,
		status:          StatusNotStarted,
		counters:        make(map[Category]*Counter, len(Categories)),
	}
	for _, c := range Categories {
		s.counters[c] = &Counter{Limit: nonNegative(limits[c])}
	}
	return s
}

// NewLocal creates a session whose start is the client's first-render time.
// Such a session is never authoritative and must not be used when a server
// start time is available.
func NewLocal(id string, firstRender time.Time, duration time.Duration, limits Limits) *ExamSession {
	s := New(id, firstRender, duration, limits)
	s.authoritative = false
	return s
}

func (s *ExamSession) ID() string                 { return s.id }
func (s *ExamSession) ServerStartTime() time.Time { return s.serverStartTime }
func (s *ExamSession) Duration() time.Duration    { return s.duration }
func (s *ExamSession) Authoritative() bool        { return s.authoritative }

// Deadline is the absolute instant the session expires.
func (s *ExamSession) Deadline() time.Time {
	return s.serverStartTime.Add(s.duration)
}

// Status returns the current status.
func (s *ExamSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Active reports whether the session accepts violations and timer ticks.
func (s *ExamSession) Active() bool {
	return s.Status() == StatusActive
}

// TerminationReason returns the reason set on termination, or "".
func (s *ExamSession) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationReason
}

// Counter returns a copy of the counter for c.
func (s *ExamSession) Counter(c Category) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctr, ok := s.counters[c]
	if !ok {
		return Counter{}, false
	}
	return *ctr, true
}

// SetLimits replaces the warning limits. Only allowed before the session starts.
func (s *ExamSession) SetLimits(limits Limits) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusNotStarted {
		return false
	}
	for _, c := range Categories {
		s.counters[c].Limit = nonNegative(limits[c])
	}
	return true
}

// Disable sets the limit for c to 0 while the session has not yet started or is
// active. Used to degrade gracefully when a sensor cannot run.
func (s *ExamSession) Disable(c Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	ctr, ok := s.counters[c]
	if !ok {
		return false
	}
	ctr.Limit = 0
	return true
}

// Start moves not-started to active.
func (s *ExamSession) Start() bool {
	return s.transition(StatusNotStarted, StatusActive, "")
}

// Expire moves active to expired.
func (s *ExamSession) Expire() bool {
	return s.transition(StatusActive, StatusExpired, "")
}

// Submit moves active to submitted.
func (s *ExamSession) Submit() bool {
	return s.transition(StatusActive, StatusSubmitted, "")
}

// Terminate moves active to terminated and records reason. The reason is only
// ever written here, so it is set at most once.
func (s *ExamSession) Terminate(reason string) bool {
	return s.transition(StatusActive, StatusTerminated, reason)
}

func (s *ExamSession) transition(from, to Status, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != from {
		return false
	}
	s.status = to
	if to == StatusTerminated {
		s.terminationReason = reason
	}
	return true
}

// Increment adds one to the counter for c and returns the new value. It is a
// no-op returning ok=false when the session is not active or c is unknown.
func (s *ExamSession) Increment(c Category) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return Counter{}, false
	}
	ctr, ok := s.counters[c]
	if !ok {
		return Counter{}, false
	}
	ctr.Count++
	return *ctr, true
}

// Snapshot returns an immutable copy of the session state.
func (s *ExamSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make(map[Category]Counter, len(s.counters))
	for c, ctr := range s.counters {
		counters[c] = *ctr
	}
	return Snapshot{
		ID:                s.id,
		ServerStartTime:   s.serverStartTime,
		DurationSeconds:   int64(s.duration / time.Second),
		Authoritative:     s.authoritative,
		Status:            s.status,
		Counters:          counters,
		TerminationReason: s.terminationReason,
	}
}

// Restore rebuilds a session from a persisted snapshot, e.g. after the host
// process restarted mid-exam.
func Restore(snap Snapshot) *ExamSession {
	s := &ExamSession{
		id:                snap.ID,
		serverStartTime:   snap.ServerStartTime,
		duration:          time.Duration(snap.DurationSeconds) * time.Second,
		authoritative:     snap.Authoritative,
		status:            snap.Status,
		counters:          make(map[Category]*Counter, len(Categories)),
		terminationReason: snap.TerminationReason,
	}
	if !s.status.Valid() {
		s.status = StatusNotStarted
	}
	for _, c := range Categories {
		ctr := snap.Counters[c]
		s.counters[c] = &Counter{Count: nonNegative(ctr.Count), Limit: nonNegative(ctr.Limit)}
	}
	return s
}

// Snapshot is a point-in-time copy of an ExamSession, safe to share.
type Snapshot struct {
	ID                string               `json:"id"`
	ServerStartTime   time.Time            `json:"server_start_time"`
	DurationSeconds   int64                `json:"duration_seconds"`
	Authoritative     bool                 `json:"authoritative"`
	Status            Status               `json:"status"`
	Counters          map[Category]Counter `json:"counters"`
	TerminationReason string               `json:"termination_reason,omitempty"`
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
