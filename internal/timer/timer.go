// Package timer computes the remaining exam time from absolute timestamps.
//
// Nothing is decremented: every call recomputes from the session's fixed start
// and duration, so suspended processes and restarts never accumulate drift.
package timer

import (
	"sync"
	"time"

	"github.com/fakeyudi/proctor/internal/session"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the local wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ServerClock is the local clock corrected by the offset to the server's
// clock, measured once at bootstrap.
type ServerClock struct {
	mu     sync.RWMutex
	base   Clock
	offset time.Duration
}

// NewServerClock wraps base. A nil base uses the system clock.
func NewServerClock(base Clock) *ServerClock {
	if base == nil {
		base = SystemClock{}
	}
	return &ServerClock{base: base}
}

// Sync records that the server read serverNow when the local clock read localNow.
func (c *ServerClock) Sync(serverNow, localNow time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = serverNow.Sub(localNow)
}

// Offset returns the current correction applied to the local clock.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

func (c *ServerClock) Now() time.Time {
	return c.base.Now().Add(c.Offset())
}

// Timer is the countdown for one session.
type Timer struct {
	session  *session.ExamSession
	onExpire func()
}

// New returns a Timer for s. onExpire runs once, on the poll that moves the
// session to expired. It may be nil.
func New(s *session.ExamSession, onExpire func()) *Timer {
	return &Timer{session: s, onExpire: onExpire}
}

// Authoritative reports whether the countdown is anchored to a server-issued
// start time rather than the client's first render.
func (t *Timer) Authoritative() bool {
	return t.session.Authoritative()
}

// Remaining returns max(0, start + duration - now).
func (t *Timer) Remaining(now time.Time) time.Duration {
	left := t.session.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// RemainingSeconds rounds Remaining up to whole seconds, so the display only
// reads 0 once the deadline has actually passed.
func (t *Timer) RemainingSeconds(now time.Time) int64 {
	left := t.Remaining(now)
	secs := int64(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

// Poll expires the session if its time is up. It returns true only for the
// single poll that performed the expiry; overlapping and repeated polls are
// no-ops because the session refuses to leave a non-active status twice.
func (t *Timer) Poll(now time.Time) bool {
	if !t.session.Active() || t.Remaining(now) > 0 {
		return false
	}
	if !t.session.Expire() {
		return false
	}
	if t.onExpire != nil {
		t.onExpire()
	}
	return true
}
