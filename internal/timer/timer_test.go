package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/proctor/internal/session"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newActive(duration time.Duration) *session.ExamSession {
	s := session.New("exam", epoch, duration, nil)
	s.Start()
	return s
}

func TestRemainingBoundaries(t *testing.T) {
	tm := New(newActive(600*time.Second), nil)

	if got := tm.RemainingSeconds(epoch.Add(599 * time.Second)); got != 1 {
		t.Errorf("one second before deadline: got %d, want 1", got)
	}
	if got := tm.RemainingSeconds(epoch.Add(600 * time.Second)); got != 0 {
		t.Errorf("at deadline: got %d, want 0", got)
	}
	if got := tm.Remaining(epoch.Add(2 * time.Hour)); got != 0 {
		t.Errorf("long after deadline: got %v, want 0", got)
	}
	if got := tm.RemainingSeconds(epoch.Add(-time.Minute)); got != 660 {
		t.Errorf("before start: got %d, want 660", got)
	}
}

func TestExpiryFiresOnceUnderRepeatedPolls(t *testing.T) {
	var fired atomic.Int32
	s := newActive(600 * time.Second)
	tm := New(s, func() { fired.Add(1) })

	deadline := epoch.Add(600 * time.Second)
	for i := 0; i < 1000; i++ {
		tm.Poll(deadline)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("onExpire fired %d times, want 1", got)
	}
	if s.Status() != session.StatusExpired {
		t.Errorf("status = %q, want expired", s.Status())
	}
}

func TestConcurrentPollsExpireOnce(t *testing.T) {
	var fired atomic.Int32
	tm := New(newActive(time.Second), func() { fired.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.Poll(epoch.Add(time.Minute))
		}()
	}
	wg.Wait()
	if got := fired.Load(); got != 1 {
		t.Fatalf("onExpire fired %d times, want 1", got)
	}
}

// A suspended tab jumps the clock from T+10 to T+650 for a 600s exam: the next
// poll reports zero and expires, with no negative backlog.
func TestClockJumpAfterSuspension(t *testing.T) {
	var fired int
	s := newActive(600 * time.Second)
	tm := New(s, func() { fired++ })

	if tm.Poll(epoch.Add(10 * time.Second)) {
		t.Fatal("should not expire at T+10")
	}
	jumped := epoch.Add(650 * time.Second)
	if got := tm.Remaining(jumped); got != 0 {
		t.Fatalf("Remaining after jump = %v, want 0", got)
	}
	if !tm.Poll(jumped) {
		t.Fatal("expected expiry on first poll after the jump")
	}
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}

func TestPollIgnoredWhenNotActive(t *testing.T) {
	var fired int
	s := newActive(time.Second)
	s.Terminate("tabSwitch limit exceeded")
	tm := New(s, func() { fired++ })
	if tm.Poll(epoch.Add(time.Hour)) {
		t.Error("terminated session must not expire")
	}
	if fired != 0 || s.Status() != session.StatusTerminated {
		t.Errorf("fired=%d status=%q", fired, s.Status())
	}
}

func TestServerClockAppliesOffset(t *testing.T) {
	local := &fixedClock{t: epoch}
	c := NewServerClock(local)
	c.Sync(epoch.Add(90*time.Second), epoch)
	if got := c.Now(); !got.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Now = %v, want local + 90s", got)
	}
	local.t = local.t.Add(10 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(100 * time.Second)) {
		t.Errorf("Now after local advance = %v", got)
	}
	if c.Offset() != 90*time.Second {
		t.Errorf("Offset = %v", c.Offset())
	}
}

func TestLocalFallbackIsNotAuthoritative(t *testing.T) {
	s := session.NewLocal("local", epoch, time.Minute, nil)
	if New(s, nil).Authoritative() {
		t.Error("first-render timer must not claim authority")
	}
	if !New(newActive(time.Minute), nil).Authoritative() {
		t.Error("server-anchored timer should be authoritative")
	}
}

// Feature: proctor, Property: remaining is a pure function of now
func TestRemainingIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dur := time.Duration(rapid.Int64Range(1, 4*3600).Draw(t, "duration")) * time.Second
		tm := New(newActive(dur), nil)

		offsets := rapid.SliceOfN(rapid.Int64Range(-3600_000, 5*3600_000), 1, 30).Draw(t, "offsets_ms")
		for _, ms := range offsets {
			now := epoch.Add(time.Duration(ms) * time.Millisecond)
			a := tm.Remaining(now)
			b := tm.Remaining(now)
			if a != b {
				t.Fatalf("Remaining(%v) not stable: %v vs %v", now, a, b)
			}
			if a < 0 || a > dur+time.Hour {
				t.Fatalf("Remaining(%v) = %v out of range", now, a)
			}
			want := epoch.Add(dur).Sub(now)
			if want < 0 {
				want = 0
			}
			if a != want {
				t.Fatalf("Remaining(%v) = %v, want %v", now, a, want)
			}
		}
	})
}
