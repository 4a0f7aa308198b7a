package policy_test

import (
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/proctor/internal/policy"
	"github.com/fakeyudi/proctor/internal/session"
)

func activeSession(limits session.Limits) *session.ExamSession {
	s := session.New("exam", time.Unix(1_700_000_000, 0), 10*time.Minute, limits)
	s.Start()
	return s
}

// Three tab switches against a limit of 2: warned 1, warned 2, breached.
func TestTabSwitchScenario(t *testing.T) {
	s := activeSession(session.Limits{session.TabSwitch: 2})
	e := policy.New(nil)

	d1 := e.RecordViolation(s, session.TabSwitch, "blur")
	d2 := e.RecordViolation(s, session.TabSwitch, "blur")
	d3 := e.RecordViolation(s, session.TabSwitch, "blur")

	if d1.Kind != policy.Warned || d1.Count != 1 || d1.Limit != 2 {
		t.Errorf("first decision = %v", d1)
	}
	if d2.Kind != policy.Warned || d2.Count != 2 {
		t.Errorf("second decision = %v", d2)
	}
	if d3.Kind != policy.Breached || d3.Category != session.TabSwitch {
		t.Errorf("third decision = %v", d3)
	}
	if s.Status() != session.StatusTerminated {
		t.Errorf("status = %q, want terminated", s.Status())
	}
	if !strings.Contains(s.TerminationReason(), "tabSwitch") {
		t.Errorf("reason %q should mention tabSwitch", s.TerminationReason())
	}

	// Anything after the breach is ignored and changes nothing.
	if d := e.RecordViolation(s, session.TabSwitch, "blur"); d.Kind != policy.Ignored {
		t.Errorf("post-breach decision = %v", d)
	}
	if ctr, _ := s.Counter(session.TabSwitch); ctr.Count != 3 {
		t.Errorf("count = %d, want 3", ctr.Count)
	}
}

func TestDisabledCategoryNeverCounts(t *testing.T) {
	s := activeSession(session.Limits{session.TabSwitch: 1})
	e := policy.New(nil)
	for i := 0; i < 10; i++ {
		if d := e.RecordViolation(s, session.AudioAnomaly, "loud"); d.Kind != policy.Ignored {
			t.Fatalf("disabled category produced %v", d)
		}
	}
	if ctr, _ := s.Counter(session.AudioAnomaly); ctr.Count != 0 {
		t.Errorf("disabled category counted %d", ctr.Count)
	}
	if !s.Active() {
		t.Error("disabled category must never end the session")
	}
}

func TestInactiveSessionIgnored(t *testing.T) {
	s := session.New("exam", time.Unix(0, 0), time.Minute, session.Limits{session.TabSwitch: 1})
	e := policy.New(nil)
	if d := e.RecordViolation(s, session.TabSwitch, ""); d.Kind != policy.Ignored {
		t.Errorf("not-started session produced %v", d)
	}
	s.Start()
	s.Expire()
	if d := e.RecordViolation(s, session.TabSwitch, ""); d.Kind != policy.Ignored {
		t.Errorf("expired session produced %v", d)
	}
	if d := e.RecordViolation(nil, session.TabSwitch, ""); d.Kind != policy.Ignored {
		t.Errorf("nil session produced %v", d)
	}
}

func TestObserverSeesEveryDecision(t *testing.T) {
	var seen []policy.Decision
	var details []string
	e := policy.New(func(_ *session.ExamSession, d policy.Decision, detail string) {
		seen = append(seen, d)
		details = append(details, detail)
	})
	s := activeSession(session.Limits{session.FullscreenExit: 1})
	e.RecordViolation(s, session.FullscreenExit, "esc")
	e.RecordViolation(s, session.FullscreenExit, "esc again")
	e.RecordViolation(s, session.FullscreenExit, "late")

	if len(seen) != 3 {
		t.Fatalf("observer saw %d decisions, want 3", len(seen))
	}
	if seen[0].Kind != policy.Warned || seen[1].Kind != policy.Breached || seen[2].Kind != policy.Ignored {
		t.Errorf("decisions = %v", seen)
	}
	if details[1] != "esc again" {
		t.Errorf("detail = %q", details[1])
	}
}

// Feature: proctor, Property: once breached, never warned again
func TestBreachIsTerminal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limits := session.Limits{}
		for _, c := range session.Categories {
			limits[c] = rapid.IntRange(0, 4).Draw(t, string(c))
		}
		s := activeSession(limits)
		e := policy.New(nil)

		recorded := map[session.Category]int{}
		breached := false
		n := rapid.IntRange(1, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			c := rapid.SampledFrom(session.Categories).Draw(t, "category")
			d := e.RecordViolation(s, c, "")

			if breached && d.Kind != policy.Ignored {
				t.Fatalf("decision %v after breach", d)
			}
			switch d.Kind {
			case policy.Warned:
				recorded[c]++
				if d.Count > d.Limit {
					t.Fatalf("warned with count %d over limit %d", d.Count, d.Limit)
				}
			case policy.Breached:
				recorded[c]++
				breached = true
				if s.Status() != session.StatusTerminated {
					t.Fatalf("breach left status %q", s.Status())
				}
			}

			for _, cat := range session.Categories {
				ctr, _ := s.Counter(cat)
				if ctr.Count != recorded[cat] {
					t.Fatalf("%s count %d, recorded %d", cat, ctr.Count, recorded[cat])
				}
			}
		}
	})
}
