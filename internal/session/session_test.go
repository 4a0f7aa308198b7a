package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestStatusTransitionsOnlyMoveForward(t *testing.T) {
	s := New("exam-1", time.Unix(0, 0), 10*time.Minute, Limits{TabSwitch: 2})

	if s.Expire() || s.Submit() || s.Terminate("x") {
		t.Fatal("terminal transitions must be rejected before the session starts")
	}
	if !s.Start() {
		t.Fatal("Start from not-started should succeed")
	}
	if s.Start() {
		t.Fatal("second Start should be a no-op")
	}
	if !s.Terminate("tabSwitch limit reached") {
		t.Fatal("Terminate from active should succeed")
	}
	if s.Expire() || s.Submit() || s.Terminate("other") || s.Start() {
		t.Fatal("no transition may leave a terminal status")
	}
	if got := s.TerminationReason(); got != "tabSwitch limit reached" {
		t.Errorf("TerminationReason = %q, want first reason", got)
	}
	if got := s.Status(); got != StatusTerminated {
		t.Errorf("Status = %q, want terminated", got)
	}
}

func TestIncrementOnlyWhileActive(t *testing.T) {
	s := New("exam-1", time.Unix(0, 0), time.Minute, Limits{AudioAnomaly: 3})

	if _, ok := s.Increment(AudioAnomaly); ok {
		t.Fatal("increment before start must be dropped")
	}
	s.Start()
	if ctr, ok := s.Increment(AudioAnomaly); !ok || ctr.Count != 1 || ctr.Limit != 3 {
		t.Fatalf("Increment = %+v, %v", ctr, ok)
	}
	s.Submit()
	if _, ok := s.Increment(AudioAnomaly); ok {
		t.Fatal("increment after submit must be dropped")
	}
	if ctr, _ := s.Counter(AudioAnomaly); ctr.Count != 1 {
		t.Errorf("Count = %d, want 1", ctr.Count)
	}
	if _, ok := s.Increment(Category("banana")); ok {
		t.Error("unknown category must be dropped")
	}
}

func TestSetLimitsOnlyBeforeStart(t *testing.T) {
	s := New("exam-1", time.Unix(0, 0), time.Minute, nil)
	if !s.SetLimits(Limits{TabSwitch: 4, FullscreenExit: -2}) {
		t.Fatal("SetLimits before start should succeed")
	}
	if ctr, _ := s.Counter(TabSwitch); ctr.Limit != 4 {
		t.Errorf("TabSwitch limit = %d, want 4", ctr.Limit)
	}
	if ctr, _ := s.Counter(FullscreenExit); ctr.Limit != 0 {
		t.Errorf("negative limit should clamp to 0, got %d", ctr.Limit)
	}
	s.Start()
	if s.SetLimits(Limits{TabSwitch: 9}) {
		t.Error("SetLimits after start must be rejected")
	}
	if !s.Disable(TabSwitch) {
		t.Error("Disable while active should succeed")
	}
	if ctr, _ := s.Counter(TabSwitch); ctr.Limit != 0 {
		t.Errorf("disabled limit = %d, want 0", ctr.Limit)
	}
}

// Feature: proctor, Property: counters never decrease and freeze once inactive
func TestCountersMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New("exam", time.Unix(0, 0), time.Hour, Limits{TabSwitch: 100, AudioAnomaly: 100})
		s.Start()
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		prev := map[Category]int{}
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 9).Draw(t, "op") {
			case 0:
				s.Submit()
			default:
				s.Increment(rapid.SampledFrom(Categories).Draw(t, "cat"))
			}
			snap := s.Snapshot()
			for _, c := range Categories {
				if snap.Counters[c].Count < prev[c] {
					t.Fatalf("%s decreased from %d to %d", c, prev[c], snap.Counters[c].Count)
				}
				prev[c] = snap.Counters[c].Count
			}
		}
		frozen := s.Snapshot()
		s.Submit()
		for _, c := range Categories {
			s.Increment(c)
		}
		after := s.Snapshot()
		for _, c := range Categories {
			if after.Counters[c] != frozen.Counters[c] {
				t.Fatalf("%s changed after submission: %+v -> %+v", c, frozen.Counters[c], after.Counters[c])
			}
		}
	})
}

func TestLoadBootstrapYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exam.yaml")
	content := `session_id: exam-42
server_start_time: "2026-03-01T09:00:00Z"
server_now: "2026-03-01T09:00:05Z"
duration_seconds: 600
warning_limits:
  tab_switch: 2
  fullscreen_exit: 1
  audio_anomaly: 0
  prohibited_object: 3
detection:
  confidence_threshold: 0.9
  sample_interval: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	s := b.NewSession(time.Now())
	if s.ID() != "exam-42" || !s.Authoritative() {
		t.Errorf("session = %q authoritative=%v", s.ID(), s.Authoritative())
	}
	want := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)
	if !s.Deadline().Equal(want) {
		t.Errorf("Deadline = %v, want %v", s.Deadline(), want)
	}
	if ctr, _ := s.Counter(ProhibitedObject); ctr.Limit != 3 {
		t.Errorf("ProhibitedObject limit = %d, want 3", ctr.Limit)
	}
	if now, ok := b.ServerTime(); !ok || now.Second() != 5 {
		t.Errorf("ServerTime = %v, %v", now, ok)
	}
	if b.Detection == nil || b.Detection.ConfidenceThreshold != 0.9 {
		t.Errorf("Detection = %+v", b.Detection)
	}
}

func TestLoadBootstrapJSONWithoutServerTimeIsLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exam.json")
	content := `{"duration_seconds": 300, "warning_limits": {"tab_switch": 1}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := b.NewSession(first)
	if s.Authoritative() {
		t.Error("session without server start must not be authoritative")
	}
	if !s.ServerStartTime().Equal(first) {
		t.Errorf("start = %v, want first render %v", s.ServerStartTime(), first)
	}
	if s.ID() == "" {
		t.Error("expected a generated session id")
	}
}

func TestLoadBootstrapLongestExam(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exam.json")
	if err := os.WriteFile(path, []byte(`{"duration_seconds": 604800}`), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := b.NewSession(start).Deadline(); !got.Equal(start.Add(7 * 24 * time.Hour)) {
		t.Errorf("deadline = %v", got)
	}
}

func TestLoadBootstrapRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero duration":   `{"duration_seconds": 0}`,
		"negative limit":  `{"duration_seconds": 10, "warning_limits": {"tab_switch": -1}}`,
		"bad start":       `{"duration_seconds": 10, "server_start_time": "yesterday"}`,
		"bad threshold":   `{"duration_seconds": 10, "detection": {"confidence_threshold": 1.5}}`,
		"bad interval":    `{"duration_seconds": 10, "detection": {"sample_interval": "often"}}`,
		"not a structure": `[1, 2, 3]`,
		"huge duration":   `{"duration_seconds": 10000000000}`,
		"over a week":     `{"duration_seconds": 604801}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "exam.json")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadBootstrap(path)
			if err == nil {
				t.Fatal("expected error")
			}
			var be *BootstrapError
			if !errors.As(err, &be) {
				t.Errorf("expected *BootstrapError, got %T", err)
			}
		})
	}
}
