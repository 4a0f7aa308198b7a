package report_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/proctor/internal/lockdown"
	"github.com/fakeyudi/proctor/internal/policy"
	"github.com/fakeyudi/proctor/internal/report"
	"github.com/fakeyudi/proctor/internal/session"
)

// generateTime produces a time truncated to second precision (matches JSON
// round-trip fidelity via RFC3339).
func generateTime(t *rapid.T, label string) time.Time {
	sec := rapid.Int64Range(1_600_000_000, 1_900_000_000).Draw(t, label+"_unix_sec")
	return time.Unix(sec, 0).UTC()
}

func generateReport(t *rapid.T) *report.Report {
	counters := make(map[session.Category]session.Counter, len(session.Categories))
	for _, c := range session.Categories {
		counters[c] = session.Counter{
			Count: rapid.IntRange(0, 20).Draw(t, string(c)+"_count"),
			Limit: rapid.IntRange(0, 10).Draw(t, string(c)+"_limit"),
		}
	}
	events := make([]lockdown.Event, rapid.IntRange(1, 6).Draw(t, "num_events"))
	for i := range events {
		events[i] = lockdown.Event{
			At:       generateTime(t, "event"),
			Category: rapid.SampledFrom(session.Categories).Draw(t, "category"),
			Decision: rapid.SampledFrom([]policy.Kind{policy.Warned, policy.Breached}).Draw(t, "decision"),
			Count:    rapid.IntRange(1, 20).Draw(t, "count"),
			Limit:    rapid.IntRange(1, 10).Draw(t, "limit"),
			Detail:   rapid.StringN(0, 40, -1).Draw(t, "detail"),
		}
	}
	status := rapid.SampledFrom([]session.Status{session.StatusExpired, session.StatusTerminated, session.StatusSubmitted}).Draw(t, "status")
	reason := ""
	if status == session.StatusTerminated {
		reason = rapid.StringN(1, 60, -1).Draw(t, "reason")
	}
	authoritative := rapid.Bool().Draw(t, "authoritative")
	id := rapid.StringN(1, 36, -1).Draw(t, "id")
	return &report.Report{
		Session: report.SessionMeta{
			ID:              id,
			ServerStartTime: generateTime(t, "start"),
			Duration:        rapid.StringN(1, 12, -1).Draw(t, "duration"),
			Authoritative:   authoritative,
			ModelSource:     rapid.StringN(0, 40, -1).Draw(t, "model"),
		},
		Outcome: lockdown.Submission{
			SessionID:         id,
			Status:            status,
			TerminationReason: reason,
			Counters:          counters,
			SubmittedAt:       generateTime(t, "submitted"),
			Authoritative:     authoritative,
			DetectionDisabled: rapid.Bool().Draw(t, "detection_disabled"),
			Events:            events,
		},
	}
}

func assertSameReport(t *rapid.T, got, want *report.Report) {
	t.Helper()
	gs, ws := got.Session, want.Session
	if gs.ID != ws.ID || gs.Duration != ws.Duration || gs.Authoritative != ws.Authoritative ||
		gs.ModelSource != ws.ModelSource || !gs.ServerStartTime.Equal(ws.ServerStartTime) {
		t.Fatalf("Session mismatch: got %+v, want %+v", gs, ws)
	}
	g, w := got.Outcome, want.Outcome
	if g.SessionID != w.SessionID || g.Status != w.Status || g.TerminationReason != w.TerminationReason ||
		g.Authoritative != w.Authoritative || g.DetectionDisabled != w.DetectionDisabled || !g.SubmittedAt.Equal(w.SubmittedAt) {
		t.Fatalf("Outcome mismatch: got %+v, want %+v", g, w)
	}
	for _, c := range session.Categories {
		if g.Counters[c] != w.Counters[c] {
			t.Errorf("Counters[%s]: got %+v, want %+v", c, g.Counters[c], w.Counters[c])
		}
	}
	if len(g.Events) != len(w.Events) {
		t.Fatalf("Events length mismatch: got %d, want %d", len(g.Events), len(w.Events))
	}
	for i := range w.Events {
		ge, we := g.Events[i], w.Events[i]
		if !ge.At.Equal(we.At) || ge.Category != we.Category || ge.Decision != we.Decision ||
			ge.Count != we.Count || ge.Limit != we.Limit || ge.Detail != we.Detail {
			t.Errorf("Events[%d] mismatch: got %+v, want %+v", i, ge, we)
		}
	}
}

// Feature: proctor, Property: report sections present
func TestReportCompleteness(t *testing.T) {
	md := &report.MarkdownRenderer{}
	js := &report.JSONRenderer{}

	rapid.Check(t, func(t *rapid.T) {
		r := generateReport(t)

		out, err := md.Render(r)
		if err != nil {
			t.Fatalf("MarkdownRenderer.Render: %v", err)
		}
		for _, section := range []string{"## Summary", "## Warning Counters", "## Violations"} {
			if !strings.Contains(string(out), section) {
				t.Errorf("Markdown output missing section %q", section)
			}
		}
		for _, c := range session.Categories {
			if !strings.Contains(string(out), "| "+string(c)+" |") {
				t.Errorf("Markdown output missing counter row for %s", c)
			}
		}

		out, err = js.Render(r)
		if err != nil {
			t.Fatalf("JSONRenderer.Render: %v", err)
		}
		for _, key := range []string{`"session"`, `"outcome"`, `"final_warning_counters"`, `"submitted_at"`} {
			if !strings.Contains(string(out), key) {
				t.Errorf("JSON output missing key %q", key)
			}
		}
	})
}

// Feature: proctor, Property: report round-trip
func TestReportRoundTrip(t *testing.T) {
	pairs := map[string]struct {
		r report.Renderer
		p report.Parser
	}{
		"json":     {&report.JSONRenderer{}, &report.JSONParser{}},
		"markdown": {&report.MarkdownRenderer{}, &report.MarkdownParser{}},
	}
	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				original := generateReport(t)
				data, err := pair.r.Render(original)
				if err != nil {
					t.Fatalf("Render: %v", err)
				}
				got, err := pair.p.Parse(data)
				if err != nil {
					t.Fatalf("Parse: %v", err)
				}
				assertSameReport(t, got, original)
			})
		})
	}
}

func TestMarkdownShowsDisabledCategoriesAndReason(t *testing.T) {
	r := &report.Report{
		Session: report.SessionMeta{ID: "exam-7", Duration: "10m0s"},
		Outcome: lockdown.Submission{
			SessionID:         "exam-7",
			Status:            session.StatusTerminated,
			TerminationReason: "tabSwitch limit exceeded after 3 violations (limit 2)",
			Counters: map[session.Category]session.Counter{
				session.TabSwitch: {Count: 3, Limit: 2},
			},
		},
	}
	out, err := (&report.MarkdownRenderer{}).Render(r)
	if err != nil {
		t.Fatal(err)
	}
	md := string(out)
	for _, want := range []string{
		"# Exam exam-7: terminated",
		"- Termination reason: tabSwitch limit exceeded",
		"| tabSwitch | 3 | 2 |",
		"| audioAnomaly | 0 | off |",
		"- Time basis: local (not authoritative)",
		"_No violations recorded._",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("missing %q in:\n%s", want, md)
		}
	}
}

func TestWriteAndRead(t *testing.T) {
	snap := session.New("exam/8", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), 90*time.Minute, nil).Snapshot()
	sub := lockdown.Submission{SessionID: snap.ID, Status: session.StatusSubmitted, Counters: snap.Counters}
	r := report.New(snap, sub, "models/coco.yaml")
	if r.Session.Duration != "1h30m0s" {
		t.Errorf("Duration = %q", r.Session.Duration)
	}

	dir := filepath.Join(t.TempDir(), "reports")
	for _, f := range []report.Format{report.FormatMarkdown, report.FormatJSON} {
		path, err := report.Write(dir, f, r)
		if err != nil {
			t.Fatalf("Write(%s): %v", f, err)
		}
		if base := filepath.Base(path); !strings.HasPrefix(base, "proctor-exam_8-submitted.") {
			t.Errorf("unexpected file name %q", base)
		}
		got, err := report.Read(path)
		if err != nil {
			t.Fatalf("Read(%s): %v", path, err)
		}
		if got.Session.ModelSource != "models/coco.yaml" || got.Outcome.Status != session.StatusSubmitted {
			t.Errorf("read back %+v", got)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]report.Format{"md": report.FormatMarkdown, "Markdown": report.FormatMarkdown, "json": report.FormatJSON} {
		got, err := report.ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := report.ParseFormat("pdf"); err == nil {
		t.Error("expected error for pdf")
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := report.Read(filepath.Join(t.TempDir(), "nope.md")); !os.IsNotExist(err) {
		t.Errorf("want not-exist error, got %v", err)
	}
}
