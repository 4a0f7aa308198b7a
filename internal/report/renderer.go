package report

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fakeyudi/proctor/internal/session"
)

const (
	versionSentinel = "<!-- proctor-report-version: 1 -->"
	dataPrefix      = "<!-- proctor-data: "
	dataSuffix      = " -->"
)

// Renderer serializes a Report to bytes.
type Renderer interface {
	Render(r *Report) ([]byte, error)
}

// JSONRenderer renders a Report as indented JSON.
type JSONRenderer struct{}

func (j *JSONRenderer) Render(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// MarkdownRenderer renders a Report as human-readable Markdown with an
// embedded base64 JSON payload for lossless parsing.
type MarkdownRenderer struct{}

func (m *MarkdownRenderer) Render(r *Report) ([]byte, error) {
	jsonBytes, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder
	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	out := r.Outcome
	fmt.Fprintf(&sb, "# Exam %s: %s\n\n", r.Session.ID, out.Status)

	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- Started: %s\n", r.Session.ServerStartTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "- Duration: %s\n", r.Session.Duration)
	fmt.Fprintf(&sb, "- Ended: %s\n", out.SubmittedAt.Format("2006-01-02 15:04:05 MST"))
	if r.Session.Authoritative {
		sb.WriteString("- Time basis: server\n")
	} else {
		sb.WriteString("- Time basis: local (not authoritative)\n")
	}
	if out.TerminationReason != "" {
		fmt.Fprintf(&sb, "- Termination reason: %s\n", out.TerminationReason)
	}
	if out.DetectionDisabled {
		sb.WriteString("- Object detection: disabled\n")
	} else if r.Session.ModelSource != "" {
		fmt.Fprintf(&sb, "- Object detection: %s\n", r.Session.ModelSource)
	}
	sb.WriteString("\n")

	sb.WriteString("## Warning Counters\n\n")
	sb.WriteString("| Category | Used | Limit |\n")
	sb.WriteString("|----------|------|-------|\n")
	for _, c := range session.Categories {
		ctr := out.Counters[c]
		limit := fmt.Sprint(ctr.Limit)
		if ctr.Limit == 0 {
			limit = "off"
		}
		fmt.Fprintf(&sb, "| %s | %d | %s |\n", c, ctr.Count, limit)
	}
	sb.WriteString("\n")

	sb.WriteString("## Violations\n\n")
	if len(out.Events) == 0 {
		sb.WriteString("_No violations recorded._\n")
	} else {
		for _, e := range out.Events {
			fmt.Fprintf(&sb, "- [%s] %s %s (%d/%d)",
				e.At.Format("15:04:05"), e.Category, e.Decision, e.Count, e.Limit)
			if e.Detail != "" {
				fmt.Fprintf(&sb, ": %s", e.Detail)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	return []byte(sb.String()), nil
}
