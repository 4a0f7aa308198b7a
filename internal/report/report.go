// Package report renders the final result of an exam session for the host.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fakeyudi/proctor/internal/lockdown"
	"github.com/fakeyudi/proctor/internal/session"
)

// Report is the complete, renderable outcome of one exam session.
type Report struct {
	Session SessionMeta         `json:"session"`
	Outcome lockdown.Submission `json:"outcome"`
}

// SessionMeta describes the session the outcome belongs to.
type SessionMeta struct {
	ID              string    `json:"id"`
	ServerStartTime time.Time `json:"server_start_time"`
	Duration        string    `json:"duration"` // human-readable, e.g. "1h30m0s"
	Authoritative   bool      `json:"authoritative"`
	ModelSource     string    `json:"model_source,omitempty"`
}

// New builds a report from the session and its submission.
func New(snap session.Snapshot, sub lockdown.Submission, modelSource string) *Report {
	return &Report{
		Session: SessionMeta{
			ID:              snap.ID,
			ServerStartTime: snap.ServerStartTime,
			Duration:        (time.Duration(snap.DurationSeconds) * time.Second).String(),
			Authoritative:   snap.Authoritative,
			ModelSource:     modelSource,
		},
		Outcome: sub,
	}
}

// Format names an output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat accepts "markdown", "md" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown report format %q (use markdown or json)", s)
}

func (f Format) ext() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".md"
}

// RendererFor returns the renderer for f.
func RendererFor(f Format) Renderer {
	if f == FormatJSON {
		return &JSONRenderer{}
	}
	return &MarkdownRenderer{}
}

// ParserFor picks a parser from the file extension.
func ParserFor(path string) Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return &JSONParser{}
	}
	return &MarkdownParser{}
}

// Filename is the default report name, e.g. proctor-<id>-submitted.md.
func Filename(r *Report, f Format) string {
	return fmt.Sprintf("proctor-%s-%s%s", safeName(r.Session.ID), r.Outcome.Status, f.ext())
}

// Write renders r into dir and returns the written path.
func Write(dir string, f Format, r *Report) (string, error) {
	data, err := RendererFor(f).Render(r)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, Filename(r, f))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// Read loads a report written by Write.
func Read(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParserFor(path).Parse(data)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
