// Package tui provides Bubble Tea views for a running exam and for finished
// exam reports.
package tui

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/proctor/internal/lockdown"
	"github.com/fakeyudi/proctor/internal/policy"
	"github.com/fakeyudi/proctor/internal/report"
	"github.com/fakeyudi/proctor/internal/session"
)

type tabID int

const (
	tabSummary tabID = iota
	tabCounters
	tabViolations
	tabCount
)

var tabNames = [tabCount]string{"Summary", "Counters", "Violations"}

// Viewer is the Bubble Tea model for browsing a report.
type Viewer struct {
	report    *report.Report
	filename  string
	activeTab tabID
	viewports [tabCount]viewport.Model
	width     int
	height    int
	ready     bool
	sortAsc   bool
}

// NewViewer creates a viewer for r loaded from filename.
func NewViewer(r *report.Report, filename string) Viewer {
	return Viewer{report: r, filename: filepath.Base(filename), sortAsc: true}
}

func (m Viewer) Init() tea.Cmd { return nil }

func (m Viewer) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
			return m, nil
		case "1", "2", "3":
			m.activeTab = tabID(msg.String()[0] - '1')
			return m, nil
		case "s":
			if m.activeTab == tabViolations && m.ready {
				m.sortAsc = !m.sortAsc
				m.viewports[tabViolations].SetContent(m.renderTab(tabViolations))
				m.viewports[tabViolations].GotoTop()
			}
			return m, nil
		}
		if !m.ready {
			return m, nil
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.initViewports()
		return m, nil
	}
	return m, nil
}

func (m Viewer) View() string {
	if !m.ready {
		return "Loading…"
	}
	title := titleStyle.Width(m.width).Render("  proctor  " + m.filename)

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	hint := "  ←/→ tab  ↑/↓ scroll  1-3 jump  q quit"
	if m.activeTab == tabViolations {
		hint += "  s sort"
	}
	pct := fmt.Sprintf("%3.0f%%", m.viewports[m.activeTab].ScrollPercent()*100)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, m.viewports[m.activeTab].View(), statusBar(m.width, hint, pct))
}

func (m *Viewer) initViewports() {
	// title(1) + tabRow(1) + statusBar(1) = 3 fixed rows
	vpHeight := m.height - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Viewer) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabCounters:
		return renderCounters(m.report.Outcome.Counters)
	case tabViolations:
		return m.renderViolations()
	}
	return ""
}

func (m *Viewer) renderSummary() string {
	s, out := m.report.Session, m.report.Outcome
	var sb strings.Builder
	sb.WriteString(heading("Exam Session"))
	row(&sb, "Session:", s.ID)
	row(&sb, "Started:", s.ServerStartTime.Format("2006-01-02 15:04:05 MST"))
	row(&sb, "Duration:", s.Duration)
	if s.Authoritative {
		row(&sb, "Time basis:", "server")
	} else {
		row(&sb, "Time basis:", dimStyle.Render("local (not authoritative)"))
	}

	sb.WriteString(heading("Outcome"))
	row(&sb, "Status:", statusText(out.Status))
	row(&sb, "Ended:", out.SubmittedAt.Format("2006-01-02 15:04:05 MST"))
	if out.TerminationReason != "" {
		row(&sb, "Reason:", out.TerminationReason)
	}
	switch {
	case out.DetectionDisabled:
		row(&sb, "Object detection:", dimStyle.Render("disabled"))
	case s.ModelSource != "":
		row(&sb, "Object detection:", s.ModelSource)
	}
	row(&sb, "Violations:", fmt.Sprintf("%d", len(out.Events)))
	return sb.String()
}

func (m *Viewer) renderViolations() string {
	var sb strings.Builder
	dir := "oldest first"
	if !m.sortAsc {
		dir = "newest first"
	}
	sb.WriteString(heading(fmt.Sprintf("Violations (%s)", dir)))

	events := append([]lockdown.Event(nil), m.report.Outcome.Events...)
	if len(events) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	sort.SliceStable(events, func(i, j int) bool {
		if m.sortAsc {
			return events[i].At.Before(events[j].At)
		}
		return events[i].At.After(events[j].At)
	})
	for _, e := range events {
		badge := warnedStyle.Render(fmt.Sprintf("  %-9s", e.Decision))
		if e.Decision == policy.Breached {
			badge = breachedStyle.Render(fmt.Sprintf("  %-9s", e.Decision))
		}
		line := fmt.Sprintf("%s%s  %-17s %d/%d", timeStyle.Render("  "+e.At.Format("15:04:05")), badge, e.Category, e.Count, e.Limit)
		if e.Detail != "" {
			line += "  " + dimStyle.Render(e.Detail)
		}
		sb.WriteString(line + "\n\n")
	}
	return sb.String()
}

// renderCounters lists every category as used/limit.
func renderCounters(counters map[session.Category]session.Counter) string {
	var sb strings.Builder
	sb.WriteString(heading("Warning Counters"))
	for _, c := range session.Categories {
		row(&sb, string(c)+":", counterText(counters[c]))
	}
	return sb.String()
}

func counterText(ctr session.Counter) string {
	if ctr.Limit == 0 {
		return dimStyle.Render("off")
	}
	text := fmt.Sprintf("%d/%d", ctr.Count, ctr.Limit)
	switch {
	case ctr.Count > ctr.Limit:
		return breachedStyle.Render(text)
	case ctr.Count > 0:
		return warnedStyle.Render(text)
	}
	return okStyle.Render(text)
}

func statusText(s session.Status) string {
	switch s {
	case session.StatusActive, session.StatusSubmitted:
		return okStyle.Render(string(s))
	case session.StatusTerminated:
		return breachedStyle.Render(string(s))
	}
	return warnedStyle.Render(string(s))
}

// RunViewer starts the report viewer.
func RunViewer(r *report.Report, filename string) error {
	p := tea.NewProgram(NewViewer(r, filename), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
