package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/proctor/internal/session"
)

// Exam is the live state the monitor displays. *lockdown.Controller satisfies it.
type Exam interface {
	Snapshot() session.Snapshot
	RemainingSeconds() int64
	Authoritative() bool
	DetectionEnabled() bool
	Submit() bool
	Done() <-chan struct{}
}

const refreshEvery = 250 * time.Millisecond

type refreshMsg struct{}

type doneMsg struct{}

// Monitor is the candidate-facing countdown. It renders a blocking overlay
// whenever the session is not active.
type Monitor struct {
	exam       Exam
	snap       session.Snapshot
	remaining  int64
	confirming bool
	finished   bool
	width      int
	height     int
}

// NewMonitor creates a monitor for exam.
func NewMonitor(exam Exam) Monitor {
	m := Monitor{exam: exam}
	m.refresh()
	return m
}

func (m *Monitor) refresh() {
	m.snap = m.exam.Snapshot()
	m.remaining = m.exam.RemainingSeconds()
}

func (m Monitor) Init() tea.Cmd {
	return tea.Batch(tick(), waitDone(m.exam.Done()))
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg { return refreshMsg{} })
}

func waitDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return doneMsg{}
	}
}

func (m Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		key := msg.String()
		if key == "ctrl+c" || (key == "q" && m.finished) {
			return m, tea.Quit
		}
		if m.finished {
			return m, nil
		}
		switch {
		case m.confirming && key == "y":
			m.confirming = false
			m.exam.Submit()
			m.refresh()
		case m.confirming:
			m.confirming = false
		case key == "s":
			m.confirming = true
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case refreshMsg:
		m.refresh()
		if m.finished {
			return m, nil
		}
		return m, tick()

	case doneMsg:
		m.finished = true
		m.confirming = false
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m Monitor) View() string {
	width := m.width
	if width == 0 {
		width = 80
	}
	title := titleStyle.Width(width).Render("  proctor  exam " + m.snap.ID)

	var body string
	if m.snap.Status != session.StatusActive {
		body = m.overlay()
	} else {
		body = m.live()
	}

	hint := "  s submit  ctrl+c leave (resumable)"
	switch {
	case m.finished:
		hint = "  q quit"
	case m.confirming:
		hint = "  submit now? y confirm, any other key cancels"
	}
	basis := "server clock"
	if !m.exam.Authoritative() {
		basis = "local clock"
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, body, statusBar(width, hint, basis))
}

func (m Monitor) live() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(clockStyle.Render(formatRemaining(m.remaining)))
	sb.WriteString("\n")
	sb.WriteString(renderCounters(m.snap.Counters))
	if !m.exam.DetectionEnabled() {
		sb.WriteString("\n" + dimStyle.Render("  object detection unavailable") + "\n")
	}
	return sb.String()
}

func (m Monitor) overlay() string {
	var msg string
	switch m.snap.Status {
	case session.StatusNotStarted:
		msg = "Secure exam has not started"
	case session.StatusExpired:
		msg = "Time is up. Your answers were submitted."
	case session.StatusSubmitted:
		msg = "Exam submitted"
	case session.StatusTerminated:
		msg = "Exam terminated\n\n" + m.snap.TerminationReason
	default:
		msg = string(m.snap.Status)
	}
	return "\n" + overlayStyle.Render(msg) + "\n" + renderCounters(m.snap.Counters)
}

// formatRemaining renders whole seconds as H:MM:SS or MM:SS.
func formatRemaining(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	h, mins, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mins, s)
	}
	return fmt.Sprintf("%02d:%02d", mins, s)
}

// RunMonitor shows the monitor until the exam ends and the candidate quits,
// or the candidate leaves with ctrl+c.
func RunMonitor(exam Exam) error {
	p := tea.NewProgram(NewMonitor(exam), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
