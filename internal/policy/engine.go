// Package policy decides what a single violation means for an exam session.
//
// The engine is synchronous and does no debouncing: each call represents one
// distinct physical event. Callers serialize calls into it.
package policy

import (
	"fmt"

	"github.com/fakeyudi/proctor/internal/session"
)

// Kind is the outcome class of a Decision.
type Kind string

const (
	Ignored  Kind = "ignored"
	Warned   Kind = "warned"
	Breached Kind = "breached"
)

// Decision is the result of recording one violation.
type Decision struct {
	Kind     Kind
	Category session.Category
	Count    int
	Limit    int
	Reason   string // set on Breached
}

func (d Decision) String() string {
	switch d.Kind {
	case Warned:
		return fmt.Sprintf("warned(%s, %d/%d)", d.Category, d.Count, d.Limit)
	case Breached:
		return fmt.Sprintf("breached(%s)", d.Category)
	default:
		return string(Ignored)
	}
}

// Observer is notified of every decision the engine makes.
type Observer func(s *session.ExamSession, d Decision, detail string)

// Engine records violations against a session's counters. It is the only
// writer of counters and of the terminated status.
type Engine struct {
	observer Observer
}

// New returns an Engine. observer may be nil.
func New(observer Observer) *Engine {
	return &Engine{observer: observer}
}

// RecordViolation applies one violation of category c to s.
//
// A category with limit 0 is disabled and never counts. Warnings accumulate
// while the count stays within the limit; the increment that takes the count
// past the limit terminates the session. Inactive sessions ignore everything.
func (e *Engine) RecordViolation(s *session.ExamSession, c session.Category, detail string) Decision {
	d := e.decide(s, c)
	if e.observer != nil {
		e.observer(s, d, detail)
	}
	return d
}

func (e *Engine) decide(s *session.ExamSession, c session.Category) Decision {
	ignored := Decision{Kind: Ignored, Category: c}
	if s == nil || !c.Valid() || !s.Active() {
		return ignored
	}
	if ctr, _ := s.Counter(c); ctr.Limit == 0 {
		return ignored
	}

	ctr, ok := s.Increment(c)
	if !ok {
		// Lost a race with expiry or submission.
		return ignored
	}
	if ctr.Count <= ctr.Limit {
		return Decision{Kind: Warned, Category: c, Count: ctr.Count, Limit: ctr.Limit}
	}

	reason := BreachReason(c, ctr)
	if !s.Terminate(reason) {
		return ignored
	}
	return Decision{Kind: Breached, Category: c, Count: ctr.Count, Limit: ctr.Limit, Reason: reason}
}

// BreachReason formats the termination reason for a breached category.
func BreachReason(c session.Category, ctr session.Counter) string {
	return fmt.Sprintf("%s limit exceeded after %d violations (limit %d)", c, ctr.Count, ctr.Limit)
}
