// Package sensor turns raw host signals into discrete, edge-triggered events.
package sensor

import (
	"sync"
	"time"

	"github.com/fakeyudi/proctor/internal/detect"
)

// Kind identifies what a Signal reports.
type Kind string

const (
	Visibility Kind = "visibility" // page hidden/visible
	Fullscreen Kind = "fullscreen" // fullscreen entered/left
	Audio      Kind = "audio"      // microphone amplitude sample
	Camera     Kind = "frame"      // camera still
	Submit     Kind = "submit"     // candidate pressed submit
)

// Signal is one raw observation from the host. Only the fields relevant to
// Kind are set.
type Signal struct {
	Kind   Kind
	At     time.Time
	Hidden bool
	Active bool
	Level  float64
	Frame  *detect.Frame
}

// Source delivers signals until it is closed.
type Source interface {
	Signals() <-chan Signal
	Close() error
}

// ChanSource is an in-process Source for embedding hosts and tests.
type ChanSource struct {
	ch        chan Signal
	closeOnce sync.Once
	done      chan struct{}
}

// NewChanSource returns a source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan Signal, buffer), done: make(chan struct{})}
}

// Emit delivers sig. It returns false once the source is closed.
func (s *ChanSource) Emit(sig Signal) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- sig:
		return true
	case <-s.done:
		return false
	}
}

func (s *ChanSource) Signals() <-chan Signal { return s.ch }

// Close stops delivery. The signal channel is left open so a late Emit never
// panics; readers should stop on their own teardown.
func (s *ChanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Edge reports false->true transitions of a boolean condition.
type Edge struct {
	state bool
}

// Observe records v and reports whether it is a rising edge.
func (e *Edge) Observe(v bool) bool {
	rising := v && !e.state
	e.state = v
	return rising
}

// State returns the last observed value.
func (e *Edge) State() bool { return e.state }

// AudioGate turns a continuous loudness stream into one event per sustained
// excursion. It fires when the level reaches Threshold and re-arms only after
// the level drops below Release.
type AudioGate struct {
	Threshold float64
	Release   float64
	tripped   bool
}

// NewAudioGate returns a gate that re-arms at 80% of threshold.
func NewAudioGate(threshold float64) *AudioGate {
	return &AudioGate{Threshold: threshold, Release: threshold * 0.8}
}

// Observe feeds one amplitude sample and reports whether it starts an excursion.
func (g *AudioGate) Observe(level float64) bool {
	if g.Threshold <= 0 {
		return false
	}
	if g.tripped {
		if level < g.Release {
			g.tripped = false
		}
		return false
	}
	if level >= g.Threshold {
		g.tripped = true
		return true
	}
	return false
}
