package detect

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultConfidenceThreshold is the minimum score a prediction needs to count.
const DefaultConfidenceThreshold = 0.8

// FrameResult is the filtered outcome for one sampled frame.
type FrameResult struct {
	Seq       uint64
	Timestamp time.Time
	Labels    []string       // sorted, deduplicated
	Counts    map[string]int // instances per label, e.g. two persons
}

// Has reports whether label was detected.
func (r FrameResult) Has(label string) bool {
	return r.Counts[label] > 0
}

// Options tunes detection filtering.
type Options struct {
	ConfidenceThreshold float64
	AllowList           []string
}

func (o Options) withDefaults() Options {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if len(o.AllowList) == 0 {
		o.AllowList = DefaultAllowList
	}
	return o
}

// Detector applies a Model to frames and filters its raw output. It is not
// safe for concurrent use; the Worker gives it a single goroutine.
type Detector struct {
	model     Model
	threshold float32
	allowed   map[string]bool
	buf       Tensor
}

// NewDetector wraps model with the given filtering options.
func NewDetector(model Model, opts Options) *Detector {
	opts = opts.withDefaults()
	allowed := make(map[string]bool, len(opts.AllowList))
	for _, l := range opts.AllowList {
		allowed[l] = true
	}
	return &Detector{
		model:     model,
		threshold: float32(opts.ConfidenceThreshold),
		allowed:   allowed,
	}
}

// Detect runs one forward pass on frame.
func (d *Detector) Detect(ctx context.Context, frame Frame) (result FrameResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InferenceError{Seq: frame.Seq, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := Preprocess(frame.Image, InputSize, &d.buf); err != nil {
		return FrameResult{}, &InferenceError{Seq: frame.Seq, Err: err}
	}
	preds, err := d.model.Infer(ctx, Input{Seq: frame.Seq, Tensor: d.buf})
	if err != nil {
		return FrameResult{}, &InferenceError{Seq: frame.Seq, Err: err}
	}
	return d.Filter(frame, preds), nil
}

// Filter keeps predictions at or above the threshold whose label is allowed.
func (d *Detector) Filter(frame Frame, preds []Prediction) FrameResult {
	counts := make(map[string]int)
	for _, p := range preds {
		if p.Score < d.threshold {
			continue
		}
		label, ok := Label(p.Class)
		if !ok || !d.allowed[label] {
			continue
		}
		counts[label]++
	}
	out := make([]string, 0, len(counts))
	for l := range counts {
		out = append(out, l)
	}
	sort.Strings(out)
	return FrameResult{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Labels:    out,
		Counts:    counts,
	}
}
