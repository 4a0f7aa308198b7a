package detect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manifest describes a scripted model: a declared class table plus the raw
// predictions to return for each frame sequence number. It stands in for a
// network during proctoring drills, incident replays and tests.
type Manifest struct {
	Name    string          `yaml:"name"`
	Classes []string        `yaml:"classes"` // empty means the standard table
	Default []ManifestPred  `yaml:"default"` // for frames not listed
	Frames  []ManifestFrame `yaml:"frames"`
}

// ManifestFrame is the scripted output for one frame.
type ManifestFrame struct {
	Seq         uint64         `yaml:"seq"`
	Fail        string         `yaml:"fail,omitempty"` // non-empty makes inference fail
	Predictions []ManifestPred `yaml:"predictions"`
}

// ManifestPred names a class either by index or by label.
type ManifestPred struct {
	Class *int    `yaml:"class,omitempty"`
	Label string  `yaml:"label,omitempty"`
	Score float32 `yaml:"score"`
}

// ManifestModel is a Model backed by a Manifest.
type ManifestModel struct {
	name    string
	classes []string
	def     []Prediction
	frames  map[uint64]ManifestFrame

	mu     sync.Mutex
	calls  int
	closed bool
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*ManifestModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelLoadError{Source: path, Err: err}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ModelLoadError{Source: path, Err: err}
	}
	model, err := NewManifestModel(m)
	if err != nil {
		return nil, &ModelLoadError{Source: path, Err: err}
	}
	return model, nil
}

// ManifestLoader returns a Loader that reads the manifest at path.
func ManifestLoader(path string) Loader {
	return func(ctx context.Context) (Model, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadManifest(path)
	}
}

// NewManifestModel validates m and builds a model from it.
func NewManifestModel(m Manifest) (*ManifestModel, error) {
	classes := m.Classes
	if len(classes) == 0 {
		classes = Labels()
	}
	def, err := resolvePreds(m.Default, classes)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	frames := make(map[uint64]ManifestFrame, len(m.Frames))
	for _, f := range m.Frames {
		if _, dup := frames[f.Seq]; dup {
			return nil, fmt.Errorf("frame %d listed twice", f.Seq)
		}
		if _, err := resolvePreds(f.Predictions, classes); err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
		}
		frames[f.Seq] = f
	}
	return &ManifestModel{name: m.Name, classes: classes, def: def, frames: frames}, nil
}

func resolvePreds(in []ManifestPred, classes []string) ([]Prediction, error) {
	out := make([]Prediction, 0, len(in))
	for _, p := range in {
		idx := -1
		switch {
		case p.Class != nil:
			idx = *p.Class
		case p.Label != "":
			for i, c := range classes {
				if c == p.Label {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("unknown label %q", p.Label)
			}
		default:
			return nil, errors.New("prediction needs a class or label")
		}
		if idx < 0 || idx >= len(classes) {
			return nil, fmt.Errorf("class index %d out of range", idx)
		}
		if p.Score < 0 || p.Score > 1 {
			return nil, fmt.Errorf("score %v out of range", p.Score)
		}
		out = append(out, Prediction{Class: idx, Score: p.Score})
	}
	return out, nil
}

func (m *ManifestModel) Classes() []string { return m.classes }

// Infer returns the scripted predictions for in.Seq.
func (m *ManifestModel) Infer(ctx context.Context, in Input) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("model closed")
	}
	m.calls++

	f, ok := m.frames[in.Seq]
	if !ok {
		return m.def, nil
	}
	if f.Fail != "" {
		return nil, errors.New(f.Fail)
	}
	// Validated in NewManifestModel.
	preds, _ := resolvePreds(f.Predictions, m.classes)
	return preds, nil
}

// Calls returns how many forward passes have run.
func (m *ManifestModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *ManifestModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
