package session

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Bootstrap is what the host hands over before lockdown entry. The file may be
// YAML or JSON.
type Bootstrap struct {
	SessionID       string         `yaml:"session_id" json:"session_id"`
	ServerStartTime string         `yaml:"server_start_time" json:"server_start_time"` // RFC 3339
	ServerNow       string         `yaml:"server_now" json:"server_now"`               // optional, for clock sync
	DurationSeconds int64          `yaml:"duration_seconds" json:"duration_seconds"`
	WarningLimits   WarningLimits  `yaml:"warning_limits" json:"warning_limits"`
	Detection       *DetectionHint `yaml:"detection,omitempty" json:"detection,omitempty"`
}

// MaxDurationSeconds caps an exam at one week.
const MaxDurationSeconds = 7 * 24 * 60 * 60

// WarningLimits is the wire form of Limits.
type WarningLimits struct {
	TabSwitch        int `yaml:"tab_switch" json:"tab_switch"`
	FullscreenExit   int `yaml:"fullscreen_exit" json:"fullscreen_exit"`
	AudioAnomaly     int `yaml:"audio_anomaly" json:"audio_anomaly"`
	ProhibitedObject int `yaml:"prohibited_object" json:"prohibited_object"`
}

// DetectionHint lets an assessment tighten detection beyond the global config.
type DetectionHint struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	SampleInterval      string  `yaml:"sample_interval" json:"sample_interval"`
}

// Limits converts the wire form to a category map.
func (w WarningLimits) Limits() Limits {
	return Limits{
		TabSwitch:        w.TabSwitch,
		FullscreenExit:   w.FullscreenExit,
		AudioAnomaly:     w.AudioAnomaly,
		ProhibitedObject: w.ProhibitedObject,
	}
}

// BootstrapError is returned when a bootstrap file is unreadable or invalid.
type BootstrapError struct {
	Path string
	Err  error
}

func (e *BootstrapError) Error() string {
	return "invalid session bootstrap " + e.Path + ": " + e.Err.Error()
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// LoadBootstrap reads and validates a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BootstrapError{Path: path, Err: err}
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, &BootstrapError{Path: path, Err: err}
	}
	if err := b.Validate(); err != nil {
		return nil, &BootstrapError{Path: path, Err: err}
	}
	return &b, nil
}

// Validate checks the fields a session cannot start without.
func (b *Bootstrap) Validate() error {
	if b.DurationSeconds <= 0 {
		return errors.New("duration_seconds must be positive")
	}
	if b.DurationSeconds > MaxDurationSeconds {
		return fmt.Errorf("duration_seconds %d exceeds the %d second maximum", b.DurationSeconds, MaxDurationSeconds)
	}
	for name, v := range map[string]int{
		"tab_switch":        b.WarningLimits.TabSwitch,
		"fullscreen_exit":   b.WarningLimits.FullscreenExit,
		"audio_anomaly":     b.WarningLimits.AudioAnomaly,
		"prohibited_object": b.WarningLimits.ProhibitedObject,
	} {
		if v < 0 {
			return fmt.Errorf("warning_limits.%s must not be negative", name)
		}
	}
	if _, err := parseOptionalTime(b.ServerStartTime); err != nil {
		return fmt.Errorf("server_start_time: %w", err)
	}
	if _, err := parseOptionalTime(b.ServerNow); err != nil {
		return fmt.Errorf("server_now: %w", err)
	}
	if b.Detection != nil {
		if t := b.Detection.ConfidenceThreshold; t < 0 || t > 1 {
			return fmt.Errorf("detection.confidence_threshold %v out of range [0,1]", t)
		}
		if b.Detection.SampleInterval != "" {
			if _, err := time.ParseDuration(b.Detection.SampleInterval); err != nil {
				return fmt.Errorf("detection.sample_interval: %w", err)
			}
		}
	}
	return nil
}

// NewSession builds the ExamSession described by b. Without a server start
// time the session falls back to firstRender and is marked non-authoritative.
func (b *Bootstrap) NewSession(firstRender time.Time) *ExamSession {
	id := b.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	duration := time.Duration(b.DurationSeconds) * time.Second
	start, err := parseOptionalTime(b.ServerStartTime)
	if err != nil || start.IsZero() {
		return NewLocal(id, firstRender, duration, b.WarningLimits.Limits())
	}
	return New(id, start, duration, b.WarningLimits.Limits())
}

// ServerTime returns the server's notion of "now" at bootstrap, if supplied.
func (b *Bootstrap) ServerTime() (time.Time, bool) {
	t, err := parseOptionalTime(b.ServerNow)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
