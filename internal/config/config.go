package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Model failure policies.
const (
	PolicyDegrade = "degrade" // disable prohibitedObject, keep proctoring
	PolicyFatal   = "fatal"   // refuse to start the exam
)

// Config holds all configurable proctor settings.
type Config struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	SampleInterval      string   `json:"sample_interval"` // Go duration, e.g. "3s"
	TickInterval        string   `json:"tick_interval"`
	AudioThreshold      *float64 `json:"audio_threshold"` // normalised amplitude in [0,1], 0 disables
	ProhibitedLabels    []string `json:"prohibited_labels"`
	MaxPersons          *int     `json:"max_persons"` // 0 disables the head count
	ModelPath           string   `json:"model_path"`
	ModelFailurePolicy  string   `json:"model_failure_policy"` // "degrade" | "fatal"
	OutputDir           string   `json:"output_dir"`
	DefaultFormat       string   `json:"default_format"` // "markdown" | "json"
	LogLevel            string   `json:"log_level"`
	LogFormat           string   `json:"log_format"` // "console" | "json"
	LogPath             string   `json:"log_path"`   // empty: stderr, or a file while the monitor owns the terminal
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		ConfidenceThreshold: 0.8,
		SampleInterval:      "3s",
		TickInterval:        "1s",
		AudioThreshold:      ptr(0.6),
		ProhibitedLabels:    []string{"cell phone", "book", "laptop", "tv"},
		MaxPersons:          ptr(1),
		ModelFailurePolicy:  PolicyDegrade,
		OutputDir:           ".",
		DefaultFormat:       "markdown",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// LoadGlobal reads ~/.config/proctor/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "proctor", "config.json")
	return loadFile(path, true)
}

// LoadProject reads .proctorconfig in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(".proctorconfig", false)
}

// loadFile reads and parses a JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	apply(&result, global)
	apply(&result, project)
	return result
}

func apply(dst *Config, src *Config) {
	if src == nil {
		return
	}
	if src.ConfidenceThreshold > 0 {
		dst.ConfidenceThreshold = src.ConfidenceThreshold
	}
	if src.SampleInterval != "" {
		dst.SampleInterval = src.SampleInterval
	}
	if src.TickInterval != "" {
		dst.TickInterval = src.TickInterval
	}
	if src.AudioThreshold != nil {
		dst.AudioThreshold = ptr(*src.AudioThreshold)
	}
	if len(src.ProhibitedLabels) > 0 {
		dst.ProhibitedLabels = src.ProhibitedLabels
	}
	if src.MaxPersons != nil {
		dst.MaxPersons = ptr(*src.MaxPersons)
	}
	if src.ModelPath != "" {
		dst.ModelPath = src.ModelPath
	}
	if src.ModelFailurePolicy != "" {
		dst.ModelFailurePolicy = src.ModelFailurePolicy
	}
	if src.OutputDir != "" {
		dst.OutputDir = src.OutputDir
	}
	if src.DefaultFormat != "" {
		dst.DefaultFormat = src.DefaultFormat
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}
}

// Validate checks values that cannot be caught by the JSON decoder.
func (c Config) Validate() error {
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v out of range (0,1]", c.ConfidenceThreshold)
	}
	if a := c.AudioCutoff(); a < 0 || a > 1 {
		return fmt.Errorf("audio_threshold %v out of range [0,1]", a)
	}
	if n := c.PersonLimit(); n < 0 {
		return fmt.Errorf("max_persons %d must not be negative", n)
	}
	for name, v := range map[string]string{"sample_interval": c.SampleInterval, "tick_interval": c.TickInterval} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.ModelFailurePolicy {
	case PolicyDegrade, PolicyFatal:
	default:
		return fmt.Errorf("model_failure_policy %q must be %q or %q", c.ModelFailurePolicy, PolicyDegrade, PolicyFatal)
	}
	return nil
}

// AudioCutoff returns the audio anomaly threshold. An explicit 0 in a config
// file turns audio checks off.
func (c Config) AudioCutoff() float64 {
	if c.AudioThreshold == nil {
		return 0
	}
	return *c.AudioThreshold
}

// PersonLimit returns how many persons may be in frame; 0 turns the head
// count off.
func (c Config) PersonLimit() int {
	if c.MaxPersons == nil {
		return 0
	}
	return *c.MaxPersons
}

func ptr[T any](v T) *T { return &v }

// SampleEvery returns the parsed detection sampling interval.
func (c Config) SampleEvery() time.Duration {
	return parseOr(c.SampleInterval, 3*time.Second)
}

// TickEvery returns the parsed timer polling interval.
func (c Config) TickEvery() time.Duration {
	return parseOr(c.TickInterval, time.Second)
}

func parseOr(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
