package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSession is returned by Load when no session file exists on disk.
var ErrNoSession = errors.New("no active session")

// SessionStore persists session snapshots so an exam survives a host restart
// with its counters and authoritative start time intact.
type SessionStore interface {
	Save(snap Snapshot) error
	Load() (Snapshot, error) // returns ErrNoSession if none exists
	// Archive moves a finished session out of the way so the next exam can
	// start. It refuses to archive an active session.
	Archive() error
}

// CorruptStateError means session.json exists but does not describe a session
// proctor could have written. The exam must not silently restart from zero.
type CorruptStateError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptStateError) Error() string {
	msg := "corrupt session state " + e.Path + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// diskStore keeps the current snapshot in session.json and finished ones
// under history/.
type diskStore struct {
	dir string
}

// NewSessionStore returns a SessionStore backed by the XDG data directory.
// Path: $XDG_DATA_HOME/proctor/session.json or ~/.local/share/proctor/session.json
func NewSessionStore() (SessionStore, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &diskStore{dir: dir}, nil
}

// DataDir returns the proctor-specific XDG data directory.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "proctor"), nil
}

func (d *diskStore) current() string { return filepath.Join(d.dir, "session.json") }

// Save writes snap atomically. The temp file is synced before the rename so a
// crash never leaves counters older than the last recorded violation.
func (d *diskStore) Save(snap Snapshot) (err error) {
	if snap.ID == "" {
		return errors.New("failed to persist session state: snapshot has no id")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	if err = os.Rename(tmp.Name(), d.current()); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	return nil
}

// Load reads session.json. A file that parses but has no id or an unknown
// status is reported as *CorruptStateError.
func (d *diskStore) Load() (Snapshot, error) {
	path := d.current()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, ErrNoSession
		}
		return Snapshot{}, fmt.Errorf("failed to read session state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, &CorruptStateError{Path: path, Reason: "not valid JSON", Err: err}
	}
	switch {
	case snap.ID == "":
		return Snapshot{}, &CorruptStateError{Path: path, Reason: "missing session id"}
	case !snap.Status.Valid():
		return Snapshot{}, &CorruptStateError{Path: path, Reason: fmt.Sprintf("unknown status %q", snap.Status)}
	case snap.DurationSeconds <= 0 || snap.DurationSeconds > MaxDurationSeconds:
		return Snapshot{}, &CorruptStateError{Path: path, Reason: fmt.Sprintf("duration %ds out of range", snap.DurationSeconds)}
	}
	return snap, nil
}

// Archive moves session.json to history/<id>-<status>.json. With nothing
// stored it does nothing.
func (d *diskStore) Archive() error {
	snap, err := d.Load()
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Status == StatusActive {
		return fmt.Errorf("session %s is still active", snap.ID)
	}

	hist := filepath.Join(d.dir, "history")
	if err := os.MkdirAll(hist, 0o700); err != nil {
		return fmt.Errorf("failed to archive session state: %w", err)
	}
	name := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(snap.ID) + "-" + string(snap.Status) + ".json"
	if err := os.Rename(d.current(), filepath.Join(hist, name)); err != nil {
		return fmt.Errorf("failed to archive session state: %w", err)
	}
	return nil
}
