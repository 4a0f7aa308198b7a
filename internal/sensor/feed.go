package sensor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // camera stills
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fakeyudi/proctor/internal/detect"
)

// feedLine is one JSON line of a signal feed file.
type feedLine struct {
	Kind   Kind     `json:"kind"`
	At     string   `json:"at,omitempty"` // RFC 3339, defaults to read time
	Hidden *bool    `json:"hidden,omitempty"`
	Active *bool    `json:"active,omitempty"`
	Level  *float64 `json:"level,omitempty"`
	Seq    uint64   `json:"seq,omitempty"`
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
	Path   string   `json:"path,omitempty"` // image file for camera stills
}

// ParseLine decodes one feed line. Relative image paths resolve against baseDir.
func ParseLine(line []byte, baseDir string, now time.Time) (Signal, error) {
	var fl feedLine
	if err := json.Unmarshal(line, &fl); err != nil {
		return Signal{}, fmt.Errorf("malformed signal: %w", err)
	}
	sig := Signal{Kind: fl.Kind, At: now}
	if fl.At != "" {
		at, err := time.Parse(time.RFC3339, fl.At)
		if err != nil {
			return Signal{}, fmt.Errorf("signal timestamp: %w", err)
		}
		sig.At = at
	}

	switch fl.Kind {
	case Visibility:
		if fl.Hidden == nil {
			return Signal{}, errors.New("visibility signal without hidden")
		}
		sig.Hidden = *fl.Hidden
	case Fullscreen:
		if fl.Active == nil {
			return Signal{}, errors.New("fullscreen signal without active")
		}
		sig.Active = *fl.Active
	case Audio:
		if fl.Level == nil {
			return Signal{}, errors.New("audio signal without level")
		}
		sig.Level = *fl.Level
	case Camera:
		frame, err := decodeFrame(fl, baseDir, sig.At)
		if err != nil {
			return Signal{}, err
		}
		sig.Frame = frame
	case Submit:
	default:
		return Signal{}, fmt.Errorf("unknown signal kind %q", fl.Kind)
	}
	return sig, nil
}

func decodeFrame(fl feedLine, baseDir string, at time.Time) (*detect.Frame, error) {
	frame := &detect.Frame{Seq: fl.Seq, Timestamp: at}
	if fl.Path == "" {
		if fl.Width <= 0 || fl.Height <= 0 {
			return nil, errors.New("frame signal needs a path or positive width and height")
		}
		frame.Image = image.NewRGBA(image.Rect(0, 0, fl.Width, fl.Height))
		return frame, nil
	}
	p := fl.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame %s: %w", p, err)
	}
	frame.Image = img
	return frame, nil
}

// FeedSource tails a JSON-lines signal file that the host appends to.
type FeedSource struct {
	path      string
	fromStart bool
	log       *zap.Logger

	out       chan Signal
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	offset int64
	rest   []byte // partial trailing line
}

// NewFeedSource prepares a tail on path. With fromStart false, lines already
// in the file are skipped, which is what a resumed session wants.
func NewFeedSource(path string, fromStart bool, log *zap.Logger) *FeedSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedSource{
		path:      path,
		fromStart: fromStart,
		log:       log.Named("feed"),
		out:       make(chan Signal, 64),
		stop:      make(chan struct{}),
	}
}

// Start opens the feed and begins tailing it until ctx is cancelled or Close
// is called. The file is created if it does not exist yet.
func (s *FeedSource) Start(ctx context.Context) error {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening signal feed: %w", err)
	}
	if !s.fromStart {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return fmt.Errorf("seeking signal feed: %w", err)
		}
		s.offset = end
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return err
	}
	// Watch the directory: editors and hosts often replace files rather than
	// append in place.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		f.Close()
		return fmt.Errorf("watching signal feed: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		defer func() { f.Close() }()

		f = s.drain(f)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					f = s.drain(f)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are non-fatal; continue watching.
				s.log.Warn("signal feed watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// drain reads every complete line past the current offset. If the file was
// truncated or replaced, it starts over from the beginning of the new file.
func (s *FeedSource) drain(f *os.File) *os.File {
	if info, err := os.Stat(s.path); err == nil && info.Size() < s.offset {
		s.log.Info("signal feed truncated, rereading", zap.String("path", s.path))
		s.offset = 0
		s.rest = nil
	}
	if nf, err := os.Open(s.path); err == nil {
		f.Close()
		f = nf
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		s.log.Warn("seeking signal feed failed", zap.Error(err))
		return f
	}

	reader := bufio.NewReader(f)
	baseDir := filepath.Dir(s.path)
	for {
		chunk, err := reader.ReadBytes('\n')
		s.offset += int64(len(chunk))
		if err != nil {
			// Keep a partial line until the host finishes writing it.
			s.rest = append(s.rest, chunk...)
			return f
		}
		line := append(s.rest, chunk...)
		s.rest = nil
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		sig, perr := ParseLine(line, baseDir, time.Now())
		if perr != nil {
			s.log.Warn("skipping bad signal line", zap.Error(perr))
			continue
		}
		select {
		case s.out <- sig:
		case <-s.stop:
			return f
		}
	}
}

func (s *FeedSource) Signals() <-chan Signal { return s.out }

// Close stops tailing and waits for the reader goroutine. Safe to call repeatedly.
func (s *FeedSource) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
