package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MessageType discriminates worker messages.
type MessageType string

const (
	MsgLoad   MessageType = "load"   // controller -> worker
	MsgDetect MessageType = "detect" // controller -> worker
	MsgResult MessageType = "result" // worker -> controller
	MsgError  MessageType = "error"  // worker -> controller
)

// Message is the only thing that crosses the worker boundary.
type Message struct {
	Type   MessageType
	Seq    uint64
	Frame  *Frame
	Result *FrameResult
	Err    error
}

// Validate checks that the payload matches the discriminant.
func (m Message) Validate() error {
	switch m.Type {
	case MsgLoad:
		if m.Frame != nil || m.Result != nil {
			return errors.New("load message carries a payload")
		}
	case MsgDetect:
		if m.Frame == nil {
			return errors.New("detect message without frame")
		}
	case MsgResult:
		if m.Result == nil {
			return errors.New("result message without result")
		}
	case MsgError:
		if m.Err == nil {
			return errors.New("error message without error")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Worker runs detection on its own goroutine with at most one frame in flight.
type Worker struct {
	loader Loader
	opts   Options
	source string
	log    *zap.Logger

	inbox    chan Message
	outbox   chan Message
	loadDone chan error
	stop     chan struct{}
	done     chan struct{}

	initMu   sync.Mutex
	lifeMu   sync.Mutex // orders Start against Dispose
	stopped  bool
	started  atomic.Bool
	ready    atomic.Bool
	inFlight atomic.Bool

	// owned by the loop goroutine
	model    Model
	detector *Detector
}

// NewWorker returns an idle worker. source names the model asset in errors.
func NewWorker(loader Loader, source string, opts Options, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		loader:   loader,
		opts:     opts.withDefaults(),
		source:   source,
		log:      log.Named("detect"),
		inbox:    make(chan Message, 1),
		outbox:   make(chan Message, 1),
		loadDone: make(chan error, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine. Further calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.stopped || w.started.Load() {
		return
	}
	w.started.Store(true)
	go w.loop(ctx)
}

// Initialize loads the model on the worker goroutine. Concurrent callers queue
// behind the first attempt; after a success every call is a no-op. Failures
// are returned as *ModelLoadError and may be retried.
func (w *Worker) Initialize(ctx context.Context) error {
	w.initMu.Lock()
	defer w.initMu.Unlock()

	if w.ready.Load() {
		return nil
	}
	if !w.started.Load() {
		return ErrWorkerStopped
	}
	// Discard the answer to an earlier attempt whose caller gave up.
	select {
	case <-w.loadDone:
	default:
	}

	select {
	case w.inbox <- Message{Type: MsgLoad}:
	case <-w.stop:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.loadDone:
		if err != nil {
			return err
		}
		w.ready.Store(true)
		return nil
	case <-w.stop:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the model has loaded.
func (w *Worker) Ready() bool {
	return w.ready.Load()
}

// Busy reports whether a frame is being processed.
func (w *Worker) Busy() bool {
	return w.inFlight.Load()
}

// Submit hands frame to the worker. It returns false without queueing when the
// model is not ready, the worker is stopped, or a detection is already in
// flight; the caller drops that frame.
func (w *Worker) Submit(frame Frame) bool {
	if !w.ready.Load() {
		return false
	}
	select {
	case <-w.stop:
		return false
	default:
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		return false
	}
	f := frame
	select {
	case w.inbox <- Message{Type: MsgDetect, Seq: frame.Seq, Frame: &f}:
		return true
	default:
		w.inFlight.Store(false)
		return false
	}
}

// Messages delivers result and error messages. It is closed when the worker exits.
func (w *Worker) Messages() <-chan Message {
	return w.outbox
}

// Dispose stops the worker and releases the model. Safe to call repeatedly.
func (w *Worker) Dispose() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stop)
	if w.started.Load() {
		<-w.done
	} else {
		close(w.outbox)
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		if w.model != nil {
			if err := w.model.Close(); err != nil {
				w.log.Warn("closing model failed", zap.Error(err))
			}
		}
		close(w.outbox)
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case msg := <-w.inbox:
			if err := msg.Validate(); err != nil {
				w.log.Error("dropping invalid message", zap.Error(err))
				w.inFlight.Store(false)
				continue
			}
			switch msg.Type {
			case MsgLoad:
				w.loadDone <- w.load(ctx)
			case MsgDetect:
				out := w.detect(ctx, msg)
				w.inFlight.Store(false)
				if !w.emit(ctx, out) {
					return
				}
			default:
				w.log.Error("unexpected inbound message", zap.String("type", string(msg.Type)))
			}
		}
	}
}

func (w *Worker) load(ctx context.Context) (err error) {
	if w.detector != nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ModelLoadError{Source: w.source, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	model, err := w.loader(ctx)
	if err != nil {
		var mle *ModelLoadError
		if errors.As(err, &mle) {
			return err
		}
		return &ModelLoadError{Source: w.source, Err: err}
	}
	if i, ok := matchesLabelTable(model.Classes()); !ok {
		model.Close()
		return &ModelLoadError{
			Source: w.source,
			Err:    fmt.Errorf("class table mismatch at index %d (got %d classes, want %d)", i, len(model.Classes()), len(labels)),
		}
	}
	w.model = model
	w.detector = NewDetector(model, w.opts)
	w.log.Info("detection model loaded", zap.String("source", w.source))
	return nil
}

func (w *Worker) detect(ctx context.Context, msg Message) Message {
	if w.detector == nil {
		return Message{Type: MsgError, Seq: msg.Seq, Err: &InferenceError{Seq: msg.Seq, Err: ErrWorkerStopped}}
	}
	res, err := w.detector.Detect(ctx, *msg.Frame)
	if err != nil {
		return Message{Type: MsgError, Seq: msg.Seq, Err: err}
	}
	return Message{Type: MsgResult, Seq: msg.Seq, Result: &res}
}

func (w *Worker) emit(ctx context.Context, m Message) bool {
	select {
	case w.outbox <- m:
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
