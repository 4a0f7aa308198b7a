// Package detect runs object detection on sampled camera frames.
//
// A Worker owns one Model for its lifetime. Frames go in and label sets come
// out over channels; callers never touch the model directly.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// InputSize is the square edge, in pixels, the model expects.
const InputSize = 640

// Frame is one camera still.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Tensor is a CHW float32 image normalised to [0,1].
type Tensor struct {
	Channels, Height, Width int
	Data                    []float32
}

// Input is what a Model receives for one forward pass.
type Input struct {
	Seq    uint64
	Tensor Tensor
}

// Prediction is one raw detection from the model.
type Prediction struct {
	Class int
	Score float32
}

// Model is a loaded detection network.
type Model interface {
	// Classes returns the class table the model was trained with.
	Classes() []string
	Infer(ctx context.Context, in Input) ([]Prediction, error)
	Close() error
}

// Loader fetches and parses a model.
type Loader func(ctx context.Context) (Model, error)

// ErrWorkerStopped is returned when a disposed or unstarted worker is used.
var ErrWorkerStopped = errors.New("detection worker stopped")

// ModelLoadError is returned when the model asset cannot be fetched or parsed.
type ModelLoadError struct {
	Source string
	Err    error
}

func (e *ModelLoadError) Error() string {
	return "failed to load detection model " + e.Source + ": " + e.Err.Error()
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// InferenceError is a failed forward pass on one frame. It never stops the worker.
type InferenceError struct {
	Seq uint64
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on frame %d: %v", e.Seq, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Preprocess resizes img to size x size with nearest-neighbour sampling and
// normalises RGB into dst, reusing dst.Data when it is large enough.
func Preprocess(img image.Image, size int, dst *Tensor) error {
	if img == nil {
		return errors.New("frame has no image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("frame has empty bounds %v", b)
	}

	n := 3 * size * size
	if cap(dst.Data) < n {
		dst.Data = make([]float32, n)
	}
	dst.Data = dst.Data[:n]
	dst.Channels, dst.Height, dst.Width = 3, size, size

	plane := size * size
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*b.Dy()/size
		for x := 0; x < size; x++ {
			sx := b.Min.X + x*b.Dx()/size
			r, g, bl, _ := img.At(sx, sy).RGBA()
			i := y*size + x
			dst.Data[i] = float32(r>>8) / 255
			dst.Data[plane+i] = float32(g>>8) / 255
			dst.Data[2*plane+i] = float32(bl>>8) / 255
		}
	}
	return nil
}
