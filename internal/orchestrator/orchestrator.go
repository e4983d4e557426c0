// Package orchestrator turns received frames into annotated replies: decode,
// crop to the model input size, run the pose model, draw the detections and
// re-encode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/andresmejia3/posewire/internal/detect"
	"github.com/andresmejia3/posewire/internal/imaging"
	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/wire"
)

// Model is the pose estimator. Implementations may be remote or local.
type Model interface {
	Estimate(ctx context.Context, img image.Image) ([]detect.Detection, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, img image.Image) ([]detect.Detection, error)

func (f ModelFunc) Estimate(ctx context.Context, img image.Image) ([]detect.Detection, error) {
	return f(ctx, img)
}

// Passthrough is a Model that never detects anything.
type Passthrough struct{}

func (Passthrough) Estimate(context.Context, image.Image) ([]detect.Detection, error) {
	return nil, nil
}

// DecodeError marks a frame that could not be decoded. It is recoverable:
// the frame is dropped and the session continues.
type DecodeError struct {
	Frame uint64
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ModelError reports a frame the model failed on. Like a DecodeError it
// costs only that frame.
type ModelError struct {
	Frame uint64
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("estimate frame %d: %v", e.Frame, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Dropped reports whether err from Infer lost a single frame and the caller
// should move on to the next one.
func Dropped(err error) bool {
	var de *DecodeError
	var me *ModelError
	return errors.As(err, &de) || errors.As(err, &me)
}

// Options configures an Orchestrator.
type Options struct {
	Limits   imaging.Limits
	Encoding string
	Logger   *logger.Logger
}

// Stats counts processed frames.
type Stats struct {
	Processed  uint64
	Dropped    uint64
	Detections uint64
}

// Input is a frame on its way through the pipeline. Image is set once
// Prepare succeeds; Err carries a *DecodeError otherwise.
type Input struct {
	Index uint64
	Name  string // source file name, if any
	Frame wire.Frame
	Image image.Image
	Err   error
}

// Result is the outcome for one frame.
type Result struct {
	Index      uint64
	Detections []detect.Detection
	Annotated  []byte
}

// Orchestrator runs frames through a Model.
type Orchestrator struct {
	model Model
	opts  Options
	log   *logger.Logger

	processed  atomic.Uint64
	dropped    atomic.Uint64
	detections atomic.Uint64
}

// New returns an Orchestrator. A nil model means Passthrough.
func New(model Model, opts Options) *Orchestrator {
	if model == nil {
		model = Passthrough{}
	}
	if opts.Limits == (imaging.Limits{}) {
		opts.Limits = imaging.DefaultLimits
	}
	if opts.Encoding == "" {
		opts.Encoding = "png"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Orchestrator{model: model, opts: opts, log: opts.Logger}
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Processed:  o.processed.Load(),
		Dropped:    o.dropped.Load(),
		Detections: o.detections.Load(),
	}
}

// Process runs Prepare and Infer on one frame.
func (o *Orchestrator) Process(ctx context.Context, index uint64, f wire.Frame) (Result, error) {
	in, _ := o.Prepare(ctx, Input{Index: index, Frame: f})
	return o.Infer(ctx, in)
}

// Prepare decodes and crops the frame. A decode failure is recorded on the
// returned Input rather than returned, so it stays in order with its
// neighbours when Prepare runs as a prefetch stage.
func (o *Orchestrator) Prepare(_ context.Context, in Input) (Input, error) {
	img, _, err := imaging.Decode(in.Frame.Payload, o.opts.Limits)
	if err != nil {
		in.Err = &DecodeError{Frame: in.Index, Err: err}
		return in, nil
	}
	in.Image = imaging.CenterCrop(img)
	return in, nil
}

// Infer runs the model on a prepared input and renders the reply.
func (o *Orchestrator) Infer(ctx context.Context, in Input) (Result, error) {
	if in.Err != nil {
		o.dropped.Add(1)
		o.log.Warn().Err(in.Err).Uint64("frame", in.Index).Int("bytes", len(in.Frame.Payload)).Msg("dropping frame")
		return Result{Index: in.Index}, in.Err
	}

	dets, err := o.model.Estimate(ctx, in.Image)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Index: in.Index}, fmt.Errorf("estimate frame %d: %w", in.Index, err)
		}
		o.dropped.Add(1)
		o.log.Warn().Err(err).Uint64("frame", in.Index).Msg("model failed, dropping frame")
		return Result{Index: in.Index}, &ModelError{Frame: in.Index, Err: err}
	}

	canvas := Annotate(in.Image, dets)
	out, err := imaging.EncodeBytes(canvas, o.opts.Encoding)
	if err != nil {
		return Result{Index: in.Index}, fmt.Errorf("encode frame %d: %w", in.Index, err)
	}

	o.processed.Add(1)
	o.detections.Add(uint64(len(dets)))
	o.log.Debug().Uint64("frame", in.Index).Int("detections", len(dets)).Msg("frame processed")
	return Result{Index: in.Index, Detections: dets, Annotated: out}, nil
}

// Annotate draws each detection's box in green and its rotation axes from
// the box center.
func Annotate(img image.Image, dets []detect.Detection) *image.RGBA {
	canvas := imaging.ToRGBA(img)
	b := canvas.Bounds()
	for _, d := range dets {
		r := d.Box.Pixels(b.Dx(), b.Dy())
		imaging.Rect(canvas, r, imaging.Green, 2)
		rot, err := d.Rotation.Matrix()
		if err != nil {
			continue
		}
		center := image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
		imaging.Axes(canvas, center, rot, imaging.AxisScale)
	}
	return canvas
}
