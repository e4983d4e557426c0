package orchestrator

import (
	"context"

	"github.com/andresmejia3/posewire/internal/pipeline"
	"github.com/andresmejia3/posewire/internal/session"
	"github.com/andresmejia3/posewire/internal/wire"
)

// ServeOptions configures Handler.
type ServeOptions struct {
	// Prefetch overlaps receiving and decoding frame n+1 with inference on
	// frame n. It only applies to the streamed variant.
	Prefetch bool

	// OnResult runs after each reply is sent. An error ends the session.
	OnResult func(ctx context.Context, s *session.Session, r Result) error
}

// frameInputs numbers the frames arriving on a session.
type frameInputs struct {
	src  session.FrameSource
	next uint64
}

func (f *frameInputs) Next(ctx context.Context) (Input, error) {
	fr, err := f.src.Next(ctx)
	if err != nil {
		return Input{}, err
	}
	in := Input{Index: f.next, Frame: fr}
	f.next++
	return in, nil
}

// Handler returns a session handler that answers every received frame with
// its annotated image. Frames that fail to decode or that the model fails
// on are answered with an empty frame.
func (o *Orchestrator) Handler(opts ServeOptions) session.Handler {
	return func(ctx context.Context, s *session.Session) error {
		overlap := opts.Prefetch && s.Variant() == wire.Streamed
		open := func(context.Context) (pipeline.Source[Input], error) {
			return &frameInputs{src: session.FrameSource{S: s}}, nil
		}
		p := pipeline.New[Input](open, o.Prepare, pipeline.Options{Overlap: overlap, Logger: o.log})
		defer p.Close()

		for {
			in, ok, err := p.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return wire.ErrClosed
			}

			res, err := o.Infer(ctx, in)
			switch {
			case Dropped(err):
				if err := s.SendFrame(ctx, nil); err != nil {
					return err
				}
				continue
			case err != nil:
				return err
			}

			if err := s.SendFrame(ctx, res.Annotated); err != nil {
				return err
			}
			if opts.OnResult != nil {
				if err := opts.OnResult(ctx, s, res); err != nil {
					return err
				}
			}
		}
	}
}
