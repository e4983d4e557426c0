// Package pipeline implements a depth-two prefetch buffer: while the caller
// works on the current item, the next one is fetched and transferred on a
// background goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/posewire/internal/logger"
)

// ErrClosed is returned by Next and Reset after Close.
var ErrClosed = errors.New("pipeline: closed")

// Source yields items until it returns io.EOF.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// OpenFunc creates (or re-creates) the upstream source.
type OpenFunc[T any] func(ctx context.Context) (Source[T], error)

// TransferFunc prepares a fetched item for consumption, e.g. decoding or
// moving it to the compute device. A nil TransferFunc is the identity.
type TransferFunc[T any] func(ctx context.Context, item T) (T, error)

// Options configures a Pipeline.
type Options struct {
	// Overlap runs fetch+transfer of item n+1 while item n is consumed.
	Overlap bool
	Logger  *logger.Logger
}

// Stats reports pipeline counters.
type Stats struct {
	Items   uint64
	Resets  uint64
	Waiting time.Duration // total time Next spent blocked on the barrier
}

type slot[T any] struct {
	item T
	err  error
}

// Pipeline pulls items from a Source. It is not safe for concurrent calls to
// Next; the only concurrency is the internal prefetch goroutine.
type Pipeline[T any] struct {
	open     OpenFunc[T]
	transfer TransferFunc[T]
	opts     Options
	log      *logger.Logger

	src       Source[T]
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	inflight  chan slot[T]
	exhausted bool
	closed    bool

	mu    sync.Mutex
	stats Stats
}

// New returns a pipeline. The source is opened on the first call to Next.
func New[T any](open OpenFunc[T], transfer TransferFunc[T], opts Options) *Pipeline[T] {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Pipeline[T]{open: open, transfer: transfer, opts: opts, log: opts.Logger}
}

// Next returns the next item. ok is false once the source is exhausted; that
// is a normal termination and err is nil.
func (p *Pipeline[T]) Next(ctx context.Context) (item T, ok bool, err error) {
	if p.closed {
		return item, false, ErrClosed
	}
	if p.src == nil {
		if err := p.start(ctx); err != nil {
			return item, false, err
		}
	}
	if p.exhausted {
		return item, false, nil
	}

	var s slot[T]
	if p.opts.Overlap {
		if p.inflight == nil {
			p.prime()
		}
		start := time.Now()
		select {
		case s = <-p.inflight:
		case <-ctx.Done():
			// The in-flight slot stays pending for the next call.
			return item, false, ctx.Err()
		}
		p.inflight = nil
		p.mu.Lock()
		p.stats.Waiting += time.Since(start)
		p.mu.Unlock()
	} else {
		s.item, s.err = p.fetch(ctx)
	}

	if errors.Is(s.err, io.EOF) {
		p.exhausted = true
		p.log.Debug().Msg("upstream exhausted")
		return item, false, nil
	}
	if s.err != nil {
		return item, false, s.err
	}

	if p.opts.Overlap {
		p.prime()
	}
	p.mu.Lock()
	p.stats.Items++
	p.mu.Unlock()
	return s.item, true, nil
}

// Reset drains any in-flight fetch, closes the source, re-opens it and
// re-primes the first slot.
func (p *Pipeline[T]) Reset(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.stop(); err != nil {
		p.log.Warn().Err(err).Msg("closing source during reset")
	}
	p.mu.Lock()
	p.stats.Resets++
	p.mu.Unlock()
	return p.start(ctx)
}

// Close drains the in-flight fetch and closes the source.
func (p *Pipeline[T]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.stop()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline[T]) start(ctx context.Context) error {
	src, err := p.open(ctx)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	p.src = src
	p.exhausted = false
	// Prefetches outlive a single Next call, so they run on their own context.
	p.bgCtx, p.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	if p.opts.Overlap {
		p.prime()
	}
	return nil
}

// stop cancels and waits for the in-flight fetch, then closes the source.
func (p *Pipeline[T]) stop() error {
	if p.bgCancel != nil {
		p.bgCancel()
	}
	if p.inflight != nil {
		<-p.inflight
		p.inflight = nil
	}
	src := p.src
	p.src = nil
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// prime launches fetch+transfer of the next item on the secondary goroutine.
func (p *Pipeline[T]) prime() {
	ch := make(chan slot[T], 1)
	p.inflight = ch
	ctx := p.bgCtx
	go func() {
		var s slot[T]
		s.item, s.err = p.fetch(ctx)
		ch <- s
	}()
}

func (p *Pipeline[T]) fetch(ctx context.Context) (T, error) {
	item, err := p.src.Next(ctx)
	if err != nil {
		return item, err
	}
	if p.transfer == nil {
		return item, nil
	}
	return p.transfer(ctx, item)
}
