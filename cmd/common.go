package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/orchestrator"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/andresmejia3/posewire/internal/session"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/andresmejia3/posewire/internal/worker"
)

const (
	megabyte             = 1024 * 1024
	defaultWorkerTimeout = 30 * time.Second
)

// sessionOptions turns the transport flags into session.Options.
func sessionOptions(opts Options, log *logger.Logger) (session.Options, error) {
	variant, err := wire.ParseVariant(opts.Mode)
	if err != nil {
		return session.Options{}, err
	}
	order, err := wire.ParseByteOrder(opts.ByteOrder)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Variant:    variant,
		ByteOrder:  order,
		MaxPayload: int64(opts.MaxPayloadMB) * megabyte,
		Logger:     log,
	}, nil
}

// validateTransport checks the flags registered by addTransportFlags.
func validateTransport(opts *Options) error {
	if _, err := wire.ParseVariant(opts.Mode); err != nil {
		return err
	}
	if _, err := wire.ParseByteOrder(opts.ByteOrder); err != nil {
		return err
	}
	if opts.MaxPayloadMB < 1 {
		return fmt.Errorf("max payload must be >= 1 MB, got %d", opts.MaxPayloadMB)
	}
	return nil
}

func validateEncoding(enc string) error {
	switch strings.ToLower(enc) {
	case "png", "jpeg", "jpg":
		return nil
	}
	return fmt.Errorf("invalid encoding '%s'. Must be 'png' or 'jpeg'", enc)
}

// validateWorker checks the optional pose worker script.
func validateWorker(opts *Options) error {
	if opts.WorkerTimeout < 0 {
		return fmt.Errorf("worker timeout must not be negative, got %s", opts.WorkerTimeout)
	}
	if opts.WorkerScript == "" {
		return nil
	}
	info, err := os.Stat(opts.WorkerScript)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("worker script %s is a directory", opts.WorkerScript)
	}
	return nil
}

// newModel starts the python pose worker when one is configured and falls
// back to the passthrough model otherwise.
func newModel(opts Options, log *logger.Logger) (orchestrator.Model, func(), error) {
	if opts.WorkerScript == "" {
		log.Info().Msg("no pose worker configured, frames are echoed without detections")
		return orchestrator.Passthrough{}, func() {}, nil
	}
	w, err := worker.NewPoseWorker(0, opts.WorkerScript)
	if err != nil {
		return nil, nil, err
	}
	w.Timeout = opts.WorkerTimeout
	if opts.MaxPayloadMB > 0 {
		w.MaxPayload = uint64(opts.MaxPayloadMB) * megabyte
	}
	return w, func() {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Msg("pose worker exited uncleanly")
		}
	}, nil
}

// openSinks builds the result sinks: results.json and annotated images under
// the output directory, then Redis and PostgreSQL when configured.
func openSinks(ctx context.Context, opts Options, images *results.ImageDir) (results.Multi, error) {
	sinks := results.Multi{
		results.NewJSONFile(filepath.Join(opts.OutputDir, "results.json")),
		images,
	}
	if opts.RedisAddr != "" {
		r, err := results.NewRedisSink(ctx, opts.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		sinks = append(sinks, r)
	}
	if DB != nil {
		sinks = append(sinks, keepOpen{DB})
	}
	return sinks, nil
}

// keepOpen leaves the shared connection to PersistentPostRun.
type keepOpen struct{ results.Sink }

func (keepOpen) Close(context.Context) error { return nil }
