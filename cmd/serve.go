package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/orchestrator"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/andresmejia3/posewire/internal/session"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/spf13/cobra"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept frames, run pose estimation and reply with annotated images",
	Long: `Listens for one client at a time. Every received frame is center-cropped to
640x480, passed to the pose worker and answered with the annotated image.
Frames that cannot be decoded are answered with an empty frame.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd.Flags(), &serveOpts, cfg)
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	fs := serveCmd.Flags()
	fs.StringVarP(&serveOpts.ListenAddr, "listen", "l", ":9999", "Address to listen on")
	addTransportFlags(fs, &serveOpts, "stream")
	fs.BoolVar(&serveOpts.Prefetch, "prefetch", true, "Receive and decode the next frame while the current one is inferred (stream mode only)")
	fs.StringVarP(&serveOpts.Encoding, "encoding", "e", "png", "Reply image encoding: png or jpeg")
	fs.StringVarP(&serveOpts.OutputDir, "output", "o", "output", "Directory for results.json and annotated frames")
	fs.StringVar(&serveOpts.RedisAddr, "redis", "", "Redis address or URL for publishing detections (disabled when empty)")
	fs.StringVarP(&serveOpts.WorkerScript, "worker", "w", "", "Python pose worker script (frames are echoed without detections when empty)")
	fs.DurationVar(&serveOpts.WorkerTimeout, "worker-timeout", defaultWorkerTimeout, "Maximum time one frame may spend in the pose worker")
	fs.IntVar(&serveOpts.MaxSessions, "max-sessions", 0, "Exit after this many client sessions (0 = run until interrupted)")
	rootCmd.AddCommand(serveCmd)
}

func validateServeFlags(opts *Options) error {
	if opts.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if err := validateTransport(opts); err != nil {
		return err
	}
	if err := validateEncoding(opts.Encoding); err != nil {
		return err
	}
	if opts.MaxSessions < 0 {
		return fmt.Errorf("max sessions must be >= 0, got %d", opts.MaxSessions)
	}
	return validateWorker(opts)
}

func runServe(ctx context.Context, opts Options) error {
	if err := validateServeFlags(&opts); err != nil {
		return fail("Configuration Error", err, nil)
	}
	log := logger.Named("serve")

	sessOpts, err := sessionOptions(opts, log)
	if err != nil {
		return fail("Configuration Error", err, nil)
	}
	if sessOpts.Variant == wire.AckPaced && opts.Prefetch {
		log.Info().Msg("ack-paced sessions are served without prefetch")
	}

	model, closeModel, err := newModel(opts, log)
	if err != nil {
		return fail("Pose worker startup failed", err, nil)
	}
	defer closeModel()

	sinks, err := openSinks(ctx, opts, &results.ImageDir{
		Dir: opts.OutputDir,
		Name: func(e results.Entry) string {
			return e.ImageID + ".png"
		},
	})
	if err != nil {
		return fail("Failed to open result sinks", err, nil)
	}
	defer func() {
		// Background: results.json must be written even after Ctrl+C.
		if err := sinks.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to flush results")
		}
	}()

	o := orchestrator.New(model, orchestrator.Options{Encoding: opts.Encoding, Logger: log})
	handler := o.Handler(orchestrator.ServeOptions{
		Prefetch: opts.Prefetch,
		OnResult: func(ctx context.Context, s *session.Session, r orchestrator.Result) error {
			e := results.Entry{
				SessionID:  s.ID,
				ImageID:    fmt.Sprintf("%s_%06d", shortID(s.ID), r.Index),
				Index:      int(r.Index),
				Detections: r.Detections,
				Annotated:  r.Annotated,
			}
			// A sink failure is not the client's fault; keep serving.
			if err := sinks.Record(ctx, e); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Uint64("frame", r.Index).Msg("failed to record result")
			}
			return nil
		},
	})

	l := session.NewListener(opts.ListenAddr, sessOpts)
	l.MaxSessions = opts.MaxSessions
	l.OnSessionEnd = func(s *session.Session, err error) {
		st := s.Stats()
		if DB != nil {
			if dbErr := DB.EndSession(context.Background(), s.ID, st.FramesIn, st.FramesOut, err); dbErr != nil {
				log.Warn().Err(dbErr).Str("session", s.ID).Msg("failed to close session record")
			}
		}
		fmt.Fprintf(os.Stderr, "👋 Client %s disconnected after %d frames\n", s.RemoteAddr(), st.FramesIn)
	}

	if err := l.Listen(); err != nil {
		return fail("Failed to listen", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📡 Listening on %s (%s mode)\n", l.BoundAddr(), sessOpts.Variant)

	err = l.Serve(ctx, func(ctx context.Context, s *session.Session) error {
		fmt.Fprintf(os.Stderr, "🔌 Client connected: %s\n", s.RemoteAddr())
		if DB != nil {
			if err := DB.BeginSession(ctx, s.ID, s.RemoteAddr(), s.Variant().String()); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Msg("failed to register session")
			}
		}
		return handler(ctx, s)
	})
	if err != nil && ctx.Err() == nil {
		return fail("Listener failed", err, nil)
	}

	st := o.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Server stopped. Processed %d frames (%d dropped, %d detections).\n", st.Processed, st.Dropped, st.Detections)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
