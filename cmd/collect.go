package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/posewire/internal/imaging"
	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/andresmejia3/posewire/internal/session"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/spf13/cobra"
)

var collectOpts Options

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Receive frames, crop them to 640x480 and save them to disk",
	Long: `Runs a receive-only listener, by default in ack mode. Every frame is
center-cropped to 640x480 and written to --output as <n>.png, whatever the
input encoding. Numbering continues across sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd.Flags(), &collectOpts, cfg)
		return runCollect(cmd.Context(), collectOpts)
	},
}

func init() {
	fs := collectCmd.Flags()
	fs.StringVarP(&collectOpts.ListenAddr, "listen", "l", ":9999", "Address to listen on")
	addTransportFlags(fs, &collectOpts, "ack")
	fs.StringVarP(&collectOpts.OutputDir, "output", "o", "tmp", "Directory for the cropped frames")
	fs.IntVar(&collectOpts.MaxSessions, "max-sessions", 0, "Exit after this many client sessions (0 = run until interrupted)")
	rootCmd.AddCommand(collectCmd)
}

func validateCollectFlags(opts *Options) error {
	if opts.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if opts.OutputDir == "" {
		return fmt.Errorf("output directory must not be empty")
	}
	if opts.MaxSessions < 0 {
		return fmt.Errorf("max sessions must be >= 0, got %d", opts.MaxSessions)
	}
	return validateTransport(opts)
}

// collector numbers frames across sessions. Sessions run one at a time, so
// the counters need no locking.
type collector struct {
	out     *results.ImageDir
	limits  imaging.Limits
	log     *logger.Logger
	saved   int
	dropped int
}

func newCollector(dir string, log *logger.Logger) *collector {
	return &collector{
		out:    &results.ImageDir{Dir: dir, Name: func(e results.Entry) string { return e.Name }},
		limits: imaging.DefaultLimits,
		log:    log,
	}
}

func (c *collector) handle(ctx context.Context, s *session.Session) error {
	for {
		f, err := s.ReceiveFrame(ctx)
		if err != nil {
			return err
		}
		if err := c.save(ctx, f); err != nil {
			var de *imageError
			if errors.As(err, &de) {
				c.dropped++
				c.log.Warn().Err(err).Str("session", s.ID).Uint64("bytes", f.Length()).Msg("dropping frame")
				continue
			}
			return err
		}
	}
}

// imageError marks a payload that is not a usable image.
type imageError struct{ err error }

func (e *imageError) Error() string { return e.err.Error() }
func (e *imageError) Unwrap() error { return e.err }

func (c *collector) save(ctx context.Context, f wire.Frame) error {
	cropped, err := imaging.CropPayload(f.Payload, c.limits, "png")
	if err != nil {
		return &imageError{err}
	}
	e := results.Entry{Index: c.saved, Name: fmt.Sprintf("%d.png", c.saved), Annotated: cropped}
	if err := c.out.Record(ctx, e); err != nil {
		return err
	}
	c.saved++
	return nil
}

func runCollect(ctx context.Context, opts Options) error {
	if err := validateCollectFlags(&opts); err != nil {
		return fail("Configuration Error", err, nil)
	}
	log := logger.Named("collect")

	sessOpts, err := sessionOptions(opts, log)
	if err != nil {
		return fail("Configuration Error", err, nil)
	}
	c := newCollector(opts.OutputDir, log)

	l := session.NewListener(opts.ListenAddr, sessOpts)
	l.MaxSessions = opts.MaxSessions
	l.OnSessionEnd = func(s *session.Session, err error) {
		fmt.Fprintf(os.Stderr, "👋 Client %s disconnected, %d frames saved so far\n", s.RemoteAddr(), c.saved)
	}
	if err := l.Listen(); err != nil {
		return fail("Failed to listen", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📡 Collecting on %s (%s mode) into %s\n", l.BoundAddr(), sessOpts.Variant, opts.OutputDir)

	if err := l.Serve(ctx, c.handle); err != nil && ctx.Err() == nil {
		return fail("Listener failed", err, nil)
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Collector stopped. Saved %d frames (%d dropped).\n", c.saved, c.dropped)
	return nil
}
