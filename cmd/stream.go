package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/andresmejia3/posewire/internal/capture"
	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/pipeline"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/andresmejia3/posewire/internal/session"
	"github.com/andresmejia3/posewire/internal/types"
	"github.com/andresmejia3/posewire/internal/utils"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var streamOpts Options

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Send frames from a camera, video or image directory and save the replies",
	Long: `Connects to a posewire server and sends every frame of --input. Each reply
is written to --output as <n>.png; empty replies mark frames the server dropped.

By default one frame is in flight at a time. --pipelined sends and receives
concurrently (stream mode only). --video encodes the saved replies into a
video with ffmpeg once the stream ends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd.Flags(), &streamOpts, cfg)
		return runStream(cmd.Context(), streamOpts)
	},
}

func init() {
	fs := streamCmd.Flags()
	fs.StringVarP(&streamOpts.ConnectAddr, "connect", "c", "localhost:9999", "Server address")
	addTransportFlags(fs, &streamOpts, "stream")
	fs.StringVarP(&streamOpts.InputPath, "input", "i", "", "Image directory, video file or camera device (/dev/video0, video=<name>)")
	fs.IntVar(&streamOpts.FPS, "fps", 0, "Capture rate for videos and cameras (0 = source rate)")
	fs.IntVarP(&streamOpts.Limit, "limit", "n", 0, "Stop after this many frames (0 = all)")
	fs.StringVarP(&streamOpts.OutputDir, "output", "o", "received", "Directory for the returned frames")
	fs.BoolVar(&streamOpts.Pipelined, "pipelined", false, "Send and receive concurrently instead of one frame at a time")
	fs.BoolVar(&streamOpts.ReceiveOnly, "receive-only", false, "Do not send; save every frame the server pushes until it closes")
	fs.StringVar(&streamOpts.VideoPath, "video", "", "Encode the saved replies into this video file (e.g. out.mp4) at --fps (default 30)")
	rootCmd.AddCommand(streamCmd)
}

func validateStreamFlags(opts *Options) error {
	if opts.ConnectAddr == "" {
		return fmt.Errorf("connect address must not be empty")
	}
	if err := validateTransport(opts); err != nil {
		return err
	}
	if opts.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", opts.Limit)
	}
	if opts.FPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %d", opts.FPS)
	}
	if opts.Pipelined && opts.Mode == "ack" {
		return fmt.Errorf("--pipelined needs stream mode: ack mode paces one frame at a time")
	}
	if opts.ReceiveOnly {
		return nil
	}
	if opts.InputPath == "" {
		return fmt.Errorf("--input is required unless --receive-only is set")
	}
	if utils.IsDevice(opts.InputPath) && !isLocalPath(opts.InputPath) {
		return nil
	}
	if _, err := os.Stat(opts.InputPath); err != nil {
		return err
	}
	return nil
}

// isLocalPath is false for dshow device names, which never exist on disk.
func isLocalPath(p string) bool { return p[0] == '/' || p[0] == '.' }

// openCapture picks the frame source for input and estimates its length for
// the progress bar (-1 when unknown).
func openCapture(opts Options) (capture.Source, int, error) {
	if info, err := os.Stat(opts.InputPath); err == nil && info.IsDir() {
		ds, err := capture.NewDirSource(opts.InputPath)
		if err != nil {
			return nil, 0, err
		}
		return capture.Limit(ds, opts.Limit), capped(ds.Len(), opts.Limit), nil
	}

	total := -1
	if !utils.IsDevice(opts.InputPath) {
		if n := utils.GetTotalFrames(opts.InputPath); n > 0 {
			total = n
		}
	}
	src, err := capture.NewFFmpegSource(opts.InputPath, opts.FPS, opts.Limit)
	if err != nil {
		return nil, 0, err
	}
	return src, capped(total, opts.Limit), nil
}

func capped(total, limit int) int {
	if limit > 0 && (total < 0 || total > limit) {
		return limit
	}
	return total
}

func newBar(total int, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
}

func runStream(ctx context.Context, opts Options) error {
	if err := validateStreamFlags(&opts); err != nil {
		return fail("Configuration Error", err, nil)
	}
	log := logger.Named("stream")

	sessOpts, err := sessionOptions(opts, log)
	if err != nil {
		return fail("Configuration Error", err, nil)
	}
	s, err := session.Dial(ctx, opts.ConnectAddr, sessOpts)
	if err != nil {
		return fail("Failed to connect", err, nil)
	}
	defer s.Close()
	fmt.Fprintf(os.Stderr, "🔌 Connected to %s (%s mode)\n", s.RemoteAddr(), s.Variant())

	out := &results.ImageDir{Dir: opts.OutputDir}

	if opts.ReceiveOnly {
		n, err := receiveAll(ctx, s, out, newBar(-1, "📥 Receiving"))
		if err != nil {
			return fail("Receive failed", err, nil)
		}
		fmt.Fprintf(os.Stderr, "\n🏁 Received %d frames into %s\n", n, opts.OutputDir)
		return buildVideo(ctx, opts)
	}

	var ffmpeg *utils.SafeCommand
	src, total, err := openCapture(opts)
	if err != nil {
		return fail("Failed to open input", err, nil)
	}
	if fs, ok := src.(*capture.FFmpegSource); ok {
		ffmpeg = fs.Cmd()
	}

	// The capture source is read one frame ahead while the current frame is
	// on the wire.
	frames := pipeline.New[types.FrameTask](func(context.Context) (pipeline.Source[types.FrameTask], error) {
		return src, nil
	}, nil, pipeline.Options{Overlap: true, Logger: log})
	defer frames.Close()

	bar := newBar(total, "📤 Streaming")
	var sent, received, dropped atomic.Int64

	save := func(ctx context.Context, index int, f wire.Frame) error {
		received.Add(1)
		defer bar.Add(1)
		if f.Length() == 0 {
			dropped.Add(1)
			log.Warn().Int("frame", index).Msg("server dropped frame")
			return nil
		}
		return out.Record(ctx, results.Entry{Index: index, Annotated: f.Payload})
	}

	if opts.Pipelined {
		err = streamPipelined(ctx, s, frames, &sent, save)
	} else {
		err = streamSync(ctx, s, frames, &sent, save)
	}
	bar.Finish()
	if err != nil {
		return fail("Streaming failed", err, ffmpeg)
	}

	st := s.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Sent %d frames (%d bytes), received %d replies (%d dropped).\n",
		sent.Load(), st.BytesOut, received.Load(), dropped.Load())
	return buildVideo(ctx, opts)
}

// buildVideo encodes the frames saved in the output directory when --video
// is set.
func buildVideo(ctx context.Context, opts Options) error {
	if opts.VideoPath == "" {
		return nil
	}
	frames, err := results.ListFrames(opts.OutputDir)
	if err != nil {
		return fail("Failed to list saved frames", err, nil)
	}
	if len(frames) == 0 {
		fmt.Fprintf(os.Stderr, "No frames in %s, skipping video\n", opts.OutputDir)
		return nil
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = results.DefaultVideoFPS
	}
	enc := utils.NewFFmpegEncodeCmd(opts.VideoPath, fps)
	if err := results.WriteVideo(ctx, enc, frames); err != nil {
		return fail("Video encoding failed", err, enc)
	}
	fmt.Fprintf(os.Stderr, "🎞️  Video saved in %s (%d frames at %d fps)\n", opts.VideoPath, len(frames), fps)
	return nil
}

type saveFunc func(ctx context.Context, index int, f wire.Frame) error

// streamSync keeps exactly one frame in flight.
func streamSync(ctx context.Context, s *session.Session, frames *pipeline.Pipeline[types.FrameTask], sent *atomic.Int64, save saveFunc) error {
	for {
		task, ok, err := frames.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := s.SendFrame(ctx, task.Data); err != nil {
			return err
		}
		sent.Add(1)
		reply, err := s.ReceiveFrame(ctx)
		if err != nil {
			return fmt.Errorf("reply to frame %d: %w", task.Index, err)
		}
		if err := save(ctx, task.Index, reply); err != nil {
			return err
		}
	}
	if err := s.CloseWrite(); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}

// streamPipelined sends every frame, half-closes, and receives replies until
// the server closes.
func streamPipelined(ctx context.Context, s *session.Session, frames *pipeline.Pipeline[types.FrameTask], sent *atomic.Int64, save saveFunc) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			task, ok, err := frames.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return s.CloseWrite()
			}
			if err := s.SendFrame(ctx, task.Data); err != nil {
				return err
			}
			sent.Add(1)
		}
	})

	g.Go(func() error {
		for i := 0; ; i++ {
			reply, err := s.ReceiveFrame(ctx)
			if errors.Is(err, wire.ErrClosed) {
				if n := sent.Load(); int64(i) < n {
					return fmt.Errorf("%w: %d replies for %d frames", wire.ErrTruncatedStream, i, n)
				}
				return nil
			}
			if err != nil {
				return err
			}
			if err := save(ctx, i, reply); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

// receiveAll saves frames until the peer closes cleanly.
func receiveAll(ctx context.Context, s *session.Session, out *results.ImageDir, bar *progressbar.ProgressBar) (int, error) {
	defer bar.Finish()
	for n := 0; ; n++ {
		f, err := s.ReceiveFrame(ctx)
		if errors.Is(err, wire.ErrClosed) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := out.Record(ctx, results.Entry{Index: n, Annotated: f.Payload}); err != nil {
			return n, err
		}
		bar.Add(1)
	}
}
