package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/posewire/internal/capture"
	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/orchestrator"
	"github.com/andresmejia3/posewire/internal/pipeline"
	"github.com/andresmejia3/posewire/internal/results"
	"github.com/andresmejia3/posewire/internal/utils"
	"github.com/andresmejia3/posewire/internal/wire"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	inferOpts  Options
	noPrefetch bool
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run pose estimation over an image directory or a single image",
	Long: `Reads every PNG/JPEG in --input in name order, runs the pose worker and
writes results.json (keyed by the id in <prefix>_<id>.<ext>) plus
<name>_predicted.png for each image into --output.

When --input is a single image it is read again every --interval, so another
program can keep overwriting it (e.g. with webcam snapshots). --limit then
counts passes; 0 runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyConfig(cmd.Flags(), &inferOpts, cfg)
		inferOpts.Prefetch = !noPrefetch
		if !cmd.Flags().Changed("no-prefetch") && cfg != nil {
			inferOpts.Prefetch = cfg.Prefetch
		}
		return runInfer(cmd.Context(), inferOpts)
	},
}

func init() {
	fs := inferCmd.Flags()
	fs.StringVarP(&inferOpts.InputPath, "input", "i", "", "Directory of images, or one image to re-read")
	fs.StringVarP(&inferOpts.OutputDir, "output", "o", "output", "Directory for results.json and predicted images")
	fs.BoolVar(&noPrefetch, "no-prefetch", false, "Load and decode images synchronously instead of one ahead")
	fs.StringVarP(&inferOpts.Encoding, "encoding", "e", "png", "Annotated image encoding: png or jpeg")
	fs.StringVarP(&inferOpts.WorkerScript, "worker", "w", "", "Python pose worker script (no detections when empty)")
	fs.DurationVar(&inferOpts.WorkerTimeout, "worker-timeout", defaultWorkerTimeout, "Maximum time one image may spend in the pose worker")
	fs.StringVar(&inferOpts.RedisAddr, "redis", "", "Redis address or URL for publishing detections (disabled when empty)")
	fs.IntVarP(&inferOpts.Limit, "limit", "n", 0, "Stop after this many images, or passes over a single image (0 = all)")
	fs.DurationVar(&inferOpts.Interval, "interval", time.Second, "Pause between passes over a single image")
	inferCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(inferCmd)
}

func validateInferFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		return err
	}
	if !info.IsDir() && !capture.IsImage(opts.InputPath) {
		return fmt.Errorf("input %s is neither a directory nor a PNG/JPEG image", opts.InputPath)
	}
	if opts.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", opts.Interval)
	}
	if opts.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", opts.Limit)
	}
	if err := validateEncoding(opts.Encoding); err != nil {
		return err
	}
	return validateWorker(opts)
}

// imageInputs numbers directory images as orchestrator inputs.
type imageInputs struct {
	src capture.Source
}

func (d imageInputs) Next(ctx context.Context) (orchestrator.Input, error) {
	t, err := d.src.Next(ctx)
	if err != nil {
		return orchestrator.Input{}, err
	}
	return orchestrator.Input{Index: uint64(t.Index), Name: t.Name, Frame: wire.Frame{Payload: t.Data}}, nil
}

func (d imageInputs) Close() error { return d.src.Close() }

// drain infers every input the pipeline yields. Dropped frames only advance
// the bar.
func drain(ctx context.Context, p *pipeline.Pipeline[orchestrator.Input], o *orchestrator.Orchestrator, bar *progressbar.ProgressBar,
	record func(context.Context, orchestrator.Input, orchestrator.Result) error) error {
	for {
		in, ok, err := p.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		res, err := o.Infer(ctx, in)
		if orchestrator.Dropped(err) {
			bar.Add(1)
			continue
		}
		if err != nil {
			return err
		}
		if err := record(ctx, in, res); err != nil {
			return fmt.Errorf("record %s: %w", in.Name, err)
		}
		bar.Add(1)
	}
}

// watch runs pass repeatedly, resetting the pipeline in between so its source
// is opened again. passes <= 0 repeats until ctx is done, which is a normal
// end.
func watch(ctx context.Context, p interface{ Reset(context.Context) error }, passes int, interval time.Duration, pass func(context.Context) error) error {
	for n := 1; ; n++ {
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if passes > 0 && n >= passes {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if err := p.Reset(ctx); err != nil {
			return err
		}
	}
}

func runInfer(ctx context.Context, opts Options) error {
	if err := validateInferFlags(&opts); err != nil {
		return fail("Configuration Error", err, nil)
	}
	log := logger.Named("infer")

	single := capture.IsImage(opts.InputPath)
	if info, err := os.Stat(opts.InputPath); err == nil && info.IsDir() {
		single = false
	}

	var open pipeline.OpenFunc[orchestrator.Input]
	total := capped(-1, opts.Limit)
	if single {
		pass := 0
		open = func(context.Context) (pipeline.Source[orchestrator.Input], error) {
			src := &capture.FileSource{Path: opts.InputPath, Index: pass}
			pass++
			return imageInputs{src: src}, nil
		}
	} else {
		ds, err := capture.NewDirSource(opts.InputPath)
		if err != nil {
			return fail("Failed to read input directory", err, nil)
		}
		total = capped(ds.Len(), opts.Limit)
		if total == 0 {
			fmt.Fprintf(os.Stderr, "No images found in %s\n", opts.InputPath)
			return nil
		}
		open = func(context.Context) (pipeline.Source[orchestrator.Input], error) {
			ds, err := capture.NewDirSource(opts.InputPath)
			if err != nil {
				return nil, err
			}
			return imageInputs{src: capture.Limit(ds, opts.Limit)}, nil
		}
	}

	model, closeModel, err := newModel(opts, log)
	if err != nil {
		return fail("Pose worker startup failed", err, nil)
	}
	defer closeModel()

	sinks, err := openSinks(ctx, opts, &results.ImageDir{Dir: opts.OutputDir, Name: results.PredictedName})
	if err != nil {
		return fail("Failed to open result sinks", err, nil)
	}

	runID := uuid.NewString()
	source := "dir:" + filepath.Clean(opts.InputPath)
	if single {
		source = "file:" + filepath.Clean(opts.InputPath)
	}
	if DB != nil {
		if err := DB.BeginSession(ctx, runID, source, "offline"); err != nil {
			return fail("Failed to register run", err, nil)
		}
	}
	if single {
		fmt.Fprintf(os.Stderr, "🗂️  Run %s: re-reading %s every %s\n", shortID(runID), opts.InputPath, opts.Interval)
	} else {
		fmt.Fprintf(os.Stderr, "🗂️  Run %s: %d images from %s\n", shortID(runID), total, opts.InputPath)
	}

	o := orchestrator.New(model, orchestrator.Options{Encoding: opts.Encoding, Logger: log})
	p := pipeline.New[orchestrator.Input](open, o.Prepare, pipeline.Options{Overlap: opts.Prefetch, Logger: log})
	defer p.Close()

	record := func(ctx context.Context, in orchestrator.Input, res orchestrator.Result) error {
		return sinks.Record(ctx, results.Entry{
			SessionID:  runID,
			ImageID:    utils.ImageID(in.Name),
			Index:      int(in.Index),
			Name:       in.Name,
			Detections: res.Detections,
			Annotated:  res.Annotated,
		})
	}

	bar := newBar(total, "🧍 Estimating poses")
	var runErr error
	if single {
		runErr = watch(ctx, p, opts.Limit, opts.Interval, func(ctx context.Context) error {
			return drain(ctx, p, o, bar, record)
		})
	} else {
		runErr = drain(ctx, p, o, bar, record)
	}
	bar.Finish()

	st := o.Stats()
	if DB != nil {
		// Background: the run is recorded even after Ctrl+C.
		if err := DB.EndSession(context.Background(), runID, st.Processed+st.Dropped, st.Processed, runErr); err != nil {
			log.Warn().Err(err).Msg("failed to close run record")
		}
	}
	if err := sinks.Close(context.Background()); err != nil && runErr == nil {
		runErr = fmt.Errorf("flush results: %w", err)
	}
	if runErr != nil {
		return fail("Inference failed", runErr, nil)
	}

	ps := p.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Inference complete. %d images, %d dropped, %d detections (%s waiting on image loading, %d re-reads).\n",
		st.Processed, st.Dropped, st.Detections, ps.Waiting.Round(time.Millisecond), ps.Resets)
	fmt.Fprintf(os.Stderr, "📄 Results written to %s\n", filepath.Join(opts.OutputDir, "results.json"))
	return nil
}
