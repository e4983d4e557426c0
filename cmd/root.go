package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/posewire/internal/config"
	"github.com/andresmejia3/posewire/internal/logger"
	"github.com/andresmejia3/posewire/internal/store"
	"github.com/andresmejia3/posewire/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Options holds shared configuration for the serve, stream, collect and infer commands
type Options struct {
	ListenAddr   string
	ConnectAddr  string
	Mode         string
	ByteOrder    string
	MaxPayloadMB int
	Prefetch     bool
	Encoding     string
	OutputDir    string
	RedisAddr    string

	WorkerScript  string
	WorkerTimeout time.Duration

	InputPath   string
	FPS         int
	Interval    time.Duration
	Limit       int
	MaxSessions int
	Pipelined   bool
	ReceiveOnly bool
	VideoPath   string
}

var (
	// DB is the global database connection shared by subcommands. It stays
	// nil when no database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL   string
	envFile string
	cfg     *config.Config
)

// Version is the application version.
const Version = "0.1.0"

// needsDB marks commands that cannot run without PostgreSQL.
const needsDB = "needs-db"

var rootCmd = &cobra.Command{
	Use:           "posewire",
	Short:         "Frame streaming transport for remote pose estimation",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load(envFile)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

		if dbURL == "" {
			dbURL = cfg.DatabaseURL
		}
		if dbURL == "" {
			if cmd.Annotations[needsDB] != "" {
				return fmt.Errorf("%s needs a database: set --db or POSEWIRE_DATABASE_URL", cmd.Name())
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var shown reportedError
		if !errors.As(err, &shown) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// reportedError has already been printed by utils.ShowError.
type reportedError struct{ error }

func (r reportedError) Unwrap() error { return r.error }

// fail prints the error box and returns err so cobra sets the exit code.
func fail(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	if err == nil {
		err = errors.New(context)
	}
	return reportedError{err}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $POSEWIRE_DATABASE_URL, disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file with POSEWIRE_* settings")
}

// addTransportFlags registers the flags shared by every command that opens a session.
func addTransportFlags(fs *pflag.FlagSet, opts *Options, defaultMode string) {
	fs.StringVarP(&opts.Mode, "mode", "m", defaultMode, "Protocol variant: stream (length+payload) or ack (SZE/IMG handshake)")
	fs.StringVar(&opts.ByteOrder, "byte-order", "little", "Byte order of the 8-byte length prefix: little or big")
	fs.IntVar(&opts.MaxPayloadMB, "max-payload-mb", 64, "Reject messages announcing more than this many megabytes")
}

// applyConfig fills flags the user did not set from POSEWIRE_* variables
// (or the dotenv file). Precedence: flag, environment, command default.
func applyConfig(fs *pflag.FlagSet, opts *Options, c *config.Config) {
	if c == nil {
		return
	}
	set := func(name, key string, apply func()) {
		f := fs.Lookup(name)
		if f == nil || f.Changed || os.Getenv(config.EnvPrefix+key) == "" {
			return
		}
		apply()
	}
	set("listen", "LISTEN_ADDR", func() { opts.ListenAddr = c.ListenAddr })
	set("connect", "CONNECT_ADDR", func() { opts.ConnectAddr = c.ConnectAddr })
	set("mode", "MODE", func() { opts.Mode = c.Mode })
	set("byte-order", "BYTE_ORDER", func() { opts.ByteOrder = c.ByteOrder })
	set("max-payload-mb", "MAX_PAYLOAD_MB", func() { opts.MaxPayloadMB = c.MaxPayloadMB })
	set("prefetch", "PREFETCH", func() { opts.Prefetch = c.Prefetch })
	set("encoding", "ENCODING", func() { opts.Encoding = c.Encoding })
	set("output", "OUTPUT_DIR", func() { opts.OutputDir = c.OutputDir })
	set("redis", "REDIS_ADDR", func() { opts.RedisAddr = c.RedisAddr })
	set("worker", "WORKER_SCRIPT", func() { opts.WorkerScript = c.WorkerScript })
	set("worker-timeout", "WORKER_TIMEOUT", func() { opts.WorkerTimeout = c.WorkerTimeout })
}
