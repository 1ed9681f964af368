package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/erazemk/popis/internal/config"
	"github.com/erazemk/popis/internal/db"
)

// levelRouter is a slog.Handler that routes INFO/WARN to stdout and ERROR+ to stderr.
type levelRouter struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (lr *levelRouter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (lr *levelRouter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return lr.stderr.Handle(ctx, r)
	}
	return lr.stdout.Handle(ctx, r)
}

func (lr *levelRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRouter{
		stdout: lr.stdout.WithAttrs(attrs),
		stderr: lr.stderr.WithAttrs(attrs),
	}
}

func (lr *levelRouter) WithGroup(name string) slog.Handler {
	return &levelRouter{
		stdout: lr.stdout.WithGroup(name),
		stderr: lr.stderr.WithGroup(name),
	}
}

// setupLogger configures structured logging. INFO/WARN go to stdout, ERROR goes
// to stderr. If a log path is set, all levels are also written to that file,
// rotated by size.
func setupLogger(lc config.LogConfig) io.Closer {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	stdoutW := io.Writer(os.Stdout)
	stderrW := io.Writer(os.Stderr)

	var file *lumberjack.Logger
	if lc.Path != "" {
		file = &lumberjack.Logger{
			Filename:   lc.Path,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		}
		stdoutW = io.MultiWriter(os.Stdout, file)
		stderrW = io.MultiWriter(os.Stderr, file)
	}

	handler := &levelRouter{
		stdout: slog.NewTextHandler(stdoutW, opts),
		stderr: slog.NewTextHandler(stderrW, opts),
	}
	slog.SetDefault(slog.New(handler))
	if file == nil {
		return nil
	}
	return file
}

var (
	configPath string
	logPath    string
	cfg        *config.Config
	logFile    io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "popis",
	Short:         "Offline-first field audit sync server and device client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logPath != "" {
			c.Log.Path = logPath
		}
		cfg = c
		logFile = setupLogger(cfg.Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "popis.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVarP(&logPath, "log", "l", "", "log file path (default: stdout/stderr only)")
}

// openDatabase opens the server database named by the configuration and
// makes sure its schema exists.
func openDatabase(dc config.DatabaseConfig) (*db.DB, error) {
	var (
		database *db.DB
		err      error
	)
	switch dc.Driver {
	case db.DriverPostgres:
		database, err = db.OpenPostgres(dc.Postgres.DSN())
	default:
		database, err = db.Open(dc.SQLite.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(database); err != nil {
		database.Close()
		return nil, err
	}
	slog.Info("database ready", "driver", database.Driver())
	return database, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
