package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	gosync "sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/notifier"
	"github.com/openmined/dirsync/internal/sync"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
)

const (
	// extra time on top of the drain timeout for closing sessions
	shutdownGrace      = 5 * time.Second
	notifierCloseAfter = 2 * time.Second
)

// stdout level; lowered by --verbose
var logLevel = new(slog.LevelVar)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dirsync",
		Short:   "Mirror a local directory to an FTP, SFTP or SCP server",
		Version: version.Detailed(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logLevel.Set(slog.LevelDebug)
			}
		},
		RunE: runWatch,
	}

	cmd.PersistentFlags().SortFlags = false
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default ~/.dirsync/config.{yaml,json})")
	cmd.PersistentFlags().String("env-file", "", "env file to load (default ./.env)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stdout")
	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(newTestCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// runWatch syncs until interrupted. SIGHUP re-reads the configuration and restarts the engine.
func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// all good now, show header
	cmd.SilenceUsage = true
	showHeader(cmd.OutOrStdout(), cfg)

	hub := newNotifier(cfg)
	defer closeNotifier(hub)

	ctx := cmd.Context()
	manager := sync.NewManager(cfg, sync.NewEngineFactory(hub))
	if err := manager.Start(ctx); err != nil {
		return err
	}

	reload := make(chan os.Signal, 1)
	if sigs := reloadSignals(); len(sigs) > 0 {
		signal.Notify(reload, sigs...)
		defer signal.Stop(reload)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			timeout := manager.Config().DrainTimeout + shutdownGrace
			stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := manager.Stop(stopCtx)
			slog.Info("Bye!")
			return err

		case <-reload:
			slog.Info("reloading configuration")
			next, err := loadConfig(cmd)
			if err != nil {
				slog.Error("reload rejected", "error", err)
				hub.Error("FileSyncApp Error", "Reload failed: "+err.Error())
				continue
			}
			if err := manager.Reload(ctx, next); err != nil {
				slog.Error("reload failed", "error", err)
				continue
			}
			showHeader(cmd.OutOrStdout(), manager.Config())
		}
	}
}

func newNotifier(cfg *config.Config) *notifier.Hub {
	sinks := []notifier.Sink{notifier.LogSink{}}
	if cfg.DesktopNotifications {
		sinks = append(sinks, notifier.NewDesktopSink())
	}
	return notifier.NewHub(sinks...)
}

func closeNotifier(hub *notifier.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), notifierCloseAfter)
	defer cancel()
	hub.Close(ctx)
}

// setupLogging sends logs to stdout and to a fresh log file for this run.
func setupLogging(logFile string, stdout io.Writer, color bool) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	stdoutHandler := tint.NewHandler(stdout, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !color,
	})
	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// time is added by the log interceptor
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return &logFileCloser{interceptor: interceptor, file: file}, nil
}

type logFileCloser struct {
	interceptor *utils.LogInterceptor
	file        *os.File
	once        gosync.Once
}

// Close flushes the interceptor and closes the file. Safe to call twice.
func (c *logFileCloser) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.interceptor.Close(), c.file.Close())
	})
	return err
}

func main() {
	logFile := config.DefaultLogFile
	if env := os.Getenv("DIRSYNC_LOG_FILE"); env != "" {
		logFile = env
	}

	closer, err := setupLogging(logFile, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		closer.Close()
		os.Exit(1)
	}
}
