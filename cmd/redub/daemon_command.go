package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"redub/internal/jobs"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/store"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Walk pending episodes continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonProcess(cmd, ctx)
		},
	}
}

func runDaemonProcess(cmd *cobra.Command, ctx *commandContext) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("redub-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update redub.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "redub-*.log", Exclude: []string{logPath}},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, "redub.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	lock, err := jobs.Acquire(cfg.Paths.DataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}
	defer st.Close()

	deps := buildDeps(cfg, st, logger)

	if cfg.Workflow.WatchPrompts {
		watcher := prompts.NewWatcher(deps.Prompts, logger)
		if err := watcher.Start(signalCtx); err != nil {
			logger.Warn("prompt watcher start", logging.Error(err))
		}
	}

	queue := jobs.New(deps, logger)
	if err := queue.Start(signalCtx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	defer queue.Stop()

	logger.Info("redub daemon running",
		logging.String("log_file", logPath),
		logging.String("lock_file", lock.Path()),
		logging.Int("workers", cfg.Workflow.Concurrency))

	// Surface misconfigured drivers in the log at boot instead of on the
	// first episode that needs them.
	summary := queue.Status(signalCtx)
	names := make([]string, 0, len(summary.DriverHealth))
	for name := range summary.DriverHealth {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if health := summary.DriverHealth[name]; !health.Ready {
			logger.Warn("driver not ready",
				logging.String("driver", name),
				logging.String("detail", health.Detail))
		}
	}

	<-signalCtx.Done()
	logger.Info("redub daemon shutting down")
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "redub.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	err := os.Link(target, current)
	if err == nil {
		return nil
	}
	return fmt.Errorf("link log pointer: %w", err)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
