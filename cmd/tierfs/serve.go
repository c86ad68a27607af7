package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/INLOpen/tierfs/cluster"
	"github.com/INLOpen/tierfs/config"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/hooks/listeners"
	"github.com/INLOpen/tierfs/master"
	"github.com/INLOpen/tierfs/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// localWorkerID is the id the in-process worker registers with.
const localWorkerID core.WorkerID = 1

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the master until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("Using data directory", "path", cfg.Master.DataDir)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer tracerCleanup()

	opts, err := masterOptions(cfg, logger)
	if err != nil {
		return err
	}
	opts.TracerProvider = tp
	opts.HookManager = newHookManager(cfg, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := master.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to open master: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("Failed to close master", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(gctx) })

	if lw := cfg.Cluster.LocalWorker; lw.Enabled {
		if err := startLocalWorker(gctx, g, m, lw, opts.HeartbeatTimeout); err != nil {
			return err
		}
		logger.Info("Local worker registered", "worker_id", localWorkerID, "tier", lw.Tier)
	}

	if cfg.Debug.Enabled {
		debugSrv := server.NewDebugServer(&cfg.Debug, statusFunc(m), logger)
		g.Go(debugSrv.Start)
		g.Go(func() error {
			<-gctx.Done()
			debugSrv.Stop()
			return nil
		})
	}
	if cfg.SelfMonitoring.Enabled {
		monitor := server.NewSelfMonitor(cfg.Master.DataDir, config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger), logger)
		monitor.Start()
		defer monitor.Stop()
	}

	logger.Info("Master running. Press Ctrl+C to exit.")
	if err := g.Wait(); err != nil {
		logger.Error("Master exited with an error", "error", err)
		return err
	}
	logger.Info("Master exited gracefully.")
	return nil
}

// newHookManager creates the hook manager with the standard listeners.
func newHookManager(cfg *config.Config, logger *slog.Logger) hooks.HookManager {
	hookManager := hooks.NewHookManager(logger.With("component", "HookManager"))

	guard := listeners.NewLineageGuardListener(logger, listeners.LineageRules{
		MaxInputs:    cfg.Lineage.MaxInputs,
		MaxOutputs:   cfg.Lineage.MaxOutputs,
		AllowedKinds: cfg.Lineage.AllowedKinds,
		MaxSpecBytes: cfg.Lineage.MaxSpecBytes,
	})
	lossAlerter := listeners.NewLossAlerterListener(logger)
	checkpointStats := listeners.NewCheckpointStatsListener(logger)

	hookManager.Register(hooks.EventPreSubmitLineage, guard)
	hookManager.Register(hooks.EventOnBlocksLost, lossAlerter)
	hookManager.Register(hooks.EventOnUnrecoverableDataLoss, lossAlerter)
	hookManager.Register(hooks.EventPostCheckpoint, checkpointStats)
	hookManager.Register(hooks.EventCheckpointFailed, checkpointStats)
	logger.Info("Registered lineage guard, loss alerter and checkpoint stats listeners.")
	return hookManager
}

// startLocalWorker registers the in-process worker, makes it the job
// dispatcher and keeps it alive with heartbeats.
func startLocalWorker(ctx context.Context, g *errgroup.Group, m *master.Master, cfg config.LocalWorkerConfig, heartbeatTimeout time.Duration) error {
	if err := m.RegisterWorker(localWorkerID, cfg.Address); err != nil {
		return fmt.Errorf("failed to register local worker: %w", err)
	}
	root, err := filepath.Abs(cfg.FileRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create local worker root %s: %w", root, err)
	}

	execOpts := cluster.CommandExecutorOptions{
		Worker:  localWorkerID,
		Tier:    core.TierID(cfg.Tier),
		WorkDir: root,
	}
	if len(cfg.Capacity) > 0 {
		capacity := make(map[core.TierID]int64, len(cfg.Capacity))
		for tier, n := range cfg.Capacity {
			capacity[core.TierID(tier)] = n
		}
		execOpts.Allocator = cluster.NewCapacityAllocator(capacity)
	}
	m.SetDispatcher(m.NewLocalExecutor(execOpts))

	interval := heartbeatTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := m.Heartbeat(localWorkerID); err == nil {
					continue
				}
				// Declared lost: rejoin with an empty block set.
				if err := m.RegisterWorker(localWorkerID, cfg.Address); err != nil {
					return fmt.Errorf("local worker rejoin: %w", err)
				}
			}
		}
	})
	return nil
}

type masterStatus struct {
	LastSeq            uint64  `json:"last_seq"`
	Files              int     `json:"files"`
	Jobs               int     `json:"jobs"`
	LiveWorkers        int     `json:"live_workers"`
	RecoveryLatencyP50 float64 `json:"recovery_latency_p50_seconds"`
	RecoveryLatencyP99 float64 `json:"recovery_latency_p99_seconds"`
}

func statusFunc(m *master.Master) server.StatusFunc {
	return func() any {
		return masterStatus{
			LastSeq:            m.LastSeq(),
			Files:              len(m.Files()),
			Jobs:               len(m.Jobs()),
			LiveWorkers:        len(m.Workers()),
			RecoveryLatencyP50: m.RecoveryLatency(0.5),
			RecoveryLatencyP99: m.RecoveryLatency(0.99),
		}
	}
}
