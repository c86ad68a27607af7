// Command tierfs runs the tierfs master and inspects its on-disk state.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/tierfs/compressors"
	"github.com/INLOpen/tierfs/config"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/master"
	"github.com/INLOpen/tierfs/recovery"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "tierfs",
		Short:         "tierfs master metadata journal and lineage recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Master directory, overrides master.data_dir")

	cmd.AddCommand(
		newServeCmd(flags),
		newJournalCmd(flags),
		newCheckpointCmd(flags),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies command line overrides.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dataDir != "" {
		cfg.Master.DataDir = f.dataDir
	}
	if cfg.Master.DataDir == "" {
		return nil, fmt.Errorf("master data_dir must be specified in the configuration file")
	}
	return cfg, nil
}

// toolLogger is the logger of the inspection commands: warnings only, on
// stderr.
func toolLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// masterOptions translates the configuration into master options.
func masterOptions(cfg *config.Config, logger *slog.Logger) (master.Options, error) {
	compressor, err := compressors.ForName(cfg.Checkpoint.Compression)
	if err != nil {
		return master.Options{}, fmt.Errorf("invalid checkpoint compression: %w", err)
	}
	tiers := make([]core.TierID, 0, len(cfg.Cluster.DurableTiers))
	for _, t := range cfg.Cluster.DurableTiers {
		tiers = append(tiers, core.TierID(t))
	}

	return master.Options{
		Dir:                   cfg.Master.DataDir,
		LockTimeout:           config.ParseDuration(cfg.Master.LockTimeout, 5*time.Second, logger),
		BestEffortCheckpoint:  cfg.Checkpoint.BestEffortLoad,
		JournalMaxSegmentSize: cfg.Journal.MaxSegmentSizeBytes,
		CheckpointCompressor:  compressor,
		CheckpointRetain:      cfg.Checkpoint.Retain,
		CheckpointInterval:    config.ParseDuration(cfg.Checkpoint.Interval, 300*time.Second, logger),
		CheckpointTailBytes:   cfg.Checkpoint.TailBytes,
		PruneJournal:          cfg.Checkpoint.PruneJournal,
		HeartbeatTimeout:      config.ParseDuration(cfg.Cluster.HeartbeatTimeout, 10*time.Second, logger),
		LossGracePeriod:       config.ParseDuration(cfg.Cluster.LossGracePeriod, 30*time.Second, logger),
		DurableTiers:          tiers,
		LossCheckInterval:     config.ParseDuration(cfg.Cluster.LossCheckInterval, time.Second, logger),
		StartupGrace:          config.ParseDuration(cfg.Master.StartupGrace, 30*time.Second, logger),
		Recovery: recovery.Options{
			MaxParallel:    cfg.Recovery.MaxParallel,
			MaxAttempts:    cfg.Recovery.MaxAttempts,
			JobTimeout:     config.ParseDuration(cfg.Recovery.JobTimeout, 5*time.Minute, logger),
			ClosureTimeout: config.ParseDuration(cfg.Recovery.ClosureTimeout, 30*time.Minute, logger),
			InitialBackoff: config.ParseDuration(cfg.Recovery.InitialBackoff, 100*time.Millisecond, logger),
			MaxBackoff:     config.ParseDuration(cfg.Recovery.MaxBackoff, 10*time.Second, logger),
		},
		Logger: logger,
	}, nil
}
