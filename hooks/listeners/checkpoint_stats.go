package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/tierfs/hooks"
)

var (
	// The expvars are global, so creating them happens once no matter how
	// many listeners are built.
	checkpointMetricsOnce     sync.Once
	checkpointRawBytes        *expvar.Int
	checkpointCompressedBytes *expvar.Int
	checkpointsWritten        *expvar.Int
	checkpointsFailed         *expvar.Int
)

func initCheckpointMetrics() {
	checkpointMetricsOnce.Do(func() {
		checkpointRawBytes = expvar.NewInt("master_checkpoint_raw_bytes_total")
		checkpointCompressedBytes = expvar.NewInt("master_checkpoint_compressed_bytes_total")
		checkpointsWritten = expvar.NewInt("master_checkpoints_written_total")
		checkpointsFailed = expvar.NewInt("master_checkpoints_failed_total")
		expvar.Publish("master_checkpoint_compression_ratio", expvar.Func(func() interface{} {
			compressed := checkpointCompressedBytes.Value()
			if compressed == 0 {
				return 0.0
			}
			return float64(checkpointRawBytes.Value()) / float64(compressed)
		}))
	})
}

// CheckpointStatsListener accumulates checkpoint sizes and failures into
// expvar counters and publishes the overall compression ratio.
type CheckpointStatsListener struct {
	logger *slog.Logger

	rawBytes        *expvar.Int
	compressedBytes *expvar.Int
	written         *expvar.Int
	failed          *expvar.Int
}

func NewCheckpointStatsListener(logger *slog.Logger) *CheckpointStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initCheckpointMetrics()
	return &CheckpointStatsListener{
		logger:          logger.With("component", "CheckpointStatsListener"),
		rawBytes:        checkpointRawBytes,
		compressedBytes: checkpointCompressedBytes,
		written:         checkpointsWritten,
		failed:          checkpointsFailed,
	}
}

// OnEvent handles PostCheckpoint and OnCheckpointFailed events.
func (l *CheckpointStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch payload := event.Payload().(type) {
	case hooks.CheckpointPayload:
		l.rawBytes.Add(payload.RawBytes)
		l.compressedBytes.Add(payload.CompressedBytes)
		l.written.Add(1)
		l.logger.Info("Checkpoint recorded",
			"seq_num", payload.SeqNum,
			"raw_bytes", payload.RawBytes,
			"compressed_bytes", payload.CompressedBytes,
			"duration", payload.Duration,
		)
	case hooks.CheckpointFailedPayload:
		l.failed.Add(1)
		l.logger.Warn("Checkpoint failed", "seq_num", payload.SeqNum, "error", payload.Error)
	}
	return nil
}

func (l *CheckpointStatsListener) Priority() int { return 100 }

func (l *CheckpointStatsListener) IsAsync() bool { return true }
