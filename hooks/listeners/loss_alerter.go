package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/tierfs/hooks"
)

// LossAlerterListener logs a warning when blocks are lost and an error when
// a file cannot be rebuilt from lineage. Register it for EventOnBlocksLost
// and EventOnUnrecoverableDataLoss.
type LossAlerterListener struct {
	logger *slog.Logger
	// maxListed bounds how many block ids are written into one log line.
	maxListed int
}

// NewLossAlerterListener creates a new listener for monitoring data loss.
func NewLossAlerterListener(logger *slog.Logger) *LossAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LossAlerterListener{
		logger:    logger.With("component", "LossAlerterListener"),
		maxListed: 16,
	}
}

// OnEvent handles the loss events.
func (l *LossAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventOnBlocksLost:
		payload, ok := event.Payload().(hooks.BlocksLostPayload)
		if !ok {
			l.logger.Error("Received OnBlocksLost event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		listed := payload.Blocks
		if len(listed) > l.maxListed {
			listed = listed[:l.maxListed]
		}
		l.logger.Warn("Blocks lost from worker storage",
			"lost_blocks", len(payload.Blocks),
			"affected_files", len(payload.Files),
			"dead_workers", fmt.Sprint(payload.DeadWorkers),
			"blocks", fmt.Sprint(listed),
		)
	case hooks.EventOnUnrecoverableDataLoss:
		payload, ok := event.Payload().(hooks.UnrecoverableDataLossPayload)
		if !ok {
			l.logger.Error("Received OnUnrecoverableDataLoss event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		l.logger.Error("Unrecoverable data loss",
			"file_id", uint64(payload.File),
			"missing_lineage_for", uint64(payload.Missing),
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *LossAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *LossAlerterListener) IsAsync() bool { return true }
