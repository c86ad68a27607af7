package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/INLOpen/tierfs/hooks"
)

// ErrLineageRejected is returned by the guard when a submission breaks a rule.
var ErrLineageRejected = errors.New("lineage submission rejected")

// LineageRules bounds what the guard accepts. Zero values disable a check.
type LineageRules struct {
	MaxInputs    int
	MaxOutputs   int
	AllowedKinds []string
	MaxSpecBytes int
}

// LineageGuardListener vetoes PreSubmitLineage events that violate its rules.
// It also drops duplicate input ids so the journal records each input once.
type LineageGuardListener struct {
	logger *slog.Logger
	rules  LineageRules
}

func NewLineageGuardListener(logger *slog.Logger, rules LineageRules) *LineageGuardListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LineageGuardListener{
		logger: logger.With("component", "LineageGuardListener"),
		rules:  rules,
	}
}

func (l *LineageGuardListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreSubmitLineage {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreSubmitLineagePayload)
	if !ok || payload.Inputs == nil || payload.Outputs == nil || payload.Spec == nil {
		l.logger.Error("Received PreSubmitLineage event with incorrect payload", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	inputs := slices.Clone(*payload.Inputs)
	slices.Sort(inputs)
	*payload.Inputs = slices.Compact(inputs)

	if l.rules.MaxInputs > 0 && len(*payload.Inputs) > l.rules.MaxInputs {
		return fmt.Errorf("%w: %d inputs exceeds limit %d", ErrLineageRejected, len(*payload.Inputs), l.rules.MaxInputs)
	}
	if l.rules.MaxOutputs > 0 && len(*payload.Outputs) > l.rules.MaxOutputs {
		return fmt.Errorf("%w: %d outputs exceeds limit %d", ErrLineageRejected, len(*payload.Outputs), l.rules.MaxOutputs)
	}
	if len(l.rules.AllowedKinds) > 0 && !slices.Contains(l.rules.AllowedKinds, payload.Spec.Kind) {
		return fmt.Errorf("%w: job kind %q not allowed", ErrLineageRejected, payload.Spec.Kind)
	}
	if l.rules.MaxSpecBytes > 0 && len(payload.Spec.Data) > l.rules.MaxSpecBytes {
		return fmt.Errorf("%w: spec of %d bytes exceeds limit %d", ErrLineageRejected, len(payload.Spec.Data), l.rules.MaxSpecBytes)
	}
	return nil
}

// Priority runs the guard before other PreSubmitLineage listeners.
func (l *LineageGuardListener) Priority() int { return 10 }

func (l *LineageGuardListener) IsAsync() bool { return false }
