package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/compressors"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Source produces the encoded state a checkpoint stores. EncodeState is
// called inside the committer's quiesce window, so the state it sees
// reflects exactly the entries up to the captured sequence number.
type Source interface {
	EncodeState() ([]byte, error)
}

// Log is the part of the journal the manager compacts.
type Log interface {
	Rotate() error
	Prune(uptoSeq uint64) (int, error)
	TailBytes() int64
}

// Options configures the Manager.
type Options struct {
	Dir        string
	Compressor core.Compressor
	// Retain is the number of checkpoints kept on disk.
	Retain int
	// PruneJournal removes journal segments covered by a new checkpoint.
	PruneJournal bool
	// Interval triggers a checkpoint periodically; zero disables it.
	Interval time.Duration
	// TailThresholdBytes triggers a checkpoint once the journal holds more
	// record bytes than this; zero disables it.
	TailThresholdBytes int64
	// TailCheckInterval is how often the tail size is polled.
	TailCheckInterval time.Duration
	Logger            *slog.Logger
	HookManager       hooks.HookManager
	Tracer            trace.Tracer
}

// Manager periodically compacts the journal into checkpoints. A failed
// checkpoint never stops the master: the journal remains the source of
// truth and the next attempt starts from scratch.
type Manager struct {
	opts      Options
	committer journal.Committer
	source    Source
	log       Log
	trigger   chan struct{}

	// mu serializes checkpoints.
	mu      sync.Mutex
	lastSeq uint64

	errMu   sync.Mutex
	lastErr error

	logger      *slog.Logger
	hookManager hooks.HookManager
	tracer      trace.Tracer
}

func NewManager(opts Options, committer journal.Committer, source Source, log Log) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}
	if opts.Retain < 1 {
		opts.Retain = 2
	}
	if opts.TailCheckInterval <= 0 {
		opts.TailCheckInterval = time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("checkpoint")
	}
	m := &Manager{
		opts:        opts,
		committer:   committer,
		source:      source,
		log:         log,
		trigger:     make(chan struct{}, 1),
		logger:      opts.Logger.With("component", "CheckpointManager"),
		hookManager: opts.HookManager,
		tracer:      opts.Tracer,
	}
	if seqs, err := List(opts.Dir); err == nil && len(seqs) > 0 {
		m.lastSeq = seqs[len(seqs)-1]
	}
	return m
}

// LastError returns the error of the most recent failed attempt, cleared by
// the next successful one.
func (m *Manager) LastError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// LastSeq returns the sequence number of the newest checkpoint.
func (m *Manager) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

func (m *Manager) setLastErr(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

// Trigger asks Run for a checkpoint without waiting for it.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Checkpoint captures the state, writes it, prunes old checkpoints and, when
// configured, the journal prefix it covers. When nothing was committed since
// the last checkpoint it returns that checkpoint's info without writing.
func (m *Manager) Checkpoint(ctx context.Context) (Info, error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.Checkpoint")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	var (
		seq  uint64
		body []byte
	)
	err := m.committer.Quiesce(func(lastSeq uint64) error {
		seq = lastSeq
		if lastSeq == m.lastSeq {
			return nil
		}
		var err error
		body, err = m.source.EncodeState()
		return err
	})
	if err != nil {
		return Info{}, m.fail(ctx, span, seq, err)
	}
	span.SetAttributes(attribute.Int64("checkpoint.seq_num", int64(seq)))
	if body == nil {
		return Info{SeqNum: seq}, nil
	}

	info, err := Write(m.opts.Dir, seq, body, m.opts.Compressor)
	if err != nil {
		return Info{}, m.fail(ctx, span, seq, err)
	}
	m.lastSeq = seq

	if _, err := Retain(m.opts.Dir, m.opts.Retain); err != nil {
		m.logger.Warn("Failed to remove old checkpoints", "error", err)
	}
	if m.opts.PruneJournal && m.log != nil {
		// Rotating first lets the segment holding seq be pruned.
		if err := m.log.Rotate(); err != nil {
			m.logger.Warn("Failed to rotate journal after checkpoint", "seq_num", seq, "error", err)
		} else if _, err := m.log.Prune(seq); err != nil {
			m.logger.Warn("Failed to prune journal after checkpoint", "seq_num", seq, "error", err)
		}
	}

	duration := time.Since(start)
	m.setLastErr(nil)
	metrics.CheckpointsTotal.WithLabelValues(metrics.ResultOK).Inc()
	metrics.CheckpointDurationSeconds.Observe(duration.Seconds())
	metrics.CheckpointSizeBytes.Set(float64(info.CompressedBytes))
	m.logger.Info("Checkpoint written", "seq_num", seq, "path", info.Path, "raw_bytes", info.RawBytes, "compressed_bytes", info.CompressedBytes, "duration", duration)
	_ = hooks.TriggerIfSet(ctx, m.hookManager, hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{
		SeqNum:          seq,
		Path:            info.Path,
		RawBytes:        info.RawBytes,
		CompressedBytes: info.CompressedBytes,
		Duration:        duration,
	}))
	return info, nil
}

func (m *Manager) fail(ctx context.Context, span trace.Span, seq uint64, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "checkpoint failed")
	m.setLastErr(err)
	metrics.CheckpointsTotal.WithLabelValues(metrics.ResultError).Inc()
	m.logger.Error("Checkpoint failed; the journal remains authoritative", "seq_num", seq, "error", err)
	_ = hooks.TriggerIfSet(ctx, m.hookManager, hooks.NewCheckpointFailedEvent(hooks.CheckpointFailedPayload{SeqNum: seq, Error: err}))
	return err
}

// Run checkpoints on the configured interval, when the journal tail grows
// past the threshold and on Trigger, until ctx is done. Failures are logged
// and retried at the next occasion.
func (m *Manager) Run(ctx context.Context) error {
	var intervalC <-chan time.Time
	if m.opts.Interval > 0 {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		intervalC = ticker.C
	}
	var tailC <-chan time.Time
	if m.opts.TailThresholdBytes > 0 && m.log != nil {
		ticker := time.NewTicker(m.opts.TailCheckInterval)
		defer ticker.Stop()
		tailC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-intervalC:
		case <-m.trigger:
		case <-tailC:
			if m.log.TailBytes() < m.opts.TailThresholdBytes {
				continue
			}
			m.logger.Debug("Journal tail exceeds threshold", "tail_bytes", m.log.TailBytes(), "threshold", m.opts.TailThresholdBytes)
		}
		if _, err := m.Checkpoint(ctx); err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
	}
}

// RemoveTemporaryFiles deletes checkpoint files left half-written by a crash.
func RemoveTemporaryFiles(dir string) error {
	_, err := Retain(dir, int(^uint(0)>>1))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
