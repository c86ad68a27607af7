package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// BuildFunc validates a mutation against the current state and returns the
// payload to journal. A nil payload with a nil error means there is nothing
// to do.
type BuildFunc func() (Payload, error)

// Committer serializes metadata mutations: a mutation is validated, made
// durable and only then applied to in-memory state.
type Committer interface {
	// Commit runs build, appends its payload and applies the resulting
	// entry, all under the write-ahead lock. It returns the zero Entry when
	// build asked for no change.
	Commit(ctx context.Context, build BuildFunc) (Entry, error)
	// Quiesce runs fn while no mutation can be committed. lastSeq is the
	// sequence number of the last applied entry.
	Quiesce(fn func(lastSeq uint64) error) error
}

// Appender is the part of the Journal used by the committer.
type Appender interface {
	Append(payload Payload) (Entry, error)
	LastSeq() uint64
}

// ApplyFunc applies a durable entry to in-memory state. The same function
// is used during startup replay.
type ApplyFunc func(Entry) error

// SerialCommitter is the write-ahead lock: one mutation at a time goes
// through validate, append, apply.
type SerialCommitter struct {
	mu      sync.Mutex
	journal Appender
	apply   ApplyFunc
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ Committer = (*SerialCommitter)(nil)

func NewSerialCommitter(journal Appender, apply ApplyFunc, logger *slog.Logger, tracer trace.Tracer) *SerialCommitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("journal")
	}
	return &SerialCommitter{
		journal: journal,
		apply:   apply,
		logger:  logger.With("component", "Committer"),
		tracer:  tracer,
	}
}

func (c *SerialCommitter) Commit(ctx context.Context, build BuildFunc) (Entry, error) {
	ctx, span := c.tracer.Start(ctx, "journal.Commit")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	payload, err := build()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, err
	}
	if payload == nil {
		span.SetAttributes(attribute.Bool("journal.noop", true))
		return Entry{}, nil
	}
	span.SetAttributes(attribute.String("journal.entry_type", payload.Type().String()))

	e, err := c.journal.Append(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return Entry{}, err
	}
	span.SetAttributes(attribute.Int64("journal.seq_num", int64(e.SeqNum)))

	if err := c.apply(e); err != nil {
		// The entry is durable; replay will apply it again on restart.
		c.logger.Error("Failed to apply durable journal entry", "seq_num", e.SeqNum, "type", e.Type().String(), "error", err)
		span.RecordError(err)
		return e, fmt.Errorf("apply of durable entry %d failed: %w", e.SeqNum, err)
	}
	return e, nil
}

func (c *SerialCommitter) Quiesce(fn func(lastSeq uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.journal.LastSeq())
}
