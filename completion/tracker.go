// Package completion turns "file written" into "file complete" once every
// block of an asynchronously completed file is durable.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/metrics"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrNotPending is returned by Wait for files the tracker never saw.
var ErrNotPending = errors.New("file has no pending asynchronous completion")

type pendingFile struct {
	blocks    []core.BlockID
	persisted *roaring64.Bitmap
	done      chan struct{}
}

func (p *pendingFile) allPersisted() bool {
	return p.persisted.GetCardinality() == uint64(len(p.blocks))
}

// signal wakes current waiters; later waiters get a fresh channel.
func (p *pendingFile) signal() {
	close(p.done)
	p.done = make(chan struct{})
}

// Tracker is the async completion tracker. Its pending and completed sets
// are rebuilt from the journal; failures are runtime state only.
type Tracker struct {
	mu        sync.Mutex
	pending   map[core.FileID]*pendingFile
	completed *roaring64.Bitmap
	failed    map[core.FileID]error

	committer   journal.Committer
	logger      *slog.Logger
	hookManager hooks.HookManager
}

func NewTracker(committer journal.Committer, logger *slog.Logger, hookManager hooks.HookManager) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		pending:     make(map[core.FileID]*pendingFile),
		completed:   roaring64.New(),
		failed:      make(map[core.FileID]error),
		committer:   committer,
		logger:      logger.With("component", "CompletionTracker"),
		hookManager: hookManager,
	}
}

func (t *Tracker) SetCommitter(c journal.Committer) {
	t.committer = c
}

// Apply applies durable entries. An asynchronous CompleteFile registers a
// pending completion.
func (t *Tracker) Apply(e journal.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p := e.Payload.(type) {
	case journal.CompleteFile:
		if p.Async {
			t.onFileWrittenLocked(p.FileID, p.BlockIDs)
		}

	case journal.BlockPersisted:
		if pf, ok := t.pending[p.BlockID.File()]; ok {
			pf.persisted.Add(uint64(p.BlockID))
		}

	case journal.AsyncCompleteFile:
		pf, ok := t.pending[p.FileID]
		if !ok {
			return fmt.Errorf("async completion of file %d without a pending completion", p.FileID)
		}
		delete(t.pending, p.FileID)
		delete(t.failed, p.FileID)
		t.completed.Add(uint64(p.FileID))
		close(pf.done)
		metrics.PendingCompletions.Set(float64(len(t.pending)))

	case journal.DeleteFile:
		t.completed.Remove(uint64(p.FileID))
		if pf, ok := t.pending[p.FileID]; ok {
			delete(t.pending, p.FileID)
			t.failed[p.FileID] = fmt.Errorf("file %d: %w", p.FileID, core.ErrFileDeleted)
			close(pf.done)
			metrics.PendingCompletions.Set(float64(len(t.pending)))
		} else {
			delete(t.failed, p.FileID)
		}
	}
	return nil
}

func (t *Tracker) onFileWrittenLocked(file core.FileID, blocks []core.BlockID) {
	if _, ok := t.pending[file]; ok {
		return
	}
	t.pending[file] = &pendingFile{
		blocks:    slices.Compact(slices.Sorted(slices.Values(blocks))),
		persisted: roaring64.New(),
		done:      make(chan struct{}),
	}
	metrics.PendingCompletions.Set(float64(len(t.pending)))
}

// OnBlockPersisted records that block is durable. When it was the last
// missing block of a pending file, exactly one AsyncCompleteFile is
// journaled. Duplicate and out of order reports are no-ops.
func (t *Tracker) OnBlockPersisted(ctx context.Context, block core.BlockID) error {
	_, err := t.committer.Commit(ctx, func() (journal.Payload, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		pf, ok := t.pending[block.File()]
		if !ok || !slices.Contains(pf.blocks, block) || pf.persisted.Contains(uint64(block)) {
			return nil, nil
		}
		return journal.BlockPersisted{BlockID: block}, nil
	})
	if err != nil {
		return err
	}
	return t.TryComplete(ctx, block.File())
}

// TryComplete journals the completion of file if all its blocks are
// persisted. Files with no blocks complete on the first call.
func (t *Tracker) TryComplete(ctx context.Context, file core.FileID) error {
	e, err := t.committer.Commit(ctx, func() (journal.Payload, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		pf, ok := t.pending[file]
		if !ok || !pf.allPersisted() {
			return nil, nil
		}
		return journal.AsyncCompleteFile{FileID: file}, nil
	})
	if err != nil {
		metrics.AsyncCompletionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	if e.Payload == nil {
		return nil
	}
	metrics.AsyncCompletionsTotal.WithLabelValues(metrics.ResultOK).Inc()
	t.logger.Info("File asynchronously completed", "file_id", file, "seq_num", e.SeqNum)
	hooks.TriggerIfSet(ctx, t.hookManager, hooks.NewOnFileCompletedEvent(hooks.FileCompletedPayload{File: file, SeqNum: e.SeqNum}))
	return nil
}

// Fail fails current and future waiters of a pending file until it
// completes. It does not touch journaled state.
func (t *Tracker) Fail(file core.FileID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pf, ok := t.pending[file]
	if !ok {
		return
	}
	t.failed[file] = err
	pf.signal()
	metrics.AsyncCompletionsTotal.WithLabelValues(metrics.ResultFailed).Inc()
	t.logger.Warn("Pending completion failed", "file_id", file, "error", err)
}

// ClearFailure forgets an earlier failure, e.g. when the file is being
// recovered again.
func (t *Tracker) ClearFailure(file core.FileID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, file)
}

// Wait returns nil once file completed asynchronously, or the error it
// failed with.
func (t *Tracker) Wait(ctx context.Context, file core.FileID) error {
	for {
		t.mu.Lock()
		if t.completed.Contains(uint64(file)) {
			t.mu.Unlock()
			return nil
		}
		if err, ok := t.failed[file]; ok {
			t.mu.Unlock()
			return err
		}
		pf, ok := t.pending[file]
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("file %d: %w", file, ErrNotPending)
		}
		done := pf.done
		t.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pending returns the files waiting for persistence, ascending.
func (t *Tracker) Pending() []core.FileID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.FileID, 0, len(t.pending))
	for f := range t.pending {
		out = append(out, f)
	}
	core.SortFileIDs(out)
	return out
}

func (t *Tracker) IsPending(file core.FileID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[file]
	return ok
}

// MissingBlocks returns the blocks of a pending file not yet persisted.
func (t *Tracker) MissingBlocks(file core.FileID) []core.BlockID {
	t.mu.Lock()
	defer t.mu.Unlock()
	pf, ok := t.pending[file]
	if !ok {
		return nil
	}
	var out []core.BlockID
	for _, b := range pf.blocks {
		if !pf.persisted.Contains(uint64(b)) {
			out = append(out, b)
		}
	}
	return out
}

// Encode writes pending files in id order followed by the completed set.
// Sets are written as sorted id lists so equal states encode equally.
func (t *Tracker) Encode(enc *core.Encoder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	files := make([]core.FileID, 0, len(t.pending))
	for f := range t.pending {
		files = append(files, f)
	}
	core.SortFileIDs(files)

	enc.PutUvarint(uint64(len(files)))
	for _, f := range files {
		pf := t.pending[f]
		enc.PutUvarint(uint64(f))
		enc.PutBlockIDs(pf.blocks)
		putBitmap(enc, pf.persisted)
	}
	putBitmap(enc, t.completed)
}

func (t *Tracker) Restore(dec *core.Decoder) error {
	n := dec.Count()
	pending := make(map[core.FileID]*pendingFile, n)
	for i := 0; i < n && dec.Err() == nil; i++ {
		f := core.FileID(dec.Uvarint())
		pending[f] = &pendingFile{
			blocks:    dec.BlockIDs(),
			persisted: readBitmap(dec),
			done:      make(chan struct{}),
		}
	}
	completed := readBitmap(dec)
	if err := dec.Err(); err != nil {
		return fmt.Errorf("completion snapshot: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pf := range t.pending {
		close(pf.done)
	}
	t.pending = pending
	t.completed = completed
	t.failed = make(map[core.FileID]error)
	metrics.PendingCompletions.Set(float64(len(pending)))
	return nil
}

func putBitmap(enc *core.Encoder, bm *roaring64.Bitmap) {
	enc.PutUvarint(bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		enc.PutUvarint(it.Next())
	}
}

func readBitmap(dec *core.Decoder) *roaring64.Bitmap {
	bm := roaring64.New()
	n := dec.Count()
	for i := 0; i < n && dec.Err() == nil; i++ {
		bm.Add(dec.Uvarint())
	}
	return bm
}
