package testutil

import (
	"context"
	"sync"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/journal"
)

// MemCommitter is an in-memory journal.Committer. Entries are numbered and
// applied like the real committer but never hit the disk.
type MemCommitter struct {
	mu      sync.Mutex
	apply   journal.ApplyFunc
	entries []journal.Entry
	failing error
}

var _ journal.Committer = (*MemCommitter)(nil)

// NewMemCommitter returns a committer applying entries with apply. apply
// may be set later with SetApply.
func NewMemCommitter(apply journal.ApplyFunc) *MemCommitter {
	return &MemCommitter{apply: apply}
}

func (c *MemCommitter) SetApply(apply journal.ApplyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply = apply
}

// FailAppends makes every following append fail with a DurabilityError
// wrapping err. A nil err restores normal behavior.
func (c *MemCommitter) FailAppends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = err
}

func (c *MemCommitter) Commit(ctx context.Context, build journal.BuildFunc) (journal.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return journal.Entry{}, err
	}
	payload, err := build()
	if err != nil || payload == nil {
		return journal.Entry{}, err
	}
	seq := uint64(len(c.entries)) + 1
	if c.failing != nil {
		return journal.Entry{}, &core.DurabilityError{SeqNum: seq, Err: c.failing}
	}
	e := journal.Entry{SeqNum: seq, Version: core.SchemaVersion, Payload: payload}
	c.entries = append(c.entries, e)
	if c.apply != nil {
		if err := c.apply(e); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (c *MemCommitter) Quiesce(fn func(lastSeq uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(uint64(len(c.entries)))
}

// Entries returns a copy of everything committed so far.
func (c *MemCommitter) Entries() []journal.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]journal.Entry(nil), c.entries...)
}

// EntriesOfType returns the committed entries carrying payloads of type t.
func (c *MemCommitter) EntriesOfType(t journal.EntryType) []journal.Entry {
	var out []journal.Entry
	for _, e := range c.Entries() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}
