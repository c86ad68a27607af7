package journal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/metrics"
	"github.com/INLOpen/tierfs/sys"
)

// Journal is the master's write-ahead log of metadata mutations. It manages
// a directory of segment files, each named after its first sequence number.
type Journal struct {
	dir  string
	mu   sync.Mutex
	opts Options

	active    *segmentWriter
	segments  []uint64 // first sequence number of every segment, ascending
	lastSeq   uint64
	tailBytes int64
	recovered bool
	closed    bool
	poisoned  error

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectAppendError error
}

// Options holds configuration for the Journal.
type Options struct {
	Dir            string
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	// OpenFile opens segment files for writing. Defaults to sys.OpenFile.
	OpenFile sys.OpenFileHandler
}

// Open discovers the segments of a journal directory, creating it if needed.
// No entry is read until Replay or Recover is called, and appends are
// refused until Recover has run.
func Open(opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Journal_default")
	} else {
		opts.Logger = opts.Logger.With("component", "Journal")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}
	if opts.OpenFile == nil {
		opts.OpenFile = sys.OpenFile
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}

	j := &Journal{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}
	if err := j.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load journal segments: %w", err)
	}
	j.tailBytes = j.segmentBytesLocked()
	return j, nil
}

// loadSegments scans the journal directory and populates the segments slice.
func (j *Journal) loadSegments() error {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read journal directory %s: %w", j.dir, err)
	}
	j.segments = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		first, err := parseSegmentFileName(file.Name())
		if err == nil {
			j.segments = append(j.segments, first)
		}
	}
	slices.Sort(j.segments)
	return nil
}

// SetTestingOnlyInjectAppendError makes every later Append fail with err
// before anything is written.
func (j *Journal) SetTestingOnlyInjectAppendError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.testingOnlyInjectAppendError = err
}

// Dir returns the directory path of the journal.
func (j *Journal) Dir() string { return j.dir }

// LastSeq returns the sequence number of the last durable entry, 0 if none.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// TailBytes returns the record bytes held by the segments that are still on
// disk. It drops after a Prune, which makes it a measure of the log a
// restart would have to replay.
func (j *Journal) TailBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tailBytes
}

// Segments returns the first sequence numbers of all segments.
func (j *Journal) Segments() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.segments)
}

// SegmentPath returns the path of the segment starting at first.
func (j *Journal) SegmentPath(first uint64) string {
	return filepath.Join(j.dir, formatSegmentFileName(first))
}

// Recover replays every entry with a sequence number >= from (strictly, see
// Replay) into apply and then prepares the journal for appending: a torn
// final record is cut off and a fresh segment is started after the last
// entry. It returns the last sequence number, which is from-1 when nothing
// at or after from was found.
func (j *Journal) Recover(from uint64, apply func(Entry) error) (uint64, error) {
	if from == 0 {
		from = 1
	}
	j.mu.Lock()
	if j.recovered {
		j.mu.Unlock()
		return 0, errors.New("journal already recovered")
	}
	j.mu.Unlock()

	start := time.Now()
	last := from - 1
	count := 0
	var tail tailState
	for e, err := range j.replay(from, false, &tail) {
		if err != nil {
			return last, err
		}
		if err := apply(e); err != nil {
			return last, fmt.Errorf("failed to apply journal entry %d (%s): %w", e.SeqNum, e.Type(), err)
		}
		last = e.SeqNum
		count++
	}

	j.mu.Lock()
	err := j.openForAppendLocked(last, &tail)
	if err == nil {
		j.lastSeq = last
		j.recovered = true
		j.tailBytes = j.segmentBytesLocked()
	}
	j.mu.Unlock()
	if err != nil {
		return last, fmt.Errorf("failed to open journal for appending: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("Journal recovered", "from_seq", from, "last_seq", last, "entries", count, "duration", duration)
	_ = hooks.TriggerIfSet(context.Background(), j.hookManager, hooks.NewPostJournalReplayEvent(hooks.JournalReplayPayload{
		FromSeq:  from,
		LastSeq:  last,
		Entries:  count,
		Duration: duration,
	}))
	return last, nil
}

// openForAppendLocked cuts a torn tail and creates the segment for last+1.
func (j *Journal) openForAppendLocked(last uint64, tail *tailState) error {
	if tail.torn {
		if tail.offset <= int64(core.FileHeaderSize) {
			j.logger.Warn("Removing journal segment with a torn header or first record", "path", tail.path)
			if err := sys.Remove(tail.path); err != nil {
				return err
			}
			j.segments = slices.DeleteFunc(j.segments, func(s uint64) bool { return s == tail.firstSeq })
		} else {
			j.logger.Warn("Truncating torn record at journal tail", "path", tail.path, "offset", tail.offset)
			if err := os.Truncate(tail.path, tail.offset); err != nil {
				return fmt.Errorf("failed to truncate torn tail of %s: %w", tail.path, err)
			}
		}
	}

	next := last + 1
	// Anything named after next would hold entries that were never replayed.
	for _, s := range j.segments {
		if s > next {
			return &core.CorruptionError{Path: j.SegmentPath(s), SeqNum: s, Err: fmt.Errorf("segment starts after the recovered tail %d", last)}
		}
	}
	seg, err := createSegment(j.dir, next, j.opts.OpenFile)
	if err != nil {
		return err
	}
	j.active = seg
	if !slices.Contains(j.segments, next) {
		j.segments = append(j.segments, next)
		slices.Sort(j.segments)
	}
	return nil
}

// Append assigns the next sequence number to payload, writes it and syncs
// it to disk. The entry is durable when Append returns without error; any
// failure is a *core.DurabilityError and the sequence number is not used.
func (j *Journal) Append(payload Payload) (Entry, error) {
	j.mu.Lock()
	e, size, err := j.appendLocked(payload)
	j.mu.Unlock()
	if err != nil {
		if payload != nil {
			metrics.JournalAppendsTotal.WithLabelValues(payload.Type().String(), metrics.ResultError).Inc()
		}
		return Entry{}, err
	}
	metrics.JournalAppendsTotal.WithLabelValues(e.Type().String(), metrics.ResultOK).Inc()

	_ = hooks.TriggerIfSet(context.Background(), j.hookManager, hooks.NewPostJournalAppendEvent(hooks.JournalAppendPayload{
		SeqNum:    e.SeqNum,
		EntryType: e.Type().String(),
		Bytes:     size,
	}))
	return e, nil
}

func (j *Journal) appendLocked(payload Payload) (Entry, int, error) {
	next := j.lastSeq + 1
	switch {
	case j.closed:
		return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: core.ErrJournalClosed}
	case !j.recovered:
		return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: core.ErrNotRecovered}
	case j.poisoned != nil:
		return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: fmt.Errorf("%w: %v", core.ErrJournalPoisoned, j.poisoned)}
	case j.testingOnlyInjectAppendError != nil:
		return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: j.testingOnlyInjectAppendError}
	case payload == nil:
		return Entry{}, 0, errors.New("journal: nil payload")
	}

	e := Entry{SeqNum: next, Version: core.SchemaVersion, Payload: payload}
	data := EncodeEntry(e)
	recordSize := int64(len(data) + recordOverhead)

	// Rotate before writing when the segment already holds records and the
	// new one would overflow it. A single large record may exceed the limit.
	if j.active.records > 0 && j.active.size+recordSize > j.opts.MaxSegmentSize {
		j.logger.Debug("Rotating journal segment due to size", "current_size", j.active.size, "record_size", recordSize, "max_size", j.opts.MaxSegmentSize)
		if err := j.rotateLocked(); err != nil {
			return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: fmt.Errorf("rotate: %w", err)}
		}
	}

	writeErr, rollbackErr := j.active.writeRecord(data)
	if writeErr != nil {
		if rollbackErr != nil {
			j.poisoned = fmt.Errorf("append of seq %d failed (%v) and rollback failed: %w", next, writeErr, rollbackErr)
			j.logger.Error("Journal poisoned", "seq_num", next, "error", writeErr, "rollback_error", rollbackErr)
		} else {
			j.logger.Error("Journal append failed and was rolled back", "seq_num", next, "error", writeErr)
		}
		return Entry{}, 0, &core.DurabilityError{SeqNum: next, Err: writeErr}
	}

	j.lastSeq = next
	j.tailBytes += recordSize
	if j.metricsBytesWritten != nil {
		j.metricsBytesWritten.Add(recordSize)
	}
	if j.metricsEntriesWritten != nil {
		j.metricsEntriesWritten.Add(1)
	}
	return e, int(recordSize), nil
}

// Rotate closes the active segment and starts a new one at the next
// sequence number. It does nothing when the active segment is empty.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return core.ErrJournalClosed
	}
	if j.active == nil || j.active.records == 0 {
		return nil
	}
	return j.rotateLocked()
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (j *Journal) rotateLocked() error {
	next := j.lastSeq + 1
	newSegment, err := createSegment(j.dir, next, j.opts.OpenFile)
	if err != nil {
		return err
	}

	var oldFirst uint64
	if j.active != nil {
		oldFirst = j.active.firstSeq
		if err := j.active.Close(); err != nil {
			j.logger.Error("failed to close active segment during rotation", "path", j.active.path, "error", err)
		}
	}

	j.active = newSegment
	j.segments = append(j.segments, next)
	j.logger.Info("Rotated to new journal segment", "first_seq", next, "path", newSegment.path)
	if oldFirst > 0 {
		_ = hooks.TriggerIfSet(context.Background(), j.hookManager, hooks.NewPostJournalRotateEvent(hooks.JournalRotatePayload{
			OldFirstSeq:    oldFirst,
			NewFirstSeq:    next,
			NewSegmentPath: newSegment.path,
		}))
	}
	return nil
}

// Prune deletes inactive segments whose entries all have a sequence number
// <= uptoSeq. Only a prefix of the log is ever removed. It returns the
// number of deleted segments.
func (j *Journal) Prune(uptoSeq uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed := 0
	for len(j.segments) > 1 {
		first, nextFirst := j.segments[0], j.segments[1]
		if nextFirst-1 > uptoSeq {
			break
		}
		if j.active != nil && j.active.firstSeq == first {
			break
		}
		path := j.SegmentPath(first)
		if err := sys.Remove(path); err != nil {
			j.logger.Error("Failed to prune journal segment", "path", path, "error", err)
			j.tailBytes = j.segmentBytesLocked()
			return removed, fmt.Errorf("failed to prune segment %s: %w", path, err)
		}
		j.segments = j.segments[1:]
		removed++
	}
	if removed > 0 {
		if err := sys.SyncDir(j.dir); err != nil {
			return removed, err
		}
		j.logger.Info("Pruned journal segments", "count", removed, "up_to_seq", uptoSeq)
	}
	j.tailBytes = j.segmentBytesLocked()
	return removed, nil
}

// segmentBytesLocked sums the record bytes of all segments on disk.
func (j *Journal) segmentBytesLocked() int64 {
	var total int64
	for _, s := range j.segments {
		if j.active != nil && j.active.firstSeq == s {
			total += j.active.size - int64(core.FileHeaderSize)
			continue
		}
		info, err := os.Stat(j.SegmentPath(s))
		if err != nil {
			continue
		}
		if n := info.Size() - int64(core.FileHeaderSize); n > 0 {
			total += n
		}
	}
	return total
}

// Close syncs and closes the active segment. Later appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.active == nil {
		return nil
	}
	closeErr := j.active.Close()
	j.active = nil
	if closeErr != nil {
		j.logger.Error("Error during journal close.", "error", closeErr)
	} else {
		j.logger.Info("Journal closed.", "last_seq", j.lastSeq)
	}
	return closeErr
}

var _ io.Closer = (*Journal)(nil)
