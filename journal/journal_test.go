package journal

import (
	"context"
	"errors"
	"expvar"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected I/O failure")

// faultPlan controls failures of the segment files opened by a journal.
type faultPlan struct {
	// failSyncs is the number of upcoming Sync calls that fail.
	failSyncs    atomic.Int32
	failTruncate atomic.Bool
}

type faultyFile struct {
	sys.FileHandle
	plan *faultPlan
}

func (f *faultyFile) Sync() error {
	if f.plan.failSyncs.Add(-1) >= 0 {
		return errInjected
	}
	f.plan.failSyncs.Store(0)
	return f.FileHandle.Sync()
}

func (f *faultyFile) Truncate(size int64) error {
	if f.plan.failTruncate.Load() {
		return errInjected
	}
	return f.FileHandle.Truncate(size)
}

func (p *faultPlan) openFile(name string, flag int, perm os.FileMode) (sys.FileHandle, error) {
	f, err := sys.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{FileHandle: f, plan: p}, nil
}

func openRecovered(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(opts)
	require.NoError(t, err)
	_, err = j.Recover(1, func(Entry) error { return nil })
	require.NoError(t, err)
	return j
}

func createFilePayload(id uint64) Payload {
	return CreateFile{FileID: core.FileID(id), Path: filepath.Join("/data", core.FileID(id).String()), BlockSizeBytes: 1 << 20, CreationTimeMs: int64(id)}
}

func appendN(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := j.Append(createFilePayload(j.LastSeq() + 1))
		require.NoError(t, err)
	}
}

func collect(t *testing.T, seq func(func(Entry, error) bool)) ([]Entry, error) {
	t.Helper()
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func seqNums(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.SeqNum
	}
	return out
}

func TestJournal_AppendAndReplayAllEntryTypes(t *testing.T) {
	dir := t.TempDir()
	bytesWritten, entriesWritten := new(expvar.Int), new(expvar.Int)
	j := openRecovered(t, Options{Dir: dir, BytesWritten: bytesWritten, EntriesWritten: entriesWritten})

	payloads := []Payload{
		CreateFile{FileID: 1, Path: "/in.txt", BlockSizeBytes: 4096, CreationTimeMs: 1000},
		CompleteFile{FileID: 1, Length: 8192, BlockIDs: []core.BlockID{core.NewBlockID(1, 0), core.NewBlockID(1, 1)}, OpTimeMs: 1001},
		CreateFile{FileID: 2, Path: "/out.txt", BlockSizeBytes: 4096, CreationTimeMs: 1002},
		LineageCreated{JobID: 1, Inputs: []core.FileID{1}, Outputs: []core.FileID{2}, Spec: core.NewCommandJobSpec("wc /in.txt"), CreationTimeMs: 1003},
		CompleteFile{FileID: 2, Length: 10, BlockIDs: []core.BlockID{core.NewBlockID(2, 0)}, Async: true, OpTimeMs: 1004},
		BlockPersisted{BlockID: core.NewBlockID(2, 0)},
		AsyncCompleteFile{FileID: 2},
		LineageStateChanged{JobID: 1, State: core.JobPersisted},
		RenameFile{FileID: 2, Path: "/final.txt", OpTimeMs: 1005},
		LineageDeleted{JobID: 1},
		DeleteFile{FileID: 2, OpTimeMs: 1006},
	}
	for i, p := range payloads {
		e, err := j.Append(p)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), e.SeqNum)
		assert.Equal(t, core.SchemaVersion, e.Version)
	}
	assert.Equal(t, uint64(len(payloads)), j.LastSeq())
	assert.Equal(t, int64(len(payloads)), entriesWritten.Value())
	assert.Equal(t, j.TailBytes(), bytesWritten.Value())

	entries, err := collect(t, j.Replay(1))
	require.NoError(t, err)
	require.Len(t, entries, len(payloads))
	for i, e := range entries {
		assert.Equal(t, payloads[i], e.Payload, "entry %d", i+1)
	}

	fromSix, err := collect(t, j.Replay(6))
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 7, 8, 9, 10, 11}, seqNums(fromSix))
	require.NoError(t, j.Close())
}

func TestJournal_AppendBeforeRecoverFails(t *testing.T) {
	j, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = j.Append(createFilePayload(1))
	require.Error(t, err)
	assert.True(t, core.IsDurabilityError(err))
	assert.ErrorIs(t, err, core.ErrNotRecovered)
}

func TestJournal_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	j := openRecovered(t, Options{Dir: dir})
	appendN(t, j, 3)
	require.NoError(t, j.Close())

	_, err := j.Append(createFilePayload(4))
	assert.ErrorIs(t, err, core.ErrJournalClosed)

	j2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	var applied []uint64
	last, err := j2.Recover(1, func(e Entry) error {
		applied = append(applied, e.SeqNum)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	assert.Equal(t, []uint64{1, 2, 3}, applied)

	e, err := j2.Append(createFilePayload(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.SeqNum)
	require.NoError(t, j2.Close())
}

func TestJournal_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	j := openRecovered(t, Options{Dir: dir})
	appendN(t, j, 3)
	segs := j.Segments()
	require.NoError(t, j.Close())

	// Simulate a crash in the middle of writing record 4.
	path := filepath.Join(dir, formatSegmentFileName(segs[len(segs)-1]))
	framed := frameRecord(EncodeEntry(Entry{SeqNum: 4, Version: core.SchemaVersion, Payload: createFilePayload(4)}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(framed[:len(framed)-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := collect(t, mustOpen(t, dir).Replay(1))
	require.NoError(t, err, "a torn final record is not corruption")
	assert.Equal(t, []uint64{1, 2, 3}, seqNums(entries))

	j2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	last, err := j2.Recover(1, func(Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	e, err := j2.Append(createFilePayload(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.SeqNum)

	entries, err = collect(t, j2.Replay(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqNums(entries))
	require.NoError(t, j2.Close())
}

func mustOpen(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	return j
}

func TestJournal_ChecksumMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	j := openRecovered(t, Options{Dir: dir})
	appendN(t, j, 5)
	segs := j.Segments()
	require.NoError(t, j.Close())

	path := filepath.Join(dir, formatSegmentFileName(segs[0]))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the payload of the third record.
	recordLen := len(frameRecord(EncodeEntry(Entry{SeqNum: 1, Version: core.SchemaVersion, Payload: createFilePayload(1)})))
	data[core.FileHeaderSize+2*recordLen+6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	r := mustOpen(t, dir)
	entries, err := collect(t, r.Replay(1))
	require.Error(t, err)
	assert.True(t, core.IsCorruptionError(err))
	assert.Equal(t, []uint64{1, 2}, seqNums(entries))

	entries, err = collect(t, r.ReplayBestEffort(1))
	require.NoError(t, err, "best-effort replay stops at corruption without an error")
	assert.Equal(t, []uint64{1, 2}, seqNums(entries))

	_, err = r.Recover(1, func(Entry) error { return nil })
	assert.True(t, core.IsCorruptionError(err), "startup must not proceed past corruption")
}

func TestJournal_UnknownEntryType(t *testing.T) {
	dir := t.TempDir()
	j := openRecovered(t, Options{Dir: dir})
	appendN(t, j, 1)
	segs := j.Segments()
	require.NoError(t, j.Close())

	// Record 2 carries a tag this build does not know; record 3 is valid.
	enc := core.NewEncoder(nil)
	enc.PutUint8(200)
	enc.PutUint8(core.SchemaVersion)
	enc.PutUint64(2)
	enc.PutString("from the future")
	unknown := frameRecord(enc.Bytes())
	valid := frameRecord(EncodeEntry(Entry{SeqNum: 3, Version: core.SchemaVersion, Payload: createFilePayload(3)}))

	path := filepath.Join(dir, formatSegmentFileName(segs[0]))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(append(unknown, valid...))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r := mustOpen(t, dir)
	_, err = collect(t, r.Replay(1))
	require.Error(t, err)
	assert.True(t, core.IsCorruptionError(err))
	assert.ErrorIs(t, err, core.ErrUnknownEntryType)

	entries, err := collect(t, r.ReplayBestEffort(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, seqNums(entries))
}

func TestDecodeEntry_RejectsNewerSchemaVersion(t *testing.T) {
	data := EncodeEntry(Entry{SeqNum: 1, Version: core.SchemaVersion + 1, Payload: AsyncCompleteFile{FileID: 1}})
	e, err := DecodeEntry(data)
	assert.ErrorIs(t, err, core.ErrUnsupportedVersion)
	assert.Equal(t, uint64(1), e.SeqNum)

	_, err = DecodeEntry(data[:4])
	assert.Error(t, err)
}

func TestJournal_FailedAppendIsNotReplayed(t *testing.T) {
	dir := t.TempDir()
	plan := &faultPlan{}
	j := openRecovered(t, Options{Dir: dir, OpenFile: plan.openFile})
	appendN(t, j, 4)

	plan.failSyncs.Store(1)
	_, err := j.Append(createFilePayload(5))
	require.Error(t, err)
	assert.True(t, core.IsDurabilityError(err))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, uint64(4), j.LastSeq())

	entries, err := collect(t, j.Replay(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqNums(entries), "entry 5 must not be visible after a failed append")

	// The sequence number was not consumed.
	e, err := j.Append(createFilePayload(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.SeqNum)
	require.NoError(t, j.Close())

	entries, err = collect(t, mustOpen(t, dir).Replay(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqNums(entries))
}

func TestJournal_PoisonedAfterFailedRollback(t *testing.T) {
	plan := &faultPlan{}
	j := openRecovered(t, Options{Dir: t.TempDir(), OpenFile: plan.openFile})
	appendN(t, j, 2)

	plan.failSyncs.Store(1)
	plan.failTruncate.Store(true)
	_, err := j.Append(createFilePayload(3))
	require.Error(t, err)

	plan.failTruncate.Store(false)
	_, err = j.Append(createFilePayload(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrJournalPoisoned)
	assert.True(t, core.IsDurabilityError(err))
}

func TestJournal_InjectedAppendError(t *testing.T) {
	j := openRecovered(t, Options{Dir: t.TempDir()})
	j.SetTestingOnlyInjectAppendError(errInjected)
	_, err := j.Append(createFilePayload(1))
	assert.ErrorIs(t, err, errInjected)
	assert.Zero(t, j.LastSeq())
}

func TestJournal_RotateAndPrune(t *testing.T) {
	dir := t.TempDir()
	// Small segments force a rotation every couple of records.
	j := openRecovered(t, Options{Dir: dir, MaxSegmentSize: 120})
	appendN(t, j, 12)
	segs := j.Segments()
	require.Greater(t, len(segs), 3)
	assert.Equal(t, uint64(1), segs[0])

	before := j.TailBytes()
	removed, err := j.Prune(6)
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
	assert.Less(t, j.TailBytes(), before)

	remaining := j.Segments()
	assert.LessOrEqual(t, remaining[0], uint64(7), "segments holding entries after the prune point are kept")

	entries, err := collect(t, j.Replay(7))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 8, 9, 10, 11, 12}, seqNums(entries))

	_, err = collect(t, j.Replay(1))
	assert.True(t, core.IsCorruptionError(err), "entries before the pruned prefix are gone")

	require.NoError(t, j.Rotate())
	removed, err = j.Prune(j.LastSeq())
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
	assert.Len(t, j.Segments(), 1, "only the fresh active segment is left")
	assert.Zero(t, j.TailBytes())
	require.NoError(t, j.Close())

	j2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	last, err := j2.Recover(13, func(Entry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(12), last)
}

func TestJournal_MissingMiddleSegmentIsCorruption(t *testing.T) {
	dir := t.TempDir()
	j := openRecovered(t, Options{Dir: dir, MaxSegmentSize: 120})
	appendN(t, j, 10)
	segs := j.Segments()
	require.NoError(t, j.Close())
	require.GreaterOrEqual(t, len(segs), 3)

	require.NoError(t, os.Remove(filepath.Join(dir, formatSegmentFileName(segs[1]))))
	_, err := collect(t, mustOpen(t, dir).Replay(1))
	require.Error(t, err)
	assert.True(t, core.IsCorruptionError(err))
}

func TestJournal_ReplayIsRestartable(t *testing.T) {
	j := openRecovered(t, Options{Dir: t.TempDir()})
	appendN(t, j, 5)

	seq := j.Replay(1)
	var partial []uint64
	for e, err := range seq {
		require.NoError(t, err)
		partial = append(partial, e.SeqNum)
		if len(partial) == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, partial)

	entries, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqNums(entries))
}

type recordingApplier struct {
	entries []Entry
	err     error
}

func (r *recordingApplier) apply(e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestSerialCommitter(t *testing.T) {
	j := openRecovered(t, Options{Dir: t.TempDir()})
	rec := &recordingApplier{}
	c := NewSerialCommitter(j, rec.apply, nil, nil)
	ctx := context.Background()

	t.Run("commits and applies", func(t *testing.T) {
		e, err := c.Commit(ctx, func() (Payload, error) { return createFilePayload(1), nil })
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e.SeqNum)
		require.Len(t, rec.entries, 1)
		assert.Equal(t, e, rec.entries[0])
	})

	t.Run("validation failure appends nothing", func(t *testing.T) {
		_, err := c.Commit(ctx, func() (Payload, error) { return nil, core.ErrFileExists })
		assert.ErrorIs(t, err, core.ErrFileExists)
		assert.Equal(t, uint64(1), j.LastSeq())
		assert.Len(t, rec.entries, 1)
	})

	t.Run("nil payload is a no-op", func(t *testing.T) {
		e, err := c.Commit(ctx, func() (Payload, error) { return nil, nil })
		require.NoError(t, err)
		assert.Nil(t, e.Payload)
		assert.Equal(t, uint64(1), j.LastSeq())
	})

	t.Run("durability failure is not applied", func(t *testing.T) {
		j.SetTestingOnlyInjectAppendError(errInjected)
		_, err := c.Commit(ctx, func() (Payload, error) { return createFilePayload(2), nil })
		j.SetTestingOnlyInjectAppendError(nil)
		assert.True(t, core.IsDurabilityError(err))
		assert.Len(t, rec.entries, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Commit(cctx, func() (Payload, error) { return createFilePayload(2), nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("quiesce sees last sequence", func(t *testing.T) {
		var seen uint64
		require.NoError(t, c.Quiesce(func(lastSeq uint64) error {
			seen = lastSeq
			return nil
		}))
		assert.Equal(t, uint64(1), seen)
	})
}
