package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/tierfs/compressors"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWriteRead_AllCompressions(t *testing.T) {
	body := bytes.Repeat([]byte("lineage-job-state;"), 300)
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			c, err := compressors.ForType(ct)
			require.NoError(t, err)

			info, err := Write(dir, 42, body, c)
			require.NoError(t, err)
			assert.Equal(t, uint64(42), info.SeqNum)
			assert.Equal(t, filepath.Join(dir, FileName(42)), info.Path)
			assert.Equal(t, int64(len(body)), info.RawBytes)

			stat, err := os.Stat(info.Path)
			require.NoError(t, err)
			assert.Equal(t, stat.Size(), info.CompressedBytes)

			cp, err := Read(info.Path)
			require.NoError(t, err)
			assert.Equal(t, uint64(42), cp.SeqNum)
			assert.Equal(t, ct, cp.Compression)
			assert.Equal(t, body, cp.Body)

			_, err = os.Stat(info.Path + tempSuffix)
			assert.True(t, os.IsNotExist(err), "temporary file must not survive")
		})
	}
}

func TestRead_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	info, err := Write(dir, 7, []byte("namespace state"), compressors.NewSnappyCompressor())
	require.NoError(t, err)

	data, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(info.Path, data, 0644))

	_, err = Read(info.Path)
	require.Error(t, err)
	assert.True(t, core.IsCorruptionError(err))
}

func TestRead_RejectsMismatchedFileName(t *testing.T) {
	dir := t.TempDir()
	info, err := Write(dir, 7, []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, os.Rename(info.Path, filepath.Join(dir, FileName(8))))

	_, err = Read(filepath.Join(dir, FileName(8)))
	assert.True(t, core.IsCorruptionError(err))
}

func TestLoadLatest(t *testing.T) {
	t.Run("empty directory", func(t *testing.T) {
		cp, err := LoadLatest(t.TempDir(), false, nil)
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("picks the newest", func(t *testing.T) {
		dir := t.TempDir()
		for _, seq := range []uint64{3, 11, 7} {
			_, err := Write(dir, seq, []byte{byte(seq)}, nil)
			require.NoError(t, err)
		}
		cp, err := LoadLatest(dir, false, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), cp.SeqNum)
	})

	t.Run("strict fails on a corrupt newest, best effort falls back", func(t *testing.T) {
		dir := t.TempDir()
		_, err := Write(dir, 5, []byte("old"), nil)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(9)), []byte("garbage"), 0644))

		_, err = LoadLatest(dir, false, nil)
		assert.True(t, core.IsCorruptionError(err))

		cp, err := LoadLatest(dir, true, nil)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, uint64(5), cp.SeqNum)
		assert.Equal(t, []byte("old"), cp.Body)
	})
}

func TestRetain(t *testing.T) {
	dir := t.TempDir()
	for seq := uint64(1); seq <= 5; seq++ {
		_, err := Write(dir, seq, []byte("s"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(6)+tempSuffix), []byte("partial"), 0644))

	removed, err := Retain(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	seqs, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, seqs)
}

// quiesceOnly is a committer whose journal holds entries up to lastSeq.
type quiesceOnly struct {
	mu      sync.Mutex
	lastSeq uint64
}

func newQuiesceOnly(seq uint64) *quiesceOnly { return &quiesceOnly{lastSeq: seq} }

func (c *quiesceOnly) set(seq uint64) {
	c.mu.Lock()
	c.lastSeq = seq
	c.mu.Unlock()
}

func (c *quiesceOnly) Commit(context.Context, journal.BuildFunc) (journal.Entry, error) {
	return journal.Entry{}, errors.New("not supported")
}

func (c *quiesceOnly) Quiesce(fn func(lastSeq uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.lastSeq)
}

type mockSource struct{ mock.Mock }

func (m *mockSource) EncodeState() ([]byte, error) {
	args := m.Called()
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

type mockLog struct{ mock.Mock }

func (m *mockLog) Rotate() error { return m.Called().Error(0) }

func (m *mockLog) Prune(uptoSeq uint64) (int, error) {
	args := m.Called(uptoSeq)
	return args.Int(0), args.Error(1)
}

func (m *mockLog) TailBytes() int64 { return m.Called().Get(0).(int64) }

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (l *recordingListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}
func (l *recordingListener) Priority() int { return 1 }
func (l *recordingListener) IsAsync() bool { return false }

func TestManager_Checkpoint(t *testing.T) {
	dir := t.TempDir()
	committer := newQuiesceOnly(10)
	source := new(mockSource)
	log := new(mockLog)
	hm := hooks.NewHookManager(nil)
	listener := &recordingListener{}
	hm.Register(hooks.EventPostCheckpoint, listener)
	hm.Register(hooks.EventCheckpointFailed, listener)

	m := NewManager(Options{Dir: dir, Compressor: compressors.NewZstdCompressor(), Retain: 1, PruneJournal: true, HookManager: hm}, committer, source, log)

	source.On("EncodeState").Return([]byte("state@10"), nil).Once()
	log.On("Rotate").Return(nil).Once()
	log.On("Prune", uint64(10)).Return(2, nil).Once()

	info, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), info.SeqNum)
	assert.Equal(t, uint64(10), m.LastSeq())
	assert.NoError(t, m.LastError())

	t.Run("nothing new is a no-op", func(t *testing.T) {
		info, err := m.Checkpoint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(10), info.SeqNum)
	})

	t.Run("failure is reported and non-fatal", func(t *testing.T) {
		committer.set(12)
		boom := errors.New("encode failed")
		source.On("EncodeState").Return(nil, boom).Once()
		_, err := m.Checkpoint(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, m.LastError(), boom)
		assert.Equal(t, uint64(10), m.LastSeq())

		seqs, err := List(dir)
		require.NoError(t, err)
		assert.Equal(t, []uint64{10}, seqs)
	})

	t.Run("next attempt succeeds and retains one", func(t *testing.T) {
		source.On("EncodeState").Return([]byte("state@12"), nil).Once()
		log.On("Rotate").Return(nil).Once()
		log.On("Prune", uint64(12)).Return(1, nil).Once()
		_, err := m.Checkpoint(context.Background())
		require.NoError(t, err)
		assert.NoError(t, m.LastError())

		seqs, err := List(dir)
		require.NoError(t, err)
		assert.Equal(t, []uint64{12}, seqs)

		cp, err := LoadLatest(dir, false, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("state@12"), cp.Body)
	})

	source.AssertExpectations(t)
	log.AssertExpectations(t)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.events, 3)
	assert.Equal(t, hooks.EventPostCheckpoint, listener.events[0].Type())
	assert.Equal(t, hooks.EventCheckpointFailed, listener.events[1].Type())
	assert.Equal(t, hooks.EventPostCheckpoint, listener.events[2].Type())
}

func TestManager_RunOnTriggerAndTail(t *testing.T) {
	dir := t.TempDir()
	committer := newQuiesceOnly(3)
	source := new(mockSource)
	source.On("EncodeState").Return([]byte("s"), nil)
	log := new(mockLog)
	log.On("TailBytes").Return(int64(1 << 20))
	log.On("Rotate").Return(nil)
	log.On("Prune", mock.Anything).Return(0, nil)

	m := NewManager(Options{
		Dir:                dir,
		PruneJournal:       true,
		TailThresholdBytes: 1024,
		TailCheckInterval:  5 * time.Millisecond,
	}, committer, source, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.LastSeq() == 3 }, 2*time.Second, 5*time.Millisecond, "tail threshold should trigger a checkpoint")

	committer.set(8)
	m.Trigger()
	require.Eventually(t, func() bool { return m.LastSeq() == 8 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
