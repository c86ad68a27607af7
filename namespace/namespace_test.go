package namespace

import (
	"testing"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, tbl *Table, seq uint64, p journal.Payload) {
	t.Helper()
	require.NoError(t, tbl.Apply(journal.Entry{SeqNum: seq, Payload: p}))
}

func TestTable_FileLifecycle(t *testing.T) {
	tbl := NewTable(nil)
	assert.Equal(t, core.FileID(1), tbl.NextFileID())

	apply(t, tbl, 1, journal.CreateFile{FileID: 1, Path: "/in/a", BlockSizeBytes: 64, CreationTimeMs: 100})
	apply(t, tbl, 2, journal.CreateFile{FileID: 2, Path: "/out/b", BlockSizeBytes: 64, CreationTimeMs: 101})
	assert.Equal(t, core.FileID(3), tbl.NextFileID())

	f, err := tbl.Lookup("/in/a")
	require.NoError(t, err)
	assert.Equal(t, FileIncomplete, f.State)
	assert.False(t, f.Written())

	blocks := []core.BlockID{core.NewBlockID(1, 0), core.NewBlockID(1, 1)}
	require.NoError(t, tbl.CheckComplete(1, blocks))
	apply(t, tbl, 3, journal.CompleteFile{FileID: 1, Length: 100, BlockIDs: blocks, OpTimeMs: 200})
	f, err = tbl.File(1)
	require.NoError(t, err)
	assert.Equal(t, FileComplete, f.State)
	assert.Equal(t, blocks, f.Blocks)
	assert.Equal(t, int64(200), f.LastModifiedMs)
	assert.ErrorIs(t, tbl.CheckComplete(1, nil), core.ErrFileAlreadyCompleted)

	apply(t, tbl, 4, journal.CompleteFile{FileID: 2, Length: 10, BlockIDs: []core.BlockID{core.NewBlockID(2, 0)}, Async: true})
	f, _ = tbl.File(2)
	assert.Equal(t, FilePending, f.State)
	assert.True(t, f.Written())
	assert.False(t, f.Persisted)

	apply(t, tbl, 5, journal.AsyncCompleteFile{FileID: 2})
	f, _ = tbl.File(2)
	assert.Equal(t, FileComplete, f.State)
	assert.True(t, f.Persisted)

	// A second asynchronous completion is inconsistent.
	assert.ErrorIs(t, tbl.Apply(journal.Entry{SeqNum: 6, Payload: journal.AsyncCompleteFile{FileID: 2}}), core.ErrFileAlreadyCompleted)

	apply(t, tbl, 6, journal.RenameFile{FileID: 2, Path: "/out/c", OpTimeMs: 300})
	_, err = tbl.Lookup("/out/b")
	assert.ErrorIs(t, err, core.ErrFileNotFound)
	f, err = tbl.Lookup("/out/c")
	require.NoError(t, err)
	assert.Equal(t, core.FileID(2), f.ID)

	apply(t, tbl, 7, journal.DeleteFile{FileID: 1})
	_, err = tbl.File(1)
	assert.ErrorIs(t, err, core.ErrFileNotFound)
	// Ids are never reused.
	assert.Equal(t, core.FileID(3), tbl.NextFileID())
	require.NoError(t, tbl.CheckCreate("/in/a"))
}

func TestTable_Checks(t *testing.T) {
	tbl := NewTable(nil)
	apply(t, tbl, 1, journal.CreateFile{FileID: 1, Path: "/a"})
	apply(t, tbl, 2, journal.CreateFile{FileID: 2, Path: "/b"})

	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"create relative path", tbl.CheckCreate("a"), core.ErrInvalidPath},
		{"create root", tbl.CheckCreate("/"), core.ErrInvalidPath},
		{"create trailing slash", tbl.CheckCreate("/dir/"), core.ErrInvalidPath},
		{"create existing", tbl.CheckCreate("/a"), core.ErrFileExists},
		{"complete missing", tbl.CheckComplete(9, nil), core.ErrFileNotFound},
		{"complete foreign block", tbl.CheckComplete(1, []core.BlockID{core.NewBlockID(2, 0)}), core.ErrInvalidBlock},
		{"rename onto other", tbl.CheckRename(1, "/b"), core.ErrFileExists},
		{"rename missing", tbl.CheckRename(7, "/z"), core.ErrFileNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.want)
		})
	}

	assert.NoError(t, tbl.CheckRename(1, "/a"), "renaming onto itself is allowed")
}

func TestTable_ApplyRejectsInconsistentEntries(t *testing.T) {
	tbl := NewTable(nil)
	apply(t, tbl, 1, journal.CreateFile{FileID: 1, Path: "/a"})

	assert.ErrorIs(t, tbl.Apply(journal.Entry{SeqNum: 2, Payload: journal.CreateFile{FileID: 1, Path: "/other"}}), core.ErrFileExists)
	assert.ErrorIs(t, tbl.Apply(journal.Entry{SeqNum: 2, Payload: journal.CreateFile{FileID: 2, Path: "/a"}}), core.ErrFileExists)
	assert.ErrorIs(t, tbl.Apply(journal.Entry{SeqNum: 2, Payload: journal.DeleteFile{FileID: 5}}), core.ErrFileNotFound)
	assert.ErrorIs(t, tbl.Apply(journal.Entry{SeqNum: 2, Payload: journal.AsyncCompleteFile{FileID: 1}}), core.ErrFileAlreadyCompleted)

	// Lineage entries belong to another component.
	assert.NoError(t, tbl.Apply(journal.Entry{SeqNum: 2, Payload: journal.LineageDeleted{JobID: 1}}))
}

func TestTable_EncodeRestore(t *testing.T) {
	tbl := NewTable(nil)
	apply(t, tbl, 1, journal.CreateFile{FileID: 4, Path: "/x", BlockSizeBytes: 8, CreationTimeMs: 1})
	apply(t, tbl, 2, journal.CreateFile{FileID: 2, Path: "/y", BlockSizeBytes: 8, CreationTimeMs: 2})
	apply(t, tbl, 3, journal.CompleteFile{FileID: 2, Length: 5, BlockIDs: []core.BlockID{core.NewBlockID(2, 0)}, Async: true})
	apply(t, tbl, 4, journal.DeleteFile{FileID: 4})

	enc := core.NewEncoder(nil)
	tbl.Encode(enc)

	restored := NewTable(nil)
	apply(t, restored, 1, journal.CreateFile{FileID: 99, Path: "/stale"})
	require.NoError(t, restored.Restore(core.NewDecoder(enc.Bytes())))

	assert.Equal(t, tbl.Files(), restored.Files())
	assert.Equal(t, core.FileID(5), restored.NextFileID())
	_, err := restored.Lookup("/stale")
	assert.ErrorIs(t, err, core.ErrFileNotFound)

	again := core.NewEncoder(nil)
	restored.Encode(again)
	assert.Equal(t, enc.Bytes(), again.Bytes(), "encoding must be deterministic")

	err = NewTable(nil).Restore(core.NewDecoder(enc.Bytes()[:len(enc.Bytes())-3]))
	assert.Error(t, err)
}
