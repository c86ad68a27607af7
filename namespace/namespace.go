// Package namespace holds the master's view of files. The tree structure of
// a real file system lives elsewhere; this package only tracks what the
// journal says about each file id and is rebuilt from the journal on start.
package namespace

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/journal"
)

// FileState is the lifecycle of a file in the namespace.
type FileState uint8

const (
	// FileIncomplete files are still being written.
	FileIncomplete FileState = iota + 1
	// FilePending files were completed asynchronously and wait for every
	// block to be persisted.
	FilePending
	// FileComplete files are fully written.
	FileComplete
)

func (s FileState) String() string {
	switch s {
	case FileIncomplete:
		return "INCOMPLETE"
	case FilePending:
		return "PENDING"
	case FileComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("FileState(%d)", uint8(s))
	}
}

// File is a copy of one namespace record.
type File struct {
	ID             core.FileID
	Path           string
	BlockSizeBytes uint64
	Length         uint64
	Blocks         []core.BlockID
	State          FileState
	// Persisted is set once an asynchronous completion confirmed every
	// block durable.
	Persisted      bool
	CreationTimeMs int64
	LastModifiedMs int64
}

// Written reports whether the client finished writing the file, whether or
// not its blocks are confirmed durable.
func (f File) Written() bool {
	return f.State == FilePending || f.State == FileComplete
}

func (f File) clone() File {
	f.Blocks = slices.Clone(f.Blocks)
	return f
}

// Namespace is fed journal entries in sequence order, both live and during
// replay, and answers the lookups the master needs to validate mutations.
type Namespace interface {
	// Apply applies a durable entry. Entries the namespace does not own are
	// ignored.
	Apply(e journal.Entry) error
	NextFileID() core.FileID
	File(id core.FileID) (File, error)
	Lookup(path string) (File, error)
	Files() []File
	CheckCreate(path string) error
	CheckComplete(id core.FileID, blocks []core.BlockID) error
	CheckRename(id core.FileID, path string) error
	// Encode writes a deterministic snapshot; Restore replaces the current
	// contents with one.
	Encode(enc *core.Encoder)
	Restore(dec *core.Decoder) error
}

// Table is the default in-memory Namespace: a flat id -> file map plus a
// path index.
type Table struct {
	mu     sync.RWMutex
	files  map[core.FileID]*File
	paths  map[string]core.FileID
	nextID core.FileID
	logger *slog.Logger
}

var _ Namespace = (*Table)(nil)

// NewTable creates an empty namespace.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Table{
		files:  make(map[core.FileID]*File),
		paths:  make(map[string]core.FileID),
		nextID: 1,
		logger: logger.With("component", "Namespace"),
	}
}

func (t *Table) NextFileID() core.FileID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

func (t *Table) File(id core.FileID) (File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.files[id]
	if !ok {
		return File{}, fmt.Errorf("file %d: %w", id, core.ErrFileNotFound)
	}
	return f.clone(), nil
}

func (t *Table) Lookup(path string) (File, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.paths[path]
	if !ok {
		return File{}, fmt.Errorf("%s: %w", path, core.ErrFileNotFound)
	}
	return t.files[id].clone(), nil
}

// Files returns all files ordered by id.
func (t *Table) Files() []File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]File, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f.clone())
	}
	slices.SortFunc(out, func(a, b File) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func validPath(path string) error {
	if !strings.HasPrefix(path, "/") || path == "/" || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return fmt.Errorf("%q: %w", path, core.ErrInvalidPath)
	}
	return nil
}

func (t *Table) CheckCreate(path string) error {
	if err := validPath(path); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.paths[path]; ok {
		return fmt.Errorf("%s: %w", path, core.ErrFileExists)
	}
	return nil
}

func (t *Table) CheckComplete(id core.FileID, blocks []core.BlockID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.files[id]
	if !ok {
		return fmt.Errorf("file %d: %w", id, core.ErrFileNotFound)
	}
	if f.State != FileIncomplete {
		return fmt.Errorf("file %d: %w", id, core.ErrFileAlreadyCompleted)
	}
	seen := make(map[core.BlockID]struct{}, len(blocks))
	for _, b := range blocks {
		if b.File() != id {
			return fmt.Errorf("block %s of file %d: %w", b, id, core.ErrInvalidBlock)
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("block %s listed twice: %w", b, core.ErrInvalidBlock)
		}
		seen[b] = struct{}{}
	}
	return nil
}

func (t *Table) CheckRename(id core.FileID, path string) error {
	if err := validPath(path); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.files[id]; !ok {
		return fmt.Errorf("file %d: %w", id, core.ErrFileNotFound)
	}
	if other, ok := t.paths[path]; ok && other != id {
		return fmt.Errorf("%s: %w", path, core.ErrFileExists)
	}
	return nil
}

func (t *Table) Apply(e journal.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p := e.Payload.(type) {
	case journal.CreateFile:
		if _, ok := t.files[p.FileID]; ok {
			return fmt.Errorf("create file %d: %w", p.FileID, core.ErrFileExists)
		}
		if _, ok := t.paths[p.Path]; ok {
			return fmt.Errorf("create %s: %w", p.Path, core.ErrFileExists)
		}
		t.files[p.FileID] = &File{
			ID:             p.FileID,
			Path:           p.Path,
			BlockSizeBytes: p.BlockSizeBytes,
			State:          FileIncomplete,
			CreationTimeMs: p.CreationTimeMs,
			LastModifiedMs: p.CreationTimeMs,
		}
		t.paths[p.Path] = p.FileID
		if p.FileID >= t.nextID {
			t.nextID = p.FileID + 1
		}

	case journal.CompleteFile:
		f, ok := t.files[p.FileID]
		if !ok {
			return fmt.Errorf("complete file %d: %w", p.FileID, core.ErrFileNotFound)
		}
		if f.State != FileIncomplete {
			return fmt.Errorf("complete file %d: %w", p.FileID, core.ErrFileAlreadyCompleted)
		}
		f.Length = p.Length
		f.Blocks = slices.Clone(p.BlockIDs)
		f.LastModifiedMs = p.OpTimeMs
		if p.Async {
			f.State = FilePending
		} else {
			f.State = FileComplete
		}

	case journal.AsyncCompleteFile:
		f, ok := t.files[p.FileID]
		if !ok {
			return fmt.Errorf("async complete file %d: %w", p.FileID, core.ErrFileNotFound)
		}
		if f.State != FilePending {
			return fmt.Errorf("async complete file %d in state %s: %w", p.FileID, f.State, core.ErrFileAlreadyCompleted)
		}
		f.State = FileComplete
		f.Persisted = true

	case journal.DeleteFile:
		f, ok := t.files[p.FileID]
		if !ok {
			return fmt.Errorf("delete file %d: %w", p.FileID, core.ErrFileNotFound)
		}
		delete(t.paths, f.Path)
		delete(t.files, p.FileID)

	case journal.RenameFile:
		f, ok := t.files[p.FileID]
		if !ok {
			return fmt.Errorf("rename file %d: %w", p.FileID, core.ErrFileNotFound)
		}
		if other, ok := t.paths[p.Path]; ok && other != p.FileID {
			return fmt.Errorf("rename to %s: %w", p.Path, core.ErrFileExists)
		}
		delete(t.paths, f.Path)
		f.Path = p.Path
		f.LastModifiedMs = p.OpTimeMs
		t.paths[p.Path] = p.FileID
	}
	return nil
}

// Encode writes files in id order so that equal namespaces encode to equal
// bytes.
func (t *Table) Encode(enc *core.Encoder) {
	files := t.Files()

	t.mu.RLock()
	next := t.nextID
	t.mu.RUnlock()

	enc.PutUvarint(uint64(next))
	enc.PutUvarint(uint64(len(files)))
	for _, f := range files {
		enc.PutUvarint(uint64(f.ID))
		enc.PutString(f.Path)
		enc.PutUvarint(f.BlockSizeBytes)
		enc.PutUvarint(f.Length)
		enc.PutBlockIDs(f.Blocks)
		enc.PutUint8(uint8(f.State))
		enc.PutBool(f.Persisted)
		enc.PutVarint(f.CreationTimeMs)
		enc.PutVarint(f.LastModifiedMs)
	}
}

func (t *Table) Restore(dec *core.Decoder) error {
	next := core.FileID(dec.Uvarint())
	n := dec.Count()
	files := make(map[core.FileID]*File, n)
	paths := make(map[string]core.FileID, n)
	for i := 0; i < n && dec.Err() == nil; i++ {
		f := &File{
			ID:             core.FileID(dec.Uvarint()),
			Path:           dec.String(),
			BlockSizeBytes: dec.Uvarint(),
			Length:         dec.Uvarint(),
			Blocks:         dec.BlockIDs(),
			State:          FileState(dec.Uint8()),
			Persisted:      dec.Bool(),
			CreationTimeMs: dec.Varint(),
			LastModifiedMs: dec.Varint(),
		}
		if dec.Err() != nil {
			break
		}
		if f.State < FileIncomplete || f.State > FileComplete {
			return fmt.Errorf("namespace snapshot: file %d has invalid state %d", f.ID, f.State)
		}
		if _, dup := paths[f.Path]; dup {
			return fmt.Errorf("namespace snapshot: duplicate path %s", f.Path)
		}
		files[f.ID] = f
		paths[f.Path] = f.ID
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("namespace snapshot: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = files
	t.paths = paths
	t.nextID = max(next, 1)
	t.logger.Debug("Namespace restored from snapshot", "files", len(files), "next_file_id", t.nextID)
	return nil
}
