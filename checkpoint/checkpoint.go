package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/INLOpen/tierfs/compressors"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/sys"
)

const (
	filePrefix = "checkpoint-"
	fileSuffix = ".ckpt"
	tempSuffix = ".tmp"
	// maxBodySize rejects corrupt length fields before allocating.
	maxBodySize = 1 << 32
)

// File is a decoded checkpoint.
type File struct {
	Path        string
	SeqNum      uint64
	Compression core.CompressionType
	Body        []byte
}

// Info describes a checkpoint written to disk.
type Info struct {
	SeqNum          uint64
	Path            string
	RawBytes        int64
	CompressedBytes int64
}

// FileName returns the name of the checkpoint covering entries up to seq.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	return seq, err == nil
}

// Write atomically writes a checkpoint of body, tagged with seq, into dir.
//
// Layout: FileHeader | seq (8) | raw length (8) | compressed length (8) |
// compressed body | crc32 of everything after the header (4).
//
// The file is written under a temporary name, synced, renamed into place and
// the directory synced, so a crash leaves either the old set of checkpoints
// or the new one.
func Write(dir string, seq uint64, body []byte, compressor core.Compressor) (Info, error) {
	if compressor == nil {
		compressor = compressors.NewNoCompressionCompressor()
	}
	compressed, err := compressor.Compress(body)
	if err != nil {
		return Info{}, fmt.Errorf("failed to compress checkpoint body: %w", err)
	}

	finalPath := filepath.Join(dir, FileName(seq))
	tempPath := finalPath + tempSuffix
	file, err := sys.Create(tempPath)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	header := core.NewFileHeader(core.CheckpointMagicNumber, compressor.Type())
	meta := make([]byte, 0, 24)
	meta = binary.LittleEndian.AppendUint64(meta, seq)
	meta = binary.LittleEndian.AppendUint64(meta, uint64(len(body)))
	meta = binary.LittleEndian.AppendUint64(meta, uint64(len(compressed)))
	crc := crc32.NewIEEE()
	crc.Write(meta)
	crc.Write(compressed)

	w := bufio.NewWriter(file)
	writeErr := binary.Write(w, binary.LittleEndian, &header)
	if writeErr == nil {
		_, writeErr = w.Write(meta)
	}
	if writeErr == nil {
		_, writeErr = w.Write(compressed)
	}
	if writeErr == nil {
		writeErr = binary.Write(w, binary.LittleEndian, crc.Sum32())
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr != nil {
		file.Close()
		_ = sys.Remove(tempPath)
		return Info{}, fmt.Errorf("failed to write checkpoint: %w", writeErr)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = sys.Remove(tempPath)
		return Info{}, fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before renaming.
	if err := file.Close(); err != nil {
		_ = sys.Remove(tempPath)
		return Info{}, fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}
	if err := sys.Rename(tempPath, finalPath); err != nil {
		_ = sys.Remove(tempPath)
		return Info{}, fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	if err := sys.SyncDir(dir); err != nil {
		return Info{}, err
	}

	return Info{
		SeqNum:          seq,
		Path:            finalPath,
		RawBytes:        int64(len(body)),
		CompressedBytes: int64(core.FileHeaderSize + len(meta) + len(compressed) + 4),
	}, nil
}

// Read reads and verifies a checkpoint file. Any inconsistency is reported
// as a *core.CorruptionError.
func Read(path string) (*File, error) {
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	corrupt := func(err error) error {
		return &core.CorruptionError{Path: path, Err: err}
	}

	r := bufio.NewReader(file)
	header, err := core.ReadFileHeader(r, core.CheckpointMagicNumber)
	if err != nil {
		return nil, corrupt(err)
	}
	meta := make([]byte, 24)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, corrupt(fmt.Errorf("failed to read checkpoint metadata: %w", err))
	}
	seq := binary.LittleEndian.Uint64(meta[0:])
	rawLen := binary.LittleEndian.Uint64(meta[8:])
	compLen := binary.LittleEndian.Uint64(meta[16:])
	if rawLen > maxBodySize || compLen > maxBodySize {
		return nil, corrupt(fmt.Errorf("implausible body lengths raw=%d compressed=%d", rawLen, compLen))
	}
	if nameSeq, ok := parseFileName(filepath.Base(path)); ok && nameSeq != seq {
		return nil, corrupt(fmt.Errorf("file name says seq %d, contents say %d", nameSeq, seq))
	}

	compressed := make([]byte, compLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, corrupt(fmt.Errorf("failed to read checkpoint body: %w", err))
	}
	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return nil, corrupt(fmt.Errorf("failed to read checkpoint checksum: %w", err))
	}
	crc := crc32.NewIEEE()
	crc.Write(meta)
	crc.Write(compressed)
	if crc.Sum32() != storedCRC {
		return nil, corrupt(errors.New("checkpoint checksum mismatch"))
	}

	decompressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, corrupt(err)
	}
	body, err := decompressor.Decompress(compressed, int(rawLen))
	if err != nil {
		return nil, corrupt(fmt.Errorf("failed to decompress checkpoint body: %w", err))
	}
	if uint64(len(body)) != rawLen {
		return nil, corrupt(fmt.Errorf("decompressed %d bytes, expected %d", len(body), rawLen))
	}

	return &File{Path: path, SeqNum: seq, Compression: header.CompressorType, Body: body}, nil
}

// List returns the sequence numbers of the checkpoints in dir, ascending.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkpoint directory %s: %w", dir, err)
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseFileName(e.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}

// LoadLatest returns the newest checkpoint in dir, or nil when there is
// none. In strict mode an unreadable newest checkpoint is an error. With
// bestEffort set it falls back to older checkpoints, logging each one it
// skips.
func LoadLatest(dir string, bestEffort bool, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seqs, err := List(dir)
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		path := filepath.Join(dir, FileName(seqs[i]))
		cp, err := Read(path)
		if err == nil {
			return cp, nil
		}
		if !bestEffort {
			return nil, err
		}
		logger.Warn("Skipping unreadable checkpoint", "path", path, "error", err)
	}
	return nil, nil
}

// Retain deletes all but the newest keep checkpoints and any leftover
// temporary files. keep < 1 is treated as 1.
func Retain(dir string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), tempSuffix) {
			if err := sys.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	seqs, err := List(dir)
	if err != nil {
		return removed, err
	}
	if len(seqs) <= keep {
		return removed, nil
	}
	for _, seq := range seqs[:len(seqs)-keep] {
		if err := sys.Remove(filepath.Join(dir, FileName(seq))); err != nil {
			return removed, fmt.Errorf("failed to remove old checkpoint %d: %w", seq, err)
		}
		removed++
	}
	return removed, sys.SyncDir(dir)
}
