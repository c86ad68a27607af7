package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/sys"
)

const (
	segmentFileSuffix = ".journal"
	// MaxSegmentSize is the default maximum size for a journal segment file.
	MaxSegmentSize = 64 * 1024 * 1024
	// maxRecordSize rejects absurd length prefixes before allocating.
	maxRecordSize = 256 * 1024 * 1024
	// recordOverhead is length(4) + checksum(4).
	recordOverhead = 8
)

var (
	// errTornRecord marks a record cut short by the end of the file.
	errTornRecord = errors.New("torn record")
	errChecksum   = errors.New("record checksum mismatch")
)

// formatSegmentFileName names a segment after the sequence number of its
// first entry.
func formatSegmentFileName(firstSeq uint64) string {
	return fmt.Sprintf("%020d%s", firstSeq, segmentFileSuffix)
}

// parseSegmentFileName extracts the first sequence number from a segment file name.
func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// segmentWriter appends records to the active segment. Each record goes out
// in a single write followed by fsync so a failed append can be cut off by
// truncating back to the previous size.
type segmentWriter struct {
	file     sys.FileHandle
	path     string
	firstSeq uint64
	size     int64
	records  int
}

func createSegment(dir string, firstSeq uint64, openFile sys.OpenFileHandler) (*segmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(firstSeq))
	file, err := openFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.JournalMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header of %s: %w", path, err)
	}
	if err := sys.SyncDir(dir); err != nil {
		file.Close()
		return nil, err
	}

	return &segmentWriter{
		file:     file,
		path:     path,
		firstSeq: firstSeq,
		size:     int64(core.FileHeaderSize),
	}, nil
}

// openSegmentForAppend reopens an existing segment positioned at size,
// dropping anything after it.
func openSegmentForAppend(path string, firstSeq uint64, size int64, records int, openFile sys.OpenFileHandler) (*segmentWriter, error) {
	file, err := openFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s for append: %w", path, err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate segment %s to %d: %w", path, size, err)
	}
	if _, err := file.Seek(size, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	return &segmentWriter{file: file, path: path, firstSeq: firstSeq, size: size, records: records}, nil
}

// frameRecord builds: length (4 bytes) | data (variable) | checksum (4 bytes)
func frameRecord(data []byte) []byte {
	buf := make([]byte, 0, len(data)+recordOverhead)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
}

// writeRecord writes and syncs one framed record. On failure the segment is
// truncated back to its previous size; if that also fails the returned
// rollback error is non-nil and the segment must not be used again.
func (sw *segmentWriter) writeRecord(data []byte) (writeErr, rollbackErr error) {
	if sw.file == nil {
		return os.ErrClosed, nil
	}
	framed := frameRecord(data)
	if _, err := sw.file.Write(framed); err != nil {
		return fmt.Errorf("failed to write record: %w", err), sw.rollback()
	}
	if err := sw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync record: %w", err), sw.rollback()
	}
	sw.size += int64(len(framed))
	sw.records++
	return nil, nil
}

func (sw *segmentWriter) rollback() error {
	if err := sw.file.Truncate(sw.size); err != nil {
		return err
	}
	if _, err := sw.file.Seek(sw.size, io.SeekStart); err != nil {
		return err
	}
	return sw.file.Sync()
}

func (sw *segmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.file.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// segmentReader reads records sequentially and tracks the offset just past
// the last good record.
type segmentReader struct {
	file     sys.FileHandle
	path     string
	firstSeq uint64
	reader   *bufio.Reader
	offset   int64
	records  int
}

func openSegmentForRead(path string) (*segmentReader, error) {
	firstSeq, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}
	r := bufio.NewReader(file)
	if _, err := core.ReadFileHeader(r, core.JournalMagicNumber); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("segment %s: %w", path, errTornRecord)
		}
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	return &segmentReader{
		file:     file,
		path:     path,
		firstSeq: firstSeq,
		reader:   r,
		offset:   int64(core.FileHeaderSize),
	}, nil
}

// readRecord returns the next record payload. io.EOF means a clean end,
// errTornRecord a record cut short by the end of the file, errChecksum a
// complete record whose contents do not match.
func (sr *segmentReader) readRecord() ([]byte, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(sr.reader, lenBuf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errTornRecord
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxRecordSize {
		return nil, fmt.Errorf("invalid record length %d at offset %d", length, sr.offset)
	}
	body := make([]byte, int(length)+4)
	if _, err := io.ReadFull(sr.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errTornRecord
		}
		return nil, err
	}
	data := body[:length]
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(body[length:]) {
		return nil, fmt.Errorf("%w at offset %d", errChecksum, sr.offset)
	}
	sr.offset += int64(length) + recordOverhead
	sr.records++
	return data, nil
}

func (sr *segmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
