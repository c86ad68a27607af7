package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// --- Magic Numbers ---
const (
	// JournalMagicNumber identifies a journal segment file.
	JournalMagicNumber uint32 = 0x4A524E4C // "JRNL"
	// CheckpointMagicNumber identifies a checkpoint file.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
	// SchemaVersion is the current journal entry schema version. Readers
	// accept any version up to and including it.
	SchemaVersion uint8 = 1
)

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration name to a CompressionType.
func ParseCompressionType(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression type %q", name)
	}
}

// Compressor compresses checkpoint bodies. The raw length is stored next to
// the compressed bytes, so Decompress receives it as a size hint.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, rawLen int) ([]byte, error)
	Type() CompressionType
}

// FileHeader is a standard header for all persistent log and checkpoint files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of a FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// ReadFileHeader reads a header and checks its magic number and version.
func ReadFileHeader(r io.Reader, magic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if h.Magic != magic {
		return h, fmt.Errorf("invalid magic number: got %x, want %x", h.Magic, magic)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return h, fmt.Errorf("%w: file format version %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}
