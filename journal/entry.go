package journal

import (
	"fmt"

	"github.com/INLOpen/tierfs/core"
)

// EntryType is the tag stored in front of every journal record.
type EntryType uint8

const (
	EntryCreateFile EntryType = iota + 1
	EntryCompleteFile
	EntryAsyncCompleteFile
	EntryDeleteFile
	EntryRenameFile
	EntryLineageCreated
	EntryLineageStateChanged
	EntryLineageDeleted
	EntryBlockPersisted
)

func (t EntryType) String() string {
	switch t {
	case EntryCreateFile:
		return "CreateFile"
	case EntryCompleteFile:
		return "CompleteFile"
	case EntryAsyncCompleteFile:
		return "AsyncCompleteFile"
	case EntryDeleteFile:
		return "DeleteFile"
	case EntryRenameFile:
		return "RenameFile"
	case EntryLineageCreated:
		return "LineageCreated"
	case EntryLineageStateChanged:
		return "LineageStateChanged"
	case EntryLineageDeleted:
		return "LineageDeleted"
	case EntryBlockPersisted:
		return "BlockPersisted"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Payload is one variant of the journal entry union.
type Payload interface {
	Type() EntryType
	encode(enc *core.Encoder)
}

// Entry is a durable, sequenced journal record. Entries are immutable once
// appended.
type Entry struct {
	SeqNum  uint64
	Version uint8
	Payload Payload
}

func (e Entry) Type() EntryType {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Type()
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d %s %+v", e.SeqNum, e.Type(), e.Payload)
}

// entryHeaderSize is tag(1) | version(1) | seq(8).
const entryHeaderSize = 10

// payloadDecoder decodes the body of one entry type. version is the schema
// version the record was written with.
type payloadDecoder func(version uint8, dec *core.Decoder) Payload

var decoders = map[EntryType]payloadDecoder{
	EntryCreateFile:          decodeCreateFile,
	EntryCompleteFile:        decodeCompleteFile,
	EntryAsyncCompleteFile:   decodeAsyncCompleteFile,
	EntryDeleteFile:          decodeDeleteFile,
	EntryRenameFile:          decodeRenameFile,
	EntryLineageCreated:      decodeLineageCreated,
	EntryLineageStateChanged: decodeLineageStateChanged,
	EntryLineageDeleted:      decodeLineageDeleted,
	EntryBlockPersisted:      decodeBlockPersisted,
}

// EncodeEntry serializes an entry into a record payload.
func EncodeEntry(e Entry) []byte {
	enc := core.NewEncoder(make([]byte, 0, 64))
	enc.PutUint8(uint8(e.Payload.Type()))
	enc.PutUint8(e.Version)
	enc.PutUint64(e.SeqNum)
	e.Payload.encode(enc)
	return enc.Bytes()
}

// DecodeEntry parses a record payload. Unknown tags fail with
// core.ErrUnknownEntryType and newer schema versions with
// core.ErrUnsupportedVersion; the returned entry still carries the sequence
// number in those cases when the header was readable.
func DecodeEntry(data []byte) (Entry, error) {
	if len(data) < entryHeaderSize {
		return Entry{}, fmt.Errorf("entry of %d bytes is shorter than its header: %w", len(data), core.ErrShortBuffer)
	}
	dec := core.NewDecoder(data)
	typ := EntryType(dec.Uint8())
	version := dec.Uint8()
	e := Entry{SeqNum: dec.Uint64(), Version: version}

	decode, ok := decoders[typ]
	if !ok {
		return e, fmt.Errorf("%w: tag %d", core.ErrUnknownEntryType, uint8(typ))
	}
	if version == 0 || version > core.SchemaVersion {
		return e, fmt.Errorf("%w: %s written with schema version %d", core.ErrUnsupportedVersion, typ, version)
	}
	p := decode(version, dec)
	if err := dec.Err(); err != nil {
		return e, fmt.Errorf("decode %s: %w", typ, err)
	}
	if dec.Remaining() != 0 {
		return e, fmt.Errorf("decode %s: %d trailing bytes", typ, dec.Remaining())
	}
	e.Payload = p
	return e, nil
}
