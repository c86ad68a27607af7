package journal

import "github.com/INLOpen/tierfs/core"

// CreateFile adds a file to the namespace.
type CreateFile struct {
	FileID         core.FileID
	Path           string
	BlockSizeBytes uint64
	CreationTimeMs int64
}

func (CreateFile) Type() EntryType { return EntryCreateFile }

func (p CreateFile) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.FileID))
	enc.PutString(p.Path)
	enc.PutUvarint(p.BlockSizeBytes)
	enc.PutVarint(p.CreationTimeMs)
}

func decodeCreateFile(_ uint8, dec *core.Decoder) Payload {
	return CreateFile{
		FileID:         core.FileID(dec.Uvarint()),
		Path:           dec.String(),
		BlockSizeBytes: dec.Uvarint(),
		CreationTimeMs: dec.Varint(),
	}
}

// CompleteFile seals a file's length and block list. When Async is set the
// file only becomes complete once every block is persisted, which is
// recorded by a later AsyncCompleteFile.
type CompleteFile struct {
	FileID   core.FileID
	Length   uint64
	BlockIDs []core.BlockID
	Async    bool
	OpTimeMs int64
}

func (CompleteFile) Type() EntryType { return EntryCompleteFile }

func (p CompleteFile) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.FileID))
	enc.PutUvarint(p.Length)
	enc.PutBlockIDs(p.BlockIDs)
	enc.PutBool(p.Async)
	enc.PutVarint(p.OpTimeMs)
}

func decodeCompleteFile(_ uint8, dec *core.Decoder) Payload {
	return CompleteFile{
		FileID:   core.FileID(dec.Uvarint()),
		Length:   dec.Uvarint(),
		BlockIDs: dec.BlockIDs(),
		Async:    dec.Bool(),
		OpTimeMs: dec.Varint(),
	}
}

// AsyncCompleteFile records that every block of an asynchronously completed
// file reached durable storage.
type AsyncCompleteFile struct {
	FileID core.FileID
}

func (AsyncCompleteFile) Type() EntryType { return EntryAsyncCompleteFile }

func (p AsyncCompleteFile) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.FileID))
}

func decodeAsyncCompleteFile(_ uint8, dec *core.Decoder) Payload {
	return AsyncCompleteFile{FileID: core.FileID(dec.Uvarint())}
}

type DeleteFile struct {
	FileID   core.FileID
	OpTimeMs int64
}

func (DeleteFile) Type() EntryType { return EntryDeleteFile }

func (p DeleteFile) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.FileID))
	enc.PutVarint(p.OpTimeMs)
}

func decodeDeleteFile(_ uint8, dec *core.Decoder) Payload {
	return DeleteFile{FileID: core.FileID(dec.Uvarint()), OpTimeMs: dec.Varint()}
}

type RenameFile struct {
	FileID   core.FileID
	Path     string
	OpTimeMs int64
}

func (RenameFile) Type() EntryType { return EntryRenameFile }

func (p RenameFile) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.FileID))
	enc.PutString(p.Path)
	enc.PutVarint(p.OpTimeMs)
}

func decodeRenameFile(_ uint8, dec *core.Decoder) Payload {
	return RenameFile{FileID: core.FileID(dec.Uvarint()), Path: dec.String(), OpTimeMs: dec.Varint()}
}

// LineageCreated records a new lineage job in state CREATED.
type LineageCreated struct {
	JobID          core.JobID
	Inputs         []core.FileID
	Outputs        []core.FileID
	Spec           core.JobSpec
	CreationTimeMs int64
}

func (LineageCreated) Type() EntryType { return EntryLineageCreated }

func (p LineageCreated) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.JobID))
	enc.PutFileIDs(p.Inputs)
	enc.PutFileIDs(p.Outputs)
	enc.PutJobSpec(p.Spec)
	enc.PutVarint(p.CreationTimeMs)
}

func decodeLineageCreated(_ uint8, dec *core.Decoder) Payload {
	return LineageCreated{
		JobID:          core.JobID(dec.Uvarint()),
		Inputs:         dec.FileIDs(),
		Outputs:        dec.FileIDs(),
		Spec:           dec.JobSpec(),
		CreationTimeMs: dec.Varint(),
	}
}

type LineageStateChanged struct {
	JobID core.JobID
	State core.JobState
}

func (LineageStateChanged) Type() EntryType { return EntryLineageStateChanged }

func (p LineageStateChanged) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.JobID))
	enc.PutUint8(uint8(p.State))
}

func decodeLineageStateChanged(_ uint8, dec *core.Decoder) Payload {
	return LineageStateChanged{JobID: core.JobID(dec.Uvarint()), State: core.JobState(dec.Uint8())}
}

type LineageDeleted struct {
	JobID core.JobID
}

func (LineageDeleted) Type() EntryType { return EntryLineageDeleted }

func (p LineageDeleted) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.JobID))
}

func decodeLineageDeleted(_ uint8, dec *core.Decoder) Payload {
	return LineageDeleted{JobID: core.JobID(dec.Uvarint())}
}

// BlockPersisted records that a block of a pending asynchronous completion
// reached durable storage. Replaying it restores completion progress.
type BlockPersisted struct {
	BlockID core.BlockID
}

func (BlockPersisted) Type() EntryType { return EntryBlockPersisted }

func (p BlockPersisted) encode(enc *core.Encoder) {
	enc.PutUvarint(uint64(p.BlockID))
}

func decodeBlockPersisted(_ uint8, dec *core.Decoder) Payload {
	return BlockPersisted{BlockID: core.BlockID(dec.Uvarint())}
}
