package core

import (
	"fmt"
	"slices"
	"strconv"
)

// FileID identifies a file in the master namespace.
type FileID uint64

// BlockID identifies a fixed-size unit of file data stored on a worker.
type BlockID uint64

// JobID identifies a lineage job. IDs are handed out in submission order.
type JobID uint64

// WorkerID identifies a worker process.
type WorkerID uint64

// TierID names a storage medium class on a worker (e.g. "MEM", "SSD", "HDD").
type TierID string

const (
	// blockIndexBits is the number of low bits of a BlockID holding the
	// block's position inside its file.
	blockIndexBits = 24
	// MaxBlocksPerFile bounds the number of blocks a single file may own.
	MaxBlocksPerFile = 1 << blockIndexBits
)

// NewBlockID builds the id of the index-th block of a file. The owning file
// can always be recovered from the block id alone.
func NewBlockID(file FileID, index uint32) BlockID {
	return BlockID(uint64(file)<<blockIndexBits | uint64(index)&(MaxBlocksPerFile-1))
}

// File returns the id of the file owning the block.
func (b BlockID) File() FileID {
	return FileID(uint64(b) >> blockIndexBits)
}

// Index returns the position of the block inside its file.
func (b BlockID) Index() uint32 {
	return uint32(uint64(b) & (MaxBlocksPerFile - 1))
}

func (b BlockID) String() string {
	return fmt.Sprintf("%d:%d", b.File(), b.Index())
}

func (f FileID) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

func (j JobID) String() string {
	return "job-" + strconv.FormatUint(uint64(j), 10)
}

func (w WorkerID) String() string {
	return "worker-" + strconv.FormatUint(uint64(w), 10)
}

// JobSpecCommand is the kind of job spec whose data is a command line.
const JobSpecCommand = "command"

// JobSpec is the opaque description of the computation a lineage job runs.
// The master never interprets Data; only dispatchers do.
type JobSpec struct {
	Kind string
	Data []byte
}

// NewCommandJobSpec returns a spec for a job that runs a command line.
func NewCommandJobSpec(command string) JobSpec {
	return JobSpec{Kind: JobSpecCommand, Data: []byte(command)}
}

// Equal reports whether two specs describe the same computation.
func (s JobSpec) Equal(o JobSpec) bool {
	return s.Kind == o.Kind && string(s.Data) == string(o.Data)
}

// SortFileIDs sorts ids in ascending order in place.
func SortFileIDs(ids []FileID) {
	slices.Sort(ids)
}

// SortBlockIDs sorts ids in ascending order in place.
func SortBlockIDs(ids []BlockID) {
	slices.Sort(ids)
}

// SortJobIDs sorts ids in ascending order in place.
func SortJobIDs(ids []JobID) {
	slices.Sort(ids)
}

// JobState is the lifecycle state of a lineage job.
type JobState uint8

const (
	JobCreated JobState = iota + 1
	JobComplete
	JobPersisted
	JobRecovering
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "CREATED"
	case JobComplete:
		return "COMPLETE"
	case JobPersisted:
		return "PERSISTED"
	case JobRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is one of the defined states.
func (s JobState) Valid() bool {
	return s >= JobCreated && s <= JobRecovering
}
