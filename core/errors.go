package core

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound          = errors.New("file not found")
	ErrFileExists            = errors.New("file already exists")
	ErrFileAlreadyCompleted  = errors.New("file already completed")
	ErrFileDeleted           = errors.New("file deleted")
	ErrFileIncomplete        = errors.New("file is not completed")
	ErrInvalidPath           = errors.New("invalid path")
	ErrInvalidBlock          = errors.New("block does not belong to file")
	ErrJobNotFound           = errors.New("lineage job not found")
	ErrIllegalTransition     = errors.New("illegal lineage state transition")
	ErrOutputAlreadyProduced = errors.New("output file already produced by another job")
	ErrHasDependents         = errors.New("lineage job has dependent jobs")
	ErrNoOutputs             = errors.New("lineage job declares no outputs")
	ErrWorkerNotFound        = errors.New("worker not found")
	ErrNoLiveWorkers         = errors.New("no live workers available")
	ErrJournalClosed         = errors.New("journal is closed")
	ErrJournalPoisoned       = errors.New("journal is poisoned by an earlier unrecoverable write failure")
	ErrNotRecovered          = errors.New("journal has not been recovered yet")
	ErrUnknownEntryType      = errors.New("unknown journal entry type")
	ErrUnsupportedVersion    = errors.New("unsupported schema version")
)

// DurabilityError reports that the journal could not confirm an append. The
// mutation it carried must not be treated as applied.
type DurabilityError struct {
	SeqNum uint64
	Err    error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("journal append of seq %d not durable: %v", e.SeqNum, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// CorruptionError reports a journal or checkpoint that cannot be read back
// consistently. It is fatal at startup.
type CorruptionError struct {
	Path   string
	SeqNum uint64
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.SeqNum > 0 {
		return fmt.Sprintf("corruption in %s near seq %d: %v", e.Path, e.SeqNum, e.Err)
	}
	return fmt.Sprintf("corruption in %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// CyclicDependencyError rejects a lineage submission whose inputs
// transitively depend on one of its own outputs.
type CyclicDependencyError struct {
	Output FileID
	Input  FileID
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic lineage: input file %d transitively depends on output file %d", e.Input, e.Output)
}

// RecoveryFailedError reports that recomputing a file gave up after its
// bounded retries or timeout.
type RecoveryFailedError struct {
	File     FileID
	Job      JobID
	Attempts int
	Err      error
}

func (e *RecoveryFailedError) Error() string {
	return fmt.Sprintf("recovery of file %d via %s failed after %d attempt(s): %v", e.File, e.Job, e.Attempts, e.Err)
}

func (e *RecoveryFailedError) Unwrap() error { return e.Err }

// UnrecoverableDataLoss reports a lost file that no recorded lineage can
// reconstruct. Missing names the file lacking lineage, which differs from
// File when the loss is inherited from an input.
type UnrecoverableDataLoss struct {
	File    FileID
	Missing FileID
}

func (e *UnrecoverableDataLoss) Error() string {
	if e.Missing != e.File {
		return fmt.Sprintf("unrecoverable data loss for file %d: input file %d has no lineage", e.File, e.Missing)
	}
	return fmt.Sprintf("unrecoverable data loss for file %d: no lineage job produces it", e.File)
}

// IsDurabilityError checks whether err (or any error it wraps) is a DurabilityError.
func IsDurabilityError(err error) bool {
	var target *DurabilityError
	return errors.As(err, &target)
}

// IsCorruptionError checks whether err (or any error it wraps) is a CorruptionError.
func IsCorruptionError(err error) bool {
	var target *CorruptionError
	return errors.As(err, &target)
}

func IsCyclicDependencyError(err error) bool {
	var target *CyclicDependencyError
	return errors.As(err, &target)
}

func IsRecoveryFailedError(err error) bool {
	var target *RecoveryFailedError
	return errors.As(err, &target)
}

func IsUnrecoverableDataLoss(err error) bool {
	var target *UnrecoverableDataLoss
	return errors.As(err, &target)
}
