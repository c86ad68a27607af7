package master

import (
	"context"
	"fmt"
	"slices"

	"github.com/INLOpen/tierfs/checkpoint"
	"github.com/INLOpen/tierfs/cluster"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/lineage"
	"github.com/INLOpen/tierfs/namespace"
	"github.com/INLOpen/tierfs/recovery"
)

// CreateFile adds an empty, incomplete file at path.
func (m *Master) CreateFile(ctx context.Context, path string, blockSizeBytes uint64) (core.FileID, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	e, err := m.committer.Commit(ctx, func() (journal.Payload, error) {
		if err := m.namespace.CheckCreate(path); err != nil {
			return nil, err
		}
		return journal.CreateFile{
			FileID:         m.namespace.NextFileID(),
			Path:           path,
			BlockSizeBytes: blockSizeBytes,
			CreationTimeMs: m.opts.Now().UnixMilli(),
		}, nil
	})
	if err != nil {
		return 0, err
	}
	id := e.Payload.(journal.CreateFile).FileID
	m.logger.Debug("File created", "file_id", id, "path", path, "seq_num", e.SeqNum)
	return id, nil
}

// CompleteFile seals the length and blocks of a file. A synchronous
// completion makes the file complete at once. An asynchronous one leaves it
// pending until every block is reported durable.
func (m *Master) CompleteFile(ctx context.Context, id core.FileID, length uint64, blocks []core.BlockID, async bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	blocks = slices.Clone(blocks)
	_, err := m.committer.Commit(ctx, func() (journal.Payload, error) {
		if err := m.namespace.CheckComplete(id, blocks); err != nil {
			return nil, err
		}
		return journal.CompleteFile{
			FileID:   id,
			Length:   length,
			BlockIDs: blocks,
			Async:    async,
			OpTimeMs: m.opts.Now().UnixMilli(),
		}, nil
	})
	if err != nil {
		return err
	}

	if async {
		// Blocks may have been reported durable before the completion.
		for _, b := range blocks {
			if !m.cluster.BlockDurable(b) {
				continue
			}
			if err := m.tracker.OnBlockPersisted(ctx, b); err != nil {
				return err
			}
		}
		if err := m.tracker.TryComplete(ctx, id); err != nil {
			return err
		}
	}
	return m.promoteProducers(ctx, id)
}

func (m *Master) DeleteFile(ctx context.Context, id core.FileID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.committer.Commit(ctx, func() (journal.Payload, error) {
		if _, err := m.namespace.File(id); err != nil {
			return nil, err
		}
		return journal.DeleteFile{FileID: id, OpTimeMs: m.opts.Now().UnixMilli()}, nil
	})
	return err
}

func (m *Master) RenameFile(ctx context.Context, id core.FileID, path string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.committer.Commit(ctx, func() (journal.Payload, error) {
		if err := m.namespace.CheckRename(id, path); err != nil {
			return nil, err
		}
		return journal.RenameFile{FileID: id, Path: path, OpTimeMs: m.opts.Now().UnixMilli()}, nil
	})
	return err
}

// SubmitLineage records that outputs are computed from inputs by spec.
// Every file must exist.
func (m *Master) SubmitLineage(ctx context.Context, inputs, outputs []core.FileID, spec core.JobSpec) (core.JobID, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	id, err := m.lineage.Submit(ctx, inputs, outputs, spec)
	if err != nil {
		return 0, err
	}
	return id, m.promote(ctx, id)
}

// DeleteLineage removes a job, and with cascade every job depending on it.
func (m *Master) DeleteLineage(ctx context.Context, id core.JobID, cascade bool) ([]core.JobID, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.lineage.Delete(ctx, id, cascade)
}

func (m *Master) RegisterWorker(id core.WorkerID, address string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.cluster.RegisterWorker(id, address)
}

func (m *Master) Heartbeat(id core.WorkerID) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.cluster.Heartbeat(id)
}

var _ cluster.BlockReporter = (*Master)(nil)

// ReportBlocks accepts a worker's full block list for one tier. Blocks that
// became durable advance pending completions and lineage states.
func (m *Master) ReportBlocks(report cluster.BlockReport) ([]core.BlockID, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	durable, err := m.cluster.ReportBlocks(report)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	var files []core.FileID
	for _, b := range durable {
		if err := m.tracker.OnBlockPersisted(ctx, b); err != nil {
			return durable, err
		}
		if f := b.File(); !slices.Contains(files, f) {
			files = append(files, f)
		}
	}
	for _, f := range files {
		if err := m.promoteProducers(ctx, f); err != nil {
			return durable, err
		}
	}
	return durable, nil
}

func (m *Master) File(id core.FileID) (namespace.File, error) {
	return m.namespace.File(id)
}

func (m *Master) Lookup(path string) (namespace.File, error) {
	return m.namespace.Lookup(path)
}

func (m *Master) Files() []namespace.File {
	return m.namespace.Files()
}

func (m *Master) Job(id core.JobID) (lineage.Job, error) {
	return m.lineage.Job(id)
}

func (m *Master) Jobs() []lineage.Job {
	return m.lineage.Jobs()
}

func (m *Master) Workers() []cluster.WorkerInfo {
	var out []cluster.WorkerInfo
	for _, id := range m.cluster.LiveWorkers() {
		if w, err := m.cluster.Worker(id); err == nil {
			out = append(out, w)
		}
	}
	return out
}

// FileAvailable reports whether a file is written and every one of its
// blocks is held by a live worker.
func (m *Master) FileAvailable(id core.FileID) bool {
	f, err := m.namespace.File(id)
	if err != nil || !f.Written() {
		return false
	}
	return m.cluster.BlocksAvailable(f.Blocks)
}

// Recover rebuilds lost files through their lineage. Pending completions
// of files that cannot be rebuilt are failed with the recovery error.
func (m *Master) Recover(ctx context.Context, lost []core.FileID) *recovery.Result {
	for _, f := range lost {
		if m.tracker.IsPending(f) {
			m.tracker.ClearFailure(f)
		}
	}
	res := m.scheduler.Recover(ctx, lost)
	for f, err := range res.Failed {
		m.tracker.Fail(f, err)
	}
	return res
}

// WaitFileCompleted blocks until the file is complete. It fails at once for
// files still being written, and with the recovery error when a pending
// file lost data that could not be rebuilt.
func (m *Master) WaitFileCompleted(ctx context.Context, id core.FileID) error {
	f, err := m.namespace.File(id)
	if err != nil {
		return err
	}
	switch f.State {
	case namespace.FileComplete:
		return nil
	case namespace.FileIncomplete:
		return fmt.Errorf("file %d: %w", id, core.ErrFileIncomplete)
	}
	return m.tracker.Wait(ctx, id)
}

// Checkpoint writes a checkpoint of the current state now.
func (m *Master) Checkpoint(ctx context.Context) (checkpoint.Info, error) {
	if err := m.checkOpen(); err != nil {
		return checkpoint.Info{}, err
	}
	return m.cpManager.Checkpoint(ctx)
}

// LastSeq returns the sequence number of the last durable journal entry.
func (m *Master) LastSeq() uint64 {
	return m.journal.LastSeq()
}

// RecoveryLatency returns the q-quantile of job recovery latency in
// seconds.
func (m *Master) RecoveryLatency(q float64) float64 {
	return m.scheduler.LatencyQuantile(q)
}

func (m *Master) promoteProducers(ctx context.Context, file core.FileID) error {
	for _, id := range m.lineage.JobsProducing(file) {
		if err := m.promote(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// promote advances a job once its outputs allow it: CREATED becomes
// COMPLETE when every output is written, and CREATED or COMPLETE becomes
// PERSISTED when every output is complete and durable. RECOVERING jobs
// belong to the recovery scheduler.
func (m *Master) promote(ctx context.Context, id core.JobID) error {
	job, err := m.lineage.Job(id)
	if err != nil {
		return err
	}
	if job.State == core.JobRecovering || job.State == core.JobPersisted {
		return nil
	}
	written, durable := true, true
	for _, out := range job.Outputs {
		f, err := m.namespace.File(out)
		if err != nil {
			return nil
		}
		written = written && f.Written()
		durable = durable && m.fileDurable(f)
	}
	switch {
	case durable:
		return m.lineage.MarkPersisted(ctx, id)
	case written && job.State == core.JobCreated:
		return m.lineage.MarkComplete(ctx, id)
	}
	return nil
}

func (m *Master) fileDurable(f namespace.File) bool {
	if f.State != namespace.FileComplete {
		return false
	}
	if f.Persisted {
		return true
	}
	for _, b := range f.Blocks {
		if !m.cluster.BlockDurable(b) {
			return false
		}
	}
	return true
}
