package master

import (
	"context"
	"time"

	"github.com/INLOpen/tierfs/core"
	"golang.org/x/sync/errgroup"
)

// Run runs the checkpoint manager, the loss detector and the recovery
// worker until ctx is done.
func (m *Master) Run(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.logger.Info("Starting checkpoint manager...")
		return m.cpManager.Run(gctx)
	})
	g.Go(func() error {
		m.logger.Info("Starting loss detector...", "interval", m.opts.LossCheckInterval)
		return m.runLossDetector(gctx)
	})
	g.Go(func() error {
		m.logger.Info("Starting recovery worker...")
		return m.runRecoveryWorker(gctx)
	})
	return g.Wait()
}

func (m *Master) runLossDetector(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.LossCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.DetectLoss(ctx)
		}
	}
}

// DetectLoss runs one loss detection pass and queues recovery of the files
// that lost blocks. It returns the files queued.
func (m *Master) DetectLoss(ctx context.Context) []core.FileID {
	ev := m.cluster.DetectLoss(ctx, m.opts.Now())
	if len(ev.Files) == 0 {
		return nil
	}
	var lost []core.FileID
	for _, f := range ev.Files {
		if _, err := m.namespace.File(f); err != nil {
			continue
		}
		lost = append(lost, f)
	}
	if len(lost) == 0 {
		return nil
	}
	m.logger.Warn("Files lost blocks, scheduling recovery", "files", len(lost), "blocks", len(ev.Blocks), "dead_workers", len(ev.DeadWorkers))
	select {
	case m.lossCh <- lost:
	case <-ctx.Done():
	}
	return lost
}

// runRecoveryWorker recovers queued losses, and once StartupGrace has
// passed resumes the jobs a crash left RECOVERING and rechecks the files
// that were pending.
func (m *Master) runRecoveryWorker(ctx context.Context) error {
	var g errgroup.Group
	defer g.Wait()

	var graceC <-chan time.Time
	if len(m.resume) > 0 || len(m.resumePending) > 0 {
		timer := time.NewTimer(m.opts.StartupGrace)
		defer timer.Stop()
		graceC = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-graceC:
			g.Go(func() error {
				m.resumeRecovering(ctx)
				return nil
			})
		case lost := <-m.lossCh:
			g.Go(func() error {
				m.Recover(ctx, lost)
				return nil
			})
		}
	}
}

// resumeRecovering finishes jobs found RECOVERING at startup: those whose
// outputs are all available again are marked PERSISTED, the others are
// recovered again. Files pending at startup that are still pending with
// blocks unreported are recovered too; a failure seen before the restart
// lived only in memory.
func (m *Master) resumeRecovering(ctx context.Context) {
	var lost []core.FileID
	for _, id := range m.resume {
		job, err := m.lineage.Job(id)
		if err != nil || job.State != core.JobRecovering {
			continue
		}
		var missing []core.FileID
		for _, out := range job.Outputs {
			if !m.FileAvailable(out) {
				missing = append(missing, out)
			}
		}
		if len(missing) == 0 {
			if err := m.lineage.MarkPersisted(ctx, id); err != nil {
				m.logger.Error("Failed to mark resumed job persisted", "job_id", id, "error", err)
			}
			continue
		}
		lost = append(lost, missing...)
	}
	for _, f := range m.resumePending {
		if m.tracker.IsPending(f) && !m.FileAvailable(f) {
			lost = append(lost, f)
		}
	}
	m.resume, m.resumePending = nil, nil
	if len(lost) > 0 {
		m.logger.Info("Resuming interrupted recovery", "files", len(lost))
		m.Recover(ctx, lost)
	}
}
