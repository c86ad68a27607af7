// Package master ties the journal, checkpoints and the journal-derived
// components into the metadata master of a tiered file system.
package master

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/tierfs/checkpoint"
	"github.com/INLOpen/tierfs/cluster"
	"github.com/INLOpen/tierfs/completion"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/lineage"
	"github.com/INLOpen/tierfs/namespace"
	"github.com/INLOpen/tierfs/recovery"
	"github.com/INLOpen/tierfs/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	JournalDirName    = "journal"
	CheckpointDirName = "checkpoints"

	// stateVersion tags the layout of EncodeState.
	stateVersion uint8 = 1
)

var (
	ErrMasterClosed = errors.New("master is closed")
	ErrNoDispatcher = errors.New("no job dispatcher configured")
)

// Options configures a Master.
type Options struct {
	Dir string
	// LockTimeout bounds how long Open waits for another process holding
	// the directory lock.
	LockTimeout time.Duration
	// BestEffortCheckpoint falls back to older checkpoints when the newest
	// is unreadable instead of refusing to start.
	BestEffortCheckpoint bool

	JournalMaxSegmentSize int64

	CheckpointCompressor core.Compressor
	CheckpointRetain     int
	CheckpointInterval   time.Duration
	CheckpointTailBytes  int64
	PruneJournal         bool

	HeartbeatTimeout  time.Duration
	LossGracePeriod   time.Duration
	DurableTiers      []core.TierID
	LossCheckInterval time.Duration
	// StartupGrace delays resuming jobs a crash left RECOVERING, and
	// rechecking pending async files, so that workers can report their
	// blocks first.
	StartupGrace time.Duration

	Recovery   recovery.Options
	Dispatcher cluster.Dispatcher

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.LossCheckInterval <= 0 {
		o.LossCheckInterval = time.Second
	}
	if o.StartupGrace < 0 {
		o.StartupGrace = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger.With("component", "HookManager"))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Master owns the metadata of the file system. Every mutation goes through
// the journal before it is visible.
type Master struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	journal   *journal.Journal
	committer *journal.SerialCommitter
	namespace *namespace.Table
	lineage   *lineage.Store
	tracker   *completion.Tracker
	cluster   *cluster.Cluster
	scheduler *recovery.Scheduler
	cpManager *checkpoint.Manager

	hookManager hooks.HookManager
	unlock      func() error

	lossCh chan []core.FileID
	// resume holds jobs found RECOVERING at startup.
	resume []core.JobID
	// resumePending holds async files found pending at startup.
	resumePending []core.FileID

	dispatcherMu sync.RWMutex
	dispatcher   cluster.Dispatcher

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open locks dir, restores the newest checkpoint, replays the journal
// after it and reconciles lineage states. A corrupt journal or (unless
// BestEffortCheckpoint is set) a corrupt checkpoint fails the open.
func Open(ctx context.Context, opts Options) (m *Master, err error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("master directory must be specified")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create master directory %s: %w", opts.Dir, err)
	}
	unlock, err := sys.AcquireOSFileLock(filepath.Join(opts.Dir, sys.LockFileName), opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to lock master directory %s: %w", opts.Dir, err)
	}

	logger := opts.Logger.With("component", "Master")
	m = &Master{
		opts:        opts,
		logger:      logger,
		hookManager: opts.HookManager,
		unlock:      unlock,
		lossCh:      make(chan []core.FileID, 16),
		dispatcher:  opts.Dispatcher,
	}
	if opts.TracerProvider != nil {
		m.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/tierfs/master")
	} else {
		m.tracer = noop.NewTracerProvider().Tracer("")
	}
	defer func() {
		if err != nil {
			m.cleanup()
			m = nil
		}
	}()

	if err := m.hookManager.Trigger(ctx, hooks.NewPreStartMasterEvent(hooks.MasterLifecyclePayload{Dir: opts.Dir})); err != nil {
		return m, fmt.Errorf("master start cancelled by pre-hook: %w", err)
	}

	m.namespace = namespace.NewTable(opts.Logger)
	m.lineage = lineage.NewStore(nil, lineage.Options{
		Logger:      opts.Logger,
		HookManager: m.hookManager,
		CheckFiles:  m.checkFilesExist,
		Now:         opts.Now,
	})
	m.tracker = completion.NewTracker(nil, opts.Logger, m.hookManager)

	lastSeq, err := m.loadState(ctx)
	if err != nil {
		return m, err
	}

	m.committer = journal.NewSerialCommitter(m.journal, m.apply, opts.Logger, m.tracer)
	m.lineage.SetCommitter(m.committer)
	m.tracker.SetCommitter(m.committer)

	m.cluster = cluster.New(cluster.Options{
		HeartbeatTimeout: opts.HeartbeatTimeout,
		LossGracePeriod:  opts.LossGracePeriod,
		DurableTiers:     opts.DurableTiers,
		Logger:           opts.Logger,
		HookManager:      m.hookManager,
		Now:              opts.Now,
	})

	recOpts := opts.Recovery
	if recOpts.Logger == nil {
		recOpts.Logger = opts.Logger
	}
	if recOpts.HookManager == nil {
		recOpts.HookManager = m.hookManager
	}
	if recOpts.Tracer == nil {
		recOpts.Tracer = m.tracer
	}
	m.scheduler, err = recovery.NewScheduler(m.lineage, m.cluster, recovery.AvailabilityFunc(m.FileAvailable), cluster.DispatcherFunc(m.dispatch), recOpts)
	if err != nil {
		return m, fmt.Errorf("failed to create recovery scheduler: %w", err)
	}

	m.cpManager = checkpoint.NewManager(checkpoint.Options{
		Dir:                filepath.Join(opts.Dir, CheckpointDirName),
		Compressor:         opts.CheckpointCompressor,
		Retain:             opts.CheckpointRetain,
		PruneJournal:       opts.PruneJournal,
		Interval:           opts.CheckpointInterval,
		TailThresholdBytes: opts.CheckpointTailBytes,
		Logger:             opts.Logger,
		HookManager:        m.hookManager,
		Tracer:             m.tracer,
	}, m.committer, m, m.journal)

	if err := m.reconcile(ctx); err != nil {
		return m, fmt.Errorf("failed to reconcile lineage states: %w", err)
	}

	m.logger.Info("Master started", "dir", opts.Dir, "last_seq", lastSeq, "files", len(m.namespace.Files()), "jobs", len(m.lineage.Jobs()), "resume_jobs", len(m.resume))
	m.hookManager.Trigger(ctx, hooks.NewPostStartMasterEvent(hooks.MasterLifecyclePayload{Dir: opts.Dir, LastSeq: lastSeq}))
	return m, nil
}

// loadState restores the newest checkpoint and replays the journal after
// it, leaving the journal ready for appends.
func (m *Master) loadState(ctx context.Context) (uint64, error) {
	_, span := m.tracer.Start(ctx, "master.LoadState")
	defer span.End()

	cpDir := filepath.Join(m.opts.Dir, CheckpointDirName)
	if err := os.MkdirAll(cpDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := checkpoint.RemoveTemporaryFiles(cpDir); err != nil {
		m.logger.Warn("Failed to remove temporary checkpoint files", "error", err)
	}
	cp, err := checkpoint.LoadLatest(cpDir, m.opts.BestEffortCheckpoint, m.opts.Logger)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var from uint64 = 1
	if cp != nil {
		if err := m.restoreState(cp.Body); err != nil {
			return 0, &core.CorruptionError{Path: cp.Path, Err: err}
		}
		from = cp.SeqNum + 1
		m.logger.Info("Checkpoint restored", "path", cp.Path, "seq_num", cp.SeqNum, "compression", cp.Compression.String())
	}
	span.SetAttributes(attribute.Int64("master.replay_from", int64(from)))

	m.journal, err = journal.Open(journal.Options{
		Dir:            filepath.Join(m.opts.Dir, JournalDirName),
		MaxSegmentSize: m.opts.JournalMaxSegmentSize,
		BytesWritten:   publishExpvarInt("tierfs_journal_bytes_written"),
		EntriesWritten: publishExpvarInt("tierfs_journal_entries_written"),
		Logger:         m.opts.Logger,
		HookManager:    m.hookManager,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open journal: %w", err)
	}
	last, err := m.journal.Recover(from, m.apply)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to replay journal: %w", err)
	}
	span.SetAttributes(attribute.Int64("master.last_seq", int64(last)))
	return last, nil
}

// apply feeds a durable entry to every journal-derived component. It is
// the committer's apply function and the replay target.
func (m *Master) apply(e journal.Entry) error {
	if err := m.namespace.Apply(e); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if err := m.lineage.Apply(e); err != nil {
		return fmt.Errorf("lineage: %w", err)
	}
	if err := m.tracker.Apply(e); err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	return nil
}

// EncodeState returns a deterministic encoding of all journal-derived
// state. It is the body of checkpoints; equal states encode equally.
func (m *Master) EncodeState() ([]byte, error) {
	enc := core.NewEncoder(nil)
	enc.PutUint8(stateVersion)
	m.namespace.Encode(enc)
	m.lineage.Encode(enc)
	m.tracker.Encode(enc)
	return enc.Bytes(), nil
}

func (m *Master) restoreState(body []byte) error {
	dec := core.NewDecoder(body)
	if v := dec.Uint8(); dec.Err() == nil && v != stateVersion {
		return fmt.Errorf("state version %d: %w", v, core.ErrUnsupportedVersion)
	}
	if err := m.namespace.Restore(dec); err != nil {
		return err
	}
	if err := m.lineage.Restore(dec); err != nil {
		return err
	}
	if err := m.tracker.Restore(dec); err != nil {
		return err
	}
	if err := dec.Err(); err != nil {
		return err
	}
	if n := dec.Remaining(); n != 0 {
		return fmt.Errorf("%d trailing bytes after state", n)
	}
	return nil
}

// reconcile promotes jobs whose outputs were finished before the last
// shutdown and remembers the jobs a crash left RECOVERING.
func (m *Master) reconcile(ctx context.Context) error {
	m.resumePending = m.tracker.Pending()
	for _, job := range m.lineage.Jobs() {
		if job.State == core.JobRecovering {
			m.resume = append(m.resume, job.ID)
			continue
		}
		if err := m.promote(ctx, job.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) checkFilesExist(ids []core.FileID) error {
	for _, id := range ids {
		if _, err := m.namespace.File(id); err != nil {
			return err
		}
	}
	return nil
}

// SetDispatcher replaces the dispatcher recovery runs jobs with.
func (m *Master) SetDispatcher(d cluster.Dispatcher) {
	m.dispatcherMu.Lock()
	defer m.dispatcherMu.Unlock()
	m.dispatcher = d
}

func (m *Master) dispatch(ctx context.Context, req cluster.DispatchRequest) ([]core.BlockID, error) {
	m.dispatcherMu.RLock()
	d := m.dispatcher
	m.dispatcherMu.RUnlock()
	if d == nil {
		return nil, ErrNoDispatcher
	}
	return d.ExecuteJob(ctx, req)
}

// NewLocalExecutor returns a CommandExecutor that runs jobs on this machine
// and reports their outputs to the master as the given worker.
func (m *Master) NewLocalExecutor(opts cluster.CommandExecutorOptions) *cluster.CommandExecutor {
	if opts.Layout == nil {
		opts.Layout = m.fileLayout
	}
	if opts.Reporter == nil {
		opts.Reporter = m
	}
	if opts.Logger == nil {
		opts.Logger = m.opts.Logger
	}
	return cluster.NewCommandExecutor(opts)
}

func (m *Master) fileLayout(id core.FileID) ([]core.BlockID, uint64, error) {
	f, err := m.namespace.File(id)
	if err != nil {
		return nil, 0, err
	}
	if !f.Written() {
		return nil, 0, fmt.Errorf("file %d: %w", id, core.ErrFileIncomplete)
	}
	return f.Blocks, f.Length, nil
}

func (m *Master) checkOpen() error {
	if m.closed.Load() {
		return ErrMasterClosed
	}
	return nil
}

// Close releases the journal and the directory lock. Background tasks
// must have been stopped by cancelling Run's context.
func (m *Master) Close() error {
	m.closeOnce.Do(func() {
		var lastSeq uint64
		if m.journal != nil {
			lastSeq = m.journal.LastSeq()
		}
		payload := hooks.MasterLifecyclePayload{Dir: m.opts.Dir, LastSeq: lastSeq}
		m.hookManager.Trigger(context.Background(), hooks.NewPreCloseMasterEvent(payload))
		m.closed.Store(true)
		m.closeErr = m.cleanup()
		m.logger.Info("Master closed", "last_seq", lastSeq)
		m.hookManager.Trigger(context.Background(), hooks.NewPostCloseMasterEvent(payload))
		m.hookManager.Stop()
	})
	return m.closeErr
}

func (m *Master) cleanup() error {
	var errs []error
	if m.cluster != nil {
		errs = append(errs, m.cluster.Close())
	}
	if m.journal != nil {
		errs = append(errs, m.journal.Close())
	}
	if m.unlock != nil {
		errs = append(errs, m.unlock())
		m.unlock = nil
	}
	return errors.Join(errs...)
}

// publishExpvarInt returns the named expvar.Int, creating it on first use.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}
