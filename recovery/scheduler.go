package recovery

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/tierfs/cluster"
	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/lineage"
	"github.com/INLOpen/tierfs/metrics"
	tdigest "github.com/caio/go-tdigest/v4"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errWorkerLost marks an attempt cancelled because its worker died. Such
// attempts are re-dispatched without counting against MaxAttempts.
var errWorkerLost = errors.New("worker lost during attempt")

// Lineage is the part of the lineage store the scheduler drives.
type Lineage interface {
	Graph
	MarkRecovering(ctx context.Context, id core.JobID) error
	MarkPersisted(ctx context.Context, id core.JobID) error
}

// Workers is the part of the cluster the scheduler dispatches onto.
type Workers interface {
	PickWorker(exclude ...core.WorkerID) (core.WorkerID, error)
	WorkerLost(id core.WorkerID) <-chan struct{}
	WaitDurable(ctx context.Context, blocks []core.BlockID) error
}

type Options struct {
	// MaxParallel bounds jobs running at once across all Recover calls.
	MaxParallel int
	// MaxAttempts bounds failed attempts per job. Attempts lost with their
	// worker do not count.
	MaxAttempts int
	// JobTimeout bounds one attempt, from dispatch to durable outputs.
	JobTimeout time.Duration
	// ClosureTimeout bounds a whole Recover call.
	ClosureTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	Tracer         trace.Tracer
}

func (o *Options) setDefaults() {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.ClosureTimeout <= 0 {
		o.ClosureTimeout = 30 * time.Minute
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("recovery")
	}
}

// flight is one running recovery of a job, shared by every Recover call
// that needs it.
type flight struct {
	done     chan struct{}
	attempts int
	err      error
}

// Result reports what one Recover call achieved.
type Result struct {
	Lost      []core.FileID
	Recovered []core.FileID
	// Failed holds UnrecoverableDataLoss or RecoveryFailedError per file.
	Failed map[core.FileID]error
	// Dispatched are the jobs this call ran, in the order they were handed
	// to workers. With parallel dispatch this is one valid topological
	// order; Plan.Order is the deterministic one.
	Dispatched []core.JobID
	// Attached are jobs already being recovered by another call.
	Attached []core.JobID
	Plan     *Plan
	Duration time.Duration
}

// Err aggregates the per-file failures in file id order.
func (r *Result) Err() error {
	files := make([]core.FileID, 0, len(r.Failed))
	for f := range r.Failed {
		files = append(files, f)
	}
	core.SortFileIDs(files)
	var merr *multierror.Error
	for _, f := range files {
		merr = multierror.Append(merr, r.Failed[f])
	}
	return merr.ErrorOrNil()
}

// Scheduler re-executes lineage jobs to rebuild lost files.
type Scheduler struct {
	lineage    Lineage
	workers    Workers
	avail      Availability
	dispatcher cluster.Dispatcher
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer
	sem        *semaphore.Weighted

	mu       sync.Mutex
	inflight map[core.JobID]*flight

	statsMu sync.Mutex
	latency *tdigest.TDigest
}

func NewScheduler(lin Lineage, workers Workers, avail Availability, dispatcher cluster.Dispatcher, opts Options) (*Scheduler, error) {
	opts.setDefaults()
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Scheduler{
		lineage:    lin,
		workers:    workers,
		avail:      avail,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     opts.Logger.With("component", "RecoveryScheduler"),
		tracer:     opts.Tracer,
		sem:        semaphore.NewWeighted(int64(opts.MaxParallel)),
		inflight:   make(map[core.JobID]*flight),
		latency:    td,
	}, nil
}

type outcome struct {
	id       core.JobID
	attempts int
	err      error
	owned    bool
}

// run is the bookkeeping of one Recover call.
type run struct {
	plan     *Plan
	res      *Result
	owned    map[core.JobID]*flight
	flights  map[core.JobID]*flight
	indegree map[core.JobID]int
	children map[core.JobID][]core.JobID
	depErr   map[core.JobID]error
	resolved map[core.JobID]bool
	launched map[core.JobID]bool
	ready    *jobHeap
}

// Recover rebuilds the lost files. Jobs already being recovered by another
// call are waited for, not dispatched again. Files whose recovery fails are
// reported in the result; unrelated branches of the plan still run.
func (s *Scheduler) Recover(ctx context.Context, lost []core.FileID) *Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.ClosureTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "recovery.Recover", trace.WithAttributes(attribute.Int("recovery.lost_files", len(lost))))
	defer span.End()

	res := &Result{Failed: make(map[core.FileID]error)}
	defer func() {
		res.Duration = time.Since(start)
		core.SortFileIDs(res.Recovered)
		if len(res.Failed) > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d file(s) not recovered", len(res.Failed)))
		}
		s.logger.Info("Recovery finished", "lost", len(res.Lost), "recovered", len(res.Recovered),
			"failed", len(res.Failed), "dispatched", len(res.Dispatched), "attached", len(res.Attached),
			"duration", res.Duration)
		hooks.TriggerIfSet(ctx, s.opts.HookManager, hooks.NewPostRecoveryEvent(hooks.RecoveryPayload{
			Lost:      res.Lost,
			Recovered: res.Recovered,
			Failed:    res.Failed,
			Jobs:      len(res.Dispatched),
			Duration:  res.Duration,
		}))
	}()

	plan, err := BuildPlan(lost, s.lineage, s.avail)
	if err != nil {
		s.logger.Error("Failed to build recovery plan", "error", err)
		res.Lost = slices.Compact(slices.Sorted(slices.Values(lost)))
		for _, f := range res.Lost {
			res.Failed[f] = fmt.Errorf("plan recovery of file %d: %w", f, err)
		}
		return res
	}
	res.Plan, res.Lost = plan, plan.Lost
	span.SetAttributes(attribute.Int("recovery.planned_jobs", len(plan.Order)))

	for _, f := range plan.Lost {
		loss, ok := plan.Unrecoverable[f]
		if !ok {
			continue
		}
		res.Failed[f] = loss
		metrics.UnrecoverableFilesTotal.Inc()
		s.logger.Error("Unrecoverable data loss", "file_id", f, "missing", loss.Missing)
		hooks.TriggerIfSet(ctx, s.opts.HookManager, hooks.NewOnUnrecoverableDataLossEvent(hooks.UnrecoverableDataLossPayload{
			File:    f,
			Missing: loss.Missing,
		}))
	}
	if len(plan.Order) == 0 {
		return res
	}

	r := s.claim(plan, res)
	for _, id := range plan.Order {
		f, ok := r.owned[id]
		if !ok {
			continue
		}
		if err := s.lineage.MarkRecovering(ctx, id); err != nil {
			s.logger.Error("Failed to mark job recovering", "job_id", id, "error", err)
			s.finish(id, f, 0, err)
			delete(r.owned, id)
		}
	}
	s.coordinate(ctx, r)
	return res
}

// claim registers a flight for every planned job nobody else is recovering.
func (s *Scheduler) claim(plan *Plan, res *Result) *run {
	r := &run{
		plan:     plan,
		res:      res,
		owned:    make(map[core.JobID]*flight),
		flights:  make(map[core.JobID]*flight),
		indegree: make(map[core.JobID]int),
		children: make(map[core.JobID][]core.JobID),
		depErr:   make(map[core.JobID]error),
		resolved: make(map[core.JobID]bool),
		launched: make(map[core.JobID]bool),
		ready:    &jobHeap{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range plan.Order {
		if f, ok := s.inflight[id]; ok {
			r.flights[id] = f
			res.Attached = append(res.Attached, id)
			metrics.RecoveryJobsTotal.WithLabelValues(metrics.ResultAttached).Inc()
			continue
		}
		f := &flight{done: make(chan struct{})}
		s.inflight[id] = f
		r.owned[id] = f
		r.flights[id] = f
	}
	for _, id := range plan.Order {
		r.indegree[id] = len(plan.Deps[id])
		for _, d := range plan.Deps[id] {
			r.children[d] = append(r.children[d], id)
		}
	}
	return r
}

// coordinate dispatches owned jobs as their dependencies resolve, lowest
// job id first, and collects every outcome.
func (s *Scheduler) coordinate(ctx context.Context, r *run) {
	outcomes := make(chan outcome, len(r.plan.Order))
	var g errgroup.Group

	for _, id := range r.plan.Order {
		if _, ok := r.owned[id]; !ok {
			// Attached, or claimed but already failed to start.
			f := r.flights[id]
			go func() {
				<-f.done
				outcomes <- outcome{id: id, attempts: f.attempts, err: f.err}
			}()
			continue
		}
		if r.indegree[id] == 0 {
			heap.Push(r.ready, id)
		}
	}

	running := 0
	for len(r.resolved) < len(r.plan.Order) {
		for ctx.Err() == nil && r.ready.Len() > 0 {
			id := heap.Pop(r.ready).(core.JobID)
			if cause := r.depErr[id]; cause != nil {
				s.finish(id, r.owned[id], 0, cause)
				s.resolve(r, outcome{id: id, err: cause, owned: true})
				continue
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				heap.Push(r.ready, id)
				break
			}
			job := r.plan.Jobs[id]
			f := r.owned[id]
			r.launched[id] = true
			r.res.Dispatched = append(r.res.Dispatched, id)
			running++
			g.Go(func() error {
				attempts, err := s.runJob(ctx, job)
				s.sem.Release(1)
				s.finish(id, f, attempts, err)
				outcomes <- outcome{id: id, attempts: attempts, err: err, owned: true}
				return nil
			})
		}

		if ctx.Err() != nil && running == 0 {
			s.abandon(ctx, r)
			break
		}
		select {
		case o := <-outcomes:
			if o.owned {
				running--
			}
			s.resolve(r, o)
		case <-ctx.Done():
			if running == 0 {
				s.abandon(ctx, r)
			} else {
				o := <-outcomes
				if o.owned {
					running--
				}
				s.resolve(r, o)
			}
		}
	}
	_ = g.Wait()
}

// abandon fails every job of the run that has not resolved once the
// closure deadline passed.
func (s *Scheduler) abandon(ctx context.Context, r *run) {
	cause := fmt.Errorf("recovery closure abandoned: %w", context.Cause(ctx))
	for _, id := range r.plan.Order {
		if r.resolved[id] {
			continue
		}
		if f, ok := r.owned[id]; ok && !r.launched[id] {
			s.finish(id, f, 0, cause)
		}
		s.resolve(r, outcome{id: id, err: cause})
	}
}

// resolve records the outcome of one job and releases its dependents.
func (s *Scheduler) resolve(r *run, o outcome) {
	if r.resolved[o.id] {
		return
	}
	r.resolved[o.id] = true

	targets := r.plan.Targets[o.id]
	if o.err == nil {
		r.res.Recovered = append(r.res.Recovered, targets...)
	} else {
		for _, f := range targets {
			r.res.Failed[f] = &core.RecoveryFailedError{File: f, Job: o.id, Attempts: o.attempts, Err: o.err}
		}
	}

	for _, c := range r.children[o.id] {
		r.indegree[c]--
		if o.err != nil && r.depErr[c] == nil {
			r.depErr[c] = fmt.Errorf("ancestor %s: %w", o.id, o.err)
		}
		if _, owned := r.owned[c]; owned && r.indegree[c] == 0 && !r.launched[c] && !r.resolved[c] {
			heap.Push(r.ready, c)
		}
	}
}

// finish publishes a flight's outcome to every attached caller.
func (s *Scheduler) finish(id core.JobID, f *flight, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] != f {
		return
	}
	delete(s.inflight, id)
	f.attempts, f.err = attempts, err
	close(f.done)
	if err != nil {
		metrics.RecoveryJobsTotal.WithLabelValues(metrics.ResultFailed).Inc()
	}
}

// runJob retries attempts of job with exponential backoff until one
// succeeds or MaxAttempts attempts failed, then marks it persisted.
func (s *Scheduler) runJob(ctx context.Context, job lineage.Job) (int, error) {
	ctx, span := s.tracer.Start(ctx, "recovery.Job", trace.WithAttributes(attribute.Int64("recovery.job_id", int64(job.ID))))
	defer span.End()
	start := time.Now()

	var attempts, failures int
	var failedOn []core.WorkerID
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	op := func() (struct{}, error) {
		attempts++
		worker, err := s.workers.PickWorker(failedOn...)
		if errors.Is(err, core.ErrNoLiveWorkers) && len(failedOn) > 0 {
			worker, err = s.workers.PickWorker()
		}
		if err == nil {
			err = s.attempt(ctx, job, worker)
			if err == nil {
				metrics.RecoveryAttemptsTotal.WithLabelValues(metrics.ResultOK).Inc()
				return struct{}{}, nil
			}
			if errors.Is(err, errWorkerLost) && ctx.Err() == nil {
				metrics.RecoveryAttemptsTotal.WithLabelValues(metrics.ResultRetried).Inc()
				return struct{}{}, err
			}
			failedOn = append(failedOn, worker)
		}
		metrics.RecoveryAttemptsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		failures++
		if failures >= s.opts.MaxAttempts {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Recovery attempt failed, retrying", "job_id", job.ID, "attempt", attempts, "retry_in", next, "error", err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.opts.ClosureTimeout),
		backoff.WithNotify(notify),
	)
	if err == nil {
		err = s.lineage.MarkPersisted(ctx, job.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery failed")
		s.logger.Error("Job recovery failed", "job_id", job.ID, "attempts", attempts, "error", err)
		return attempts, err
	}

	elapsed := time.Since(start)
	metrics.RecoveryJobsTotal.WithLabelValues(metrics.ResultPersisted).Inc()
	metrics.RecoveryJobDurationSeconds.Observe(elapsed.Seconds())
	s.statsMu.Lock()
	if err := s.latency.Add(elapsed.Seconds()); err != nil {
		s.logger.Warn("tdigest Add failed", "error", err)
	}
	s.statsMu.Unlock()
	s.logger.Info("Job recovered", "job_id", job.ID, "attempts", attempts, "duration", elapsed)
	return attempts, nil
}

// attempt dispatches job to worker under JobTimeout and waits until its
// output blocks are reported durable. It is cancelled if the worker is
// declared lost. Partial output of a lost attempt needs no cleanup here:
// Cluster.DetectLoss drops every block of a dead worker and rejects its
// later reports, so a retry starts from nothing.
func (s *Scheduler) attempt(ctx context.Context, job lineage.Job, worker core.WorkerID) error {
	attemptID := uuid.NewString()
	actx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	var lost atomic.Bool
	lostCh := s.workers.WorkerLost(worker)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-lostCh:
			lost.Store(true)
			cancel()
		case <-stop:
		}
	}()

	s.logger.Debug("Dispatching recovery attempt", "job_id", job.ID, "attempt_id", attemptID, "worker_id", worker)
	blocks, err := s.dispatcher.ExecuteJob(actx, cluster.DispatchRequest{
		AttemptID: attemptID,
		Job:       job.ID,
		Spec:      job.Spec,
		Inputs:    job.Inputs,
		Outputs:   job.Outputs,
		Worker:    worker,
	})
	if err == nil {
		err = s.workers.WaitDurable(actx, blocks)
	}
	if err != nil && lost.Load() {
		return fmt.Errorf("%s attempt %s on worker %d: %w", job.ID, attemptID, worker, errWorkerLost)
	}
	if err != nil {
		return fmt.Errorf("%s attempt %s on worker %d: %w", job.ID, attemptID, worker, err)
	}
	return nil
}

// LatencyQuantile returns the q-quantile of job recovery latency in
// seconds, or 0 before any job was recovered.
func (s *Scheduler) LatencyQuantile(q float64) float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.latency.Count() == 0 {
		return 0
	}
	return s.latency.Quantile(q)
}

// RecoveredJobs returns how many jobs this scheduler recovered.
func (s *Scheduler) RecoveredJobs() uint64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.latency.Count()
}

// InFlight returns the jobs currently being recovered, ascending.
func (s *Scheduler) InFlight() []core.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.JobID, 0, len(s.inflight))
	for id := range s.inflight {
		out = append(out, id)
	}
	core.SortJobIDs(out)
	return out
}
