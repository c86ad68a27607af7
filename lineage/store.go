// Package lineage records which job produced which files so lost data can be
// rebuilt by running the job again.
package lineage

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/journal"
	"github.com/INLOpen/tierfs/metrics"
)

// Job is a copy of one recorded computation.
type Job struct {
	ID             core.JobID
	Inputs         []core.FileID
	Outputs        []core.FileID
	Spec           core.JobSpec
	State          core.JobState
	CreationTimeMs int64
}

func (j Job) clone() Job {
	j.Inputs = slices.Clone(j.Inputs)
	j.Outputs = slices.Clone(j.Outputs)
	j.Spec.Data = slices.Clone(j.Spec.Data)
	return j
}

// Produces reports whether file is one of the job's outputs.
func (j Job) Produces(file core.FileID) bool {
	return slices.Contains(j.Outputs, file)
}

// legalTransitions lists the states each state may move to. A job never
// returns to CREATED.
var legalTransitions = map[core.JobState][]core.JobState{
	core.JobCreated:    {core.JobComplete, core.JobPersisted, core.JobRecovering},
	core.JobComplete:   {core.JobPersisted, core.JobRecovering},
	core.JobPersisted:  {core.JobRecovering},
	core.JobRecovering: {core.JobPersisted},
}

// CanTransition reports whether a job in state from may move to state to.
func CanTransition(from, to core.JobState) bool {
	return slices.Contains(legalTransitions[from], to)
}

// Options configures a Store.
type Options struct {
	Logger      *slog.Logger
	HookManager hooks.HookManager
	// CheckFiles, when set, validates the files named by a submission
	// against the namespace.
	CheckFiles func(files []core.FileID) error
	// Now is used for creation timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Store is the lineage DAG. Mutations go through the journal committer;
// Apply is the only code that changes the graph, both live and on replay.
type Store struct {
	mu        sync.RWMutex
	jobs      map[core.JobID]*Job
	producer  map[core.FileID]core.JobID
	consumers map[core.FileID][]core.JobID
	nextID    core.JobID

	committer   journal.Committer
	logger      *slog.Logger
	hookManager hooks.HookManager
	checkFiles  func([]core.FileID) error
	now         func() time.Time
}

// NewStore creates an empty store committing through committer.
func NewStore(committer journal.Committer, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		jobs:        make(map[core.JobID]*Job),
		producer:    make(map[core.FileID]core.JobID),
		consumers:   make(map[core.FileID][]core.JobID),
		nextID:      1,
		committer:   committer,
		logger:      logger.With("component", "LineageStore"),
		hookManager: opts.HookManager,
		checkFiles:  opts.CheckFiles,
		now:         now,
	}
}

// SetCommitter sets the committer used by mutations. The master creates the
// store before the committer exists so the store's Apply can be wired into
// it.
func (s *Store) SetCommitter(c journal.Committer) {
	s.committer = c
}

// Submit records a job producing outputs from inputs. It fails with a
// CyclicDependencyError when an input transitively depends on one of the
// outputs, and leaves the graph untouched on any rejection.
func (s *Store) Submit(ctx context.Context, inputs, outputs []core.FileID, spec core.JobSpec) (core.JobID, error) {
	inputs = slices.Clone(inputs)
	outputs = slices.Clone(outputs)
	if err := hooks.TriggerIfSet(ctx, s.hookManager, hooks.NewPreSubmitLineageEvent(hooks.PreSubmitLineagePayload{
		Inputs:  &inputs,
		Outputs: &outputs,
		Spec:    &spec,
	})); err != nil {
		metrics.LineageSubmissionsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return 0, fmt.Errorf("lineage submission rejected by hook: %w", err)
	}

	e, err := s.committer.Commit(ctx, func() (journal.Payload, error) {
		id, err := s.validateSubmit(inputs, outputs)
		if err != nil {
			return nil, err
		}
		return journal.LineageCreated{
			JobID:          id,
			Inputs:         inputs,
			Outputs:        outputs,
			Spec:           spec,
			CreationTimeMs: s.now().UnixMilli(),
		}, nil
	})
	if err != nil {
		result := metrics.ResultError
		if !core.IsDurabilityError(err) {
			result = metrics.ResultRejected
		}
		metrics.LineageSubmissionsTotal.WithLabelValues(result).Inc()
		return 0, err
	}
	metrics.LineageSubmissionsTotal.WithLabelValues(metrics.ResultOK).Inc()

	created := e.Payload.(journal.LineageCreated)
	s.logger.Info("Lineage job submitted", "job_id", created.JobID, "inputs", len(inputs), "outputs", len(outputs), "seq_num", e.SeqNum)
	hooks.TriggerIfSet(ctx, s.hookManager, hooks.NewPostSubmitLineageEvent(hooks.PostSubmitLineagePayload{
		JobID:   created.JobID,
		Inputs:  created.Inputs,
		Outputs: created.Outputs,
		Spec:    created.Spec,
	}))
	return created.JobID, nil
}

// validateSubmit runs under the committer lock and returns the id the new
// job will get.
func (s *Store) validateSubmit(inputs, outputs []core.FileID) (core.JobID, error) {
	if len(outputs) == 0 {
		return 0, core.ErrNoOutputs
	}
	if s.checkFiles != nil {
		if err := s.checkFiles(append(slices.Clone(inputs), outputs...)); err != nil {
			return 0, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	outSet := make(map[core.FileID]struct{}, len(outputs))
	for _, o := range outputs {
		if _, dup := outSet[o]; dup {
			return 0, fmt.Errorf("output file %d declared twice", o)
		}
		outSet[o] = struct{}{}
		if owner, ok := s.producer[o]; ok {
			return 0, fmt.Errorf("output file %d is produced by %s: %w", o, owner, core.ErrOutputAlreadyProduced)
		}
	}
	for _, in := range inputs {
		if out, ok := s.reachesLocked(in, outSet); ok {
			return 0, &core.CyclicDependencyError{Output: out, Input: in}
		}
	}
	return s.nextID, nil
}

// reachesLocked walks upstream from file through producing jobs and reports
// the first file of targets it depends on, including file itself.
func (s *Store) reachesLocked(file core.FileID, targets map[core.FileID]struct{}) (core.FileID, bool) {
	seen := make(map[core.FileID]struct{})
	stack := []core.FileID{file}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := targets[f]; ok {
			return f, true
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		if jobID, ok := s.producer[f]; ok {
			stack = append(stack, s.jobs[jobID].Inputs...)
		}
	}
	return 0, false
}

// MarkComplete records that every output of the job was written.
func (s *Store) MarkComplete(ctx context.Context, id core.JobID) error {
	return s.transition(ctx, id, core.JobComplete)
}

// MarkPersisted records that every output of the job is durable. Callers
// confirm durability before calling it.
func (s *Store) MarkPersisted(ctx context.Context, id core.JobID) error {
	return s.transition(ctx, id, core.JobPersisted)
}

// MarkRecovering records that the job is being re-executed.
func (s *Store) MarkRecovering(ctx context.Context, id core.JobID) error {
	return s.transition(ctx, id, core.JobRecovering)
}

func (s *Store) transition(ctx context.Context, id core.JobID, to core.JobState) error {
	var from core.JobState
	e, err := s.committer.Commit(ctx, func() (journal.Payload, error) {
		s.mu.RLock()
		job, ok := s.jobs[id]
		if ok {
			from = job.State
		}
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%s: %w", id, core.ErrJobNotFound)
		}
		if from == to {
			return nil, nil
		}
		if !CanTransition(from, to) {
			return nil, fmt.Errorf("%s %s -> %s: %w", id, from, to, core.ErrIllegalTransition)
		}
		return journal.LineageStateChanged{JobID: id, State: to}, nil
	})
	if err != nil || e.Payload == nil {
		return err
	}

	metrics.LineageTransitionsTotal.WithLabelValues(to.String()).Inc()
	s.logger.Debug("Lineage job state changed", "job_id", id, "from", from.String(), "to", to.String(), "seq_num", e.SeqNum)
	hooks.TriggerIfSet(ctx, s.hookManager, hooks.NewOnLineageStateChangeEvent(hooks.LineageStateChangePayload{
		JobID: id,
		From:  from.String(),
		To:    to.String(),
	}))
	return nil
}

// Delete removes a job. While other jobs consume its outputs it fails with
// ErrHasDependents, unless cascade is set, in which case every descendant is
// deleted first, children before parents.
func (s *Store) Delete(ctx context.Context, id core.JobID, cascade bool) ([]core.JobID, error) {
	order := []core.JobID{id}
	if cascade {
		var err error
		order, err = s.deletionOrder(id)
		if err != nil {
			return nil, err
		}
	}

	deleted := make([]core.JobID, 0, len(order))
	for _, jobID := range order {
		_, err := s.committer.Commit(ctx, func() (journal.Payload, error) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			if _, ok := s.jobs[jobID]; !ok {
				return nil, fmt.Errorf("%s: %w", jobID, core.ErrJobNotFound)
			}
			if children := s.childrenLocked(jobID); len(children) > 0 {
				return nil, fmt.Errorf("%s is consumed by %v: %w", jobID, children, core.ErrHasDependents)
			}
			return journal.LineageDeleted{JobID: jobID}, nil
		})
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, jobID)
	}
	s.logger.Info("Lineage jobs deleted", "job_id", id, "cascade", cascade, "deleted", len(deleted))
	return deleted, nil
}

// deletionOrder returns id and all of its descendants in post order.
func (s *Store) deletionOrder(id core.JobID) ([]core.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrJobNotFound)
	}
	var order []core.JobID
	visited := make(map[core.JobID]bool)
	var visit func(core.JobID)
	visit = func(j core.JobID) {
		if visited[j] {
			return
		}
		visited[j] = true
		for _, c := range s.childrenLocked(j) {
			visit(c)
		}
		order = append(order, j)
	}
	visit(id)
	return order, nil
}

// Apply applies a durable lineage entry. Entries of other components are
// ignored.
func (s *Store) Apply(e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := e.Payload.(type) {
	case journal.LineageCreated:
		if _, ok := s.jobs[p.JobID]; ok {
			return fmt.Errorf("lineage job %s already exists", p.JobID)
		}
		for _, o := range p.Outputs {
			if owner, ok := s.producer[o]; ok {
				return fmt.Errorf("output file %d of %s already produced by %s: %w", o, p.JobID, owner, core.ErrOutputAlreadyProduced)
			}
		}
		s.insertLocked(&Job{
			ID:             p.JobID,
			Inputs:         slices.Clone(p.Inputs),
			Outputs:        slices.Clone(p.Outputs),
			Spec:           p.Spec,
			State:          core.JobCreated,
			CreationTimeMs: p.CreationTimeMs,
		})

	case journal.LineageStateChanged:
		job, ok := s.jobs[p.JobID]
		if !ok {
			return fmt.Errorf("%s: %w", p.JobID, core.ErrJobNotFound)
		}
		if job.State != p.State && !CanTransition(job.State, p.State) {
			return fmt.Errorf("%s %s -> %s: %w", p.JobID, job.State, p.State, core.ErrIllegalTransition)
		}
		job.State = p.State

	case journal.LineageDeleted:
		job, ok := s.jobs[p.JobID]
		if !ok {
			return fmt.Errorf("%s: %w", p.JobID, core.ErrJobNotFound)
		}
		if children := s.childrenLocked(p.JobID); len(children) > 0 {
			return fmt.Errorf("%s: %w", p.JobID, core.ErrHasDependents)
		}
		s.removeLocked(job)
	}
	return nil
}

func (s *Store) insertLocked(job *Job) {
	s.jobs[job.ID] = job
	for _, o := range job.Outputs {
		s.producer[o] = job.ID
	}
	for _, in := range job.Inputs {
		if !slices.Contains(s.consumers[in], job.ID) {
			s.consumers[in] = append(s.consumers[in], job.ID)
		}
	}
	if job.ID >= s.nextID {
		s.nextID = job.ID + 1
	}
}

func (s *Store) removeLocked(job *Job) {
	delete(s.jobs, job.ID)
	for _, o := range job.Outputs {
		if s.producer[o] == job.ID {
			delete(s.producer, o)
		}
	}
	for _, in := range job.Inputs {
		rest := slices.DeleteFunc(s.consumers[in], func(c core.JobID) bool { return c == job.ID })
		if len(rest) == 0 {
			delete(s.consumers, in)
		} else {
			s.consumers[in] = rest
		}
	}
}

// childrenLocked returns the jobs consuming any output of id, ascending.
func (s *Store) childrenLocked(id core.JobID) []core.JobID {
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	var out []core.JobID
	for _, o := range job.Outputs {
		for _, c := range s.consumers[o] {
			if c != id && !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	core.SortJobIDs(out)
	return out
}

// JobsProducing returns the job producing file, if any. A file has at most
// one producer.
func (s *Store) JobsProducing(file core.FileID) []core.JobID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.producer[file]; ok {
		return []core.JobID{id}
	}
	return nil
}

// JobsConsuming returns the jobs reading file, ascending.
func (s *Store) JobsConsuming(file core.FileID) []core.JobID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.consumers[file])
	core.SortJobIDs(out)
	return out
}

func (s *Store) Children(id core.JobID) []core.JobID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(id)
}

func (s *Store) Job(id core.JobID) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, core.ErrJobNotFound)
	}
	return job.clone(), nil
}

// Jobs returns every job ordered by id.
func (s *Store) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	slices.SortFunc(out, func(a, b Job) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// JobsInState returns the ids of jobs in state, ascending.
func (s *Store) JobsInState(state core.JobState) []core.JobID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.JobID
	for id, j := range s.jobs {
		if j.State == state {
			out = append(out, id)
		}
	}
	core.SortJobIDs(out)
	return out
}

// Encode writes jobs in id order.
func (s *Store) Encode(enc *core.Encoder) {
	jobs := s.Jobs()
	s.mu.RLock()
	next := s.nextID
	s.mu.RUnlock()

	enc.PutUvarint(uint64(next))
	enc.PutUvarint(uint64(len(jobs)))
	for _, j := range jobs {
		enc.PutUvarint(uint64(j.ID))
		enc.PutFileIDs(j.Inputs)
		enc.PutFileIDs(j.Outputs)
		enc.PutJobSpec(j.Spec)
		enc.PutUint8(uint8(j.State))
		enc.PutVarint(j.CreationTimeMs)
	}
}

// Restore replaces the graph with a snapshot written by Encode.
func (s *Store) Restore(dec *core.Decoder) error {
	next := core.JobID(dec.Uvarint())
	n := dec.Count()
	fresh := &Store{
		jobs:      make(map[core.JobID]*Job, n),
		producer:  make(map[core.FileID]core.JobID),
		consumers: make(map[core.FileID][]core.JobID),
		nextID:    max(next, 1),
	}
	for i := 0; i < n && dec.Err() == nil; i++ {
		job := &Job{
			ID:      core.JobID(dec.Uvarint()),
			Inputs:  dec.FileIDs(),
			Outputs: dec.FileIDs(),
			Spec:    dec.JobSpec(),
			State:   core.JobState(dec.Uint8()),
		}
		job.CreationTimeMs = dec.Varint()
		if dec.Err() != nil {
			break
		}
		if !job.State.Valid() {
			return fmt.Errorf("lineage snapshot: %s has invalid state %d", job.ID, job.State)
		}
		fresh.insertLocked(job)
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("lineage snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = fresh.jobs
	s.producer = fresh.producer
	s.consumers = fresh.consumers
	s.nextID = fresh.nextID
	s.logger.Debug("Lineage restored from snapshot", "jobs", len(s.jobs), "next_job_id", s.nextID)
	return nil
}
