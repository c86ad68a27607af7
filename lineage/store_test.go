package lineage

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/internal/testutil"
	"github.com/INLOpen/tierfs/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) (*Store, *testutil.MemCommitter) {
	t.Helper()
	committer := testutil.NewMemCommitter(nil)
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	}
	s := NewStore(committer, opts)
	committer.SetApply(s.Apply)
	return s, committer
}

func spec(cmd string) core.JobSpec { return core.NewCommandJobSpec(cmd) }

func TestStore_SubmitAndQueries(t *testing.T) {
	s, committer := newTestStore(t, Options{})
	ctx := context.Background()

	j1, err := s.Submit(ctx, []core.FileID{1}, []core.FileID{10, 11}, spec("split 1"))
	require.NoError(t, err)
	j2, err := s.Submit(ctx, []core.FileID{10}, []core.FileID{20}, spec("count 10"))
	require.NoError(t, err)
	j3, err := s.Submit(ctx, []core.FileID{10, 11}, []core.FileID{30}, spec("join"))
	require.NoError(t, err)
	assert.Equal(t, []core.JobID{1, 2, 3}, []core.JobID{j1, j2, j3})

	assert.Equal(t, []core.JobID{j1}, s.JobsProducing(10))
	assert.Nil(t, s.JobsProducing(1), "uploaded input has no producer")
	assert.Equal(t, []core.JobID{j2, j3}, s.JobsConsuming(10))
	assert.Equal(t, []core.JobID{j2, j3}, s.Children(j1))
	assert.Empty(t, s.Children(j2))

	job, err := s.Job(j3)
	require.NoError(t, err)
	assert.Equal(t, core.JobCreated, job.State)
	assert.Equal(t, []core.FileID{10, 11}, job.Inputs)
	assert.True(t, job.Produces(30))
	assert.Equal(t, int64(1_700_000_000_000), job.CreationTimeMs)

	_, err = s.Job(99)
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	assert.Len(t, s.Jobs(), 3)
	assert.Len(t, committer.EntriesOfType(journal.EntryLineageCreated), 3)
}

func TestStore_SubmitRejections(t *testing.T) {
	ctx := context.Background()
	s, committer := newTestStore(t, Options{})
	// f1 -> J1 -> f2 -> J2 -> f3
	_, err := s.Submit(ctx, []core.FileID{1}, []core.FileID{2}, spec("a"))
	require.NoError(t, err)
	_, err = s.Submit(ctx, []core.FileID{2}, []core.FileID{3}, spec("b"))
	require.NoError(t, err)
	before := len(committer.Entries())

	t.Run("input equals output", func(t *testing.T) {
		_, err := s.Submit(ctx, []core.FileID{7}, []core.FileID{7}, spec("c"))
		var cyc *core.CyclicDependencyError
		require.True(t, errors.As(err, &cyc))
		assert.Equal(t, core.FileID(7), cyc.Output)
	})

	t.Run("transitive cycle", func(t *testing.T) {
		// f3 depends on f1, so producing f1 from f3 closes a loop.
		_, err := s.Submit(ctx, []core.FileID{3}, []core.FileID{1}, spec("c"))
		var cyc *core.CyclicDependencyError
		require.True(t, errors.As(err, &cyc))
		assert.Equal(t, core.FileID(1), cyc.Output)
		assert.Equal(t, core.FileID(3), cyc.Input)
	})

	t.Run("output already produced", func(t *testing.T) {
		_, err := s.Submit(ctx, []core.FileID{1}, []core.FileID{3}, spec("c"))
		assert.ErrorIs(t, err, core.ErrOutputAlreadyProduced)
	})

	t.Run("no outputs", func(t *testing.T) {
		_, err := s.Submit(ctx, []core.FileID{1}, nil, spec("c"))
		assert.ErrorIs(t, err, core.ErrNoOutputs)
	})

	t.Run("duplicate output", func(t *testing.T) {
		_, err := s.Submit(ctx, nil, []core.FileID{8, 8}, spec("c"))
		assert.Error(t, err)
	})

	assert.Len(t, committer.Entries(), before, "rejections must not journal anything")
	assert.Len(t, s.Jobs(), 2)
	assert.Nil(t, s.JobsProducing(1))
}

func TestStore_RandomSubmissionsStayAcyclic(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		inputs := []core.FileID{core.FileID(rng.Intn(40) + 1)}
		if rng.Intn(2) == 0 {
			inputs = append(inputs, core.FileID(rng.Intn(40)+1))
		}
		outputs := []core.FileID{core.FileID(rng.Intn(40) + 1)}
		_, err := s.Submit(ctx, inputs, outputs, spec("rand"))
		if err != nil && !core.IsCyclicDependencyError(err) && !errors.Is(err, core.ErrOutputAlreadyProduced) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// No file may reach itself by walking upstream.
	for _, job := range s.Jobs() {
		for _, out := range job.Outputs {
			targets := map[core.FileID]struct{}{out: {}}
			for _, in := range job.Inputs {
				s.mu.RLock()
				_, cyclic := s.reachesLocked(in, targets)
				s.mu.RUnlock()
				assert.False(t, cyclic, "%s input %d reaches its output %d", job.ID, in, out)
			}
		}
	}
}

func TestStore_Transitions(t *testing.T) {
	ctx := context.Background()
	s, committer := newTestStore(t, Options{})
	id, err := s.Submit(ctx, nil, []core.FileID{1}, spec("gen"))
	require.NoError(t, err)

	require.NoError(t, s.MarkComplete(ctx, id))
	require.NoError(t, s.MarkPersisted(ctx, id))
	n := len(committer.Entries())
	require.NoError(t, s.MarkPersisted(ctx, id), "re-entering the current state is a no-op")
	assert.Len(t, committer.Entries(), n)

	assert.ErrorIs(t, s.MarkComplete(ctx, id), core.ErrIllegalTransition)
	require.NoError(t, s.MarkRecovering(ctx, id))
	assert.ErrorIs(t, s.MarkComplete(ctx, id), core.ErrIllegalTransition)
	require.NoError(t, s.MarkPersisted(ctx, id))

	job, _ := s.Job(id)
	assert.Equal(t, core.JobPersisted, job.State)
	assert.ErrorIs(t, s.MarkPersisted(ctx, 42), core.ErrJobNotFound)

	for _, from := range []core.JobState{core.JobComplete, core.JobPersisted, core.JobRecovering} {
		assert.False(t, CanTransition(from, core.JobCreated), "%s must never return to CREATED", from)
	}
	assert.True(t, CanTransition(core.JobCreated, core.JobPersisted))
	assert.False(t, CanTransition(core.JobRecovering, core.JobComplete))

	// Replaying an illegal transition is rejected.
	err = s.Apply(journal.Entry{SeqNum: 100, Payload: journal.LineageStateChanged{JobID: id, State: core.JobCreated}})
	assert.ErrorIs(t, err, core.ErrIllegalTransition)
}

func TestStore_TransitionTable(t *testing.T) {
	states := []core.JobState{core.JobCreated, core.JobComplete, core.JobPersisted, core.JobRecovering}
	legal := map[[2]core.JobState]bool{
		{core.JobCreated, core.JobComplete}:     true,
		{core.JobCreated, core.JobPersisted}:    true,
		{core.JobComplete, core.JobPersisted}:   true,
		{core.JobPersisted, core.JobRecovering}: true,
		{core.JobRecovering, core.JobPersisted}: true,
		{core.JobCreated, core.JobRecovering}:   true,
		{core.JobComplete, core.JobRecovering}:  true,
	}
	for _, from := range states {
		for _, to := range states {
			if from == to {
				continue
			}
			assert.Equal(t, legal[[2]core.JobState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStore_RecoverBeforePersisted(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	created, err := s.Submit(ctx, nil, []core.FileID{1}, spec("a"))
	require.NoError(t, err)
	complete, err := s.Submit(ctx, nil, []core.FileID{2}, spec("b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete(ctx, complete))

	// Outputs lost before they became durable are recomputed, and the
	// rerun finishes as PERSISTED without passing back through COMPLETE.
	for _, id := range []core.JobID{created, complete} {
		require.NoError(t, s.MarkRecovering(ctx, id))
		assert.ErrorIs(t, s.MarkComplete(ctx, id), core.ErrIllegalTransition)
		require.NoError(t, s.MarkPersisted(ctx, id))
		job, err := s.Job(id)
		require.NoError(t, err)
		assert.Equal(t, core.JobPersisted, job.State)
	}
}

func TestStore_DeleteCascade(t *testing.T) {
	ctx := context.Background()
	s, committer := newTestStore(t, Options{})
	// J1: 1 -> 2, J2: 2 -> 3, J3: 2 -> 4, J4: 3,4 -> 5
	for _, sub := range []struct{ in, out []core.FileID }{
		{[]core.FileID{1}, []core.FileID{2}},
		{[]core.FileID{2}, []core.FileID{3}},
		{[]core.FileID{2}, []core.FileID{4}},
		{[]core.FileID{3, 4}, []core.FileID{5}},
	} {
		_, err := s.Submit(ctx, sub.in, sub.out, spec("x"))
		require.NoError(t, err)
	}

	_, err := s.Delete(ctx, 1, false)
	assert.ErrorIs(t, err, core.ErrHasDependents)
	assert.Len(t, s.Jobs(), 4)

	deleted, err := s.Delete(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, []core.JobID{4, 2, 3, 1}, deleted, "children are deleted before parents")
	assert.Empty(t, s.Jobs())
	assert.Nil(t, s.JobsProducing(2))
	assert.Empty(t, s.JobsConsuming(2))
	assert.Len(t, committer.EntriesOfType(journal.EntryLineageDeleted), 4)

	// Ids are not reused after deletion.
	id, err := s.Submit(ctx, nil, []core.FileID{2}, spec("again"))
	require.NoError(t, err)
	assert.Equal(t, core.JobID(5), id)
}

func TestStore_DurabilityFailureLeavesGraphUntouched(t *testing.T) {
	ctx := context.Background()
	s, committer := newTestStore(t, Options{})
	committer.FailAppends(errors.New("disk full"))

	_, err := s.Submit(ctx, nil, []core.FileID{1}, spec("x"))
	assert.True(t, core.IsDurabilityError(err))
	assert.Empty(t, s.Jobs())
	assert.Nil(t, s.JobsProducing(1))

	committer.FailAppends(nil)
	id, err := s.Submit(ctx, nil, []core.FileID{1}, spec("x"))
	require.NoError(t, err)
	assert.Equal(t, core.JobID(1), id, "a failed append does not consume a job id")
}

type vetoListener struct {
	err error
}

func (l *vetoListener) OnEvent(_ context.Context, event hooks.HookEvent) error {
	p := event.Payload().(hooks.PreSubmitLineagePayload)
	if len(*p.Inputs) > 1 {
		return l.err
	}
	return nil
}
func (l *vetoListener) Priority() int { return 1 }
func (l *vetoListener) IsAsync() bool { return false }

func TestStore_SubmitHooksAndFileChecks(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreSubmitLineage, &vetoListener{err: errors.New("too many inputs")})

	known := map[core.FileID]bool{1: true, 2: true, 3: true}
	s, _ := newTestStore(t, Options{
		HookManager: hm,
		CheckFiles: func(files []core.FileID) error {
			for _, f := range files {
				if !known[f] {
					return core.ErrFileNotFound
				}
			}
			return nil
		},
	})

	_, err := s.Submit(ctx, []core.FileID{1, 2}, []core.FileID{3}, spec("x"))
	assert.ErrorContains(t, err, "too many inputs")

	_, err = s.Submit(ctx, []core.FileID{1}, []core.FileID{9}, spec("x"))
	assert.ErrorIs(t, err, core.ErrFileNotFound)

	_, err = s.Submit(ctx, []core.FileID{1}, []core.FileID{3}, spec("x"))
	require.NoError(t, err)
}

func TestStore_EncodeRestore(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	_, err := s.Submit(ctx, []core.FileID{1}, []core.FileID{2}, spec("a"))
	require.NoError(t, err)
	j2, err := s.Submit(ctx, []core.FileID{2}, []core.FileID{3, 4}, spec("b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRecovering(ctx, j2))
	_, err = s.Submit(ctx, nil, []core.FileID{9}, spec("c"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, 3, false)
	require.NoError(t, err)

	enc := core.NewEncoder(nil)
	s.Encode(enc)

	restored, _ := newTestStore(t, Options{})
	require.NoError(t, restored.Restore(core.NewDecoder(enc.Bytes())))
	assert.Equal(t, s.Jobs(), restored.Jobs())
	assert.Equal(t, []core.JobID{1}, restored.JobsProducing(2))
	assert.Equal(t, []core.JobID{2}, restored.JobsConsuming(2))
	assert.Equal(t, []core.JobID{j2}, restored.JobsInState(core.JobRecovering))

	again := core.NewEncoder(nil)
	restored.Encode(again)
	assert.Equal(t, enc.Bytes(), again.Bytes())

	id, err := restored.Submit(ctx, nil, []core.FileID{50}, spec("d"))
	require.NoError(t, err)
	assert.Equal(t, core.JobID(4), id)
}
