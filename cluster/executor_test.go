//go:build unix

package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(file core.FileID) ([]core.BlockID, uint64, error) {
	if file == 404 {
		return nil, 0, core.ErrFileNotFound
	}
	return blocks(file, 2), 100, nil
}

func TestCommandExecutor_ReportsOutputs(t *testing.T) {
	c := New(Options{})
	defer c.Close()
	require.NoError(t, c.RegisterWorker(1, "local"))
	alloc := NewCapacityAllocator(map[core.TierID]int64{"MEM": 1000})

	exec := NewCommandExecutor(CommandExecutorOptions{
		Worker:    1,
		Tier:      "MEM",
		Layout:    testLayout,
		Reporter:  c,
		Allocator: alloc,
	})

	req := DispatchRequest{
		AttemptID: "a-1",
		Job:       7,
		Spec:      core.NewCommandJobSpec(`test "$TIERFS_INPUTS" = "1,2" && test "$TIERFS_OUTPUTS" = "5,6" && test "$TIERFS_JOB_ID" = 7`),
		Inputs:    []core.FileID{1, 2},
		Outputs:   []core.FileID{5, 6},
		Worker:    1,
	}
	out, err := exec.ExecuteJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, append(blocks(5, 2), blocks(6, 2)...), out)
	assert.True(t, c.BlocksAvailable(out))
	assert.Equal(t, int64(200), alloc.Used("MEM"))

	require.NoError(t, exec.Forget(blocks(5, 2)))
	assert.False(t, c.BlockAvailable(core.NewBlockID(5, 0)))
	assert.True(t, c.BlocksAvailable(blocks(6, 2)))
}

func TestCommandExecutor_Failures(t *testing.T) {
	alloc := NewCapacityAllocator(map[core.TierID]int64{"MEM": 150})
	exec := NewCommandExecutor(CommandExecutorOptions{Worker: 1, Tier: "MEM", Layout: testLayout, Allocator: alloc})
	ctx := context.Background()

	testCases := []struct {
		name    string
		spec    core.JobSpec
		outputs []core.FileID
		want    string
	}{
		{name: "non-zero exit", spec: core.NewCommandJobSpec("echo boom >&2; exit 3"), outputs: []core.FileID{5}, want: "boom"},
		{name: "unsupported kind", spec: core.JobSpec{Kind: "spark", Data: []byte("x")}, outputs: []core.FileID{5}, want: ErrUnsupportedSpec.Error()},
		{name: "empty command", spec: core.NewCommandJobSpec("  "), outputs: []core.FileID{5}, want: ErrUnsupportedSpec.Error()},
		{name: "unknown output", spec: core.NewCommandJobSpec("true"), outputs: []core.FileID{404}, want: core.ErrFileNotFound.Error()},
		{name: "no capacity", spec: core.NewCommandJobSpec("true"), outputs: []core.FileID{5, 6}, want: ErrNoCapacity.Error()},
	}
	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exec.ExecuteJob(ctx, DispatchRequest{AttemptID: fmt.Sprint(i), Job: 1, Spec: tc.spec, Outputs: tc.outputs})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Zero(t, alloc.Used("MEM"), "failed attempts release their reservation")
		})
	}
}

func TestCommandExecutor_Timeout(t *testing.T) {
	exec := NewCommandExecutor(CommandExecutorOptions{Worker: 1, Tier: "MEM"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.ExecuteJob(ctx, DispatchRequest{Job: 1, Spec: core.NewCommandJobSpec("exec sleep 5")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}
