package listeners

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"testing"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	listener := NewLossAlerterListener(logger)

	t.Run("BlocksLost", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewOnBlocksLostEvent(hooks.BlocksLostPayload{
			Blocks:      []core.BlockID{core.NewBlockID(4, 0), core.NewBlockID(4, 1)},
			Files:       []core.FileID{4},
			DeadWorkers: []core.WorkerID{2},
		})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		out := logBuf.String()
		assert.Contains(t, out, "Blocks lost from worker storage")
		assert.Contains(t, out, `"lost_blocks":2`)
		assert.Contains(t, out, `"affected_files":1`)
	})

	t.Run("UnrecoverableDataLoss", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewOnUnrecoverableDataLossEvent(hooks.UnrecoverableDataLossPayload{File: 9, Missing: 3})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		out := logBuf.String()
		assert.Contains(t, out, "Unrecoverable data loss")
		assert.Contains(t, out, `"file_id":9`)
		assert.Contains(t, out, `"missing_lineage_for":3`)
	})

	t.Run("IgnoresOtherEvents", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{})))
		assert.Empty(t, logBuf.String())
	})
}

func TestCheckpointStatsListener_OnEvent(t *testing.T) {
	initCheckpointMetrics()
	checkpointRawBytes.Set(0)
	checkpointCompressedBytes.Set(0)
	checkpointsWritten.Set(0)
	checkpointsFailed.Set(0)

	listener := NewCheckpointStatsListener(nil)
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{SeqNum: 10, RawBytes: 4000, CompressedBytes: 1000})))
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{SeqNum: 20, RawBytes: 2000, CompressedBytes: 1000})))
	require.NoError(t, listener.OnEvent(context.Background(), hooks.NewCheckpointFailedEvent(hooks.CheckpointFailedPayload{SeqNum: 30, Error: errors.New("disk full")})))

	assert.Equal(t, int64(6000), checkpointRawBytes.Value())
	assert.Equal(t, int64(2000), checkpointCompressedBytes.Value())
	assert.Equal(t, int64(2), checkpointsWritten.Value())
	assert.Equal(t, int64(1), checkpointsFailed.Value())

	ratioVar := expvar.Get("master_checkpoint_compression_ratio")
	require.NotNil(t, ratioVar)
	var ratio float64
	require.NoError(t, json.Unmarshal([]byte(ratioVar.String()), &ratio))
	assert.InDelta(t, 3.0, ratio, 1e-9)
}

func TestLineageGuardListener_OnEvent(t *testing.T) {
	guard := NewLineageGuardListener(nil, LineageRules{
		MaxInputs:    3,
		MaxOutputs:   1,
		AllowedKinds: []string{core.JobSpecCommand},
	})

	testCases := []struct {
		name    string
		inputs  []core.FileID
		outputs []core.FileID
		spec    core.JobSpec
		wantErr bool
	}{
		{name: "accepted", inputs: []core.FileID{1, 2}, outputs: []core.FileID{3}, spec: core.NewCommandJobSpec("join")},
		{name: "duplicate inputs collapse under the limit", inputs: []core.FileID{1, 1, 2, 2, 2}, outputs: []core.FileID{3}, spec: core.NewCommandJobSpec("join")},
		{name: "too many inputs", inputs: []core.FileID{1, 2, 4, 5}, outputs: []core.FileID{3}, spec: core.NewCommandJobSpec("join"), wantErr: true},
		{name: "too many outputs", inputs: []core.FileID{1}, outputs: []core.FileID{3, 4}, spec: core.NewCommandJobSpec("split"), wantErr: true},
		{name: "kind not allowed", inputs: []core.FileID{1}, outputs: []core.FileID{3}, spec: core.JobSpec{Kind: "spark"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inputs, outputs, spec := tc.inputs, tc.outputs, tc.spec
			err := guard.OnEvent(context.Background(), hooks.NewPreSubmitLineageEvent(hooks.PreSubmitLineagePayload{Inputs: &inputs, Outputs: &outputs, Spec: &spec}))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrLineageRejected)
				return
			}
			require.NoError(t, err)
			assert.IsIncreasing(t, inputs)
		})
	}
}
