package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrUnsupportedSpec is returned for job specs an executor cannot run.
var ErrUnsupportedSpec = errors.New("unsupported job spec")

const (
	// maxCapturedOutput bounds how much command output is kept for errors.
	maxCapturedOutput = 4096
	// waitDelay bounds how long a killed command's children may hold its
	// output pipes open.
	waitDelay = 2 * time.Second
)

// FileLayoutFunc returns the blocks and length a file is expected to have.
type FileLayoutFunc func(file core.FileID) (blocks []core.BlockID, length uint64, err error)

// CommandExecutorOptions configures a CommandExecutor.
type CommandExecutorOptions struct {
	// Worker is the local worker the outputs are reported from.
	Worker core.WorkerID
	// Tier is the tier outputs are reported on and reserved in.
	Tier core.TierID
	// Shell runs the command line. Defaults to /bin/sh.
	Shell string
	// WorkDir is the working directory of commands.
	WorkDir   string
	Layout    FileLayoutFunc
	Reporter  BlockReporter
	Allocator Allocator
	Logger    *slog.Logger
}

// CommandExecutor is a Dispatcher that runs command job specs on the local
// machine and reports their output blocks from a single local worker.
type CommandExecutor struct {
	opts   CommandExecutorOptions
	logger *slog.Logger

	mu   sync.Mutex
	held *roaring64.Bitmap
}

var _ Dispatcher = (*CommandExecutor)(nil)

func NewCommandExecutor(opts CommandExecutorOptions) *CommandExecutor {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CommandExecutor{
		opts:   opts,
		logger: logger.With("component", "CommandExecutor", "worker_id", opts.Worker),
		held:   roaring64.New(),
	}
}

// ExecuteJob runs the command with the job's files in its environment:
// TIERFS_JOB_ID, TIERFS_ATTEMPT_ID, TIERFS_INPUTS and TIERFS_OUTPUTS (comma
// separated file ids). On success the output blocks are reported as held on
// the configured tier.
func (e *CommandExecutor) ExecuteJob(ctx context.Context, req DispatchRequest) ([]core.BlockID, error) {
	if req.Spec.Kind != core.JobSpecCommand {
		return nil, fmt.Errorf("%s: kind %q: %w", req.Job, req.Spec.Kind, ErrUnsupportedSpec)
	}
	command := strings.TrimSpace(string(req.Spec.Data))
	if command == "" {
		return nil, fmt.Errorf("%s: empty command: %w", req.Job, ErrUnsupportedSpec)
	}

	var blocks []core.BlockID
	var total uint64
	for _, out := range req.Outputs {
		if e.opts.Layout == nil {
			break
		}
		b, length, err := e.opts.Layout(out)
		if err != nil {
			return nil, fmt.Errorf("layout of output file %d: %w", out, err)
		}
		blocks = append(blocks, b...)
		total += length
	}

	var alloc *Allocation
	if e.opts.Allocator != nil {
		a, err := e.opts.Allocator.Reserve(ctx, int64(total), TierPreference{e.opts.Tier})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Job, err)
		}
		alloc = &a
	}
	release := func() {
		if alloc == nil {
			return
		}
		if err := e.opts.Allocator.Release(*alloc); err != nil {
			e.logger.Warn("Failed to release allocation", "allocation", alloc.ID, "error", err)
		}
	}

	cmd := exec.CommandContext(ctx, e.opts.Shell, "-c", command)
	cmd.Dir = e.opts.WorkDir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"TIERFS_JOB_ID="+strconv.FormatUint(uint64(req.Job), 10),
		"TIERFS_ATTEMPT_ID="+req.AttemptID,
		"TIERFS_INPUTS="+joinFileIDs(req.Inputs),
		"TIERFS_OUTPUTS="+joinFileIDs(req.Outputs),
	)
	var output limitedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.logger.Debug("Running job command", "job_id", req.Job, "attempt_id", req.AttemptID, "command", command)
	if err := cmd.Run(); err != nil {
		release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", req.Job, ctxErr)
		}
		return nil, fmt.Errorf("%s: command failed: %w: %s", req.Job, err, strings.TrimSpace(output.String()))
	}

	if e.opts.Reporter != nil && len(blocks) > 0 {
		e.mu.Lock()
		for _, b := range blocks {
			e.held.Add(uint64(b))
		}
		report := BlockReport{Worker: e.opts.Worker, Tier: e.opts.Tier, Blocks: toBlockIDs(e.held)}
		e.mu.Unlock()
		if _, err := e.opts.Reporter.ReportBlocks(report); err != nil {
			return nil, fmt.Errorf("%s: report output blocks: %w", req.Job, err)
		}
	}
	return blocks, nil
}

// Forget drops blocks from the local worker's holdings, as an eviction
// would, and reports the new block set.
func (e *CommandExecutor) Forget(blocks []core.BlockID) error {
	e.mu.Lock()
	for _, b := range blocks {
		e.held.Remove(uint64(b))
	}
	report := BlockReport{Worker: e.opts.Worker, Tier: e.opts.Tier, Blocks: toBlockIDs(e.held)}
	e.mu.Unlock()
	if e.opts.Reporter == nil {
		return nil
	}
	_, err := e.opts.Reporter.ReportBlocks(report)
	return err
}

func joinFileIDs(ids []core.FileID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// limitedBuffer keeps the first maxCapturedOutput bytes written to it.
type limitedBuffer struct {
	buf []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - len(b.buf); room > 0 {
		b.buf = append(b.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }
