package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/INLOpen/tierfs/core"
	"github.com/google/uuid"
)

// DispatchRequest asks a worker to run one attempt of a lineage job.
type DispatchRequest struct {
	AttemptID string
	Job       core.JobID
	Spec      core.JobSpec
	Inputs    []core.FileID
	Outputs   []core.FileID
	Worker    core.WorkerID
}

// Dispatcher executes jobs on workers. It returns the ids of the output
// blocks the job wrote; the master still waits for block reports before it
// treats them as durable.
type Dispatcher interface {
	ExecuteJob(ctx context.Context, req DispatchRequest) ([]core.BlockID, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) ([]core.BlockID, error)

func (f DispatcherFunc) ExecuteJob(ctx context.Context, req DispatchRequest) ([]core.BlockID, error) {
	return f(ctx, req)
}

// TierPreference lists tiers in the order space should be taken from.
type TierPreference []core.TierID

// Allocation is a handle on reserved tier space.
type Allocation struct {
	ID    string
	Tier  core.TierID
	Bytes int64
}

// Allocator reserves space in worker storage tiers.
type Allocator interface {
	Reserve(ctx context.Context, bytes int64, pref TierPreference) (Allocation, error)
	Release(a Allocation) error
}

// BlockReporter accepts worker block reports. *Cluster implements it.
type BlockReporter interface {
	ReportBlocks(report BlockReport) ([]core.BlockID, error)
}

var _ BlockReporter = (*Cluster)(nil)

// ErrNoCapacity is returned when no preferred tier has enough free space.
var ErrNoCapacity = errors.New("no tier has enough free capacity")

// CapacityAllocator hands out space from fixed per-tier quotas. It serves
// the single-process mode, where the master and its only worker share a
// machine.
type CapacityAllocator struct {
	mu          sync.Mutex
	capacity    map[core.TierID]int64
	used        map[core.TierID]int64
	allocations map[string]Allocation
}

var _ Allocator = (*CapacityAllocator)(nil)

func NewCapacityAllocator(capacity map[core.TierID]int64) *CapacityAllocator {
	c := make(map[core.TierID]int64, len(capacity))
	for tier, n := range capacity {
		c[tier] = n
	}
	return &CapacityAllocator{
		capacity:    c,
		used:        make(map[core.TierID]int64),
		allocations: make(map[string]Allocation),
	}
}

func (a *CapacityAllocator) Reserve(ctx context.Context, bytes int64, pref TierPreference) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, err
	}
	if bytes < 0 {
		return Allocation{}, fmt.Errorf("negative reservation of %d bytes", bytes)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tier := range pref {
		capacity, ok := a.capacity[tier]
		if !ok || a.used[tier]+bytes > capacity {
			continue
		}
		a.used[tier] += bytes
		alloc := Allocation{ID: uuid.NewString(), Tier: tier, Bytes: bytes}
		a.allocations[alloc.ID] = alloc
		return alloc, nil
	}
	return Allocation{}, fmt.Errorf("reserve %d bytes in %v: %w", bytes, pref, ErrNoCapacity)
}

func (a *CapacityAllocator) Release(alloc Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	held, ok := a.allocations[alloc.ID]
	if !ok {
		return fmt.Errorf("unknown allocation %s", alloc.ID)
	}
	delete(a.allocations, alloc.ID)
	a.used[held.Tier] -= held.Bytes
	return nil
}

// Used returns the bytes reserved on tier.
func (a *CapacityAllocator) Used(tier core.TierID) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[tier]
}
