// Package cluster tracks workers and the blocks they report. It is owned by
// the master: created when the master starts and closed with it.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/hooks"
	"github.com/INLOpen/tierfs/metrics"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrClosed is returned by waits interrupted by Close.
var ErrClosed = errors.New("cluster is closed")

// Options configures a Cluster.
type Options struct {
	// HeartbeatTimeout is how long a worker may stay silent before it is
	// declared lost.
	HeartbeatTimeout time.Duration
	// LossGracePeriod is how long a block may be missing from every live
	// worker before it is declared lost.
	LossGracePeriod time.Duration
	// DurableTiers lists the tiers whose blocks count as durable. Empty
	// means every tier.
	DurableTiers []core.TierID
	Logger       *slog.Logger
	HookManager  hooks.HookManager
	Now          func() time.Time
}

// BlockReport is the full list of blocks a worker holds on one tier. Blocks
// absent from the report are no longer on that tier.
type BlockReport struct {
	Worker core.WorkerID
	Tier   core.TierID
	Blocks []core.BlockID
}

// WorkerInfo is a copy of what the cluster knows about a worker.
type WorkerInfo struct {
	ID            core.WorkerID
	Address       string
	Alive         bool
	LastHeartbeat time.Time
	Blocks        map[core.TierID]uint64
}

// LossEvent describes what a DetectLoss pass found.
type LossEvent struct {
	Blocks      []core.BlockID
	Files       []core.FileID
	DeadWorkers []core.WorkerID
}

func (e LossEvent) Empty() bool {
	return len(e.Blocks) == 0 && len(e.DeadWorkers) == 0
}

type worker struct {
	id            core.WorkerID
	address       string
	alive         bool
	lastHeartbeat time.Time
	tiers         map[core.TierID]*roaring64.Bitmap
	lost          chan struct{}
}

type durableWaiter struct {
	remaining *roaring64.Bitmap
	done      chan struct{}
}

// Cluster is the explicit cluster state: live workers, their per-tier block
// sets, blocks pending loss and waiters for durability.
type Cluster struct {
	mu           sync.RWMutex
	workers      map[core.WorkerID]*worker
	missingSince map[core.BlockID]time.Time
	waiters      []*durableWaiter
	durableTiers map[core.TierID]struct{}
	cursor       int
	closed       bool
	closedCh     chan struct{}

	heartbeatTimeout time.Duration
	lossGrace        time.Duration
	logger           *slog.Logger
	hookManager      hooks.HookManager
	now              func() time.Time
}

// New creates an empty cluster.
func New(opts Options) *Cluster {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	if opts.LossGracePeriod < 0 {
		opts.LossGracePeriod = 0
	}
	var durable map[core.TierID]struct{}
	if len(opts.DurableTiers) > 0 {
		durable = make(map[core.TierID]struct{}, len(opts.DurableTiers))
		for _, t := range opts.DurableTiers {
			durable[t] = struct{}{}
		}
	}
	return &Cluster{
		workers:          make(map[core.WorkerID]*worker),
		missingSince:     make(map[core.BlockID]time.Time),
		durableTiers:     durable,
		closedCh:         make(chan struct{}),
		heartbeatTimeout: opts.HeartbeatTimeout,
		lossGrace:        opts.LossGracePeriod,
		logger:           logger.With("component", "Cluster"),
		hookManager:      opts.HookManager,
		now:              now,
	}
}

// RegisterWorker adds a worker, or starts a new incarnation of a known one.
// A new incarnation holds no blocks until it reports them.
func (c *Cluster) RegisterWorker(id core.WorkerID, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if w, ok := c.workers[id]; ok && w.alive {
		w.address = address
		w.lastHeartbeat = c.now()
		return nil
	}
	c.workers[id] = &worker{
		id:            id,
		address:       address,
		alive:         true,
		lastHeartbeat: c.now(),
		tiers:         make(map[core.TierID]*roaring64.Bitmap),
		lost:          make(chan struct{}),
	}
	metrics.LiveWorkers.Set(float64(c.liveCountLocked()))
	c.logger.Info("Worker registered", "worker_id", id, "address", address)
	return nil
}

func (c *Cluster) Heartbeat(id core.WorkerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok || !w.alive {
		return fmt.Errorf("%s: %w", id, core.ErrWorkerNotFound)
	}
	w.lastHeartbeat = c.now()
	return nil
}

// ReportBlocks replaces the worker's block set for one tier. It returns the
// blocks that became durable because of this report, ascending.
func (c *Cluster) ReportBlocks(report BlockReport) ([]core.BlockID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	w, ok := c.workers[report.Worker]
	if !ok || !w.alive {
		return nil, fmt.Errorf("%s: %w", report.Worker, core.ErrWorkerNotFound)
	}
	now := c.now()
	w.lastHeartbeat = now

	fresh := roaring64.New()
	for _, b := range report.Blocks {
		fresh.Add(uint64(b))
	}

	var wasDurable *roaring64.Bitmap
	if c.isDurableTier(report.Tier) {
		wasDurable = fresh.Clone()
		wasDurable.And(c.durableLocked())
	}

	old := w.tiers[report.Tier]
	if fresh.IsEmpty() {
		delete(w.tiers, report.Tier)
	} else {
		w.tiers[report.Tier] = fresh
	}

	if old != nil {
		gone := old.Clone()
		gone.AndNot(fresh)
		it := gone.Iterator()
		for it.HasNext() {
			b := core.BlockID(it.Next())
			if !c.availableLocked(b) {
				if _, pending := c.missingSince[b]; !pending {
					c.missingSince[b] = now
				}
			}
		}
	}
	it := fresh.Iterator()
	for it.HasNext() {
		delete(c.missingSince, core.BlockID(it.Next()))
	}

	if wasDurable == nil {
		return nil, nil
	}
	newly := fresh.Clone()
	newly.AndNot(wasDurable)
	if newly.IsEmpty() {
		return nil, nil
	}
	c.notifyWaitersLocked(newly)
	return toBlockIDs(newly), nil
}

func (c *Cluster) isDurableTier(t core.TierID) bool {
	if c.durableTiers == nil {
		return true
	}
	_, ok := c.durableTiers[t]
	return ok
}

// durableLocked returns the union of every live durable tier.
func (c *Cluster) durableLocked() *roaring64.Bitmap {
	out := roaring64.New()
	for _, w := range c.workers {
		if !w.alive {
			continue
		}
		for tier, bm := range w.tiers {
			if c.isDurableTier(tier) {
				out.Or(bm)
			}
		}
	}
	return out
}

func (c *Cluster) availableLocked(b core.BlockID) bool {
	for _, w := range c.workers {
		if !w.alive {
			continue
		}
		for _, bm := range w.tiers {
			if bm.Contains(uint64(b)) {
				return true
			}
		}
	}
	return false
}

func (c *Cluster) durableBlockLocked(b core.BlockID) bool {
	for _, w := range c.workers {
		if !w.alive {
			continue
		}
		for tier, bm := range w.tiers {
			if c.isDurableTier(tier) && bm.Contains(uint64(b)) {
				return true
			}
		}
	}
	return false
}

func (c *Cluster) notifyWaitersLocked(newly *roaring64.Bitmap) {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		w.remaining.AndNot(newly)
		if w.remaining.IsEmpty() {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	clear(c.waiters[len(kept):])
	c.waiters = kept
}

// BlockAvailable reports whether any live worker holds b on any tier.
func (c *Cluster) BlockAvailable(b core.BlockID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availableLocked(b)
}

// BlockDurable reports whether any live worker holds b on a durable tier.
func (c *Cluster) BlockDurable(b core.BlockID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.durableBlockLocked(b)
}

// BlocksAvailable reports whether every block is available.
func (c *Cluster) BlocksAvailable(blocks []core.BlockID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range blocks {
		if !c.availableLocked(b) {
			return false
		}
	}
	return true
}

// WaitDurable blocks until every block is durable, ctx ends or the cluster
// is closed.
func (c *Cluster) WaitDurable(ctx context.Context, blocks []core.BlockID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	remaining := roaring64.New()
	for _, b := range blocks {
		if !c.durableBlockLocked(b) {
			remaining.Add(uint64(b))
		}
	}
	if remaining.IsEmpty() {
		c.mu.Unlock()
		return nil
	}
	w := &durableWaiter{remaining: remaining, done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-c.closedCh:
		return ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		c.waiters = slices.DeleteFunc(c.waiters, func(x *durableWaiter) bool { return x == w })
		c.mu.Unlock()
		return ctx.Err()
	}
}

// DetectLoss declares workers silent for longer than the heartbeat timeout
// lost, and blocks missing from every live worker for longer than the grace
// period lost. Blocks of a lost worker that no other worker holds are lost
// at once.
func (c *Cluster) DetectLoss(ctx context.Context, now time.Time) LossEvent {
	c.mu.Lock()
	var ev LossEvent
	var orphaned []*roaring64.Bitmap
	for _, w := range c.workers {
		if !w.alive || now.Sub(w.lastHeartbeat) <= c.heartbeatTimeout {
			continue
		}
		w.alive = false
		close(w.lost)
		ev.DeadWorkers = append(ev.DeadWorkers, w.id)
		for _, bm := range w.tiers {
			orphaned = append(orphaned, bm)
		}
		w.tiers = make(map[core.TierID]*roaring64.Bitmap)
	}

	lost := roaring64.New()
	for _, bm := range orphaned {
		it := bm.Iterator()
		for it.HasNext() {
			b := core.BlockID(it.Next())
			if !c.availableLocked(b) {
				lost.Add(uint64(b))
			}
		}
	}
	for b, since := range c.missingSince {
		if now.Sub(since) >= c.lossGrace && !c.availableLocked(b) {
			lost.Add(uint64(b))
		}
	}
	it := lost.Iterator()
	for it.HasNext() {
		delete(c.missingSince, core.BlockID(it.Next()))
	}
	live := c.liveCountLocked()
	c.mu.Unlock()

	if len(ev.DeadWorkers) == 0 && lost.IsEmpty() {
		return ev
	}
	slices.Sort(ev.DeadWorkers)
	// Block ids sort by owning file first.
	ev.Blocks = toBlockIDs(lost)
	for _, b := range ev.Blocks {
		if n := len(ev.Files); n == 0 || ev.Files[n-1] != b.File() {
			ev.Files = append(ev.Files, b.File())
		}
	}

	metrics.LiveWorkers.Set(float64(live))
	metrics.BlocksLostTotal.Add(float64(len(ev.Blocks)))
	for _, id := range ev.DeadWorkers {
		c.logger.Warn("Worker lost after heartbeat timeout", "worker_id", id, "timeout", c.heartbeatTimeout)
	}
	if len(ev.Blocks) > 0 {
		c.logger.Warn("Blocks lost from worker storage", "blocks", len(ev.Blocks), "files", len(ev.Files))
		hooks.TriggerIfSet(ctx, c.hookManager, hooks.NewOnBlocksLostEvent(hooks.BlocksLostPayload{
			Blocks:      ev.Blocks,
			Files:       ev.Files,
			DeadWorkers: ev.DeadWorkers,
		}))
	}
	return ev
}

// PickWorker returns a live worker not in exclude, rotating through the
// live workers in id order.
func (c *Cluster) PickWorker(exclude ...core.WorkerID) (core.WorkerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var candidates []core.WorkerID
	for id, w := range c.workers {
		if w.alive && !slices.Contains(exclude, id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 0, core.ErrNoLiveWorkers
	}
	slices.Sort(candidates)
	id := candidates[c.cursor%len(candidates)]
	c.cursor++
	return id, nil
}

// WorkerLost returns a channel closed when the current incarnation of the
// worker is declared lost. Unknown or dead workers get a closed channel.
func (c *Cluster) WorkerLost(id core.WorkerID) <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if w, ok := c.workers[id]; ok && w.alive {
		return w.lost
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// LiveWorkers returns the live worker ids, ascending.
func (c *Cluster) LiveWorkers() []core.WorkerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []core.WorkerID
	for id, w := range c.workers {
		if w.alive {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (c *Cluster) Worker(id core.WorkerID) (WorkerInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workers[id]
	if !ok {
		return WorkerInfo{}, fmt.Errorf("%s: %w", id, core.ErrWorkerNotFound)
	}
	info := WorkerInfo{
		ID:            w.id,
		Address:       w.address,
		Alive:         w.alive,
		LastHeartbeat: w.lastHeartbeat,
		Blocks:        make(map[core.TierID]uint64, len(w.tiers)),
	}
	for tier, bm := range w.tiers {
		info.Blocks[tier] = bm.GetCardinality()
	}
	return info, nil
}

func (c *Cluster) liveCountLocked() int {
	n := 0
	for _, w := range c.workers {
		if w.alive {
			n++
		}
	}
	return n
}

// Close wakes every waiter with ErrClosed.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	c.waiters = nil
	return nil
}

func toBlockIDs(bm *roaring64.Bitmap) []core.BlockID {
	raw := bm.ToArray()
	out := make([]core.BlockID, len(raw))
	for i, v := range raw {
		out[i] = core.BlockID(v)
	}
	return out
}
