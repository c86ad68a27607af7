// Package recovery rebuilds lost files by re-running the lineage jobs that
// produced them.
package recovery

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/INLOpen/tierfs/core"
	"github.com/INLOpen/tierfs/lineage"
)

// Graph is the read side of the lineage store used for planning.
type Graph interface {
	JobsProducing(file core.FileID) []core.JobID
	Job(id core.JobID) (lineage.Job, error)
}

// Availability reports whether every block of a file is held by some
// worker.
type Availability interface {
	FileAvailable(file core.FileID) bool
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func(core.FileID) bool

func (f AvailabilityFunc) FileAvailable(file core.FileID) bool { return f(file) }

// Plan is the set of jobs to re-run for a loss, in dispatch order.
type Plan struct {
	// Lost are the reported files, ascending.
	Lost []core.FileID
	// Order lists jobs ancestors first; independent jobs by ascending id.
	Order []core.JobID
	Jobs  map[core.JobID]lineage.Job
	// Deps are the planned jobs each job waits for.
	Deps map[core.JobID][]core.JobID
	// Targets are the reported files each job restores.
	Targets map[core.JobID][]core.FileID
	// Unrecoverable are reported files no lineage path can rebuild. They
	// are never dispatched.
	Unrecoverable map[core.FileID]*core.UnrecoverableDataLoss
}

type jobVisit struct {
	done    bool
	bad     bool
	missing core.FileID
}

type planner struct {
	graph  Graph
	avail  Availability
	plan   *Plan
	visits map[core.JobID]*jobVisit
}

// BuildPlan computes the jobs needed to restore lost: each lost file's
// producer plus, transitively, the producers of any unavailable input.
func BuildPlan(lost []core.FileID, graph Graph, avail Availability) (*Plan, error) {
	lost = slices.Compact(slices.Sorted(slices.Values(lost)))
	p := &planner{
		graph: graph,
		avail: avail,
		plan: &Plan{
			Lost:          lost,
			Jobs:          make(map[core.JobID]lineage.Job),
			Deps:          make(map[core.JobID][]core.JobID),
			Targets:       make(map[core.JobID][]core.FileID),
			Unrecoverable: make(map[core.FileID]*core.UnrecoverableDataLoss),
		},
		visits: make(map[core.JobID]*jobVisit),
	}

	for _, f := range lost {
		producers := graph.JobsProducing(f)
		if len(producers) == 0 {
			p.plan.Unrecoverable[f] = &core.UnrecoverableDataLoss{File: f, Missing: f}
			continue
		}
		j := producers[0]
		v, err := p.visit(j)
		if err != nil {
			return nil, err
		}
		if v.bad {
			p.plan.Unrecoverable[f] = &core.UnrecoverableDataLoss{File: f, Missing: v.missing}
			continue
		}
		p.plan.Targets[j] = append(p.plan.Targets[j], f)
	}

	p.prune()
	p.plan.Order = p.topoOrder()
	return p.plan, nil
}

// prune drops planned jobs that no targeted job depends on. visit adds a
// parent before it knows whether a later input of the child is
// unrecoverable, so a bad child can leave orphaned ancestors behind.
func (p *planner) prune() {
	keep := make(map[core.JobID]bool, len(p.plan.Jobs))
	var stack []core.JobID
	for id := range p.plan.Targets {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[id] {
			continue
		}
		keep[id] = true
		stack = append(stack, p.plan.Deps[id]...)
	}
	for id := range p.plan.Jobs {
		if !keep[id] {
			delete(p.plan.Jobs, id)
			delete(p.plan.Deps, id)
		}
	}
}

// visit adds job and the producers of its unavailable inputs to the plan.
// A job is bad when an unavailable input has no lineage path.
func (p *planner) visit(id core.JobID) (*jobVisit, error) {
	if v, ok := p.visits[id]; ok {
		if !v.done {
			return nil, fmt.Errorf("lineage cycle through %s", id)
		}
		return v, nil
	}
	v := &jobVisit{}
	p.visits[id] = v

	job, err := p.graph.Job(id)
	if err != nil {
		return nil, err
	}
	var deps []core.JobID
	for _, in := range job.Inputs {
		if p.avail.FileAvailable(in) {
			continue
		}
		producers := p.graph.JobsProducing(in)
		if len(producers) == 0 {
			v.bad, v.missing = true, in
			break
		}
		parent, err := p.visit(producers[0])
		if err != nil {
			return nil, err
		}
		if parent.bad {
			v.bad, v.missing = true, parent.missing
			break
		}
		if !slices.Contains(deps, producers[0]) {
			deps = append(deps, producers[0])
		}
	}
	v.done = true
	if !v.bad {
		core.SortJobIDs(deps)
		p.plan.Jobs[id] = job
		p.plan.Deps[id] = deps
	}
	return v, nil
}

// jobHeap is a min-heap of job ids.
type jobHeap []core.JobID

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(core.JobID)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm taking the smallest ready id first.
func (p *planner) topoOrder() []core.JobID {
	indegree := make(map[core.JobID]int, len(p.plan.Jobs))
	children := make(map[core.JobID][]core.JobID)
	ready := &jobHeap{}
	for id, deps := range p.plan.Deps {
		indegree[id] = len(deps)
		for _, d := range deps {
			children[d] = append(children[d], id)
		}
		if len(deps) == 0 {
			*ready = append(*ready, id)
		}
	}
	heap.Init(ready)

	order := make([]core.JobID, 0, len(p.plan.Jobs))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(core.JobID)
		order = append(order, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	return order
}
