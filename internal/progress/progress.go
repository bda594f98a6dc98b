// Package progress implements the hierarchical progress/cancellation node
// shared by discovery and bulk operations: a tree of nodes each tracking
// (state, progress, target), cooperative cancellation, and the set of
// worker goroutines it owns.
package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/sbfleet/pdufleet/internal/xerr"
)

// State is a node's lifecycle stage.
type State int

// Lifecycle: pending -> run -> {done, aborted, error}.
const (
	StatePending State = iota
	StateRunning
	StateDone
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateDone || s == StateAborted || s == StateError
}

// Node is one entry in the progress tree. The zero value is not usable;
// construct with New or NewChild.
type Node struct {
	mu             sync.Mutex
	state          State
	progress       int
	target         int
	explicitFinish bool
	children       []*Node
	ctx            context.Context
	cancel         context.CancelFunc
	workers        sync.WaitGroup
}

// New creates a root progress node governed by ctx. Cancelling ctx (or
// calling the returned node's Abort) stops every IsRunning poll beneath it.
func New(ctx context.Context, target int) *Node {
	child, cancel := context.WithCancel(ctx)
	return &Node{
		state:  StatePending,
		target: target,
		ctx:    child,
		cancel: cancel,
	}
}

// NewChild creates a node beneath parent, inheriting its cancellation.
// Aborting the parent aborts every child.
func (p *Node) NewChild(target int) *Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := New(p.ctx, target)
	p.children = append(p.children, child)
	return child
}

// SetExplicitFinish marks this node as reporting 99% until Finish is called
// explicitly, even once its internal progress reaches target.
func (p *Node) SetExplicitFinish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.explicitFinish = true
}

// Start transitions the node from pending to running.
func (p *Node) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePending {
		p.state = StateRunning
	}
}

// SetTarget updates the node's target. n=0 moves the node straight to done;
// n<0 moves it to error.
func (p *Node) SetTarget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.target = n
	switch {
	case n == 0:
		p.state = StateDone
	case n < 0:
		p.state = StateError
	}
}

// AddProgress increments the node's progress counter. Advancing beyond
// target is an error transition (returns ErrInvalidInput and moves the node
// to StateError).
func (p *Node) AddProgress(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.progress += n
	if p.progress > p.target {
		p.state = StateError
		return fmt.Errorf("%w: progress %d exceeds target %d", xerr.ErrInvalidInput, p.progress, p.target)
	}
	if p.progress == p.target && p.state == StateRunning && !p.explicitFinish {
		p.state = StateDone
	}
	return nil
}

// Finish explicitly completes a node created with SetExplicitFinish.
func (p *Node) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.terminal() {
		p.state = StateDone
	}
}

// Fail transitions the node to StateError.
func (p *Node) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.terminal() {
		p.state = StateError
	}
}

// Abort cancels this node's context (propagating to every descendant via
// their inherited contexts) and transitions it and its children to
// StateAborted.
func (p *Node) Abort() {
	p.mu.Lock()
	if !p.state.terminal() {
		p.state = StateAborted
	}
	cancel := p.cancel
	children := append([]*Node{}, p.children...)
	p.mu.Unlock()

	cancel()
	for _, c := range children {
		c.Abort()
	}
}

// IsRunning reports whether worker loops should keep iterating. Cooperative
// cancellation: callers poll this at every loop head and before each
// network operation.
func (p *Node) IsRunning() bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning || p.state == StatePending
}

// Context returns the node's cancellation context, for passing to
// network operations directly.
func (p *Node) Context() context.Context {
	return p.ctx
}

// TrackWorker registers a worker goroutine the node owns. Call done()
// (typically via defer) when the goroutine exits.
func (p *Node) TrackWorker() (done func()) {
	p.workers.Add(1)
	return p.workers.Done
}

// Close joins every worker this node spawned and recurses into children.
// Idempotent: safe to call multiple times.
func (p *Node) Close() {
	p.workers.Wait()

	p.mu.Lock()
	children := append([]*Node{}, p.children...)
	p.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
}

// Status reports the node's own (state, progress, target).
func (p *Node) Status() (State, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.progress, p.target
}

// AggregateStatus sums progress and target across this node and every
// descendant, and reports the percentage complete. A node flagged
// explicitFinish contributes at most 99% of its own target until Finish is
// called.
func (p *Node) AggregateStatus() (progressSum, targetSum int, percent float64) {
	p.mu.Lock()
	state := p.state
	own := p.progress
	target := p.target
	explicit := p.explicitFinish
	children := append([]*Node{}, p.children...)
	p.mu.Unlock()

	if explicit && state != StateDone && target > 0 {
		capped := (target * 99) / 100
		if own > capped {
			own = capped
		}
	}

	progressSum = own
	targetSum = target
	for _, c := range children {
		cp, ct, _ := c.AggregateStatus()
		progressSum += cp
		targetSum += ct
	}

	if targetSum == 0 {
		return progressSum, targetSum, 0
	}
	return progressSum, targetSum, 100 * float64(progressSum) / float64(targetSum)
}
