// Package parallel models the cooperating workers of a distributed run.
//
// A Group of n workers shares one collective channel. Every collective call
// (Barrier, AllReduceSum, Broadcast) blocks until all n workers have entered
// it, so workers must issue the same sequence of collectives. Reductions are
// summed in rank order, so results are bit-identical from run to run.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Coordinator is the rank that owns all file I/O.
const Coordinator = 0

var ErrMismatch = errors.New("parallel: collective mismatch between workers")

// Comm is one worker's handle on its group.
type Comm interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	AllReduceSum(ctx context.Context, v float64) (float64, error)
	// Broadcast returns the coordinator's data on every worker. The data
	// argument is ignored on other ranks.
	Broadcast(ctx context.Context, data []byte) ([]byte, error)
}

// IsCoordinator reports whether c may perform file I/O.
func IsCoordinator(c Comm) bool { return c.Rank() == Coordinator }

type opKind uint8

const (
	opBarrier opKind = iota
	opReduce
	opBroadcast
)

type round struct {
	op      opKind
	arrived int
	parts   []float64
	data    []byte
	result  float64
	err     error
	done    chan struct{}
}

// Group is an in-process set of workers.
type Group struct {
	size int

	mu  sync.Mutex
	cur *round
}

func NewGroup(size int) (*Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("parallel: group size must be positive, got %d", size)
	}
	return &Group{size: size}, nil
}

// Comm returns the handle of the given rank.
func (g *Group) Comm(rank int) Comm {
	return &member{g: g, rank: rank}
}

func (g *Group) Size() int { return g.size }

func (g *Group) enter(ctx context.Context, rank int, op opKind, v float64, data []byte) (*round, error) {
	g.mu.Lock()
	r := g.cur
	if r == nil {
		r = &round{op: op, parts: make([]float64, g.size), done: make(chan struct{})}
		g.cur = r
	}
	if r.op != op && r.err == nil {
		r.err = fmt.Errorf("%w: rank %d entered op %d during op %d", ErrMismatch, rank, op, r.op)
	}
	r.parts[rank] = v
	if rank == Coordinator && op == opBroadcast {
		r.data = data
	}
	r.arrived++
	if r.arrived == g.size {
		r.result = floats.Sum(r.parts)
		g.cur = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type member struct {
	g    *Group
	rank int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.g.size }

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.g.enter(ctx, m.rank, opBarrier, 0, nil)
	return err
}

func (m *member) AllReduceSum(ctx context.Context, v float64) (float64, error) {
	r, err := m.g.enter(ctx, m.rank, opReduce, v, nil)
	if err != nil {
		return 0, err
	}
	return r.result, nil
}

func (m *member) Broadcast(ctx context.Context, data []byte) ([]byte, error) {
	r, err := m.g.enter(ctx, m.rank, opBroadcast, 0, data)
	if err != nil {
		return nil, err
	}
	if r.data == nil {
		return nil, nil
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out, nil
}

// Run starts one goroutine per rank and waits for all of them. The first
// error cancels the shared context so workers blocked in a collective return.
func Run(ctx context.Context, size int, fn func(ctx context.Context, c Comm) error) error {
	g, err := NewGroup(size)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		comm := g.Comm(rank)
		eg.Go(func() error {
			return fn(ctx, comm)
		})
	}
	return eg.Wait()
}

// Solo is a single-worker communicator.
func Solo() Comm {
	g, _ := NewGroup(1)
	return g.Comm(0)
}

// Span returns the half-open range [start, end) of n items owned by rank
// under a contiguous block partition.
func Span(n, rank, size int) (int, int) {
	start := n * rank / size
	end := n * (rank + 1) / size
	return start, end
}
