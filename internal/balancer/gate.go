package balancer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the number of upstream requests a balancer runs at once.
const DefaultMaxConcurrent = 10

// Gate bounds concurrent upstream requests. Waiters are admitted in FIFO order.
type Gate struct {
	sem     *semaphore.Weighted
	size    int
	inUse   atomic.Int64
	waiting atomic.Int64

	inUseGauge   prometheus.Gauge
	waitingGauge prometheus.Gauge
}

// NewGate creates a gate with size slots. A non-positive size uses DefaultMaxConcurrent.
func NewGate(size int) *Gate {
	if size <= 0 {
		size = DefaultMaxConcurrent
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func newInstrumentedGate(size int, inUse, waiting prometheus.Gauge) *Gate {
	g := NewGate(size)
	g.inUseGauge = inUse
	g.waitingGauge = waiting
	return g
}

// Acquire blocks until a slot is free or ctx is done. The returned release func
// frees the slot; calling it more than once has no further effect.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.waiting.Add(1)
	g.report()
	err = g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		g.report()
		return nil, err
	}
	g.inUse.Add(1)
	g.report()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inUse.Add(-1)
			g.sem.Release(1)
			g.report()
		})
	}, nil
}

func (g *Gate) report() {
	if g.inUseGauge != nil {
		g.inUseGauge.Set(float64(g.inUse.Load()))
	}
	if g.waitingGauge != nil {
		g.waitingGauge.Set(float64(g.waiting.Load()))
	}
}

// Size returns the number of slots.
func (g *Gate) Size() int { return g.size }

// InUse returns the number of held slots.
func (g *Gate) InUse() int { return int(g.inUse.Load()) }

// Waiting returns the number of callers blocked in Acquire.
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }
