// Package pool hands out exclusive browser slots, each bound to one virtual display.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/rs/zerolog"
)

var ErrExhausted = errors.New("pool: no free slot")

// Slot is one exclusive execution lane.
type Slot struct {
	ID      string
	Display int
}

// DisplayName is the X display the slot's browser renders into, e.g. ":99".
func (s Slot) DisplayName() string { return fmt.Sprintf(":%d", s.Display) }

type Option func(*Pool)

// WithBackoff overrides the retry schedule of AcquireWithRetry.
func WithBackoff(initial, max time.Duration) Option {
	return func(p *Pool) {
		p.initial = initial
		p.max = max
	}
}

func WithDisplayBase(n int) Option {
	return func(p *Pool) { p.displayBase = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Pool is a fixed set of slots. Allocation decisions are serialised by mu.
type Pool struct {
	mu    sync.Mutex
	slots []Slot
	inUse []bool
	index map[string]int

	displayBase int
	initial     time.Duration
	max         time.Duration
	logger      zerolog.Logger
}

func New(size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		displayBase: 99,
		initial:     time.Second,
		max:         30 * time.Second,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.slots = make([]Slot, size)
	p.inUse = make([]bool, size)
	p.index = make(map[string]int, size)
	for i := range p.slots {
		p.slots[i] = Slot{ID: fmt.Sprintf("slot-%d", i), Display: p.displayBase + i}
		p.index[p.slots[i].ID] = i
	}
	return p
}

func (p *Pool) Size() int { return len(p.slots) }

// Acquire makes a single attempt to claim a free slot.
func (p *Pool) Acquire() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, used := range p.inUse {
		if used {
			continue
		}
		p.inUse[i] = true
		metrics.SetSlotsInUse(p.countLocked())
		return p.slots[i], true
	}
	return Slot{}, false
}

// AcquireWithRetry retries Acquire up to maxRetries times, waiting
// min(initial*2^attempt, max) between attempts.
func (p *Pool) AcquireWithRetry(ctx context.Context, maxRetries int) (Slot, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.max,
	}
	b.Reset()

	s, err := backoff.Retry(ctx, func() (Slot, error) {
		if s, ok := p.Acquire(); ok {
			return s, nil
		}
		return Slot{}, ErrExhausted
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries)),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			p.logger.Debug().Dur("wait", wait).Int("size", p.Size()).Msg("no free slot, retrying")
		}),
	)
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			return Slot{}, ErrExhausted
		}
		return Slot{}, fmt.Errorf("pool: acquire: %w", err)
	}
	return s, nil
}

// Release frees the slot. Releasing a free or unknown slot is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.index[id]
	if !ok || !p.inUse[i] {
		return
	}
	p.inUse[i] = false
	metrics.SetSlotsInUse(p.countLocked())
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked()
}

// Snapshot reports the in-use state of every slot keyed by slot id.
func (p *Pool) Snapshot() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.slots))
	for i, s := range p.slots {
		out[s.ID] = p.inUse[i]
	}
	return out
}

func (p *Pool) countLocked() int {
	n := 0
	for _, used := range p.inUse {
		if used {
			n++
		}
	}
	return n
}
