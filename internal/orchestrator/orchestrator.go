// Package orchestrator books one match for many accounts with bounded concurrency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	Pool        *pool.Pool
	Browsers    BrowserFactory
	Executor    Executor
	Notifier    Notifier
	SlotRetries int
	TaskTimeout time.Duration
	Logger      zerolog.Logger
}

type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	runs map[int64]*run
	now  func() time.Time
}

// settledTTL is how long a finished batch stays visible through Status.
const settledTTL = time.Hour

func New(cfg Config) *Orchestrator {
	if cfg.SlotRetries < 1 {
		cfg.SlotRetries = 5
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 4 * time.Hour
	}
	return &Orchestrator{cfg: cfg, runs: map[int64]*run{}, now: time.Now}
}

// run is the bookkeeping of one batch.
type run struct {
	id         string
	scheduleID int64
	matchID    string
	stop       atomic.Bool

	notes sync.WaitGroup // notifications in flight

	mu        sync.Mutex
	running   bool
	finished  time.Time
	tracked   map[string]*tracked // by slot id
	processed int
	succeeded int
	handedOff int
	failed    int
}

type tracked struct {
	ec        *ExecutionContext
	executing bool
	aborted   bool // slot already released by RequestStop
}

type taskResult struct {
	acct    Account
	slot    string
	outcome Outcome
	err     error
}

// RunBatch blocks until every admitted account has settled.
func (o *Orchestrator) RunBatch(ctx context.Context, b Batch) (Result, error) {
	r, err := o.register(b)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	l := o.cfg.Logger.With().Int64("schedule_id", b.ScheduleID).Str("batch_id", r.id).Str("match_id", b.MatchID).Logger()

	limit := b.Concurrency
	if limit < 1 {
		limit = 1
	}
	if n := o.cfg.Pool.Size(); limit > n {
		limit = n
	}
	l.Info().Int("accounts", len(b.Accounts)).Int("concurrency", limit).Msg("batch started")

	queue := append([]Account(nil), b.Accounts...)
	results := make(chan taskResult, len(queue))
	inflight := 0

	for len(queue) > 0 || inflight > 0 {
		for inflight < limit && len(queue) > 0 && !r.stop.Load() && ctx.Err() == nil {
			acct := queue[0]
			queue = queue[1:]

			slot, err := o.cfg.Pool.AcquireWithRetry(ctx, o.cfg.SlotRetries)
			if err != nil {
				res := taskResult{acct: acct, err: fmt.Errorf("%w: %v", ErrResourceExhausted, err)}
				o.settle(ctx, r, b, res, l)
				continue
			}
			inflight++
			go func() { results <- o.runTask(ctx, r, b, acct, slot) }()
		}
		if inflight == 0 {
			break
		}
		res := <-results
		inflight--
		o.settle(ctx, r, b, res, l)
	}
	r.notes.Wait()

	r.mu.Lock()
	r.running = false
	r.finished = o.now()
	res := Result{
		BatchID:   r.id,
		Submitted: len(b.Accounts),
		Processed: r.processed,
		Succeeded: r.succeeded,
		HandedOff: r.handedOff,
		Failed:    r.failed,
		Stopped:   r.stop.Load() || ctx.Err() != nil,
		Duration:  time.Since(start),
	}
	r.mu.Unlock()

	metrics.ObserveBatch(res.Duration)
	l.Info().
		Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Bool("stopped", res.Stopped).
		Dur("took", res.Duration).
		Msg("batch settled")
	return res, nil
}

// RequestStop halts admission for the schedule's running batch. Contexts
// opened but not yet executing give their slot back immediately. It
// reports whether a running batch was found.
func (o *Orchestrator) RequestStop(scheduleID int64) bool {
	o.mu.Lock()
	r, ok := o.runs[scheduleID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.stop.Store(true)
	for id, t := range r.tracked {
		if t.executing || t.aborted {
			continue
		}
		t.aborted = true
		o.cfg.Pool.Release(id)
	}
	o.cfg.Logger.Info().Int64("schedule_id", scheduleID).Str("batch_id", r.id).Msg("batch stop requested")
	return true
}

// Status reports the latest batch for the schedule, running or settled.
func (o *Orchestrator) Status(scheduleID int64) (BatchStatus, bool) {
	o.mu.Lock()
	r, ok := o.runs[scheduleID]
	o.mu.Unlock()
	if !ok {
		return BatchStatus{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return BatchStatus{
		ScheduleID:    r.scheduleID,
		BatchID:       r.id,
		MatchID:       r.matchID,
		ActiveSlots:   len(r.tracked),
		Processed:     r.processed,
		Succeeded:     r.succeeded,
		Failed:        r.failed,
		Running:       r.running,
		StopRequested: r.stop.Load(),
	}, true
}

// Running lists schedules with a batch in progress.
func (o *Orchestrator) Running() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []int64
	for id, r := range o.runs {
		r.mu.Lock()
		if r.running {
			out = append(out, id)
		}
		r.mu.Unlock()
	}
	return out
}

func (o *Orchestrator) register(b Batch) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prune()
	if prev, ok := o.runs[b.ScheduleID]; ok {
		prev.mu.Lock()
		busy := prev.running
		prev.mu.Unlock()
		if busy {
			return nil, ErrBatchRunning
		}
	}
	r := &run{
		id:         uuid.NewString(),
		scheduleID: b.ScheduleID,
		matchID:    b.MatchID,
		running:    true,
		tracked:    map[string]*tracked{},
	}
	o.runs[b.ScheduleID] = r
	return r, nil
}

// prune forgets batches settled longer than settledTTL ago. o.mu is held.
func (o *Orchestrator) prune() {
	cutoff := o.now().Add(-settledTTL)
	for id, r := range o.runs {
		r.mu.Lock()
		stale := !r.running && r.finished.Before(cutoff)
		r.mu.Unlock()
		if stale {
			delete(o.runs, id)
		}
	}
}

// runTask owns slot for its whole life and always gives it back.
func (o *Orchestrator) runTask(ctx context.Context, r *run, b Batch, acct Account, slot pool.Slot) (res taskResult) {
	res = taskResult{acct: acct, slot: slot.ID}
	l := o.cfg.Logger.With().Str("batch_id", r.id).Str("account", acct.Label).Str("slot", slot.ID).Logger()

	releaseSlot := true
	defer func() {
		if releaseSlot {
			o.cfg.Pool.Release(slot.ID)
		}
	}()

	br, err := o.cfg.Browsers(ctx, slot)
	if err != nil {
		res.err = fmt.Errorf("open browser: %w", err)
		return res
	}
	ec := &ExecutionContext{
		Slot:       slot,
		Browser:    br,
		Account:    acct.Label,
		ScheduleID: b.ScheduleID,
		BatchID:    r.id,
	}

	r.mu.Lock()
	t := &tracked{ec: ec}
	r.tracked[slot.ID] = t
	r.mu.Unlock()

	defer func() {
		if err := br.Close(); err != nil {
			l.Warn().Err(err).Msg("browser close failed")
		}
		r.mu.Lock()
		delete(r.tracked, slot.ID)
		if t.aborted {
			releaseSlot = false
		}
		r.mu.Unlock()
	}()

	r.mu.Lock()
	if t.aborted || r.stop.Load() {
		r.mu.Unlock()
		res.err = ErrStopped
		return res
	}
	t.executing = true
	r.mu.Unlock()

	l.Info().Msg("booking started")
	res.outcome, res.err = o.execute(ctx, ec, acct, b.MatchID)
	return res
}

type execResult struct {
	outcome Outcome
	err     error
}

// execute races the executor against the per-account ceiling.
func (o *Orchestrator) execute(ctx context.Context, ec *ExecutionContext, acct Account, matchID string) (Outcome, error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execResult{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		out, err := o.cfg.Executor.Execute(tctx, ec, acct, matchID)
		done <- execResult{outcome: out, err: err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, ErrTaskTimeout
		}
		return 0, tctx.Err()
	}
}

func (o *Orchestrator) settle(ctx context.Context, r *run, b Batch, res taskResult, l zerolog.Logger) {
	r.mu.Lock()
	r.processed++
	if res.err == nil {
		r.succeeded++
		if res.outcome == OutcomeHandedOff {
			r.handedOff++
		}
	} else {
		r.failed++
	}
	r.mu.Unlock()

	al := l.With().Str("account", res.acct.Label).Logger()
	var msg string
	switch {
	case res.err == nil && res.outcome == OutcomeHandedOff:
		metrics.IncAccountTask("handoff")
		al.Info().Msg("payment handed off")
		msg = fmt.Sprintf("%s: booking reached payment, complete it manually", res.acct.Label)
	case res.err == nil:
		metrics.IncAccountTask("booked")
		al.Info().Msg("booked")
		msg = fmt.Sprintf("%s: booked", res.acct.Label)
	default:
		metrics.IncAccountTask(failureOutcome(res.err))
		al.Error().Err(res.err).Msg("booking failed")
		msg = fmt.Sprintf("%s: booking failed: %v", res.acct.Label, res.err)
	}

	if o.cfg.Notifier == nil {
		return
	}
	recipient := res.acct.Owner
	if recipient == "" {
		recipient = b.Recipient
	}
	if recipient == "" {
		return
	}
	// sent off the admission loop; RunBatch waits for it before returning
	nctx := context.WithoutCancel(ctx)
	r.notes.Add(1)
	go func() {
		defer r.notes.Done()
		defer func() {
			if p := recover(); p != nil {
				al.Error().Interface("panic", p).Msg("notifier panicked")
			}
		}()
		o.cfg.Notifier.Notify(nctx, recipient, msg)
	}()
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, ErrResourceExhausted):
		return "no_slot"
	case errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "failed"
	}
}
