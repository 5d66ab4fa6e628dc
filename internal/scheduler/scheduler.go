// Package scheduler turns due schedules into monitoring sessions and booking batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/orchestrator"
	"github.com/example/slotwatch/internal/poller"
	"github.com/example/slotwatch/internal/schedules"
	"github.com/rs/zerolog"
)

type Poller interface {
	Start(ctx context.Context, t poller.Target, h poller.Handlers) error
	Stop()
	Done() <-chan struct{}
	Status() poller.Status
}

type Batches interface {
	RunBatch(ctx context.Context, b orchestrator.Batch) (orchestrator.Result, error)
	RequestStop(scheduleID int64) bool
}

type ScheduleStore interface {
	FindDueForMonitoring(ctx context.Context, now time.Time, lookahead time.Duration) ([]schedules.Schedule, error)
	MarkMonitoringStarted(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, status string, lastErr *string) error
}

type AccountStore interface {
	ListEligible(ctx context.Context, ownerChatID string) ([]orchestrator.Account, error)
}

// Scheduler runs one monitoring session at a time.
type Scheduler struct {
	Schedules ScheduleStore
	Accounts  AccountStore
	Poller    Poller
	Batches   Batches
	Notifier  notify.Sink
	Defaults  schedules.Defaults
	Interval  time.Duration
	Lookahead time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time

	mu     sync.Mutex
	active int64
	wg     sync.WaitGroup
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Notifier == nil {
		s.Notifier = notify.LogSink{Logger: s.Logger}
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// Active reports the schedule being monitored, if any.
func (s *Scheduler) Active() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != 0
}

// StopActive ends the running session and halts its batch admission.
func (s *Scheduler) StopActive() bool {
	id, ok := s.Active()
	if !ok {
		return false
	}
	s.Logger.Info().Int64("schedule_id", id).Msg("stop requested")
	s.Batches.RequestStop(id)
	s.Poller.Stop()
	return true
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, busy := s.Active(); busy {
		return
	}
	due, err := s.Schedules.FindDueForMonitoring(ctx, s.Now(), s.Lookahead)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error().Err(err).Msg("due schedules query failed")
		}
		return
	}

	for _, sc := range due {
		err := s.Schedules.MarkMonitoringStarted(ctx, sc.ID)
		if db.IsNotFound(err) {
			continue // claimed elsewhere or cancelled
		}
		if err != nil {
			s.Logger.Error().Err(err).Int64("schedule_id", sc.ID).Msg("claim failed")
			return
		}

		s.mu.Lock()
		s.active = sc.ID
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.active = 0
				s.mu.Unlock()
			}()
			s.monitor(ctx, sc)
		}()
		return
	}
}

// session collects what happened while one schedule was monitored.
type session struct {
	mu       sync.Mutex
	total    orchestrator.Result
	batches  int
	timedOut bool
	failure  string
	notified map[string]struct{}

	booking int // batches still running
	idle    *sync.Cond

	notes sync.WaitGroup // notifications in flight
}

func newSession() *session {
	ss := &session{notified: map[string]struct{}{}}
	ss.idle = sync.NewCond(&ss.mu)
	return ss
}

func (ss *session) beginBook() {
	ss.mu.Lock()
	ss.booking++
	ss.mu.Unlock()
}

func (ss *session) endBook() {
	ss.mu.Lock()
	ss.booking--
	ss.mu.Unlock()
	ss.idle.Broadcast()
}

// waitBooks blocks until no batch of this session is running. It reports
// whether it had to wait.
func (ss *session) waitBooks() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	waited := ss.booking > 0
	for ss.booking > 0 {
		ss.idle.Wait()
	}
	return waited
}

func (ss *session) add(r orchestrator.Result) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.batches++
	ss.total.Submitted += r.Submitted
	ss.total.Processed += r.Processed
	ss.total.Succeeded += r.Succeeded
	ss.total.HandedOff += r.HandedOff
	ss.total.Failed += r.Failed
	ss.total.Stopped = ss.total.Stopped || r.Stopped
}

func (ss *session) fail(msg string) {
	ss.mu.Lock()
	ss.failure = msg
	ss.mu.Unlock()
}

// firstSighting reports whether key has not been announced yet.
func (ss *session) firstSighting(key string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.notified[key]; ok {
		return false
	}
	ss.notified[key] = struct{}{}
	return true
}

// send delivers a message off the caller's path; monitor drains ss.notes
// before it records the schedule's outcome.
func (s *Scheduler) send(ctx context.Context, ss *session, recipient, msg string) {
	nctx := context.WithoutCancel(ctx)
	ss.notes.Add(1)
	go func() {
		defer ss.notes.Done()
		defer func() {
			if p := recover(); p != nil {
				s.Logger.Error().Interface("panic", p).Msg("notifier panicked")
			}
		}()
		s.Notifier.Notify(nctx, recipient, msg)
	}()
}

func (s *Scheduler) monitor(ctx context.Context, sc schedules.Schedule) {
	l := s.Logger.With().Int64("schedule_id", sc.ID).Str("name", sc.Name).Logger()
	ss := newSession()
	owner := sc.OwnerChatID

	h := poller.Handlers{
		OnFound: func(ctx context.Context, r poller.Record) {
			key := r.Location + "|" + r.WindowStart.String()
			if !ss.firstSighting(key) {
				return
			}
			state := "not bookable yet"
			if r.ID != "" {
				state = "bookable"
			}
			s.send(ctx, ss, owner, fmt.Sprintf("%s: window %s at %s found (%s)",
				sc.Name, r.WindowStart.Format("2006-01-02 15:04"), r.Location, state))
		},
		OnProcessable: func(ctx context.Context, r poller.Record) error {
			ss.beginBook()
			defer ss.endBook()
			return s.book(ctx, sc, r, ss, l)
		},
		OnTimeout: func(ctx context.Context) {
			ss.mu.Lock()
			ss.timedOut = true
			ss.mu.Unlock()
			s.send(ctx, ss, owner, fmt.Sprintf("%s: monitoring timed out without a bookable window", sc.Name))
		},
	}

	l.Info().Time("target", sc.TargetAt).Msg("monitoring started")
	s.send(ctx, ss, owner, fmt.Sprintf("%s: monitoring started for %s", sc.Name, sc.TargetAt.Format("2006-01-02 15:04")))

	if err := s.Poller.Start(ctx, sc.Target(s.Defaults), h); err != nil {
		if ctx.Err() != nil {
			ss.notes.Wait()
			return
		}
		msg := fmt.Sprintf("monitoring could not start: %v", err)
		l.Error().Err(err).Msg("monitoring could not start")
		s.send(ctx, ss, owner, fmt.Sprintf("%s: %s", sc.Name, msg))
		ss.notes.Wait()
		s.complete(ctx, sc.ID, schedules.StatusFailed, &msg, l)
		return
	}

	select {
	case <-s.Poller.Done():
	case <-ctx.Done():
		s.Poller.Stop()
		ss.waitBooks()
		ss.notes.Wait()
		// left as monitoring; RecoverInterrupted picks it up on restart
		l.Info().Msg("shutting down mid-session")
		return
	}

	// the poller may give up on a slow batch; its result still decides the status
	if ss.waitBooks() {
		l.Info().Msg("waited for running batch after polling ended")
	}

	status, lastErr := s.classify(ss, s.Poller.Status())
	l.Info().Str("status", status).Msg("monitoring finished")
	if lastErr != nil {
		s.send(ctx, ss, owner, fmt.Sprintf("%s: finished as %s: %s", sc.Name, status, *lastErr))
	} else {
		s.send(ctx, ss, owner, fmt.Sprintf("%s: finished as %s", sc.Name, status))
	}
	ss.notes.Wait()
	s.complete(ctx, sc.ID, status, lastErr, l)
}

func (s *Scheduler) book(ctx context.Context, sc schedules.Schedule, r poller.Record, ss *session, l zerolog.Logger) error {
	accts, err := s.Accounts.ListEligible(ctx, sc.OwnerChatID)
	if err != nil {
		ss.fail(fmt.Sprintf("loading accounts: %v", err))
		return fmt.Errorf("scheduler: accounts: %w", err)
	}
	if len(accts) == 0 {
		ss.fail("no eligible accounts")
		s.send(ctx, ss, sc.OwnerChatID, fmt.Sprintf("%s: %s is bookable but no active accounts are registered", sc.Name, r.Location))
		return errors.New("scheduler: no eligible accounts")
	}

	s.send(ctx, ss, sc.OwnerChatID, fmt.Sprintf("%s: booking %s at %s for %d accounts", sc.Name, r.ID, r.Location, len(accts)))
	res, err := s.Batches.RunBatch(ctx, orchestrator.Batch{
		ScheduleID:  sc.ID,
		MatchID:     r.ID,
		Recipient:   sc.OwnerChatID,
		Accounts:    accts,
		Concurrency: sc.BatchConcurrency(s.Defaults),
	})
	if err != nil {
		ss.fail(fmt.Sprintf("batch: %v", err))
		return fmt.Errorf("scheduler: batch: %w", err)
	}
	ss.add(res)
	l.Info().Str("batch_id", res.BatchID).Str("class", res.Classify()).Msg("batch finished")
	s.send(ctx, ss, sc.OwnerChatID, Summary(sc.Name, res))
	return nil
}

// classify maps what the session saw to a terminal schedule status.
func (s *Scheduler) classify(ss *session, st poller.Status) (string, *string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.batches > 0 {
		msg := fmt.Sprintf("%d of %d accounts booked", ss.total.Succeeded, ss.total.Submitted)
		switch ss.total.Classify() {
		case orchestrator.ClassBooked:
			return schedules.StatusBooked, nil
		case orchestrator.ClassPartial:
			return schedules.StatusPartial, &msg
		case orchestrator.ClassStopped:
			return schedules.StatusStopped, &msg
		default:
			return schedules.StatusFailed, &msg
		}
	}
	if ss.failure != "" {
		msg := ss.failure
		return schedules.StatusFailed, &msg
	}
	if ss.timedOut || st.StopReason == poller.ReasonTimeout {
		return schedules.StatusTimedOut, nil
	}
	switch st.StopReason {
	case poller.ReasonRecaptureFailed:
		msg := "endpoint could not be captured again"
		return schedules.StatusFailed, &msg
	case poller.ReasonMatched:
		msg := "match ended without a batch"
		return schedules.StatusFailed, &msg
	}
	return schedules.StatusStopped, nil
}

func (s *Scheduler) complete(ctx context.Context, id int64, status string, lastErr *string, l zerolog.Logger) {
	if err := s.Schedules.MarkCompleted(context.WithoutCancel(ctx), id, status, lastErr); err != nil {
		l.Error().Err(err).Str("status", status).Msg("could not record completion")
	}
}

// Summary is the message sent to the owner after a batch.
func Summary(name string, r orchestrator.Result) string {
	msg := fmt.Sprintf("%s: %d of %d accounts booked", name, r.Succeeded, r.Submitted)
	if r.HandedOff > 0 {
		msg += fmt.Sprintf(", %d awaiting payment", r.HandedOff)
	}
	if r.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Stopped {
		msg += " (stopped)"
	}
	return msg
}
