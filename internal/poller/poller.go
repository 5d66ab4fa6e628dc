// Package poller watches the availability endpoint for a target window.
package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/slotwatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Capturer discovers the endpoint URL. *prober.Prober satisfies it.
type Capturer interface {
	Capture(ctx context.Context, maxRetries int, retryDelay time.Duration) (string, error)
}

type Config struct {
	Fetcher           Fetcher
	Capturer          Capturer
	CaptureRetries    int
	RecaptureRetries  int
	CaptureRetryDelay time.Duration
	// StopWait bounds how long teardown waits for an in-flight match to finish.
	StopWait time.Duration
	Logger   zerolog.Logger
}

// Poller runs at most one polling session at a time.
type Poller struct {
	cfg Config

	startMu sync.Mutex // serialises Start

	mu       sync.Mutex
	endpoint string
	state    State
	reason   string
	seen     map[string]struct{}
	session  *session
}

type session struct {
	target   Target
	handlers Handlers

	ctx    context.Context // cancelled on teardown; used for fetches
	parent context.Context // handed to handlers so Stop does not abort a running batch
	cancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	reason   atomic.Value // string
	done     chan struct{}

	shouldStop atomic.Bool
	ticking    atomic.Bool

	mu         sync.Mutex
	processing bool // a processable callback is running
	expired    bool // MaxDuration has passed
}

func (s *session) requestStop(reason string) {
	s.stopOnce.Do(func() {
		s.shouldStop.Store(true)
		s.reason.Store(reason)
		close(s.stopCh)
	})
}

// beginMatch marks a processable callback as running. It refuses once the
// deadline has passed.
func (s *session) beginMatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return false
	}
	s.processing = true
	return true
}

// endMatch clears the running flag and stops the session when it matched
// on first sight or the deadline passed while the callback ran.
func (s *session) endMatch(stopOnMatch bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	if stopOnMatch || s.expired {
		s.requestStop(ReasonMatched)
		return true
	}
	return false
}

// expire records that the deadline passed. It reports whether a callback is
// still running and the stop reason already requested, if any.
func (s *session) expire() (inFlight bool, stopped string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
	stopped, _ = s.reason.Load().(string)
	return s.processing, stopped
}

func (s *session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func New(cfg Config) *Poller {
	if cfg.CaptureRetries < 1 {
		cfg.CaptureRetries = 3
	}
	if cfg.RecaptureRetries < 1 {
		cfg.RecaptureRetries = 2
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = 30 * time.Second
	}
	return &Poller{cfg: cfg, seen: map[string]struct{}{}}
}

// Start begins a session for t. It blocks while the endpoint is captured
// and returns once polling has started. A running session is stopped first.
func (p *Poller) Start(ctx context.Context, t Target, h Handlers) error {
	if t.PollInterval <= 0 {
		return errors.New("poller: poll interval must be positive")
	}
	if t.MaxDuration <= 0 {
		return errors.New("poller: max duration must be positive")
	}

	p.startMu.Lock()
	defer p.startMu.Unlock()

	if stale := p.current(); stale != nil {
		p.cfg.Logger.Warn().Msg("stopping stale session before starting a new one")
		stale.requestStop(ReasonSuperseded)
		<-stale.done
	}

	p.mu.Lock()
	p.seen = map[string]struct{}{}
	p.reason = ""
	endpoint := p.endpoint
	if endpoint == "" {
		p.state = StateCapturing
	}
	p.mu.Unlock()

	if endpoint == "" {
		u, err := p.cfg.Capturer.Capture(ctx, p.cfg.CaptureRetries, p.cfg.CaptureRetryDelay)
		if err != nil {
			p.mu.Lock()
			p.state = StateStopped
			p.reason = ReasonCaptureFailed
			p.mu.Unlock()
			p.cfg.Logger.Error().Err(err).Msg("could not capture endpoint, not polling")
			return fmt.Errorf("poller: start: %w", err)
		}
		p.setEndpoint(u)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		target:   t,
		handlers: h,
		ctx:      sctx,
		parent:   ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.session = s
	p.state = StatePolling
	p.mu.Unlock()

	p.cfg.Logger.Info().
		Time("target", t.At).
		Dur("interval", t.PollInterval).
		Dur("max_duration", t.MaxDuration).
		Strs("priority", t.Priority).
		Msg("polling started")

	go p.run(s)
	return nil
}

// Stop ends the running session and waits for its teardown. It is a no-op
// when no session is running.
func (p *Poller) Stop() {
	s := p.current()
	if s == nil {
		return
	}
	s.requestStop(ReasonStopped)
	<-s.done
}

// Done is closed when the current session ends. With no session it returns
// a closed channel.
func (p *Poller) Done() <-chan struct{} {
	if s := p.current(); s != nil {
		return s.done
	}
	c := make(chan struct{})
	close(c)
	return c
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.seen))
	for id := range p.seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	processing := p.session != nil && p.session.busy()
	return Status{
		State:           p.state,
		Active:          p.state == StateCapturing || p.state == StatePolling || p.state == StateTimedOut,
		HasEndpoint:     p.endpoint != "",
		ProcessingMatch: processing,
		SeenRecordIDs:   ids,
		StopReason:      p.reason,
	}
}

func (p *Poller) Endpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

func (p *Poller) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Poller) setEndpoint(u string) {
	p.mu.Lock()
	p.endpoint = u
	p.mu.Unlock()
}

func (p *Poller) setState(st State) {
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
}

func (p *Poller) run(s *session) {
	ticker := time.NewTicker(s.target.PollInterval)
	deadline := time.NewTimer(s.target.MaxDuration)

	reason := ReasonStopped
	p.launchTick(s)
loop:
	for {
		select {
		case <-s.stopCh:
			reason, _ = s.reason.Load().(string)
			break loop
		case <-deadline.C:
			inFlight, stopped := s.expire()
			if stopped != "" {
				reason = stopped
				break loop
			}
			if inFlight {
				// the running match ends the session once it settles
				s.shouldStop.Store(true)
				p.cfg.Logger.Info().Dur("max_duration", s.target.MaxDuration).Msg("deadline reached while a match is processing")
				continue
			}
			reason = ReasonTimeout
			p.onDeadline(s)
			break loop
		case <-ticker.C:
			p.launchTick(s)
		}
	}

	ticker.Stop()
	deadline.Stop()
	s.shouldStop.Store(true)
	s.cancel()
	p.waitIdle(s)

	p.mu.Lock()
	if p.session == s {
		p.session = nil
		p.state = StateStopped
		p.reason = reason
	}
	p.mu.Unlock()
	p.cfg.Logger.Info().Str("reason", reason).Msg("polling stopped")
	close(s.done)
}

func (p *Poller) onDeadline(s *session) {
	s.shouldStop.Store(true)
	p.setState(StateTimedOut)
	p.cfg.Logger.Warn().Dur("max_duration", s.target.MaxDuration).Msg("monitoring timed out")
	if s.handlers.OnTimeout != nil {
		p.guard("timeout", func() error {
			s.handlers.OnTimeout(s.parent)
			return nil
		})
	}
}

// waitIdle waits up to StopWait for the in-flight tick and match to finish.
func (p *Poller) waitIdle(s *session) {
	idle := func() bool { return !s.busy() && !s.ticking.Load() }
	if idle() {
		return
	}
	start := time.Now()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	lastLog := start
	for range t.C {
		if idle() {
			return
		}
		if time.Since(start) >= p.cfg.StopWait {
			p.cfg.Logger.Warn().Dur("waited", time.Since(start)).Msg("match still processing, tearing down anyway")
			return
		}
		if time.Since(lastLog) >= 5*time.Second {
			lastLog = time.Now()
			p.cfg.Logger.Info().Dur("waited", time.Since(start)).Msg("waiting for match processing to finish")
		}
	}
}

func (p *Poller) launchTick(s *session) {
	if s.shouldStop.Load() {
		return
	}
	if s.busy() {
		metrics.IncPollTick("skipped")
		p.cfg.Logger.Debug().Msg("previous match still processing, skipping tick")
		return
	}
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.IncPollTick("skipped")
		return
	}
	go func() {
		defer s.ticking.Store(false)
		p.tick(s)
	}()
}

func (p *Poller) tick(s *session) {
	endpoint := p.Endpoint()
	records, err := p.cfg.Fetcher.Fetch(s.ctx, endpoint)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		p.onFetchError(s, err)
		return
	}

	matches := Rank(Filter(records, s.target.At), s.target.Priority)
	if len(matches) == 0 {
		metrics.IncPollTick("empty")
		p.cfg.Logger.Debug().Int("records", len(records)).Msg("no matching records")
		return
	}
	metrics.IncPollTick("match")
	p.dispatch(s, matches)
}

func (p *Poller) onFetchError(s *session, err error) {
	if errors.Is(err, ErrMalformedPayload) {
		metrics.IncPollTick("malformed")
		p.cfg.Logger.Warn().Err(err).Msg("unexpected response shape, skipping tick")
		return
	}
	metrics.IncPollTick("fetch_error")
	if !IsEndpointInvalid(err) {
		p.cfg.Logger.Warn().Err(err).Msg("fetch failed")
		return
	}

	p.cfg.Logger.Warn().Err(err).Msg("endpoint looks invalid, capturing again")
	p.setEndpoint("")
	u, cerr := p.cfg.Capturer.Capture(s.ctx, p.cfg.RecaptureRetries, p.cfg.CaptureRetryDelay)
	if cerr != nil {
		if s.ctx.Err() == nil {
			p.cfg.Logger.Error().Err(cerr).Msg("endpoint re-capture failed")
			s.requestStop(ReasonRecaptureFailed)
		}
		return
	}
	p.setEndpoint(u)
}

func (p *Poller) dispatch(s *session, matches []Record) {
	for _, r := range matches {
		if s.ctx.Err() != nil {
			return
		}
		if r.ID != "" && p.wasSeen(r.ID) {
			continue
		}

		metrics.IncRecordMatched("found")
		p.cfg.Logger.Info().Str("record_id", r.ID).Str("location", r.Location).Time("window", r.WindowStart).Msg("matching record")
		if s.handlers.OnFound != nil {
			p.guard("found", func() error {
				s.handlers.OnFound(s.parent, r)
				return nil
			})
		}
		if r.ID == "" {
			continue
		}

		if !s.beginMatch() {
			return
		}
		p.markSeen(r.ID)
		metrics.IncRecordMatched("processable")
		if s.target.StopOnFirstMatch {
			s.shouldStop.Store(true)
		}
		if s.handlers.OnProcessable != nil {
			p.guard("processable", func() error { return s.handlers.OnProcessable(s.parent, r) })
		}
		if s.endMatch(s.target.StopOnFirstMatch) {
			return
		}
	}
}

func (p *Poller) wasSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen[id]
	return ok
}

func (p *Poller) markSeen(id string) {
	p.mu.Lock()
	p.seen[id] = struct{}{}
	p.mu.Unlock()
}

// guard runs a handler, logging its error or panic.
func (p *Poller) guard(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error().Str("handler", name).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := fn(); err != nil {
		p.cfg.Logger.Error().Err(err).Str("handler", name).Msg("handler failed")
	}
}
