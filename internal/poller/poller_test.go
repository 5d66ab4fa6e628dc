package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var target = time.Date(2026, 11, 3, 9, 30, 0, 0, time.UTC)

type scriptFetcher struct {
	mu    sync.Mutex
	calls int
	urls  []string
	fn    func(call int) ([]Record, error)
}

func (f *scriptFetcher) Fetch(ctx context.Context, endpoint string) ([]Record, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.urls = append(f.urls, endpoint)
	f.mu.Unlock()
	return f.fn(n)
}

func (f *scriptFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptFetcher) lastURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[len(f.urls)-1]
}

type fakeCapturer struct {
	calls   atomic.Int32
	results []string // "" means failure
}

func (c *fakeCapturer) Capture(ctx context.Context, maxRetries int, retryDelay time.Duration) (string, error) {
	n := int(c.calls.Add(1)) - 1
	if n >= len(c.results) || c.results[n] == "" {
		return "", errors.New("capture exhausted")
	}
	return c.results[n], nil
}

func newPoller(f Fetcher, c Capturer) *Poller {
	return New(Config{
		Fetcher:           f,
		Capturer:          c,
		CaptureRetries:    1,
		RecaptureRetries:  1,
		CaptureRetryDelay: time.Millisecond,
		StopWait:          200 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
}

func fastTarget() Target {
	return Target{
		At:           target,
		PollInterval: 5 * time.Millisecond,
		MaxDuration:  time.Minute,
	}
}

func rec(id, loc string) Record {
	return Record{ID: id, WindowStart: target.Add(20 * time.Second), Location: loc}
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestStartCapturesEndpointOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return nil, nil }}
	c := &fakeCapturer{results: []string{"https://api.example.test/dates?v=1"}}
	p := newPoller(f, c)

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	assert.True(t, p.Status().Active)
	assert.True(t, p.Status().HasEndpoint)
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, time.Millisecond)
	p.Stop()

	// cached endpoint: a second session skips capture
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	p.Stop()
	assert.EqualValues(t, 1, c.calls.Load())
	assert.Equal(t, "https://api.example.test/dates?v=1", f.lastURL())

	st := p.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Active)
	assert.Equal(t, ReasonStopped, st.StopReason)
}

func TestStartFailsWhenCaptureExhausted(t *testing.T) {
	f := &scriptFetcher{fn: func(int) ([]Record, error) { return nil, nil }}
	p := newPoller(f, &fakeCapturer{})

	err := p.Start(context.Background(), fastTarget(), Handlers{})
	require.Error(t, err)
	assert.Equal(t, StateStopped, p.Status().State)
	assert.Equal(t, ReasonCaptureFailed, p.Status().StopReason)
	assert.Zero(t, f.count())
}

func TestStartValidatesTarget(t *testing.T) {
	p := newPoller(&scriptFetcher{}, &fakeCapturer{})
	assert.Error(t, p.Start(context.Background(), Target{At: target, MaxDuration: time.Second}, Handlers{}))
	assert.Error(t, p.Start(context.Background(), Target{At: target, PollInterval: time.Second}, Handlers{}))
}

func TestProcessableFiresOncePerRecord(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) {
		return []Record{rec("OID-1", "chennai"), rec("OID-1", "chennai")}, nil
	}}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	var processable atomic.Int32
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			processable.Add(1)
			return nil
		},
	}))
	require.Eventually(t, func() bool { return f.count() >= 5 }, time.Second, time.Millisecond)
	p.Stop()

	assert.EqualValues(t, 1, processable.Load())
	assert.Equal(t, []string{"OID-1"}, p.Status().SeenRecordIDs)
}

func TestTickSkippedWhileMatchProcessing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		return []Record{rec("OID-7", "pune")}, nil
	}}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			close(entered)
			<-release
			return nil
		},
	}))

	<-entered
	before := f.count()
	time.Sleep(60 * time.Millisecond) // a dozen ticker periods
	assert.Equal(t, before, f.count(), "no fetch while a match is processing")
	assert.True(t, p.Status().ProcessingMatch)

	close(release)
	require.Eventually(t, func() bool { return f.count() > before }, time.Second, time.Millisecond)
	p.Stop()
}

func TestStopOnFirstMatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) {
		return []Record{rec("A", "chennai"), rec("B", "bangalore")}, nil
	}}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	tgt := fastTarget()
	tgt.StopOnFirstMatch = true
	var got []string
	var mu sync.Mutex
	require.NoError(t, p.Start(context.Background(), tgt, Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			mu.Lock()
			got = append(got, r.ID)
			mu.Unlock()
			return errors.New("booking failed")
		},
	}))
	waitDone(t, p)

	mu.Lock()
	assert.Equal(t, []string{"A"}, got)
	mu.Unlock()
	st := p.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, ReasonMatched, st.StopReason)
}

func TestHandlerPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return []Record{rec("P", "x")}, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	tgt := fastTarget()
	tgt.StopOnFirstMatch = true
	require.NoError(t, p.Start(context.Background(), tgt, Handlers{
		OnFound:       func(ctx context.Context, r Record) { panic("boom") },
		OnProcessable: func(ctx context.Context, r Record) error { panic("boom") },
	}))
	waitDone(t, p)
	assert.False(t, p.Status().ProcessingMatch)
	assert.Equal(t, ReasonMatched, p.Status().StopReason)
}

func TestFoundFiresInPriorityOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		if n > 1 {
			return nil, nil
		}
		return []Record{rec("", "Bangalore North"), rec("", "Chennai"), rec("", "Mumbai")}, nil
	}}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	tgt := fastTarget()
	tgt.Priority = []string{"chennai", "bangalore"}
	var mu sync.Mutex
	var order []string
	var processable atomic.Int32
	require.NoError(t, p.Start(context.Background(), tgt, Handlers{
		OnFound: func(ctx context.Context, r Record) {
			mu.Lock()
			order = append(order, r.Location)
			mu.Unlock()
		},
		OnProcessable: func(ctx context.Context, r Record) error {
			processable.Add(1)
			return nil
		},
	}))
	require.Eventually(t, func() bool { return f.count() >= 3 }, time.Second, time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Chennai", "Bangalore North", "Mumbai"}, order)
	assert.Zero(t, processable.Load())
}

func TestRecaptureOnNotFound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		if n == 2 {
			return nil, &StatusError{Code: 404}
		}
		return nil, nil
	}}
	c := &fakeCapturer{results: []string{"https://e/v1", "https://e/v2"}}
	p := newPoller(f, c)

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	require.Eventually(t, func() bool { return f.count() >= 4 }, time.Second, time.Millisecond)

	assert.True(t, p.Status().Active)
	assert.Equal(t, StatePolling, p.Status().State)
	assert.Equal(t, "https://e/v2", f.lastURL())
	assert.EqualValues(t, 2, c.calls.Load())
	p.Stop()
}

func TestRecaptureFailureStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		return nil, &StatusError{Code: 404}
	}}
	c := &fakeCapturer{results: []string{"https://e/v1"}}
	p := newPoller(f, c)

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	waitDone(t, p)

	st := p.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, ReasonRecaptureFailed, st.StopReason)
	assert.False(t, st.HasEndpoint)
	assert.Equal(t, 1, f.count())
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		switch n % 3 {
		case 0:
			return nil, &StatusError{Code: 502}
		case 1:
			return nil, ErrMalformedPayload
		}
		return nil, errors.New("read: connection reset by peer")
	}}
	c := &fakeCapturer{results: []string{"https://e"}}
	p := newPoller(f, c)

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	require.Eventually(t, func() bool { return f.count() >= 6 }, time.Second, time.Millisecond)
	assert.True(t, p.Status().Active)
	assert.EqualValues(t, 1, c.calls.Load())
	p.Stop()
}

func TestTimeoutFiresOnceAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return nil, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	tgt := fastTarget()
	tgt.PollInterval = 10 * time.Millisecond
	tgt.MaxDuration = 100 * time.Millisecond
	var timeouts atomic.Int32
	require.NoError(t, p.Start(context.Background(), tgt, Handlers{
		OnTimeout: func(ctx context.Context) { timeouts.Add(1) },
	}))
	waitDone(t, p)

	assert.EqualValues(t, 1, timeouts.Load())
	st := p.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, ReasonTimeout, st.StopReason)

	after := f.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.count(), "no fetches after timeout")
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return nil, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))

	p.Stop()
	p.Stop()
	assert.Equal(t, StateStopped, p.Status().State)
}

func TestStartSupersedesRunningSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return nil, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	first := p.Done()

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	select {
	case <-first:
	default:
		t.Fatal("first session still running")
	}
	assert.True(t, p.Status().Active)
	p.Stop()
}

func TestStopWaitIsBounded(t *testing.T) {
	f := &scriptFetcher{fn: func(int) ([]Record, error) { return []Record{rec("SLOW", "x")}, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			close(entered)
			<-release
			return nil
		},
	}))
	<-entered

	start := time.Now()
	p.Stop()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateStopped, p.Status().State)
}

func TestDeadlineWaitsForRunningMatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &scriptFetcher{fn: func(int) ([]Record, error) { return []Record{rec("OID-9", "chennai")}, nil }}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	tgt := fastTarget()
	tgt.MaxDuration = 50 * time.Millisecond
	var timeouts atomic.Int32
	var finished atomic.Bool
	require.NoError(t, p.Start(context.Background(), tgt, Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			// outlasts both the deadline and StopWait
			time.Sleep(400 * time.Millisecond)
			finished.Store(true)
			return nil
		},
		OnTimeout: func(ctx context.Context) { timeouts.Add(1) },
	}))

	waitDone(t, p)
	assert.True(t, finished.Load(), "session ended before the match settled")
	assert.Zero(t, timeouts.Load())
	st := p.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, ReasonMatched, st.StopReason)
	assert.False(t, st.ProcessingMatch)
}

func TestSupersedingSessionPollsWhileOldMatchRuns(t *testing.T) {
	f := &scriptFetcher{fn: func(n int) ([]Record, error) {
		if n == 1 {
			return []Record{rec("OLD", "x")}, nil
		}
		return nil, nil
	}}
	p := newPoller(f, &fakeCapturer{results: []string{"https://e"}})

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{
		OnProcessable: func(ctx context.Context, r Record) error {
			close(entered)
			<-release
			return nil
		},
	}))
	<-entered

	require.NoError(t, p.Start(context.Background(), fastTarget(), Handlers{}))
	before := f.count()
	require.Eventually(t, func() bool { return f.count() > before+3 }, time.Second, time.Millisecond)
	assert.False(t, p.Status().ProcessingMatch)
	p.Stop()
}
