package prober

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	calls    atomic.Int32
	failures int32 // number of leading attempts that fail
	url      string
	block    bool
}

func (f *fakeWatcher) Watch(ctx context.Context, pageURL, marker string) (string, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ErrNoMatch
	}
	if n <= f.failures {
		return "", errors.New("page load failed")
	}
	return f.url + "?marker=" + marker, nil
}

func newProber(w Watcher) *Prober {
	return &Prober{
		Watcher:        w,
		PageURL:        "https://exams.example.test/dates",
		Marker:         "/api/dates",
		AttemptTimeout: time.Second,
		Logger:         zerolog.Nop(),
	}
}

func TestCaptureFirstAttempt(t *testing.T) {
	w := &fakeWatcher{url: "https://api.example.test/api/dates"}
	u, err := newProber(w).Capture(context.Background(), 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test/api/dates?marker=/api/dates", u)
	assert.EqualValues(t, 1, w.calls.Load())
}

func TestCaptureRetriesThenSucceeds(t *testing.T) {
	w := &fakeWatcher{failures: 2, url: "https://api.example.test/x"}
	_, err := newProber(w).Capture(context.Background(), 3, time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 3, w.calls.Load())
}

func TestCaptureExhausted(t *testing.T) {
	w := &fakeWatcher{failures: 10}
	_, err := newProber(w).Capture(context.Background(), 3, time.Millisecond)
	assert.ErrorIs(t, err, ErrCaptureExhausted)
	assert.EqualValues(t, 3, w.calls.Load())
}

func TestCaptureAttemptDeadline(t *testing.T) {
	w := &fakeWatcher{block: true}
	p := newProber(w)
	p.AttemptTimeout = 10 * time.Millisecond

	start := time.Now()
	_, err := p.Capture(context.Background(), 2, time.Millisecond)
	assert.ErrorIs(t, err, ErrCaptureExhausted)
	assert.EqualValues(t, 2, w.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestCaptureStopsOnCancel(t *testing.T) {
	w := &fakeWatcher{block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newProber(w).Capture(ctx, 5, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCaptureExhausted)
}
