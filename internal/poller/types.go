package poller

import (
	"context"
	"time"
)

// Target describes one monitoring session. It is not modified once Start is called.
type Target struct {
	At               time.Time
	PollInterval     time.Duration
	MaxDuration      time.Duration
	Priority         []string
	StopOnFirstMatch bool
}

// Record is one entry of the endpoint's DATA array. ID is empty until the
// window becomes bookable.
type Record struct {
	ID          string
	WindowStart time.Time
	Location    string
	Raw         map[string]any
}

// Handlers are invoked from the polling goroutine. OnFound fires for every
// new matching record, OnProcessable once per record ID, OnTimeout once when
// MaxDuration elapses. Any handler may be nil. Handlers must not call
// Poller.Stop; OnTimeout runs on the session goroutine itself.
type Handlers struct {
	OnFound       func(ctx context.Context, r Record)
	OnProcessable func(ctx context.Context, r Record) error
	OnTimeout     func(ctx context.Context)
}

type State int

const (
	StateIdle State = iota
	StateCapturing
	StatePolling
	StateStopped
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Why a session ended.
const (
	ReasonStopped         = "stopped"
	ReasonTimeout         = "timeout"
	ReasonMatched         = "matched"
	ReasonRecaptureFailed = "recapture_failed"
	ReasonCaptureFailed   = "capture_failed"
	ReasonSuperseded      = "superseded"
)

type Status struct {
	State           State    `json:"state"`
	Active          bool     `json:"is_active"`
	HasEndpoint     bool     `json:"has_endpoint"`
	ProcessingMatch bool     `json:"processing_match"`
	SeenRecordIDs   []string `json:"seen_record_ids"`
	StopReason      string   `json:"stop_reason,omitempty"`
}
