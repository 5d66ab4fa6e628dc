package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/example/slotwatch/internal/pool"
)

var (
	ErrResourceExhausted = errors.New("orchestrator: no browser slot available")
	ErrTaskTimeout       = errors.New("orchestrator: booking attempt timed out")
	ErrStopped           = errors.New("orchestrator: batch stopped before the account started")
	ErrBatchRunning      = errors.New("orchestrator: batch already running for schedule")
)

// Account is one pre-registered login on the target site.
type Account struct {
	ID     int64
	Label  string
	Login  string
	Secret string
	Owner  string // notification recipient
}

type Outcome int

const (
	OutcomeBooked    Outcome = iota + 1
	OutcomeHandedOff         // payment left to the user
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBooked:
		return "booked"
	case OutcomeHandedOff:
		return "handoff"
	default:
		return "unknown"
	}
}

// Browser is an isolated browser bound to one slot.
type Browser interface {
	Context() context.Context
	Close() error
}

// BrowserFactory opens a browser for slot.
type BrowserFactory func(ctx context.Context, slot pool.Slot) (Browser, error)

// ExecutionContext is owned by exactly one account task.
type ExecutionContext struct {
	Slot       pool.Slot
	Browser    Browser
	Account    string
	ScheduleID int64
	BatchID    string
}

// Executor books one account. A nil error means booked or handed off.
type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext, acct Account, matchID string) (Outcome, error)
}

// Notifier delivers progress messages. Each call runs on its own goroutine.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string)
}

type Batch struct {
	ScheduleID  int64
	MatchID     string
	Recipient   string
	Accounts    []Account
	Concurrency int
}

type Result struct {
	BatchID   string        `json:"batch_id"`
	Submitted int           `json:"submitted"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	HandedOff int           `json:"handed_off"`
	Failed    int           `json:"failed"`
	Stopped   bool          `json:"stopped"`
	Duration  time.Duration `json:"duration"`
}

// Batch classifications, matching the schedule statuses they map to.
const (
	ClassBooked  = "booked"
	ClassPartial = "partial"
	ClassStopped = "stopped"
	ClassFailed  = "failed"
)

func (r Result) Classify() string {
	switch {
	case r.Submitted > 0 && r.Succeeded == r.Submitted:
		return ClassBooked
	case r.Succeeded > 0:
		return ClassPartial
	case r.Stopped:
		return ClassStopped
	default:
		return ClassFailed
	}
}

type BatchStatus struct {
	ScheduleID    int64  `json:"schedule_id"`
	BatchID       string `json:"batch_id"`
	MatchID       string `json:"match_id"`
	ActiveSlots   int    `json:"active_slots"`
	Processed     int    `json:"processed"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	Running       bool   `json:"is_running"`
	StopRequested bool   `json:"stop_requested"`
}
