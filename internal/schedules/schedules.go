package schedules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/poller"
)

const (
	StatusPending    = "pending"
	StatusMonitoring = "monitoring"
	StatusBooked     = "booked"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
	StatusStopped    = "stopped"
	StatusTimedOut   = "timed_out"
	StatusCancelled  = "cancelled"
)

// Terminal reports whether no further work will happen for status.
func Terminal(status string) bool {
	switch status {
	case StatusPending, StatusMonitoring:
		return false
	}
	return true
}

type Schedule struct {
	ID           int64
	OwnerChatID  string
	Name         string
	TargetAt     time.Time
	MonitorFrom  time.Time
	PriorityTags []string

	// zero means use the configured default
	PollInterval time.Duration
	MaxDuration  time.Duration
	Concurrency  int

	Status      string
	LastError   *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Defaults fill zero per-schedule settings.
type Defaults struct {
	PollInterval     time.Duration
	MaxDuration      time.Duration
	StopOnFirstMatch bool
	Concurrency      int
}

// Target turns the schedule into a monitoring target.
func (s Schedule) Target(d Defaults) poller.Target {
	t := poller.Target{
		At:               s.TargetAt,
		PollInterval:     s.PollInterval,
		MaxDuration:      s.MaxDuration,
		Priority:         append([]string(nil), s.PriorityTags...),
		StopOnFirstMatch: d.StopOnFirstMatch,
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.MaxDuration <= 0 {
		t.MaxDuration = d.MaxDuration
	}
	return t
}

func (s Schedule) BatchConcurrency(d Defaults) int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return 1
}

func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name required")
	}
	if strings.TrimSpace(s.OwnerChatID) == "" {
		return fmt.Errorf("owner chat id required")
	}
	if s.TargetAt.IsZero() {
		return fmt.Errorf("target time required")
	}
	if s.MonitorFrom.IsZero() {
		return fmt.Errorf("monitor-from time required")
	}
	if s.PollInterval < 0 || (s.PollInterval > 0 && s.PollInterval < 100*time.Millisecond) {
		return fmt.Errorf("poll interval must be >= 100ms")
	}
	if s.MaxDuration < 0 {
		return fmt.Errorf("max duration must not be negative")
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	return nil
}

// ParseTags splits a comma separated keyword list.
func ParseTags(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func JoinTags(tags []string) string {
	return strings.Join(ParseTags(strings.Join(tags, ",")), ",")
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const columns = `id,owner_chat_id,name,target_at,monitor_from,priority_tags,poll_interval_ms,max_duration_ms,concurrency,status,last_error,started_at,completed_at,created_at,updated_at`

func scan(row db.Row) (Schedule, error) {
	var s Schedule
	var tags string
	var pollMS, maxMS int64
	err := row.Scan(&s.ID, &s.OwnerChatID, &s.Name, &s.TargetAt, &s.MonitorFrom, &tags, &pollMS, &maxMS,
		&s.Concurrency, &s.Status, &s.LastError, &s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Schedule{}, err
	}
	s.PriorityTags = ParseTags(tags)
	s.PollInterval = time.Duration(pollMS) * time.Millisecond
	s.MaxDuration = time.Duration(maxMS) * time.Millisecond
	return s, nil
}

func collect(rows db.Rows) ([]Schedule, error) {
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) Create(ctx context.Context, s Schedule) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO schedules(owner_chat_id,name,target_at,monitor_from,priority_tags,poll_interval_ms,max_duration_ms,concurrency,status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
RETURNING id`,
		s.OwnerChatID, s.Name, s.TargetAt, s.MonitorFrom, JoinTags(s.PriorityTags),
		s.PollInterval.Milliseconds(), s.MaxDuration.Milliseconds(), s.Concurrency,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) Get(ctx context.Context, id int64) (Schedule, error) {
	s, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM schedules WHERE id=$1`, id))
	if err != nil {
		return Schedule{}, db.WrapNotFound(err)
	}
	return s, nil
}

// List returns schedules newest first. An empty owner lists everyone's.
func (r *Repo) List(ctx context.Context, ownerChatID string) ([]Schedule, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+columns+`
FROM schedules
WHERE $1='' OR owner_chat_id=$1
ORDER BY created_at DESC`, ownerChatID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// FindDueForMonitoring returns pending schedules whose monitoring window
// opens within lookahead of now, earliest first.
func (r *Repo) FindDueForMonitoring(ctx context.Context, now time.Time, lookahead time.Duration) ([]Schedule, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+columns+`
FROM schedules
WHERE status='pending'
  AND monitor_from <= $1
ORDER BY monitor_from ASC, target_at ASC
LIMIT 10`, now.Add(lookahead))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkMonitoringStarted claims a pending schedule. A schedule that is no
// longer pending yields db.ErrNotFound.
func (r *Repo) MarkMonitoringStarted(ctx context.Context, id int64) error {
	return db.RequireAffected(r.db.Exec(ctx, `
UPDATE schedules SET status='monitoring', started_at=now(), updated_at=now(), last_error=NULL
WHERE id=$1 AND status='pending'`, id))
}

func (r *Repo) MarkCompleted(ctx context.Context, id int64, status string, lastErr *string) error {
	if !Terminal(status) {
		return fmt.Errorf("schedules: %q is not a terminal status", status)
	}
	return db.RequireAffected(r.db.Exec(ctx, `
UPDATE schedules SET status=$2, last_error=$3, completed_at=now(), updated_at=now()
WHERE id=$1`, id, status, lastErr))
}

// Cancel withdraws a schedule that has not started monitoring.
func (r *Repo) Cancel(ctx context.Context, id int64) error {
	return db.RequireAffected(r.db.Exec(ctx, `
UPDATE schedules SET status='cancelled', completed_at=now(), updated_at=now()
WHERE id=$1 AND status='pending'`, id))
}

// RecoverInterrupted returns schedules left monitoring by a previous process
// to pending so they are picked up again.
func (r *Repo) RecoverInterrupted(ctx context.Context) (int64, error) {
	return r.db.Exec(ctx, `
UPDATE schedules SET status='pending', started_at=NULL, updated_at=now()
WHERE status='monitoring'`)
}
