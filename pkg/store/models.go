package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Run statuses. A run is created as queued and driven to exactly one
// terminal status.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Account represents an account holder.
type Account struct {
	ID                 string    `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash       string    `gorm:"not null" json:"-"`
	Name               string    `json:"name"`
	Role               string    `gorm:"not null;default:user" json:"role"`
	Tier               string    `gorm:"not null;default:free" json:"tier"`
	StripeCustomerID   string    `json:"-"`
	SubscriptionStatus string    `json:"subscription_status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Session represents an active login session.
type Session struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Token        string     `gorm:"uniqueIndex;not null" json:"-"`
	AccountID    string     `gorm:"index;not null" json:"account_id"`
	ExpiresAt    time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
}

// ScriptConfig holds the structured part of a script: optional
// threshold expressions and scenario definitions, both opaque to the
// lifecycle core.
type ScriptConfig struct {
	Thresholds map[string][]string        `json:"thresholds,omitempty"`
	Scenarios  map[string]json.RawMessage `json:"scenarios,omitempty"`
}

// Script is a load-test script owned by one account. Deleting a
// script cascades its runs and their ticks.
type Script struct {
	ID          string       `gorm:"primaryKey" json:"id"`
	AccountID   string       `gorm:"index;not null" json:"account_id"`
	Name        string       `gorm:"not null" json:"name"`
	Description string       `json:"description,omitempty"`
	Body        string       `json:"body"`
	Config      ScriptConfig `gorm:"type:text" json:"config"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RunConfig is the snapshot-bound configuration of a run.
type RunConfig struct {
	VUs      int      `json:"vus"`
	Duration string   `json:"duration"`
	Regions  []string `json:"regions,omitempty"`
}

// MetricsSummary is the aggregate over all ticks of a completed run.
// Counts are integers; durations are milliseconds rounded to two
// decimal places.
type MetricsSummary struct {
	HTTPReqs           int     `json:"http_reqs"`
	HTTPReqDurationAvg float64 `json:"http_req_duration_avg"`
	HTTPReqDurationP95 float64 `json:"http_req_duration_p95"`
	HTTPReqDurationP99 float64 `json:"http_req_duration_p99"`
	HTTPReqFailed      int     `json:"http_req_failed"`
	DataReceived       int64   `json:"data_received"`
	DataSent           int64   `json:"data_sent"`
	Iterations         int     `json:"iterations"`
	VUsMax             int     `json:"vus_max"`
}

// Run is one execution attempt of a script.
type Run struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	AccountID    string          `gorm:"index;not null" json:"account_id"`
	ScriptID     string          `gorm:"index;not null" json:"script_id"`
	Status       string          `gorm:"not null;default:queued" json:"status"`
	Config       RunConfig       `gorm:"type:text" json:"config"`
	Summary      *MetricsSummary `gorm:"type:text" json:"metrics_summary,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// DataPoint is the metrics payload of one tick.
type DataPoint struct {
	HTTPReqs        int     `json:"http_reqs"`
	HTTPReqDuration float64 `json:"http_req_duration"`
	HTTPReqFailed   int     `json:"http_req_failed"`
	VUs             int     `json:"vus"`
	Iterations      int     `json:"iterations"`
}

// MetricTick is one append-only observation of a run. Immutable once
// written; ordered by timestamp for time-series reconstruction.
type MetricTick struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"index;not null" json:"run_id"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	Data      DataPoint `gorm:"type:text" json:"data"`
}

// --- JSON column marshalling ---

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling json column: %w", err)
	}

	return string(b), nil
}

func jsonScan(dest, src any) error {
	if src == nil {
		return nil
	}

	var data []byte

	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported json column source type %T", src)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshalling json column: %w", err)
	}

	return nil
}

// Value implements driver.Valuer.
func (c ScriptConfig) Value() (driver.Value, error) { return jsonValue(c) }

// Scan implements sql.Scanner.
func (c *ScriptConfig) Scan(src any) error { return jsonScan(c, src) }

// Value implements driver.Valuer.
func (c RunConfig) Value() (driver.Value, error) { return jsonValue(c) }

// Scan implements sql.Scanner.
func (c *RunConfig) Scan(src any) error { return jsonScan(c, src) }

// Value implements driver.Valuer. Pointer receiver so a nil summary
// on a non-completed run persists as NULL.
func (m *MetricsSummary) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}

	return jsonValue(m)
}

// Scan implements sql.Scanner.
func (m *MetricsSummary) Scan(src any) error { return jsonScan(m, src) }

// Value implements driver.Valuer.
func (d DataPoint) Value() (driver.Value, error) { return jsonValue(d) }

// Scan implements sql.Scanner.
func (d *DataPoint) Scan(src any) error { return jsonScan(d, src) }
