package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("run not found")

// Run is one row of the runs history table.
type Run struct {
	ID          string     `json:"id" db:"id"`
	Language    string     `json:"language" db:"language"`
	Status      string     `json:"status" db:"status"` // completed, error, timeout
	Stdout      string     `json:"stdout" db:"stdout"`
	Stderr      string     `json:"stderr" db:"stderr"`
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	Image       string     `json:"image" db:"image"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RunFilter provides criteria for listing runs.
type RunFilter struct {
	Language string
	Status   string
	Limit    int
	Offset   int
}
