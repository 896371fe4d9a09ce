package api

import (
	"time"

	"bug-ghost-sandbox/internal/sandbox"
)

const (
	defaultTimeoutSec = 10
	minTimeoutSec     = 1
	maxTimeoutSec     = 60
)

// RunRequest is the API-level request to execute code in a sandbox.
type RunRequest struct {
	Language   string `json:"language"` // python, javascript, typescript, java and their aliases
	Code       string `json:"code"`
	TimeoutSec *int   `json:"timeout_sec,omitempty"`
}

// timeout returns the requested timeout, defaulting to 10s, or false when
// timeout_sec is outside 1-60.
func (r RunRequest) timeout() (time.Duration, bool) {
	if r.TimeoutSec == nil {
		return defaultTimeoutSec * time.Second, true
	}
	sec := *r.TimeoutSec
	if sec < minTimeoutSec || sec > maxTimeoutSec {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// RunResponse is returned after a run, and when a stored run is fetched.
type RunResponse struct {
	RunID           string     `json:"run_id"`
	Language        string     `json:"language"`
	Status          string     `json:"status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	ExitCode        int        `json:"exit_code"`
	Image           string     `json:"image,omitempty"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
	Truncated       bool       `json:"truncated"`
	OOMKilled       bool       `json:"oom_killed,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func newRunResponse(result *sandbox.ExecutionResult) RunResponse {
	completed := result.StartedAt.Add(result.Duration)
	return RunResponse{
		RunID:           result.RunID,
		Language:        string(result.Language),
		Status:          string(result.Status),
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		Image:           result.Image,
		ExecutionTimeMS: result.Duration.Milliseconds(),
		Truncated:       result.Truncated,
		OOMKilled:       result.OOMKilled,
		CreatedAt:       result.StartedAt,
		CompletedAt:     &completed,
	}
}

// ImagesResponse reports which sandbox images are present.
type ImagesResponse struct {
	Images map[string]bool `json:"images"`
}

// BuildRequest names the languages to build. An empty list builds the
// default set.
type BuildRequest struct {
	Languages []string `json:"languages"`
}

type BuildResponse struct {
	Results map[string]sandbox.BuildReport `json:"results"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Engine     string `json:"engine"`
	EngineOK   bool   `json:"engine_ok"`
	Database   bool   `json:"database"`
	ActiveRuns int64  `json:"active_runs"`
	Uptime     string `json:"uptime"`
}
