package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"bug-ghost-sandbox/internal/monitor"
	"bug-ghost-sandbox/internal/sandbox"
	"bug-ghost-sandbox/internal/storage"
)

// Executor runs code in a fresh sandbox environment.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req sandbox.ExecutionRequest, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error)
	ActiveCount() int64
}

// ImageManager reports on and builds sandbox images.
type ImageManager interface {
	Status(ctx context.Context) map[string]bool
	Build(ctx context.Context, languages []string) map[string]sandbox.BuildReport
}

// RunReader reads run history.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error)
	Healthy(ctx context.Context) bool
}

// EngineChecker is the health probe of the container engine.
type EngineChecker interface {
	Name() string
	Ping(ctx context.Context) error
}

type Handlers struct {
	runner  Executor
	images  ImageManager
	engine  EngineChecker
	runs    RunReader          // nil when no database is configured
	writer  *storage.RunWriter // nil when no database is configured
	metrics *monitor.Metrics
	started time.Time
}

func NewHandlers(runner Executor, images ImageManager, engine EngineChecker, runs RunReader, writer *storage.RunWriter, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		runner:  runner,
		images:  images,
		engine:  engine,
		runs:    runs,
		writer:  writer,
		metrics: metrics,
		started: time.Now(),
	}
}

// decodeRun parses and validates a run request, writing the error response
// itself when it returns false.
func decodeRun(w http.ResponseWriter, r *http.Request) (sandbox.ExecutionRequest, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.ExecutionRequest{}, false
	}

	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.ExecutionRequest{}, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.ExecutionRequest{}, false
	}
	timeout, ok := req.timeout()
	if !ok {
		writeError(w, "timeout_sec must be between 1 and 60", "INVALID_REQUEST", http.StatusBadRequest, r)
		return sandbox.ExecutionRequest{}, false
	}

	return sandbox.ExecutionRequest{
		Language: req.Language,
		Code:     req.Code,
		Timeout:  timeout,
	}, true
}

func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRun(w, r)
	if !ok {
		return
	}

	result, err := h.runner.Execute(r.Context(), req)
	if err != nil {
		h.writeRunError(w, r, result, err)
		return
	}

	resp := newRunResponse(result)
	h.record(resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRun(w, r)
	if !ok {
		return
	}

	stdout, stderr := newSSEPair(w)
	if stdout == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	result, err := h.runner.ExecuteStreaming(r.Context(), req, stdout, stderr)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming run failed")
		msg, code, _ := classifyRunError(err)
		data, _ := json.Marshal(ErrorResponse{
			Error:     msg,
			Code:      code,
			RunID:     runIDOf(result),
			RequestID: RequestIDFromContext(r.Context()),
		})
		stdout.send("error", string(data))
		return
	}

	resp := newRunResponse(result)
	h.record(resp)
	data, _ := json.Marshal(resp)
	stdout.send("done", string(data))
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "run ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("run_id", id).Msg("reading run failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{
		RunID:           run.ID,
		Language:        run.Language,
		Status:          run.Status,
		Stdout:          run.Stdout,
		Stderr:          run.Stderr,
		ExitCode:        run.ExitCode,
		Image:           run.Image,
		ExecutionTimeMS: run.DurationMS,
		CreatedAt:       run.CreatedAt,
		CompletedAt:     run.CompletedAt,
	})
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.RunFilter{
		Language: r.URL.Query().Get("language"),
		Status:   r.URL.Query().Get("status"),
		Limit:    100,
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) HandleImageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ImagesResponse{Images: h.images.Status(r.Context())})
}

// HandleBuildImages accepts {"languages": [...]}, a bare JSON array, or an
// empty body for the default set.
func (h *Handlers) HandleBuildImages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "reading body: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req BuildRequest
	if len(body) > 0 {
		if body[0] == '[' {
			err = json.Unmarshal(body, &req.Languages)
		} else {
			err = json.Unmarshal(body, &req)
		}
		if err != nil {
			writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	// Builds can outlast the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("could not clear write deadline for build")
	}

	writeJSON(w, http.StatusOK, BuildResponse{Results: h.images.Build(r.Context(), req.Languages)})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     "ok",
		Engine:     h.engine.Name(),
		EngineOK:   true,
		Database:   true,
		ActiveRuns: h.runner.ActiveCount(),
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}

	if err := h.engine.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("engine health check failed")
		resp.EngineOK = false
		resp.Status = "degraded"
	}
	if h.runs != nil && !h.runs.Healthy(ctx) {
		resp.Database = false
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// record queues a finished run for the history table.
func (h *Handlers) record(resp RunResponse) {
	if h.writer == nil {
		return
	}
	h.writer.Log(&storage.Run{
		ID:          resp.RunID,
		Language:    resp.Language,
		Status:      resp.Status,
		Stdout:      resp.Stdout,
		Stderr:      resp.Stderr,
		ExitCode:    resp.ExitCode,
		Image:       resp.Image,
		DurationMS:  resp.ExecutionTimeMS,
		CreatedAt:   resp.CreatedAt,
		CompletedAt: resp.CompletedAt,
	})
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, result *sandbox.ExecutionResult, err error) {
	msg, code, status := classifyRunError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("run failed")
	}
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RunID:     runIDOf(result),
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// classifyRunError maps a runner error to a client message, code and status.
func classifyRunError(err error) (string, string, int) {
	switch {
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return err.Error(), "VALIDATION_ERROR", http.StatusBadRequest
	case sandbox.IsImageMissing(err):
		return "sandbox image not built; POST /api/sandbox/images/build", "IMAGE_MISSING", http.StatusServiceUnavailable
	case sandbox.IsRuntimeUnavailable(err):
		return "container runtime unavailable", "RUNTIME_UNAVAILABLE", http.StatusServiceUnavailable
	case errors.Is(err, sandbox.ErrClosed):
		return "server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled", "CANCELLED", http.StatusServiceUnavailable
	default:
		return "sandbox execution failed", "EXECUTION_FAILED", http.StatusInternalServerError
	}
}

func runIDOf(result *sandbox.ExecutionResult) string {
	if result == nil {
		return ""
	}
	return result.RunID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
