package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bug-ghost-sandbox/internal/monitor"
	"bug-ghost-sandbox/internal/runtime"
)

type ExecutionRequest struct {
	Language string        `json:"language"`
	Code     string        `json:"code"`
	Timeout  time.Duration `json:"timeout"`
}

type ExecutionResult struct {
	RunID     string           `json:"run_id"`
	Language  runtime.Language `json:"language"`
	Image     string           `json:"image"`
	Filename  string           `json:"filename"`
	Stdout    string           `json:"stdout"`
	Stderr    string           `json:"stderr"`
	ExitCode  int              `json:"exit_code"`
	Duration  time.Duration    `json:"duration"`
	Status    Status           `json:"status"`
	Truncated bool             `json:"truncated"`
	OOMKilled bool             `json:"oom_killed"`
	CodeHash  string           `json:"code_hash"`
	StartedAt time.Time        `json:"started_at"`
}

// RunnerConfig bounds every run.
type RunnerConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxConcurrent  int
	MaxCodeBytes   int
	OutputLimit    int
	StopGrace      time.Duration
	// DrainWindow bounds how long output is drained after the process exits.
	DrainWindow time.Duration
	// OrphanMinAge protects environments younger than this from sweeps.
	OrphanMinAge time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     60 * time.Second,
		MaxConcurrent:  16,
		MaxCodeBytes:   1 << 20,
		OutputLimit:    DefaultOutputLimit,
		StopGrace:      time.Second,
		DrainWindow:    2 * time.Second,
		OrphanMinAge:   2 * time.Minute,
	}
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	d := DefaultRunnerConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = d.MaxCodeBytes
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = d.OutputLimit
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = d.DrainWindow
	}
	if c.OrphanMinAge <= 0 {
		c.OrphanMinAge = d.OrphanMinAge
	}
	return c
}

const teardownTimeout = 30 * time.Second

// Runner executes requests in fresh environments on one Engine.
type Runner struct {
	engine   Engine
	registry *runtime.Registry
	images   *Provisioner
	policy   IsolationPolicy
	cfg      RunnerConfig
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active execution count
	live   sync.Map      // environment name -> run ID, for sweeps
	wg     sync.WaitGroup
	mu     sync.RWMutex // Protects shutdown state
	closed bool
}

type RunnerOption func(*Runner)

// WithProvisioner checks, and optionally builds, images before each run.
func WithProvisioner(p *Provisioner) RunnerOption {
	return func(r *Runner) { r.images = p }
}

func WithPolicy(p IsolationPolicy) RunnerOption {
	return func(r *Runner) { r.policy = p }
}

func WithMetrics(m *monitor.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithTracer(t *monitor.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

func NewRunner(engine Engine, registry *runtime.Registry, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		engine:   engine,
		registry: registry,
		policy:   DefaultPolicy(),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs code in a fresh sandbox environment and returns its result.
// Failures of the submitted code are reported through the result's Status;
// a non-nil error means the sandbox itself failed, in which case the
// result holds whatever was captured before the failure.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, nil, nil)
}

// ExecuteStreaming is Execute with the output also forwarded to stdout and
// stderr as it arrives. Forwarding stops at the output ceiling.
func (r *Runner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return r.executeInternal(ctx, req, stdout, stderr)
}

func (r *Runner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (result *ExecutionResult, err error) {
	runID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	profile := r.registry.Resolve(req.Language)

	result = &ExecutionResult{
		RunID:    runID,
		Language: profile.Language,
		Image:    profile.Image,
		Filename: profile.Filename,
		ExitCode: -1,
		Status:   StatusError,
		CodeHash: codeHash,
	}

	logger := log.With().
		Str("run_id", runID).
		Str("language", string(profile.Language)).
		Str("code_hash", codeHash[:16]).
		Logger()

	if _, ok := r.registry.Lookup(req.Language); !ok {
		logger.Warn().Str("requested", req.Language).Msg("unknown language, using default profile")
	}
	logger.Info().Msg("execution requested")

	if err := r.validate(req); err != nil {
		return r.fail(result, "validate", err)
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return r.fail(result, "acquire_slot", ErrClosed)
	}
	r.wg.Add(1)
	r.mu.RUnlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return r.fail(result, "acquire_slot", ctx.Err())
	}

	r.active.Add(1)
	r.metrics.ActiveInc()
	defer func() {
		r.active.Add(-1)
		r.metrics.ActiveDec()
	}()

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrRunID.String(runID),
		monitor.AttrLanguage.String(string(profile.Language)),
		monitor.AttrImage.String(profile.Image),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer func() {
		span.SetAttributes(
			monitor.AttrStatus.String(string(result.Status)),
			monitor.AttrExitCode.Int(result.ExitCode),
			monitor.AttrTimedOut.Bool(result.Status == StatusTimeout),
			monitor.AttrTruncated.Bool(result.Truncated),
			monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
		)
		monitor.EndSpan(span, err)
	}()

	timeout := r.timeoutFor(req)
	result.StartedAt = time.Now()
	defer func() {
		if result.Duration == 0 {
			result.Duration = time.Since(result.StartedAt)
		}
		if err == nil {
			r.metrics.RecordExecution(string(profile.Language), string(result.Status),
				result.Duration.Seconds(), len(req.Code), len(result.Stdout)+len(result.Stderr))
		}
	}()

	if r.images != nil {
		if err := r.timed("ensure_image", func() error { return r.images.Ensure(ctx, profile) }); err != nil {
			return r.fail(result, "ensure_image", err)
		}
	}

	// Registered before Create so a sweep never sees the environment unowned.
	spec := r.environmentSpec(runID, profile)
	r.live.Store(spec.Name, runID)
	defer r.live.Delete(spec.Name)

	var env Environment
	err = r.timed("create", func() error {
		var createErr error
		env, createErr = r.engine.Create(ctx, spec)
		return createErr
	})
	if err != nil {
		return r.fail(result, "create", err)
	}
	defer r.teardown(env, logger)

	out := NewOutput(r.cfg.OutputLimit)
	if stdout != nil {
		out.Tee(Stdout, stdout)
	}
	if stderr != nil {
		out.Tee(Stderr, stderr)
	}
	defer out.Seal()

	copyDone, err := env.Attach(ctx, strings.NewReader(req.Code), out.Writer(Stdout), out.Writer(Stderr))
	if err != nil {
		return r.fail(result, "attach", err)
	}

	if err := r.timed("start", func() error { return env.Start(ctx) }); err != nil {
		return r.fail(result, "start", err)
	}
	logger.Debug().Str("environment", env.ID()).Dur("timeout", timeout).Msg("environment started")

	status, timedOut, err := r.await(ctx, env, timeout, logger)
	result.Duration = time.Since(result.StartedAt)
	r.drain(copyDone, logger)
	r.collect(result, out)
	if err != nil {
		return r.fail(result, "wait", err)
	}

	result.ExitCode = status.Code
	result.OOMKilled = status.OOMKilled
	result.Status = Classify(status.Code, timedOut)
	if result.Truncated {
		r.metrics.RecordTruncation(string(profile.Language))
	}

	logger.Info().
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Bool("truncated", result.Truncated).
		Bool("oom_killed", result.OOMKilled).
		Dur("duration", result.Duration).
		Msg("execution finished")

	return result, nil
}

// await waits for the process to exit within timeout. When the deadline
// passes first the environment is stopped and timedOut is true; the exit
// code is never used to infer a timeout.
func (r *Runner) await(ctx context.Context, env Environment, timeout time.Duration, logger zerolog.Logger) (ExitStatus, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	status, err := env.Wait(waitCtx)
	deadlineHit := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		return status, false, nil
	}
	if ctx.Err() != nil {
		return ExitStatus{Code: -1}, false, ctx.Err()
	}
	if !deadlineHit {
		return ExitStatus{Code: -1}, false, err
	}

	logger.Warn().Dur("timeout", timeout).Msg("execution timed out, stopping environment")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), r.cfg.StopGrace+10*time.Second)
	defer stopCancel()

	if err := r.timed("stop", func() error { return env.Stop(stopCtx, r.cfg.StopGrace) }); err != nil {
		logger.Error().Err(err).Msg("failed to stop timed out environment")
	}
	status, err = env.Wait(stopCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read exit status after stop")
		status = ExitStatus{Code: -1}
	}
	return status, true, nil
}

// drain waits for the output copier to finish, bounded by the drain window.
func (r *Runner) drain(copyDone <-chan error, logger zerolog.Logger) {
	timer := time.NewTimer(r.cfg.DrainWindow)
	defer timer.Stop()

	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, ErrOutputLimit) {
			logger.Debug().Err(err).Msg("output stream ended with error")
		}
	case <-timer.C:
		logger.Warn().Dur("window", r.cfg.DrainWindow).Msg("output drain window elapsed")
	}
}

func (r *Runner) collect(result *ExecutionResult, out *Output) {
	result.Stdout = out.Text(Stdout)
	result.Stderr = out.Text(Stderr)
	result.Truncated = out.Truncated()
}

// teardown stops and removes env on a fresh context. Failures are logged
// and counted, never returned.
func (r *Runner) teardown(env Environment, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	failed := false
	if err := env.Stop(ctx, r.cfg.StopGrace); err != nil {
		logger.Warn().Err(err).Str("environment", env.ID()).Msg("failed to stop environment")
		failed = true
	}
	if err := r.timed("remove", func() error { return env.Remove(ctx) }); err != nil {
		logger.Error().Err(err).Str("environment", env.ID()).Msg("failed to remove environment")
		failed = true
	}
	if failed {
		r.metrics.RecordTeardownFailure()
		return
	}
	logger.Debug().Str("environment", env.ID()).Msg("environment removed")
}

func (r *Runner) fail(result *ExecutionResult, op string, err error) (*ExecutionResult, error) {
	r.metrics.RecordError(op)
	log.Error().Err(err).Str("run_id", result.RunID).Str("op", op).Msg("execution failed")
	return result, &ExecutionError{RunID: result.RunID, Op: op, Err: err}
}

func (r *Runner) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.metrics.ObserveRuntimeOp(r.engine.Name(), op, time.Since(start).Seconds())
	return err
}

func (r *Runner) environmentSpec(runID string, profile runtime.Profile) EnvironmentSpec {
	return EnvironmentSpec{
		Name:       EnvironmentName(runID),
		Image:      profile.Image,
		Command:    LaunchCommand(profile),
		WorkingDir: WorkspaceDir,
		Env: []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"SANDBOX=true",
		},
		Labels: map[string]string{
			"bug-ghost-sandbox.run-id":   runID,
			"bug-ghost-sandbox.language": string(profile.Language),
		},
		Policy: r.policy,
	}
}

func (r *Runner) validate(req ExecutionRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > r.cfg.MaxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, r.cfg.MaxCodeBytes)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (r *Runner) timeoutFor(req ExecutionRequest) time.Duration {
	switch {
	case req.Timeout == 0:
		return r.cfg.DefaultTimeout
	case req.Timeout > r.cfg.MaxTimeout:
		return r.cfg.MaxTimeout
	}
	return req.Timeout
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close rejects new runs and waits for active ones until ctx is done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d active runs: %w", r.active.Load(), ctx.Err())
	}
}
