package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeEnv plays back canned output once started. A hanging environment runs
// until stopped and then exits with 137.
type fakeEnv struct {
	id       string
	stdout   string
	stderr   string
	exitCode int
	oom      bool
	hang     bool

	attachErr error
	startErr  error
	waitErr   error
	stopErr   error
	removeErr error

	mu        sync.Mutex
	stdin     string
	started   chan struct{}
	startOnce sync.Once
	exited    chan struct{}
	exitOnce  sync.Once
	stopped   atomic.Bool
	removed   atomic.Bool
}

func newFakeEnv(id string) *fakeEnv {
	return &fakeEnv{
		id:      id,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (f *fakeEnv) ID() string { return f.id }

func (f *fakeEnv) Attach(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (<-chan error, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.stdin = string(data)
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		select {
		case <-f.started:
		case <-ctx.Done():
			done <- ctx.Err()
			return
		}
		var err error
		if f.stdout != "" {
			_, err = io.WriteString(stdout, f.stdout)
		}
		if err == nil && f.stderr != "" {
			_, err = io.WriteString(stderr, f.stderr)
		}
		if !f.hang {
			f.exit(f.exitCode)
		}
		done <- err
	}()
	return done, nil
}

func (f *fakeEnv) exit(code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		f.mu.Unlock()
		close(f.exited)
	})
}

func (f *fakeEnv) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.startOnce.Do(func() { close(f.started) })
	return nil
}

func (f *fakeEnv) Wait(ctx context.Context) (ExitStatus, error) {
	if f.waitErr != nil {
		return ExitStatus{Code: -1}, f.waitErr
	}
	select {
	case <-f.exited:
		f.mu.Lock()
		defer f.mu.Unlock()
		return ExitStatus{Code: f.exitCode, OOMKilled: f.oom}, nil
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}
}

func (f *fakeEnv) Stop(context.Context, time.Duration) error {
	f.stopped.Store(true)
	f.exit(137)
	return f.stopErr
}

func (f *fakeEnv) Remove(context.Context) error {
	f.removed.Store(true)
	return f.removeErr
}

func (f *fakeEnv) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin
}

type fakeEngine struct {
	mu        sync.Mutex
	specs     []EnvironmentSpec
	envs      []*fakeEnv
	createErr error
	configure func(*fakeEnv)
	// afterCreate runs once Create has registered the environment, with
	// the engine unlocked.
	afterCreate func(EnvironmentSpec)

	listed    []EnvironmentInfo
	listErr   error
	destroyed []string
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Create(_ context.Context, spec EnvironmentSpec) (Environment, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	if e.createErr != nil {
		e.mu.Unlock()
		return nil, e.createErr
	}
	env := newFakeEnv(fmt.Sprintf("env-%d", len(e.envs)+1))
	if e.configure != nil {
		e.configure(env)
	}
	e.envs = append(e.envs, env)
	hook := e.afterCreate
	e.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return env, nil
}

func (e *fakeEngine) List(context.Context, string) ([]EnvironmentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EnvironmentInfo(nil), e.listed...), e.listErr
}

func (e *fakeEngine) Destroy(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = append(e.destroyed, id)
	return nil
}

func (e *fakeEngine) Ping(context.Context) error { return nil }

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) env(i int) *fakeEnv {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.envs[i]
}

func (e *fakeEngine) created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.specs)
}

func (e *fakeEngine) destroyedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.destroyed...)
}

// fakeStore is an ImageStore with a fixed set of present images.
type fakeStore struct {
	mu       sync.Mutex
	present  map[string]bool
	lookErr  map[string]error
	buildErr map[string]error
	logs     []string
	builds   []string
	gate     chan struct{}
	building chan struct{} // receives once per BuildImage call when set
}

func newFakeStore(present ...string) *fakeStore {
	s := &fakeStore{
		present:  make(map[string]bool),
		lookErr:  make(map[string]error),
		buildErr: make(map[string]error),
	}
	for _, ref := range present {
		s.present[ref] = true
	}
	return s
}

func (s *fakeStore) ImagePresent(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lookErr[ref]; err != nil {
		return false, err
	}
	return s.present[ref], nil
}

func (s *fakeStore) BuildImage(ctx context.Context, ref string, _ []byte, progress func(string)) error {
	if s.building != nil {
		s.building <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.builds = append(s.builds, ref)
	logs := append([]string(nil), s.logs...)
	err := s.buildErr[ref]
	if err == nil {
		s.present[ref] = true
	}
	s.mu.Unlock()

	for _, line := range logs {
		progress(line)
	}
	return err
}

func (s *fakeStore) buildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.builds)
}
