package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with connection management and health checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new containerd client wrapper.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeUnavailable, socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrRuntimeUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks if the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("%w: containerd client closed", ErrRuntimeUnavailable)
	}
	if _, err := c.inner.Version(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// ContainerdEngine runs environments as containerd tasks. It cannot build
// images; they must be imported into the namespace ahead of time.
type ContainerdEngine struct {
	client *Client
}

func NewContainerdEngine(client *Client) *ContainerdEngine {
	return &ContainerdEngine{client: client}
}

func (e *ContainerdEngine) Name() string { return "containerd" }

func (e *ContainerdEngine) Ping(ctx context.Context) error {
	return e.client.Healthy(ctx)
}

func (e *ContainerdEngine) Close() error {
	return e.client.Close()
}

func (e *ContainerdEngine) ImagePresent(ctx context.Context, ref string) (bool, error) {
	if _, err := e.client.Raw().GetImage(e.client.WithNamespace(ctx), ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *ContainerdEngine) BuildImage(context.Context, string, []byte, func(string)) error {
	return ErrBuildUnsupported
}

func (e *ContainerdEngine) Create(ctx context.Context, spec EnvironmentSpec) (Environment, error) {
	nsCtx := e.client.WithNamespace(ctx)

	image, err := e.client.Raw().GetImage(nsCtx, spec.Image)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageMissing, spec.Image)
		}
		return nil, fmt.Errorf("loading image %s: %w", spec.Image, err)
	}

	workdir := spec.WorkingDir
	if workdir == "" {
		workdir = WorkspaceDir
	}

	c, err := e.client.Raw().NewContainer(nsCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			oci.WithProcessCwd(workdir),
			oci.WithEnv(spec.Env),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyPolicy(s, spec.Policy)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return &containerdEnvironment{
		client:    e.client,
		container: c,
		exited:    make(chan struct{}),
	}, nil
}

func (e *ContainerdEngine) List(ctx context.Context, prefix string) ([]EnvironmentInfo, error) {
	nsCtx := e.client.WithNamespace(ctx)

	all, err := e.client.Raw().Containers(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var envs []EnvironmentInfo
	for _, c := range all {
		if !strings.HasPrefix(c.ID(), prefix) {
			continue
		}
		info := EnvironmentInfo{ID: c.ID(), Name: c.ID()}
		if meta, err := c.Info(nsCtx, containerd.WithoutRefreshedMetadata); err == nil {
			info.Created = meta.CreatedAt
		}
		envs = append(envs, info)
	}
	return envs, nil
}

func (e *ContainerdEngine) Destroy(ctx context.Context, id string) error {
	c, err := e.client.Raw().LoadContainer(e.client.WithNamespace(ctx), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", id, err)
	}
	return cleanupContainer(ctx, e.client, c)
}

// cleanupContainer kills any task, then deletes the task and the container
// with its snapshot.
func cleanupContainer(ctx context.Context, client *Client, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	cleanupCtx = client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

type containerdEnvironment struct {
	client    *Client
	container containerd.Container
	task      containerd.Task

	exited chan struct{}
	status containerd.ExitStatus
}

func (c *containerdEnvironment) ID() string { return c.container.ID() }

// Attach creates the task with its standard streams. The task exists in
// the created state until Start.
func (c *containerdEnvironment) Attach(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (<-chan error, error) {
	nsCtx := c.client.WithNamespace(ctx)

	// The FIFO copiers must keep draining past the output ceiling or the
	// process would block on a full pipe.
	task, err := c.container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(stdin, keepDraining{stdout}, keepDraining{stderr})),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	c.task = task

	exitCh, err := task.Wait(c.client.WithNamespace(context.Background()))
	if err != nil {
		return nil, fmt.Errorf("waiting on task: %w", err)
	}
	go func() {
		c.status = <-exitCh
		close(c.exited)
	}()

	done := make(chan error, 1)
	go func() {
		select {
		case <-c.exited:
		case <-ctx.Done():
			done <- ctx.Err()
			return
		}
		if tio := task.IO(); tio != nil {
			tio.Wait()
		}
		done <- nil
	}()
	return done, nil
}

func (c *containerdEnvironment) Start(ctx context.Context) error {
	if c.task == nil {
		return fmt.Errorf("task not created: attach before start")
	}
	return c.task.Start(c.client.WithNamespace(ctx))
}

func (c *containerdEnvironment) Wait(ctx context.Context) (ExitStatus, error) {
	if c.task == nil {
		return ExitStatus{Code: -1}, fmt.Errorf("task not created")
	}
	select {
	case <-c.exited:
		code, _, err := c.status.Result()
		if err != nil {
			return ExitStatus{Code: -1}, err
		}
		// containerd does not surface the cgroup OOM flag on the exit status.
		return ExitStatus{Code: int(code)}, nil
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}
}

func (c *containerdEnvironment) Stop(ctx context.Context, grace time.Duration) error {
	if c.task == nil {
		return nil
	}
	select {
	case <-c.exited:
		return nil
	default:
	}

	nsCtx := c.client.WithNamespace(ctx)
	if err := c.task.Kill(nsCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		log.Debug().Err(err).Str("container_id", c.ID()).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := c.task.Kill(nsCtx, syscall.SIGKILL, containerd.WithKillAll); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("killing task: %w", err)
	}
	return nil
}

func (c *containerdEnvironment) Remove(ctx context.Context) error {
	return cleanupContainer(ctx, c.client, c.container)
}

// keepDraining reports every write as fully consumed even when the wrapped
// writer refuses it.
type keepDraining struct {
	w io.Writer
}

func (k keepDraining) Write(p []byte) (int, error) {
	if k.w != nil {
		_, _ = k.w.Write(p)
	}
	return len(p), nil
}
