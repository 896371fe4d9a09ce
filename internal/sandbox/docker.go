package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerEngine runs environments through the Docker Engine API.
type DockerEngine struct {
	cli dockerAPI
}

// NewDockerEngine connects to host, or to DOCKER_HOST and the default
// socket when host is empty.
func NewDockerEngine(ctx context.Context, host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %v", ErrRuntimeUnavailable, err)
	}

	e := &DockerEngine{cli: cli}
	if err := e.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	log.Info().Str("host", cli.DaemonHost()).Msg("connected to docker")
	return e, nil
}

func (e *DockerEngine) Name() string { return "docker" }

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return translateDockerErr(err)
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

func (e *DockerEngine) Create(ctx context.Context, spec EnvironmentSpec) (Environment, error) {
	cfg, hostCfg, err := dockerConfigs(spec)
	if err != nil {
		return nil, err
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageMissing, spec.Image)
		}
		return nil, translateDockerErr(err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Str("warning", w).Msg("docker create warning")
	}

	return &dockerEnvironment{cli: e.cli, id: resp.ID}, nil
}

func dockerConfigs(spec EnvironmentSpec) (*container.Config, *container.HostConfig, error) {
	p := spec.Policy
	secOpts, err := p.SecurityOpts()
	if err != nil {
		return nil, nil, err
	}

	workdir := spec.WorkingDir
	if workdir == "" {
		workdir = WorkspaceDir
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             spec.Env,
		Labels:          spec.Labels,
		WorkingDir:      workdir,
		User:            p.User(),
		NetworkDisabled: true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
	}

	pids := p.PidsLimit
	var ulimits []*container.Ulimit
	for _, rl := range p.Rlimits() {
		ulimits = append(ulimits, &container.Ulimit{
			Name: rl.Name,
			Soft: int64(rl.Soft),
			Hard: int64(rl.Hard),
		})
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(p.NetworkMode()),
		CapDrop:        p.CapDrop(),
		SecurityOpt:    secOpts,
		ReadonlyRootfs: p.ReadonlyRootfs(),
		Tmpfs:          p.Tmpfs(),
		LogConfig:      container.LogConfig{Type: "none"},
		Resources: container.Resources{
			Memory:     p.MemoryBytes,
			MemorySwap: p.MemorySwapBytes(),
			CPUPeriod:  p.CPUPeriod,
			CPUQuota:   p.CPUQuota,
			PidsLimit:  &pids,
			Ulimits:    ulimits,
		},
	}
	return cfg, hostCfg, nil
}

func (e *DockerEngine) List(ctx context.Context, prefix string) ([]EnvironmentInfo, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, translateDockerErr(err)
	}

	// The name filter is a substring match; keep only true prefixes.
	var envs []EnvironmentInfo
	for _, c := range containers {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, prefix) {
				envs = append(envs, EnvironmentInfo{
					ID:      c.ID,
					Name:    name,
					Created: time.Unix(c.Created, 0),
				})
				break
			}
		}
	}
	return envs, nil
}

func (e *DockerEngine) Destroy(ctx context.Context, id string) error {
	return removeDockerContainer(ctx, e.cli, id)
}

func removeDockerContainer(ctx context.Context, cli dockerAPI, id string) error {
	err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return translateDockerErr(err)
	}
	return nil
}

func (e *DockerEngine) ImagePresent(ctx context.Context, ref string) (bool, error) {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, translateDockerErr(err)
	}
	return true, nil
}

func (e *DockerEngine) BuildImage(ctx context.Context, ref string, dockerfile []byte, progress func(string)) error {
	buildCtx, err := dockerfileContext(dockerfile)
	if err != nil {
		return err
	}

	resp, err := e.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return translateDockerErr(err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading build output: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		if progress == nil {
			continue
		}
		for _, line := range strings.Split(msg.Stream, "\n") {
			if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
				progress(line)
			}
		}
	}
}

// dockerfileContext returns an in-memory tar archive holding only the
// Dockerfile.
func dockerfileContext(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "Dockerfile",
		Mode:    0o644,
		Size:    int64(len(dockerfile)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing build context: %w", err)
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, fmt.Errorf("writing build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("writing build context: %w", err)
	}
	return &buf, nil
}

type dockerEnvironment struct {
	cli dockerAPI
	id  string
}

func (d *dockerEnvironment) ID() string { return d.id }

func (d *dockerEnvironment) Attach(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (<-chan error, error) {
	hj, err := d.cli.ContainerAttach(ctx, d.id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, translateDockerErr(err)
	}

	go func() {
		if stdin != nil {
			if _, err := io.Copy(hj.Conn, stdin); err != nil {
				log.Debug().Err(err).Str("container_id", d.id).Msg("stdin copy failed")
			}
		}
		if err := hj.CloseWrite(); err != nil {
			log.Debug().Err(err).Str("container_id", d.id).Msg("stdin close failed")
		}
	}()

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		// Closing the hijacked connection on exit detaches us; the daemon
		// then discards further output instead of blocking the process.
		defer hj.Close()
		defer close(finished)
		_, err := stdcopy.StdCopy(stdout, stderr, hj.Reader)
		done <- err
	}()
	go func() {
		select {
		case <-ctx.Done():
			hj.Close()
		case <-finished:
		}
	}()
	return done, nil
}

func (d *dockerEnvironment) Start(ctx context.Context) error {
	if err := d.cli.ContainerStart(ctx, d.id, container.StartOptions{}); err != nil {
		return translateDockerErr(err)
	}
	return nil
}

func (d *dockerEnvironment) Wait(ctx context.Context) (ExitStatus, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, d.id, container.WaitConditionNotRunning)

	var code int
	select {
	case resp := <-statusCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return ExitStatus{Code: -1}, fmt.Errorf("waiting for container: %s", resp.Error.Message)
		}
		code = int(resp.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			return ExitStatus{Code: -1}, ctx.Err()
		}
		return ExitStatus{Code: -1}, translateDockerErr(err)
	case <-ctx.Done():
		return ExitStatus{Code: -1}, ctx.Err()
	}

	status := ExitStatus{Code: code}
	if info, err := d.cli.ContainerInspect(ctx, d.id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		status.OOMKilled = info.State.OOMKilled
	}
	return status, nil
}

func (d *dockerEnvironment) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	err := d.cli.ContainerStop(ctx, d.id, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return translateDockerErr(err)
	}
	return nil
}

func (d *dockerEnvironment) Remove(ctx context.Context) error {
	return removeDockerContainer(ctx, d.cli, d.id)
}

// translateDockerErr folds connection failures into ErrRuntimeUnavailable.
func translateDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return err
}
