package sandbox

import (
	"context"
	"io"
	"time"

	"bug-ghost-sandbox/internal/runtime"
)

// NamePrefix marks every environment created by this service. Orphan sweeps
// only ever touch names carrying it.
const NamePrefix = "sandbox-"

// WorkspaceDir is the tmpfs mount the source file is materialized into.
const WorkspaceDir = "/workspace"

// EnvironmentSpec describes one environment to create.
type EnvironmentSpec struct {
	Name       string
	Image      string
	Command    []string
	WorkingDir string
	Env        []string
	Labels     map[string]string
	Policy     IsolationPolicy
}

// EnvironmentInfo identifies an existing environment found by List.
type EnvironmentInfo struct {
	ID      string
	Name    string
	Created time.Time
}

// ExitStatus is the terminal state of an environment's main process.
type ExitStatus struct {
	Code      int
	OOMKilled bool
}

// Engine creates and enumerates environments on one container runtime. An
// Engine is shared by all concurrent runs and must be safe for concurrent use.
type Engine interface {
	Name() string
	Create(ctx context.Context, spec EnvironmentSpec) (Environment, error)
	// List returns the environments whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]EnvironmentInfo, error)
	// Destroy force-removes an environment by ID. Missing is not an error.
	Destroy(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Environment is one created container. Lifecycle: created, started,
// stopped, removed.
type Environment interface {
	ID() string
	// Attach connects the standard streams. It must be called before Start.
	// stdin is copied in full and then closed. The returned channel yields
	// the result of the output copy once both output streams hit EOF or a
	// writer fails.
	Attach(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (<-chan error, error)
	Start(ctx context.Context) error
	Wait(ctx context.Context) (ExitStatus, error)
	// Stop signals the process and hard-kills it after grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Remove deletes the environment. Missing is not an error.
	Remove(ctx context.Context) error
}

// ImageStore checks for and builds sandbox images.
type ImageStore interface {
	ImagePresent(ctx context.Context, ref string) (bool, error)
	// BuildImage builds ref from a single Dockerfile. progress receives each
	// log line as the build streams it.
	BuildImage(ctx context.Context, ref string, dockerfile []byte, progress func(line string)) error
}

// launcherScript writes stdin to the path in $0 and then execs the
// remaining arguments. The source text never appears in argv.
const launcherScript = `cat > "$0" && exec "$@"`

// LaunchCommand wraps a profile's command with the stdin launcher.
func LaunchCommand(p runtime.Profile) []string {
	argv := make([]string, 0, len(p.Command)+4)
	argv = append(argv, "/bin/sh", "-c", launcherScript, p.Filename)
	return append(argv, p.Command...)
}

// EnvironmentName returns the container name for a run.
func EnvironmentName(runID string) string {
	return NamePrefix + runID
}
