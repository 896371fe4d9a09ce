package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"bug-ghost-sandbox/pkg/seccomp"
)

// Seccomp modes accepted by Tunables.Seccomp.
const (
	SeccompRuntimeDefault = "runtime-default"
	SeccompStrict         = "strict"
)

const (
	sandboxUser     = "1000:1000"
	apparmorProfile = "docker-default"
	cfsPeriod       = int64(100000) // 100ms in microseconds
	nofileLimit     = uint64(256)
	mib             = int64(1 << 20)
)

// Tunables are the operator-adjustable inputs to BuildPolicy. Zero fields
// take the defaults.
type Tunables struct {
	MemoryMB    int64   `json:"memory_mb" yaml:"memory_mb"`
	CPUQuota    float64 `json:"cpu_quota" yaml:"cpu_quota"` // fraction of one core
	PidsLimit   int64   `json:"pids_limit" yaml:"pids_limit"`
	WorkspaceMB int64   `json:"workspace_mb" yaml:"workspace_mb"`
	TmpMB       int64   `json:"tmp_mb" yaml:"tmp_mb"`
	Seccomp     string  `json:"seccomp" yaml:"seccomp"`
}

func DefaultTunables() Tunables {
	return Tunables{
		MemoryMB:    256,
		CPUQuota:    0.5,
		PidsLimit:   128,
		WorkspaceMB: 64,
		TmpMB:       16,
		Seccomp:     SeccompRuntimeDefault,
	}
}

func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.MemoryMB == 0 {
		t.MemoryMB = d.MemoryMB
	}
	if t.CPUQuota == 0 {
		t.CPUQuota = d.CPUQuota
	}
	if t.PidsLimit == 0 {
		t.PidsLimit = d.PidsLimit
	}
	if t.WorkspaceMB == 0 {
		t.WorkspaceMB = d.WorkspaceMB
	}
	if t.TmpMB == 0 {
		t.TmpMB = d.TmpMB
	}
	if t.Seccomp == "" {
		t.Seccomp = d.Seccomp
	}
	return t
}

func (t Tunables) Validate() error {
	if t.MemoryMB < 16 || t.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 16-4096, got %d", ErrInvalidPolicy, t.MemoryMB)
	}
	if t.CPUQuota < 0.01 || t.CPUQuota > 4 {
		return fmt.Errorf("%w: cpu_quota must be 0.01-4, got %g", ErrInvalidPolicy, t.CPUQuota)
	}
	if t.PidsLimit < 8 || t.PidsLimit > 4096 {
		return fmt.Errorf("%w: pids_limit must be 8-4096, got %d", ErrInvalidPolicy, t.PidsLimit)
	}
	if t.WorkspaceMB < 1 || t.WorkspaceMB > 1024 {
		return fmt.Errorf("%w: workspace_mb must be 1-1024, got %d", ErrInvalidPolicy, t.WorkspaceMB)
	}
	if t.TmpMB < 1 || t.TmpMB > 1024 {
		return fmt.Errorf("%w: tmp_mb must be 1-1024, got %d", ErrInvalidPolicy, t.TmpMB)
	}
	switch t.Seccomp {
	case SeccompRuntimeDefault, SeccompStrict:
	default:
		return fmt.Errorf("%w: seccomp must be %q or %q, got %q",
			ErrInvalidPolicy, SeccompRuntimeDefault, SeccompStrict, t.Seccomp)
	}
	return nil
}

// Rlimit is a process resource limit applied inside the environment.
type Rlimit struct {
	Name string // lower-case short name, e.g. "nofile"
	Soft uint64
	Hard uint64
}

// IsolationPolicy is the resource and hardening profile applied to every
// environment. The numeric ceilings are plain fields. The hardening settings
// have no fields and are only readable through methods, so no caller can
// produce a policy with networking, capabilities or privilege escalation.
type IsolationPolicy struct {
	MemoryBytes    int64
	CPUPeriod      int64
	CPUQuota       int64
	PidsLimit      int64
	WorkspaceBytes int64
	TmpBytes       int64

	seccompMode string
}

// BuildPolicy validates t and derives the policy. It is pure.
func BuildPolicy(t Tunables) (IsolationPolicy, error) {
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return IsolationPolicy{}, err
	}

	quota := int64(t.CPUQuota * float64(cfsPeriod))
	if quota < 1000 {
		quota = 1000 // kernel minimum is 1ms
	}

	return IsolationPolicy{
		MemoryBytes:    t.MemoryMB * mib,
		CPUPeriod:      cfsPeriod,
		CPUQuota:       quota,
		PidsLimit:      t.PidsLimit,
		WorkspaceBytes: t.WorkspaceMB * mib,
		TmpBytes:       t.TmpMB * mib,
		seccompMode:    t.Seccomp,
	}, nil
}

// DefaultPolicy is BuildPolicy(DefaultTunables()).
func DefaultPolicy() IsolationPolicy {
	p, err := BuildPolicy(DefaultTunables())
	if err != nil {
		panic(err)
	}
	return p
}

func (p IsolationPolicy) NetworkMode() string { return "none" }

func (p IsolationPolicy) CapDrop() []string { return []string{"ALL"} }

func (p IsolationPolicy) User() string { return sandboxUser }

func (p IsolationPolicy) NoNewPrivileges() bool { return true }

func (p IsolationPolicy) ReadonlyRootfs() bool { return true }

func (p IsolationPolicy) AppArmorProfile() string { return apparmorProfile }

// MemorySwapBytes equals MemoryBytes so the environment gets no swap.
func (p IsolationPolicy) MemorySwapBytes() int64 { return p.MemoryBytes }

func (p IsolationPolicy) SeccompMode() string {
	if p.seccompMode == "" {
		return SeccompRuntimeDefault
	}
	return p.seccompMode
}

// SeccompProfile returns the allowlist profile in strict mode and nil when
// the runtime's default profile applies.
func (p IsolationPolicy) SeccompProfile() *specs.LinuxSeccomp {
	if p.SeccompMode() != SeccompStrict {
		return nil
	}
	return seccomp.StrictProfile()
}

// Tmpfs returns the writable scratch mounts keyed by mount point with
// Docker-style option strings.
func (p IsolationPolicy) Tmpfs() map[string]string {
	return map[string]string{
		"/workspace": tmpfsOptions(p.WorkspaceBytes),
		"/tmp":       tmpfsOptions(p.TmpBytes),
	}
}

func tmpfsOptions(size int64) string {
	return fmt.Sprintf("rw,noexec,nosuid,nodev,size=%d,mode=1777", size)
}

func (p IsolationPolicy) Rlimits() []Rlimit {
	return []Rlimit{
		{Name: "core", Soft: 0, Hard: 0},
		{Name: "nofile", Soft: nofileLimit, Hard: nofileLimit},
	}
}

// SecurityOpts renders the Docker security options for the policy.
func (p IsolationPolicy) SecurityOpts() ([]string, error) {
	opts := []string{
		"no-new-privileges:true",
		"apparmor=" + p.AppArmorProfile(),
	}
	if prof := p.SeccompProfile(); prof != nil {
		data, err := seccomp.DockerJSON(prof)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		opts = append(opts, "seccomp="+string(data))
	}
	return opts, nil
}
