package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"bug-ghost-sandbox/pkg/seccomp"
)

var maskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// ApplyPolicy writes the isolation policy into an OCI runtime spec. The
// containerd engine has no daemon-side default seccomp profile, so the
// strict allowlist is installed regardless of the policy's seccomp mode.
func ApplyPolicy(spec *specs.Spec, p IsolationPolicy) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	prof := p.SeccompProfile()
	if prof == nil {
		prof = seccomp.StrictProfile()
	}
	spec.Linux.Seccomp = prof

	empty := []string{}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    empty,
		Effective:   empty,
		Inheritable: empty,
		Permitted:   empty,
		Ambient:     empty,
	}
	spec.Process.NoNewPrivileges = p.NoNewPrivileges()
	spec.Process.User = specs.User{UID: 1000, GID: 1000}

	// A fresh network namespace with no interfaces besides loopback.
	spec.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	spec.Linux.MaskedPaths = maskedPaths
	spec.Linux.ReadonlyPaths = readonlyPaths

	if spec.Root != nil {
		spec.Root.Readonly = p.ReadonlyRootfs()
	}

	applyResources(spec, p)
}

func applyResources(spec *specs.Spec, p IsolationPolicy) {
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	period := uint64(p.CPUPeriod)
	quota := p.CPUQuota
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	mem := p.MemoryBytes
	swap := p.MemorySwapBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &mem,
		Swap:  &swap,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: p.PidsLimit,
	}

	tmpfs := p.Tmpfs()
	for _, dest := range []string{"/tmp", "/workspace"} {
		spec.Mounts = replaceMount(spec.Mounts, specs.Mount{
			Destination: dest,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     strings.Split(tmpfs[dest], ","),
		})
	}

	var rlimits []specs.POSIXRlimit
	for _, rl := range p.Rlimits() {
		rlimits = append(rlimits, specs.POSIXRlimit{
			Type: fmt.Sprintf("RLIMIT_%s", strings.ToUpper(rl.Name)),
			Soft: rl.Soft,
			Hard: rl.Hard,
		})
	}
	spec.Process.Rlimits = rlimits
}

func replaceMount(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for i, existing := range mounts {
		if existing.Destination == m.Destination {
			mounts[i] = m
			return mounts
		}
	}
	return append(mounts, m)
}
