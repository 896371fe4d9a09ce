package sandbox

import (
	"errors"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestBuildPolicy_Defaults(t *testing.T) {
	p, err := BuildPolicy(Tunables{})
	if err != nil {
		t.Fatalf("BuildPolicy(zero) = %v, want nil", err)
	}
	if p.MemoryBytes != 256<<20 {
		t.Errorf("MemoryBytes = %d, want %d", p.MemoryBytes, 256<<20)
	}
	if p.MemorySwapBytes() != p.MemoryBytes {
		t.Errorf("MemorySwapBytes = %d, want %d (no swap)", p.MemorySwapBytes(), p.MemoryBytes)
	}
	if p.CPUPeriod != 100000 || p.CPUQuota != 50000 {
		t.Errorf("CPU = %d/%d, want 50000/100000", p.CPUQuota, p.CPUPeriod)
	}
	if p.PidsLimit != 128 {
		t.Errorf("PidsLimit = %d, want 128", p.PidsLimit)
	}
	if p.SeccompMode() != SeccompRuntimeDefault {
		t.Errorf("SeccompMode = %q, want %q", p.SeccompMode(), SeccompRuntimeDefault)
	}
	if p.SeccompProfile() != nil {
		t.Error("runtime-default mode should not carry a custom profile")
	}
}

func TestBuildPolicy_HardeningIsFixed(t *testing.T) {
	inputs := []Tunables{
		{},
		{MemoryMB: 4096, CPUQuota: 4, PidsLimit: 4096, WorkspaceMB: 1024, TmpMB: 1024, Seccomp: SeccompStrict},
		{MemoryMB: 16, CPUQuota: 0.01, PidsLimit: 8, WorkspaceMB: 1, TmpMB: 1},
	}
	for _, in := range inputs {
		p, err := BuildPolicy(in)
		if err != nil {
			t.Fatalf("BuildPolicy(%+v) = %v", in, err)
		}
		if p.NetworkMode() != "none" {
			t.Errorf("NetworkMode = %q, want none", p.NetworkMode())
		}
		if got := p.CapDrop(); len(got) != 1 || got[0] != "ALL" {
			t.Errorf("CapDrop = %v, want [ALL]", got)
		}
		if !p.NoNewPrivileges() {
			t.Error("NoNewPrivileges should be true")
		}
		if !p.ReadonlyRootfs() {
			t.Error("ReadonlyRootfs should be true")
		}
		if p.User() != "1000:1000" {
			t.Errorf("User = %q, want 1000:1000", p.User())
		}
		for dest, opts := range p.Tmpfs() {
			for _, flag := range []string{"rw", "noexec", "nosuid", "nodev", "size="} {
				if !strings.Contains(opts, flag) {
					t.Errorf("tmpfs %s options %q missing %q", dest, opts, flag)
				}
			}
		}
		opts, err := p.SecurityOpts()
		if err != nil {
			t.Fatalf("SecurityOpts: %v", err)
		}
		if opts[0] != "no-new-privileges:true" || opts[1] != "apparmor=docker-default" {
			t.Errorf("SecurityOpts = %v", opts[:2])
		}
	}
}

func TestBuildPolicy_TmpfsSizes(t *testing.T) {
	p, err := BuildPolicy(Tunables{WorkspaceMB: 32, TmpMB: 8})
	if err != nil {
		t.Fatal(err)
	}
	tmpfs := p.Tmpfs()
	if !strings.Contains(tmpfs["/workspace"], "size=33554432") {
		t.Errorf("/workspace = %q, want size=33554432", tmpfs["/workspace"])
	}
	if !strings.Contains(tmpfs["/tmp"], "size=8388608") {
		t.Errorf("/tmp = %q, want size=8388608", tmpfs["/tmp"])
	}
}

func TestBuildPolicy_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		in   Tunables
	}{
		{"memory under", Tunables{MemoryMB: 8}},
		{"memory over", Tunables{MemoryMB: 8192}},
		{"cpu negative", Tunables{CPUQuota: -1}},
		{"cpu over", Tunables{CPUQuota: 8}},
		{"pids under", Tunables{PidsLimit: 2}},
		{"workspace over", Tunables{WorkspaceMB: 4096}},
		{"tmp negative", Tunables{TmpMB: -1}},
		{"unknown seccomp", Tunables{Seccomp: "unconfined"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPolicy(tt.in)
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("BuildPolicy(%+v) = %v, want ErrInvalidPolicy", tt.in, err)
			}
		})
	}
}

func TestBuildPolicy_Deterministic(t *testing.T) {
	in := Tunables{MemoryMB: 512, CPUQuota: 1.5, Seccomp: SeccompStrict}
	a, _ := BuildPolicy(in)
	b, _ := BuildPolicy(in)
	if a != b {
		t.Errorf("BuildPolicy not deterministic: %+v vs %+v", a, b)
	}
	if a.CPUQuota != 150000 {
		t.Errorf("CPUQuota = %d, want 150000", a.CPUQuota)
	}
}

func TestSecurityOpts_StrictSeccomp(t *testing.T) {
	p, _ := BuildPolicy(Tunables{Seccomp: SeccompStrict})
	opts, err := p.SecurityOpts()
	if err != nil {
		t.Fatal(err)
	}
	last := opts[len(opts)-1]
	if !strings.HasPrefix(last, "seccomp={") {
		t.Errorf("last security opt = %.40q, want inline seccomp JSON", last)
	}
	if !strings.Contains(last, "SCMP_ACT_ERRNO") {
		t.Error("inline seccomp profile should be deny-by-default")
	}
}

func TestApplyPolicy(t *testing.T) {
	spec := &specs.Spec{
		Root:    &specs.Root{Path: "rootfs"},
		Process: &specs.Process{},
		Mounts:  []specs.Mount{{Destination: "/tmp", Type: "bind", Source: "/host/tmp"}},
	}
	p := DefaultPolicy()
	ApplyPolicy(spec, p)

	if !spec.Root.Readonly {
		t.Error("root should be read-only")
	}
	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges should be set")
	}
	if spec.Process.User.UID != 1000 || spec.Process.User.GID != 1000 {
		t.Errorf("User = %d:%d, want 1000:1000", spec.Process.User.UID, spec.Process.User.GID)
	}
	if n := len(spec.Process.Capabilities.Bounding); n != 0 {
		t.Errorf("bounding caps = %d, want 0", n)
	}
	if spec.Linux.Seccomp == nil || spec.Linux.Seccomp.DefaultAction != specs.ActErrno {
		t.Error("containerd spec should always carry the strict seccomp profile")
	}
	if got := *spec.Linux.Resources.Memory.Swap; got != p.MemoryBytes {
		t.Errorf("swap = %d, want %d", got, p.MemoryBytes)
	}
	if got := *spec.Linux.Resources.CPU.Quota; got != p.CPUQuota {
		t.Errorf("quota = %d, want %d", got, p.CPUQuota)
	}
	if got := spec.Linux.Resources.Pids.Limit; got != p.PidsLimit {
		t.Errorf("pids = %d, want %d", got, p.PidsLimit)
	}

	var netns bool
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace {
			netns = true
		}
	}
	if !netns {
		t.Error("expected a private network namespace")
	}

	mounts := map[string]specs.Mount{}
	for _, m := range spec.Mounts {
		mounts[m.Destination] = m
	}
	if len(spec.Mounts) != 2 {
		t.Errorf("mounts = %d, want 2 (bind /tmp replaced)", len(spec.Mounts))
	}
	for _, dest := range []string{"/tmp", "/workspace"} {
		m, ok := mounts[dest]
		if !ok || m.Type != "tmpfs" {
			t.Errorf("%s should be a tmpfs mount, got %+v", dest, m)
		}
	}

	var core bool
	for _, rl := range spec.Process.Rlimits {
		if rl.Type == "RLIMIT_CORE" && rl.Hard == 0 {
			core = true
		}
	}
	if !core {
		t.Error("expected RLIMIT_CORE 0")
	}
}
