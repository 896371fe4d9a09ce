package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func TestStrictProfile_DenyByDefault(t *testing.T) {
	p := StrictProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestStrictProfile_NoNetworkSyscalls(t *testing.T) {
	p := StrictProfile()
	for _, name := range []string{"socket", "connect", "bind", "listen", "accept", "sendto"} {
		if allowed(p, name) {
			t.Errorf("strict profile should not allow %q", name)
		}
	}
}

func TestStrictProfile_RuntimeSyscallsAllowed(t *testing.T) {
	p := StrictProfile()
	for _, name := range []string{"execve", "clone", "futex", "sched_getaffinity", "memfd_create", "rseq"} {
		if !allowed(p, name) {
			t.Errorf("strict profile should allow %q", name)
		}
	}
}

func TestStrictProfile_DangerousSyscallsNotAllowed(t *testing.T) {
	p := StrictProfile()
	for _, name := range []string{"ptrace", "mount", "unshare", "setns", "bpf", "kexec_load"} {
		if allowed(p, name) {
			t.Errorf("strict profile should not allow %q", name)
		}
	}
}

func TestStrictProfileJSON_ValidJSON(t *testing.T) {
	data, err := StrictProfileJSON()
	if err != nil {
		t.Fatalf("StrictProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) == 0 {
		t.Error("expected architectures, got none")
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestDockerJSON_Nil(t *testing.T) {
	if _, err := DockerJSON(nil); err == nil {
		t.Error("DockerJSON(nil) should return an error")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
