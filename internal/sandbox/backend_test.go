package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"bug-ghost-sandbox/internal/config"
)

func TestNewBackend_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig().Sandbox
	cfg.Backend = "podman"

	if _, err := NewBackend(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Sandbox
	cfg.Limits.MemoryMB = 512
	cfg.Limits.CPUQuota = 1
	cfg.Seccomp = SeccompStrict

	p, err := PolicyFromConfig(cfg)
	if err != nil {
		t.Fatalf("PolicyFromConfig() error = %v", err)
	}
	if p.MemoryBytes != 512<<20 {
		t.Errorf("MemoryBytes = %d", p.MemoryBytes)
	}
	if p.CPUQuota != 100000 {
		t.Errorf("CPUQuota = %d", p.CPUQuota)
	}
	if p.SeccompMode() != SeccompStrict {
		t.Errorf("SeccompMode() = %q", p.SeccompMode())
	}

	cfg.Limits.PidsLimit = 1
	if _, err := PolicyFromConfig(cfg); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("PolicyFromConfig() error = %v, want ErrInvalidPolicy", err)
	}
}

func TestRunnerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig().Sandbox
	cfg.MaxConcurrent = 3
	cfg.StopGrace = 4 * time.Second
	cfg.OutputLimitBytes = 4096

	rc := RunnerConfigFrom(cfg)
	if rc.MaxConcurrent != 3 || rc.StopGrace != 4*time.Second || rc.OutputLimit != 4096 {
		t.Errorf("RunnerConfigFrom() = %+v", rc)
	}
	if rc.DefaultTimeout != cfg.DefaultTimeout || rc.MaxTimeout != cfg.MaxTimeout {
		t.Errorf("timeouts = %s/%s", rc.DefaultTimeout, rc.MaxTimeout)
	}
}
