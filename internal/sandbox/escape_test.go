package sandbox

import (
	"context"
	"testing"
	"time"

	"sandbox-governor/internal/config"
	"sandbox-governor/internal/monitor"
)

// setupRealManager opens whatever container runtime the host has.
// Skips when none is available.
func setupRealManager(t *testing.T) *Manager {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping runtime test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.DefaultConfig().Sandbox
	cfg.Namespace = "sandbox-test"
	drivers, err := NewDrivers(ctx, cfg)
	if err != nil {
		t.Skipf("no container runtime available, skipping: %v", err)
	}

	// The scanner is off so the runtime confinement itself is under test.
	m, err := NewManager(ManagerConfig{WorkRoot: t.TempDir(), BlockCritical: false}, monitor.NewMetrics(), drivers...)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestEscapeAttempts(t *testing.T) {
	m := setupRealManager(t)

	tests := []struct {
		name string
		code string
	}{
		{"read /etc/shadow", "cat /etc/shadow"},
		{"mount filesystem", "mount -t tmpfs none /mnt"},
		{"network request", "wget -q -T 3 -O- http://1.1.1.1"},
		{"raw socket ping", "ping -c 1 -W 1 127.0.0.1"},
		{"write root filesystem", "echo pwned > /pwned.txt"},
		{"read runtime socket", "ls /var/run/docker.sock /run/containerd/containerd.sock"},
		{"change owner", "chown 0:0 /tmp"},
		{"load kernel module", "insmod /lib/modules/evil.ko"},
		{"exec from tmp", "cp /bin/sh /tmp/sh && /tmp/sh -c true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			req := EnvironmentRequest{
				JobID:    "escape-test",
				CallerID: "tester",
				Language: "bash",
				Code:     tt.code + "\n",
				Limits:   DefaultLimits(),
			}
			err := m.WithEnvironment(ctx, req, func(env *Environment) error {
				p, err := env.Start(ctx)
				if err != nil {
					return err
				}
				code, err := env.Wait(ctx, p, 20*time.Second)
				if err != nil {
					return err
				}
				if code == 0 {
					out, _ := env.ExportLog(4096)
					t.Errorf("%q succeeded inside the sandbox; output: %s", tt.code, out)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("environment error: %v", err)
			}
		})
	}

	if n := m.Active(); n != 0 {
		t.Errorf("Active() = %d after all environments closed", n)
	}
	if leaks := m.Leaked(); len(leaks) != 0 {
		t.Errorf("leaked environments: %+v", leaks)
	}
}

func TestForkBombHitsPidLimit(t *testing.T) {
	m := setupRealManager(t)
	ctx := context.Background()

	req := EnvironmentRequest{
		Language: "bash",
		Code:     "for i in $(seq 1 200); do sleep 5 & done; wait\n",
		Limits:   DefaultLimits(),
	}
	err := m.WithEnvironment(ctx, req, func(env *Environment) error {
		p, err := env.Start(ctx)
		if err != nil {
			return err
		}
		code, err := env.Wait(ctx, p, 30*time.Second)
		if err == nil && code == 0 {
			t.Error("spawning 200 processes under a 20 pid limit should fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("environment error: %v", err)
	}
}
