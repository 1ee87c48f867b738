package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// FileName is the name WriteProfile uses inside an environment's workdir.
const FileName = "seccomp.json"

// For returns the profile for an environment with or without network access.
func For(network bool) *specs.LinuxSeccomp {
	return Build(Options{Network: network})
}

// WriteProfile writes the profile for network into dir, in the format
// `docker create --security-opt seccomp=<file>` accepts, and returns its path.
func WriteProfile(dir string, network bool) (string, error) {
	data, err := json.MarshalIndent(For(network), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return path, nil
}

// Allowed returns every syscall name the profile allows unconditionally.
func Allowed(p *specs.LinuxSeccomp) map[string]bool {
	out := make(map[string]bool)
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow || len(rule.Args) > 0 {
			continue
		}
		for _, name := range rule.Names {
			out[name] = true
		}
	}
	return out
}

// Conditional returns the argument condition sets under which name is
// allowed. An unconditional allow is reported as one empty set.
func Conditional(p *specs.LinuxSeccomp, name string) [][]specs.LinuxSeccompArg {
	var out [][]specs.LinuxSeccompArg
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				out = append(out, rule.Args)
			}
		}
	}
	return out
}
