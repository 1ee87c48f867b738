package runtime

import (
	"regexp"
	"strings"
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"-I", // Isolated: ignore PYTHON* env and user site
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Validate(code string) error { return validateSize(code) }

var (
	pyImport     = regexp.MustCompile(`^import\s+(.+)$`)
	pyFromImport = regexp.MustCompile(`^from\s+([\w.]+)\s+import\b`)
	pyDynamic    = regexp.MustCompile(`(?:^|[^\w.])(__import__|__builtins__|exec|eval|compile)\s*[\(\[.]`)
)

func (p *PythonRuntime) Imports(code string) []string {
	var out []string
	for _, raw := range strings.Split(code, "\n") {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}
		for _, stmt := range strings.Split(raw, ";") {
			stmt = strings.TrimSpace(stmt)
			if m := pyFromImport.FindStringSubmatch(stmt); m != nil {
				if !strings.HasPrefix(m[1], ".") {
					out = append(out, m[1])
				}
			} else if m := pyImport.FindStringSubmatch(stmt); m != nil {
				for _, part := range strings.Split(m[1], ",") {
					fields := strings.Fields(part)
					if len(fields) > 0 {
						out = append(out, strings.Trim(fields[0], "()"))
					}
				}
			}
			for _, m := range pyDynamic.FindAllStringSubmatch(stmt, -1) {
				out = append(out, "dynamic:"+m[1])
			}
		}
	}
	return out
}

func (p *PythonRuntime) DefaultAllowed() []string {
	return []string{
		"numpy", "pandas", "scipy", "sklearn", "tensorflow", "torch",
		"qiskit", "cirq", "pennylane",
		"math", "cmath", "statistics", "random", "decimal", "fractions",
		"json", "re", "string", "textwrap", "datetime", "time",
		"collections", "itertools", "functools", "operator", "heapq", "bisect",
		"typing", "dataclasses", "enum", "copy", "abc",
	}
}

func (p *PythonRuntime) Blocked() []string {
	return []string{
		"os", "sys", "subprocess", "socket", "threading", "multiprocessing",
		"ctypes", "cffi", "mmap", "fcntl", "signal", "resource", "psutil",
		"docker", "importlib", "pty", "shutil", "pickle", "marshal",
	}
}
