package runtime

import (
	"regexp"
	"strings"
)

// NodeRuntime configures execution of Node.js code.
type NodeRuntime struct{}

func (n *NodeRuntime) Name() string { return "node" }

func (n *NodeRuntime) Image() string { return "docker.io/library/node:20-slim" }

func (n *NodeRuntime) Command(codePath string) []string {
	return []string{
		"node",
		"--max-old-space-size=256",                // Limit V8 heap
		"--disallow-code-generation-from-strings", // Block eval()
		codePath,
	}
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

func (n *NodeRuntime) Validate(code string) error { return validateSize(code) }

var (
	jsRequire       = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	jsImportFrom    = regexp.MustCompile(`\bimport\s+(?:[\w*{}\s,]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsDynamicImport = regexp.MustCompile(`\bimport\s*\(`)
	jsDynamicReq    = regexp.MustCompile(`\brequire\s*\(\s*[^'"\s)]`)
	jsCodeGen       = regexp.MustCompile(`\bnew\s+Function\s*\(|\beval\s*\(`)
)

func (n *NodeRuntime) Imports(code string) []string {
	var out []string
	for _, m := range jsRequire.FindAllStringSubmatch(code, -1) {
		out = append(out, strings.TrimPrefix(m[1], "node:"))
	}
	for _, m := range jsImportFrom.FindAllStringSubmatch(code, -1) {
		out = append(out, strings.TrimPrefix(m[1], "node:"))
	}
	if jsDynamicImport.MatchString(code) {
		out = append(out, "dynamic:import()")
	}
	if jsDynamicReq.MatchString(code) {
		out = append(out, "dynamic:require")
	}
	if jsCodeGen.MatchString(code) {
		out = append(out, "dynamic:codegen")
	}
	return out
}

func (n *NodeRuntime) DefaultAllowed() []string {
	return []string{
		"assert", "buffer", "events", "string_decoder", "util",
		"url", "querystring", "path", "readline", "crypto",
	}
}

func (n *NodeRuntime) Blocked() []string {
	return []string{
		"fs", "child_process", "net", "dgram", "dns", "http", "https", "http2",
		"tls", "os", "vm", "worker_threads", "cluster", "inspector", "process",
		"v8", "module",
	}
}
