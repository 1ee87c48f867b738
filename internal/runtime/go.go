package runtime

import (
	"go/parser"
	"go/token"
	"strconv"
)

// GoRuntime configures execution of Go code.
type GoRuntime struct{}

func (g *GoRuntime) Name() string { return "go" }

func (g *GoRuntime) Image() string { return "docker.io/library/golang:1.24-alpine" }

func (g *GoRuntime) Command(codePath string) []string {
	return []string{"go", "run", codePath}
}

func (g *GoRuntime) FileExtension() string { return ".go" }

func (g *GoRuntime) Validate(code string) error { return validateSize(code) }

// Imports parses the import block. Code that does not parse reports
// "dynamic:unparsable" so it fails the allow-list instead of slipping through.
func (g *GoRuntime) Imports(code string) []string {
	f, err := parser.ParseFile(token.NewFileSet(), "main.go", code, parser.ImportsOnly)
	if err != nil {
		return []string{"dynamic:unparsable"}
	}
	out := make([]string, 0, len(f.Imports))
	for _, spec := range f.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		if path == "C" {
			path = "dynamic:cgo"
		}
		out = append(out, path)
	}
	return out
}

func (g *GoRuntime) DefaultAllowed() []string {
	return []string{
		"fmt", "math", "strings", "strconv", "sort", "slices", "maps",
		"errors", "bytes", "unicode", "time", "container", "encoding/json",
		"encoding/hex", "encoding/base64", "regexp", "bufio", "text/tabwriter",
	}
}

func (g *GoRuntime) Blocked() []string {
	return []string{
		"os", "syscall", "unsafe", "net", "plugin", "runtime/cgo",
		"golang.org/x/sys", "io/fs", "path/filepath",
	}
}
