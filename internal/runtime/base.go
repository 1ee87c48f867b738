package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxCodeBytes = 1 << 20

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrImportDenied        = errors.New("import not permitted")
)

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "node", "bash").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args to execute the code written to
	// codePath inside the environment.
	Command(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Validate is a cheap pre-check on size and emptiness.
	Validate(code string) error

	// Imports statically extracts the modules the code loads. Constructs
	// that load code by computed name are reported with a "dynamic:" prefix.
	Imports(code string) []string

	// DefaultAllowed is the built-in import allow-list.
	DefaultAllowed() []string

	// Blocked lists modules that are never permitted, even when configured.
	Blocked() []string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&NodeRuntime{})
	r.Register(&GoRuntime{})
	r.Register(&BashRuntime{})
	return r
}

func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	return images
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > maxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}

// ImportError lists the imports that failed the allow-list.
type ImportError struct {
	Language string
	Denied   []string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s not permitted", e.Language, strings.Join(e.Denied, ", "))
}

func (e *ImportError) Is(target error) bool { return target == ErrImportDenied }

// ImportPolicy is a deny-by-default allow-list per language. Everything not
// listed is rejected before the code is loaded.
type ImportPolicy struct {
	overrides map[string][]string
}

// NewImportPolicy creates a policy. Languages in overrides replace the
// runtime's built-in allow-list; the blocked list always applies.
func NewImportPolicy(overrides map[string][]string) *ImportPolicy {
	return &ImportPolicy{overrides: overrides}
}

func (p *ImportPolicy) Allowed(rt Runtime) []string {
	if list, ok := p.overrides[rt.Name()]; ok {
		return list
	}
	return rt.DefaultAllowed()
}

// Check returns an *ImportError when code imports anything outside the
// allow-list, anything blocked, or loads modules dynamically.
func (p *ImportPolicy) Check(rt Runtime, code string) error {
	allowed := p.Allowed(rt)
	blocked := rt.Blocked()

	var denied []string
	seen := make(map[string]bool)
	for _, imp := range rt.Imports(code) {
		if seen[imp] {
			continue
		}
		seen[imp] = true
		if strings.HasPrefix(imp, "dynamic:") || matches(imp, blocked) || !matches(imp, allowed) {
			denied = append(denied, imp)
		}
	}
	if len(denied) > 0 {
		return &ImportError{Language: rt.Name(), Denied: denied}
	}
	return nil
}

// matches reports whether name is one of list or a submodule of one.
func matches(name string, list []string) bool {
	for _, l := range list {
		if name == l || strings.HasPrefix(name, l+".") || strings.HasPrefix(name, l+"/") {
			return true
		}
	}
	return false
}
