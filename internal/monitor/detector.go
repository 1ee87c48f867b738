package monitor

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// EscapeDetector scans job code before it is loaded into an environment and
// the exported execution log after it finishes. Code findings at or above the
// blocking severity turn into restriction failures.
type EscapeDetector struct {
	patterns []DetectionPattern
	block    Severity
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one match of a pattern.
type Detection struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"-"`
	Level    string   `json:"severity"`
	Detail   string   `json:"detail"`
	Line     int      `json:"line,omitempty"`
}

// Findings is the result of a scan.
type Findings []Detection

// Highest returns the most severe finding level, or -1 when empty.
func (f Findings) Highest() Severity {
	highest := Severity(-1)
	for _, d := range f {
		if d.Severity > highest {
			highest = d.Severity
		}
	}
	return highest
}

// Names lists the distinct pattern names in order of first appearance.
func (f Findings) Names() []string {
	seen := make(map[string]bool, len(f))
	var names []string
	for _, d := range f {
		if !seen[d.Pattern] {
			seen[d.Pattern] = true
			names = append(names, d.Pattern)
		}
	}
	return names
}

// NewEscapeDetector creates a detector with the default patterns that blocks
// critical findings.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		block:    SeverityCritical,
	}
}

// WithBlockingSeverity returns a copy of d that blocks at sev and above.
func (d *EscapeDetector) WithBlockingSeverity(sev Severity) *EscapeDetector {
	return &EscapeDetector{patterns: d.patterns, block: sev}
}

// Blocks reports whether any finding reaches the blocking severity.
func (d *EscapeDetector) Blocks(f Findings) bool {
	return len(f) > 0 && f.Highest() >= d.block
}

// AnalyzeCode checks code line by line for suspicious patterns.
func (d *EscapeDetector) AnalyzeCode(logger zerolog.Logger, code string) Findings {
	var findings Findings

	sc := bufio.NewScanner(strings.NewReader(code))
	sc.Buffer(make([]byte, 0, 64*1024), len(code)+1)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			findings = append(findings, Detection{
				Pattern:  p.Name,
				Severity: p.Severity,
				Level:    p.Severity.String(),
				Detail:   p.Description,
				Line:     n,
			})
			logger.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", n).
				Msg("suspicious pattern in job code")
		}
	}

	return findings
}

var outputPatterns = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"host_info_leak", "host:", SeverityMedium},
	{"kernel_leak", "Linux version", SeverityHigh},
	{"root_access", "root:x:0:0", SeverityCritical},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
}

// AnalyzeOutput checks an execution log for signs of a successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) Findings {
	var findings Findings
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			findings = append(findings, Detection{
				Pattern:  p.name,
				Severity: p.sev,
				Level:    p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return findings
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_mount_access",
			Description: "Attempting to access runtime sockets",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Potential kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "Attempting to manipulate capabilities",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|cap_net_raw|setcap|getcap|capsh)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging or injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "raw_memory",
			Description: "Accessing physical or kernel memory devices",
			Regex:       regexp.MustCompile(`/dev/(k?mem|port)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Unbounded process creation",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;|while\s+True:\s*os\.fork`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "symlink_race",
			Description: "Potential symlink race attack",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/proc|ln\s+-sf?\s+/sys|ln\s+-sf?\s+/dev`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
