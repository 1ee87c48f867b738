package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"sandbox-governor/pkg/seccomp"
)

// nobody is the uid and gid every payload runs as.
const nobody = 65534

// Host information a payload could use to fingerprint or attack the node.
var hiddenPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

// Kernel tunables stay visible but cannot be written.
var frozenPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// isolatedNamespaces are unshared for every environment. The network
// namespace is kept even when network access is granted, so the payload
// never sees host interfaces.
var isolatedNamespaces = []specs.LinuxNamespaceType{
	specs.PIDNamespace,
	specs.NetworkNamespace,
	specs.MountNamespace,
	specs.UTSNamespace,
	specs.IPCNamespace,
	specs.UserNamespace,
	specs.CgroupNamespace,
}

// SecurityProfile is the confinement applied to every environment. The
// capability set is always empty: with no CAP_NET_RAW, CAP_SYS_ADMIN or
// CAP_SYS_PTRACE, raw sockets, mounts and tracing fail even if a syscall
// got past the seccomp filter.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
	OOMScoreAdj   int
	// IDMapping maps container IDs 0..Size-1 onto an unprivileged host range.
	IDMapping specs.LinuxIDMapping
}

// SecurityProfileFor returns the profile for an environment with or without
// network access. Only the syscall filter differs.
func SecurityProfileFor(network bool) SecurityProfile {
	ns := make([]specs.LinuxNamespace, len(isolatedNamespaces))
	for i, t := range isolatedNamespaces {
		ns[i] = specs.LinuxNamespace{Type: t}
	}
	return SecurityProfile{
		Seccomp:       seccomp.For(network),
		Namespaces:    ns,
		MaskedPaths:   append([]string(nil), hiddenPaths...),
		ReadonlyPaths: append([]string(nil), frozenPaths...),
		// Payloads are the first thing the kernel kills under memory pressure.
		OOMScoreAdj: 1000,
		IDMapping:   specs.LinuxIDMapping{ContainerID: 0, HostID: 100000, Size: 65536},
	}
}

// ApplySecurityProfile writes profile into an OCI spec. It must run after
// any option that would otherwise reset capabilities or the user.
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	none := []string{}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: nobody, GID: nobody}
	oom := profile.OOMScoreAdj
	spec.Process.OOMScoreAdj = &oom

	spec.Linux.Seccomp = profile.Seccomp
	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.UIDMappings, spec.Linux.GIDMappings = nil, nil
	if profile.IDMapping.Size > 0 && hasNamespace(profile.Namespaces, specs.UserNamespace) {
		spec.Linux.UIDMappings = []specs.LinuxIDMapping{profile.IDMapping}
		spec.Linux.GIDMappings = []specs.LinuxIDMapping{profile.IDMapping}
	}
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}

func hasNamespace(ns []specs.LinuxNamespace, t specs.LinuxNamespaceType) bool {
	for _, n := range ns {
		if n.Type == t {
			return true
		}
	}
	return false
}
