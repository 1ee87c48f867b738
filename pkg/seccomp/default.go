package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Group is a named set of syscalls granted or refused together.
type Group struct {
	Name     string
	Syscalls []string
}

// Groups every job environment gets.
var baseGroups = []Group{
	{"file-io", []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl", "flock",
		"pipe", "pipe2", "readlink", "readlinkat", "getdents64",
		"ftruncate", "fallocate", "fsync", "fdatasync", "copy_file_range",
	}},
	{"filesystem", []string{
		"getcwd", "chdir", "fchdir", "umask",
		"chmod", "fchmod", "fchmodat",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
	}},
	{"memory", []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "memfd_create",
	}},
	{"process", []string{
		"execve", "execveat", "exit", "exit_group", "wait4", "waitid",
		"clone", "clone3", "vfork", "set_tid_address",
		"set_robust_list", "get_robust_list",
		"getrlimit", "prlimit64", "arch_prctl", "prctl",
	}},
	{"threads-signals", []string{
		"futex", "gettid", "tgkill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	}},
	{"time", []string{
		"clock_gettime", "clock_getres", "gettimeofday", "nanosleep", "clock_nanosleep",
	}},
	{"identity", []string{
		"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid", "uname", "sysinfo",
	}},
	{"polling", []string{
		"poll", "ppoll", "select", "pselect6",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
		"getrandom", "ioctl",
	}},
}

// networkGroup is added when an environment may use the network. socket
// itself is granted separately with argument conditions.
var networkGroup = Group{"network", []string{
	"connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt", "getsockname", "getpeername", "shutdown",
}}

// escapeGroup covers tracing, kernel keyring, eBPF and module loading.
// Attempts kill the payload.
var escapeGroup = Group{"escape", []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"keyctl", "add_key", "request_key",
	"bpf", "perf_event_open", "userfaultfd",
	"kexec_load", "kexec_file_load", "finit_module", "init_module", "delete_module",
}}

// hostGroup covers mounts, namespaces and host-global state.
var hostGroup = Group{"host", []string{
	"mount", "umount2", "pivot_root", "fsopen", "fsmount", "move_mount", "open_tree",
	"chroot", "setns", "unshare", "name_to_handle_at", "open_by_handle_at",
	"reboot", "swapon", "swapoff", "sethostname", "setdomainname",
	"acct", "settimeofday", "adjtimex", "clock_adjtime",
	"nfsservctl", "personality", "lookup_dcookie", "ioperm", "iopl",
}}

// Socket domains and types a networked environment may open. SOCK_RAW and
// SOCK_PACKET never match, nor does AF_PACKET or AF_NETLINK.
const (
	afUnix  = 1
	afInet  = 2
	afInet6 = 10

	sockStream = 1
	sockDgram  = 2
	sockType   = 0xf // masks SOCK_NONBLOCK and SOCK_CLOEXEC off the type
)

// Options selects the profile variant.
type Options struct {
	Network bool
}

// Build returns the deny-by-default profile for one environment. Without
// network it has no socket syscalls at all.
func Build(opts Options) *specs.LinuxSeccomp {
	b := NewBuilder()
	for _, g := range baseGroups {
		b.Allow(g.Syscalls...)
	}
	if opts.Network {
		b.Allow(networkGroup.Syscalls...)
		for _, domain := range []uint64{afUnix, afInet, afInet6} {
			for _, typ := range []uint64{sockStream, sockDgram} {
				b.AllowIf("socket",
					Arg{Index: 0, Value: domain, Op: specs.OpEqualTo},
					Arg{Index: 1, Value: sockType, ValueTwo: typ, Op: specs.OpMaskedEqual},
				)
			}
		}
		b.AllowIf("socketpair", Arg{Index: 0, Value: afUnix, Op: specs.OpEqualTo})
	}
	b.Trap(escapeGroup.Syscalls...)
	b.Deny(hostGroup.Syscalls...)
	return b.Build()
}

// DefaultProfile is the profile for environments without network access.
func DefaultProfile() *specs.LinuxSeccomp { return Build(Options{}) }
