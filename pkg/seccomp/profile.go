package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// eperm is returned for every syscall the profile does not allow.
const eperm uint = 1

// Arg is one argument condition. All conditions of a rule must hold for the
// rule to match. For OpMaskedEqual, Value is the mask and ValueTwo the
// expected result.
type Arg struct {
	Index    uint
	Value    uint64
	ValueTwo uint64
	Op       specs.LinuxSeccompOperator
}

// Builder assembles a deny-by-default seccomp filter rule by rule.
type Builder struct {
	archs []specs.Arch
	rules []specs.LinuxSyscall
}

func NewBuilder() *Builder {
	return &Builder{archs: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64}}
}

func (b *Builder) add(action specs.LinuxSeccompAction, names []string, args []Arg) *Builder {
	if len(names) == 0 {
		return b
	}
	rule := specs.LinuxSyscall{Names: append([]string(nil), names...), Action: action}
	for _, a := range args {
		rule.Args = append(rule.Args, specs.LinuxSeccompArg{
			Index:    a.Index,
			Value:    a.Value,
			ValueTwo: a.ValueTwo,
			Op:       a.Op,
		})
	}
	if action == specs.ActErrno {
		errno := eperm
		rule.ErrnoRet = &errno
	}
	b.rules = append(b.rules, rule)
	return b
}

// Allow lets names through unconditionally.
func (b *Builder) Allow(names ...string) *Builder { return b.add(specs.ActAllow, names, nil) }

// AllowIf lets name through only when every argument condition holds.
// Calling it several times for one syscall ORs the condition sets.
func (b *Builder) AllowIf(name string, args ...Arg) *Builder {
	return b.add(specs.ActAllow, []string{name}, args)
}

// Deny fails names with EPERM. Useful to document intent; the default action
// already denies.
func (b *Builder) Deny(names ...string) *Builder { return b.add(specs.ActErrno, names, nil) }

// Trap delivers SIGSYS, killing a payload that attempts names.
func (b *Builder) Trap(names ...string) *Builder { return b.add(specs.ActTrap, names, nil) }

func (b *Builder) Architectures(archs ...specs.Arch) *Builder {
	b.archs = archs
	return b
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	errno := eperm
	return &specs.LinuxSeccomp{
		DefaultAction:   specs.ActErrno,
		DefaultErrnoRet: &errno,
		Architectures:   append([]specs.Arch(nil), b.archs...),
		Syscalls:        append([]specs.LinuxSyscall(nil), b.rules...),
	}
}
