package runtime

// BashRuntime configures execution of shell scripts.
type BashRuntime struct{}

func (b *BashRuntime) Name() string { return "bash" }

func (b *BashRuntime) Image() string { return "docker.io/library/alpine:3.19" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{
		"/bin/sh",
		"-e", // Exit on error
		"-u", // Treat unset variables as error
		codePath,
	}
}

func (b *BashRuntime) FileExtension() string { return ".sh" }

func (b *BashRuntime) Validate(code string) error { return validateSize(code) }

// Imports is empty: shell scripts have no module system. They are confined
// by the seccomp profile and escape-pattern scan only.
func (b *BashRuntime) Imports(string) []string { return nil }

func (b *BashRuntime) DefaultAllowed() []string { return nil }

func (b *BashRuntime) Blocked() []string { return nil }
