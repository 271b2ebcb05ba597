package runtime

import "fmt"

// RustRuntime configures execution of Rust source files. Rust has no
// interpreter, so the command compiles the source with rustc before
// running the resulting binary; both steps share the same wall-clock
// deadline as a single exec.
type RustRuntime struct{}

func (r *RustRuntime) Name() string { return "rust" }

func (r *RustRuntime) Image() string { return "docker.io/library/rust:1.82-slim" }

func (r *RustRuntime) Command(codePath string) []string {
	binPath := codePath[:len(codePath)-len(".rs")] + ".bin"
	return []string{
		"/bin/sh", "-c",
		fmt.Sprintf("rustc -O -o %s %s && %s", binPath, codePath, binPath),
	}
}

func (r *RustRuntime) FileExtension() string { return "rs" }

func (r *RustRuntime) Validate(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > maxValidateBytes {
		return fmt.Errorf("code too large: %d bytes (max %d)", len(code), maxValidateBytes)
	}
	return nil
}
