package sandbox

import "fmt"

// maxCodeBytes is fixed by the spec, not configurable.
const maxCodeBytes = 100_000

// MaxCodeBytes exposes the fixed code-size ceiling for callers outside
// the package (the /config endpoint).
func MaxCodeBytes() int { return maxCodeBytes }

// LimitsPolicy validates requested resource usage against configured
// maxima. It carries no state beyond the maxima themselves and is
// safe for concurrent use.
type LimitsPolicy struct {
	MaxMemoryMB    int64
	MaxCPUTimeSec  int64
	MaxProcesses   int64
}

// DefaultLimitsPolicy returns the default upper bounds a request may
// ask for; they sit above ResourceLimits' own per-container defaults
// (e.g. 512 MiB allowed here versus 256 MiB applied by default).
func DefaultLimitsPolicy() LimitsPolicy {
	return LimitsPolicy{
		MaxMemoryMB:   512,
		MaxCPUTimeSec: 300,
		MaxProcesses:  50,
	}
}

// ValidateMemory checks a requested memory allowance in MiB.
func (p LimitsPolicy) ValidateMemory(requestedMB int64) error {
	if requestedMB > p.MaxMemoryMB {
		return &Error{
			Kind:    KindResourceLimitExceeded,
			Message: fmt.Sprintf("memory limit exceeded: requested %dMB, max %dMB", requestedMB, p.MaxMemoryMB),
		}
	}
	return nil
}

// ValidateTimeout checks a requested timeout in seconds.
func (p LimitsPolicy) ValidateTimeout(timeoutSeconds int64) error {
	if timeoutSeconds > p.MaxCPUTimeSec {
		return &Error{
			Kind:    KindResourceLimitExceeded,
			Message: fmt.Sprintf("timeout limit exceeded: requested %ds, max %ds", timeoutSeconds, p.MaxCPUTimeSec),
		}
	}
	return nil
}

// ValidateCodeSize checks a code byte length against the fixed 100,000
// byte ceiling.
func (p LimitsPolicy) ValidateCodeSize(n int) error {
	if n > maxCodeBytes {
		return &Error{Kind: KindCodeTooLarge, Message: fmt.Sprintf("code size %d exceeds %d byte limit", n, maxCodeBytes)}
	}
	return nil
}

// ResourceLimits is the concrete per-container resource bundle
// (§4.C): the Security Profile Builder turns this into engine-specific
// host config.
type ResourceLimits struct {
	CPUQuota  int64 // microseconds of CPU time per Period
	CPUPeriod int64 // microseconds, fixed at 100000
	MemoryMB  int64
	PidsLimit int64
	DiskMB    int64 // tmpfs size for /workspace
}

// DefaultResourceLimits mirrors DefaultLimitsPolicy's maxima scaled to
// a single execution's default allowance.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPUQuota:  50_000, // 0.5 CPU
		CPUPeriod: 100_000,
		MemoryMB:  256,
		PidsLimit: 50,
		DiskMB:    100,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}
