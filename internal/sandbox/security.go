package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"sandboxd/pkg/seccomp"
)

// SecurityProfile is the constraint bundle every spawned container
// must carry (§4.C). It is a pure function of configuration and is
// immutable once built; both engine variants (Docker, containerd)
// translate the same profile into their native shape.
type SecurityProfile struct {
	MemoryLimitBytes int64
	CPUQuota         int64
	CPUPeriod        int64
	PidsLimit        int64
	ReadOnlyRootfs   bool
	DropCapabilities bool
	NetworkDisabled  bool

	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

const (
	workspaceTmpfsSizeMB = 100
	sandboxUID           = 1000
	sandboxGID           = 1000
)

// BuildSecurityProfile turns a ResourceLimits + engine-wide policy
// flags into the constraint bundle every container must carry.
func BuildSecurityProfile(limits ResourceLimits, readOnlyRootfs, dropCapabilities, networkDisabled bool) SecurityProfile {
	caps := []string{}
	if !dropCapabilities {
		caps = []string{"CHOWN", "DAC_OVERRIDE", "SETUID", "SETGID"}
	}

	return SecurityProfile{
		MemoryLimitBytes: limits.MemoryMB * 1024 * 1024,
		CPUQuota:         limits.CPUQuota,
		CPUPeriod:        limits.CPUPeriod,
		PidsLimit:        limits.PidsLimit,
		ReadOnlyRootfs:   readOnlyRootfs,
		DropCapabilities: dropCapabilities,
		NetworkDisabled:  networkDisabled,

		Seccomp:      seccomp.DefaultProfile(),
		Capabilities: caps,
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.UserNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
			"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug",
			"/proc/scsi", "/sys/firmware", "/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq",
			"/proc/sys", "/proc/sysrq-trigger",
		},
	}
}

// NetworkAllowedProfile is the same profile but with network enabled
// and a permissive-network seccomp filter.
func NetworkAllowedProfile(limits ResourceLimits, readOnlyRootfs, dropCapabilities bool) SecurityProfile {
	p := BuildSecurityProfile(limits, readOnlyRootfs, dropCapabilities, false)
	p.Seccomp = seccomp.NetworkAllowProfile()
	return p
}

// ApplyToOCISpec mutates spec in place to carry the profile, for the
// containerd engine variant.
func (p SecurityProfile) ApplyToOCISpec(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = p.Seccomp
	spec.Process.Capabilities.Bounding = p.Capabilities
	spec.Process.Capabilities.Effective = p.Capabilities
	spec.Process.Capabilities.Inheritable = p.Capabilities
	spec.Process.Capabilities.Permitted = p.Capabilities
	spec.Process.Capabilities.Ambient = p.Capabilities

	spec.Linux.Namespaces = p.Namespaces
	spec.Linux.MaskedPaths = p.MaskedPaths
	spec.Linux.ReadonlyPaths = p.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: sandboxUID, GID: sandboxGID}

	if spec.Root != nil {
		spec.Root.Readonly = p.ReadOnlyRootfs
	}

	period := uint64(p.CPUPeriod)
	quota := p.CPUQuota
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	spec.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &p.MemoryLimitBytes, Swap: &p.MemoryLimitBytes}
	spec.Linux.Resources.Pids = &specs.LinuxPids{Limit: p.PidsLimit}

	if p.ReadOnlyRootfs {
		spec.Mounts = appendTmpfsIfNotExists(spec.Mounts, "/workspace")
	}
	spec.Mounts = appendTmpfsIfNotExists(spec.Mounts, "/tmp")

	netMode := "bridge"
	if p.NetworkDisabled {
		netMode = "none"
	}
	spec.Annotations = mergeAnnotations(spec.Annotations, map[string]string{"network.mode": netMode})
}

func appendTmpfsIfNotExists(mounts []specs.Mount, dest string) []specs.Mount {
	for _, m := range mounts {
		if m.Destination == dest {
			return mounts
		}
	}
	return append(mounts, specs.Mount{
		Destination: dest,
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%dm", workspaceTmpfsSizeMB),
			fmt.Sprintf("uid=%d", sandboxUID),
			fmt.Sprintf("gid=%d", sandboxGID),
			"mode=1777",
		},
	})
}

func mergeAnnotations(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ToDockerHostConfig translates the profile into a Docker Engine API
// HostConfig, for the Docker engine variant.
func (p SecurityProfile) ToDockerHostConfig() *container.HostConfig {
	hc := &container.HostConfig{
		Resources: container.Resources{
			Memory:     p.MemoryLimitBytes,
			MemorySwap: p.MemoryLimitBytes,
			CPUQuota:   p.CPUQuota,
			CPUPeriod:  p.CPUPeriod,
			PidsLimit:  &p.PidsLimit,
		},
		ReadonlyRootfs: p.ReadOnlyRootfs,
		SecurityOpt:    []string{"no-new-privileges"},
		Privileged:     false,
		AutoRemove:     false, // the pool/driver controls removal explicitly
	}

	if p.ReadOnlyRootfs {
		hc.Tmpfs = map[string]string{
			"/workspace": fmt.Sprintf("rw,nosuid,size=%dm,uid=%d,gid=%d,mode=1777", workspaceTmpfsSizeMB, sandboxUID, sandboxGID),
		}
	}

	if p.DropCapabilities {
		hc.CapDrop = []string{"ALL"}
	}
	if len(p.Capabilities) > 0 {
		hc.CapAdd = p.Capabilities
	}

	if p.NetworkDisabled {
		hc.NetworkMode = "none"
	} else {
		hc.NetworkMode = "bridge"
	}

	return hc
}
