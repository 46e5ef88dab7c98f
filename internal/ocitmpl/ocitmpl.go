// Package ocitmpl builds the OCI runtime configuration document each
// container's bundle carries, following the mount, namespace, and hardening
// layout the reference control plane uses.
package ocitmpl

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Params configures a single container's bundle.
type Params struct {
	RootfsPath        string
	ControlSocketPath string
	SocketSource      string
	Command           []string
	MemoryLimitBytes  int64
	CPUQuota          int64
	CPUPeriod         int64
}

// Build returns the OCI runtime spec for a single request-scoped container:
// a read-only shared rootfs, the rendezvous socket bind-mounted read-only,
// six namespaces (pid, network, ipc, uts, mount, cgroup), and the resource caps and hardening the control plane
// applies to every container uniformly.
func Build(p Params) *specs.Spec {
	return &specs.Spec{
		Version: "1.0.0",
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     p.Command,
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			},
			Cwd:             "/",
			NoNewPrivileges: true,
		},
		Root: &specs.Root{
			Path:     p.RootfsPath,
			Readonly: true,
		},
		Mounts: append([]specs.Mount{
			{
				Destination: p.ControlSocketPath,
				Type:        "bind",
				Source:      p.SocketSource,
				Options:     []string{"bind", "ro"},
			},
		}, standardMounts()...),
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.NetworkNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.CgroupNamespace},
			},
			Resources: &specs.LinuxResources{
				Memory: &specs.LinuxMemory{Limit: int64Ptr(p.MemoryLimitBytes)},
				CPU: &specs.LinuxCPU{
					Quota:  int64Ptr(p.CPUQuota),
					Period: uint64Ptr(uint64(p.CPUPeriod)),
				},
			},
			MaskedPaths: []string{
				"/proc/kcore",
				"/proc/latency_stats",
				"/sys/firmware",
			},
			ReadonlyPaths: []string{
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
		},
	}
}

// standardMounts is the conventional pseudo-filesystem set every OCI
// container needs regardless of workload.
func standardMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{
			Destination: "/dev",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{
			Destination: "/dev/pts",
			Type:        "devpts",
			Source:      "devpts",
			Options:     []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"},
		},
		{
			Destination: "/dev/shm",
			Type:        "tmpfs",
			Source:      "shm",
			Options:     []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
		},
		{
			Destination: "/dev/mqueue",
			Type:        "mqueue",
			Source:      "mqueue",
			Options:     []string{"nosuid", "noexec", "nodev"},
		},
		{
			Destination: "/sys",
			Type:        "sysfs",
			Source:      "sysfs",
			Options:     []string{"nosuid", "noexec", "nodev", "ro"},
		},
		{
			Destination: "/sys/fs/cgroup",
			Type:        "cgroup",
			Source:      "cgroup",
			Options:     []string{"nosuid", "noexec", "nodev", "relatime", "ro"},
		},
		{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "nodev", "mode=1777"},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }
func uint64Ptr(v uint64) *uint64 { return &v }
