//go:build linux

package backend

import (
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// HostMemory reads MemTotal and MemAvailable from /proc/meminfo. Kernels that
// do not report MemAvailable fall back to sysinfo(2), counting buffers as
// available.
func HostMemory() (Memory, error) {
	if mem, err := meminfo(procfs.DefaultMountPoint); err == nil {
		return mem, nil
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Memory{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return Memory{
		Total:     uint64(info.Totalram) * unit,
		Available: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit,
	}, nil
}

func meminfo(mountPoint string) (Memory, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return Memory{}, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return Memory{}, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return Memory{}, ErrMemoryUnknown
	}
	return Memory{Total: *mi.MemTotal * 1024, Available: *mi.MemAvailable * 1024}, nil
}
