//go:build !linux

package backend

func HostMemory() (Memory, error) {
	return Memory{}, ErrMemoryUnknown
}
