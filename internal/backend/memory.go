package backend

import (
	"errors"
	"fmt"
)

// ErrMemoryUnknown is returned on hosts where available memory cannot be
// read.
var ErrMemoryUnknown = errors.New("host memory unknown")

// Memory is the host RAM picture in bytes.
type Memory struct {
	Total     uint64
	Available uint64
}

// InsufficientMemoryError reports a model that does not fit.
type InsufficientMemoryError struct {
	Device    Device
	Need      uint64
	Available uint64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("%s: model needs %s but only %s available",
		e.Device, FormatBytes(e.Need), FormatBytes(e.Available))
}

// CheckFits returns an *InsufficientMemoryError when need exceeds the
// available host memory.
func CheckFits(need uint64, mem Memory) error {
	if need > mem.Available {
		return &InsufficientMemoryError{Device: CPU, Need: need, Available: mem.Available}
	}
	return nil
}

func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
