// Package backend selects the compute device a session runs on.
package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Device is the compute device a model is placed on. CUDA is the
// accelerator.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
	Auto Device = "auto"
)

func (d Device) String() string { return string(d) }

// ErrAcceleratorUnavailable is returned when the accelerator was requested
// explicitly but the probe found none.
var ErrAcceleratorUnavailable = errors.New("accelerator unavailable")

// Capabilities is what a host probe reports.
type Capabilities struct {
	// Runtime is true when the ONNX Runtime library loaded.
	Runtime bool
	// Accelerator is true when the CUDA execution provider can be attached.
	Accelerator bool
	// Reason says why the accelerator is missing.
	Reason string
}

// Prober reports host capabilities.
type Prober interface {
	Probe() Capabilities
}

// Static is a Prober that always reports the same capabilities.
type Static Capabilities

func (s Static) Probe() Capabilities { return Capabilities(s) }

func Normalize(name string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(name)))
	if d == "" {
		return Auto, nil
	}
	switch d {
	case CPU, CUDA, Auto:
		return d, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", name)
	}
}

// Select resolves the requested backend against the probe. Auto prefers the
// accelerator. A nil probe reports CPU only.
func Select(requested string, probe Prober) (Device, error) {
	req, err := Normalize(requested)
	if err != nil {
		return "", err
	}
	if req == CPU {
		return CPU, nil
	}

	var caps Capabilities
	if probe != nil {
		caps = probe.Probe()
	}
	if caps.Accelerator {
		return CUDA, nil
	}
	if req == CUDA {
		reason := caps.Reason
		if reason == "" {
			reason = "no accelerator detected"
		}
		return "", fmt.Errorf("%w: %s", ErrAcceleratorUnavailable, reason)
	}
	return CPU, nil
}

// Available returns a comma-separated list of usable devices.
func Available(probe Prober) string {
	entries := []string{string(CPU)}
	if probe != nil && probe.Probe().Accelerator {
		entries = append(entries, string(CUDA))
	}
	return strings.Join(entries, ",")
}
