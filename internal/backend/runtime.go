package backend

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv names the environment variable holding the onnxruntime shared
// library path.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var ErrNoRuntime = errors.New("onnxruntime shared library not configured")

// The ONNX Runtime environment is process global. Users share it through
// AcquireRuntime and ReleaseRuntime.
var ortEnv struct {
	mu   sync.Mutex
	refs int
	path string
}

// LibraryPath returns explicit when set, else the value of LibraryEnv.
func LibraryPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(LibraryEnv)
}

// AcquireRuntime initialises ONNX Runtime from lib on first use. Every
// successful call must be paired with ReleaseRuntime.
func AcquireRuntime(lib string) error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()

	if ortEnv.refs > 0 {
		if lib != "" && lib != ortEnv.path {
			return fmt.Errorf("onnxruntime already initialised from %s", ortEnv.path)
		}
		ortEnv.refs++
		return nil
	}
	if lib == "" {
		return ErrNoRuntime
	}
	if _, err := os.Stat(lib); err != nil {
		return fmt.Errorf("onnxruntime library: %w", err)
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	ortEnv.refs = 1
	ortEnv.path = lib
	return nil
}

// ReleaseRuntime drops one reference and tears the environment down when
// the last user is gone.
func ReleaseRuntime() error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()

	if ortEnv.refs == 0 {
		return nil
	}
	ortEnv.refs--
	if ortEnv.refs > 0 {
		return nil
	}
	ortEnv.path = ""
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy onnxruntime: %w", err)
	}
	return nil
}

// CUDASessionOptions returns session options with the CUDA execution
// provider attached for the given device id. The caller destroys them.
func CUDASessionOptions(deviceID int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": fmt.Sprint(deviceID)}); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	return opts, nil
}

// ORTProbe asks ONNX Runtime whether the CUDA execution provider can be
// attached. The answer is computed once.
type ORTProbe struct {
	Library string

	once sync.Once
	caps Capabilities
}

func NewORTProbe(lib string) *ORTProbe {
	return &ORTProbe{Library: LibraryPath(lib)}
}

func (p *ORTProbe) Probe() Capabilities {
	p.once.Do(func() { p.caps = probeORT(p.Library) })
	return p.caps
}

func probeORT(lib string) Capabilities {
	if err := AcquireRuntime(lib); err != nil {
		return Capabilities{Reason: err.Error()}
	}
	defer ReleaseRuntime()

	opts, err := CUDASessionOptions(0)
	if err != nil {
		return Capabilities{Runtime: true, Reason: "cuda execution provider: " + err.Error()}
	}
	_ = opts.Destroy()
	return Capabilities{Runtime: true, Accelerator: true}
}
