// Package onnx wraps the ONNX Runtime environment: shared library lookup,
// one-time initialization, session options and input tensors.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/yalue/onnxruntime_go"
)

const (
	osLinux    = "linux"
	osDarwin   = "darwin"
	osWindows  = "windows"
	libLinux   = "libonnxruntime.so"
	libDarwin  = "libonnxruntime.dylib"
	libWindows = "onnxruntime.dll"
)

// EnvLibraryPath overrides shared library discovery.
const EnvLibraryPath = "SNAPDETECT_ONNXRUNTIME_LIB"

// ErrLibraryNotFound is returned when no ONNX Runtime shared library could be located.
var ErrLibraryNotFound = errors.New("ONNX Runtime library not found")

// getLibraryName returns the appropriate library filename for the current OS.
func getLibraryName(goos string) (string, error) {
	switch goos {
	case osLinux:
		return libLinux, nil
	case osDarwin:
		return libDarwin, nil
	case osWindows:
		return libWindows, nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", goos)
	}
}

// systemLibraryPaths returns system library paths to try, GPU builds first when useGPU is set.
func systemLibraryPaths(libName string, useGPU bool) []string {
	paths := []string{
		filepath.Join("/usr/local/lib", libName),
		filepath.Join("/usr/lib", libName),
		filepath.Join("/opt/onnxruntime/cpu/lib", libName),
	}
	if useGPU {
		paths = append([]string{filepath.Join("/opt/onnxruntime/gpu/lib", libName)}, paths...)
	}
	return paths
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not find project root")
		}
		dir = parent
	}
}

// candidateLibraryPaths lists every location ResolveLibraryPath checks, in order.
func candidateLibraryPaths(explicit string, useGPU bool) ([]string, error) {
	if explicit != "" {
		return []string{explicit}, nil
	}
	if env := os.Getenv(EnvLibraryPath); env != "" {
		return []string{env}, nil
	}

	libName, err := getLibraryName(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	paths := systemLibraryPaths(libName, useGPU)
	if root, err := findProjectRoot(); err == nil {
		if useGPU {
			paths = append(paths, filepath.Join(root, "onnxruntime", "gpu", "lib", libName))
		}
		paths = append(paths, filepath.Join(root, "onnxruntime", "lib", libName))
	}
	return paths, nil
}

// ResolveLibraryPath locates the ONNX Runtime shared library. An explicit path
// or the SNAPDETECT_ONNXRUNTIME_LIB variable disables the search.
func ResolveLibraryPath(explicit string, useGPU bool) (string, error) {
	paths, err := candidateLibraryPaths(explicit, useGPU)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched %v)", ErrLibraryNotFound, paths)
}

var envMu sync.Mutex

// Initialize points onnxruntime_go at the shared library and initializes the
// environment. It is safe to call more than once.
func Initialize(libraryPath string, useGPU bool) error {
	envMu.Lock()
	defer envMu.Unlock()

	if onnxruntime_go.IsInitialized() {
		return nil
	}

	path, err := ResolveLibraryPath(libraryPath, useGPU)
	if err != nil {
		return err
	}
	onnxruntime_go.SetSharedLibraryPath(path)
	if err := onnxruntime_go.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	slog.Info("ONNX Runtime initialized", "library", path, "gpu", useGPU)
	return nil
}

// NewSessionOptions builds session options with the thread count and GPU
// provider applied. The caller destroys the result.
func NewSessionOptions(numThreads int, gpu GPUConfig) (*onnxruntime_go.SessionOptions, error) {
	opts, err := onnxruntime_go.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if numThreads > 0 {
		if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
			_ = opts.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}
	if err := ConfigureSessionForGPU(opts, gpu); err != nil {
		_ = opts.Destroy()
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	return opts, nil
}
