// Package onnxrt centralises ONNX Runtime environment setup for the
// model-backed providers. The runtime environment is process-wide, so the
// first provider to initialise it wins; later callers share it.
package onnxrt

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// Initialize loads the ONNX Runtime shared library from libPath (empty means
// the system loader resolves it) and initialises the process-wide runtime
// environment. Safe to call from multiple providers; only the first call has
// any effect and its result is returned to everyone.
func Initialize(libPath string) error {
	initOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if ort.IsInitialized() {
			return
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("onnxrt: initialize environment: %w", err)
		}
	})
	return initErr
}

// NewSessionOptions returns session options tuned for small realtime models:
// single-threaded execution keeps per-inference latency predictable when many
// sessions run side by side. The caller must Destroy the returned options
// after session creation.
func NewSessionOptions(threads int) (*ort.SessionOptions, error) {
	if threads <= 0 {
		threads = 1
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxrt: create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("onnxrt: set intra op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("onnxrt: set inter op threads: %w", err)
	}
	return options, nil
}
