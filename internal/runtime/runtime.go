// Package runtime applies the context section of the config to the
// onnxruntime environment.
package runtime

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Brownie44l1/clf-eval/internal/config"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// Runtime owns the onnxruntime environment and session options. The
// environment is only initialized the first time SessionOptions is called,
// so evaluations that never touch a serialized model need no shared library.
type Runtime struct {
	ctx config.Context

	once    sync.Once
	opts    *ort.SessionOptions
	initErr error
	started bool
}

// Apply validates ctx and returns a Runtime bound to it.
func Apply(ctx config.Context) (*Runtime, error) {
	switch strings.ToUpper(ctx.DeviceTarget) {
	case "CPU", "GPU":
	default:
		return nil, fmt.Errorf("unsupported device target %q", ctx.DeviceTarget)
	}
	if ctx.DeviceID < 0 {
		return nil, fmt.Errorf("device_id must be >= 0 (got %d)", ctx.DeviceID)
	}
	klog.Infof("context: device_target=%s device_id=%d mode=%s", ctx.DeviceTarget, ctx.DeviceID, ctx.Mode)
	return &Runtime{ctx: ctx}, nil
}

// Device returns the upper-cased device target.
func (r *Runtime) Device() string {
	return strings.ToUpper(r.ctx.DeviceTarget)
}

// SessionOptions initializes the environment on first use and returns
// options carrying the thread count and execution provider.
func (r *Runtime) SessionOptions() (*ort.SessionOptions, error) {
	r.once.Do(func() {
		r.opts, r.initErr = r.init()
	})
	return r.opts, r.initErr
}

func (r *Runtime) init() (*ort.SessionOptions, error) {
	if r.ctx.LibraryPath != "" {
		ort.SetSharedLibraryPath(r.ctx.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		r.started = true
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if r.ctx.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(r.ctx.NumThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if r.Device() == "GPU" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(r.ctx.DeviceID)}); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("configure CUDA provider: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("enable CUDA provider: %w", err)
		}
	}
	klog.V(1).Infof("onnxruntime environment ready (device=%s)", r.Device())
	return opts, nil
}

// Close releases the session options and, if this Runtime started it, the
// onnxruntime environment.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.opts != nil {
		r.opts.Destroy()
		r.opts = nil
	}
	if r.started {
		ort.DestroyEnvironment()
		r.started = false
	}
}
