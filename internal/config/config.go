package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"go.uber.org/zap"
)

// ErrConflict marks mutually exclusive features enabled together.
var ErrConflict = errors.New("conflicting CUDA features")

type Feature uint32

const (
	FeatureRuntime Feature = 1 << iota
	FeatureDriver
	FeatureKernel
	FeatureKernelSerial
	FeatureKernelCounter
	FeatureMemcpy
	FeatureSync
	FeatureIdle
	FeaturePureIdle
	FeatureGPUMemUsage
	FeatureReferences
	FeatureCallsite
	FeatureFlushAtExit
	FeatureDontFlushAtExit

	FeatureDefault = FeatureRuntime | FeatureKernel | FeatureMemcpy
)

var featureNames = map[string]Feature{
	"runtime":         FeatureRuntime,
	"driver":          FeatureDriver,
	"kernel":          FeatureKernel,
	"kernel_serial":   FeatureKernelSerial,
	"kernel_counter":  FeatureKernelCounter,
	"memcpy":          FeatureMemcpy,
	"sync":            FeatureSync,
	"idle":            FeatureIdle,
	"pure_idle":       FeaturePureIdle,
	"gpumemusage":     FeatureGPUMemUsage,
	"references":      FeatureReferences,
	"callsite":        FeatureCallsite,
	"flushatexit":     FeatureFlushAtExit,
	"dontflushatexit": FeatureDontFlushAtExit,
	"default":         FeatureDefault,
	"yes":             FeatureDefault,
	"no":              0,
}

type SyncLevel uint8

const (
	SyncNone SyncLevel = iota
	SyncRecord
	SyncImplicit
	SyncFull
)

// IdleMode selects how GPU idle time is bracketed.
type IdleMode uint8

const (
	IdleOff IdleMode = iota
	// IdleCompute brackets gaps between kernels.
	IdleCompute
	// IdlePure brackets gaps between kernels and memory copies.
	IdlePure
)

const (
	DefaultBufferSize = 1 << 20
	DefaultChunkSize  = 8 << 10
	MinBufferSize     = 1024
)

type Config struct {
	Features  Feature
	SyncLevel SyncLevel
	Idle      IdleMode

	BufferSize uint64
	ChunkSize  uint64

	LibCUDA        string
	LibCUPTI       string
	TargetPID      int
	VisibleDevices string

	ServerAdress   string
	Serverport     string
	Nodename       string
	FlushInterval  time.Duration
	MetricsAddress string
}

// LoadConfig reads the process environment once.
func LoadConfig() (Config, error) {
	features, err := ParseFeatures(getEnv("INFRASIGHT_CUDA_ENABLE", "default"))
	if err != nil {
		return Config{}, err
	}

	level, err := strconv.ParseUint(getEnv("INFRASIGHT_CUDA_SYNC_LEVEL", "0"), 10, 8)
	if err != nil || level > uint64(SyncFull) {
		return Config{}, fmt.Errorf("invalid INFRASIGHT_CUDA_SYNC_LEVEL %q", os.Getenv("INFRASIGHT_CUDA_SYNC_LEVEL"))
	}

	buffer, err := getEnvSize("INFRASIGHT_CUDA_BUFFER", DefaultBufferSize)
	if err != nil {
		return Config{}, err
	}
	chunk, err := getEnvSize("INFRASIGHT_CUDA_BUFFER_CHUNK", DefaultChunkSize)
	if err != nil {
		return Config{}, err
	}

	interval, err := time.ParseDuration(getEnv("INFRASIGHT_FLUSH_INTERVAL", "5s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid INFRASIGHT_FLUSH_INTERVAL: %w", err)
	}

	pid, err := strconv.Atoi(getEnv("INFRASIGHT_TARGET_PID", "0"))
	if err != nil || pid < 0 {
		return Config{}, fmt.Errorf("invalid INFRASIGHT_TARGET_PID %q", os.Getenv("INFRASIGHT_TARGET_PID"))
	}

	visible := os.Getenv("INFRASIGHT_CUDA_VISIBLE_DEVICES")
	if visible == "" {
		visible = os.Getenv("CUDA_VISIBLE_DEVICES")
	}

	return New(Config{
		Features:       features,
		SyncLevel:      SyncLevel(level),
		BufferSize:     buffer,
		ChunkSize:      chunk,
		LibCUDA:        getEnv("INFRASIGHT_LIBCUDA", "/usr/lib/x86_64-linux-gnu/libcuda.so.1"),
		LibCUPTI:       os.Getenv("INFRASIGHT_LIBCUPTI"),
		TargetPID:      pid,
		VisibleDevices: visible,
		ServerAdress:   getEnv("INFRASIGHT_SERVER_ADDRESS", "localhost"),
		Serverport:     getEnv("INFRASIGHT_SERVER_PORT", "8080"),
		Nodename:       getEnv("INFRASIGHT_NODENAME", hostname()),
		FlushInterval:  interval,
		MetricsAddress: os.Getenv("INFRASIGHT_METRICS_ADDRESS"),
	})
}

// New validates c and resolves implied features, the idle mode and buffer
// sizes. The result is never mutated afterwards.
func New(c Config) (Config, error) {
	if c.Has(FeatureFlushAtExit) && c.Has(FeatureDontFlushAtExit) {
		return Config{}, fmt.Errorf("%w: flushatexit and dontflushatexit", ErrConflict)
	}
	if c.Has(FeatureIdle) && c.Has(FeaturePureIdle) {
		return Config{}, fmt.Errorf("%w: idle and pure_idle", ErrConflict)
	}

	if c.Has(FeatureKernelSerial) || c.Has(FeatureKernelCounter) {
		c.Features |= FeatureKernel
	}
	if c.Has(FeatureSync) {
		c.SyncLevel = SyncFull
	}

	c.Idle = IdleOff
	switch {
	case c.Has(FeaturePureIdle) && c.Has(FeatureMemcpy):
		c.Idle = IdlePure
	case (c.Has(FeatureIdle) || c.Has(FeaturePureIdle)) && c.Has(FeatureKernel):
		c.Idle = IdleCompute
	case c.Has(FeatureIdle) || c.Has(FeaturePureIdle):
		logutil.GetLogger().Warn("idle tracking needs kernel or memcpy recording, disabled")
	}

	c.BufferSize, c.ChunkSize = CheckSizes(c.BufferSize, c.ChunkSize)
	return c, nil
}

// ParseFeatures turns a comma or space separated feature list into a set.
func ParseFeatures(list string) (Feature, error) {
	var set Feature
	fields := strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' || r == ':' })
	for _, name := range fields {
		f, ok := featureNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown CUDA feature %q", name)
		}
		set |= f
	}
	return set, nil
}

// CheckSizes applies the buffer minimums and keeps chunk within total.
func CheckSizes(total, chunk uint64) (uint64, uint64) {
	logger := logutil.GetLogger()
	if total < MinBufferSize {
		logger.Warn("CUDA buffer size too small, using default",
			zap.Uint64("requested", total), zap.Uint64("size", DefaultBufferSize))
		total = DefaultBufferSize
	}
	if chunk < MinBufferSize {
		if chunk > 0 {
			logger.Warn("CUDA buffer chunk size too small, using default",
				zap.Uint64("requested", chunk), zap.Uint64("size", DefaultChunkSize))
		}
		chunk = DefaultChunkSize
	}
	if chunk > total {
		logger.Warn("CUDA buffer chunk larger than buffer size, raising buffer size",
			zap.Uint64("chunk", chunk), zap.Uint64("previous", total))
		total = chunk
	}
	return total, chunk
}

func (c Config) Has(f Feature) bool { return c.Features&f == f }

func (c Config) RecordRuntime() bool        { return c.Has(FeatureRuntime) }
func (c Config) RecordDriver() bool         { return c.Has(FeatureDriver) }
func (c Config) RecordKernels() bool        { return c.Has(FeatureKernel) }
func (c Config) RecordMemcpy() bool         { return c.Has(FeatureMemcpy) }
func (c Config) RecordKernelCounters() bool { return c.Has(FeatureKernelCounter) }
func (c Config) RecordGPUMemUsage() bool    { return c.Has(FeatureGPUMemUsage) }
func (c Config) RecordReferences() bool     { return c.Has(FeatureReferences) }
func (c Config) RecordCallsites() bool      { return c.Has(FeatureCallsite) }
func (c Config) KernelSerial() bool         { return c.Has(FeatureKernelSerial) }
func (c Config) IdleEnabled() bool          { return c.Idle != IdleOff }
func (c Config) PureIdle() bool             { return c.Idle == IdlePure }
func (c Config) FlushAtExit() bool          { return !c.Has(FeatureDontFlushAtExit) }

// RecordActivity reports whether any activity buffer kind is enabled.
func (c Config) RecordActivity() bool { return c.RecordKernels() || c.RecordMemcpy() }

// IdleRegionName names the artificial idle region for the resolved mode.
func (c Config) IdleRegionName() string {
	switch c.Idle {
	case IdlePure:
		return "GPU IDLE"
	case IdleCompute:
		return "COMPUTE IDLE"
	default:
		return ""
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// getEnvSize accepts plain byte counts or K/M/G suffixes.
func getEnvSize(key string, fallback uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	mult := uint64(1)
	switch strings.ToUpper(v[len(v)-1:]) {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	}
	if mult != 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n * mult, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
