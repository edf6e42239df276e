package tracehist

import (
	"errors"
	"log/slog"
)

const (
	// DefaultNPixels is the sampling budget a display is assumed to need.
	DefaultNPixels = 2000

	// MinResolution is the finest resolution a ladder descends to, in trace
	// time units.
	MinResolution = 10000

	// resolutionFactor is the shrink factor between consecutive levels.
	resolutionFactor = 0.25
)

// BackendOption customises a backend built by the factory functions.
type BackendOption func(*backendOptions)

type backendOptions struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithLogger directs a backend's diagnostics to the given handle.
func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *backendOptions) { o.logger = logger }
}

// WithMetrics attaches a metrics collector to a backend.
func WithMetrics(m *Metrics) BackendOption {
	return func(o *backendOptions) { o.metrics = m }
}

func applyOptions(opts []BackendOption) backendOptions {
	var o backendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewTileBackend creates a tiled history over a new file with an explicit
// resolution ladder, coarsest first. An existing file at path is replaced.
func NewTileBackend(ssid, path string, providerVersion int, startTime int64, nPixels int, resolutions []int64, opts ...BackendOption) (*TileBackend, error) {
	if len(resolutions) == 0 {
		return nil, errors.New("tile backend needs at least one resolution level")
	}
	for i := 1; i < len(resolutions); i++ {
		if resolutions[i] >= resolutions[i-1] {
			return nil, errors.New("resolutions must decrease from coarsest to finest")
		}
	}
	if resolutions[len(resolutions)-1] <= 0 {
		return nil, errors.New("resolutions must be positive")
	}
	o := applyOptions(opts)
	cfg := newTileConfig(path, providerVersion, startTime, nPixels, resolutions)
	return newTileBackend(ssid, cfg, o.logger, o.metrics)
}

// NewTileBackendAuto creates a tiled history over a new file, deriving the
// resolution ladder from the trace range: the coarsest level covers the whole
// trace in one tile of DefaultNPixels samples, and each finer level divides
// the resolution by four until MinResolution is reached.
func NewTileBackendAuto(ssid string, startTime, endTime int64, providerVersion int, path string, opts ...BackendOption) (*TileBackend, error) {
	if endTime < startTime {
		return nil, &TimeRangeError{SSID: ssid, T: endTime, Start: startTime, End: endTime}
	}
	resolutions := deriveResolutions(endTime-startTime, DefaultNPixels)
	o := applyOptions(opts)
	cfg := newTileConfig(path, providerVersion, startTime, DefaultNPixels, resolutions)
	return newTileBackend(ssid, cfg, o.logger, o.metrics)
}

// OpenTileBackend opens an existing, finished history file. Pass
// IgnoreProviderVersion to skip the provider version check.
func OpenTileBackend(ssid string, providerVersion int, path string, opts ...BackendOption) (*TileBackend, error) {
	o := applyOptions(opts)
	return openTileBackend(ssid, path, providerVersion, o.logger, o.metrics)
}

// deriveResolutions builds the default ladder for a trace of the given
// duration.
func deriveResolutions(duration int64, nPixels int) []int64 {
	coarsest := duration/int64(nPixels) + 1
	resolutions := []int64{coarsest}
	for resolutions[len(resolutions)-1] > MinResolution {
		next := int64(float64(resolutions[len(resolutions)-1]) * resolutionFactor)
		if next < 1 {
			next = 1
		}
		resolutions = append(resolutions, next)
	}
	return resolutions
}
