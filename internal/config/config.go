// Package config gathers the constructor-time settings of every component
// and exposes them as command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/calibration"
	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
	"github.com/0xlemi/pitchpro/internal/mains"
	"github.com/0xlemi/pitchpro/internal/pitch"
	"github.com/0xlemi/pitchpro/internal/pool"
)

// AppName names the directory under the user config dir
const AppName = "pitchpro"

// Audio selects and shapes the input stream
type Audio struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	Latency          time.Duration
	FramesPerBuffer  int

	// Device is a device class name or empty to detect it
	Device string

	FilterPreset string

	// Hum is the notch frequency: "50", "60" or "auto"
	Hum string
}

// Pitch tunes detection
type Pitch struct {
	BufferSize         int
	Smoothing          float64
	PeakThreshold      float64
	ClarityThreshold   float64
	MinVolumeAbsolute  float64
	MinStableVolume    float64
	MinFrequency       float64
	MaxFrequency       float64
	HarmonicCorrection bool
	FrameInterval      time.Duration
}

// Lifecycle holds the supervisor timings
type Lifecycle struct {
	HealthCheckInterval     time.Duration
	IdleTimeout             time.Duration
	RecoveryDelay           time.Duration
	MaxIdleBeforeRelease    time.Duration
	MaxRecoveryAttempts     int
	IdleCheckInterval       time.Duration
	VisibilityCheckInterval time.Duration
	VisibleRecheckDelay     time.Duration
}

// Calibration locates stored calibrations and sets the window lengths
type Calibration struct {
	StoreDir       string
	MaxAge         time.Duration
	NoiseWindow    time.Duration
	VolumeWindow   time.Duration
	ResponseWindow time.Duration
}

// Log chooses level and destination
type Log struct {
	Level string

	// File receives the log when set; otherwise stderr
	File string
}

// Config is the full configuration
type Config struct {
	Audio       Audio
	Pitch       Pitch
	Lifecycle   Lifecycle
	Calibration Calibration
	Log         Log
}

// Default returns the built-in configuration
func Default() Config {
	c := audio.DefaultConstraints()
	p := pitch.DefaultConfig()
	l := lifecycle.DefaultConfig()
	return Config{
		Audio: Audio{
			SampleRate:      c.SampleRate,
			Channels:        c.ChannelCount,
			Latency:         c.Latency,
			FramesPerBuffer: c.FramesPerBuffer,
			FilterPreset:    filter.PresetVoice,
			Hum:             "60",
		},
		Pitch: Pitch{
			BufferSize:         p.BufferSize,
			Smoothing:          p.Smoothing,
			PeakThreshold:      p.PeakThreshold,
			ClarityThreshold:   p.ClarityThreshold,
			MinVolumeAbsolute:  p.MinVolumeAbsolute,
			MinStableVolume:    p.MinStableVolume,
			MinFrequency:       p.MinFrequency,
			MaxFrequency:       p.MaxFrequency,
			HarmonicCorrection: p.HarmonicCorrection,
			FrameInterval:      p.FrameInterval,
		},
		Lifecycle: Lifecycle{
			HealthCheckInterval:     l.HealthCheckInterval,
			IdleTimeout:             l.IdleTimeout,
			RecoveryDelay:           l.RecoveryDelay,
			MaxIdleBeforeRelease:    l.MaxIdleBeforeRelease,
			MaxRecoveryAttempts:     l.MaxRecoveryAttempts,
			IdleCheckInterval:       l.IdleCheckInterval,
			VisibilityCheckInterval: l.VisibilityCheckInterval,
			VisibleRecheckDelay:     l.VisibleRecheckDelay,
		},
		Calibration: Calibration{
			StoreDir:       defaultStoreDir(),
			MaxAge:         calibration.DefaultMaxAge,
			NoiseWindow:    2 * time.Second,
			VolumeWindow:   3 * time.Second,
			ResponseWindow: 5 * time.Second,
		},
		Log: Log{Level: logrus.InfoLevel.String()},
	}
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(dir, AppName)
}

// BindFlags registers every setting on fs with the current values as
// defaults
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Audio.SampleRate, "sample-rate", c.Audio.SampleRate, "input sample rate in Hz")
	fs.IntVar(&c.Audio.Channels, "channels", c.Audio.Channels, "input channel count")
	fs.BoolVar(&c.Audio.EchoCancellation, "echo-cancellation", c.Audio.EchoCancellation, "ask the platform for echo cancellation")
	fs.BoolVar(&c.Audio.NoiseSuppression, "noise-suppression", c.Audio.NoiseSuppression, "ask the platform for noise suppression")
	fs.BoolVar(&c.Audio.AutoGainControl, "auto-gain", c.Audio.AutoGainControl, "ask the platform for automatic gain control")
	fs.DurationVar(&c.Audio.Latency, "latency", c.Audio.Latency, "input latency hint")
	fs.IntVar(&c.Audio.FramesPerBuffer, "frames-per-buffer", c.Audio.FramesPerBuffer, "frames per capture callback")
	fs.StringVar(&c.Audio.Device, "device-class", c.Audio.Device, "device class: phone, tablet or desktop (default: detect)")
	fs.StringVar(&c.Audio.FilterPreset, "filter", c.Audio.FilterPreset, "filter preset: voice, instrument, wide, minimal or off")
	fs.StringVar(&c.Audio.Hum, "hum", c.Audio.Hum, "mains hum to reject: 50, 60 or auto")

	fs.IntVar(&c.Pitch.BufferSize, "buffer-size", c.Pitch.BufferSize, "analysis buffer size in samples")
	fs.Float64Var(&c.Pitch.Smoothing, "smoothing", c.Pitch.Smoothing, "spectrum smoothing factor")
	fs.Float64Var(&c.Pitch.PeakThreshold, "peak-threshold", c.Pitch.PeakThreshold, "fraction of the highest key maximum a pitch peak must reach")
	fs.Float64Var(&c.Pitch.ClarityThreshold, "clarity", c.Pitch.ClarityThreshold, "minimum clarity of an accepted pitch")
	fs.Float64Var(&c.Pitch.MinVolumeAbsolute, "min-rms", c.Pitch.MinVolumeAbsolute, "RMS below which a frame is silence")
	fs.Float64Var(&c.Pitch.MinStableVolume, "min-volume", c.Pitch.MinStableVolume, "minimum smoothed volume (0-100) of an accepted pitch")
	fs.Float64Var(&c.Pitch.MinFrequency, "min-freq", c.Pitch.MinFrequency, "lowest accepted frequency in Hz")
	fs.Float64Var(&c.Pitch.MaxFrequency, "max-freq", c.Pitch.MaxFrequency, "highest accepted frequency in Hz")
	fs.BoolVar(&c.Pitch.HarmonicCorrection, "harmonic-correction", c.Pitch.HarmonicCorrection, "fold octave errors back onto the recent pitch")
	fs.DurationVar(&c.Pitch.FrameInterval, "frame-interval", c.Pitch.FrameInterval, "time between detection steps")

	fs.DurationVar(&c.Lifecycle.HealthCheckInterval, "health-interval", c.Lifecycle.HealthCheckInterval, "stream health check interval")
	fs.DurationVar(&c.Lifecycle.IdleTimeout, "idle-timeout", c.Lifecycle.IdleTimeout, "inactivity after which the user counts as idle")
	fs.DurationVar(&c.Lifecycle.RecoveryDelay, "recovery-delay", c.Lifecycle.RecoveryDelay, "pause before each automatic recovery")
	fs.DurationVar(&c.Lifecycle.MaxIdleBeforeRelease, "max-idle", c.Lifecycle.MaxIdleBeforeRelease, "inactivity after which the microphone is released")
	fs.IntVar(&c.Lifecycle.MaxRecoveryAttempts, "max-recovery-attempts", c.Lifecycle.MaxRecoveryAttempts, "automatic recoveries before giving up")

	fs.StringVar(&c.Calibration.StoreDir, "calibration-dir", c.Calibration.StoreDir, "directory holding calibration records")
	fs.DurationVar(&c.Calibration.MaxAge, "calibration-max-age", c.Calibration.MaxAge, "age after which a calibration is ignored")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: trace, debug, info, warn or error")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "write logs to this file instead of stderr")
}

// Validate rejects settings no component can work with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Audio.SampleRate >= 8000 && c.Audio.SampleRate <= 192000, "sample rate %d out of range [8000, 192000]", c.Audio.SampleRate)
	check(c.Audio.Channels >= 1 && c.Audio.Channels <= 2, "channel count %d must be 1 or 2", c.Audio.Channels)
	check(c.Audio.Latency >= 0, "latency must not be negative")
	check(c.Audio.FramesPerBuffer > 0, "frames per buffer must be positive")
	if c.Audio.Device != "" {
		_, err := device.ParseClass(c.Audio.Device)
		check(err == nil, "%v", err)
	}
	_, err := mains.Resolve(c.Audio.Hum)
	check(err == nil, "%v", err)

	p := c.Pitch
	check(p.BufferSize >= 256 && p.BufferSize&(p.BufferSize-1) == 0, "buffer size %d must be a power of two of at least 256", p.BufferSize)
	check(p.Smoothing >= 0 && p.Smoothing < 1, "smoothing %v out of range [0, 1)", p.Smoothing)
	check(p.PeakThreshold > 0 && p.PeakThreshold <= 1, "peak threshold %v out of range (0, 1]", p.PeakThreshold)
	check(p.ClarityThreshold >= 0 && p.ClarityThreshold <= 1, "clarity threshold %v out of range [0, 1]", p.ClarityThreshold)
	check(p.MinVolumeAbsolute >= 0, "minimum RMS must not be negative")
	check(p.MinStableVolume >= 0 && p.MinStableVolume <= 100, "minimum volume %v out of range [0, 100]", p.MinStableVolume)
	check(p.MinFrequency > 0 && p.MinFrequency < p.MaxFrequency, "frequency band %v-%v is empty", p.MinFrequency, p.MaxFrequency)
	check(p.MaxFrequency < float64(c.Audio.SampleRate)/2, "maximum frequency %v above Nyquist", p.MaxFrequency)
	check(p.FrameInterval > 0, "frame interval must be positive")

	l := c.Lifecycle
	for name, d := range map[string]time.Duration{
		"health interval":           l.HealthCheckInterval,
		"idle timeout":              l.IdleTimeout,
		"max idle":                  l.MaxIdleBeforeRelease,
		"idle check interval":       l.IdleCheckInterval,
		"visibility check interval": l.VisibilityCheckInterval,
	} {
		check(d > 0, "%s must be positive", name)
	}
	check(l.RecoveryDelay >= 0, "recovery delay must not be negative")
	check(l.VisibleRecheckDelay >= 0, "visible recheck delay must not be negative")
	check(l.MaxRecoveryAttempts >= 0, "max recovery attempts must not be negative")

	check(c.Calibration.StoreDir != "", "calibration directory must be set")
	check(c.Calibration.MaxAge > 0, "calibration max age must be positive")

	_, err = logrus.ParseLevel(c.Log.Level)
	check(err == nil, "%v", err)

	return errors.Join(errs...)
}

// Profile returns the configured device profile, pinning the process wide
// profile when a class is set
func (c *Config) Profile() device.Profile {
	if cls, err := device.ParseClass(c.Audio.Device); err == nil {
		return device.Override(cls)
	}
	return device.Current()
}

// Constraints maps the audio settings onto stream constraints
func (c *Config) Constraints() audio.Constraints {
	return audio.Constraints{
		SampleRate:       c.Audio.SampleRate,
		ChannelCount:     c.Audio.Channels,
		EchoCancellation: c.Audio.EchoCancellation,
		NoiseSuppression: c.Audio.NoiseSuppression,
		AutoGainControl:  c.Audio.AutoGainControl,
		Latency:          c.Audio.Latency,
		FramesPerBuffer:  c.Audio.FramesPerBuffer,
	}
}

// Filter returns the preset parameters with the notch on the mains hum
func (c *Config) Filter() (filter.Params, mains.Result, error) {
	hum, err := mains.Resolve(c.Audio.Hum)
	if err != nil {
		return filter.Params{}, mains.Result{}, err
	}
	p := filter.Preset(c.Audio.FilterPreset)
	p.NotchFreq = hum.Hz
	return p, hum, nil
}

// PoolOptions maps the configuration onto pool options. f is usually the
// result of Filter.
func (c *Config) PoolOptions(profile device.Profile, f filter.Params, clock clockwork.Clock, log logrus.FieldLogger) pool.Options {
	return pool.Options{
		Constraints: c.Constraints(),
		Profile:     profile,
		Filter:      f,
		ReinitDelay: pitch.ReinitDelay,
		Clock:       clock,
		Logger:      log,
	}
}

// PitchConfig maps the configuration onto the engine configuration
func (c *Config) PitchConfig(clock clockwork.Clock, log logrus.FieldLogger) pitch.Config {
	p := c.Pitch
	return pitch.Config{
		BufferSize:         p.BufferSize,
		Smoothing:          p.Smoothing,
		PeakThreshold:      p.PeakThreshold,
		ClarityThreshold:   p.ClarityThreshold,
		MinVolumeAbsolute:  p.MinVolumeAbsolute,
		MinStableVolume:    p.MinStableVolume,
		MinFrequency:       p.MinFrequency,
		MaxFrequency:       p.MaxFrequency,
		HarmonicCorrection: p.HarmonicCorrection,
		FrameInterval:      p.FrameInterval,
		Clock:              clock,
		Logger:             log,
	}
}

// LifecycleConfig maps the configuration onto the supervisor configuration
func (c *Config) LifecycleConfig(clock clockwork.Clock, log logrus.FieldLogger) lifecycle.Config {
	l := c.Lifecycle
	return lifecycle.Config{
		HealthCheckInterval:     l.HealthCheckInterval,
		IdleTimeout:             l.IdleTimeout,
		RecoveryDelay:           l.RecoveryDelay,
		MaxIdleBeforeRelease:    l.MaxIdleBeforeRelease,
		MaxRecoveryAttempts:     l.MaxRecoveryAttempts,
		IdleCheckInterval:       l.IdleCheckInterval,
		VisibilityCheckInterval: l.VisibilityCheckInterval,
		VisibleRecheckDelay:     l.VisibleRecheckDelay,
		Clock:                   clock,
		Logger:                  log,
	}
}

// CalibrationOptions maps the configuration onto calibration options
func (c *Config) CalibrationOptions(profile device.Profile, base filter.Params, clock clockwork.Clock, log logrus.FieldLogger) calibration.Options {
	return calibration.Options{
		Profile:        profile,
		Filter:         base,
		Store:          calibration.NewFileStore(c.Calibration.StoreDir),
		MaxAge:         c.Calibration.MaxAge,
		NoiseWindow:    c.Calibration.NoiseWindow,
		VolumeWindow:   c.Calibration.VolumeWindow,
		ResponseWindow: c.Calibration.ResponseWindow,
		Clock:          clock,
		Logger:         log,
	}
}
