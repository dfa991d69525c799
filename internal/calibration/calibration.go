// Package calibration measures the background noise, level range and
// frequency response of the current microphone and derives detector
// settings from them. Records persist per device class.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/dsp"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/pool"
)

var (
	// ErrCalibrationInProgress is returned when Calibrate is already running
	ErrCalibrationInProgress = errors.New("calibration already in progress")

	// ErrNotCalibrated is returned by Apply without calibration data
	ErrNotCalibrated = errors.New("no calibration data available")
)

// DefaultMaxAge is how long a stored record stays valid
const DefaultMaxAge = 7 * 24 * time.Hour

// Phase of a calibration run
type Phase string

const (
	PhaseNoise    Phase = "noise"
	PhaseVolume   Phase = "volume"
	PhaseResponse Phase = "response"
)

// Response band sampled in the frequency response phase
const (
	ResponseMinHz = 80
	ResponseMaxHz = 1000
)

// Progress is reported on every sample
type Progress struct {
	Phase   Phase
	Elapsed time.Duration // since the start of the run
	Total   time.Duration
}

// Data is the outcome of a calibration run
type Data struct {
	VolumeOffset      float64           `json:"volumeOffset"`
	Volume            VolumeCalibration `json:"volume"`
	FrequencyResponse Spectrum          `json:"frequencyResponse"`
	NoiseProfile      Spectrum          `json:"noiseProfile"`
	Settings          Settings          `json:"optimalSettings"`
}

// TapSource provides analysis taps on the live signal; *pool.Pool
// implements it.
type TapSource interface {
	CreateTap(id string, opts pool.TapOptions) (*pool.Tap, error)
	RemoveTap(id string)
}

// Target receives calibrated settings; *pitch.Engine implements it.
type Target interface {
	SetSensitivity(x float64) float64
	SetNoiseGate(rms float64)
	UpdateFilters(u filter.Params)
}

// Options configure a System
type Options struct {
	Profile device.Profile
	Filter  filter.Params // base cutoffs the nudges start from
	Store   Store
	MaxAge  time.Duration

	NoiseWindow    time.Duration
	VolumeWindow   time.Duration
	ResponseWindow time.Duration

	Progress func(Progress)
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
}

// Status is a snapshot of a System
type Status struct {
	Calibrated bool
	InProgress bool
	Profile    device.Profile
	Data       *Data
}

// System runs calibrations for one device profile
type System struct {
	opts  Options
	clock clockwork.Clock
	log   logrus.FieldLogger

	mu         sync.Mutex
	inProgress bool
	data       *Data
}

// New creates a calibration system
func New(opts Options) *System {
	if opts.Profile.Class == "" {
		opts.Profile = device.ForClass(device.Desktop)
	}
	if opts.Filter == (filter.Params{}) {
		opts.Filter = filter.DefaultParams()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.NoiseWindow <= 0 {
		opts.NoiseWindow = 2 * time.Second
	}
	if opts.VolumeWindow <= 0 {
		opts.VolumeWindow = 3 * time.Second
	}
	if opts.ResponseWindow <= 0 {
		opts.ResponseWindow = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &System{
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.WithField("component", "calibration"),
	}
}

// Duration returns the total length of a run
func (s *System) Duration() time.Duration {
	return s.opts.NoiseWindow + s.opts.VolumeWindow + s.opts.ResponseWindow
}

// Calibrate samples src over the three windows and derives settings.
// Only one run may be active at a time.
func (s *System) Calibrate(ctx context.Context, src TapSource) (*Data, error) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return nil, ErrCalibrationInProgress
	}
	s.inProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	s.log.WithField("device", s.opts.Profile.Class).Info("Starting device calibration")
	r := &run{System: s, src: src, start: s.clock.Now(), total: s.Duration()}

	noise, err := r.measureNoise(ctx)
	if err != nil {
		return nil, s.failed(err)
	}
	volume, err := r.measureVolume(ctx)
	if err != nil {
		return nil, s.failed(err)
	}
	response, err := r.measureResponse(ctx)
	if err != nil {
		return nil, s.failed(err)
	}

	settings := Derive(s.opts.Profile, s.opts.Filter, noise, volume, response)
	data := &Data{
		VolumeOffset:      volume.Offset,
		Volume:            volume,
		FrequencyResponse: response,
		NoiseProfile:      noise,
		Settings:          settings,
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"sensitivity": settings.Sensitivity,
		"noiseGate":   settings.NoiseGate,
		"highpass":    settings.Filter.HighpassFreq,
		"lowpass":     settings.Filter.LowpassFreq,
	}).Info("Calibration completed")
	return data, nil
}

func (s *System) failed(err error) error {
	s.log.WithError(err).Error("Calibration failed")
	return fmt.Errorf("calibration: %w", err)
}

// Settings returns the calibrated settings, or the profile defaults
func (s *System) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		return s.data.Settings
	}
	return DefaultSettings(s.opts.Profile, s.opts.Filter)
}

// Apply pushes the calibrated settings to t
func (s *System) Apply(t Target) error {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return ErrNotCalibrated
	}

	st := data.Settings
	t.SetSensitivity(st.Sensitivity)
	t.SetNoiseGate(st.NoiseGate)
	t.UpdateFilters(st.Filter)
	s.log.WithFields(logrus.Fields{
		"sensitivity": st.Sensitivity,
		"noiseGate":   st.NoiseGate,
	}).Info("Calibration applied")
	return nil
}

// Status returns a snapshot of the system
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Calibrated: s.data != nil,
		InProgress: s.inProgress,
		Profile:    s.opts.Profile,
		Data:       s.data,
	}
}

// Reset forgets the current calibration. Stored records are kept.
func (s *System) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.log.Info("Calibration reset")
}

// Save persists the current calibration under the profile's class
func (s *System) Save() error {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return ErrNotCalibrated
	}

	err := s.opts.Store.Save(Record{
		DeviceClass: s.opts.Profile.Class,
		Profile:     s.opts.Profile,
		Data:        *data,
		Timestamp:   s.clock.Now(),
	})
	if err != nil {
		return err
	}
	s.log.WithField("device", s.opts.Profile.Class).Info("Calibration saved")
	return nil
}

// Load restores the stored calibration of the profile's class. It
// reports false when there is no usable record: none stored, older than
// MaxAge, or made for another device class.
func (s *System) Load() (bool, error) {
	class := s.opts.Profile.Class
	rec, err := s.opts.Store.Load(class)
	if errors.Is(err, ErrNoRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := s.log.WithField("device", class)
	if age := s.clock.Since(rec.Timestamp); age > s.opts.MaxAge {
		log.WithField("age", age).Info("Stored calibration is too old, ignoring")
		return false, nil
	}
	if rec.DeviceClass != class || rec.Profile.Class != class {
		log.WithField("stored", rec.DeviceClass).Info("Device class mismatch, ignoring stored calibration")
		return false, nil
	}

	data := rec.Data
	s.mu.Lock()
	s.data = &data
	s.mu.Unlock()
	log.Info("Calibration loaded")
	return true, nil
}

// run is one Calibrate call
type run struct {
	*System
	src   TapSource
	start time.Time
	total time.Duration
}

// sample calls fn immediately and then every interval until d elapsed
func (r *run) sample(ctx context.Context, phase Phase, d, interval time.Duration, fn func()) error {
	deadline := r.clock.After(d)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		fn()
		if r.opts.Progress != nil {
			r.opts.Progress(Progress{Phase: phase, Elapsed: r.clock.Since(r.start), Total: r.total})
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.Chan():
			tick()
		}
	}
}

func (r *run) tap(phase Phase, size int) (*pool.Tap, string, error) {
	id := fmt.Sprintf("calibration-%s-%s", phase, uuid.NewString())
	tap, err := r.src.CreateTap(id, pool.TapOptions{BufferSize: size, Raw: true})
	if err != nil {
		return nil, "", fmt.Errorf("%s tap: %w", phase, err)
	}
	return tap, id, nil
}

// measureNoise averages the spectrum per bin
func (r *run) measureNoise(ctx context.Context) (Spectrum, error) {
	tap, id, err := r.tap(PhaseNoise, 2048)
	if err != nil {
		return nil, err
	}
	defer r.src.RemoveTap(id)

	bins := tap.Size() / 2
	spectrum := make([]float64, bins)
	sums := make([]float64, bins)
	n := 0
	err = r.sample(ctx, PhaseNoise, r.opts.NoiseWindow, 100*time.Millisecond, func() {
		tap.FrequencyData(spectrum)
		for i, db := range spectrum {
			sums[i] += db
		}
		n++
	})
	if err != nil {
		return nil, err
	}

	out := make(Spectrum, bins)
	for i, sum := range sums {
		out[int(math.Round(tap.BinFrequency(i)))] = sum / float64(n)
	}
	r.log.WithField("samples", n).Debug("Background noise measured")
	return out, nil
}

// measureVolume collects RMS levels
func (r *run) measureVolume(ctx context.Context) (VolumeCalibration, error) {
	tap, id, err := r.tap(PhaseVolume, 1024)
	if err != nil {
		return VolumeCalibration{}, err
	}
	defer r.src.RemoveTap(id)

	buf := make([]float32, tap.Size())
	var levels []float64
	err = r.sample(ctx, PhaseVolume, r.opts.VolumeWindow, 50*time.Millisecond, func() {
		tap.TimeDomain(buf)
		levels = append(levels, dsp.RMS(buf))
	})
	if err != nil {
		return VolumeCalibration{}, err
	}

	v := VolumeFromSamples(levels)
	r.log.WithFields(logrus.Fields{
		"samples": len(levels),
		"offset":  v.Offset,
	}).Debug("Volume levels measured")
	return v, nil
}

// measureResponse averages the spectrum per whole Hz inside the voice band
func (r *run) measureResponse(ctx context.Context) (Spectrum, error) {
	tap, id, err := r.tap(PhaseResponse, 4096)
	if err != nil {
		return nil, err
	}
	defer r.src.RemoveTap(id)

	spectrum := make([]float64, tap.Size()/2)
	sums := make(map[int]float64)
	counts := make(map[int]int)
	err = r.sample(ctx, PhaseResponse, r.opts.ResponseWindow, 100*time.Millisecond, func() {
		tap.FrequencyData(spectrum)
		for i, db := range spectrum {
			hz := int(math.Round(tap.BinFrequency(i)))
			if hz < ResponseMinHz || hz > ResponseMaxHz {
				continue
			}
			sums[hz] += db
			counts[hz]++
		}
	})
	if err != nil {
		return nil, err
	}

	out := make(Spectrum, len(sums))
	for hz, sum := range sums {
		out[hz] = sum / float64(counts[hz])
	}
	r.log.WithField("bins", len(out)).Debug("Frequency response measured")
	return out, nil
}
