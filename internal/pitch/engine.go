// Package pitch turns the shared microphone signal into pitch readings:
// an MPM estimator over a filtered tap, loudness from a parallel raw tap,
// octave error correction and note naming.
package pitch

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

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/dsp"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/pool"
)

// State of an Engine
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDetecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDetecting:
		return "detecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrInvalidState is returned when an operation does not fit the current state
var ErrInvalidState = errors.New("pitch engine in wrong state")

// ReinitDelay is the pause between cleanup and initialize in Reinitialize
const ReinitDelay = 100 * time.Millisecond

const stableVolumeSpan = 5

// Reading is one detection result. Frequency 0 is silence.
type Reading struct {
	Frequency float64
	Note      string
	Clarity   float64
	Volume    float64
	Cents     int
	Time      time.Time
}

// Silent reports whether r is the silence reading
func (r Reading) Silent() bool { return r.Frequency == 0 }

func silence(now time.Time) Reading {
	return Reading{Note: SilenceName, Time: now}
}

// Config tunes an Engine
type Config struct {
	// BufferSize is requested from the pool; taps clamp it to 2048
	BufferSize int
	Smoothing  float64

	PeakThreshold      float64 // MPM key maximum fraction
	ClarityThreshold   float64
	MinVolumeAbsolute  float64 // RMS below which frames are silence
	MinStableVolume    float64
	MinFrequency       float64
	MaxFrequency       float64
	HarmonicCorrection bool
	FrameInterval      time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns the tuning used for voice
func DefaultConfig() Config {
	return Config{
		BufferSize:         4096,
		Smoothing:          0.1,
		PeakThreshold:      0.8,
		ClarityThreshold:   0.4,
		MinVolumeAbsolute:  0.01,
		MinStableVolume:    30,
		MinFrequency:       65,
		MaxFrequency:       1200,
		HarmonicCorrection: true,
		FrameInterval:      16 * time.Millisecond,
	}
}

// Engine runs pitch detection on top of a Pool. It holds one pool
// reference between Initialize and Cleanup.
type Engine struct {
	pool    *pool.Pool
	cfg     Config
	clock   clockwork.Clock
	log     logrus.FieldLogger
	profile device.Profile

	filteredID string
	rawID      string

	mu         sync.Mutex
	state      State
	observers  []Observer
	acquired   bool
	filtered   *pool.Tap
	raw        *pool.Tap
	current    Reading
	noiseGate  float64
	harmonicOn bool
	cancel     context.CancelFunc

	// held for the duration of a detection step
	stepMu      sync.Mutex
	detector    *Detector
	harmonic    *HarmonicCorrector
	stable      *dsp.MovingAverage
	filteredBuf []float32
	rawBuf      []float32
}

// New creates an engine bound to p
func New(p *pool.Pool, cfg Config, observers ...Observer) *Engine {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PeakThreshold <= 0 || cfg.PeakThreshold > 1 {
		cfg.PeakThreshold = def.PeakThreshold
	}
	if cfg.MaxFrequency <= cfg.MinFrequency {
		cfg.MinFrequency, cfg.MaxFrequency = def.MinFrequency, def.MaxFrequency
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	log := cfg.Logger.WithField("component", "pitch")
	id := uuid.NewString()
	return &Engine{
		pool:       p,
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        log,
		profile:    p.Profile(),
		filteredID: "pitch-filtered-" + id,
		rawID:      "pitch-raw-" + id,
		state:      StateUninitialized,
		observers:  observers,
		current:    silence(time.Time{}),
		noiseGate:  cfg.MinVolumeAbsolute,
		harmonicOn: cfg.HarmonicCorrection,
		harmonic:   NewHarmonicCorrector(log),
		stable:     dsp.NewMovingAverage(stableVolumeSpan),
	}
}

// AddObserver registers o for future events
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// TapIDs returns the ids of the engine's filtered and raw taps
func (e *Engine) TapIDs() (filtered, raw string) {
	return e.filteredID, e.rawID
}

// Initialize acquires the pool and creates both analysis taps. Calling it
// on an initialized engine is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateReady, StateDetecting:
		e.mu.Unlock()
		return nil
	case StateInitializing:
		e.mu.Unlock()
		return fmt.Errorf("%w: initialization already running", ErrInvalidState)
	}
	e.state = StateInitializing
	e.mu.Unlock()
	e.notifyState(StateInitializing)

	if _, err := e.pool.Initialize(ctx); err != nil {
		return e.fail(fmt.Errorf("acquiring audio: %w", err))
	}

	opts := pool.TapOptions{BufferSize: e.cfg.BufferSize, Smoothing: e.cfg.Smoothing}
	filtered, err := e.pool.CreateTap(e.filteredID, opts)
	if err != nil {
		e.pool.Release(e.filteredID)
		return e.fail(fmt.Errorf("creating filtered tap: %w", err))
	}
	opts.Raw = true
	raw, err := e.pool.CreateTap(e.rawID, opts)
	if err != nil {
		e.pool.Release(e.filteredID, e.rawID)
		return e.fail(fmt.Errorf("creating raw tap: %w", err))
	}

	size := filtered.Size()
	e.stepMu.Lock()
	e.detector = NewDetector(size, filtered.SampleRate())
	e.detector.SetPeakThreshold(e.cfg.PeakThreshold)
	e.filteredBuf = make([]float32, size)
	e.rawBuf = make([]float32, size)
	e.stable.Reset()
	e.harmonic.Reset()
	e.mu.Lock()
	e.detector.SetMinRMS(e.noiseGate)
	e.acquired = true
	e.filtered, e.raw = filtered, raw
	e.mu.Unlock()
	e.stepMu.Unlock()

	e.log.WithFields(logrus.Fields{
		"bufferSize": size,
		"sampleRate": filtered.SampleRate(),
		"device":     e.profile.Class,
	}).Info("Pitch engine initialized")

	e.setState(StateReady)
	for _, o := range e.snapshotObservers() {
		o.OnDeviceChange(e.profile)
	}
	return nil
}

func (e *Engine) fail(err error) error {
	e.log.WithError(err).Error("Pitch engine initialization failed")
	e.setState(StateError)
	for _, o := range e.snapshotObservers() {
		o.OnError(err)
	}
	return err
}

// StartDetection launches the driver loop, stepping once per frame
// interval until StopDetection or Cleanup.
func (e *Engine) StartDetection() error {
	e.mu.Lock()
	switch e.state {
	case StateDetecting:
		e.mu.Unlock()
		return nil
	case StateReady:
	default:
		st := e.state
		e.mu.Unlock()
		if st == StateUninitialized || st == StateInitializing {
			return audio.ErrNotReady
		}
		return fmt.Errorf("%w: cannot start detection from %s", ErrInvalidState, st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = StateDetecting
	e.mu.Unlock()

	e.notifyState(StateDetecting)
	go e.drive(ctx)
	e.log.Debug("Detection started")
	return nil
}

func (e *Engine) drive(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.Step()
		}
	}
}

// StopDetection withdraws the driver loop. A step already running may
// still deliver one reading. Safe to call repeatedly.
func (e *Engine) StopDetection() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	wasDetecting := e.state == StateDetecting
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasDetecting {
		e.setState(StateReady)
		e.log.Debug("Detection stopped")
	}
}

// Step runs one detection pass and notifies observers. ok is false when
// the engine is not detecting.
func (e *Engine) Step() (r Reading, ok bool) {
	r, ok = e.step()
	if !ok {
		return r, false
	}
	for _, o := range e.snapshotObservers() {
		o.OnPitchUpdate(r)
	}
	return r, true
}

func (e *Engine) step() (Reading, bool) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	if e.state != StateDetecting || e.filtered == nil {
		e.mu.Unlock()
		return Reading{}, false
	}
	filtered, raw := e.filtered, e.raw
	harmonicOn := e.harmonicOn
	e.mu.Unlock()

	now := e.clock.Now()
	filtered.TimeDomain(e.filteredBuf)
	raw.TimeDomain(e.rawBuf)

	vp := e.profile.VolumeParams()
	rawVolume := dsp.Volume(dsp.RMS(e.rawBuf), vp)
	stable := e.stable.Add(dsp.Volume(dsp.RMS(e.filteredBuf), vp))

	freq, clarity := e.detector.FindPitch(e.filteredBuf)

	reading := silence(now)
	if freq >= e.cfg.MinFrequency && freq <= e.cfg.MaxFrequency &&
		clarity > e.cfg.ClarityThreshold && stable > e.cfg.MinStableVolume {
		if harmonicOn {
			freq = e.harmonic.Correct(freq, stable, now)
		}
		freq = math.Round(freq)
		note := FrequencyToNote(freq)
		reading = Reading{
			Frequency: freq,
			Note:      note.String(),
			Clarity:   clarity,
			Volume:    rawVolume,
			Cents:     int(math.Round(note.Cents)),
			Time:      now,
		}
	} else {
		e.harmonic.Reset()
	}

	e.mu.Lock()
	e.current = reading
	e.mu.Unlock()
	return reading, true
}

// Cleanup stops detection, releases both taps and the pool reference and
// clears all transient history. The engine can be initialized again.
func (e *Engine) Cleanup() {
	e.StopDetection()

	e.stepMu.Lock()
	e.mu.Lock()
	acquired := e.acquired
	e.acquired = false
	e.filtered, e.raw = nil, nil
	e.current = silence(e.clock.Now())
	e.mu.Unlock()
	e.harmonic.Reset()
	e.stable.Reset()
	e.stepMu.Unlock()

	if acquired {
		e.pool.Release(e.filteredID, e.rawID)
	}
	e.setState(StateUninitialized)
	e.log.Info("Pitch engine cleaned up")
}

// Reinitialize runs Cleanup, pauses briefly and initializes again
func (e *Engine) Reinitialize(ctx context.Context) error {
	e.Cleanup()
	select {
	case <-e.clock.After(ReinitDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.Initialize(ctx)
}

// ResetDisplayState clears the current reading and all smoothing history
func (e *Engine) ResetDisplayState() {
	e.stepMu.Lock()
	e.harmonic.Reset()
	e.stable.Reset()
	e.stepMu.Unlock()

	e.mu.Lock()
	e.current = silence(e.clock.Now())
	e.mu.Unlock()
}

// SetHarmonicCorrectionEnabled toggles octave correction. Disabling
// drops the history.
func (e *Engine) SetHarmonicCorrectionEnabled(enabled bool) {
	e.mu.Lock()
	e.harmonicOn = enabled
	e.mu.Unlock()

	if !enabled {
		e.stepMu.Lock()
		e.harmonic.Reset()
		e.stepMu.Unlock()
	}
}

// HarmonicCorrectionEnabled reports whether octave correction is on
func (e *Engine) HarmonicCorrectionEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.harmonicOn
}

// SetNoiseGate sets the RMS below which frames are treated as silence
func (e *Engine) SetNoiseGate(rms float64) {
	rms = math.Max(0, rms)
	e.stepMu.Lock()
	if e.detector != nil {
		e.detector.SetMinRMS(rms)
	}
	e.stepMu.Unlock()

	e.mu.Lock()
	e.noiseGate = rms
	e.mu.Unlock()
}

// NoiseGate returns the current RMS gate
func (e *Engine) NoiseGate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noiseGate
}

// SetSensitivity changes the shared input gain and returns the applied value
func (e *Engine) SetSensitivity(x float64) float64 {
	return e.pool.SetSensitivity(x)
}

// UpdateFilters retunes the shared noise filters
func (e *Engine) UpdateFilters(u filter.Params) {
	e.pool.UpdateFilters(u)
}

// CurrentReading returns the most recent reading
func (e *Engine) CurrentReading() Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// State returns the engine state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FilteredTap returns the tap feeding the estimator, nil before Initialize
func (e *Engine) FilteredTap() *pool.Tap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filtered
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = s
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("Pitch engine state changed")
	e.notifyState(s)
}

func (e *Engine) notifyState(s State) {
	for _, o := range e.snapshotObservers() {
		o.OnStateChange(s)
	}
}

func (e *Engine) snapshotObservers() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Observer(nil), e.observers...)
}
