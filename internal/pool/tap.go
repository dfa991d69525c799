package pool

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/graph"
)

// Tap limits
const (
	MaxTapSize       = 2048
	DefaultTapSize   = 2048
	MinTapSmoothing  = 0.7
	MinTapDecibels   = -80.0
	MaxTapDecibels   = -10.0
	defaultSmoothing = 0.8
)

// TapOptions configure an analysis tap
type TapOptions struct {
	BufferSize  int
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64

	// Raw skips the noise filter chain
	Raw bool
}

func (o TapOptions) normalize() TapOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultTapSize
	}
	if o.BufferSize > MaxTapSize {
		o.BufferSize = MaxTapSize
	}
	if o.Smoothing == 0 {
		o.Smoothing = defaultSmoothing
	}
	if o.Smoothing < MinTapSmoothing {
		o.Smoothing = MinTapSmoothing
	}
	if o.Smoothing > 1 {
		o.Smoothing = 1
	}
	if o.MinDecibels == 0 || o.MinDecibels < MinTapDecibels {
		o.MinDecibels = MinTapDecibels
	}
	if o.MaxDecibels == 0 || o.MaxDecibels > MaxTapDecibels {
		o.MaxDecibels = MaxTapDecibels
	}
	if o.MinDecibels >= o.MaxDecibels {
		o.MinDecibels, o.MaxDecibels = MinTapDecibels, MaxTapDecibels
	}
	return o
}

// Tap is a named analysis point on the shared gain stage, optionally
// behind its own filter chain. Taps survive session rebuilds.
type Tap struct {
	id   string
	opts TapOptions

	mu       sync.RWMutex
	analyser *graph.Analyser
	chain    *filter.Chain
	gain     *graph.GainNode
}

// ID returns the tap's id
func (t *Tap) ID() string { return t.id }

// Filtered reports whether the tap sits behind a filter chain
func (t *Tap) Filtered() bool { return !t.opts.Raw }

// Options returns the effective, clamped options
func (t *Tap) Options() TapOptions { return t.opts }

// Size returns the number of samples per snapshot
func (t *Tap) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.Size()
}

// SampleRate returns the sample rate of the tapped signal
func (t *Tap) SampleRate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.SampleRate()
}

// TimeDomain copies the most recent samples into dst
func (t *Tap) TimeDomain(dst []float32) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.TimeDomain(dst)
}

// FrequencyData writes the dB spectrum into dst
func (t *Tap) FrequencyData(dst []float64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.FrequencyData(dst)
}

// ByteFrequencyData writes the spectrum scaled to 0..255 into dst
func (t *Tap) ByteFrequencyData(dst []byte) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.ByteFrequencyData(dst)
}

// BinFrequency returns the center frequency of spectrum bin i
func (t *Tap) BinFrequency(i int) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.analyser.BinFrequency(i)
}

// FilterStatus returns the status of the tap's chain, ok=false for raw taps
func (t *Tap) FilterStatus() (st filter.Status, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.chain == nil {
		return filter.Status{}, false
	}
	return t.chain.Status(), true
}

// attach wires the tap onto the gain stage of s. A new analyser is made
// when the sample rate changed.
func (t *Tap) attach(s *Session, params filter.Params, log logrus.FieldLogger) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.detachLocked()

	rate := s.Context.SampleRate()
	if t.analyser == nil || t.analyser.SampleRate() != rate {
		t.analyser = graph.NewAnalyser(rate, graph.AnalyserOptions{
			Size:        t.opts.BufferSize,
			Smoothing:   t.opts.Smoothing,
			MinDecibels: t.opts.MinDecibels,
			MaxDecibels: t.opts.MaxDecibels,
		})
	} else {
		t.analyser.Reset()
	}

	t.gain = s.Gain
	if t.opts.Raw {
		s.Gain.Connect(t.analyser)
		return nil
	}

	t.chain = filter.New(rate, params, log.WithField("tap", t.id))
	if err := t.chain.Connect(s.Gain, t.analyser); err != nil {
		t.chain = nil
		return fmt.Errorf("%w: tap %s: %v", audio.ErrGraphConstruction, t.id, err)
	}
	return nil
}

func (t *Tap) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detachLocked()
}

func (t *Tap) detachLocked() {
	if t.chain != nil {
		t.chain.Destroy()
		t.chain = nil
	}
	if t.gain != nil && t.analyser != nil {
		t.gain.Disconnect(t.analyser)
	}
	t.gain = nil
}

// CreateTap registers an analysis tap on the shared gain stage, replacing
// any tap with the same id. Unless opts.Raw is set the tap gets its own
// noise filter chain.
func (p *Pool) CreateTap(id string, opts TapOptions) (*Tap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.flight != nil {
		return nil, audio.ErrNotReady
	}
	p.removeTapLocked(id)

	tap := &Tap{id: id, opts: opts.normalize()}
	if err := tap.attach(p.session, p.filter, p.log); err != nil {
		return nil, err
	}
	p.taps[id] = tap

	p.log.WithFields(logrus.Fields{
		"tap":      id,
		"size":     tap.opts.BufferSize,
		"filtered": tap.Filtered(),
	}).Debug("Analysis tap created")
	return tap, nil
}

// RemoveTap disconnects and forgets a tap. Unknown ids are ignored.
func (p *Pool) RemoveTap(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeTapLocked(id)
}

func (p *Pool) removeTapLocked(id string) {
	tap, ok := p.taps[id]
	if !ok {
		return
	}
	tap.detach()
	delete(p.taps, id)
	p.log.WithField("tap", id).Debug("Analysis tap removed")
}

// Tap returns the tap registered under id
func (p *Pool) Tap(id string) (*Tap, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tap, ok := p.taps[id]
	return tap, ok
}
