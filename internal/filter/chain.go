// Package filter implements the noise filter chain that sits between the
// shared gain stage and a filtered analysis tap: highpass, lowpass and a
// mains hum notch in cascade.
package filter

import (
	"errors"
	"io"
	"math/cmplx"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/0xlemi/pitchpro/internal/dsp"
	"github.com/0xlemi/pitchpro/internal/graph"
)

// ErrDestroyed is returned when wiring a destroyed chain
var ErrDestroyed = errors.New("filter chain destroyed")

// Params are the cutoffs and Qs of the three stages
type Params struct {
	HighpassFreq float64 `json:"highpassFreq"`
	HighpassQ    float64 `json:"highpassQ"`
	LowpassFreq  float64 `json:"lowpassFreq"`
	LowpassQ     float64 `json:"lowpassQ"`
	NotchFreq    float64 `json:"notchFreq"`
	NotchQ       float64 `json:"notchQ"`
	Enabled      bool    `json:"enabled"`
}

// DefaultParams returns the voice preset
func DefaultParams() Params {
	return Params{
		HighpassFreq: 80,
		HighpassQ:    0.7,
		LowpassFreq:  800,
		LowpassQ:     0.7,
		NotchFreq:    60,
		NotchQ:       10,
		Enabled:      true,
	}
}

// Preset names
const (
	PresetVoice      = "voice"
	PresetInstrument = "instrument"
	PresetWide       = "wide"
	PresetMinimal    = "minimal"
)

// Preset returns the parameters of a named preset. Unknown names return
// the voice cutoffs with filtering disabled.
func Preset(name string) Params {
	p := DefaultParams()
	switch name {
	case PresetVoice:
	case PresetInstrument:
		p.HighpassFreq, p.LowpassFreq = 60, 2000
	case PresetWide:
		p.HighpassFreq, p.HighpassQ = 40, 0.5
		p.LowpassFreq, p.LowpassQ = 4000, 0.5
		p.NotchQ = 5
	case PresetMinimal:
		p.HighpassFreq, p.HighpassQ = 20, 0.5
		p.LowpassFreq, p.LowpassQ = 8000, 0.5
		p.NotchQ = 30
	default:
		p.Enabled = false
	}
	return p
}

// Merge overlays the non-zero cutoffs and Qs of u onto p. Enabled is
// left alone.
func (p Params) Merge(u Params) Params {
	set := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	set(&p.HighpassFreq, u.HighpassFreq)
	set(&p.HighpassQ, u.HighpassQ)
	set(&p.LowpassFreq, u.LowpassFreq)
	set(&p.LowpassQ, u.LowpassQ)
	set(&p.NotchFreq, u.NotchFreq)
	set(&p.NotchQ, u.NotchQ)
	return p
}

// stage is one biquad as a graph node
type stage struct {
	graph.Outlet
	biquad *dsp.Biquad

	mu  sync.Mutex
	buf []float32
}

func newStage(typ dsp.FilterType, sampleRate, freq, q float64) *stage {
	return &stage{biquad: dsp.NewBiquad(typ, sampleRate, freq, q)}
}

func (s *stage) Process(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(s.buf) < len(block) {
		s.buf = make([]float32, len(block))
	}
	out := s.buf[:len(block)]
	s.biquad.Process(out, block)
	s.Emit(out)
}

// Chain is one instance of the three stage filter, owned by a single tap
type Chain struct {
	log logrus.FieldLogger

	mu        sync.Mutex
	params    Params
	highpass  *stage
	lowpass   *stage
	notch     *stage
	input     graph.Connector
	output    graph.Node
	destroyed bool
}

// New creates a chain for a graph running at sampleRate
func New(sampleRate int, p Params, log logrus.FieldLogger) *Chain {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	rate := float64(sampleRate)
	return &Chain{
		log:      log.WithField("component", "filter"),
		params:   p,
		highpass: newStage(dsp.Highpass, rate, p.HighpassFreq, p.HighpassQ),
		lowpass:  newStage(dsp.Lowpass, rate, p.LowpassFreq, p.LowpassQ),
		notch:    newStage(dsp.Notch, rate, p.NotchFreq, p.NotchQ),
	}
}

// Connect wires input through the chain into output, dropping any
// previous wiring first.
func (c *Chain) Connect(input graph.Connector, output graph.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}

	c.unwire()
	c.input, c.output = input, output
	c.wire()

	c.log.WithField("enabled", c.params.Enabled).Debug("Filter chain connected")
	return nil
}

func (c *Chain) wire() {
	if c.input == nil || c.output == nil {
		return
	}
	if !c.params.Enabled {
		c.input.Connect(c.output)
		return
	}
	c.highpass.Connect(c.lowpass)
	c.lowpass.Connect(c.notch)
	c.notch.Connect(c.output)
	c.input.Connect(c.highpass)
}

func (c *Chain) unwire() {
	if c.input != nil {
		c.input.Disconnect(c.highpass)
		if c.output != nil {
			c.input.Disconnect(c.output)
		}
	}
	c.highpass.DisconnectAll()
	c.lowpass.DisconnectAll()
	c.notch.DisconnectAll()
}

// Connected reports whether the chain is wired into a graph
func (c *Chain) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input != nil
}

// Update retunes the stages in place. Zero fields keep their value.
func (c *Chain) Update(u Params) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.params = c.params.Merge(u)
	c.highpass.biquad.SetParams(c.params.HighpassFreq, c.params.HighpassQ)
	c.lowpass.biquad.SetParams(c.params.LowpassFreq, c.params.LowpassQ)
	c.notch.biquad.SetParams(c.params.NotchFreq, c.params.NotchQ)

	c.log.WithFields(logrus.Fields{
		"highpass": c.params.HighpassFreq,
		"lowpass":  c.params.LowpassFreq,
		"notch":    c.params.NotchFreq,
	}).Debug("Filter parameters updated")
}

// SetEnabled switches between filtering and a direct bypass, re-wiring in
// place when connected.
func (c *Chain) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params.Enabled == enabled {
		return
	}
	c.unwire()
	c.params.Enabled = enabled
	c.wire()
}

// Params returns the current parameters
func (c *Chain) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Response returns the magnitude and phase of the whole cascade at freq.
// A disabled chain passes everything unchanged.
func (c *Chain) Response(freq float64) (magnitude, phase float64) {
	c.mu.Lock()
	enabled := c.params.Enabled
	c.mu.Unlock()
	if !enabled {
		return 1, 0
	}

	h := c.highpass.biquad.Transfer(freq) *
		c.lowpass.biquad.Transfer(freq) *
		c.notch.biquad.Transfer(freq)
	return cmplx.Abs(h), cmplx.Phase(h)
}

// Status is a snapshot of the chain
type Status struct {
	Connected  bool
	Enabled    bool
	HasFilters bool
	Types      []string
	Params     Params
}

// Status returns a snapshot of the chain
func (c *Chain) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Connected: c.input != nil,
		Enabled:   c.params.Enabled,
		Params:    c.params,
	}
	if !c.destroyed {
		st.HasFilters = true
		st.Types = []string{
			c.highpass.biquad.Type().String(),
			c.lowpass.biquad.Type().String(),
			c.notch.biquad.Type().String(),
		}
	}
	return st
}

// Destroy disconnects the chain for good
func (c *Chain) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unwire()
	c.input, c.output = nil, nil
	c.destroyed = true
}
