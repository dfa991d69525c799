// Package graph is a small push-based audio graph: a source fed by an
// audio.Stream pushes blocks through gain and filter nodes into analysers
// that keep the most recent samples for polling.
package graph

import (
	"errors"
	"sync"

	"github.com/0xlemi/pitchpro/internal/audio"
)

// Node consumes sample blocks. Process must not modify or retain block.
type Node interface {
	Process(block []float32)
}

// Outlet fans blocks out to the nodes connected to it
type Outlet struct {
	mu      sync.RWMutex
	outputs []Node
}

// Connect adds n to the outputs. Connecting twice is a no-op.
func (o *Outlet) Connect(n Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, out := range o.outputs {
		if out == n {
			return
		}
	}
	o.outputs = append(o.outputs, n)
}

// Disconnect removes n from the outputs
func (o *Outlet) Disconnect(n Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, out := range o.outputs {
		if out == n {
			o.outputs = append(o.outputs[:i], o.outputs[i+1:]...)
			return
		}
	}
}

// DisconnectAll removes every output
func (o *Outlet) DisconnectAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outputs = nil
}

// Connected returns the number of outputs
func (o *Outlet) Connected() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.outputs)
}

// Emit pushes block to every output
func (o *Outlet) Emit(block []float32) {
	o.mu.RLock()
	outputs := make([]Node, len(o.outputs))
	copy(outputs, o.outputs)
	o.mu.RUnlock()

	for _, n := range outputs {
		n.Process(block)
	}
}

// ContextState is the running state of a Context
type ContextState int

const (
	StateSuspended ContextState = iota
	StateRunning
	StateClosed
)

func (s ContextState) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrContextClosed is returned when using a closed context
var ErrContextClosed = errors.New("audio context closed")

// Context owns the graph's sample rate and gates the flow of audio.
// Blocks only flow while the context is running.
type Context struct {
	sampleRate int

	mu      sync.Mutex
	state   ContextState
	sources []*Source
}

// NewContext creates a suspended context
func NewContext(sampleRate int) *Context {
	return &Context{sampleRate: sampleRate}
}

// SampleRate returns the sample rate of every node in the graph
func (c *Context) SampleRate() int { return c.sampleRate }

// State returns the current state
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume starts the flow of audio
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrContextClosed
	}
	c.state = StateRunning
	return nil
}

// Suspend pauses the flow of audio
func (c *Context) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrContextClosed
	}
	c.state = StateSuspended
	return nil
}

// Close stops the flow of audio for good and disconnects every source
func (c *Context) Close() {
	c.mu.Lock()
	sources := c.sources
	c.sources = nil
	c.state = StateClosed
	c.mu.Unlock()

	for _, s := range sources {
		s.DisconnectAll()
	}
}

func (c *Context) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

// Source is the entry point of a stream's blocks into the graph
type Source struct {
	Outlet
	ctx *Context
}

// NewSource creates a source and starts stream delivering into it
func (c *Context) NewSource(stream audio.Stream) (*Source, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	s := &Source{ctx: c}
	c.sources = append(c.sources, s)
	c.mu.Unlock()

	if err := stream.Start(s.handle); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) handle(block []float32) {
	if !s.ctx.running() {
		return
	}
	s.Emit(block)
}

// GainNode scales blocks by a linear gain
type GainNode struct {
	Outlet

	mu   sync.Mutex
	gain float64

	procMu sync.Mutex
	buf    []float32
}

// NewGainNode creates a gain node
func NewGainNode(gain float64) *GainNode {
	return &GainNode{gain: gain}
}

// SetGain changes the gain immediately
func (g *GainNode) SetGain(gain float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gain = gain
}

// Gain returns the current gain
func (g *GainNode) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

func (g *GainNode) Process(block []float32) {
	gain := float32(g.Gain())

	g.procMu.Lock()
	defer g.procMu.Unlock()
	if cap(g.buf) < len(block) {
		g.buf = make([]float32, len(block))
	}
	out := g.buf[:len(block)]
	for i, s := range block {
		out[i] = s * gain
	}
	g.Emit(out)
}

// Connector is anything nodes can be attached to
type Connector interface {
	Connect(n Node)
	Disconnect(n Node)
}
