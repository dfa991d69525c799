// Package pool owns the single audio input session of the process and
// hands out reference counted access to it. All consumers share one
// stream, one graph context and one gain stage; each consumer reads the
// signal through its own analysis taps.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/graph"
)

// ErrReleased is returned to callers whose initialization was overtaken by
// a forced cleanup or by every holder releasing.
var ErrReleased = errors.New("audio resources released during initialization")

// Sensitivity bounds
const (
	MinSensitivity = 0.1
	MaxSensitivity = 10.0
)

// DefaultReinitDelay is the pause between tearing down an unhealthy
// session and building its replacement.
const DefaultReinitDelay = 100 * time.Millisecond

// Options configure a Pool
type Options struct {
	Constraints audio.Constraints
	Profile     device.Profile

	// Sensitivity is the initial gain; 0 uses the profile's sensitivity
	Sensitivity float64

	Filter      filter.Params
	ReinitDelay time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// Session is one acquisition of the audio hardware
type Session struct {
	ID        string
	Stream    audio.Stream
	Context   *graph.Context
	Source    *graph.Source
	Gain      *graph.GainNode
	CreatedAt time.Time
}

// flight is an initialization in progress. waiters counts the references
// that will be granted when it succeeds.
type flight struct {
	done    chan struct{}
	gen     uint64
	waiters int
	session *Session
	err     error
}

// Pool is the process wide owner of the audio session. Create one per
// application and pass it to every consumer.
type Pool struct {
	backend audio.Backend
	opts    Options
	log     logrus.FieldLogger
	clock   clockwork.Clock

	mu          sync.Mutex
	session     *Session
	refCount    int
	flight      *flight
	gen         uint64
	taps        map[string]*Tap
	sensitivity float64
	filter      filter.Params
	lastErr     error
}

// New creates a pool on top of backend
func New(backend audio.Backend, opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Constraints.SampleRate == 0 {
		opts.Constraints = audio.DefaultConstraints()
	}
	if opts.Profile.Class == "" {
		opts.Profile = device.ForClass(device.Desktop)
	}
	if opts.Sensitivity == 0 {
		opts.Sensitivity = opts.Profile.Sensitivity
	}
	opts.Sensitivity = clampSensitivity(opts.Sensitivity)
	if opts.Filter == (filter.Params{}) {
		opts.Filter = filter.DefaultParams()
	}
	if opts.ReinitDelay == 0 {
		opts.ReinitDelay = DefaultReinitDelay
	}

	return &Pool{
		backend:     backend,
		opts:        opts,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "pool"),
		taps:        make(map[string]*Tap),
		sensitivity: opts.Sensitivity,
		filter:      opts.Filter,
	}
}

// Profile returns the device profile the pool was tuned with
func (p *Pool) Profile() device.Profile {
	return p.opts.Profile
}

// Initialize acquires a reference to the session, creating it if needed.
// A healthy session is shared immediately. An unhealthy one is rebuilt
// transparently. Concurrent calls share a single acquisition. On failure
// the reference count is unchanged.
func (p *Pool) Initialize(ctx context.Context) (*Session, error) {
	return p.acquire(ctx, true, false)
}

// Reinitialize rebuilds the session without taking a reference. Taps and
// the reference count survive the rebuild, whether it succeeds or not.
func (p *Pool) Reinitialize(ctx context.Context) (*Session, error) {
	return p.acquire(ctx, false, true)
}

func (p *Pool) acquire(ctx context.Context, addRef, force bool) (*Session, error) {
	p.mu.Lock()

	if f := p.flight; f != nil {
		if addRef {
			f.waiters++
		}
		p.mu.Unlock()
		return p.wait(ctx, f, addRef)
	}

	old := p.session
	if old != nil && !force {
		health := p.healthLocked()
		if health.Healthy {
			p.refCount++
			p.mu.Unlock()
			return old, nil
		}
		p.log.WithField("reason", health.Reason).Warn("Audio session unhealthy, rebuilding")
	}
	if old == nil && !addRef && p.refCount == 0 {
		p.mu.Unlock()
		return nil, audio.ErrNotReady
	}

	f := &flight{done: make(chan struct{}), gen: p.gen}
	if addRef {
		f.waiters = 1
	}
	p.flight = f
	p.session = nil
	p.mu.Unlock()

	if old != nil {
		p.closeSession(old)
		select {
		case <-p.clock.After(p.opts.ReinitDelay):
		case <-ctx.Done():
			return p.complete(f, nil, ctx.Err())
		}
	}

	s, err := p.build(ctx)
	return p.complete(f, s, err)
}

func (p *Pool) wait(ctx context.Context, f *flight, addRef bool) (*Session, error) {
	select {
	case <-f.done:
		return f.session, f.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	select {
	case <-f.done:
		p.mu.Unlock()
		if f.err == nil && addRef {
			// our reference was granted after all
			p.Release()
		}
	default:
		if addRef {
			f.waiters--
		}
		p.mu.Unlock()
	}
	return nil, ctx.Err()
}

// complete publishes the outcome of a flight
func (p *Pool) complete(f *flight, s *Session, err error) (*Session, error) {
	p.mu.Lock()

	p.flight = nil
	if err == nil && (p.gen != f.gen || p.refCount+f.waiters == 0) {
		err = ErrReleased
	}

	if err != nil {
		switch {
		case p.gen != f.gen:
		case p.refCount > 0:
			// holders keep their references and taps until a build succeeds
			for _, tap := range p.taps {
				tap.detach()
			}
			p.session = nil
		default:
			p.resetLocked(false)
		}
		p.lastErr = err
		f.err = err
		close(f.done)
		p.mu.Unlock()

		if s != nil {
			p.closeSession(s)
		}
		p.log.WithError(err).Error("Audio initialization failed")
		return nil, err
	}

	p.refCount += f.waiters
	p.session = s
	p.lastErr = nil
	for id, tap := range p.taps {
		if err := tap.attach(s, p.filter, p.log); err != nil {
			p.log.WithError(err).WithField("tap", id).Warn("Re-wiring tap onto rebuilt session")
		}
	}
	f.session = s
	close(f.done)

	p.log.WithFields(logrus.Fields{
		"session":  s.ID,
		"refCount": p.refCount,
		"taps":     len(p.taps),
	}).Info("Audio session ready")
	p.mu.Unlock()
	return s, nil
}

// build opens the stream and wires source -> gain
func (p *Pool) build(ctx context.Context) (*Session, error) {
	p.log.WithField("backend", p.backend.Name()).Debug("Requesting microphone access")

	stream, err := p.backend.Open(ctx, p.opts.Constraints)
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrPermissionDenied),
			errors.Is(err, audio.ErrDeviceUnavailable),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
	}

	gctx := graph.NewContext(stream.SampleRate())
	src, err := gctx.NewSource(stream)
	if err != nil {
		gctx.Close()
		stream.Close()
		return nil, fmt.Errorf("%w: %v", audio.ErrGraphConstruction, err)
	}

	p.mu.Lock()
	gain := graph.NewGainNode(p.sensitivity)
	p.mu.Unlock()
	src.Connect(gain)

	if err := gctx.Resume(); err != nil {
		gctx.Close()
		stream.Close()
		return nil, fmt.Errorf("%w: %v", audio.ErrGraphConstruction, err)
	}

	return &Session{
		ID:        uuid.NewString(),
		Stream:    stream,
		Context:   gctx,
		Source:    src,
		Gain:      gain,
		CreatedAt: p.clock.Now(),
	}, nil
}

// closeSession stops every track and tears the graph down
func (p *Pool) closeSession(s *Session) {
	for _, t := range s.Stream.Tracks() {
		t.Stop()
	}
	if err := s.Stream.Close(); err != nil {
		p.log.WithError(err).Warn("Closing audio stream")
	}
	s.Context.Close()
	s.Source.DisconnectAll()
	s.Gain.DisconnectAll()

	p.log.WithField("session", s.ID).Info("Audio session closed")
}

// resetLocked drops the session and every tap. The caller closes the
// session it held.
func (p *Pool) resetLocked(defaults bool) {
	for _, tap := range p.taps {
		tap.detach()
	}
	p.taps = make(map[string]*Tap)
	p.session = nil
	p.refCount = 0
	if defaults {
		p.sensitivity = p.opts.Sensitivity
		p.filter = p.opts.Filter
	}
}

// Release removes the named taps and drops one reference. The last
// reference tears the session down. Safe to call at any time.
func (p *Pool) Release(tapIDs ...string) {
	p.mu.Lock()
	for _, id := range tapIDs {
		p.removeTapLocked(id)
	}

	held := p.refCount > 0
	switch {
	case held:
		p.refCount--
	case p.flight != nil && p.flight.waiters > 0:
		// released before its initialization finished
		p.flight.waiters--
	}

	var s *Session
	if p.refCount == 0 && (p.session != nil || (held && p.flight == nil)) {
		s = p.session
		p.resetLocked(true)
	}
	refCount := p.refCount
	p.mu.Unlock()

	p.log.WithField("refCount", refCount).Debug("Audio reference released")
	if s != nil {
		p.closeSession(s)
	}
}

// ForceCleanup tears everything down regardless of the reference count.
// An initialization in flight finishes with ErrReleased.
func (p *Pool) ForceCleanup() {
	p.mu.Lock()
	p.gen++
	s := p.session
	p.resetLocked(true)
	p.mu.Unlock()

	if s != nil {
		p.closeSession(s)
	}
	p.log.Info("Audio resources force released")
}

// SetSensitivity clamps x to [0.1, 10] and applies it to the shared gain
// stage, or stores it for the next session. It returns the applied value.
func (p *Pool) SetSensitivity(x float64) float64 {
	x = clampSensitivity(x)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensitivity = x
	if p.session != nil {
		p.session.Gain.SetGain(x)
	}
	return x
}

// Sensitivity returns the current sensitivity
func (p *Pool) Sensitivity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sensitivity
}

func clampSensitivity(x float64) float64 {
	if x < MinSensitivity {
		return MinSensitivity
	}
	if x > MaxSensitivity {
		return MaxSensitivity
	}
	return x
}

// UpdateFilters retunes the filter chain of every filtered tap. Zero
// fields keep their value. The change is global.
func (p *Pool) UpdateFilters(u filter.Params) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filter = p.filter.Merge(u)
	for _, tap := range p.taps {
		if c := tap.chain; c != nil {
			c.Update(u)
		}
	}
}

// SetFiltersEnabled switches the filter chains of every filtered tap
// between filtering and bypass.
func (p *Pool) SetFiltersEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filter.Enabled = enabled
	for _, tap := range p.taps {
		if c := tap.chain; c != nil {
			c.SetEnabled(enabled)
		}
	}
}

// FilterParams returns the parameters new filter chains are built with
func (p *Pool) FilterParams() filter.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// CheckHealth classifies the current session
func (p *Pool) CheckHealth() audio.HealthCheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthLocked()
}

func (p *Pool) healthLocked() audio.HealthCheckResult {
	var res audio.HealthCheckResult
	if p.session == nil {
		res = audio.CheckStream(nil)
		res.ContextState = graph.StateClosed.String()
	} else {
		res = audio.CheckStream(p.session.Stream)
		res.ContextState = p.session.Context.State().String()
	}
	res.RefCount = p.refCount
	return res
}

// RefCount returns the number of references held
func (p *Pool) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

// Status is a snapshot of the pool
type Status struct {
	Initialized  bool
	Initializing bool
	SessionID    string
	RefCount     int
	ContextState string
	StreamActive bool
	Taps         []string
	FilteredTaps int
	Sensitivity  float64
	LastError    error
}

// Status returns a snapshot of the pool
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Initialized:  p.session != nil,
		Initializing: p.flight != nil,
		RefCount:     p.refCount,
		ContextState: graph.StateClosed.String(),
		Sensitivity:  p.sensitivity,
		LastError:    p.lastErr,
	}
	if s := p.session; s != nil {
		st.SessionID = s.ID
		st.ContextState = s.Context.State().String()
		st.StreamActive = s.Stream.Active()
	}
	for id, tap := range p.taps {
		st.Taps = append(st.Taps, id)
		if tap.Filtered() {
			st.FilteredTaps++
		}
	}
	sort.Strings(st.Taps)
	return st
}
