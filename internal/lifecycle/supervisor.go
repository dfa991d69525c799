// Package lifecycle keeps microphone access alive while it is wanted and
// gives it back when it is not: it reference counts logical users, polls
// the stream health with bounded automatic recovery and releases the
// device after long inactivity.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/pool"
)

var (
	// ErrMaxRecoveryAttempts is reported once automatic recovery gave up
	ErrMaxRecoveryAttempts = errors.New("microphone health check failed: maximum recovery attempts exceeded")

	// ErrDestroyed is returned by Acquire after Destroy
	ErrDestroyed = errors.New("lifecycle supervisor destroyed")
)

// State is reported to observers when microphone access starts or ends
type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
)

// Config holds the supervisor timing
type Config struct {
	HealthCheckInterval     time.Duration
	IdleTimeout             time.Duration
	RecoveryDelay           time.Duration
	MaxIdleBeforeRelease    time.Duration
	MaxRecoveryAttempts     int
	IdleCheckInterval       time.Duration
	VisibilityCheckInterval time.Duration
	VisibleRecheckDelay     time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default timing
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:     5 * time.Second,
		IdleTimeout:             5 * time.Minute,
		RecoveryDelay:           2 * time.Second,
		MaxIdleBeforeRelease:    10 * time.Minute,
		MaxRecoveryAttempts:     3,
		IdleCheckInterval:       30 * time.Second,
		VisibilityCheckInterval: 10 * time.Second,
		VisibleRecheckDelay:     time.Second,
	}
}

// merge returns c with every zero field taken from base
func (c Config) merge(base Config) Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = base.HealthCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = base.IdleTimeout
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = base.RecoveryDelay
	}
	if c.MaxIdleBeforeRelease <= 0 {
		c.MaxIdleBeforeRelease = base.MaxIdleBeforeRelease
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = base.MaxRecoveryAttempts
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = base.IdleCheckInterval
	}
	if c.VisibilityCheckInterval <= 0 {
		c.VisibilityCheckInterval = base.VisibilityCheckInterval
	}
	if c.VisibleRecheckDelay <= 0 {
		c.VisibleRecheckDelay = base.VisibleRecheckDelay
	}
	if c.Clock == nil {
		c.Clock = base.Clock
	}
	if c.Logger == nil {
		c.Logger = base.Logger
	}
	return c
}

// Pool is the part of *pool.Pool the supervisor drives
type Pool interface {
	Initialize(ctx context.Context) (*pool.Session, error)
	Reinitialize(ctx context.Context) (*pool.Session, error)
	Release(tapIDs ...string)
	ForceCleanup()
	CheckHealth() audio.HealthCheckResult
	Status() pool.Status
}

// Status is a snapshot of the supervisor
type Status struct {
	RefCount         int
	Active           bool
	Visible          bool
	UserActive       bool
	LastActivity     time.Time
	SinceActivity    time.Duration
	RecoveryAttempts int
	LastHealth       *audio.HealthCheckResult
	Pool             pool.Status
}

// Supervisor holds at most one pool reference on behalf of any number
// of logical users.
type Supervisor struct {
	pool  Pool
	clock clockwork.Clock
	log   logrus.FieldLogger

	// serializes Acquire
	acquireMu sync.Mutex

	mu           sync.Mutex
	cfg          Config
	observers    []Observer
	refCount     int
	active       bool // the supervisor owns a pool reference
	gen          uint64
	visible      bool
	userActive   bool
	lastActivity time.Time
	attempts     int
	exhausted    bool // ErrMaxRecoveryAttempts was reported this activation
	recovering   bool
	lastHealth   *audio.HealthCheckResult
	destroyed    bool

	monitorCtx   context.Context
	stopMonitors context.CancelFunc
	monitors     *errgroup.Group
	hiddenTimer  clockwork.Timer
	recheckTimer clockwork.Timer
}

// New creates a supervisor over p
func New(p Pool, cfg Config, observers ...Observer) *Supervisor {
	def := DefaultConfig()
	def.Clock = clockwork.NewRealClock()
	l := logrus.New()
	l.SetOutput(io.Discard)
	def.Logger = l
	cfg = cfg.merge(def)

	return &Supervisor{
		pool:         p,
		clock:        cfg.Clock,
		log:          cfg.Logger.WithField("component", "lifecycle"),
		cfg:          cfg,
		observers:    observers,
		visible:      true,
		userActive:   true,
		lastActivity: cfg.Clock.Now(),
	}
}

// AddObserver registers o for future events
func (s *Supervisor) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Acquire registers one user. The first user initializes the pool and
// starts the monitors; later users refresh activity and re-confirm the
// stream is healthy.
func (s *Supervisor) Acquire(ctx context.Context) error {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.refCount++
	refCount := s.refCount
	active := s.active
	gen := s.gen
	s.mu.Unlock()

	s.log.WithField("refCount", refCount).Debug("Acquiring microphone")

	if active {
		s.RecordActivity()
		if health := s.pool.CheckHealth(); !health.Healthy {
			if _, err := s.pool.Reinitialize(ctx); err != nil {
				return s.acquireFailed(fmt.Errorf("re-acquiring unhealthy stream: %w", err))
			}
		}
		return nil
	}

	if _, err := s.pool.Initialize(ctx); err != nil {
		return s.acquireFailed(err)
	}

	s.mu.Lock()
	if s.gen != gen || s.refCount == 0 {
		// released while the pool was initializing
		s.mu.Unlock()
		s.pool.Release()
		return pool.ErrReleased
	}
	s.active = true
	s.lastActivity = s.clock.Now()
	s.userActive = true
	s.attempts = 0
	s.exhausted = false
	s.startMonitorsLocked()
	s.mu.Unlock()

	s.log.Info("Microphone activated")
	s.notifyState(StateActive)
	return nil
}

func (s *Supervisor) acquireFailed(err error) error {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	s.mu.Unlock()

	s.log.WithError(err).Error("Failed to acquire microphone")
	s.notifyError(err)
	return err
}

// Release drops one user. The last one stops the monitors and releases
// the pool. Extra calls are ignored.
func (s *Supervisor) Release() {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	refCount := s.refCount
	if refCount > 0 || !s.active {
		s.mu.Unlock()
		s.log.WithField("refCount", refCount).Debug("Microphone reference released")
		return
	}
	s.active = false
	s.stopMonitorsLocked()
	s.mu.Unlock()

	s.pool.Release()
	s.log.Info("Microphone deactivated")
	s.notifyState(StateInactive)
}

// ForceRelease tears everything down regardless of the reference count
func (s *Supervisor) ForceRelease() {
	s.mu.Lock()
	s.refCount = 0
	s.gen++
	s.active = false
	s.stopMonitorsLocked()
	s.mu.Unlock()

	s.pool.ForceCleanup()
	s.log.Warn("Microphone force released")
	s.notifyState(StateInactive)
}

// RecordActivity marks the user as active now
func (s *Supervisor) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.clock.Now()
	s.userActive = true
}

// SetVisible reports whether the application is in the foreground.
// Becoming visible schedules a health check; becoming hidden arms a
// release after the maximum idle time.
func (s *Supervisor) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	if !s.active {
		s.mu.Unlock()
		return
	}
	ctx := s.monitorCtx
	cfg := s.cfg

	if visible {
		s.lastActivity = s.clock.Now()
		s.userActive = true
		stopTimer(&s.hiddenTimer)
		stopTimer(&s.recheckTimer)
		s.recheckTimer = s.clock.AfterFunc(cfg.VisibleRecheckDelay, func() {
			s.CheckHealth(ctx)
		})
		s.mu.Unlock()
		s.log.Debug("Became visible, scheduling health check")
		return
	}

	stopTimer(&s.hiddenTimer)
	s.hiddenTimer = s.clock.AfterFunc(cfg.MaxIdleBeforeRelease, func() {
		s.mu.Lock()
		release := !s.visible && s.active && ctx.Err() == nil &&
			s.clock.Since(s.lastActivity) >= cfg.MaxIdleBeforeRelease
		s.mu.Unlock()
		if release {
			s.log.Warn("Hidden and inactive too long, releasing microphone")
			s.ForceRelease()
		}
	})
	s.mu.Unlock()
	s.log.Debug("Became hidden")
}

// CheckHealth runs one health check. An unhealthy stream is recovered
// after the recovery delay, at most MaxRecoveryAttempts times per
// activation; after that ErrMaxRecoveryAttempts is reported.
func (s *Supervisor) CheckHealth(ctx context.Context) audio.HealthCheckResult {
	s.mu.Lock()
	if !s.active || s.recovering || ctx.Err() != nil {
		var res audio.HealthCheckResult
		if s.lastHealth != nil {
			res = *s.lastHealth
		}
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	res := s.pool.CheckHealth()

	s.mu.Lock()
	s.lastHealth = &res
	if res.Healthy {
		s.mu.Unlock()
		return res
	}
	if s.attempts >= s.cfg.MaxRecoveryAttempts {
		if s.exhausted {
			s.mu.Unlock()
			return res
		}
		s.exhausted = true
		s.mu.Unlock()
		err := fmt.Errorf("%w: %w", ErrMaxRecoveryAttempts, &audio.HealthError{Result: res})
		s.log.WithError(err).Error("Microphone recovery exhausted, manual intervention required")
		s.notifyError(err)
		return res
	}
	s.attempts++
	attempt := s.attempts
	limit := s.cfg.MaxRecoveryAttempts
	delay := s.cfg.RecoveryDelay
	s.recovering = true
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"reason":  res.Reason,
		"attempt": attempt,
		"max":     limit,
	}).Warn("Unhealthy microphone, attempting recovery")

	err := s.recover(ctx, delay)

	s.mu.Lock()
	s.recovering = false
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("attempt", attempt).Error("Automatic recovery failed")
	} else {
		s.log.WithField("attempt", attempt).Info("Automatic recovery successful")
	}
	for _, o := range s.snapshotObservers() {
		o.OnRecovery(attempt, err)
	}
	if err != nil {
		s.notifyError(err)
	}
	return res
}

// recover rebuilds the session in place. The supervisor's reference and
// every tap survive a failed rebuild, so the next attempt rebuilds again.
func (s *Supervisor) recover(ctx context.Context, delay time.Duration) error {
	select {
	case <-s.clock.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	_, err := s.pool.Reinitialize(ctx)

	s.mu.Lock()
	stale := s.gen != gen || !s.active
	s.mu.Unlock()
	if stale {
		return pool.ErrReleased
	}
	return err
}

// CheckIdle marks the user inactive after the idle timeout and force
// releases after the maximum idle time, whatever the reference count.
func (s *Supervisor) CheckIdle() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	since := s.clock.Since(s.lastActivity)
	if since > s.cfg.IdleTimeout && s.userActive {
		s.userActive = false
		s.log.WithField("idle", since).Info("User idle")
	}
	release := since > s.cfg.MaxIdleBeforeRelease
	s.mu.Unlock()

	if release {
		s.log.WithField("idle", since).Warn("Extreme idle, releasing microphone")
		s.ForceRelease()
	}
}

// Status returns a snapshot of the supervisor and its pool
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		RefCount:         s.refCount,
		Active:           s.active,
		Visible:          s.visible,
		UserActive:       s.userActive,
		LastActivity:     s.lastActivity,
		SinceActivity:    s.clock.Since(s.lastActivity),
		RecoveryAttempts: s.attempts,
	}
	if s.lastHealth != nil {
		h := *s.lastHealth
		st.LastHealth = &h
	}
	s.mu.Unlock()

	st.Pool = s.pool.Status()
	return st
}

// UpdateConfig replaces the non-zero timing fields and restarts the
// monitors when active.
func (s *Supervisor) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.Clock, cfg.Logger = nil, nil
	s.cfg = cfg.merge(s.cfg)
	if s.active {
		s.startMonitorsLocked()
	}
	s.log.WithFields(logrus.Fields{
		"health": s.cfg.HealthCheckInterval,
		"idle":   s.cfg.IdleTimeout,
	}).Info("Lifecycle configuration updated")
}

// Config returns the current timing
func (s *Supervisor) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Destroy force releases and waits for the monitors to exit. The
// supervisor cannot be used afterwards.
func (s *Supervisor) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	g := s.monitors
	s.mu.Unlock()

	s.ForceRelease()
	if g != nil {
		_ = g.Wait()
	}
	s.log.Info("Lifecycle supervisor destroyed")
}

func (s *Supervisor) startMonitorsLocked() {
	s.stopMonitorsLocked()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.monitorCtx, s.stopMonitors, s.monitors = gctx, cancel, g
	cfg := s.cfg

	g.Go(func() error {
		return s.every(gctx, cfg.HealthCheckInterval, func() { s.CheckHealth(gctx) })
	})
	g.Go(func() error {
		return s.every(gctx, cfg.IdleCheckInterval, s.CheckIdle)
	})
	g.Go(func() error {
		return s.every(gctx, cfg.VisibilityCheckInterval, func() {
			s.mu.Lock()
			visible := s.visible
			s.mu.Unlock()
			if visible {
				s.CheckHealth(gctx)
			}
		})
	})

	s.log.WithFields(logrus.Fields{
		"health":     cfg.HealthCheckInterval,
		"idle":       cfg.IdleCheckInterval,
		"visibility": cfg.VisibilityCheckInterval,
	}).Debug("Monitoring started")
}

// stopMonitorsLocked cancels the monitors without waiting, since it may
// run on a monitor goroutine.
func (s *Supervisor) stopMonitorsLocked() {
	if s.stopMonitors != nil {
		s.stopMonitors()
		s.stopMonitors = nil
		s.log.Debug("Monitoring stopped")
	}
	stopTimer(&s.hiddenTimer)
	stopTimer(&s.recheckTimer)
}

func (s *Supervisor) every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := s.clock.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			fn()
		}
	}
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Supervisor) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Supervisor) notifyState(st State) {
	for _, o := range s.snapshotObservers() {
		o.OnStateChange(st)
	}
}

func (s *Supervisor) notifyError(err error) {
	for _, o := range s.snapshotObservers() {
		o.OnError(err)
	}
}
