package lifecycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/audio/audiotest"
	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/pitch"
	"github.com/0xlemi/pitchpro/internal/pool"
)

type recorder struct {
	mu         sync.Mutex
	states     []State
	errs       []error
	recoveries []error
}

func (r *recorder) OnStateChange(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnRecovery(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, err)
}

func (r *recorder) snapshot() (states []State, errs, recoveries []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...),
		append([]error(nil), r.errs...),
		append([]error(nil), r.recoveries...)
}

func newPool(b audio.Backend) *pool.Pool {
	return pool.New(b, pool.Options{
		Profile:     device.ForClass(device.Desktop),
		ReinitDelay: time.Millisecond,
	})
}

// quietConfig keeps the monitors from firing on their own
func quietConfig(clock clockwork.Clock) Config {
	return Config{
		HealthCheckInterval:     time.Hour,
		IdleCheckInterval:       time.Hour,
		VisibilityCheckInterval: time.Hour,
		RecoveryDelay:           time.Millisecond,
		Clock:                   clock,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisor_AcquireRelease(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	rec := &recorder{}
	s := New(p, quietConfig(clockwork.NewRealClock()), rec)
	defer s.Destroy()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if st := s.Status(); st.RefCount != 2 || !st.Active {
		t.Errorf("status = %+v, want refCount 2 active", st)
	}
	if rc := p.RefCount(); rc != 1 {
		t.Errorf("pool refCount = %d, want 1", rc)
	}
	if n := b.OpenCalls(); n != 1 {
		t.Errorf("Open calls = %d, want 1", n)
	}

	s.Release()
	if st := s.Status(); st.RefCount != 1 || !st.Active || !st.Pool.Initialized {
		t.Errorf("after one release: %+v", st)
	}

	s.Release()
	s.Release()
	st := s.Status()
	if st.RefCount != 0 || st.Active || st.Pool.Initialized {
		t.Errorf("after last release: %+v", st)
	}
	if n := b.Last().Closed(); n != 1 {
		t.Errorf("stream closed %d times, want 1", n)
	}

	states, _, _ := rec.snapshot()
	if len(states) != 2 || states[0] != StateActive || states[1] != StateInactive {
		t.Errorf("states = %v, want [active inactive]", states)
	}
}

func TestSupervisor_BoundedRecovery(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	rec := &recorder{}
	s := New(p, quietConfig(clockwork.NewRealClock()), rec)
	defer s.Destroy()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b.Last().SetInactive(true)
	b.SetOpenErr(errors.New("device unplugged"))

	for i := 0; i < 4; i++ {
		if res := s.CheckHealth(ctx); res.Healthy {
			t.Fatalf("check %d reported healthy", i)
		}
	}

	_, errs, recoveries := rec.snapshot()
	if len(recoveries) != 3 {
		t.Fatalf("recovery attempts = %d, want 3", len(recoveries))
	}
	for i, err := range recoveries {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Errorf("recovery %d error = %v, want ErrDeviceUnavailable", i+1, err)
		}
	}
	if len(errs) != 4 {
		t.Fatalf("errors = %d, want 4", len(errs))
	}
	last := errs[len(errs)-1]
	if !errors.Is(last, ErrMaxRecoveryAttempts) || !errors.Is(last, audio.ErrStreamHealth) {
		t.Errorf("final error = %v, want ErrMaxRecoveryAttempts wrapping ErrStreamHealth", last)
	}
	if n := b.OpenCalls(); n != 4 {
		t.Errorf("Open calls = %d, want 4", n)
	}
	if st := s.Status(); st.RecoveryAttempts != 3 {
		t.Errorf("RecoveryAttempts = %d, want 3", st.RecoveryAttempts)
	}

	// later checks neither retry nor report again
	s.CheckHealth(ctx)
	s.CheckHealth(ctx)
	_, errs, recoveries = rec.snapshot()
	if len(recoveries) != 3 {
		t.Errorf("recovery attempts after more checks = %d, want 3", len(recoveries))
	}
	if len(errs) != 4 {
		t.Errorf("errors after more checks = %d, want 4", len(errs))
	}
	if rc := p.RefCount(); rc != 1 {
		t.Errorf("pool refCount = %d, want 1", rc)
	}
}

func TestSupervisor_RecoverySucceeds(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	rec := &recorder{}
	s := New(p, quietConfig(clockwork.NewRealClock()), rec)
	defer s.Destroy()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := b.Last()
	first.Track(0).SetState(audio.TrackEnded)

	if res := s.CheckHealth(ctx); res.Healthy || res.Reason != audio.ReasonTrackEnded {
		t.Errorf("check = %+v, want unhealthy with %q", res, audio.ReasonTrackEnded)
	}
	_, errs, recoveries := rec.snapshot()
	if len(recoveries) != 1 || recoveries[0] != nil {
		t.Fatalf("recoveries = %v, want one success", recoveries)
	}
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	if b.Last() == first {
		t.Error("stream was not replaced")
	}
	if rc := p.RefCount(); rc != 1 {
		t.Errorf("pool refCount = %d, want 1", rc)
	}
	if res := s.CheckHealth(ctx); !res.Healthy {
		t.Errorf("after recovery: %+v", res)
	}
}

func TestSupervisor_RecoveryRewiresEngine(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	rec := &recorder{}
	s := New(p, quietConfig(clockwork.NewRealClock()), rec)
	defer s.Destroy()
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cfg := pitch.DefaultConfig()
	cfg.Clock = clockwork.NewFakeClock()
	e := pitch.New(p, cfg)
	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("engine Initialize: %v", err)
	}
	if err := e.StartDetection(); err != nil {
		t.Fatalf("StartDetection: %v", err)
	}
	filteredID, rawID := e.TapIDs()

	// the first recovery fails, the second succeeds
	b.Last().Track(0).SetState(audio.TrackEnded)
	b.SetOpenErr(audio.ErrDeviceUnavailable)
	s.CheckHealth(ctx)
	if rc := p.RefCount(); rc != 2 {
		t.Fatalf("pool refCount after failed recovery = %d, want 2", rc)
	}
	b.SetOpenErr(nil)
	s.CheckHealth(ctx)

	_, _, recoveries := rec.snapshot()
	if len(recoveries) != 2 || recoveries[0] == nil || recoveries[1] != nil {
		t.Fatalf("recoveries = %v, want a failure then a success", recoveries)
	}
	if rc := p.RefCount(); rc != 2 {
		t.Errorf("pool refCount after recovery = %d, want 2", rc)
	}
	for _, id := range []string{filteredID, rawID} {
		if _, ok := p.Tap(id); !ok {
			t.Errorf("tap %s lost across recovery", id)
		}
	}
	if tap, _ := p.Tap(filteredID); tap != e.FilteredTap() {
		t.Error("engine filtered tap is not the pool's tap")
	}

	audiotest.Feed(b.Last(), 220, 0.9, 16384, 1024)
	r, ok := e.Step()
	if !ok || math.Abs(r.Frequency-220) > 1 {
		t.Errorf("reading after recovery = %+v (ok=%v), want 220 Hz", r, ok)
	}

	e.Cleanup()
	if rc := p.RefCount(); rc != 1 {
		t.Errorf("pool refCount after engine cleanup = %d, want 1", rc)
	}
	if res := s.CheckHealth(ctx); !res.Healthy {
		t.Errorf("supervisor session after engine cleanup: %+v", res)
	}
}

func TestSupervisor_IdleSafetyValve(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Clock = clock
	s := New(p, cfg)
	defer s.Destroy()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Acquire(ctx); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	clock.Advance(6 * time.Minute)
	s.CheckIdle()
	if st := s.Status(); !st.Active || st.UserActive {
		t.Errorf("after idle timeout: active=%v userActive=%v, want true false", st.Active, st.UserActive)
	}

	clock.Advance(5 * time.Minute)
	s.CheckIdle()
	if st := s.Status(); st.Active || st.RefCount != 0 {
		t.Errorf("after max idle: active=%v refCount=%d", st.Active, st.RefCount)
	}
	waitFor(t, "pool teardown", func() bool { return !p.Status().Initialized })
}

func TestSupervisor_ActivityKeepsAlive(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	clock := clockwork.NewFakeClock()
	cfg := quietConfig(clock)
	s := New(p, cfg)
	defer s.Destroy()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for i := 0; i < 4; i++ {
		clock.Advance(4 * time.Minute)
		s.RecordActivity()
		s.CheckIdle()
	}
	if st := s.Status(); !st.Active || !st.UserActive {
		t.Errorf("status = %+v, want active user", st)
	}
}

func TestSupervisor_HiddenRelease(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	clock := clockwork.NewFakeClock()
	s := New(p, quietConfig(clock))
	defer s.Destroy()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.SetVisible(false)
	clock.Advance(10 * time.Minute)
	waitFor(t, "hidden release", func() bool { return !s.Status().Active })
	if st := s.Status(); st.Visible {
		t.Error("status reports visible")
	}
}

func TestSupervisor_VisibleCancelsHiddenRelease(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	clock := clockwork.NewFakeClock()
	s := New(p, quietConfig(clock))
	defer s.Destroy()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.SetVisible(false)
	clock.Advance(5 * time.Minute)
	s.SetVisible(true)
	clock.Advance(6 * time.Minute)

	time.Sleep(20 * time.Millisecond)
	if st := s.Status(); !st.Active {
		t.Error("released although the application became visible again")
	}
}

func TestSupervisor_ReleaseDuringInitialize(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	b.Gate = make(chan struct{})
	p := newPool(b)
	s := New(p, quietConfig(clockwork.NewRealClock()))
	defer s.Destroy()

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background()) }()

	waitFor(t, "Open", func() bool { return b.OpenCalls() == 1 })
	s.Release()
	close(b.Gate)

	if err := <-done; !errors.Is(err, pool.ErrReleased) {
		t.Errorf("Acquire = %v, want ErrReleased", err)
	}
	if st := s.Status(); st.Active || st.RefCount != 0 {
		t.Errorf("status = %+v", st)
	}
	if rc := p.RefCount(); rc != 0 {
		t.Errorf("pool refCount = %d, want 0", rc)
	}
}

func TestSupervisor_AcquireFailure(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	b.SetOpenErr(audio.ErrPermissionDenied)
	p := newPool(b)
	rec := &recorder{}
	s := New(p, quietConfig(clockwork.NewRealClock()), rec)
	defer s.Destroy()

	if err := s.Acquire(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Acquire = %v, want ErrPermissionDenied", err)
	}
	if st := s.Status(); st.RefCount != 0 || st.Active {
		t.Errorf("status = %+v", st)
	}
	if _, errs, _ := rec.snapshot(); len(errs) != 1 {
		t.Errorf("errors = %d, want 1", len(errs))
	}
}

func TestSupervisor_ForceReleaseAndDestroy(t *testing.T) {
	t.Parallel()

	b := audiotest.NewBackend(44100)
	p := newPool(b)
	s := New(p, quietConfig(clockwork.NewRealClock()))

	s.ForceRelease() // idle: must not panic

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Acquire(ctx); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	s.ForceRelease()
	if st := s.Status(); st.RefCount != 0 || st.Active || st.Pool.Initialized {
		t.Errorf("after ForceRelease: %+v", st)
	}

	s.Destroy()
	if err := s.Acquire(ctx); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Acquire after Destroy = %v, want ErrDestroyed", err)
	}
}

func TestSupervisor_UpdateConfig(t *testing.T) {
	t.Parallel()

	s := New(newPool(audiotest.NewBackend(44100)), Config{})
	defer s.Destroy()

	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.UpdateConfig(Config{HealthCheckInterval: time.Minute})

	cfg := s.Config()
	if cfg.HealthCheckInterval != time.Minute {
		t.Errorf("HealthCheckInterval = %v", cfg.HealthCheckInterval)
	}
	if cfg.IdleTimeout != DefaultConfig().IdleTimeout {
		t.Errorf("IdleTimeout = %v, want default", cfg.IdleTimeout)
	}
	if cfg.Clock == nil || cfg.Logger == nil {
		t.Error("clock or logger lost")
	}
}
