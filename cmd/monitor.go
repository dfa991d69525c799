package main

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/0xlemi/pitchpro/internal/calibration"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
	"github.com/0xlemi/pitchpro/internal/notify"
	"github.com/0xlemi/pitchpro/internal/pitch"
	"github.com/0xlemi/pitchpro/internal/pool"
	"github.com/0xlemi/pitchpro/internal/ui"
)

func newMonitorCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Show the live pitch of the microphone",
		Long: `Runs the live monitor. Keys count as activity; after a long idle
period, or while the terminal is unfocused for too long, the microphone is
released and any key re-acquires it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), o)
		},
	}
}

// monitor glues the engine, the supervisor and the stored calibration
// to the TUI
type monitor struct {
	ctx    context.Context
	log    logrus.FieldLogger
	pool   *pool.Pool
	engine *pitch.Engine
	sup    *lifecycle.Supervisor
	cal    *calibration.System
	notes  *notify.Center

	// serializes Resume and Shutdown
	mu sync.Mutex
}

func runMonitor(ctx context.Context, o *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(o, true)
	if err != nil {
		return err
	}
	defer a.Close()

	m := &monitor{
		ctx:    ctx,
		log:    a.log.WithField("component", "monitor"),
		pool:   a.pool,
		engine: pitch.New(a.pool, o.cfg.PitchConfig(nil, a.log)),
		sup:    lifecycle.New(a.pool, o.cfg.LifecycleConfig(nil, a.log)),
		cal:    calibration.New(o.cfg.CalibrationOptions(a.profile, a.filter, nil, a.log)),
	}
	if ok, err := m.cal.Load(); err != nil {
		m.log.WithError(err).Warn("Ignoring stored calibration")
	} else if ok {
		m.log.Info("Using stored calibration")
	}

	prog := tea.NewProgram(ui.NewModel(m),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
		tea.WithContext(ctx),
	)
	send := ui.Sender(prog.Send)

	m.notes = notify.New(notify.Options{Logger: a.log},
		notify.LogSink{Logger: a.log},
		ui.NotifySink(send),
	)
	m.engine.AddObserver(ui.PitchObserver(send))
	m.engine.AddObserver(pitch.ObserverFuncs{Error: m.report})
	m.sup.AddObserver(ui.LifecycleObserver(send))
	m.sup.AddObserver(lifecycle.ObserverFuncs{
		StateChange: func(s lifecycle.State) {
			if s == lifecycle.StateInactive {
				m.engine.StopDetection()
			}
		},
		Error: m.report,
	})

	_, err = prog.Run()
	m.engine.Cleanup()
	m.sup.Destroy()
	m.notes.Clear()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *monitor) report(err error) {
	attempts := m.sup.Status().RecoveryAttempts
	if ev, ok := notify.FromError(err, attempts); ok {
		m.notes.Show(ev)
	}
}

// Resume acquires the microphone, restarting the engine on a fresh
// session
func (m *monitor) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// drops the engine's reference to a session that was force released
	if m.engine.State() != pitch.StateUninitialized {
		m.engine.Cleanup()
	}
	if err := m.sup.Acquire(m.ctx); err != nil {
		return err
	}
	// the engine reports the device once initialized, so settings land first
	if err := m.cal.Apply(m.engine); err != nil && !errors.Is(err, calibration.ErrNotCalibrated) {
		m.log.WithError(err).Warn("Could not apply calibration")
	}
	if err := m.engine.Initialize(m.ctx); err != nil {
		m.sup.Release()
		return err
	}
	return m.engine.StartDetection()
}

// Shutdown stops detection and force releases the microphone
func (m *monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine.StopDetection()
	m.sup.ForceRelease()
}

func (m *monitor) RecordActivity()         { m.sup.RecordActivity() }
func (m *monitor) SetVisible(visible bool) { m.sup.SetVisible(visible) }
func (m *monitor) ResetDisplay()           { m.engine.ResetDisplayState() }

func (m *monitor) Sensitivity() float64 {
	return m.pool.Sensitivity()
}

func (m *monitor) SetSensitivity(x float64) float64 {
	return m.engine.SetSensitivity(x)
}

func (m *monitor) HarmonicCorrectionEnabled() bool {
	return m.engine.HarmonicCorrectionEnabled()
}

func (m *monitor) SetHarmonicCorrectionEnabled(enabled bool) {
	m.engine.SetHarmonicCorrectionEnabled(enabled)
}

func (m *monitor) Spectrum(dst []byte) int {
	tap := m.engine.FilteredTap()
	if tap == nil {
		return 0
	}
	return tap.ByteFrequencyData(dst)
}
