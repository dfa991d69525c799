package ui

import (
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/0xlemi/pitchpro/internal/lifecycle"
	"github.com/0xlemi/pitchpro/internal/notify"
	"github.com/0xlemi/pitchpro/internal/pitch"
)

type fakeController struct {
	activity int
	visible  []bool
	sens     float64
	harmonic bool
	resets   int
	resumes  int
	shutdown bool
}

func (f *fakeController) RecordActivity()                 { f.activity++ }
func (f *fakeController) SetVisible(v bool)               { f.visible = append(f.visible, v) }
func (f *fakeController) Sensitivity() float64            { return f.sens }
func (f *fakeController) HarmonicCorrectionEnabled() bool { return f.harmonic }
func (f *fakeController) ResetDisplay()                   { f.resets++ }
func (f *fakeController) Resume() error                   { f.resumes++; return nil }
func (f *fakeController) Shutdown()                       { f.shutdown = true }

func (f *fakeController) SetHarmonicCorrectionEnabled(enabled bool) {
	f.harmonic = enabled
}

func (f *fakeController) SetSensitivity(x float64) float64 {
	f.sens = x
	return x
}

func (f *fakeController) Spectrum(dst []byte) int {
	for i := range dst {
		dst[i] = 255
	}
	return len(dst)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func activeModel(t *testing.T, ctrl *fakeController) Model {
	t.Helper()
	m := NewModel(ctrl)
	m, _ = update(t, m, resumedMsg{})
	m, _ = update(t, m, MicStateMsg(lifecycle.StateActive))
	return m
}

func TestModel_Keys(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{sens: 1, harmonic: true}
	m := activeModel(t, ctrl)

	m, _ = update(t, m, key("+"))
	if math.Abs(ctrl.sens-1.1) > 1e-9 || math.Abs(m.sens-1.1) > 1e-9 {
		t.Errorf("after +: sensitivity %v / %v, want 1.1", ctrl.sens, m.sens)
	}
	m, _ = update(t, m, key("-"))
	if math.Abs(ctrl.sens-1) > 1e-9 {
		t.Errorf("after -: sensitivity %v, want 1", ctrl.sens)
	}

	m, _ = update(t, m, key("h"))
	if ctrl.harmonic || m.harmonic {
		t.Error("h did not disable harmonic correction")
	}
	m, _ = update(t, m, key("r"))
	if ctrl.resets != 1 {
		t.Errorf("resets = %d, want 1", ctrl.resets)
	}

	m, cmd := update(t, m, key("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	_, cmd = update(t, m, cmd())
	if !ctrl.shutdown {
		t.Error("q did not shut down")
	}
	if cmd == nil {
		t.Fatal("no quit after shutdown")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
	if ctrl.activity != 5 {
		t.Errorf("activity = %d, want one per key", ctrl.activity)
	}
	if ctrl.resumes != 0 {
		t.Errorf("resumes = %d with an active microphone", ctrl.resumes)
	}
}

func TestModel_ResumeAfterRelease(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{sens: 1}
	m := activeModel(t, ctrl)
	m, _ = update(t, m, MicStateMsg(lifecycle.StateInactive))
	if !strings.Contains(m.View(), "Microphone released") {
		t.Error("released state not shown")
	}

	m, cmd := update(t, m, key("x"))
	if cmd == nil {
		t.Fatal("no resume command")
	}
	// a second key while resuming does not start another
	m, again := update(t, m, key("x"))
	if again != nil {
		t.Error("resume started twice")
	}

	m, _ = update(t, m, cmd())
	if ctrl.resumes != 1 || m.resuming {
		t.Errorf("resumes = %d, resuming = %v", ctrl.resumes, m.resuming)
	}
}

func TestModel_Focus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{sens: 1}
	m := activeModel(t, ctrl)
	m, _ = update(t, m, tea.BlurMsg{})
	m, _ = update(t, m, tea.FocusMsg{})
	if len(ctrl.visible) != 2 || ctrl.visible[0] || !ctrl.visible[1] {
		t.Errorf("visibility = %v, want [false true]", ctrl.visible)
	}
	if !m.focused {
		t.Error("model not focused")
	}
}

func TestStabilizer(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a4 := func(at time.Duration) pitch.Reading {
		return pitch.Reading{Frequency: 440, Note: "A4", Clarity: 0.9, Volume: 60, Time: t0.Add(at)}
	}
	quiet := func(at time.Duration) pitch.Reading {
		return pitch.Reading{Note: pitch.SilenceName, Time: t0.Add(at)}
	}

	var s stabilizer
	s.observe(a4(0))
	s.observe(a4(100 * time.Millisecond))
	if s.note != nil {
		t.Fatal("note stable too early")
	}
	s.observe(a4(300 * time.Millisecond))
	if s.note == nil || s.note.Note != "A4" {
		t.Fatalf("note = %v, want A4", s.note)
	}

	s.observe(quiet(500 * time.Millisecond))
	if s.note == nil {
		t.Error("note dropped before the display duration")
	}
	s.observe(quiet(800 * time.Millisecond))
	if s.note != nil {
		t.Error("note kept after the display duration")
	}

	// a flicker to another note restarts the wait
	s.observe(a4(time.Second))
	s.observe(pitch.Reading{Frequency: 466, Note: "A#4", Time: t0.Add(1100 * time.Millisecond)})
	s.observe(a4(1200 * time.Millisecond))
	s.observe(a4(1400 * time.Millisecond))
	if s.note != nil {
		t.Error("note stable although it was interrupted")
	}
}

func TestModel_View(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{sens: 1}
	m := activeModel(t, ctrl)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond} {
		m, _ = update(t, m, ReadingMsg(pitch.Reading{Frequency: 440, Note: "A4", Clarity: 0.95, Volume: 50, Time: t0.Add(at)}))
	}

	v := m.View()
	for _, want := range []string{"A4", "Frequency: 440 Hz", "mic active", "harmonic correction off"} {
		if !strings.Contains(v, want) {
			t.Errorf("view lacks %q:\n%s", want, v)
		}
	}
}

func TestModel_Notifications(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{sens: 1}
	m := activeModel(t, ctrl)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m, _ = update(t, m, NotificationMsg(notify.Event{Severity: notify.Success, Title: "Calibration complete", Duration: time.Second, Time: t0}))
	m, _ = update(t, m, NotificationMsg(notify.Event{Severity: notify.Error, Title: "Microphone error", Hint: "plug it in", Time: t0}))
	if v := m.View(); !strings.Contains(v, "Calibration complete") || !strings.Contains(v, "plug it in") {
		t.Errorf("notifications not shown:\n%s", v)
	}

	m, cmd := update(t, m, TickMsg(t0.Add(2*time.Second)))
	if cmd == nil {
		t.Error("tick not rescheduled")
	}
	if len(m.notes) != 1 || m.notes[0].Title != "Microphone error" {
		t.Errorf("notes = %+v, want only the error", m.notes)
	}
	if m.spectrum[0] != 255 {
		t.Error("spectrum not refreshed")
	}
}

func TestRenderSpectrum(t *testing.T) {
	t.Parallel()

	full := make([]byte, spectrumWidth*4)
	for i := range full {
		full[i] = 255
	}
	got := renderSpectrum(full)
	if n := utf8.RuneCountInString(got); n != spectrumWidth {
		t.Errorf("width = %d, want %d", n, spectrumWidth)
	}
	if strings.Trim(got, "█") != "" {
		t.Errorf("full spectrum rendered as %q", got)
	}
	if renderSpectrum(make([]byte, spectrumWidth)) != strings.Repeat("▁", spectrumWidth) {
		t.Error("silent spectrum not flat")
	}
}
