package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
	"github.com/0xlemi/pitchpro/internal/notify"
	"github.com/0xlemi/pitchpro/internal/pitch"
)

const (
	// How long a note needs to be present to be considered stable
	noteStabilityThreshold = 300 * time.Millisecond

	// How long to keep displaying a stable note after it changes
	noteDisplayDuration = 500 * time.Millisecond

	refreshInterval = 100 * time.Millisecond

	sensitivityStep = 1.1
	spectrumWidth   = 48
	volumeWidth     = 30
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			PaddingLeft(2).
			PaddingRight(2).
			MarginBottom(1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CCCCCC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#777777"))

	severityStyles = map[notify.Severity]lipgloss.Style{
		notify.Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8AB4F8")),
		notify.Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		notify.Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		notify.Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5555")),
	}

	// Note colors
	noteColors = map[string]string{
		"C": "#E8D6B0", // Beige
		"D": "#A020F0", // Purple
		"E": "#FFFF00", // Yellow
		"F": "#FFA500", // Orange
		"G": "#00FF00", // Green
		"A": "#FF0000", // Red
		"B": "#0000FF", // Blue
	}

	bars = []rune("▁▂▃▄▅▆▇█")
)

// Controller is what the monitor drives: activity and visibility go to
// the lifecycle supervisor, detection settings to the pitch engine.
type Controller interface {
	RecordActivity()
	SetVisible(visible bool)

	Sensitivity() float64
	SetSensitivity(x float64) float64
	HarmonicCorrectionEnabled() bool
	SetHarmonicCorrectionEnabled(enabled bool)
	ResetDisplay()

	// Spectrum fills dst with the current byte spectrum
	Spectrum(dst []byte) int

	// Resume re-acquires the microphone after it was released
	Resume() error

	// Shutdown force releases the microphone
	Shutdown()
}

// Messages fed to the model from observers
type (
	TickMsg         time.Time
	ReadingMsg      pitch.Reading
	EngineStateMsg  pitch.State
	MicStateMsg     lifecycle.State
	DeviceMsg       device.Profile
	NotificationMsg notify.Event
	resumedMsg      struct{ err error }
	shutdownMsg     struct{}
)

// Model is the live monitor
type Model struct {
	ctrl Controller

	current  pitch.Reading
	stable   stabilizer
	engine   pitch.State
	mic      lifecycle.State
	profile  device.Profile
	sens     float64
	harmonic bool
	focused  bool
	resuming bool

	spectrum []byte
	notes    []notify.Event

	width  int
	height int
}

// NewModel creates the monitor
func NewModel(ctrl Controller) Model {
	return Model{
		ctrl:     ctrl,
		mic:      lifecycle.StateInactive,
		sens:     ctrl.Sensitivity(),
		harmonic: ctrl.HarmonicCorrectionEnabled(),
		focused:  true,
		resuming: true,
		spectrum: make([]byte, spectrumWidth*4),
	}
}

func resume(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return resumedMsg{err: ctrl.Resume()}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Init acquires the microphone and starts the refresh ticker
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), resume(m.ctrl))
}

// Update updates the UI model based on messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.FocusMsg:
		m.focused = true
		m.ctrl.SetVisible(true)

	case tea.BlurMsg:
		m.focused = false
		m.ctrl.SetVisible(false)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		now := time.Time(msg)
		n := m.ctrl.Spectrum(m.spectrum)
		for i := n; i < len(m.spectrum); i++ {
			m.spectrum[i] = 0
		}
		m.notes = expire(m.notes, now)
		return m, tick()

	case ReadingMsg:
		r := pitch.Reading(msg)
		m.current = r
		m.stable.observe(r)

	case EngineStateMsg:
		m.engine = pitch.State(msg)

	case MicStateMsg:
		m.mic = lifecycle.State(msg)
		if m.mic == lifecycle.StateInactive {
			m.current = pitch.Reading{}
			m.stable = stabilizer{}
		}

	case DeviceMsg:
		m.profile = device.Profile(msg)
		m.sens = m.ctrl.Sensitivity()

	case NotificationMsg:
		m.notes = append(m.notes, notify.Event(msg))
		if len(m.notes) > notify.DefaultMaxVisible {
			m.notes = m.notes[len(m.notes)-notify.DefaultMaxVisible:]
		}

	case resumedMsg:
		m.resuming = false

	case shutdownMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.ctrl.RecordActivity()

	switch msg.String() {
	case "q", "ctrl+c":
		// off the event loop: releasing notifies observers that send to it
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctrl.Shutdown()
			return shutdownMsg{}
		}
	case "+", "=":
		m.sens = m.ctrl.SetSensitivity(m.sens * sensitivityStep)
	case "-", "_":
		m.sens = m.ctrl.SetSensitivity(m.sens / sensitivityStep)
	case "h":
		m.harmonic = !m.harmonic
		m.ctrl.SetHarmonicCorrectionEnabled(m.harmonic)
	case "r":
		m.ctrl.ResetDisplay()
		m.current = pitch.Reading{}
		m.stable = stabilizer{}
	case "c":
		m.notes = nil
	}

	if m.mic == lifecycle.StateInactive && !m.resuming {
		m.resuming = true
		return m, resume(m.ctrl)
	}
	return m, nil
}

func expire(notes []notify.Event, now time.Time) []notify.Event {
	kept := make([]notify.Event, 0, len(notes))
	for _, n := range notes {
		if n.Duration > 0 && now.Sub(n.Time) >= n.Duration {
			continue
		}
		kept = append(kept, n)
	}
	return kept
}

// stabilizer holds back a note until it has been seen long enough and
// keeps showing it briefly after it stops
type stabilizer struct {
	candidate string
	since     time.Time
	note      *pitch.Reading
	noteAt    time.Time
}

func (s *stabilizer) observe(r pitch.Reading) {
	if r.Silent() {
		s.candidate = ""
		s.expire(r.Time)
		return
	}
	if r.Note != s.candidate {
		s.candidate = r.Note
		s.since = r.Time
	}
	if r.Time.Sub(s.since) >= noteStabilityThreshold {
		s.note = &r
		s.noteAt = r.Time
		return
	}
	s.expire(r.Time)
}

func (s *stabilizer) expire(now time.Time) {
	if s.note != nil && now.Sub(s.noteAt) >= noteDisplayDuration {
		s.note = nil
	}
}

// Returns a style for a natural note
func getNoteStyle(noteName string) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color(noteColors[noteName])).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#333333")).
		Padding(2, 4).
		MarginBottom(1)
}

// Get the next note in the scale (for sharp note colors)
func getNextNote(note string) string {
	switch note {
	case "C":
		return "D"
	case "D":
		return "E"
	case "E":
		return "F"
	case "F":
		return "G"
	case "G":
		return "A"
	case "A":
		return "B"
	default:
		return "C"
	}
}

func renderNote(n pitch.Note) string {
	if !strings.HasSuffix(n.Name, "#") {
		return getNoteStyle(n.Name).Render(n.String())
	}

	base := n.Name[:1]
	half := func(color string, left bool) lipgloss.Style {
		st := lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color(color)).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#333333")).
			BorderTop(true).
			BorderBottom(true).
			PaddingTop(2).
			PaddingBottom(2)
		if left {
			return st.BorderLeft(true).BorderRight(false).PaddingLeft(2).PaddingRight(1)
		}
		return st.BorderLeft(false).BorderRight(true).PaddingLeft(1).PaddingRight(2)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		half(noteColors[base], true).Render(base),
		half(noteColors[getNextNote(base)], false).Render(fmt.Sprintf("#%d", n.Octave)))
}

func renderSpectrum(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	per := len(data) / spectrumWidth
	if per == 0 {
		per = 1
	}
	var b strings.Builder
	for i := 0; i+per <= len(data) && i/per < spectrumWidth; i += per {
		peak := byte(0)
		for _, v := range data[i : i+per] {
			if v > peak {
				peak = v
			}
		}
		b.WriteRune(bars[int(peak)*(len(bars)-1)/255])
	}
	return b.String()
}

func renderVolume(volume float64) string {
	filled := int(volume / 100 * volumeWidth)
	if filled > volumeWidth {
		filled = volumeWidth
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + dimStyle.Render(strings.Repeat("░", volumeWidth-filled))
}

// View renders the UI
func (m Model) View() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("PitchPro - Voice Pitch Monitor"))
	s.WriteString("\n")

	shown := m.stable.note
	switch {
	case m.mic == lifecycle.StateInactive:
		s.WriteString(infoStyle.Render("Microphone released. Press any key to resume."))
	case shown != nil:
		s.WriteString(renderNote(pitch.FrequencyToNote(shown.Frequency)))
		s.WriteString("\n")
		live := m.current
		if live.Silent() {
			live = *shown
		}
		s.WriteString(infoStyle.Render(fmt.Sprintf("Frequency: %.0f Hz | Cents: %+d | Clarity: %.2f",
			live.Frequency, live.Cents, live.Clarity)))
	default:
		s.WriteString(infoStyle.Render("Listening for audio..."))
	}
	s.WriteString("\n\n")

	s.WriteString(infoStyle.Render("Volume   ") + renderVolume(m.current.Volume) + "\n")
	s.WriteString(infoStyle.Render("Spectrum ") + renderSpectrum(m.spectrum) + "\n\n")

	harmonic := "off"
	if m.harmonic {
		harmonic = "on"
	}
	class := string(m.profile.Class)
	if class == "" {
		class = "?"
	}
	s.WriteString(dimStyle.Render(fmt.Sprintf("mic %s | engine %s | device %s | sensitivity %.1fx | harmonic correction %s",
		m.mic, m.engine, class, m.sens, harmonic)))
	s.WriteString("\n")

	for _, n := range m.notes {
		line := n.Title
		if n.Message != "" {
			line += ": " + n.Message
		}
		s.WriteString("\n" + severityStyles[n.Severity].Render(line))
		if n.Hint != "" {
			s.WriteString("\n  " + dimStyle.Render(n.Hint))
		}
	}

	s.WriteString("\n\n")
	s.WriteString(infoStyle.Render("+/- sensitivity | h harmonic correction | r reset | c clear | q quit"))

	return s.String()
}
