// Package notify raises user-facing events about microphone and audio
// failures. Presentation is left to sinks.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Severity of an event
type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Kind identifies what raised an event
type Kind string

const (
	KindGeneric           Kind = "generic"
	KindMicrophone        Kind = "microphone"
	KindAudioSystem       Kind = "audio-system"
	KindRecoveryExhausted Kind = "recovery-exhausted"
	KindCalibration       Kind = "calibration"
)

// Event is one notification
type Event struct {
	ID       string
	Kind     Kind
	Severity Severity
	Title    string
	Message  string
	Details  []string

	// Hint tells the user how to fix the problem
	Hint string

	// Duration until the event dismisses itself. Zero keeps it visible
	// until Dismiss.
	Duration time.Duration
	Time     time.Time
}

func (e Event) key() string {
	return string(e.Kind) + "\x00" + e.Title + "\x00" + e.Message
}

// Sink presents events
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// DefaultMaxVisible is how many events may be visible at once
const DefaultMaxVisible = 3

// Options configure a Center
type Options struct {
	// MaxVisible caps visible events; the oldest is dropped to make room
	MaxVisible int

	// DefaultDuration applies to non-error events that set no Duration
	DefaultDuration time.Duration

	Clock  clockwork.Clock
	Logger logrus.FieldLogger
}

// Center tracks visible events and forwards new ones to sinks
type Center struct {
	max         int
	defDuration time.Duration
	clock       clockwork.Clock
	log         logrus.FieldLogger
	sinks       []Sink

	mu      sync.Mutex
	seq     int
	visible []Event
	timers  map[string]clockwork.Timer
}

// New creates a Center delivering to sinks
func New(opts Options, sinks ...Sink) *Center {
	if opts.MaxVisible <= 0 {
		opts.MaxVisible = DefaultMaxVisible
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Center{
		max:         opts.MaxVisible,
		defDuration: opts.DefaultDuration,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "notify"),
		sinks:       sinks,
		timers:      make(map[string]clockwork.Timer),
	}
}

// Show raises e. An event identical to a visible one is not raised again;
// its id is returned with shown false.
func (c *Center) Show(e Event) (id string, shown bool) {
	c.mu.Lock()
	for _, v := range c.visible {
		if v.key() == e.key() {
			c.mu.Unlock()
			c.log.WithField("id", v.ID).Debug("duplicate notification suppressed")
			return v.ID, false
		}
	}

	c.seq++
	e.ID = fmt.Sprintf("notification-%d", c.seq)
	e.Time = c.clock.Now()
	if e.Duration == 0 && e.Severity != Error {
		e.Duration = c.defDuration
	}

	for len(c.visible) >= c.max {
		c.removeLocked(c.visible[0].ID)
	}
	c.visible = append(c.visible, e)
	if e.Duration > 0 {
		id := e.ID
		c.timers[id] = c.clock.AfterFunc(e.Duration, func() { c.Dismiss(id) })
	}
	sinks := c.sinks
	c.mu.Unlock()

	for _, s := range sinks {
		s.Notify(e)
	}
	return e.ID, true
}

// Dismiss hides an event. It reports whether the event was visible.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

func (c *Center) removeLocked(id string) bool {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	for i, v := range c.visible {
		if v.ID == id {
			c.visible = append(c.visible[:i], c.visible[i+1:]...)
			return true
		}
	}
	return false
}

// Clear hides every event
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.visible = nil
}

// Visible returns the visible events, oldest first
func (c *Center) Visible() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.visible...)
}

// LogSink writes events to a logger
type LogSink struct {
	Logger logrus.FieldLogger
}

func (s LogSink) Notify(e Event) {
	entry := s.Logger.WithFields(logrus.Fields{
		"notification": e.ID,
		"kind":         string(e.Kind),
	})
	if e.Hint != "" {
		entry = entry.WithField("hint", e.Hint)
	}
	msg := e.Title
	if e.Message != "" {
		msg += ": " + e.Message
	}
	switch e.Severity {
	case Error:
		entry.Error(msg)
	case Warning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}
