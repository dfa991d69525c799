package notify

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
)

func event(title string) Event {
	return Event{Kind: KindGeneric, Severity: Error, Title: title, Message: "m"}
}

func TestCenter_Deduplicates(t *testing.T) {
	t.Parallel()

	var delivered []Event
	c := New(Options{}, SinkFunc(func(e Event) { delivered = append(delivered, e) }))

	id, shown := c.Show(event("a"))
	if !shown {
		t.Fatal("first event not shown")
	}
	again, shown := c.Show(event("a"))
	if shown || again != id {
		t.Errorf("duplicate: id %q shown %v, want %q false", again, shown, id)
	}
	if len(delivered) != 1 || len(c.Visible()) != 1 {
		t.Errorf("delivered %d, visible %d, want 1 and 1", len(delivered), len(c.Visible()))
	}

	c.Dismiss(id)
	if _, shown := c.Show(event("a")); !shown {
		t.Error("event not shown again after dismissal")
	}
}

func TestCenter_MaxVisible(t *testing.T) {
	t.Parallel()

	c := New(Options{})
	first, _ := c.Show(event("1"))
	for _, title := range []string{"2", "3", "4"} {
		c.Show(event(title))
	}
	v := c.Visible()
	if len(v) != DefaultMaxVisible {
		t.Fatalf("visible = %d, want %d", len(v), DefaultMaxVisible)
	}
	if v[0].Title != "2" || v[2].Title != "4" {
		t.Errorf("visible titles = %q %q %q", v[0].Title, v[1].Title, v[2].Title)
	}
	if c.Dismiss(first) {
		t.Error("evicted event still dismissable")
	}
}

func TestCenter_AutoDismiss(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := New(Options{Clock: clock})

	c.Show(Event{Kind: KindGeneric, Severity: Warning, Title: "warn"})
	c.Show(event("stays"))

	clock.Advance(5 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Visible()) != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	v := c.Visible()
	if len(v) != 1 || v[0].Title != "stays" {
		t.Fatalf("visible = %+v, want only the error", v)
	}

	clock.Advance(time.Hour)
	if len(c.Visible()) != 1 {
		t.Error("error event dismissed itself")
	}
	c.Clear()
	if len(c.Visible()) != 0 {
		t.Error("Clear left events visible")
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	c := New(Options{}, LogSink{Logger: logger})

	c.Show(MicrophoneError(audio.ErrPermissionDenied, "initialization"))
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("nothing logged")
	}
	if entry.Level != logrus.ErrorLevel {
		t.Errorf("level = %v, want error", entry.Level)
	}
	if entry.Data["kind"] != string(KindMicrophone) || entry.Data["hint"] != permissionHint {
		t.Errorf("fields = %v", entry.Data)
	}

	c.Show(CalibrationComplete(1.2, 0.02))
	if entry := hook.LastEntry(); entry.Level != logrus.InfoLevel {
		t.Errorf("calibration level = %v, want info", entry.Level)
	}
	if n := len(hook.AllEntries()); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
}

func TestFromError(t *testing.T) {
	t.Parallel()

	health := &audio.HealthError{Result: audio.HealthCheckResult{Reason: "track ended"}}
	tests := []struct {
		name string
		err  error
		kind Kind
		ok   bool
	}{
		{"nil", nil, "", false},
		{"permission", fmt.Errorf("open: %w", audio.ErrPermissionDenied), KindMicrophone, true},
		{"device", audio.ErrDeviceUnavailable, KindMicrophone, true},
		{"graph", fmt.Errorf("wiring: %w", audio.ErrGraphConstruction), KindAudioSystem, true},
		{"recoverable", health, "", false},
		{"exhausted", fmt.Errorf("%w: %w", lifecycle.ErrMaxRecoveryAttempts, health), KindRecoveryExhausted, true},
		{"other", errors.New("boom"), KindGeneric, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, ok := FromError(tt.err, 3)
			if ok != tt.ok || e.Kind != tt.kind {
				t.Errorf("FromError = %q %v, want %q %v", e.Kind, ok, tt.kind, tt.ok)
			}
		})
	}

	if e := MicrophoneError(audio.ErrDeviceUnavailable, ""); e.Hint != deviceHint || len(e.Details) != 0 {
		t.Errorf("device event = %+v", e)
	}
}
