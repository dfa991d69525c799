package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/lifecycle"
	"github.com/0xlemi/pitchpro/internal/notify"
	"github.com/0xlemi/pitchpro/internal/pitch"
)

// Sender delivers a message to a running program, typically
// (*tea.Program).Send
type Sender func(tea.Msg)

// PitchObserver forwards engine events to the model. Errors are left to
// the notification center.
func PitchObserver(send Sender) pitch.Observer {
	return pitch.ObserverFuncs{
		StateChange:  func(s pitch.State) { send(EngineStateMsg(s)) },
		PitchUpdate:  func(r pitch.Reading) { send(ReadingMsg(r)) },
		DeviceChange: func(p device.Profile) { send(DeviceMsg(p)) },
	}
}

// LifecycleObserver forwards microphone state changes to the model
func LifecycleObserver(send Sender) lifecycle.Observer {
	return lifecycle.ObserverFuncs{
		StateChange: func(s lifecycle.State) { send(MicStateMsg(s)) },
	}
}

// NotifySink shows notifications in the model
func NotifySink(send Sender) notify.Sink {
	return notify.SinkFunc(func(e notify.Event) { send(NotificationMsg(e)) })
}
