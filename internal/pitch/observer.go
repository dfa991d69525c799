package pitch

import "github.com/0xlemi/pitchpro/internal/device"

// Observer receives engine events. Calls happen on the goroutine that
// caused the event, never while the engine holds a lock.
type Observer interface {
	OnStateChange(State)
	OnError(error)
	OnPitchUpdate(Reading)
	OnDeviceChange(device.Profile)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange  func(State)
	Error        func(error)
	PitchUpdate  func(Reading)
	DeviceChange func(device.Profile)
}

func (o ObserverFuncs) OnStateChange(s State) {
	if o.StateChange != nil {
		o.StateChange(s)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnPitchUpdate(r Reading) {
	if o.PitchUpdate != nil {
		o.PitchUpdate(r)
	}
}

func (o ObserverFuncs) OnDeviceChange(p device.Profile) {
	if o.DeviceChange != nil {
		o.DeviceChange(p)
	}
}
