package lifecycle

// Observer receives supervisor events
type Observer interface {
	OnStateChange(State)
	OnError(error)

	// OnRecovery reports the outcome of automatic recovery attempt n;
	// err is nil on success.
	OnRecovery(n int, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange func(State)
	Error       func(error)
	Recovery    func(n int, err error)
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

func (o ObserverFuncs) OnRecovery(n int, err error) {
	if o.Recovery != nil {
		o.Recovery(n, err)
	}
}
