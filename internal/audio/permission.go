package audio

import (
	"context"
	"errors"
)

// PermissionState is the platform's answer to "may we use the microphone"
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionGranted
	PermissionDenied
	PermissionPrompt
)

func (p PermissionState) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// PermissionQuerier is implemented by backends that can report the
// permission state without opening a stream.
type PermissionQuerier interface {
	QueryPermission(ctx context.Context) (PermissionState, error)
}

// NewPermissionChecker picks, once, how permission is queried for b: the
// backend's own query when it has one, otherwise a capability probe that
// opens and immediately closes a stream.
func NewPermissionChecker(b Backend) PermissionQuerier {
	if q, ok := b.(PermissionQuerier); ok {
		return q
	}
	return &probeChecker{backend: b}
}

type probeChecker struct {
	backend Backend
}

func (p *probeChecker) QueryPermission(ctx context.Context) (PermissionState, error) {
	stream, err := p.backend.Open(ctx, DefaultConstraints())
	switch {
	case err == nil:
		return PermissionGranted, stream.Close()
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied, nil
	default:
		return PermissionUnknown, err
	}
}
