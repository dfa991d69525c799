package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/notify"
)

// settle gives a fresh stream time to deliver its first blocks
const settle = 500 * time.Millisecond

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report microphone permission and stream health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
}

func runCheck(ctx context.Context, o *options, out io.Writer) error {
	a, err := newApp(o, false)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "backend      %s\n", a.backend.Name())
	fmt.Fprintf(out, "device class %s (sensitivity %.1fx, noise gate %.3f)\n",
		a.profile.Class, a.profile.Sensitivity, a.profile.NoiseGate)
	fmt.Fprintf(out, "notch        %.0f Hz\n", a.filter.NotchFreq)

	state, err := audio.NewPermissionChecker(a.backend).QueryPermission(ctx)
	if err != nil {
		fmt.Fprintf(out, "permission   %s (%v)\n", state, err)
	} else {
		fmt.Fprintf(out, "permission   %s\n", state)
	}
	if state == audio.PermissionDenied {
		return explain(out, audio.ErrPermissionDenied)
	}

	session, err := a.pool.Initialize(ctx)
	if err != nil {
		return explain(out, err)
	}
	defer a.pool.Release()

	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	res := a.pool.CheckHealth()
	fmt.Fprintf(out, "session      %s\n", session.ID)
	fmt.Fprintf(out, "stream       active=%v context=%s\n", res.StreamActive, res.ContextState)
	for _, t := range res.Tracks {
		fmt.Fprintf(out, "track        %q enabled=%v muted=%v state=%s\n", t.Label, t.Enabled, t.Muted, t.State)
	}
	fmt.Fprintf(out, "health       %s\n", res.Reason)
	if !res.Healthy {
		return &audio.HealthError{Result: res}
	}
	return nil
}

// explain prints the remediation hint of err and returns it
func explain(out io.Writer, err error) error {
	if ev, ok := notify.FromError(err, 0); ok && ev.Hint != "" {
		fmt.Fprintf(out, "hint         %s\n", ev.Hint)
	}
	return err
}
