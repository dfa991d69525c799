package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/0xlemi/pitchpro/internal/calibration"
	"github.com/0xlemi/pitchpro/internal/notify"
)

var phaseInstructions = map[calibration.Phase]string{
	calibration.PhaseNoise:    "stay quiet",
	calibration.PhaseVolume:   "sing at a comfortable volume",
	calibration.PhaseResponse: "slide slowly from low to high",
}

func newCalibrateCmd(o *options) *cobra.Command {
	var noSave bool
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Measure the microphone and store recommended settings",
		Long: `Samples background noise, singing volume and the microphone's frequency
response, derives sensitivity, noise gate and filter cutoffs for this device
class and stores them for the monitor to pick up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd.Context(), o, cmd.OutOrStdout(), !noSave)
		},
	}
	cmd.Flags().BoolVar(&noSave, "dry-run", false, "print the result without storing it")
	return cmd
}

func runCalibrate(ctx context.Context, o *options, out io.Writer, save bool) error {
	a, err := newApp(o, false)
	if err != nil {
		return err
	}
	defer a.Close()

	notes := notify.New(notify.Options{Logger: a.log}, notify.LogSink{Logger: a.log})

	if _, err := a.pool.Initialize(ctx); err != nil {
		if ev, ok := notify.FromError(err, 0); ok {
			notes.Show(ev)
		}
		return err
	}
	defer a.pool.Release()

	opts := o.cfg.CalibrationOptions(a.profile, a.filter, nil, a.log)
	total := opts.NoiseWindow + opts.VolumeWindow + opts.ResponseWindow
	bar := progressbar.NewOptions64(total.Milliseconds(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)
	opts.Progress = func(p calibration.Progress) {
		bar.Describe(fmt.Sprintf("%-8s %s", p.Phase, phaseInstructions[p.Phase]))
		bar.Set64(p.Elapsed.Milliseconds())
	}

	sys := calibration.New(opts)
	data, err := sys.Calibrate(ctx, a.pool)
	bar.Finish()
	if err != nil {
		notes.Show(notify.CalibrationFailed(err))
		return err
	}

	st := data.Settings
	notes.Show(notify.CalibrationComplete(st.Sensitivity, st.NoiseGate))
	fmt.Fprintf(out, "device class      %s\n", a.profile.Class)
	fmt.Fprintf(out, "sensitivity       %.1fx\n", st.Sensitivity)
	fmt.Fprintf(out, "noise gate        %.3f RMS\n", st.NoiseGate)
	fmt.Fprintf(out, "volume range      %.3f - %.3f RMS (offset %+.3f)\n", data.Volume.Min, data.Volume.Max, data.VolumeOffset)
	fmt.Fprintf(out, "highpass/lowpass  %.0f / %.0f Hz\n", st.Filter.HighpassFreq, st.Filter.LowpassFreq)
	fmt.Fprintf(out, "compensation      low %.2f, high %.2f\n", st.Adjustments.LowFreqCompensation, st.Adjustments.HighFreqCompensation)

	if !save {
		return nil
	}
	if err := sys.Save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved to %s\n", o.cfg.Calibration.StoreDir)
	return nil
}
