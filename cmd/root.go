package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/0xlemi/pitchpro/internal/audio"
	"github.com/0xlemi/pitchpro/internal/audio/portaudio"
	"github.com/0xlemi/pitchpro/internal/audio/wavreplay"
	"github.com/0xlemi/pitchpro/internal/config"
	"github.com/0xlemi/pitchpro/internal/device"
	"github.com/0xlemi/pitchpro/internal/filter"
	"github.com/0xlemi/pitchpro/internal/pool"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Audio backends
const (
	backendAuto      = ""
	backendPortAudio = "portaudio"
	backendWav       = "wav"
	backendNop       = "nop"
)

type options struct {
	cfg     config.Config
	backend string
	wavPath string
	loop    bool
}

func newRootCmd() *cobra.Command {
	o := &options{cfg: config.Default()}

	root := &cobra.Command{
		Use:   "pitchpro",
		Short: "Real-time voice pitch detection from the microphone",
		Long: `PitchPro listens to the microphone and reports the pitch of a single
voice: frequency, note name, cents deviation, clarity and volume.

Without a subcommand it runs the live monitor.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), o)
		},
	}

	fs := root.PersistentFlags()
	o.cfg.BindFlags(fs)
	fs.StringVar(&o.backend, "backend", o.backend, "audio input: portaudio, wav or nop (default: wav with --wav, else portaudio)")
	fs.StringVar(&o.wavPath, "wav", "", "replay this WAV file as the microphone")
	fs.BoolVar(&o.loop, "loop", false, "restart the WAV file when it ends")

	root.SetVersionTemplate("pitchpro version {{.Version}}\n")
	root.AddCommand(
		newMonitorCmd(o),
		newCalibrateCmd(o),
		newCheckCmd(o),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pitchpro %s (%s %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}

// app holds what every subcommand needs
type app struct {
	log     *logrus.Logger
	logFile io.Closer
	profile device.Profile
	backend audio.Backend
	filter  filter.Params
	pool    *pool.Pool
}

// newApp builds the logger, backend and pool. With tui set the terminal
// belongs to the monitor, so logs go to --log-file or nowhere.
func newApp(o *options, tui bool) (*app, error) {
	log, closer, err := newLogger(o.cfg.Log, tui)
	if err != nil {
		return nil, err
	}
	a := &app{log: log, logFile: closer}

	a.backend, err = o.openBackend(log)
	if err != nil {
		a.Close()
		return nil, err
	}

	f, res, err := o.cfg.Filter()
	if err != nil {
		a.Close()
		return nil, err
	}
	hum := humSource{res.Hz, res.Source, res.Country}
	a.filter = f

	a.profile = o.cfg.Profile()
	popts := o.cfg.PoolOptions(a.profile, f, nil, log)
	a.pool = pool.New(a.backend, popts)

	log.WithFields(logrus.Fields{
		"backend": a.backend.Name(),
		"device":  a.profile.Class,
		"hum":     hum.String(),
		"filter":  o.cfg.Audio.FilterPreset,
	}).Info("Starting")
	return a, nil
}

// Close releases the pool and closes the log file
func (a *app) Close() {
	if a.pool != nil {
		a.pool.ForceCleanup()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

type humSource struct {
	hz      float64
	source  string
	country string
}

func (h humSource) String() string {
	if h.country != "" {
		return fmt.Sprintf("%.0fHz (%s, %s)", h.hz, h.source, h.country)
	}
	return fmt.Sprintf("%.0fHz (%s)", h.hz, h.source)
}

func newLogger(cfg config.Log, tui bool) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	log.SetLevel(level)

	switch {
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		log.SetOutput(f)
		return log, f, nil
	case tui:
		log.SetOutput(io.Discard)
	default:
		log.SetOutput(os.Stderr)
	}
	return log, nil, nil
}

func (o *options) openBackend(log logrus.FieldLogger) (audio.Backend, error) {
	name := o.backend
	if name == backendAuto {
		name = backendPortAudio
		if o.wavPath != "" {
			name = backendWav
		}
	}

	switch name {
	case backendPortAudio:
		return portaudio.NewBackend(), nil
	case backendWav:
		if o.wavPath == "" {
			return nil, fmt.Errorf("the wav backend needs --wav")
		}
		if _, err := os.Stat(o.wavPath); err != nil {
			return nil, fmt.Errorf("opening replay file: %w", err)
		}
		return wavreplay.NewBackend(o.wavPath,
			wavreplay.WithLoop(o.loop),
			wavreplay.WithLogger(log),
		), nil
	case backendNop:
		return audio.NewNopBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: want portaudio, wav or nop", name)
	}
}
