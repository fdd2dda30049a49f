package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rotorpilot/internal/app"
	"rotorpilot/internal/config"
	"rotorpilot/internal/replay"
	"rotorpilot/internal/telemetry"
	"rotorpilot/internal/web"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rotorpilot",
		Short:         "Autopilot for a small radio-controlled helicopter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newRunCmd(), newValidateCmd(), newReplayCmd(), newVersionCmd())
	return root
}

// loadConfig returns the defaults when path is empty.
func loadConfig(path string, simulate bool) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
	}
	if simulate {
		cfg.Sim.Enable = true
		cfg.Servo.Backend = "sim"
	}
	return cfg, cfg.Validate()
}

func newLogger(verbose bool) (*logrus.Logger, *web.LogBuffer) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	logs := web.NewLogBuffer(2000)
	log.AddHook(logs)
	return log, logs
}

func newRunCmd() *cobra.Command {
	var (
		path     string
		simulate bool
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fly: start the flight computer and all configured devices",
		Long: `Start the flight computer, sensors, command link, telemetry and web API.

Without --config the built-in defaults are used, which fly the simulator.

Example usage:
  rotorpilot run --config /etc/rotorpilot.yaml
  rotorpilot run --sim --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path, simulate)
			if err != nil {
				return err
			}
			log, logs := newLogger(verbose)
			about := web.About()
			log.WithFields(logrus.Fields{
				"version": about.Version,
				"commit":  about.Commit,
				"sim":     app.Simulated(cfg),
			}).Info("rotorpilot")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, log, logs)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to YAML config")
	cmd.Flags().BoolVar(&simulate, "sim", false, "Fly the physics simulator instead of hardware")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(path, false); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to YAML config")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		file  string
		dest  string
		speed float64
		loop  bool
	)
	cmd := &cobra.Command{
		Use:   "replay-attitude",
		Short: "Send a recorded attitude log to a listener",
		Long: `Replay datagrams captured with attitude.record to a UDP attitude
listener, keeping the recorded spacing.

Example usage:
  rotorpilot replay-attitude --file attitude.log --dest 127.0.0.1:4010
  rotorpilot replay-attitude --file attitude.log --speed 4 --loop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := replay.ReadFile(file)
			if err != nil {
				return err
			}
			s, err := telemetry.NewUDPSender(dest)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			sent := 0
			err = replay.Play(ctx, recs, speed, loop, func(p []byte) error {
				sent++
				return s.Send(p)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d datagrams to %s\n", sent, s.Dest())
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Recorded attitude log")
	cmd.Flags().StringVar(&dest, "dest", "127.0.0.1:4010", "Listener address")
	cmd.Flags().Float64Var(&speed, "speed", 1, "Playback speed multiplier")
	cmd.Flags().BoolVar(&loop, "loop", false, "Restart at the end until interrupted")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			a := web.About()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "rotorpilot %s\n", a.Version)
			fmt.Fprintf(w, "Go: %s\n", a.GoVersion)
			if a.Commit != "" {
				fmt.Fprintf(w, "Commit: %s (dirty=%t)\n", a.Commit, a.Dirty)
			}
			if a.BuildTime != "" {
				fmt.Fprintf(w, "Build Time: %s\n", a.BuildTime)
			}
		},
	}
}
