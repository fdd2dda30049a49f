// Package app builds the flight stack from a Config and runs every
// periodic task under one errgroup. The first task error (typically a lost
// actuator link) cancels the others.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rotorpilot/internal/attitude"
	"rotorpilot/internal/command"
	"rotorpilot/internal/config"
	"rotorpilot/internal/flight"
	"rotorpilot/internal/gps"
	"rotorpilot/internal/quad"
	"rotorpilot/internal/rc"
	"rotorpilot/internal/replay"
	"rotorpilot/internal/signal"
	"rotorpilot/internal/sim"
	"rotorpilot/internal/telemetry"
	"rotorpilot/internal/ultrasonic"
	"rotorpilot/internal/web"
)

// simGPSInterval matches the 1 Hz update of the receivers we fly with.
const simGPSInterval = time.Second

var (
	openPWM = func(chip string) (quad.PulseWriter, error) { return quad.OpenSysfsPWM(chip) }
	dialCAN = func(ctx context.Context, iface string, baseID uint32) (quad.PulseWriter, error) {
		return quad.DialCANServos(ctx, iface, baseID)
	}
	openPulseReader = func(line string, timeout time.Duration) (rc.PulseReader, error) {
		return rc.OpenGPIOPulseReader(line, timeout)
	}
	openOverride = func(lines map[rc.Mask]string) (rc.OverrideSwitch, error) { return rc.OpenGPIOOverride(lines) }
	openPinger   = func(trigger, echo string) (pinger, error) { return ultrasonic.OpenGPIO(trigger, echo) }
	openCommand  = func(cfg config.CommandConfig, p *command.Parser, log logrus.FieldLogger) (*command.Link, io.Closer, error) {
		return command.OpenSerial(cfg.Device, cfg.Baud, cfg.Delimiter[0], p, log)
	}
)

type pinger interface {
	ultrasonic.Pinger
	io.Closer
}

type task struct {
	name string
	run  func(context.Context) error
}

type App struct {
	cfg  config.Config
	log  *logrus.Logger
	logs *web.LogBuffer

	engine   *sim.Engine
	quad     *quad.QuadCopter
	rc       *rc.Arbitrator
	computer *flight.Computer
	signals  flight.Signals
	parser   *command.Parser
	hub      *telemetry.Hub

	tasks   []task
	closers []io.Closer
}

// Simulated reports whether cfg flies the physics engine instead of hardware.
func Simulated(cfg config.Config) bool {
	return cfg.Sim.Enable || cfg.Servo.Backend == "sim"
}

// New opens every configured device and wires the stack. On error anything
// already opened is closed. logs may be nil.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger, logs *web.LogBuffer) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{cfg: cfg, log: log, logs: logs}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	simulated := Simulated(cfg)
	if simulated {
		a.engine = sim.New(cfg.Sim.ToSim(cfg.Servo))
		a.log.Info("flying the simulator")
	}

	out, err := a.openServos(ctx, simulated)
	if err != nil {
		return err
	}
	a.quad = quad.NewWithRange(out, cfg.Servo.ToChannels(), cfg.Servo.MinPulse, cfg.Servo.MaxPulse)
	a.closers = append(a.closers, a.quad)
	for _, ax := range cfg.Servo.InvertedAxes() {
		a.quad.Invert(ax, true)
	}

	if err := a.buildRC(simulated); err != nil {
		return err
	}

	a.computer, err = flight.New(cfg.Flight.ToFlight(), flight.Deps{
		Quad: a.quad,
		RC:   a.rc,
		Log:  a.log.WithField("component", "flight"),
	})
	if err != nil {
		return err
	}
	a.signals = flight.Signals{
		Height:       signal.New("height"),
		Pitch:        signal.New("pitch"),
		Roll:         signal.New("roll"),
		Yaw:          signal.New("yaw"),
		GPSAltitude:  signal.New("gps_altitude"),
		GPSLatitude:  signal.New("gps_latitude"),
		GPSLongitude: signal.New("gps_longitude"),
	}
	a.computer.Bind(a.signals)
	a.add("flight", a.computer.Run)

	if simulated {
		a.buildSimSources()
	} else if err := a.buildSources(); err != nil {
		return err
	}

	a.parser = command.NewParser(a.computer, a.log)
	if cfg.Command.Enable {
		link, closer, err := openCommand(cfg.Command, a.parser, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closer)
		a.add("command", link.Run)
	}

	return a.buildOutputs()
}

func (a *App) openServos(ctx context.Context, simulated bool) (quad.PulseWriter, error) {
	s := a.cfg.Servo
	switch {
	case simulated:
		return a.engine, nil
	case s.Backend == "pwm":
		return openPWM(s.PWMChip)
	case s.Backend == "can":
		return dialCAN(ctx, s.CANInterface, s.CANBaseID)
	default:
		return nil, fmt.Errorf("app: unknown servo backend %q", s.Backend)
	}
}

func (a *App) buildRC(simulated bool) error {
	var (
		pulse rc.PulseReader
		sw    rc.OverrideSwitch
	)
	switch {
	case simulated:
		pulse = a.engine
	case a.cfg.RC.Enable:
		p, err := openPulseReader(a.cfg.RC.ThrottleLine, a.cfg.RC.PulseTimeout)
		if err != nil {
			return err
		}
		pulse = p
		if lines := a.cfg.RC.OverrideMasks(); len(lines) > 0 {
			if sw, err = openOverride(lines); err != nil {
				if c, ok := p.(io.Closer); ok {
					_ = c.Close()
				}
				return err
			}
		}
	}
	arb, err := rc.New(a.cfg.RC.ToRC(), pulse, sw, a.quad, a.log.WithField("component", "rc"))
	if err != nil {
		if sw != nil {
			_ = sw.Close()
		}
		return err
	}
	a.rc = arb
	a.closers = append(a.closers, arb)
	if pulse != nil {
		a.add("rc", arb.Run)
	}
	return nil
}

func (a *App) poll(name string, sig *signal.Signal, every time.Duration, m signal.MeasureFunc) {
	p := &signal.Poller{Signal: sig, Interval: every, Measure: m, Log: a.log}
	a.add(name, p.Run)
}

func (a *App) buildSimSources() {
	e := a.engine
	every := a.cfg.Sim.Interval
	a.poll("height", a.signals.Height, a.cfg.Ultrasonic.Interval, ultrasonic.New(e).Measure)
	a.poll("pitch", a.signals.Pitch, every, e.Pitch)
	a.poll("roll", a.signals.Roll, every, e.Roll)
	a.poll("yaw", a.signals.Yaw, every, e.Yaw)
	a.poll("gps_altitude", a.signals.GPSAltitude, simGPSInterval, e.GPSAltitude)
	a.poll("gps_latitude", a.signals.GPSLatitude, simGPSInterval, e.Latitude)
	a.poll("gps_longitude", a.signals.GPSLongitude, simGPSInterval, e.Longitude)

	if a.cfg.Sim.Script != "" {
		a.add("script", func(ctx context.Context) error {
			s, err := sim.LoadScript(a.cfg.Sim.Script)
			if err != nil {
				return err
			}
			return s.Play(ctx, a.parser, e, a.log)
		})
	}
}

func (a *App) buildSources() error {
	cfg := a.cfg
	if cfg.Ultrasonic.Enable {
		p, err := openPinger(cfg.Ultrasonic.TriggerLine, cfg.Ultrasonic.EchoLine)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, p)
		a.poll("height", a.signals.Height, cfg.Ultrasonic.Interval, ultrasonic.New(p).Measure)
	}
	if cfg.GPS.Enable {
		svc := gps.New(gps.Config{
			Source:   cfg.GPS.Source,
			Device:   cfg.GPS.Device,
			Baud:     cfg.GPS.Baud,
			GPSDAddr: cfg.GPS.GPSDAddr,
		}, gps.Signals{
			Altitude:  a.signals.GPSAltitude,
			Latitude:  a.signals.GPSLatitude,
			Longitude: a.signals.GPSLongitude,
		}, a.log)
		a.add("gps", svc.Run)
	}
	if cfg.Attitude.Enable {
		l := attitude.New(cfg.Attitude.Listen, attitude.Signals{
			Pitch: a.signals.Pitch,
			Roll:  a.signals.Roll,
			Yaw:   a.signals.Yaw,
		}, a.log)
		if cfg.Attitude.Record != "" {
			w, err := replay.Create(cfg.Attitude.Record, time.Now())
			if err != nil {
				return err
			}
			a.closers = append(a.closers, w)
			l.Record(w)
		}
		a.add("attitude", l.Run)
	}
	return nil
}

func (a *App) buildOutputs() error {
	cfg := a.cfg
	a.hub = telemetry.NewHub(a.log)
	a.add("hub", a.hub.Run)

	var udp telemetry.Sender
	if cfg.Telemetry.Dest != "" {
		s, err := telemetry.NewUDPSender(cfg.Telemetry.Dest)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s)
		udp = s
	}
	rep := telemetry.NewReporter(a.computer, cfg.Telemetry.Interval, udp, a.hub, a.log)
	a.add("telemetry", rep.Run)

	if cfg.Web.Enable {
		d := web.Deps{Status: a.computer, Commands: a.parser, Stream: a.hub, Logs: a.logs}
		a.add("web", func(ctx context.Context) error { return web.Serve(ctx, cfg.Web.Listen, d) })
	}
	return nil
}

func (a *App) add(name string, run func(context.Context) error) {
	a.tasks = append(a.tasks, task{name: name, run: run})
}

func (a *App) Computer() *flight.Computer { return a.computer }
func (a *App) Parser() *command.Parser    { return a.parser }

// Engine is the physics engine, nil unless simulated.
func (a *App) Engine() *sim.Engine { return a.engine }

// Run blocks until ctx is done or a task fails.
func (a *App) Run(ctx context.Context) error {
	names := make([]string, 0, len(a.tasks))
	for _, t := range a.tasks {
		names = append(names, t.name)
	}
	a.log.WithField("tasks", names).Info("rotorpilot starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range a.tasks {
		t := t
		g.Go(func() error {
			if err := t.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.WithError(err).WithField("link_lost", errors.Is(err, quad.ErrLinkLost)).Error("rotorpilot stopped")
		return err
	}
	a.log.Info("rotorpilot stopping")
	return nil
}

// Close releases devices in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
