// Package config loads the rotorpilot YAML configuration.
//
// Load starts from Default and overlays the file, so a file only needs the
// keys it changes. Validation errors name the offending key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rotorpilot/internal/flight"
	"rotorpilot/internal/pid"
	"rotorpilot/internal/quad"
	"rotorpilot/internal/rc"
	"rotorpilot/internal/sim"
)

type Config struct {
	Flight     FlightConfig     `yaml:"flight"`
	RC         RCConfig         `yaml:"rc"`
	Servo      ServoConfig      `yaml:"servo"`
	Ultrasonic UltrasonicConfig `yaml:"ultrasonic"`
	GPS        GPSConfig        `yaml:"gps"`
	Attitude   AttitudeConfig   `yaml:"attitude"`
	Command    CommandConfig    `yaml:"command"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Web        WebConfig        `yaml:"web"`
	Sim        SimConfig        `yaml:"sim"`
}

// GainsConfig holds the PID gain sets as [kp, ki, kd, min_integral, max_integral].
type GainsConfig struct {
	Hover       [5]float64 `yaml:"hover"`
	Landing     [5]float64 `yaml:"landing"`
	Orientation [5]float64 `yaml:"orientation"`
	GPS         [5]float64 `yaml:"gps"`
	Position    [5]float64 `yaml:"position"`
}

type FlightConfig struct {
	Gains GainsConfig `yaml:"gains"`

	MinThrottle  int     `yaml:"min_throttle"`
	MaxThrottle  int     `yaml:"max_throttle"`
	MinTilt      int     `yaml:"min_tilt"`
	MaxTilt      int     `yaml:"max_tilt"`
	MaxTiltAngle float64 `yaml:"max_tilt_angle_rad"`

	EmergencyDescent int           `yaml:"emergency_descent"`
	EmergencyDelta   time.Duration `yaml:"emergency_delta"`
	GPSDelta         time.Duration `yaml:"gps_delta"`
	OrientationDelta time.Duration `yaml:"orientation_delta"`

	ThrottleOffHeight float64 `yaml:"throttle_off_height"`
	MaxHoverHeight    float64 `yaml:"max_hover_height"`

	CalibrationHeight   float64       `yaml:"calibration_height"`
	CalibrationStep     int           `yaml:"calibration_step"`
	CalibrationInterval time.Duration `yaml:"calibration_interval"`
	CalibrationStart    int           `yaml:"calibration_start"`

	DefaultGain int           `yaml:"default_gain"`
	Tick        time.Duration `yaml:"tick"`
}

type RCConfig struct {
	Enable bool `yaml:"enable"`
	// ThrottleLine is the GPIO line carrying the receiver throttle pulse.
	ThrottleLine string `yaml:"throttle_line"`
	// OverrideLines maps axis names (elevator, aileron, throttle, rudder)
	// to the GPIO lines selecting receiver or controller on the multiplexer.
	OverrideLines map[string]string `yaml:"override_lines"`
	ThrottleMin   int               `yaml:"throttle_min"`
	ThrottleDelta int               `yaml:"throttle_delta"`
	Interval      time.Duration     `yaml:"interval"`
	PulseTimeout  time.Duration     `yaml:"pulse_timeout"`
}

type ChannelsConfig struct {
	Elevator int `yaml:"elevator"`
	Aileron  int `yaml:"aileron"`
	Throttle int `yaml:"throttle"`
	Rudder   int `yaml:"rudder"`
	Gain     int `yaml:"gain"`
}

type ServoConfig struct {
	// Backend is one of "pwm", "can" or "sim".
	Backend  string         `yaml:"backend"`
	Channels ChannelsConfig `yaml:"channels"`
	MinPulse int            `yaml:"min_pulse_us"`
	MaxPulse int            `yaml:"max_pulse_us"`
	// Invert lists axes whose direction is reversed.
	Invert []string `yaml:"invert"`

	PWMChip      string `yaml:"pwm_chip"`
	CANInterface string `yaml:"can_interface"`
	CANBaseID    uint32 `yaml:"can_base_id"`
}

type UltrasonicConfig struct {
	Enable      bool          `yaml:"enable"`
	TriggerLine string        `yaml:"trigger_line"`
	EchoLine    string        `yaml:"echo_line"`
	Interval    time.Duration `yaml:"interval"`
}

type GPSConfig struct {
	Enable bool `yaml:"enable"`
	// Source is "nmea" for a serial receiver or "gpsd".
	Source   string `yaml:"source"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	GPSDAddr string `yaml:"gpsd_addr"`
}

type AttitudeConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// Record is an optional path receiving every datagram for replay.
	Record string `yaml:"record"`
}

type CommandConfig struct {
	Enable    bool   `yaml:"enable"`
	Device    string `yaml:"device"`
	Baud      int    `yaml:"baud"`
	Delimiter string `yaml:"delimiter"`
}

type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Dest is an optional host:port receiving one JSON datagram per interval.
	Dest string `yaml:"dest"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type SimConfig struct {
	Enable bool `yaml:"enable"`

	InitialYaw   float64 `yaml:"initial_yaw"`
	InitialPitch float64 `yaml:"initial_pitch"`
	InitialRoll  float64 `yaml:"initial_roll"`

	HeightNoise float64 `yaml:"height_noise"`
	GPSNoise    float64 `yaml:"gps_noise"`

	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// Script is an optional flight script played against the command parser.
	Script string `yaml:"script"`

	// PilotThrottle is the simulated receiver throttle pulse in microseconds.
	PilotThrottle int           `yaml:"pilot_throttle_us"`
	Interval      time.Duration `yaml:"interval"`
}

// Default returns a configuration that runs against the simulator without
// a config file.
func Default() Config {
	fd := flight.DefaultConfig()
	rd := rc.DefaultConfig()
	sd := sim.DefaultConfig()
	return Config{
		Flight: FlightConfig{
			Gains: GainsConfig{
				Hover:       fd.Hover.Gains(),
				Landing:     fd.Landing.Gains(),
				Orientation: fd.Orientation.Gains(),
				GPS:         fd.GPS.Gains(),
				Position:    fd.Position.Gains(),
			},
			MinThrottle:         fd.MinThrottle,
			MaxThrottle:         fd.MaxThrottle,
			MinTilt:             fd.MinTilt,
			MaxTilt:             fd.MaxTilt,
			MaxTiltAngle:        fd.MaxTiltAngle,
			EmergencyDescent:    fd.EmergencyDescent,
			EmergencyDelta:      fd.EmergencyDelta,
			GPSDelta:            fd.GPSDelta,
			OrientationDelta:    fd.OrientationDelta,
			ThrottleOffHeight:   fd.ThrottleOffHeight,
			MaxHoverHeight:      fd.MaxHoverHeight,
			CalibrationHeight:   fd.CalibrationHeight,
			CalibrationStep:     fd.CalibrationStep,
			CalibrationInterval: fd.CalibrationInterval,
			CalibrationStart:    fd.CalibrationStart,
			DefaultGain:         fd.DefaultGain,
			Tick:                fd.Tick,
		},
		RC: RCConfig{
			Enable:        true,
			ThrottleLine:  "GPIO17",
			ThrottleMin:   rd.ThrottleMin,
			ThrottleDelta: rd.ThrottleDelta,
			Interval:      rd.Interval,
			PulseTimeout:  100 * time.Millisecond,
		},
		Servo: ServoConfig{
			Backend: "sim",
			Channels: ChannelsConfig{
				Elevator: quad.DefaultChannels[quad.Longitudinal],
				Aileron:  quad.DefaultChannels[quad.Lateral],
				Throttle: quad.DefaultChannels[quad.Vertical],
				Rudder:   quad.DefaultChannels[quad.Rotational],
				Gain:     quad.DefaultChannels[quad.Gain],
			},
			MinPulse:     quad.MinPulse,
			MaxPulse:     quad.MaxPulse,
			CANInterface: "can0",
			CANBaseID:    quad.DefaultCANBaseID,
		},
		Ultrasonic: UltrasonicConfig{
			Enable:      true,
			TriggerLine: "GPIO23",
			EchoLine:    "GPIO24",
			Interval:    100 * time.Millisecond,
		},
		GPS:      GPSConfig{Enable: true, Source: "nmea", Baud: 9600, GPSDAddr: "127.0.0.1:2947"},
		Attitude: AttitudeConfig{Enable: true, Listen: ":4010"},
		Command:  CommandConfig{Baud: 115200, Delimiter: ";"},
		Telemetry: TelemetryConfig{
			Interval: time.Second,
		},
		Web: WebConfig{Enable: true, Listen: ":8080"},
		Sim: SimConfig{
			InitialYaw:    sd.InitialYaw,
			InitialPitch:  sd.InitialPitch,
			InitialRoll:   sd.InitialRoll,
			HeightNoise:   sd.HeightNoise,
			GPSNoise:      sd.GPSNoise,
			PilotThrottle: sd.PilotThrottle,
			Interval:      50 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and normalizes string enums.
func (c *Config) Validate() error {
	f := c.Flight
	for _, g := range []struct {
		key   string
		gains [5]float64
	}{
		{"hover", f.Gains.Hover},
		{"landing", f.Gains.Landing},
		{"orientation", f.Gains.Orientation},
		{"gps", f.Gains.GPS},
		{"position", f.Gains.Position},
	} {
		if g.gains[3] > g.gains[4] {
			return fmt.Errorf("flight.gains.%s integral min must be <= max", g.key)
		}
	}
	if f.MinThrottle < quad.MinSpeed || f.MaxThrottle > quad.MaxSpeed || f.MinThrottle > f.MaxThrottle {
		return fmt.Errorf("flight.min_throttle and flight.max_throttle must satisfy %d <= min <= max <= %d", quad.MinSpeed, quad.MaxSpeed)
	}
	if f.MinTilt < quad.MinSpeed || f.MaxTilt > quad.MaxSpeed || f.MinTilt > f.MaxTilt {
		return fmt.Errorf("flight.min_tilt and flight.max_tilt must satisfy %d <= min <= max <= %d", quad.MinSpeed, quad.MaxSpeed)
	}
	if f.MaxTiltAngle <= 0 {
		return fmt.Errorf("flight.max_tilt_angle_rad must be > 0")
	}
	if f.EmergencyDelta <= 0 {
		return fmt.Errorf("flight.emergency_delta must be > 0")
	}
	if f.GPSDelta <= 0 {
		return fmt.Errorf("flight.gps_delta must be > 0")
	}
	if f.OrientationDelta <= 0 {
		return fmt.Errorf("flight.orientation_delta must be > 0")
	}
	if f.MaxHoverHeight <= 0 {
		return fmt.Errorf("flight.max_hover_height must be > 0")
	}
	if f.CalibrationStep <= 0 {
		return fmt.Errorf("flight.calibration_step must be > 0")
	}
	if f.CalibrationInterval <= 0 {
		return fmt.Errorf("flight.calibration_interval must be > 0")
	}
	if f.Tick <= 0 {
		return fmt.Errorf("flight.tick must be > 0")
	}

	if c.RC.Interval <= 0 {
		return fmt.Errorf("rc.interval must be > 0")
	}
	if c.RC.ThrottleDelta < 0 {
		return fmt.Errorf("rc.throttle_delta must be >= 0")
	}
	for name := range c.RC.OverrideLines {
		if _, ok := ParseMaskBit(name); !ok {
			return fmt.Errorf("rc.override_lines: unknown axis %q", name)
		}
	}

	c.Servo.Backend = strings.ToLower(strings.TrimSpace(c.Servo.Backend))
	switch c.Servo.Backend {
	case "pwm", "sim":
	case "can":
		if c.Servo.CANInterface == "" {
			return fmt.Errorf("servo.can_interface is required when servo.backend is 'can'")
		}
	default:
		return fmt.Errorf("servo.backend must be one of pwm, can, sim")
	}
	if c.Servo.MinPulse <= 0 || c.Servo.MinPulse >= c.Servo.MaxPulse {
		return fmt.Errorf("servo.min_pulse_us must be > 0 and < servo.max_pulse_us")
	}
	for _, name := range c.Servo.Invert {
		if _, ok := ParseAxis(name); !ok {
			return fmt.Errorf("servo.invert: unknown axis %q", name)
		}
	}

	if c.Ultrasonic.Enable && !c.Sim.Enable {
		if c.Ultrasonic.TriggerLine == "" || c.Ultrasonic.EchoLine == "" {
			return fmt.Errorf("ultrasonic.trigger_line and ultrasonic.echo_line are required when ultrasonic.enable is true")
		}
	}
	if c.Ultrasonic.Interval <= 0 {
		return fmt.Errorf("ultrasonic.interval must be > 0")
	}
	c.GPS.Source = strings.ToLower(strings.TrimSpace(c.GPS.Source))
	if c.GPS.Enable {
		switch c.GPS.Source {
		case "nmea":
			if c.GPS.Baud <= 0 {
				return fmt.Errorf("gps.baud must be > 0")
			}
		case "gpsd":
			if c.GPS.GPSDAddr == "" {
				return fmt.Errorf("gps.gpsd_addr is required when gps.source is 'gpsd'")
			}
		default:
			return fmt.Errorf("gps.source must be one of nmea, gpsd")
		}
	}
	if c.Attitude.Enable && c.Attitude.Listen == "" {
		return fmt.Errorf("attitude.listen is required when attitude.enable is true")
	}
	if c.Command.Enable {
		if c.Command.Device == "" {
			return fmt.Errorf("command.device is required when command.enable is true")
		}
		if len(c.Command.Delimiter) != 1 {
			return fmt.Errorf("command.delimiter must be a single character")
		}
	}
	if c.Telemetry.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be > 0")
	}
	if c.Web.Enable && c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required when web.enable is true")
	}
	if c.Sim.Enable && c.Sim.Interval <= 0 {
		return fmt.Errorf("sim.interval must be > 0")
	}
	return nil
}

// ToFlight converts the flight section to the computer configuration.
func (f FlightConfig) ToFlight() flight.Config {
	return flight.Config{
		Hover:               pid.ConfigFromGains(f.Gains.Hover),
		Landing:             pid.ConfigFromGains(f.Gains.Landing),
		Orientation:         pid.ConfigFromGains(f.Gains.Orientation),
		GPS:                 pid.ConfigFromGains(f.Gains.GPS),
		Position:            pid.ConfigFromGains(f.Gains.Position),
		MinThrottle:         f.MinThrottle,
		MaxThrottle:         f.MaxThrottle,
		MinTilt:             f.MinTilt,
		MaxTilt:             f.MaxTilt,
		MaxTiltAngle:        f.MaxTiltAngle,
		EmergencyDescent:    f.EmergencyDescent,
		EmergencyDelta:      f.EmergencyDelta,
		GPSDelta:            f.GPSDelta,
		OrientationDelta:    f.OrientationDelta,
		ThrottleOffHeight:   f.ThrottleOffHeight,
		MaxHoverHeight:      f.MaxHoverHeight,
		CalibrationHeight:   f.CalibrationHeight,
		CalibrationStep:     f.CalibrationStep,
		CalibrationInterval: f.CalibrationInterval,
		CalibrationStart:    f.CalibrationStart,
		DefaultGain:         f.DefaultGain,
		Tick:                f.Tick,
	}
}

// ToSim builds the physics engine config. The engine decodes pulses with
// the same channel map and range the servos are driven with.
func (s SimConfig) ToSim(servo ServoConfig) sim.Config {
	return sim.Config{
		InitialYaw:    s.InitialYaw,
		InitialPitch:  s.InitialPitch,
		InitialRoll:   s.InitialRoll,
		HeightNoise:   s.HeightNoise,
		GPSNoise:      s.GPSNoise,
		PilotThrottle: s.PilotThrottle,
		Latitude:      s.Latitude,
		Longitude:     s.Longitude,
		Channels:      servo.ToChannels(),
		MinPulse:      servo.MinPulse,
		MaxPulse:      servo.MaxPulse,
	}
}

func (r RCConfig) ToRC() rc.Config {
	return rc.Config{ThrottleMin: r.ThrottleMin, ThrottleDelta: r.ThrottleDelta, Interval: r.Interval}
}

// OverrideMasks resolves the override line map to control mask bits.
func (r RCConfig) OverrideMasks() map[rc.Mask]string {
	out := make(map[rc.Mask]string, len(r.OverrideLines))
	for name, line := range r.OverrideLines {
		if m, ok := ParseMaskBit(name); ok {
			out[m] = line
		}
	}
	return out
}

func (s ServoConfig) ToChannels() quad.Channels {
	var ch quad.Channels
	ch[quad.Longitudinal] = s.Channels.Elevator
	ch[quad.Lateral] = s.Channels.Aileron
	ch[quad.Vertical] = s.Channels.Throttle
	ch[quad.Rotational] = s.Channels.Rudder
	ch[quad.Gain] = s.Channels.Gain
	return ch
}

// InvertedAxes resolves servo.invert.
func (s ServoConfig) InvertedAxes() []quad.Axis {
	var out []quad.Axis
	for _, name := range s.Invert {
		if a, ok := ParseAxis(name); ok {
			out = append(out, a)
		}
	}
	return out
}

// ParseAxis accepts the servo names used throughout the config.
func ParseAxis(name string) (quad.Axis, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for a := quad.Axis(0); a < quad.NumAxes; a++ {
		if a.String() == n {
			return a, true
		}
	}
	return 0, false
}

// ParseMaskBit maps an axis name to its control mask bit.
func ParseMaskBit(name string) (rc.Mask, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "elevator":
		return rc.Elevator, true
	case "aileron":
		return rc.Aileron, true
	case "throttle":
		return rc.Throttle, true
	case "rudder":
		return rc.Rudder, true
	}
	return 0, false
}
