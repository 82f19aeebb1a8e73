package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rcvehicle/internal/estimator"
	"rcvehicle/internal/hal"
	"rcvehicle/internal/loop"
	"rcvehicle/internal/policy"
)

type Config struct {
	Loop      loop.Config      `yaml:"loop"`
	Hardware  HardwareConfig   `yaml:"hardware"`
	Sim       SimConfig        `yaml:"sim"`
	Estimator estimator.Config `yaml:"estimator"`
	Policy    policy.Config    `yaml:"policy"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Storage   StorageConfig    `yaml:"storage"`
	Web       WebConfig        `yaml:"web"`
	Log       LogConfig        `yaml:"log"`
}

// HardwareConfig selects real or simulated ports and describes the real
// devices. Capability is fixed for the life of the process.
type HardwareConfig struct {
	Sensors   string `yaml:"sensors"`
	Actuators string `yaml:"actuators"`

	I2CBus  string        `yaml:"i2c_bus"`
	IMU     DeviceConfig  `yaml:"imu"`
	Baro    BaroConfig    `yaml:"baro"`
	Mag     MagConfig     `yaml:"mag"`
	Battery BatteryConfig `yaml:"battery"`
	GPS     GPSConfig     `yaml:"gps"`

	Steering ServoConfig `yaml:"steering"`
	Throttle ServoConfig `yaml:"throttle"`
}

type DeviceConfig struct {
	Enable  bool          `yaml:"enable"`
	Address uint16        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

type BaroConfig struct {
	DeviceConfig `yaml:",inline"`
	SeaLevelPa   float64 `yaml:"sea_level_pa"`
}

type MagConfig struct {
	DeviceConfig   `yaml:",inline"`
	DeclinationDeg float64    `yaml:"declination_deg"`
	Offset         [3]float64 `yaml:"offset"`
}

type BatteryConfig struct {
	DeviceConfig `yaml:",inline"`
	Channel      int     `yaml:"channel"`
	Divider      float64 `yaml:"divider"`
}

type GPSConfig struct {
	Enable bool `yaml:"enable"`
	// Source is serial, gpsd or replay. In sim mode an empty source uses the
	// synthetic receiver.
	Source   string        `yaml:"source"`
	Device   string        `yaml:"device"`
	Baud     int           `yaml:"baud"`
	GPSDAddr string        `yaml:"gpsd_addr"`
	Timeout  time.Duration `yaml:"timeout"`

	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type ServoConfig struct {
	Enable      bool          `yaml:"enable"`
	Chip        int           `yaml:"chip"`
	PWMChannel  int           `yaml:"pwm_channel"`
	Period      time.Duration `yaml:"period"`
	MinPulse    time.Duration `yaml:"min_pulse"`
	CenterPulse time.Duration `yaml:"center_pulse"`
	MaxPulse    time.Duration `yaml:"max_pulse"`
	Inverted    bool          `yaml:"inverted"`
	ArmLine     string        `yaml:"arm_line"`
}

type SimConfig struct {
	Seed       uint64       `yaml:"seed"`
	Model      string       `yaml:"model"`
	Origin     hal.Position `yaml:"origin"`
	HeadingDeg float64      `yaml:"heading_deg"`

	MaxSpeedMps float64       `yaml:"max_speed_mps"`
	RadiusM     float64       `yaml:"radius_m"`
	Period      time.Duration `yaml:"period"`

	GPSRateHz        float64 `yaml:"gps_rate_hz"`
	GPSNoiseM        float64 `yaml:"gps_noise_m"`
	GPSMalformedRate float64 `yaml:"gps_malformed_rate"`
	GyroBiasZ        float64 `yaml:"gyro_bias_z"`

	// FaultScript and TargetScript are optional YAML files.
	FaultScript  string `yaml:"fault_script"`
	TargetScript string `yaml:"target_script"`
	// SensorTimeout bounds one simulated acquisition.
	SensorTimeout time.Duration `yaml:"sensor_timeout"`
}

type TelemetryConfig struct {
	UDPDest string `yaml:"udp_dest"`
	// Buffer is the per-subscriber queue length.
	Buffer int `yaml:"buffer"`
}

type StorageConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
	Queue  int    `yaml:"queue"`
	// PollInterval is how often control_targets is read.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Targets makes the database the control target source.
	Targets bool `yaml:"targets"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// BufferLines sizes the in-memory log served at /api/logs.
	BufferLines int `yaml:"buffer_lines"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Loop.Period < 0 {
		return fmt.Errorf("loop.period must be > 0")
	}
	if cfg.Loop.Period == 0 {
		cfg.Loop.Period = 50 * time.Millisecond
	}
	if cfg.Loop.SensorLossTicks <= 0 {
		cfg.Loop.SensorLossTicks = 25
	}
	if cfg.Loop.ActuatorTimeout <= 0 {
		cfg.Loop.ActuatorTimeout = 20 * time.Millisecond
	}
	if cfg.Loop.ActuatorTimeout >= cfg.Loop.Period {
		return fmt.Errorf("loop.actuator_timeout must be shorter than loop.period")
	}
	if cfg.Loop.InitTimeout <= 0 {
		cfg.Loop.InitTimeout = 5 * time.Second
	}
	if cfg.Loop.MaxConcurrency < 0 {
		return fmt.Errorf("loop.max_concurrency must be >= 0")
	}

	if err := defaultHardware(&cfg.Hardware); err != nil {
		return err
	}
	if err := defaultSim(&cfg.Sim); err != nil {
		return err
	}

	// Estimator defaults are applied by estimator.New; only reject nonsense.
	if cfg.Estimator.MaxSpeedMps < 0 {
		return fmt.Errorf("estimator.max_speed_mps must be > 0")
	}
	for name, p := range cfg.Estimator.Sources {
		if p.Trust < 0 || p.Latency < 0 {
			return fmt.Errorf("estimator.sources.%s: trust and latency must be >= 0", name)
		}
	}

	cfg.Policy = cfg.Policy.Normalize()
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}

	if cfg.Telemetry.Buffer <= 0 {
		cfg.Telemetry.Buffer = 8
	}

	if cfg.Storage.Enable {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required when storage.enable is true")
		}
		if cfg.Storage.Queue <= 0 {
			cfg.Storage.Queue = 256
		}
		if cfg.Storage.PollInterval <= 0 {
			cfg.Storage.PollInterval = 100 * time.Millisecond
		}
	} else if cfg.Storage.Targets {
		return fmt.Errorf("storage.targets requires storage.enable")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB <= 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups <= 0 {
			cfg.Log.MaxBackups = 3
		}
		if cfg.Log.MaxAgeDays <= 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 500
	}
	return nil
}

func defaultHardware(h *HardwareConfig) error {
	h.Sensors = strings.ToLower(strings.TrimSpace(h.Sensors))
	h.Actuators = strings.ToLower(strings.TrimSpace(h.Actuators))
	if h.Sensors == "" {
		h.Sensors = "sim"
	}
	if h.Actuators == "" {
		h.Actuators = "sim"
	}
	if _, err := hal.ParseCapability(h.Sensors); err != nil {
		return fmt.Errorf("hardware.sensors: %w", err)
	}
	if _, err := hal.ParseCapability(h.Actuators); err != nil {
		return fmt.Errorf("hardware.actuators: %w", err)
	}
	if !h.IMU.Enable && !h.Baro.Enable && !h.Mag.Enable && !h.Battery.Enable && !h.GPS.Enable {
		return fmt.Errorf("hardware: at least one sensor must be enabled")
	}
	if !h.Steering.Enable && !h.Throttle.Enable {
		return fmt.Errorf("hardware: at least one of steering, throttle must be enabled")
	}

	if h.I2CBus == "" {
		h.I2CBus = "/dev/i2c-1"
	}
	if h.Battery.Divider < 0 {
		return fmt.Errorf("hardware.battery.divider must be > 0")
	}
	if h.Battery.Divider == 0 {
		h.Battery.Divider = 1
	}
	if h.Battery.Channel < 0 || h.Battery.Channel > 3 {
		return fmt.Errorf("hardware.battery.channel must be within [0, 3]")
	}
	if h.Baro.SeaLevelPa == 0 {
		h.Baro.SeaLevelPa = 101325
	}

	g := &h.GPS
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	switch g.Source {
	case "":
		if h.Sensors == "real" {
			g.Source = "serial"
		}
	case "serial", "gpsd", "replay":
	default:
		return fmt.Errorf("hardware.gps.source must be serial, gpsd or replay")
	}
	if h.Sensors == "sim" && (g.Source == "serial" || g.Source == "gpsd") {
		return fmt.Errorf("hardware.gps.source %s requires hardware.sensors real", g.Source)
	}
	if g.Source == "serial" && g.Baud <= 0 {
		g.Baud = 9600
	}
	if g.Source == "replay" {
		if g.Replay.Path == "" {
			return fmt.Errorf("hardware.gps.replay.path is required when hardware.gps.source is replay")
		}
		if g.Replay.Speed == 0 {
			g.Replay.Speed = 1
		}
		if g.Replay.Speed < 0 {
			return fmt.Errorf("hardware.gps.replay.speed must be > 0")
		}
		if h.Sensors == "real" {
			return fmt.Errorf("hardware.gps.source replay requires hardware.sensors sim")
		}
	}
	if g.Record.Enable {
		if g.Record.Path == "" {
			return fmt.Errorf("hardware.gps.record.path is required when hardware.gps.record.enable is true")
		}
		if g.Source == "replay" {
			return fmt.Errorf("hardware.gps.record and replay cannot both be enabled")
		}
	}
	return nil
}

func defaultSim(s *SimConfig) error {
	switch s.Model {
	case "":
		s.Model = "kinematic"
	case "kinematic", "figure8":
	default:
		return fmt.Errorf("sim.model must be kinematic or figure8")
	}
	if s.Origin == (hal.Position{}) {
		s.Origin = hal.Position{LatDeg: 47.3977, LonDeg: 8.5456, AltM: 410}
	}
	if s.Origin.LatDeg < -89 || s.Origin.LatDeg > 89 {
		return fmt.Errorf("sim.origin.lat_deg must be within [-89, 89]")
	}
	if s.Seed == 0 {
		s.Seed = 1
	}
	if s.GPSRateHz <= 0 {
		s.GPSRateHz = 5
	}
	if s.GPSMalformedRate < 0 || s.GPSMalformedRate > 1 {
		return fmt.Errorf("sim.gps_malformed_rate must be within [0, 1]")
	}
	if s.SensorTimeout <= 0 {
		s.SensorTimeout = 20 * time.Millisecond
	}
	return nil
}
