package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/policy"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const minimal = `
hardware:
  imu: {enable: true}
  steering: {enable: true}
  throttle: {enable: true}
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Loop.Period != 50*time.Millisecond || cfg.Loop.SensorLossTicks != 25 {
		t.Fatalf("loop defaults not applied: %+v", cfg.Loop)
	}
	if cfg.Hardware.Sensors != "sim" || cfg.Hardware.Actuators != "sim" {
		t.Fatalf("capabilities=%q/%q want sim/sim", cfg.Hardware.Sensors, cfg.Hardware.Actuators)
	}
	if diff := cmp.Diff(policy.DefaultConfig(), cfg.Policy); diff != "" {
		t.Fatalf("policy defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Sim.Model != "kinematic" || cfg.Sim.Seed == 0 || cfg.Sim.GPSRateHz != 5 {
		t.Fatalf("sim defaults not applied: %+v", cfg.Sim)
	}
	if cfg.Web.Listen != ":8080" || cfg.Log.BufferLines != 500 {
		t.Fatalf("web/log defaults not applied")
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeTempConfig(t, `
loop:
  period: 20ms
  max_concurrency: 4
  sensor_loss_ticks: 10
  actuator_timeout: 5ms
hardware:
  sensors: real
  actuators: REAL
  i2c_bus: /dev/i2c-3
  imu: {enable: true, address: 0x69, timeout: 15ms}
  baro: {enable: true, sea_level_pa: 101000}
  mag: {enable: true, declination_deg: 3.2, offset: [1, -2, 0.5]}
  battery: {enable: true, channel: 2, divider: 4.03}
  gps:
    enable: true
    device: /dev/ttyACM0
    record: {enable: true, path: /var/log/nmea.log}
  steering: {enable: true, chip: 0, pwm_channel: 0, inverted: true}
  throttle: {enable: true, chip: 0, pwm_channel: 1, arm_line: ESC_EN}
policy:
  kind: pursuit
  lookahead_m: 4
  steering: {min: -0.8, max: 0.8, neutral: 0}
estimator:
  tilt_gain: 1.5
  sources:
    gps: {trust: 0.9, latency: 150ms}
storage:
  enable: true
  path: /var/lib/rcvehicle.db
  targets: true
telemetry:
  udp_dest: 192.168.10.255:5005
log:
  file: /var/log/rcvehicle.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	wantHW := HardwareConfig{
		Sensors:   "real",
		Actuators: "real",
		I2CBus:    "/dev/i2c-3",
		IMU:       DeviceConfig{Enable: true, Address: 0x69, Timeout: 15 * time.Millisecond},
		Baro:      BaroConfig{DeviceConfig: DeviceConfig{Enable: true}, SeaLevelPa: 101000},
		Mag:       MagConfig{DeviceConfig: DeviceConfig{Enable: true}, DeclinationDeg: 3.2, Offset: [3]float64{1, -2, 0.5}},
		Battery:   BatteryConfig{DeviceConfig: DeviceConfig{Enable: true}, Channel: 2, Divider: 4.03},
		GPS: GPSConfig{
			Enable: true,
			Source: "serial",
			Device: "/dev/ttyACM0",
			Baud:   9600,
			Record: RecordConfig{Enable: true, Path: "/var/log/nmea.log"},
		},
		Steering: ServoConfig{Enable: true, PWMChannel: 0, Inverted: true},
		Throttle: ServoConfig{Enable: true, PWMChannel: 1, ArmLine: "ESC_EN"},
	}
	if diff := cmp.Diff(wantHW, cfg.Hardware); diff != "" {
		t.Fatalf("hardware mismatch (-want +got):\n%s", diff)
	}

	if cfg.Loop.Period != 20*time.Millisecond || cfg.Loop.MaxConcurrency != 4 || cfg.Loop.ActuatorTimeout != 5*time.Millisecond {
		t.Fatalf("loop=%+v", cfg.Loop)
	}
	if cfg.Policy.Kind != policy.KindPursuit || cfg.Policy.LookaheadM != 4 {
		t.Fatalf("policy=%+v", cfg.Policy)
	}
	if diff := cmp.Diff(hal.Envelope{Min: -0.8, Max: 0.8}, cfg.Policy.Steering); diff != "" {
		t.Fatalf("steering envelope (-want +got):\n%s", diff)
	}
	if cfg.Estimator.TiltGain != 1.5 || cfg.Estimator.Sources["gps"].Latency != 150*time.Millisecond {
		t.Fatalf("estimator=%+v", cfg.Estimator)
	}
	if cfg.Storage.Queue != 256 || cfg.Storage.PollInterval != 100*time.Millisecond {
		t.Fatalf("storage defaults not applied: %+v", cfg.Storage)
	}
	if cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxBackups != 3 {
		t.Fatalf("log rotation defaults not applied: %+v", cfg.Log)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{
			name:  "NegativePeriod",
			extra: "loop:\n  period: -1s\n",
			want:  "loop.period must be > 0",
		},
		{
			name:  "ActuatorTimeoutLongerThanPeriod",
			extra: "loop:\n  period: 10ms\n  actuator_timeout: 10ms\n",
			want:  "loop.actuator_timeout must be shorter than loop.period",
		},
		{
			name:  "UnknownCapability",
			extra: "  sensors: hil\n",
			want:  `hardware.sensors: unknown capability "hil" (want real or sim)`,
		},
		{
			name:  "UnknownGPSSource",
			extra: "  gps: {enable: true, source: usb}\n",
			want:  "hardware.gps.source must be serial, gpsd or replay",
		},
		{
			name:  "SerialGPSInSim",
			extra: "  gps: {enable: true, source: gpsd}\n",
			want:  "hardware.gps.source gpsd requires hardware.sensors real",
		},
		{
			name:  "ReplayNeedsPath",
			extra: "  gps: {enable: true, source: replay}\n",
			want:  "hardware.gps.replay.path is required when hardware.gps.source is replay",
		},
		{
			name:  "RecordAndReplay",
			extra: "  gps: {enable: true, source: replay, replay: {path: a.log}, record: {enable: true, path: b.log}}\n",
			want:  "hardware.gps.record and replay cannot both be enabled",
		},
		{
			name:  "BatteryChannel",
			extra: "  battery: {enable: true, channel: 4}\n",
			want:  "hardware.battery.channel must be within [0, 3]",
		},
		{
			name:  "StoragePath",
			extra: "storage:\n  enable: true\n",
			want:  "storage.path is required when storage.enable is true",
		},
		{
			name:  "StorageTargetsWithoutStorage",
			extra: "storage:\n  targets: true\n",
			want:  "storage.targets requires storage.enable",
		},
		{
			name:  "SimModel",
			extra: "sim:\n  model: boat\n",
			want:  "sim.model must be kinematic or figure8",
		},
		{
			name:  "PolicyKind",
			extra: "policy:\n  kind: bangbang\n",
			want:  `policy.kind "bangbang" unknown (want one of [direct heading pursuit])`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Lines indented by two spaces extend the hardware section.
			body := minimal + tc.extra
			if tc.extra[0] != ' ' {
				body = tc.extra + minimal
			}
			_, err := Load(writeTempConfig(t, body))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RequiresSensorAndActuator(t *testing.T) {
	_, err := Load(writeTempConfig(t, "hardware:\n  steering: {enable: true}\n"))
	requireErrEq(t, err, "hardware: at least one sensor must be enabled")

	_, err = Load(writeTempConfig(t, "hardware:\n  imu: {enable: true}\n"))
	requireErrEq(t, err, "hardware: at least one of steering, throttle must be enabled")
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaultAndValidate_Nil(t *testing.T) {
	requireErrEq(t, DefaultAndValidate(nil), "config is nil")
}
