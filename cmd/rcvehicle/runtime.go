package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"rcvehicle/internal/actuators"
	"rcvehicle/internal/config"
	"rcvehicle/internal/estimator"
	"rcvehicle/internal/gps"
	"rcvehicle/internal/hal"
	"rcvehicle/internal/i2c"
	"rcvehicle/internal/loop"
	"rcvehicle/internal/metrics"
	"rcvehicle/internal/policy"
	"rcvehicle/internal/replay"
	"rcvehicle/internal/sensors"
	"rcvehicle/internal/sensors/ads1115"
	"rcvehicle/internal/sensors/bmp280"
	"rcvehicle/internal/sensors/icm20948"
	"rcvehicle/internal/sensors/qmc5883l"
	"rcvehicle/internal/sim"
	"rcvehicle/internal/storage"
	"rcvehicle/internal/telemetry"
	"rcvehicle/internal/web"
)

// runtime holds everything built from one config: the loop, its ports and
// the auxiliary services that consume its snapshots.
type runtime struct {
	cfg config.Config

	loop    *loop.Loop
	targets *hal.TargetStore
	hub     *telemetry.Hub
	metrics *metrics.LoopCollector
	status  *web.Status
	handler http.Handler

	world  *sim.World
	player *sim.TargetPlayer
	udp    *telemetry.UDPPublisher

	db     *storage.DB
	runID  string
	sink   *storage.Sink
	poller *storage.TargetPoller

	// closers are released after the loop has closed its ports.
	closers []io.Closer
}

func newRuntime(cfg config.Config, logs *web.LogBuffer, reg prometheus.Registerer) (rt *runtime, err error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, err
	}
	rt = &runtime{cfg: cfg, targets: hal.NewTargetStore(), hub: telemetry.NewHub(), status: web.NewStatus()}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	if cfg.Hardware.Sensors == "sim" || cfg.Hardware.Actuators == "sim" {
		if err := rt.buildWorld(); err != nil {
			return nil, err
		}
	}

	sensorPorts, err := rt.buildSensors()
	if err != nil {
		return nil, err
	}
	actuatorPorts, err := rt.buildActuators()
	if err != nil {
		return nil, err
	}

	pol, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, err
	}

	rt.metrics, err = metrics.NewLoopCollector(reg)
	if err != nil {
		return nil, err
	}
	rt.hub.OnDrop(rt.metrics.Dropped("stream"))

	sinks := []loop.Sink{rt.hub}
	if cfg.Telemetry.UDPDest != "" {
		rt.udp, err = telemetry.NewUDPPublisher(cfg.Telemetry.UDPDest)
		if err != nil {
			return nil, fmt.Errorf("telemetry udp: %w", err)
		}
		rt.udp.Buffer = cfg.Telemetry.Buffer
		rt.closers = append(rt.closers, rt.udp)
	}

	if cfg.Storage.Enable {
		rt.db, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.db)
		capability := cfg.Hardware.Sensors + "/" + cfg.Hardware.Actuators
		rt.runID, err = rt.db.StartRun(context.Background(), capability, pol.Name(), time.Now().UTC())
		if err != nil {
			return nil, err
		}
		rt.sink = storage.NewSink(rt.db, rt.runID, cfg.Storage.Queue)
		rt.sink.OnDrop(rt.metrics.Dropped("storage"))
		sinks = append(sinks, rt.sink)
		if cfg.Storage.Targets {
			rt.poller = storage.NewTargetPoller(rt.db, rt.targets, cfg.Storage.PollInterval)
		}
	}

	rt.loop, err = loop.New(cfg.Loop, loop.Options{
		Sensors:   sensorPorts,
		Actuators: actuatorPorts,
		Estimator: estimator.New(cfg.Estimator),
		Decoder:   gps.NewDecoder(),
		Policy:    pol,
		Targets:   rt.targets,
		Sinks:     sinks,
		Observer:  rt.metrics,
	})
	if err != nil {
		return nil, err
	}

	rt.status.SetInfo(web.Info{
		Sensors:   cfg.Hardware.Sensors,
		Actuators: cfg.Hardware.Actuators,
		Period:    cfg.Loop.Period.String(),
		UDPDest:   cfg.Telemetry.UDPDest,
		Storage:   cfg.Storage.Path,
		RunID:     rt.runID,
	})

	var targetSink web.TargetSink = web.TargetStoreSink{Store: rt.targets}
	if rt.poller != nil {
		// Targets go through the database so every writer shares one path.
		targetSink = rt.db
	}
	rt.handler = web.Handler(web.Options{
		Status:       rt.status,
		Loop:         rt.loop,
		PolicyConfig: cfg.Policy,
		Targets:      targetSink,
		TargetSource: rt.targets.Load,
		Stream:       rt.hub,
		Logs:         logs,
		Metrics:      rt.metrics.Handler(),
	})
	return rt, nil
}

func (rt *runtime) buildWorld() error {
	sc := rt.cfg.Sim
	plan, err := sim.NewFaultPlan(sim.FaultScript{})
	if sc.FaultScript != "" {
		script, lerr := sim.LoadFaultScript(sc.FaultScript)
		if lerr != nil {
			return lerr
		}
		plan, err = sim.NewFaultPlan(script)
	}
	if err != nil {
		return fmt.Errorf("sim.fault_script: %w", err)
	}
	rt.world = sim.NewWorld(sim.WorldConfig{
		Seed:        sc.Seed,
		Model:       sim.Model(sc.Model),
		Origin:      sc.Origin,
		HeadingDeg:  sc.HeadingDeg,
		MaxSpeedMps: sc.MaxSpeedMps,
		RadiusM:     sc.RadiusM,
		Period:      sc.Period,
		GPSNoiseM:   sc.GPSNoiseM,
		GyroBiasZ:   sc.GyroBiasZ,
	}, plan, nil)

	if sc.TargetScript != "" {
		script, err := sim.LoadTargetScript(sc.TargetScript)
		if err != nil {
			return err
		}
		rt.player, err = sim.NewTargetPlayer(script)
		if err != nil {
			return fmt.Errorf("sim.target_script: %w", err)
		}
	}
	return nil
}

func (rt *runtime) buildSensors() ([]hal.SensorPort, error) {
	hw := rt.cfg.Hardware
	var ports []hal.SensorPort

	if hw.Sensors == "sim" {
		timeout := rt.cfg.Sim.SensorTimeout
		if hw.IMU.Enable {
			ports = append(ports, rt.world.NewIMU("imu", timeout))
		}
		if hw.Baro.Enable {
			ports = append(ports, rt.world.NewBarometer("baro", timeout))
		}
		if hw.Mag.Enable {
			ports = append(ports, rt.world.NewMagnetometer("mag", timeout))
		}
		if hw.Battery.Enable {
			ports = append(ports, rt.world.NewBattery("battery", timeout))
		}
	} else {
		var bus *i2c.Bus
		if hw.IMU.Enable || hw.Baro.Enable || hw.Mag.Enable || hw.Battery.Enable {
			b, err := i2c.Open(hw.I2CBus)
			if err != nil {
				return nil, fmt.Errorf("hardware.i2c_bus: %w", err)
			}
			bus = b
			rt.closers = append(rt.closers, b)
		}
		devAt := func(addr, def uint16) *i2c.Dev {
			if addr == 0 {
				addr = def
			}
			return bus.Dev(addr)
		}
		if hw.IMU.Enable {
			ports = append(ports, sensors.NewIMUPort(sensors.PortConfig{Name: "imu", Timeout: hw.IMU.Timeout}, func() (sensors.IMU, error) {
				return icm20948.New(devAt(hw.IMU.Address, icm20948.DefaultAddress()), icm20948.Options{})
			}))
		}
		if hw.Baro.Enable {
			ports = append(ports, sensors.NewBaroPort(sensors.PortConfig{Name: "baro", Timeout: hw.Baro.Timeout}, hw.Baro.SeaLevelPa, func() (sensors.Barometer, error) {
				return bmp280.New(devAt(hw.Baro.Address, bmp280.DefaultAddress()), bmp280.Options{})
			}))
		}
		if hw.Mag.Enable {
			opts := qmc5883l.Options{DeclinationDeg: hw.Mag.DeclinationDeg}
			opts.Offset.X, opts.Offset.Y, opts.Offset.Z = hw.Mag.Offset[0], hw.Mag.Offset[1], hw.Mag.Offset[2]
			ports = append(ports, sensors.NewMagPort(sensors.PortConfig{Name: "mag", Timeout: hw.Mag.Timeout}, func() (sensors.Magnetometer, error) {
				return qmc5883l.New(devAt(hw.Mag.Address, qmc5883l.DefaultAddress()), opts)
			}))
		}
		if hw.Battery.Enable {
			ports = append(ports, sensors.NewBatteryPort(sensors.PortConfig{Name: "battery", Timeout: hw.Battery.Timeout}, hw.Battery.Channel, hw.Battery.Divider, func() (sensors.ADC, error) {
				return ads1115.New(devAt(hw.Battery.Address, ads1115.DefaultAddress()), ads1115.Options{})
			}))
		}
	}

	if hw.GPS.Enable {
		p, err := rt.buildGPS()
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

func (rt *runtime) buildGPS() (*gps.Port, error) {
	g := rt.cfg.Hardware.GPS
	capability := hal.Real
	if rt.cfg.Hardware.Sensors == "sim" {
		capability = hal.Simulated
	}

	var feed gps.LineFeed
	switch g.Source {
	case "":
		feed = sim.NewGPSFeed(rt.world, sim.GPSConfig{
			Name:          "gps",
			RateHz:        rt.cfg.Sim.GPSRateHz,
			MalformedRate: rt.cfg.Sim.GPSMalformedRate,
		})
	case "serial":
		feed = gps.SerialFeed{Device: g.Device, Baud: g.Baud}
	case "gpsd":
		feed = gps.GPSDFeed{Addr: g.GPSDAddr}
	case "replay":
		feed = &replay.Feed{Path: g.Replay.Path, Speed: g.Replay.Speed, Loop: g.Replay.Loop}
	default:
		return nil, fmt.Errorf("hardware.gps.source %q unsupported", g.Source)
	}

	pc := gps.PortConfig{Name: "gps", Capability: capability, Timeout: g.Timeout}
	if g.Record.Enable {
		w, err := replay.CreateWriter(g.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("hardware.gps.record: %w", err)
		}
		rt.closers = append(rt.closers, w)
		pc.Tap = w.Tap
		log.Printf("gps recording path=%s", g.Record.Path)
	}
	log.Printf("gps source=%s", feed.Name())
	return gps.NewPort(feed, pc), nil
}

func (rt *runtime) buildActuators() ([]hal.ActuatorPort, error) {
	hw := rt.cfg.Hardware
	type channel struct {
		ch    hal.Channel
		servo config.ServoConfig
		env   hal.Envelope
	}
	channels := []channel{
		{hal.Steering, hw.Steering, rt.cfg.Policy.Steering},
		{hal.Throttle, hw.Throttle, rt.cfg.Policy.Throttle},
	}

	var ports []hal.ActuatorPort
	for _, c := range channels {
		if !c.servo.Enable {
			continue
		}
		if hw.Actuators == "sim" {
			ports = append(ports, rt.world.NewActuator(string(c.ch), c.ch, c.env))
			continue
		}
		s, err := actuators.NewServo(actuators.ServoConfig{
			Name:        string(c.ch),
			Channel:     c.ch,
			Chip:        c.servo.Chip,
			PWMChannel:  c.servo.PWMChannel,
			Envelope:    c.env,
			Period:      c.servo.Period,
			MinPulse:    c.servo.MinPulse,
			CenterPulse: c.servo.CenterPulse,
			MaxPulse:    c.servo.MaxPulse,
			Inverted:    c.servo.Inverted,
			ArmLine:     c.servo.ArmLine,
		})
		if err != nil {
			return nil, fmt.Errorf("hardware.%s: %w", c.ch, err)
		}
		ports = append(ports, s)
	}
	return ports, nil
}

// run drives the loop until ctx is cancelled or the loop stops on its own.
// The auxiliary services outlive the loop by one drain so the final safe-stop
// snapshot still reaches storage.
func (rt *runtime) run(ctx context.Context) error {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	auxCtx, cancelAux := context.WithCancel(context.Background())
	defer cancelAux()

	g, gctx := errgroup.WithContext(auxCtx)
	aux := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				log.Printf("%s stopped: %v", name, err)
				cancelLoop()
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	if rt.sink != nil {
		aux("storage sink", rt.sink.Run)
	}
	if rt.poller != nil {
		aux("target poller", rt.poller.Run)
	}
	if rt.udp != nil {
		aux("telemetry udp", func(ctx context.Context) error { return rt.udp.Run(ctx, rt.hub) })
	}
	if rt.player != nil {
		aux("target player", func(ctx context.Context) error {
			rt.player.Run(ctx, rt.world, rt.targets, rt.cfg.Loop.Period)
			return nil
		})
	}
	if rt.cfg.Web.Enable {
		log.Printf("web listen=%s", rt.cfg.Web.Listen)
		aux("web", func(ctx context.Context) error { return web.Serve(ctx, rt.cfg.Web.Listen, rt.handler) })
	}

	loopErr := rt.loop.Run(loopCtx)

	cancelAux()
	auxErr := g.Wait()

	st := rt.loop.Status()
	if rt.db != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		reason := string(st.Reason)
		if reason == "" {
			reason = string(loop.ReasonShutdown)
		}
		if err := rt.db.EndRun(endCtx, rt.runID, reason, time.Now().UTC()); err != nil {
			log.Printf("storage end run failed run=%s err=%v", rt.runID, err)
		}
		cancel()
		if rt.sink != nil {
			written, failed, dropped := rt.sink.Stats()
			log.Printf("storage run=%s written=%d failed=%d dropped=%d", rt.runID, written, failed, dropped)
		}
	}
	rt.close()

	return errors.Join(loopErr, auxErr)
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
	rt.closers = nil
}
