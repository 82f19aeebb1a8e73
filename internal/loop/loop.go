// Package loop is the fixed-cadence control loop: it acquires from every
// sensor port, fuses, evaluates one policy and drives every actuator port,
// once per tick, and brings the vehicle to neutral before it stops.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rcvehicle/internal/estimator"
	"rcvehicle/internal/gps"
	"rcvehicle/internal/hal"
	"rcvehicle/internal/policy"
)

// ErrSensorLoss is returned when no sensor kind delivered for too long.
var ErrSensorLoss = errors.New("total sensor loss")

type Config struct {
	Period time.Duration `yaml:"period"`
	// MaxConcurrency bounds the per-tick task pool; zero means one task per
	// port.
	MaxConcurrency int `yaml:"max_concurrency"`
	// SensorLossTicks is how many consecutive ticks without any delivered
	// sample trigger a safe stop.
	SensorLossTicks int `yaml:"sensor_loss_ticks"`
	// ActuatorTimeout bounds one Apply, including its retry.
	ActuatorTimeout time.Duration `yaml:"actuator_timeout"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 50 * time.Millisecond
	}
	if c.SensorLossTicks <= 0 {
		c.SensorLossTicks = 25
	}
	if c.ActuatorTimeout <= 0 {
		c.ActuatorTimeout = 20 * time.Millisecond
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 5 * time.Second
	}
	return c
}

// Options wires the collaborators. Sensors, Estimator and Policy are
// required; everything else has a usable zero value.
type Options struct {
	Sensors   []hal.SensorPort
	Actuators []hal.ActuatorPort
	Estimator *estimator.Estimator
	Decoder   *gps.Decoder
	Policy    policy.Policy
	Targets   *hal.TargetStore
	Sinks     []Sink
	Observer  Observer
	// Now timestamps states; nil means time.Now.
	Now          func() time.Time
	OnTransition func(Transition)
}

type policyBox struct{ p policy.Policy }

// Loop owns every port for the process lifetime. Run must be called at most
// once and Init, Step and Run only from one goroutine; State, Latest, Status
// and SetPolicy are safe from any goroutine.
type Loop struct {
	cfg       Config
	sensors   []hal.SensorPort
	actuators []hal.ActuatorPort
	est       *estimator.Estimator
	dec       *gps.Decoder
	targets   *hal.TargetStore
	sinks     []Sink
	obs       Observer
	now       func() time.Time
	onTrans   func(Transition)

	policy atomic.Pointer[policyBox]
	status atomic.Pointer[Status]
	latest atomic.Pointer[Snapshot]

	// Owned by the loop goroutine.
	tick      uint64
	lossTicks int
	actFaults []int
	lastFault map[string]string
	missing   bool

	stopOnce sync.Once
	transMu  sync.Mutex
}

func New(cfg Config, opts Options) (*Loop, error) {
	cfg = cfg.withDefaults()
	if opts.Estimator == nil {
		return nil, fmt.Errorf("loop: estimator is nil")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("loop: policy is nil")
	}
	if len(opts.Actuators) == 0 {
		return nil, fmt.Errorf("loop: no actuator ports")
	}
	if err := hal.CheckCapabilities(opts.Sensors, opts.Actuators); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	for _, a := range opts.Actuators {
		if err := a.Envelope().Validate(); err != nil {
			return nil, fmt.Errorf("loop: actuator %s: %w", a.Name(), err)
		}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = max(len(opts.Sensors), len(opts.Actuators))
	}
	l := &Loop{
		cfg:       cfg,
		sensors:   opts.Sensors,
		actuators: opts.Actuators,
		est:       opts.Estimator,
		dec:       opts.Decoder,
		targets:   opts.Targets,
		sinks:     opts.Sinks,
		obs:       opts.Observer,
		now:       opts.Now,
		onTrans:   opts.OnTransition,
		actFaults: make([]int, len(opts.Actuators)),
		lastFault: map[string]string{},
	}
	if l.dec == nil {
		l.dec = gps.NewDecoder()
	}
	if l.targets == nil {
		l.targets = hal.NewTargetStore()
	}
	if l.obs == nil {
		l.obs = nopObserver{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.policy.Store(&policyBox{opts.Policy})
	l.status.Store(&Status{Phase: Idle, Since: l.now()})

	kinds := make([]hal.SensorKind, 0, len(opts.Sensors))
	for _, s := range opts.Sensors {
		kinds = append(kinds, s.Kind())
	}
	l.est.Expect(kinds...)
	return l, nil
}

// Status returns the current phase.
func (l *Loop) Status() Status { return *l.status.Load() }

// State returns the last published VehicleState.
func (l *Loop) State() (hal.VehicleState, bool) {
	s := l.latest.Load()
	if s == nil {
		return hal.VehicleState{}, false
	}
	return s.State, true
}

// Latest returns the last published snapshot.
func (l *Loop) Latest() (Snapshot, bool) {
	s := l.latest.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Policy returns the active policy.
func (l *Loop) Policy() policy.Policy { return l.policy.Load().p }

// SetPolicy swaps the policy; it takes effect on the next tick.
func (l *Loop) SetPolicy(p policy.Policy) error {
	if p == nil {
		return fmt.Errorf("loop: policy is nil")
	}
	prev := l.policy.Swap(&policyBox{p})
	log.Printf("policy changed from=%s to=%s", prev.p.Name(), p.Name())
	return nil
}

// Targets is the store the policy reads from.
func (l *Loop) Targets() *hal.TargetStore { return l.targets }

func (l *Loop) transition(to Phase, reason Reason, err error) {
	l.transMu.Lock()
	prev := l.status.Load()
	if prev.Phase == to {
		l.transMu.Unlock()
		return
	}
	st := &Status{Phase: to, Reason: reason, Since: l.now()}
	if err != nil {
		st.Err = err.Error()
	}
	l.status.Store(st)
	l.transMu.Unlock()

	if err != nil {
		log.Printf("loop phase from=%s to=%s reason=%s err=%v", prev.Phase, to, reason, err)
	} else if reason != ReasonNone {
		log.Printf("loop phase from=%s to=%s reason=%s", prev.Phase, to, reason)
	} else {
		log.Printf("loop phase from=%s to=%s", prev.Phase, to)
	}
	l.obs.PhaseChanged(to)
	if l.onTrans != nil {
		l.onTrans(Transition{From: prev.Phase, To: to, Reason: reason, Err: err, At: st.Since})
	}
}

// Init brings every port up and moves Idle to Running. A failure safe-stops
// the ports that did come up and terminates.
func (l *Loop) Init(ctx context.Context) error {
	if p := l.Status().Phase; p != Idle {
		return fmt.Errorf("loop: init in phase %s", p)
	}
	ictx, cancel := context.WithTimeout(ctx, l.cfg.InitTimeout)
	defer cancel()

	var err error
	for _, s := range l.sensors {
		if in, ok := s.(hal.Initializer); ok {
			if e := in.Init(ictx); e != nil {
				err = fmt.Errorf("sensor %s: %w", s.Name(), e)
				break
			}
		}
	}
	for _, a := range l.actuators {
		if err != nil {
			break
		}
		if in, ok := a.(hal.Initializer); ok {
			if e := in.Init(ictx); e != nil {
				err = fmt.Errorf("actuator %s: %w", a.Name(), e)
			}
		}
	}
	if err != nil {
		l.safeStop(ReasonInitFailed, err)
		return err
	}
	l.transition(Running, ReasonNone, nil)
	return nil
}

// Run initializes the ports and ticks until ctx is done or a fatal
// condition safe-stops the loop. Cancellation is a clean shutdown and
// returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.safeStop(ReasonShutdown, nil)
			return nil
		case <-timer.C:
		}
		start := time.Now()
		if err := l.Step(ctx); err != nil {
			if ctx.Err() != nil {
				l.safeStop(ReasonShutdown, nil)
				return nil
			}
			return err
		}
		// An overrun starts the next tick immediately.
		timer.Reset(max(l.cfg.Period-time.Since(start), 0))
	}
}

type acquired struct {
	port   hal.SensorPort
	sample hal.SensorSample
	err    error
}

// Step runs one tick. It returns an error only when the tick ended the run:
// ErrActuatorFatal or ErrSensorLoss after the loop safe-stopped, or the
// context error on cancellation.
func (l *Loop) Step(ctx context.Context) error {
	if p := l.Status().Phase; p != Running {
		return fmt.Errorf("loop: step in phase %s", p)
	}
	start := time.Now()
	l.tick++

	delivered := l.acquire(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(l.sensors) > 0 {
		if delivered {
			l.lossTicks = 0
		} else {
			l.lossTicks++
			if l.lossTicks >= l.cfg.SensorLossTicks {
				err := fmt.Errorf("no sensor delivered for %d ticks: %w", l.lossTicks, ErrSensorLoss)
				l.safeStop(ReasonSensorLoss, err)
				return err
			}
		}
	}

	st := l.est.Snapshot(l.now(), l.tick)
	pol := l.Policy()
	cmd := pol.Evaluate(st, l.targets.Load())

	fatal := l.actuate(ctx, cmd)
	if err := ctx.Err(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	missed := elapsed > l.cfg.Period
	st.DeadlineMiss = missed
	l.noteDeadline(missed, elapsed)
	l.obs.TickDone(elapsed, missed)

	snap := &Snapshot{Tick: l.tick, Phase: Running, State: st, Command: cmd, Duration: elapsed}
	l.latest.Store(snap)
	for _, s := range l.sinks {
		s.Publish(*snap)
	}

	if fatal != nil {
		l.safeStop(ReasonActuatorFatal, fatal)
		return fatal
	}
	return nil
}

// acquire fans out one Acquire per sensor and feeds results to the decoder
// and estimator in completion order. It reports whether any port delivered.
func (l *Loop) acquire(ctx context.Context) bool {
	if len(l.sensors) == 0 {
		return false
	}
	tctx, cancel := context.WithTimeout(ctx, l.cfg.Period)
	defer cancel()

	results := make(chan acquired, len(l.sensors))
	var g errgroup.Group
	g.SetLimit(l.cfg.MaxConcurrency)
	go func() {
		for _, p := range l.sensors {
			g.Go(func() error {
				s, err := hal.AcquireWithin(tctx, p)
				results <- acquired{port: p, sample: s, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	delivered := false
	for r := range results {
		if l.absorb(r) {
			delivered = true
		}
	}
	return delivered
}

func (l *Loop) absorb(r acquired) bool {
	kind := r.port.Kind()
	name := r.port.Name()
	switch {
	case r.err == nil:
		l.clearFault(name)
	case errors.Is(r.err, hal.ErrAcquisitionTimeout):
		l.est.MarkStale(kind, r.err)
		l.sensorFault(name, kind, r.err)
		return false
	case errors.Is(r.err, hal.ErrHardwareFault):
		l.est.MarkDegraded(kind, r.err)
		l.sensorFault(name, kind, r.err)
		return false
	default:
		// Cancelled with the tick; the result is discarded.
		return false
	}

	if r.sample.Sentences != nil || kind == hal.KindPosition {
		l.decode(name, r.sample)
		return true
	}
	if err := l.est.Ingest(r.sample); err != nil {
		l.sensorFault(name, kind, err)
	}
	return true
}

func (l *Loop) decode(name string, s hal.SensorSample) {
	for _, line := range s.Sentences {
		ch, err := l.dec.Decode(s.Timestamp, line)
		if err != nil {
			l.obs.DecodeError(name)
			log.Printf("gps sentence discarded source=%s err=%v", name, err)
			continue
		}
		if !ch.Has(gps.ChangePosition) && !ch.Has(gps.ChangeVelocity) {
			continue
		}
		if err := l.est.IngestFix(s.Timestamp, l.dec.Fix()); err != nil {
			l.sensorFault(name, hal.KindPosition, err)
		}
	}
}

// sensorFault counts every fault and logs only when a port's fault changes.
func (l *Loop) sensorFault(name string, kind hal.SensorKind, err error) {
	fault := hal.FaultName(err)
	l.obs.SensorFault(kind, fault)
	if l.lastFault[name] == fault {
		return
	}
	l.lastFault[name] = fault
	log.Printf("sensor fault source=%s kind=%s fault=%s err=%v", name, kind, fault, err)
}

func (l *Loop) clearFault(name string) {
	if prev, ok := l.lastFault[name]; ok {
		delete(l.lastFault, name)
		log.Printf("sensor recovered source=%s after=%s", name, prev)
	}
}

func (l *Loop) noteDeadline(missed bool, elapsed time.Duration) {
	if missed && !l.missing {
		log.Printf("tick overrun tick=%d took=%s period=%s: %v", l.tick, elapsed, l.cfg.Period, hal.ErrDeadlineMiss)
	}
	l.missing = missed
}

// actuate applies cmd to every port concurrently. A fault is retried once;
// the second consecutive fault on a port is fatal. A rejected command is
// replaced by neutral for that port only.
func (l *Loop) actuate(ctx context.Context, cmd hal.Command) error {
	actx, cancel := context.WithTimeout(ctx, l.cfg.ActuatorTimeout)
	defer cancel()

	faults := make([]int, len(l.actuators))
	copy(faults, l.actFaults)
	errs := make([]error, len(l.actuators))

	var g errgroup.Group
	g.SetLimit(l.cfg.MaxConcurrency)
	for i, a := range l.actuators {
		g.Go(func() error {
			faults[i], errs[i] = l.apply(actx, a, cmd.For(a.Channel()), faults[i])
			return nil
		})
	}
	_ = g.Wait()
	l.actFaults = faults

	var fatal []error
	for _, err := range errs {
		if errors.Is(err, hal.ErrActuatorFatal) {
			fatal = append(fatal, err)
		}
	}
	return errors.Join(fatal...)
}

// apply runs one port's actuation and returns the updated consecutive fault
// count.
func (l *Loop) apply(ctx context.Context, a hal.ActuatorPort, cmd hal.ActuatorCommand, consecutive int) (int, error) {
	for {
		err := a.Apply(ctx, cmd)
		if err == nil {
			return 0, nil
		}
		if errors.Is(err, hal.ErrCommandRejected) {
			// A policy bug, not a device fault: neutral for this port only.
			l.obs.ActuatorFault(a.Channel(), hal.FaultName(err))
			log.Printf("actuator command rejected name=%s value=%v err=%v", a.Name(), cmd.Value, err)
			cmd = hal.NeutralCommand(a, cmd.Timestamp)
			nerr := a.Apply(ctx, cmd)
			if nerr == nil || errors.Is(nerr, hal.ErrCommandRejected) {
				return 0, err
			}
			err = nerr
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return consecutive, err
		}
		consecutive++
		l.obs.ActuatorFault(a.Channel(), hal.FaultName(hal.ErrActuatorFault))
		if consecutive >= 2 {
			return consecutive, fmt.Errorf("%s: %v: %w", a.Name(), err, hal.ErrActuatorFatal)
		}
		if ctx.Err() != nil {
			// Out of time this tick; the next fault is the second one.
			log.Printf("actuator fault name=%s err=%v", a.Name(), err)
			return consecutive, err
		}
		log.Printf("actuator fault name=%s err=%v, retrying", a.Name(), err)
	}
}

// safeStop forces neutral on every actuator, closes the ports and
// terminates. Only the first call has any effect.
func (l *Loop) safeStop(reason Reason, cause error) {
	l.stopOnce.Do(func() {
		l.transition(SafeStop, reason, cause)

		// A fresh context: the run context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 4*l.cfg.ActuatorTimeout)
		defer cancel()
		at := l.now()
		var wg sync.WaitGroup
		for _, a := range l.actuators {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.Apply(ctx, hal.NeutralCommand(a, at)); err != nil {
					log.Printf("safe stop neutral failed name=%s err=%v", a.Name(), err)
				}
			}()
		}
		wg.Wait()

		if s := l.latest.Load(); s != nil {
			// The stop record is a tick of its own so sinks keyed on tick
			// and timestamp see it after the last running state.
			l.tick++
			final := Snapshot{Tick: l.tick, Phase: SafeStop, State: l.est.Snapshot(at, l.tick)}
			final.Command = hal.Command{Timestamp: at, Policy: "neutral"}
			for _, a := range l.actuators {
				switch a.Channel() {
				case hal.Steering:
					final.Command.Steering = a.Envelope().Neutral
				case hal.Throttle:
					final.Command.Throttle = a.Envelope().Neutral
				}
			}
			l.latest.Store(&final)
			for _, sk := range l.sinks {
				sk.Publish(final)
			}
		}

		if err := l.closePorts(); err != nil {
			log.Printf("close ports: %v", err)
		}
		l.transition(Terminated, reason, cause)
	})
}

func (l *Loop) closePorts() error {
	var errs []error
	for _, a := range l.actuators {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("actuator %s: %w", a.Name(), err))
			}
		}
	}
	for _, s := range l.sensors {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sensor %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
