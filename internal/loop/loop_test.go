package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcvehicle/internal/estimator"
	"rcvehicle/internal/gps"
	"rcvehicle/internal/hal"
	"rcvehicle/internal/policy"
	"rcvehicle/internal/sim"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
	snaps       []Snapshot
}

func (r *recorder) onTransition(t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) Publish(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

// path returns the phase sequence as "from>to:reason".
func (r *recorder) path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.transitions {
		out = append(out, string(t.From)+">"+string(t.To)+":"+string(t.Reason))
	}
	return out
}

type rig struct {
	clk      *clock
	world    *sim.World
	imu      *sim.SensorPort
	baro     *sim.SensorPort
	steering *sim.Actuator
	throttle *sim.Actuator
	rec      *recorder
	loop     *Loop
}

func newRig(t *testing.T, script *sim.FaultScript, cfg Config) *rig {
	t.Helper()
	var plan *sim.FaultPlan
	if script != nil {
		p, err := sim.NewFaultPlan(*script)
		require.NoError(t, err)
		plan = p
	}
	r := &rig{clk: newClock(), rec: &recorder{}}
	r.world = sim.NewWorld(sim.WorldConfig{Seed: 1, Origin: hal.Position{LatDeg: 47, LonDeg: 8}}, plan, r.clk.now)
	r.imu = r.world.NewIMU("imu", 0)
	r.baro = r.world.NewBarometer("baro", 0)
	r.steering = r.world.NewActuator("steering", hal.Steering, hal.Envelope{})
	r.throttle = r.world.NewActuator("throttle", hal.Throttle, hal.Envelope{})
	r.loop = r.build(t, cfg, []hal.SensorPort{r.imu, r.baro}, []hal.ActuatorPort{r.steering, r.throttle})
	return r
}

func (r *rig) build(t *testing.T, cfg Config, sensors []hal.SensorPort, actuators []hal.ActuatorPort) *Loop {
	t.Helper()
	pol, err := policy.New(policy.Config{Kind: policy.KindDirect, DeadmanTimeout: -1})
	require.NoError(t, err)
	l, err := New(cfg, Options{
		Sensors:      sensors,
		Actuators:    actuators,
		Estimator:    estimator.New(estimator.Config{BiasCalibration: -1}),
		Policy:       pol,
		Sinks:        []Sink{r.rec},
		Now:          r.clk.now,
		OnTransition: r.rec.onTransition,
	})
	require.NoError(t, err)
	return l
}

func (r *rig) steps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.loop.Step(context.Background()), "tick %d", i+1)
		r.clk.advance(50 * time.Millisecond)
	}
}

func TestLoop_TwoConsecutiveActuatorFaultsSafeStop(t *testing.T) {
	r := newRig(t, nil, Config{})
	require.NoError(t, r.loop.Init(context.Background()))
	r.loop.Targets().Set(hal.ControlTarget{Steering: 0.4, Throttle: 0.6, UpdatedAt: r.clk.now()})
	r.steps(t, 2)

	last, _ := r.throttle.Last()
	require.Equal(t, 0.6, last.Value)

	r.steering.FailNext(2)
	err := r.loop.Step(context.Background())
	require.ErrorIs(t, err, hal.ErrActuatorFatal)

	st := r.loop.Status()
	assert.Equal(t, Terminated, st.Phase)
	assert.Equal(t, ReasonActuatorFatal, st.Reason)
	assert.Equal(t, []string{"idle>running:", "running>safe_stop:actuator_fatal", "safe_stop>terminated:actuator_fatal"}, r.rec.path())

	// Every port is at neutral, the healthy one included.
	thr, _ := r.throttle.Last()
	assert.Equal(t, 0.0, thr.Value)
	steer, _ := r.steering.Last()
	assert.Equal(t, 0.0, steer.Value)

	snap, ok := r.loop.Latest()
	require.True(t, ok)
	assert.Equal(t, SafeStop, snap.Phase)
	assert.Equal(t, "neutral", snap.Command.Policy)

	// The stop record follows the fatal tick instead of repeating it.
	require.Len(t, r.rec.snaps, 4)
	fatalTick, stop := r.rec.snaps[2], r.rec.snaps[3]
	assert.Equal(t, uint64(3), fatalTick.Tick)
	assert.Equal(t, uint64(4), stop.Tick)
	assert.Equal(t, uint64(4), stop.State.Tick)
	assert.True(t, stop.State.Timestamp.After(fatalTick.State.Timestamp))

	require.Error(t, r.loop.Step(context.Background()), "stepping a terminated loop")
}

func TestLoop_SingleActuatorFaultIsRetried(t *testing.T) {
	r := newRig(t, nil, Config{})
	require.NoError(t, r.loop.Init(context.Background()))
	r.loop.Targets().Set(hal.ControlTarget{Steering: -0.5, UpdatedAt: r.clk.now()})

	r.steering.FailNext(1)
	r.steps(t, 1)
	last, n := r.steering.Last()
	assert.Equal(t, -0.5, last.Value)
	assert.Equal(t, 1, n)

	// A fault, a good tick, then another fault is not two in a row.
	r.steering.FailNext(1)
	r.steps(t, 2)
	assert.Equal(t, Running, r.loop.Status().Phase)
}

func TestLoop_TimingOutSensorGoesStale(t *testing.T) {
	script := &sim.FaultScript{Faults: []sim.FaultWindow{
		{Port: "imu", Kind: sim.FaultTimeout, Start: 100 * time.Millisecond},
	}}
	r := newRig(t, script, Config{})
	require.NoError(t, r.loop.Init(context.Background()))
	r.steps(t, 2)

	st, ok := r.loop.State()
	require.True(t, ok)
	require.Equal(t, hal.SourceFresh, st.Source(hal.KindInertial).Health)

	r.steps(t, 12)
	st, _ = r.loop.State()
	assert.Equal(t, Running, r.loop.Status().Phase)
	assert.Equal(t, uint64(14), st.Tick)
	imu := st.Source(hal.KindInertial)
	assert.Equal(t, hal.SourceStale, imu.Health)
	assert.Contains(t, imu.LastError, "acquisition timeout")
	assert.Equal(t, hal.SourceFresh, st.Source(hal.KindBarometer).Health)
	// Stale inertial data still leaves a unit orientation.
	assert.InDelta(t, 1.0, st.Orientation.Real*st.Orientation.Real+st.Orientation.Imag*st.Orientation.Imag+
		st.Orientation.Jmag*st.Orientation.Jmag+st.Orientation.Kmag*st.Orientation.Kmag, 1e-9)
}

func TestLoop_TotalSensorLoss(t *testing.T) {
	script := &sim.FaultScript{Faults: []sim.FaultWindow{
		{Port: "imu", Kind: sim.FaultError},
		{Port: "baro", Kind: sim.FaultError},
	}}
	r := newRig(t, script, Config{SensorLossTicks: 3})
	require.NoError(t, r.loop.Init(context.Background()))
	r.loop.Targets().Set(hal.ControlTarget{Throttle: 0.5, UpdatedAt: r.clk.now()})

	r.steps(t, 2)
	st, _ := r.loop.State()
	assert.Equal(t, hal.SourceDegraded, st.Source(hal.KindInertial).Health)

	err := r.loop.Step(context.Background())
	require.ErrorIs(t, err, ErrSensorLoss)
	assert.Equal(t, ReasonSensorLoss, r.loop.Status().Reason)
	assert.Equal(t, Terminated, r.loop.Status().Phase)
	thr, _ := r.throttle.Last()
	assert.Equal(t, 0.0, thr.Value)
}

// sentencePort hands out canned NMEA batches, one per Acquire.
type sentencePort struct {
	clk     *clock
	batches [][]string
}

func (p *sentencePort) Name() string               { return "gps" }
func (p *sentencePort) Kind() hal.SensorKind       { return hal.KindPosition }
func (p *sentencePort) Capability() hal.Capability { return hal.Simulated }
func (p *sentencePort) Timeout() time.Duration     { return 10 * time.Millisecond }
func (p *sentencePort) Acquire(ctx context.Context) (hal.SensorSample, error) {
	var out []string
	if len(p.batches) > 0 {
		out, p.batches = p.batches[0], p.batches[1:]
	}
	return hal.SensorSample{Timestamp: p.clk.now(), Sentences: out}, nil
}

type countingObserver struct {
	nopObserver
	mu      sync.Mutex
	decode  int
	ticks   int
	misses  int
	sensors map[string]int
}

func (o *countingObserver) DecodeError(string) {
	o.mu.Lock()
	o.decode++
	o.mu.Unlock()
}

func (o *countingObserver) TickDone(_ time.Duration, missed bool) {
	o.mu.Lock()
	o.ticks++
	if missed {
		o.misses++
	}
	o.mu.Unlock()
}

func (o *countingObserver) SensorFault(kind hal.SensorKind, fault string) {
	o.mu.Lock()
	if o.sensors == nil {
		o.sensors = map[string]int{}
	}
	o.sensors[string(kind)+"/"+fault]++
	o.mu.Unlock()
}

func TestLoop_MalformedSentenceThenValidFix(t *testing.T) {
	clk := newClock()
	w := sim.NewWorld(sim.WorldConfig{Seed: 1}, nil, clk.now)
	valid := gps.Format("GPRMC,120000.00,A,4700.0000,N,00800.0000,E,0.0,0.0,010526,,")
	bad := "$GPRMC,120000.00,A,4700.0000,N,00800.0000,E,0.0,0.0,010526,,*00"
	port := &sentencePort{clk: clk, batches: [][]string{{bad}, {valid}}}
	obs := &countingObserver{}
	pol, err := policy.New(policy.Config{})
	require.NoError(t, err)
	l, err := New(Config{}, Options{
		Sensors:   []hal.SensorPort{port},
		Actuators: []hal.ActuatorPort{w.NewActuator("", hal.Throttle, hal.Envelope{})},
		Estimator: estimator.New(estimator.Config{}),
		Policy:    pol,
		Observer:  obs,
		Now:       clk.now,
	})
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))

	require.NoError(t, l.Step(context.Background()))
	st, _ := l.State()
	assert.False(t, st.PositionValid)
	assert.Equal(t, 1, obs.decode)

	clk.advance(50 * time.Millisecond)
	require.NoError(t, l.Step(context.Background()))
	st, _ = l.State()
	assert.True(t, st.PositionValid)
	assert.Equal(t, hal.PositionFix, st.PositionSource)
	assert.InDelta(t, 47.0, st.Position.LatDeg, 1e-9)
	assert.InDelta(t, 8.0, st.Position.LonDeg, 1e-9)
	assert.Equal(t, 2, obs.ticks)
}

func TestLoop_TimestampsStrictlyIncrease(t *testing.T) {
	r := newRig(t, nil, Config{})
	require.NoError(t, r.loop.Init(context.Background()))
	// Frozen clock: every tick reads the same instant.
	for i := 0; i < 5; i++ {
		require.NoError(t, r.loop.Step(context.Background()))
	}
	require.Len(t, r.rec.snaps, 5)
	for i := 1; i < len(r.rec.snaps); i++ {
		prev, cur := r.rec.snaps[i-1].State.Timestamp, r.rec.snaps[i].State.Timestamp
		assert.True(t, cur.After(prev), "tick %d: %v !> %v", i, cur, prev)
		assert.Equal(t, uint64(i+1), r.rec.snaps[i].Tick)
	}
}

func TestLoop_RejectedCommandBecomesNeutral(t *testing.T) {
	clk := newClock()
	w := sim.NewWorld(sim.WorldConfig{Seed: 1}, nil, clk.now)
	narrow := w.NewActuator("steering", hal.Steering, hal.Envelope{Min: -0.2, Max: 0.2})
	throttle := w.NewActuator("throttle", hal.Throttle, hal.Envelope{})
	pol, err := policy.New(policy.Config{DeadmanTimeout: -1})
	require.NoError(t, err)
	l, err := New(Config{}, Options{
		Sensors:   []hal.SensorPort{w.NewIMU("imu", 0)},
		Actuators: []hal.ActuatorPort{narrow, throttle},
		Estimator: estimator.New(estimator.Config{}),
		Policy:    pol,
		Now:       clk.now,
	})
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))
	l.Targets().Set(hal.ControlTarget{Steering: 0.8, Throttle: 0.3})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Step(context.Background()))
		clk.advance(50 * time.Millisecond)
	}
	steer, _ := narrow.Last()
	assert.Equal(t, 0.0, steer.Value)
	assert.Equal(t, "neutral", steer.Policy)
	thr, _ := throttle.Last()
	assert.Equal(t, 0.3, thr.Value)
	assert.Equal(t, Running, l.Status().Phase)
}

func TestLoop_SetPolicy(t *testing.T) {
	r := newRig(t, nil, Config{})
	require.NoError(t, r.loop.Init(context.Background()))
	r.steps(t, 1)
	snap, _ := r.loop.Latest()
	assert.Equal(t, policy.KindDirect, snap.Command.Policy)

	h, err := policy.New(policy.Config{Kind: policy.KindHeading})
	require.NoError(t, err)
	require.NoError(t, r.loop.SetPolicy(h))
	r.steps(t, 1)
	snap, _ = r.loop.Latest()
	assert.Equal(t, policy.KindHeading, snap.Command.Policy)
	require.Error(t, r.loop.SetPolicy(nil))
}

func TestNew_RejectsMixedCapabilities(t *testing.T) {
	r := newRig(t, nil, Config{})
	_, err := New(Config{}, Options{
		Sensors:   []hal.SensorPort{r.imu, realSensor{r.baro}},
		Actuators: []hal.ActuatorPort{r.steering},
		Estimator: estimator.New(estimator.Config{}),
		Policy:    r.loop.Policy(),
	})
	require.Error(t, err)
}

type failingInit struct{ hal.ActuatorPort }

func (failingInit) Init(context.Context) error { return errors.New("pwm chip not found") }

func TestLoop_InitFailure(t *testing.T) {
	r := newRig(t, nil, Config{})
	l := r.build(t, Config{}, []hal.SensorPort{r.imu}, []hal.ActuatorPort{r.steering, failingInit{r.throttle}})
	r.rec.transitions = nil

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Terminated, l.Status().Phase)
	assert.Equal(t, ReasonInitFailed, l.Status().Reason)
	assert.Equal(t, []string{"idle>safe_stop:init_failed", "safe_stop>terminated:init_failed"}, r.rec.path())
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	w := sim.NewWorld(sim.WorldConfig{Seed: 1}, nil, nil)
	throttle := w.NewActuator("throttle", hal.Throttle, hal.Envelope{})
	rec := &recorder{}
	pol, err := policy.New(policy.Config{DeadmanTimeout: -1})
	require.NoError(t, err)
	l, err := New(Config{Period: 5 * time.Millisecond}, Options{
		Sensors:      []hal.SensorPort{w.NewIMU("imu", 0)},
		Actuators:    []hal.ActuatorPort{throttle},
		Estimator:    estimator.New(estimator.Config{}),
		Policy:       pol,
		Sinks:        []Sink{rec},
		OnTransition: rec.onTransition,
	})
	require.NoError(t, err)
	l.Targets().Set(hal.ControlTarget{Throttle: 0.7})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, ok := l.Latest()
		return ok && s.Tick >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	assert.Equal(t, Terminated, l.Status().Phase)
	assert.Equal(t, ReasonShutdown, l.Status().Reason)
	last, _ := throttle.Last()
	assert.Equal(t, 0.0, last.Value)
}

// slowActuator holds every Apply for the current delay before delegating.
type slowActuator struct {
	*sim.Actuator
	delay atomic.Int64
}

func (a *slowActuator) Apply(ctx context.Context, cmd hal.ActuatorCommand) error {
	time.Sleep(time.Duration(a.delay.Load()))
	return a.Actuator.Apply(ctx, cmd)
}

func (o *countingObserver) counts() (ticks, misses int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks, o.misses
}

func newSlowLoop(t *testing.T, period time.Duration, delay time.Duration) (*Loop, *slowActuator, *countingObserver) {
	t.Helper()
	w := sim.NewWorld(sim.WorldConfig{Seed: 1}, nil, nil)
	slow := &slowActuator{Actuator: w.NewActuator("throttle", hal.Throttle, hal.Envelope{})}
	slow.delay.Store(int64(delay))
	obs := &countingObserver{}
	pol, err := policy.New(policy.Config{DeadmanTimeout: -1})
	require.NoError(t, err)
	l, err := New(Config{Period: period, ActuatorTimeout: time.Second}, Options{
		Sensors:   []hal.SensorPort{w.NewIMU("imu", 0)},
		Actuators: []hal.ActuatorPort{slow},
		Estimator: estimator.New(estimator.Config{}),
		Policy:    pol,
		Observer:  obs,
	})
	require.NoError(t, err)
	return l, slow, obs
}

func TestLoop_OverrunIsReportedAndLoopContinues(t *testing.T) {
	l, slow, obs := newSlowLoop(t, 20*time.Millisecond, 0)
	require.NoError(t, l.Init(context.Background()))

	require.NoError(t, l.Step(context.Background()))
	snap, _ := l.Latest()
	assert.False(t, snap.State.DeadlineMiss)

	slow.delay.Store(int64(40 * time.Millisecond))
	require.NoError(t, l.Step(context.Background()))
	snap, _ = l.Latest()
	assert.True(t, snap.State.DeadlineMiss)
	assert.Greater(t, snap.Duration, 20*time.Millisecond)
	assert.Equal(t, Running, l.Status().Phase)
	_, misses := obs.counts()
	assert.Equal(t, 1, misses)

	slow.delay.Store(0)
	require.NoError(t, l.Step(context.Background()))
	snap, _ = l.Latest()
	assert.False(t, snap.State.DeadlineMiss)
	ticks, misses := obs.counts()
	assert.Equal(t, 3, ticks)
	assert.Equal(t, 1, misses)
}

func TestLoop_RunStartsNextTickAfterOverrun(t *testing.T) {
	const period, delay = 50 * time.Millisecond, 80 * time.Millisecond
	l, _, obs := newSlowLoop(t, period, delay)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, ok := l.Latest()
		return ok && s.Tick >= 6
	}, 3*time.Second, time.Millisecond)
	elapsed := time.Since(start)
	cancel()
	require.NoError(t, <-done)

	// Six overrunning ticks back to back take about 6*delay; waiting a
	// period after each would take 6*delay+5*period.
	assert.Less(t, elapsed, 6*delay+2*period)
	_, misses := obs.counts()
	assert.GreaterOrEqual(t, misses, 6)
}

func TestLoop_RunKeepsReceivingFixes(t *testing.T) {
	w := sim.NewWorld(sim.WorldConfig{Seed: 1, Origin: hal.Position{LatDeg: 47, LonDeg: 8}}, nil, nil)
	feed := sim.NewGPSFeed(w, sim.GPSConfig{RateHz: 10})
	receiver := gps.NewPort(feed, gps.PortConfig{Capability: hal.Simulated, Timeout: 100 * time.Millisecond})
	pol, err := policy.New(policy.Config{DeadmanTimeout: -1})
	require.NoError(t, err)
	l, err := New(Config{Period: 20 * time.Millisecond, InitTimeout: 200 * time.Millisecond}, Options{
		Sensors:   []hal.SensorPort{w.NewIMU("imu", 0), receiver},
		Actuators: []hal.ActuatorPort{w.NewActuator("throttle", hal.Throttle, hal.Envelope{})},
		Estimator: estimator.New(estimator.Config{}),
		Policy:    pol,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Past the receiver's quiet window and the estimator's fix staleness.
	time.Sleep(1500 * time.Millisecond)
	require.Eventually(t, func() bool {
		st, ok := l.State()
		return ok && st.PositionValid && st.PositionSource == hal.PositionFix
	}, time.Second, 10*time.Millisecond)

	st, _ := l.State()
	assert.InDelta(t, 47.0, st.Position.LatDeg, 0.01)
	assert.InDelta(t, 8.0, st.Position.LonDeg, 0.01)
	assert.Equal(t, hal.SourceFresh, st.Source(hal.KindPosition).Health)
	assert.Equal(t, Running, l.Status().Phase)
}
