package gps

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rcvehicle/internal/hal"
)

// PortConfig controls the positioning SensorPort.
type PortConfig struct {
	Name       string
	Capability hal.Capability
	// Timeout bounds one Acquire; zero means 200ms.
	Timeout time.Duration
	// Buffer is the number of sentences kept between acquisitions.
	Buffer int
	// QuietAfter is how long after the last sentence an empty buffer is
	// still a healthy gap between fixes; zero means 1s. Within it Acquire
	// returns an empty sample instead of waiting.
	QuietAfter time.Duration
	// Tap, if set, sees every sentence as it arrives (recording).
	Tap func(at time.Time, line string)
}

// Port is a hal.SensorPort that delivers raw NMEA sentences. Decoding is
// left to the control loop so that one Decoder owns all cross-sentence state.
//
// A background goroutine keeps the feed running and reconnects with backoff;
// failures never bring down the process.
type Port struct {
	cfg  PortConfig
	feed LineFeed

	lines    chan string
	dropped  atomic.Uint64
	lastLine atomic.Int64 // unix nanos

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	linkUp  bool
	lastErr error
}

func NewPort(feed LineFeed, cfg PortConfig) *Port {
	if cfg.Name == "" {
		cfg.Name = "gps"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.QuietAfter <= 0 {
		cfg.QuietAfter = time.Second
	}
	return &Port{cfg: cfg, feed: feed, lines: make(chan string, cfg.Buffer)}
}

func (p *Port) Name() string               { return p.cfg.Name }
func (p *Port) Kind() hal.SensorKind       { return hal.KindPosition }
func (p *Port) Capability() hal.Capability { return p.cfg.Capability }
func (p *Port) Timeout() time.Duration     { return p.cfg.Timeout }

// Dropped reports sentences discarded because nobody acquired them in time.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Init starts the background reader. It is idempotent. The reader outlives
// ctx, which only bounds initialization; Close stops it.
func (p *Port) Init(ctx context.Context) error {
	if p.feed == nil {
		return fmt.Errorf("%s: no line feed configured", p.cfg.Name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(childCtx)
	}()
	log.Printf("gps enabled name=%s feed=%s", p.cfg.Name, p.feed.Name())
	return nil
}

func (p *Port) run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	maxBackoff := 10 * time.Second
	for {
		p.setLink(true, nil)
		started := time.Now()
		err := p.feed.Run(ctx, p.emit)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Printf("gps feed finished name=%s feed=%s", p.cfg.Name, p.feed.Name())
			p.setLink(false, errors.New("feed finished"))
			return
		}
		p.setLink(false, err)
		log.Printf("gps feed stopped name=%s err=%v", p.cfg.Name, err)

		// Reset backoff after a connection that lasted a while.
		if time.Since(started) > maxBackoff {
			backoff = 250 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (p *Port) emit(line string) {
	now := time.Now()
	p.lastLine.Store(now.UnixNano())
	if p.cfg.Tap != nil {
		p.cfg.Tap(now, line)
	}
	for {
		select {
		case p.lines <- line:
			return
		default:
		}
		// Keep the newest sentences.
		select {
		case <-p.lines:
			p.dropped.Add(1)
		default:
		}
	}
}

func (p *Port) setLink(up bool, err error) {
	p.mu.Lock()
	p.linkUp = up
	if err != nil {
		p.lastErr = err
	}
	p.mu.Unlock()
}

func (p *Port) link() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkUp, p.lastErr
}

// Acquire returns every sentence buffered since the last call. Between fixes
// of a healthy receiver the sample may carry no sentences; otherwise it waits
// for at least one. A dead link reports ErrHardwareFault; a live but quiet
// one reports ErrAcquisitionTimeout.
func (p *Port) Acquire(ctx context.Context) (hal.SensorSample, error) {
	var out []string
	drain := func() {
		for {
			select {
			case l := <-p.lines:
				out = append(out, l)
			default:
				return
			}
		}
	}
	drain()
	if len(out) == 0 && !p.recentlyHeard() {
		select {
		case l := <-p.lines:
			out = append(out, l)
			drain()
		case <-ctx.Done():
			up, lastErr := p.link()
			if !up && lastErr != nil {
				return hal.SensorSample{}, fmt.Errorf("%s: %v: %w", p.cfg.Name, lastErr, hal.ErrHardwareFault)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return hal.SensorSample{}, fmt.Errorf("%s: no sentences: %w", p.cfg.Name, hal.ErrAcquisitionTimeout)
			}
			return hal.SensorSample{}, ctx.Err()
		}
	}
	return hal.SensorSample{
		Source:    p.cfg.Name,
		Kind:      hal.KindPosition,
		Timestamp: time.Now(),
		Sentences: out,
	}, nil
}

func (p *Port) recentlyHeard() bool {
	last := p.lastLine.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < p.cfg.QuietAfter
}

func (p *Port) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}
