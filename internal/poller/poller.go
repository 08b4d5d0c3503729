package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/model"
)

// Errors
var (
	ErrClosed   = errors.New("poller closed")
	ErrNoTarget = errors.New("no poll target")
)

// FetchFunc fetches the latest payload for target.
type FetchFunc func(ctx context.Context, target string) (json.RawMessage, error)

// Handler receives each successfully fetched update.
type Handler func(model.Update)

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 30s)
	Timeout  time.Duration // Per-fetch timeout (default: 10s, 0 = none)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Status is a snapshot of the poller.
type Status struct {
	Enabled      bool
	PollCount    int64
	LastPollTime time.Time // Zero until the first cycle starts
	Target       string
	LastError    error
}

// Poller periodically fetches readings via REST.
//
// The handler runs on the goroutine performing the cycle and must not call
// Stop or Close.
type Poller struct {
	cfg     Config
	fetch   FetchFunc
	handler Handler
	logger  *slog.Logger

	// Lifetime of the poller, cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	enabled      bool
	closed       bool
	target       string
	pollCount    int64
	lastPollTime time.Time
	lastErr      error
	gen          uint64 // Bumped on Stop and Close
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
	trigger      chan struct{}

	cycle      chan struct{} // Holds a token while a cycle runs
	dispatchMu sync.Mutex
}

// New creates a new Poller.
func New(cfg Config, fetch FetchFunc, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:     cfg,
		fetch:   fetch,
		handler: handler,
		logger:  logger.With("component", "poller"),
		ctx:     ctx,
		cancel:  cancel,
		cycle:   make(chan struct{}, 1),
	}
}

// SetTarget changes the location fetched by later cycles.
func (p *Poller) SetTarget(target string) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

// Start enables scheduled polling: one fetch now, then one per Interval.
// Polling stops when ctx is cancelled, Stop is called, or the poller is closed.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.enabled {
		return nil
	}

	loopCtx, cancel := context.WithCancel(p.ctx)
	stop := context.AfterFunc(ctx, cancel)

	p.enabled = true
	p.gen++
	p.loopCancel = func() {
		stop()
		cancel()
	}
	p.loopDone = make(chan struct{})
	p.trigger = make(chan struct{}, 1)

	go p.run(loopCtx, p.gen, p.loopDone, p.trigger)

	p.logger.Info("polling started",
		"target", p.target,
		"interval", p.cfg.Interval,
	)

	return nil
}

// Stop disables scheduled polling, cancelling the timer and any in-flight
// scheduled fetch. No scheduled update is delivered after Stop returns.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil
	}
	p.enabled = false
	p.gen++
	cancel, done := p.loopCancel, p.loopDone
	p.loopCancel, p.loopDone, p.trigger = nil, nil, nil
	p.mu.Unlock()

	cancel()
	p.fence()

	select {
	case <-done:
		p.logger.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger asks the running schedule for an immediate cycle.
// It reports false when polling is not enabled.
func (p *Poller) Trigger() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return false
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
	return true
}

// Poll runs one fetch cycle now, whether or not polling is enabled.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	return p.runCycle(ctx, func() bool { return !p.closed })
}

// Close disposes the poller. No fetch starts and no update is delivered
// after Close returns.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.enabled = false
	p.gen++
	done := p.loopDone
	p.loopCancel, p.loopDone, p.trigger = nil, nil, nil
	p.mu.Unlock()

	p.cancel()
	p.fence()
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the poller.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		Enabled:      p.enabled,
		PollCount:    p.pollCount,
		LastPollTime: p.lastPollTime,
		Target:       p.target,
		LastError:    p.lastErr,
	}
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context, gen uint64, done chan struct{}, trigger <-chan struct{}) {
	defer close(done)
	defer p.loopExited(gen)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	current := func() bool { return p.gen == gen && !p.closed }

	// Poll immediately on start.
	p.runCycle(ctx, current)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx, current)
		case <-trigger:
			p.runCycle(ctx, current)
			ticker.Reset(p.cfg.Interval)
		}
	}
}

// loopExited disables polling when the loop ended on its own, which happens
// when the ctx given to Start is cancelled.
func (p *Poller) loopExited(gen uint64) {
	p.mu.Lock()
	if p.gen != gen || !p.enabled {
		p.mu.Unlock()
		return
	}
	p.enabled = false
	p.gen++
	cancel := p.loopCancel
	p.loopCancel, p.loopDone, p.trigger = nil, nil, nil
	p.mu.Unlock()

	cancel()
	p.logger.Info("polling stopped", "reason", "context done")
}

// runCycle performs one fetch. live is evaluated under p.mu and decides
// whether the result may still be delivered.
func (p *Poller) runCycle(ctx context.Context, live func() bool) error {
	select {
	case p.cycle <- struct{}{}:
		defer func() { <-p.cycle }()
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	if !live() {
		p.mu.Unlock()
		return ErrClosed
	}
	target := p.target
	if target == "" {
		p.mu.Unlock()
		return ErrNoTarget
	}
	p.lastPollTime = time.Now()
	p.mu.Unlock()

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}
	payload, err := p.fetch(fetchCtx, target)
	cancel()
	receivedAt := time.Now()

	// Cancelled cycles are abandoned, not counted.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	p.pollCount++
	if err != nil {
		p.lastErr = fault.Classify(err)
	} else {
		p.lastErr = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("poll failed", "target", target, "error", err)
		return err
	}

	p.deliver(live, model.NewPollUpdate(target, payload, receivedAt))
	return nil
}

func (p *Poller) deliver(live func() bool, u model.Update) {
	if p.handler == nil {
		return
	}

	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.mu.Lock()
	ok := live()
	p.mu.Unlock()
	if !ok {
		return
	}

	p.handler(u)
}

// fence waits for any in-progress delivery to finish.
func (p *Poller) fence() {
	p.dispatchMu.Lock()
	p.dispatchMu.Unlock()
}
