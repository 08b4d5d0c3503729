package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/airsense-sync/internal/connection"
	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/model"
	"github.com/rickgao/airsense-sync/internal/poller"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrStopped        = errors.New("coordinator stopped")
)

// Inputs decide the active method.
type Inputs struct {
	PreferPush    bool
	PushAvailable bool
	PushConnected bool
}

// Resolve returns push only when it is preferred, available and connected.
func Resolve(in Inputs) model.Method {
	if in.PreferPush && in.PushAvailable && in.PushConnected {
		return model.MethodPush
	}
	return model.MethodPolling
}

// PushTransport is the push side. *connection.Manager implements it.
type PushTransport interface {
	Subscribe(target string, handler connection.Handler) (unsubscribe func())
	OnStateChange(fn func(connection.StateEvent))
	Refresh() bool
	Status() connection.Status
}

// Invalidator is told which cache keys a delivered update makes stale.
type Invalidator interface {
	Invalidate(keys []string)
}

// Config holds coordinator configuration.
type Config struct {
	PreferPush bool
	Resource   string // First element of invalidation keys
	Poller     poller.Config
}

// Status is the consumer-facing view of the sync state.
type Status struct {
	Method            model.Method `json:"method"`
	IsActive          bool         `json:"isActive"`
	UpdateCount       int64        `json:"updateCount"`
	Target            string       `json:"target"`
	IsConnected       bool         `json:"isConnected"`
	IsConnecting      bool         `json:"isConnecting"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	Error             string       `json:"error,omitempty"` // Safe to display
	PollCount         int64        `json:"pollCount"`
	LastPollTime      *time.Time   `json:"lastPollTime"`

	LastError error `json:"-"`
}

// Coordinator switches between push and polling for one target.
//
// onUpdate runs on transport goroutines, one call at a time, and must not
// call Stop.
type Coordinator struct {
	cfg         Config
	push        PushTransport
	poller      *poller.Poller
	invalidator Invalidator
	logger      *slog.Logger

	mu            sync.Mutex
	running       bool
	stopped       bool
	preferPush    bool
	pushAvailable bool
	target        string
	active        model.Method
	updateCount   int64
	onUpdate      func(model.Update)
	cancel        context.CancelFunc
	done          chan struct{}

	wake       chan struct{}
	dispatchMu sync.Mutex

	// Owned by the loop goroutine.
	unsubscribe func()
	subTarget   string
	polling     bool
	pollTarget  string
}

// New creates a Coordinator. push may be nil, in which case only polling is
// used. invalidator may be nil.
func New(cfg Config, push PushTransport, fetch poller.FetchFunc, invalidator Invalidator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:           cfg,
		push:          push,
		invalidator:   invalidator,
		logger:        logger.With("component", "coordinator"),
		preferPush:    cfg.PreferPush,
		pushAvailable: push != nil,
		active:        model.MethodPolling,
		wake:          make(chan struct{}, 1),
	}
	c.poller = poller.New(cfg.Poller, fetch, c.handlePoll, logger)

	if push != nil {
		push.OnStateChange(func(connection.StateEvent) { c.notify() })
	}
	return c
}

// Start begins syncing target, delivering every update to onUpdate.
func (c *Coordinator) Start(ctx context.Context, target string, onUpdate func(model.Update)) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.target = target
	c.onUpdate = onUpdate
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.poller.SetTarget(target)

	go c.run(loopCtx, done)
	c.notify()

	c.logger.Info("coordinator started", "target", target, "prefer_push", c.cfg.PreferPush)
	return nil
}

// Stop detaches both transports. No update is delivered after Stop returns.
// A stopped Coordinator cannot be restarted.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.fence()
	cancel()
	c.poller.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info("coordinator stopped")
	return nil
}

// SetTarget switches both transports to a new location.
func (c *Coordinator) SetTarget(target string) {
	c.mu.Lock()
	changed := c.target != target
	c.target = target
	c.mu.Unlock()

	if changed {
		c.poller.SetTarget(target)
		c.notify()
	}
}

// SetPreferPush changes the user preference for push.
func (c *Coordinator) SetPreferPush(prefer bool) {
	c.mu.Lock()
	c.preferPush = prefer
	c.mu.Unlock()
	c.notify()
}

// SetPushAvailable records whether the push endpoint is usable at all.
func (c *Coordinator) SetPushAvailable(available bool) {
	c.mu.Lock()
	c.pushAvailable = available && c.push != nil
	c.mu.Unlock()
	c.notify()
}

// Refresh forces fresh data: an immediate fetch when polling, a refresh
// frame when on push. It reports whether a request was issued.
func (c *Coordinator) Refresh() bool {
	c.mu.Lock()
	running, active := c.running, c.active
	c.mu.Unlock()

	if !running {
		return false
	}
	if active == model.MethodPush {
		return c.push.Refresh()
	}
	return c.poller.Trigger()
}

// Status returns the consumer-facing state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		Method:      c.active,
		IsActive:    c.running,
		UpdateCount: c.updateCount,
		Target:      c.target,
	}
	c.mu.Unlock()

	ps := c.poller.Status()
	s.PollCount = ps.PollCount
	if !ps.LastPollTime.IsZero() {
		t := ps.LastPollTime
		s.LastPollTime = &t
	}

	if c.push != nil {
		cs := c.push.Status()
		s.IsConnected = cs.IsConnected
		s.IsConnecting = cs.IsConnecting
		s.ReconnectAttempts = cs.ReconnectAttempts
		if s.Method == model.MethodPush {
			s.LastError = cs.LastError
		}
	}
	if s.Method == model.MethodPolling {
		s.LastError = ps.LastError
	}
	s.Error = fault.UserMessage(s.LastError)

	return s
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the single owner of transport switching.
func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.detach()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.reconcile(ctx)
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) {
	c.mu.Lock()
	preferPush := c.preferPush
	pushAvailable := c.pushAvailable
	target := c.target
	c.mu.Unlock()

	attach := preferPush && pushAvailable
	if attach {
		if c.unsubscribe == nil || c.subTarget != target {
			old := c.unsubscribe
			c.unsubscribe = c.push.Subscribe(target, c.handlePush)
			c.subTarget = target
			if old != nil {
				old()
			}
		}
	} else if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		c.subTarget = ""
	}

	var connected bool
	if attach {
		st := c.push.Status()
		connected = st.IsConnected && st.Target == target
	}

	method := Resolve(Inputs{
		PreferPush:    preferPush,
		PushAvailable: pushAvailable,
		PushConnected: connected,
	})
	c.switchTo(ctx, method, target)
}

// switchTo closes the old transport's gate before opening the new one.
func (c *Coordinator) switchTo(ctx context.Context, method model.Method, target string) {
	c.mu.Lock()
	previous := c.active
	c.mu.Unlock()

	if method == model.MethodPush {
		if c.polling {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.poller.Stop(stopCtx); err != nil {
				c.logger.Warn("poller stop timed out", "error", err)
			}
			cancel()
			c.polling = false
		}
		c.setActive(model.MethodPush)
	} else {
		c.setActive(model.MethodPolling)
		if !c.polling {
			// ErrClosed means Stop closed the poller under us.
			switch err := c.poller.Start(ctx); {
			case err == nil:
				c.polling = true
				c.pollTarget = target
			case !errors.Is(err, poller.ErrClosed):
				c.logger.Error("failed to start poller", "error", err)
			}
		} else if c.pollTarget != target {
			c.poller.Trigger()
			c.pollTarget = target
		}
	}

	if previous != method {
		c.logger.Info("transport switched", "from", previous, "to", method)
	}
}

func (c *Coordinator) setActive(method model.Method) {
	c.mu.Lock()
	changed := c.active != method
	c.active = method
	c.mu.Unlock()

	if changed {
		c.fence()
	}
}

// detach releases both transports when the loop exits.
func (c *Coordinator) detach() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		c.subTarget = ""
	}
	if c.polling {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.poller.Stop(stopCtx)
		cancel()
		c.polling = false
	}
}

func (c *Coordinator) handlePush(u model.Update) {
	c.deliver(model.MethodPush, u)
}

func (c *Coordinator) handlePoll(u model.Update) {
	c.deliver(model.MethodPolling, u)
}

// deliver forwards u when method is the active transport and u is for the
// current target.
func (c *Coordinator) deliver(method model.Method, u model.Update) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if !c.running || c.active != method || u.Target != c.target {
		c.mu.Unlock()
		return
	}
	c.updateCount++
	onUpdate := c.onUpdate
	c.mu.Unlock()

	if onUpdate != nil {
		onUpdate(u)
	}
	if c.invalidator != nil {
		c.invalidator.Invalidate([]string{c.cfg.Resource, u.Target})
	}
}

// fence waits for any in-progress delivery to finish.
func (c *Coordinator) fence() {
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
}
