package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/model"
	"github.com/rickgao/airsense-sync/internal/retry"
)

// LocationPlaceholder is replaced by the escaped target in the push URL.
const LocationPlaceholder = "{location}"

// PushURL binds a push URL template to a target location.
// Without a placeholder the target is appended as the last path segment.
func PushURL(template, target string) string {
	escaped := url.PathEscape(target)
	if strings.Contains(template, LocationPlaceholder) {
		return strings.ReplaceAll(template, LocationPlaceholder, escaped)
	}

	base, query, hasQuery := strings.Cut(template, "?")
	out := strings.TrimRight(base, "/") + "/" + escaped
	if hasQuery {
		out += "?" + query
	}
	return out
}

type subscription struct {
	target  string
	handler Handler
}

// Manager owns the push connection for one target at a time.
//
// Handlers run on the session goroutine, serialized, in arrival order. A
// handler may call its unsubscribe func but must not call Connect, Disconnect,
// Subscribe or Close. State listeners must not block or call back into the
// Manager.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	target        string
	gen           uint64 // Bumped whenever the bound session changes
	client        Client
	sessionCancel context.CancelFunc
	reconnect     ReconnectContext
	lastErr       error
	subs          map[uint64]subscription
	nextSubID     uint64
	listeners     []func(StateEvent)
	pending       []StateEvent

	// Held while handlers run; taken once on teardown as a fence.
	dispatchMu sync.Mutex
	// Serializes listener calls so events are observed in order.
	emitMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates a Manager. Nothing is dialed until Connect or Subscribe.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "push"),
		subs:   make(map[uint64]subscription),
	}
}

// Connect binds the manager to target and starts dialing. Failures never
// surface as errors here; they show up as state changes and LastError.
// Connecting to the current target while a session is live is a no-op.
func (m *Manager) Connect(target string) {
	if target == "" {
		m.logger.Warn("connect ignored, empty target")
		return
	}

	m.mu.Lock()
	if target == m.target && m.sessionCancel != nil && m.state != StateFailed {
		m.mu.Unlock()
		return
	}

	oldCancel, oldClient := m.sessionCancel, m.client
	m.gen++
	gen := m.gen
	m.target = target
	m.client = nil
	m.reconnect = ReconnectContext{}
	m.lastErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.sessionCancel = cancel
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldClient != nil {
		oldClient.Close()
	}
	m.fence()
	m.flush()

	m.logger.Info("push connecting", "target", target)

	m.wg.Add(1)
	go m.run(ctx, gen, target)
}

// Disconnect closes the connection, cancels any pending reconnect and resets
// the reconnect context. It is idempotent. When it returns no handler is
// running and none will run for the old session.
func (m *Manager) Disconnect() {
	m.teardown(true)
}

// Close disconnects and waits for the session goroutine to exit.
func (m *Manager) Close() {
	m.teardown(true)
	m.wg.Wait()
}

// Send writes data to the push channel. It only sends while connected and
// reports whether the frame was written. Nothing is queued.
func (m *Manager) Send(data []byte) bool {
	m.mu.Lock()
	client := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || client == nil {
		return false
	}
	if err := client.Send(data); err != nil {
		m.logger.Debug("send failed", "error", err)
		return false
	}
	return true
}

// Refresh asks the push server to resend the latest reading.
func (m *Manager) Refresh() bool {
	return m.Send(model.RefreshFrame())
}

// Subscribe registers handler for updates about target. If the connection
// is bound to a different target it is torn down and reopened for target.
// The returned func removes the subscription; removing the last one
// disconnects.
func (m *Manager) Subscribe(target string, handler Handler) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[id] = subscription{target: target, handler: handler}
	m.mu.Unlock()

	m.Connect(target)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *Manager) unsubscribe(id uint64) {
	m.mu.Lock()
	delete(m.subs, id)
	empty := len(m.subs) == 0
	m.mu.Unlock()

	if empty {
		// May run inside a handler, so no fence.
		m.teardown(false)
	}
}

// OnStateChange registers a listener for state transitions.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		State:             m.state,
		Target:            m.target,
		IsConnected:       m.state == StateConnected,
		IsConnecting:      m.state == StateConnecting || m.state == StateReconnecting,
		ReconnectAttempts: m.reconnect.Attempt,
		NextDelay:         m.reconnect.NextDelay,
		LastError:         m.lastErr,
	}
}

func (m *Manager) teardown(fence bool) {
	m.mu.Lock()
	cancel, client := m.sessionCancel, m.client
	m.sessionCancel = nil
	m.client = nil
	m.gen++
	m.reconnect = ReconnectContext{}
	wasLive := m.state != StateDisconnected
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	if fence {
		m.fence()
	}
	m.flush()

	if wasLive {
		m.logger.Info("push disconnected")
	}
}

// fence waits for any in-progress dispatch to finish.
func (m *Manager) fence() {
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock()
}

// setStateLocked records a transition. Caller holds m.mu and must flush.
func (m *Manager) setStateLocked(s State, err error) {
	if m.state == s {
		return
	}
	m.pending = append(m.pending, StateEvent{
		Old:     m.state,
		New:     s,
		Target:  m.target,
		Attempt: m.reconnect.Attempt,
		Err:     err,
	})
	m.state = s
}

// flush delivers queued state events to listeners in order.
func (m *Manager) flush() {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	for {
		m.mu.Lock()
		events := m.pending
		m.pending = nil
		listeners := slices.Clone(m.listeners)
		m.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			for _, fn := range listeners {
				fn(ev)
			}
		}
	}
}

// run is the session loop: dial, consume, back off, repeat.
func (m *Manager) run(ctx context.Context, gen uint64, target string) {
	defer m.wg.Done()

	for {
		client, err := m.dial(ctx, target)
		if err == nil {
			if !m.opened(gen, client) {
				client.Close()
				return
			}
			err = m.consume(ctx, gen, target, client)
			client.Close()
		}

		if ctx.Err() != nil {
			return
		}

		delay, ok := m.scheduleReconnect(gen, err)
		if !ok {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting, nil)
		m.mu.Unlock()
		m.flush()
	}
}

func (m *Manager) dial(ctx context.Context, target string) (Client, error) {
	cfg := m.cfg.Client
	cfg.URL = PushURL(m.cfg.URL, target)
	cfg.Target = target
	cfg.Header = http.Header{}

	if m.cfg.Signer != nil {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse push url: %w", err)
		}
		header, err := m.cfg.Signer.Headers(http.MethodGet, u.Path)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		cfg.Header = header
	}

	c := NewClient(cfg, m.logger.With("target", target))
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return c, nil
}

func (m *Manager) opened(gen uint64, client Client) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.client = client
	m.reconnect = ReconnectContext{}
	m.lastErr = nil
	m.setStateLocked(StateConnected, nil)
	target := m.target
	m.mu.Unlock()
	m.flush()

	m.logger.Info("push connected", "target", target)
	return true
}

// consume forwards frames until the session ends or ctx is done. Frames
// buffered before the session ended are still delivered.
func (m *Manager) consume(ctx context.Context, gen uint64, target string, client Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-client.Frames():
			m.handleMessage(gen, target, msg)
		case <-client.Done():
			for {
				select {
				case msg := <-client.Frames():
					m.handleMessage(gen, target, msg)
				default:
					return client.Err()
				}
			}
		}
	}
}

func (m *Manager) handleMessage(gen uint64, target string, msg TimestampedMessage) {
	env, err := model.ParseEnvelope(msg.Data)
	if err != nil {
		classified := fault.New(fault.KindMessageParse, err)
		m.logger.Warn("dropping malformed frame", "error", err)
		m.mu.Lock()
		if m.gen == gen {
			m.lastErr = classified
		}
		m.mu.Unlock()
		return
	}

	if !model.KnownType(env.Type) || env.Location != target {
		m.logger.Debug("ignoring frame", "type", env.Type, "location", env.Location)
		return
	}

	m.dispatch(gen, target, model.NewPushUpdate(env, msg.ReceivedAt))
}

func (m *Manager) dispatch(gen uint64, target string, u model.Update) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	var handlers []Handler
	for _, s := range m.subs {
		if s.target == target {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(u)
	}
}

// scheduleReconnect records a failure and returns the backoff delay, or
// false when the session is stale or the attempt limit is exhausted.
func (m *Manager) scheduleReconnect(gen uint64, cause error) (time.Duration, bool) {
	if cause == nil {
		cause = ErrNotConnected
	}
	classified := fault.Classify(cause)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return 0, false
	}
	m.client = nil
	m.lastErr = classified

	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && m.reconnect.Attempt >= limit {
		m.setStateLocked(StateFailed, classified)
		attempts := m.reconnect.Attempt
		m.mu.Unlock()
		m.flush()
		m.logger.Error("push reconnect attempts exhausted", "attempts", attempts, "error", cause)
		return 0, false
	}

	delay := retry.Delay(m.reconnect.Attempt, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
	m.reconnect.Attempt++
	m.reconnect.NextDelay = delay
	attempt := m.reconnect.Attempt
	m.setStateLocked(StateReconnecting, classified)
	m.mu.Unlock()
	m.flush()

	var closeErr *CloseError
	if errors.As(cause, &closeErr) {
		m.logger.Warn("push server closed session, reconnecting",
			"attempt", attempt,
			"delay", delay,
			"code", closeErr.Code,
			"reason", closeErr.Reason,
			"kind", classified.Kind,
		)
		return delay, true
	}

	m.logger.Warn("push connection lost, reconnecting",
		"attempt", attempt,
		"delay", delay,
		"kind", classified.Kind,
		"error", cause,
	)
	return delay, true
}
