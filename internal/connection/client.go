package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a single push session bound to one location.
type Client interface {
	// Connect performs the websocket handshake and starts reading frames.
	Connect(ctx context.Context) error

	// Close ends the session with a normal closure. Err stays nil.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Frames delivers inbound text frames stamped with their arrival time.
	Frames() <-chan TimestampedMessage

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}

	// Err reports why the session ended. A server close frame surfaces as
	// *CloseError. It is nil while the session is open or after Close.
	Err() error

	// IsConnected reports whether the session is open.
	IsConnected() bool
}

type pushClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	frames  chan TimestampedMessage
	done    chan struct{}
	endOnce sync.Once
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
	lastSeen  time.Time
	err       error
}

// NewClient creates a push session client. Nothing is dialed until Connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultClientConfig().BufferSize
	}

	return &pushClient{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedMessage, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

func (c *pushClient) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return err
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.lastSeen = time.Now()
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		c.touch(time.Now())
		return c.writeControl(websocket.PongMessage, []byte(data))
	})
	conn.SetPongHandler(func(string) error {
		c.touch(time.Now())
		return nil
	})

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.keepalive()
	}

	c.logger.Debug("push session open", "url", c.cfg.URL)
	return nil
}

func (c *pushClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.end(nil)
	if conn == nil {
		return nil
	}

	c.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
	return conn.Close()
}

func (c *pushClient) Send(data []byte) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write push frame: %w", err)
	}
	return nil
}

func (c *pushClient) Frames() <-chan TimestampedMessage {
	return c.frames
}

func (c *pushClient) Done() <-chan struct{} {
	return c.done
}

func (c *pushClient) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *pushClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// end marks the session finished. Only the first cause is kept.
func (c *pushClient) end(err error) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.connected = false
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *pushClient) touch(at time.Time) {
	c.mu.Lock()
	c.lastSeen = at
	c.mu.Unlock()
}

func (c *pushClient) writeControl(messageType int, data []byte) error {
	timeout := c.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return c.conn.WriteControl(messageType, data, time.Now().Add(timeout))
}

// readLoop forwards text frames until the connection fails.
func (c *pushClient) readLoop() {
	for {
		typ, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			c.end(c.readError(err))
			return
		}
		c.touch(receivedAt)

		if typ != websocket.TextMessage {
			c.logger.Debug("dropping non-text push frame", "type", typ, "size", len(data))
			continue
		}

		select {
		case c.frames <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		default:
			c.logger.Warn("push frame buffer full, dropping frame")
		}
	}
}

// readError separates a close frame sent by the server from a dropped link.
// gorilla reports an EOF without a close frame as code 1006.
func (c *pushClient) readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseAbnormalClosure {
		return fmt.Errorf("read push frame: %w: %w", io.ErrUnexpectedEOF, err)
	}
	if errors.As(err, &ce) {
		return &CloseError{
			Target: c.cfg.Target,
			Code:   ce.Code,
			Reason: ce.Text,
			Err:    err,
		}
	}
	return fmt.Errorf("read push frame: %w", err)
}

// keepalive pings the server and ends the session when nothing has been
// heard for PingTimeout.
func (c *pushClient) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if err := c.writeControl(websocket.PingMessage, []byte("keepalive")); err != nil {
			c.logger.Debug("push ping failed", "error", err)
		}

		c.mu.RLock()
		seen := c.lastSeen
		c.mu.RUnlock()

		if c.cfg.PingTimeout > 0 && time.Since(seen) > c.cfg.PingTimeout {
			c.logger.Warn("push session stale",
				"last_seen", seen,
				"timeout", c.cfg.PingTimeout,
			)
			c.end(fmt.Errorf("push session %s: %w", c.cfg.Target, ErrStaleConnection))
			c.conn.Close()
			return
		}
	}
}
