// Package websocket provides the socket owner used for the venue feed and for
// downstream stream clients.
//
// A Client dials one connection, sends any opening frames, then runs a read loop that
// hands every inbound frame to the configured Handler. Writes are serialized so the
// handler, the keepalive loop and outside callers can all write to the same socket.
// The client never reconnects on its own; its owner watches DisconnectChan and decides.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for sending WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrClientClosed is returned by Send once the connection is gone.
	ErrClientClosed = errors.New("client is closed")
)

// Replier lets a Handler answer on the socket that delivered the frame.
type Replier interface {
	Send(data []byte) error
}

// Handler processes one inbound frame. Returned errors are logged and the read loop
// continues.
type Handler func(data []byte, reply Replier) error

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming frame. Required.
	Handler Handler

	// Header is sent with the upgrade request.
	Header http.Header

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between control pings. Negative disables them.
	PingPeriod time.Duration

	// SendTimeout bounds every write.
	SendTimeout time.Duration

	// OpenMessages are written right after the handshake, before the read loop starts.
	OpenMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	conn *websocket.Conn
	cfg  *Config

	// writeMu serializes data frames; gorilla allows a single concurrent writer.
	writeMu sync.Mutex

	open       atomic.Bool
	disconnect chan struct{}
	errChan    chan error

	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	closeConn sync.Once
	wg        sync.WaitGroup
}

// NewWebsocketClient dials cfg.Endpoint, writes the opening frames and starts the
// read and keepalive loops. The connection lives until ctx is cancelled, Close is
// called or the peer drops it.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client) run() (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "run").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}
	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn = conn
	conn.SetReadLimit(defaultReadLimit)
	if c.cfg.PingPeriod > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
		})
	}

	for _, msg := range c.cfg.OpenMessages {
		if err = c.write(msg); err != nil {
			logger.Error().Err(err).Msg("failed to write opening frame")
			return err
		}
	}

	c.open.Store(true)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// Not tracked by wg: it may be the goroutine that ends up waiting on it.
	go c.shutdownListener()

	return nil
}

// readLoop feeds inbound frames to the handler until the connection fails.
func (c *Client) readLoop() {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Debug().Msg("starting read loop")
	defer func() {
		c.open.Store(false)
		c.cancel()
		close(c.disconnect)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
		logger.Debug().Msg("read loop exiting")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			messageType, data, err := c.conn.ReadMessage()
			if err != nil {
				switch {
				case c.ctx.Err() != nil:
					logger.Debug().Err(err).Msg("read interrupted by shutdown")
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
					logger.Info().Err(err).Msg("websocket closed normally")
				case websocket.IsUnexpectedCloseError(err):
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				default:
					logger.Error().Err(err).Msg("read error")
				}

				select {
				case c.errChan <- err:
				default:
				}
				return
			}

			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			c.handle(data)
		}
	}
}

func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data, c); err != nil {
		log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("error handling frame")
	}
}

// pingLoop sends control pings. WriteControl is safe alongside data writes.
func (c *Client) pingLoop() {
	if c.cfg.PingPeriod < 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.closeSocket()
}

// Send writes one text frame.
func (c *Client) Send(data []byte) error {
	if !c.open.Load() {
		return ErrClientClosed
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// IsOpen reports whether the read loop is still running.
func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// closeSocket sends a normal-closure frame and closes the connection once.
func (c *Client) closeSocket() {
	c.closeConn.Do(func() {
		c.open.Store(false)
		if err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); err != nil {
			log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("failed to send close frame")
		}
		if err := c.conn.Close(); err != nil {
			log.Debug().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("error closing websocket connection")
		}
	})
}

// Close shuts the client down and waits for its loops to exit. Safe to call more
// than once and from any goroutine other than the handler.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		c.cancel()
		c.closeSocket()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Debug().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	header := c.cfg.Header
	if header == nil {
		header = make(http.Header)
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan is closed once the read loop has exited.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan emits the terminal read error, if any.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
