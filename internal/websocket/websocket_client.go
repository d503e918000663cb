// Package websocket provides the WebSocket client shared by all exchange connectors.
//
// A Client dials one endpoint, sends the venue's subscription messages and
// turns every incoming frame into zero or more normalized trade events via a
// decoder supplied by the connector. When Reconnect is enabled a dropped
// connection is redialled with exponential backoff and resubscribed; trades
// replayed by the venue after a reconnect are rejected downstream by the
// range bar ordering check.
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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
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

	// defaultMaxBackoff caps the delay between reconnect attempts.
	defaultMaxBackoff = 30 * time.Second

	// initialBackoff is the delay before the first reconnect attempt.
	initialBackoff = 250 * time.Millisecond

	// tradeBufferSize is the capacity of TradeChan.
	tradeBufferSize = 1000
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")
)

// Decoder converts one raw frame into trade events. Frames that carry no
// trades (subscription acks, heartbeats) return an empty slice and no error.
type Decoder func(raw []byte) ([]model.TradeEvent, error)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Decoder parses each incoming frame.
	// Required: This field must be provided and non-nil.
	Decoder Decoder

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket ping messages.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// SubscriptionMessages contains messages sent after every successful dial.
	SubscriptionMessages [][]byte

	// Reconnect redials after a read error instead of closing TradeChan.
	Reconnect bool

	// MaxBackoff caps the exponential reconnect delay.
	MaxBackoff time.Duration
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	conn atomic.Value // stores *websocket.Conn

	// TradeChan delivers decoded trade events to consumers.
	TradeChan chan model.TradeEvent

	// disconnect is closed once the client stops reading for good.
	disconnect chan struct{}

	// errChan reports fatal errors that cause connection termination.
	errChan chan error

	// reconnects counts successful redials.
	reconnects atomic.Int64

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWebsocketClient returns a connected client that is already reading.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("message decoder is required")
	}

	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		TradeChan:  make(chan model.TradeEvent, tradeBufferSize),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client) logger(component string) zerolog.Logger {
	return log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", component).
		Logger()
}

// run performs the first connect and starts the background goroutines.
func (c *Client) run() error {
	logger := c.logger("run")
	logger.Info().Msg("starting WebSocket client")

	if err := c.connect(); err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// not tracked by wg: it calls Close, which waits on wg
	go c.shutdownListener()

	return nil
}

// connect dials, configures the connection and sends the subscriptions.
func (c *Client) connect() error {
	logger := c.logger("connect")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return err
	}

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
			return err
		}
	}

	c.conn.Store(conn)
	return nil
}

// readLoop reads frames until the context ends or, without Reconnect, until
// the first read error.
func (c *Client) readLoop() {
	logger := c.logger("readLoop")

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		if ws, ok := c.conn.Load().(*websocket.Conn); ok {
			_ = ws.Close()
		}
		close(c.disconnect)
		close(c.TradeChan)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
			logger.Debug().Msg("error channel full, skipping error send")
		}
	}()

	for {
		if c.ctx.Err() != nil {
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		}

		conn := c.conn.Load().(*websocket.Conn)
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			if c.cfg.Reconnect && c.reconnect() {
				continue
			}

			select {
			case c.errChan <- err:
			default:
				logger.Warn().Err(err).Msg("error channel full, dropping error")
			}
			return
		}

		c.handle(logger, data)
	}
}

// handle decodes one frame and forwards its events. A panicking decoder is
// logged and the frame dropped.
func (c *Client) handle(logger zerolog.Logger, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("recover", r).Msg("panic in message decoder")
		}
	}()

	events, err := c.cfg.Decoder(data)
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(data)).Msg("failed to decode message")
		return
	}

	for _, ev := range events {
		select {
		case c.TradeChan <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// reconnect redials with exponential backoff. It returns false when the
// context ends first.
func (c *Client) reconnect() bool {
	logger := c.logger("reconnect")

	if old, ok := c.conn.Load().(*websocket.Conn); ok {
		_ = old.Close()
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.connect(); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("reconnect failed")
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		c.reconnects.Add(1)
		logger.Info().Int("attempt", attempt).Msg("reconnected")
		return true
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := c.logger("pingLoop")
	logger.Info().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Info().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			conn, ok := c.conn.Load().(*websocket.Conn)
			if !ok {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdownListener waits for context cancellation and closes the client.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.Close()
}

// Close gracefully shuts down the client. It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := c.logger("close")
		logger.Info().Msg("initiating graceful shutdown")

		c.cancel()

		if ws, ok := c.conn.Load().(*websocket.Conn); ok {
			if err := ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := ws.Close(); err != nil {
				logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Info().Int64("reconnects", c.reconnects.Load()).Msg("shutdown complete")
	})
}

// dial establishes a WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := c.logger("dial")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
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

	logger.Debug().Msg("websocket connection established")
	return conn, nil
}

// Reconnects returns how many times the client has redialled successfully.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// DisconnectChan returns a channel that is closed when the client stops for good.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits any terminal read errors.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
