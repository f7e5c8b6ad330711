package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/reader"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
	writeWait             = 5 * time.Second
)

var ErrNotConnected = errors.New("feed not connected")

type subscribeRequest struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type sessionRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type sessionResponse struct {
	SessionToken string `json:"session_token"`
}

// Client streams ticks over a websocket. Once connected it redials and
// resubscribes on its own whenever the read loop ends.
type Client struct {
	cfg     appconfig.FeedConfig
	http    *http.Client
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	token string

	out  chan models.RawTickBatch
	errs chan error

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	tokens  []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool

	log *logger.Log
}

func New(cfg appconfig.FeedConfig) *Client {
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 1024
	}
	every := cfg.SubscribeInterval
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		dialer:  websocket.DefaultDialer,
		limiter: rate.NewLimiter(limit, 1),
		token:   cfg.SessionToken,
		out:     make(chan models.RawTickBatch, buf),
		errs:    make(chan error, 16),
		log:     logger.GetLogger(),
	}
}

func (c *Client) Ticks() <-chan models.RawTickBatch { return c.out }
func (c *Client) Errors() <-chan error              { return c.errs }

// Authenticate exchanges the API key and secret for a session token when a
// session endpoint is configured. Otherwise the configured token is used.
func (c *Client) Authenticate(ctx context.Context) error {
	log := c.log.WithComponent("feed")
	if c.cfg.SessionURL == "" {
		if c.token == "" && c.cfg.APIKey == "" {
			log.Warn("no feed credentials configured, connecting anonymously")
		}
		return nil
	}

	body, err := json.Marshal(sessionRequest{APIKey: c.cfg.APIKey, APISecret: c.cfg.APISecret})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SessionURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session request: unexpected status %s", resp.Status)
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("decode session response: %w", err)
	}
	if strings.TrimSpace(sr.SessionToken) == "" {
		return fmt.Errorf("session response carried no token")
	}
	c.token = sr.SessionToken
	log.Info("feed session established")
	return nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.cfg.APIKey != "" {
		h.Set("X-Api-Key", c.cfg.APIKey)
	}
	return h
}

// Connect makes one dial attempt. On success the read loop starts and keeps
// the connection alive until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("feed closed")
	}
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header())
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx, conn)

	c.log.WithComponent("feed").WithField("url", c.cfg.URL).Info("feed connected")
	return nil
}

// Subscribe requests every token, paced by the subscribe limiter. The tokens
// are remembered and requested again after a reconnect.
func (c *Client) Subscribe(ctx context.Context, tokens []string) error {
	c.mu.Lock()
	conn := c.conn
	c.tokens = append(c.tokens, tokens...)
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.subscribe(ctx, conn, tokens); err != nil {
		return err
	}
	c.log.WithComponent("feed").WithField("tokens", len(tokens)).Info("subscribed to feed")
	return nil
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, tokens []string) error {
	for _, t := range tokens {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(subscribeRequest{Action: "subscribe", Token: t})
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	log := c.log.WithComponent("feed").WithField("url", c.cfg.URL)

	for {
		pingCancel := startPingLoop(ctx, conn, c.cfg.KeepAlive, log)
		err := c.readMessages(ctx, conn)
		pingCancel()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("feed read loop ended")
		reader.ReportError(c.errs, err)

		conn = c.redial(ctx, log)
		if conn == nil {
			return
		}
	}
}

// redial retries until a connection is up and resubscribed, or ctx ends.
func (c *Client) redial(ctx context.Context, log *logger.Entry) *websocket.Conn {
	for {
		if waitForReconnect(ctx, c.cfg.ReconnectDelay) {
			return nil
		}
		metrics.IncrementReconnect()

		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header())
		if err != nil {
			log.WithError(err).Warn("failed to reconnect to feed")
			reader.ReportError(c.errs, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.conn = conn
		tokens := append([]string(nil), c.tokens...)
		c.mu.Unlock()

		if err := c.subscribe(ctx, conn, tokens); err != nil {
			log.WithError(err).Warn("failed to resubscribe after reconnect")
			reader.ReportError(c.errs, err)
			conn.Close()
			continue
		}
		log.WithField("tokens", len(tokens)).Info("feed reconnected")
		return conn
	}
}

func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		batch, err := reader.Decode(msg, time.Now())
		if err != nil {
			c.log.WithComponent("feed").WithError(err).Debug("skipping undecodable frame")
			continue
		}
		if !reader.Emit(ctx, c.out, batch) {
			return ctx.Err()
		}
	}
}

// Close stops the read loop and closes the tick channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.wg.Wait()
	close(c.out)
	c.log.WithComponent("feed").Info("feed closed")
	return nil
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send feed ping")
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}
