// Package push keeps one websocket to the game server's push endpoint alive for the
// length of a session and feeds every authoritative delta into the store.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
)

// TokenSource yields the bearer token used for each dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	URL string

	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor applied to each delay, 0 for none.
	Jitter float64
	// DisconnectAfter consecutive failed attempts turn a degraded connection into a
	// disconnected one.
	DisconnectAfter int

	// NotificationTTL is how long a shown notification id is remembered.
	NotificationTTL time.Duration
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = 5
	}
}

// Hooks are optional callbacks. They run on channel goroutines and must not block long.
type Hooks struct {
	// OnConnect runs after every successful dial, typically to resync a full snapshot.
	OnConnect func(ctx context.Context) error
	// OnNotification receives each notification once.
	OnNotification func(protocol.Notification)
	// OnFrame observes every valid frame and the result of applying it.
	OnFrame func(env protocol.Envelope, applyErr error)
}

// Stats counts frames by outcome.
type Stats struct {
	Applied    uint64
	Stale      uint64
	Invalid    uint64
	Duplicates uint64
	Connects   uint64
}

type Channel struct {
	cfg    Config
	store  *store.Store
	tokens TokenSource
	hooks  Hooks
	log    *log.Logger
	seen   *seenNotifications

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	applied, stale, invalid, duplicates, connects atomic.Uint64
}

func New(cfg Config, st *store.Store, tokens TokenSource, hooks Hooks, logger *log.Logger) (*Channel, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" || u.Host == "" {
		return nil, fmt.Errorf("invalid push url: %q", cfg.URL)
	}
	if st == nil {
		return nil, errors.New("push: nil store")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg.normalize()
	return &Channel{
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		hooks:  hooks,
		log:    logger,
		seen:   newSeenNotifications(cfg.NotificationTTL),
		stop:   make(chan struct{}),
	}, nil
}

func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.Multiplier = 2
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = c.cfg.Jitter
	b.Reset()
	return b
}

// Run dials, reads and reconnects until ctx is cancelled or Close is called.
func (c *Channel) Run(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("push: channel already running")
	}

	bo := c.newBackOff()
	failures := 0
	for {
		if c.stopped(ctx) {
			c.setConnection(store.StatusDisconnected, 0, failures, "")
			return nil
		}
		if failures == 0 {
			c.setConnection(store.StatusConnecting, 0, 0, "")
		}

		connected, err := c.connectAndReadLoop(ctx)
		if c.stopped(ctx) {
			c.setConnection(store.StatusDisconnected, 0, failures, "")
			return nil
		}
		if connected {
			bo.Reset()
			failures = 0
		}
		failures++
		delay := bo.NextBackOff()
		status := store.StatusDegraded
		if failures >= c.cfg.DisconnectAfter {
			status = store.StatusDisconnected
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		c.setConnection(status, delay, failures, msg)
		c.log.Printf("connection lost (attempt %d, retry in %s): %v", failures, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-c.stop:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close stops Run and closes the socket. It is safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.dropConn()
	})
}

func (c *Channel) Stats() Stats {
	return Stats{
		Applied:    c.applied.Load(),
		Stale:      c.stale.Load(),
		Invalid:    c.invalid.Load(),
		Duplicates: c.duplicates.Load(),
		Connects:   c.connects.Load(),
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := http.Header{}
	u, _ := url.Parse(c.cfg.URL)
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		if tok = strings.TrimSpace(tok); tok != "" {
			hdr.Set("Authorization", "Bearer "+tok)
			q := u.Query()
			q.Set("token", tok)
			u.RawQuery = q.Encode()
		}
	}
	d := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := d.DialContext(ctx, u.String(), hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// connectAndReadLoop returns once the connection is gone. connected reports whether the
// dial succeeded, which resets the backoff.
func (c *Channel) connectAndReadLoop(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.dropConn()

	c.connects.Add(1)
	c.heartbeat(store.StatusConnected)
	c.log.Printf("connected to %s", c.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-c.stop:
			_ = conn.Close()
		case <-done:
		}
	}()
	go c.pingLoop(conn, done)

	if c.hooks.OnConnect != nil {
		go func() {
			if err := c.hooks.OnConnect(ctx); err != nil && ctx.Err() == nil {
				c.log.Printf("on connect: %v", err)
			}
		}()
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.heartbeat(store.StatusConnected)
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handleFrame(conn, msg)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) handleFrame(conn *websocket.Conn, raw []byte) {
	if err := protocol.ValidateFrame(raw); err != nil {
		c.invalid.Add(1)
		c.log.Printf("drop frame: %v", err)
		return
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		c.invalid.Add(1)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		b, _ := protocol.Encode(protocol.TypePong, 0, nil)
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		err := conn.WriteMessage(websocket.TextMessage, b)
		c.writeMu.Unlock()
		if err != nil {
			_ = conn.Close()
		}
		c.heartbeat(store.StatusConnected)
		c.observe(env, err)
		return
	case protocol.TypePong:
		c.heartbeat(store.StatusConnected)
		c.observe(env, nil)
		return
	case protocol.TypeNotification:
		var n protocol.Notification
		if err := env.DecodePayload(&n); err != nil {
			c.invalid.Add(1)
			return
		}
		if !c.seen.allow(n, time.Now()) {
			c.duplicates.Add(1)
			return
		}
		c.observe(env, nil)
		if c.hooks.OnNotification != nil {
			c.hooks.OnNotification(n)
		}
		return
	}

	p, ok, err := PatchFor(env)
	if err != nil {
		c.invalid.Add(1)
		c.log.Printf("drop %s: %v", env.Type, err)
		return
	}
	if !ok {
		return
	}
	err = c.store.TryApply(p, env.Version)
	switch {
	case err == nil:
		c.applied.Add(1)
	case errors.Is(err, store.ErrStale):
		c.stale.Add(1)
	default:
		c.log.Printf("apply %s v%d: %v", env.Type, env.Version, err)
	}
	c.observe(env, err)
}

func (c *Channel) observe(env protocol.Envelope, err error) {
	if c.hooks.OnFrame != nil {
		c.hooks.OnFrame(env, err)
	}
}

func (c *Channel) heartbeat(status store.Status) {
	c.store.Apply(store.Local(store.SetConnection{State: store.ConnectionState{
		Status:        status,
		LastHeartbeat: time.Now(),
	}}), 0)
}

func (c *Channel) setConnection(status store.Status, delay time.Duration, attempts int, lastErr string) {
	prev := c.store.Snapshot().Connection
	c.store.Apply(store.Local(store.SetConnection{State: store.ConnectionState{
		Status:        status,
		LastHeartbeat: prev.LastHeartbeat,
		Backoff:       delay,
		Attempts:      attempts,
		LastError:     lastErr,
	}}), 0)
}
