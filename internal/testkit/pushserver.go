// Package testkit provides in-process fakes of the game server's push endpoint and
// command API for end-to-end tests.
package testkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tonempire.game/internal/protocol"
)

type pushConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *pushConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *pushConn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// PushServer accepts websocket clients and broadcasts frames to all of them.
type PushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*pushConn]struct{}
	tokens   []string
	accepted int
	refuse   bool
	stall    bool
	received [][]byte
	changed  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func NewPushServer() *PushServer {
	p := &PushServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   map[*pushConn]struct{}{},
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

// URL is the ws:// address clients dial.
func (p *PushServer) URL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *PushServer) handle(rw http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	refuse := p.refuse
	p.mu.Unlock()
	if refuse {
		http.Error(rw, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := p.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	pc := &pushConn{conn: conn, closed: make(chan struct{})}

	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	p.mu.Lock()
	p.conns[pc] = struct{}{}
	p.tokens = append(p.tokens, tok)
	p.accepted++
	stall := p.stall
	p.notifyLocked()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.conns, pc)
		p.notifyLocked()
		p.mu.Unlock()
		pc.close()
	}()

	if stall {
		// Without a reader, pings go unanswered and nothing is ever sent back.
		select {
		case <-pc.closed:
		case <-p.done:
		}
		return
	}

	// The read loop answers pings and records client frames.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, append([]byte(nil), msg...))
		p.notifyLocked()
		p.mu.Unlock()
	}
}

func (p *PushServer) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Send writes raw to every connected client.
func (p *PushServer) Send(raw []byte) {
	p.mu.Lock()
	conns := make([]*pushConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.write(raw)
	}
}

// SendEnvelope encodes and broadcasts one frame.
func (p *PushServer) SendEnvelope(typ string, version int64, payload any) error {
	b, err := protocol.Encode(typ, version, payload)
	if err != nil {
		return err
	}
	p.Send(b)
	return nil
}

// DropAll closes every client connection without a close handshake.
func (p *PushServer) DropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.close()
	}
}

// Refuse makes the server answer upgrades with 503 until called with false.
func (p *PushServer) Refuse(v bool) {
	p.mu.Lock()
	p.refuse = v
	p.mu.Unlock()
}

// Stall makes connections accepted from now on go silent after the upgrade, like a peer
// that hung without closing its socket.
func (p *PushServer) Stall(v bool) {
	p.mu.Lock()
	p.stall = v
	p.mu.Unlock()
}

// Accepted counts upgrades since start.
func (p *PushServer) Accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted
}

// Tokens lists the bearer token each client presented, in connection order.
func (p *PushServer) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

// Received returns the frames clients wrote.
func (p *PushServer) Received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

// WaitFor blocks until cond holds or timeout elapses.
func (p *PushServer) WaitFor(timeout time.Duration, cond func(open, accepted int) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		ok := cond(len(p.conns), p.accepted)
		ch := p.changed
		p.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

func (p *PushServer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.DropAll()
	p.srv.Close()
}
