package push

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tonempire.game/internal/game"
	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
	"tonempire.game/internal/testkit"
)

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	cfg := Config{URL: "ws://example.invalid/ws"}
	c, err := New(cfg, store.New(nil), nil, Hooks{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	bo := c.newBackOff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w*time.Second {
			t.Fatalf("delay %d: got %s want %s", i, got, w*time.Second)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != time.Second {
		t.Fatalf("after reset: %s", got)
	}
}

func TestBackoff_JitterStaysInBand(t *testing.T) {
	c, _ := New(Config{URL: "ws://example.invalid/ws", Jitter: 0.5}, store.New(nil), nil, Hooks{}, nil)
	bo := c.newBackOff()
	for i := 0; i < 5; i++ {
		base := time.Duration(1<<i) * time.Second
		got := bo.NextBackOff()
		if got < base/2 || got > base*3/2+time.Millisecond {
			t.Fatalf("delay %d: %s outside [%s, %s]", i, got, base/2, base*3/2)
		}
	}
}

func TestNew_RejectsNonWebsocketURL(t *testing.T) {
	for _, u := range []string{"", "http://host/ws", "ws://"} {
		if _, err := New(Config{URL: u}, store.New(nil), nil, Hooks{}, nil); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func startChannel(t *testing.T, srv *testkit.PushServer, cfg Config, hooks Hooks) (*store.Store, *Channel, context.CancelFunc) {
	t.Helper()
	st := store.New(nil)
	st.Apply(store.Authoritative(store.LoadSnapshot{District: game.District{ID: "d1", Version: 1}}), 1)
	cfg.URL = srv.URL()
	ch, err := New(cfg, st, staticToken("tok-9"), hooks, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		ch.Close()
		<-done
	})
	return st, ch, cancel
}

func TestChannel_AppliesPushesAndDropsStale(t *testing.T) {
	srv := testkit.NewPushServer()
	defer srv.Close()
	st, ch, _ := startChannel(t, srv, Config{}, Hooks{})

	if !srv.WaitFor(2*time.Second, func(open, _ int) bool { return open == 1 }) {
		t.Fatalf("client never connected")
	}
	if toks := srv.Tokens(); len(toks) != 1 || toks[0] != "tok-9" {
		t.Fatalf("tokens: %v", toks)
	}

	_ = srv.SendEnvelope(protocol.TypeResourceUpdate, 5, protocol.ResourceUpdate{DistrictID: "d1", Resources: game.Resources{Gold: 50}})
	_ = srv.SendEnvelope(protocol.TypeResourceUpdate, 4, protocol.ResourceUpdate{DistrictID: "d1", Resources: game.Resources{Gold: 40}})
	_ = srv.SendEnvelope(protocol.TypeBuildingUpdate, 6, protocol.BuildingUpdate{Building: game.Building{ID: "b1", Type: game.Farm, Level: 1, Position: game.Position{X: 1, Y: 1}}})
	srv.Send([]byte(`{"type":"resource_update","version":"seven"}`))

	waitUntil(t, 2*time.Second, func() bool {
		s := ch.Stats()
		return s.Applied == 2 && s.Stale == 1 && s.Invalid == 1
	})
	snap := st.Snapshot()
	if snap.District.Resources.Gold != 50 || snap.District.Version != 5 {
		t.Fatalf("district: %+v", snap.District)
	}
	if _, ok := snap.Building("b1"); !ok {
		t.Fatalf("building update not applied")
	}
	if snap.Connection.Status != store.StatusConnected {
		t.Fatalf("status: %s", snap.Connection.Status)
	}

	_ = srv.SendEnvelope(protocol.TypeBuildingUpdate, 7, protocol.BuildingUpdate{Building: game.Building{ID: "b1", Type: game.Farm, Level: 1, Position: game.Position{X: 1, Y: 1}}, Deleted: true})
	waitUntil(t, 2*time.Second, func() bool {
		_, ok := st.Snapshot().Building("b1")
		return !ok
	})
}

func TestChannel_DeduplicatesNotifications(t *testing.T) {
	srv := testkit.NewPushServer()
	defer srv.Close()

	var mu sync.Mutex
	var got []string
	_, ch, _ := startChannel(t, srv, Config{}, Hooks{OnNotification: func(n protocol.Notification) {
		mu.Lock()
		got = append(got, n.ID)
		mu.Unlock()
	}})
	if !srv.WaitFor(2*time.Second, func(open, _ int) bool { return open == 1 }) {
		t.Fatalf("client never connected")
	}
	for _, id := range []string{"n1", "n1", "n2"} {
		_ = srv.SendEnvelope(protocol.TypeNotification, 0, protocol.Notification{ID: id, Message: "Upgrade complete"})
	}
	waitUntil(t, 2*time.Second, func() bool { return ch.Stats().Duplicates == 1 })
	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if got[0] != "n1" || got[1] != "n2" {
		t.Fatalf("notifications: %v", got)
	}
}

func TestChannel_ReconnectsAndResyncs(t *testing.T) {
	srv := testkit.NewPushServer()
	defer srv.Close()

	var resyncs atomic.Int32
	cfg := Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, DisconnectAfter: 3}
	st, _, _ := startChannel(t, srv, cfg, Hooks{OnConnect: func(context.Context) error {
		resyncs.Add(1)
		return nil
	}})

	if !srv.WaitFor(2*time.Second, func(open, _ int) bool { return open == 1 }) {
		t.Fatalf("client never connected")
	}
	waitUntil(t, time.Second, func() bool { return resyncs.Load() == 1 })

	var mu sync.Mutex
	seen := map[store.Status]bool{}
	cancelSub := st.Subscribe(func(s store.Snapshot) {
		mu.Lock()
		seen[s.Connection.Status] = true
		mu.Unlock()
	})
	defer cancelSub()

	srv.Refuse(true)
	srv.DropAll()
	waitUntil(t, 2*time.Second, func() bool {
		return st.Snapshot().Connection.Status == store.StatusDisconnected
	})
	mu.Lock()
	degraded := seen[store.StatusDegraded]
	mu.Unlock()
	if !degraded {
		t.Fatalf("connection never reported degraded before disconnected")
	}
	if c := st.Snapshot().Connection; c.Attempts < 3 || c.LastError == "" {
		t.Fatalf("connection state: %+v", c)
	}

	srv.Refuse(false)
	if !srv.WaitFor(2*time.Second, func(open, accepted int) bool { return open == 1 && accepted == 2 }) {
		t.Fatalf("client never reconnected")
	}
	waitUntil(t, time.Second, func() bool { return resyncs.Load() == 2 })
	waitUntil(t, time.Second, func() bool {
		c := st.Snapshot().Connection
		return c.Status == store.StatusConnected && c.Attempts == 0
	})
}

func TestChannel_ReconnectsWhenPeerGoesSilent(t *testing.T) {
	srv := testkit.NewPushServer()
	defer srv.Close()
	srv.Stall(true)

	var resyncs atomic.Int32
	cfg := Config{
		PingInterval:   50 * time.Millisecond,
		PongWait:       150 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}
	st, ch, _ := startChannel(t, srv, cfg, Hooks{OnConnect: func(context.Context) error {
		resyncs.Add(1)
		return nil
	}})

	var mu sync.Mutex
	var lost []store.ConnectionState
	cancelSub := st.Subscribe(func(s store.Snapshot) {
		if s.Connection.Status == store.StatusDegraded {
			mu.Lock()
			lost = append(lost, s.Connection)
			mu.Unlock()
		}
	})
	defer cancelSub()

	if !srv.WaitFor(2*time.Second, func(_, accepted int) bool { return accepted == 1 }) {
		t.Fatalf("client never connected")
	}
	start := time.Now()
	if !srv.WaitFor(2*time.Second, func(_, accepted int) bool { return accepted >= 2 }) {
		t.Fatalf("silent connection was never replaced")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("reconnected after %s, before the pong deadline", elapsed)
	}
	if got := ch.Stats().Connects; got < 2 {
		t.Fatalf("connects: %d", got)
	}
	waitUntil(t, time.Second, func() bool { return resyncs.Load() >= 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(lost) == 0 || !strings.Contains(lost[0].LastError, "timeout") {
		t.Fatalf("connection loss not reported as a timeout: %+v", lost)
	}
}

func TestChannel_AnswersApplicationPing(t *testing.T) {
	srv := testkit.NewPushServer()
	defer srv.Close()
	startChannel(t, srv, Config{}, Hooks{})
	if !srv.WaitFor(2*time.Second, func(open, _ int) bool { return open == 1 }) {
		t.Fatalf("client never connected")
	}
	_ = srv.SendEnvelope(protocol.TypePing, 0, nil)
	waitUntil(t, 2*time.Second, func() bool {
		for _, f := range srv.Received() {
			if env, err := protocol.DecodeEnvelope(f); err == nil && env.Type == protocol.TypePong {
				return true
			}
		}
		return false
	})
}
