package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tonempire.game/internal/config"
	"tonempire.game/internal/game"
	"tonempire.game/internal/gateway"
	"tonempire.game/internal/persistence/journal"
	"tonempire.game/internal/store"
	"tonempire.game/internal/testkit"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "p1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func testConfig(t *testing.T, apiURL, wsURL string) config.Config {
	dir := t.TempDir()
	return config.Config{
		APIURL:          apiURL,
		WSURL:           wsURL,
		Profile:         "default",
		CredentialsDB:   filepath.Join(dir, "credentials.sqlite"),
		JournalDir:      filepath.Join(dir, "journal"),
		MutationTimeout: 2 * time.Second,
		Tick:            20 * time.Millisecond,
		BackoffInitial:  10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		DisconnectAfter: 5,
		PingInterval:    time.Second,
		PongWait:        2 * time.Second,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: not reached within %s", what, timeout)
}

func TestSession_SyncsCreatesAndJournals(t *testing.T) {
	ps := testkit.NewPushServer()
	defer ps.Close()
	srv := testkit.NewAPIServer(game.District{
		ID:        "d1",
		OwnerID:   "p1",
		Resources: game.Resources{Gold: 1000, Wood: 500, Stone: 500},
	}, nil)
	defer srv.Close()
	srv.Push = ps

	fresh := signed(t, time.Now().Add(time.Hour))
	srv.IssueRefresh("r1", fresh)
	cfg := testConfig(t, srv.URL(), ps.URL())
	cfg.AccessToken = signed(t, time.Now().Add(-time.Minute))
	cfg.RefreshToken = "r1"

	s, err := Open(context.Background(), Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d := s.Store.Snapshot().District; d.ID != "d1" || d.Resources.Gold != 1000 {
		t.Fatalf("initial sync: %+v", d)
	}
	if srv.Calls("POST /auth/refresh") != 1 {
		t.Fatalf("expired token was not refreshed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitUntil(t, 2*time.Second, "connected", func() bool {
		return s.Store.Snapshot().Connection.Status == store.StatusConnected
	})
	if toks := ps.Tokens(); len(toks) != 1 || toks[0] != fresh {
		t.Fatalf("push dialed with %v", toks)
	}

	tk, err := s.Gateway.CreateBuilding(context.Background(), game.House, game.Position{X: 2, Y: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	o, err := tk.Wait(wctx)
	if err != nil && o == gateway.OutcomePending {
		t.Fatalf("ticket never settled: %v", err)
	}
	// The push can beat the command response; either way the server result wins.
	if o != gateway.OutcomeAcked && o != gateway.OutcomeSuperseded {
		t.Fatalf("outcome: %s err=%v", o, tk.Err())
	}
	waitUntil(t, 2*time.Second, "server state mirrored", func() bool {
		snap := s.Store.Snapshot()
		b, ok := snap.BuildingAt(game.Position{X: 2, Y: 3})
		return ok && !snap.Optimistic[b.ID] && len(snap.Pending) == 0 &&
			snap.District.Resources == game.Resources{Gold: 900, Wood: 450, Stone: 450} &&
			snap.District.Version == srv.District().Version
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	files, err := journal.Files(cfg.JournalDir)
	if err != nil || len(files) == 0 {
		t.Fatalf("journal files: %v %v", files, err)
	}
	kinds := map[string]int{}
	for _, f := range files {
		entries, err := journal.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		for _, e := range entries {
			kinds[e.Kind]++
		}
	}
	if kinds[journal.KindResync] < 1 || kinds[journal.KindMutation] < 2 || kinds[journal.KindPush] < 1 {
		t.Fatalf("journal kinds: %v", kinds)
	}
}

func TestSession_ResyncsAfterReconnect(t *testing.T) {
	ps := testkit.NewPushServer()
	defer ps.Close()
	srv := testkit.NewAPIServer(game.District{ID: "d1"}, nil)
	defer srv.Close()

	cfg := testConfig(t, srv.URL(), ps.URL())
	cfg.CredentialsDB = ""
	cfg.JournalDir = ""
	cfg.AccessToken = "opaque"

	s, err := Open(context.Background(), Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	if !ps.WaitFor(2*time.Second, func(open, _ int) bool { return open == 1 }) {
		t.Fatalf("never connected")
	}
	waitUntil(t, 2*time.Second, "resync on connect", func() bool {
		return srv.Calls("GET /game/districts/mine") >= 2
	})
	before := srv.Calls("GET /game/districts/mine")

	// A building added while the socket is down only arrives through the resync.
	ps.DropAll()
	seeded := srv.Seed(game.Building{Type: game.Farm, Level: 1, Position: game.Position{X: 7, Y: 7}, IsActive: true, Health: 100, MaxHealth: 100})
	if !ps.WaitFor(2*time.Second, func(open, accepted int) bool { return open == 1 && accepted == 2 }) {
		t.Fatalf("never reconnected")
	}
	waitUntil(t, 2*time.Second, "resync after reconnect", func() bool {
		_, ok := s.Store.Snapshot().Building(seeded.ID)
		return srv.Calls("GET /game/districts/mine") > before && ok
	})
}

func TestOpen_FailsWhenServerUnreachable(t *testing.T) {
	srv := testkit.NewAPIServer(game.District{ID: "d1"}, nil)
	url := srv.URL()
	srv.Close()

	cfg := testConfig(t, url, "ws://127.0.0.1:1/ws")
	cfg.CredentialsDB = ""
	cfg.AccessToken = "opaque"
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected initial sync error")
	}
}
