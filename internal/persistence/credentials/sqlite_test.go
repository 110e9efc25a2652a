package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tonempire.game/internal/protocol"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "player-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

type fakeRefresher struct {
	calls int
	resp  protocol.TokenResponse
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, refresh string) (protocol.TokenResponse, error) {
	f.calls++
	return f.resp, f.err
}

func TestStore_SaveLoadRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Load(ctx, "default"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("want ErrNoCredential, got %v", err)
	}
	if err := s.Save(ctx, "default", Credential{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "default", Credential{AccessToken: "a2", RefreshToken: "r2"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	c, err := s.Load(ctx, "default")
	if err != nil || c.AccessToken != "a2" || c.RefreshToken != "r2" || c.UpdatedAt.IsZero() {
		t.Fatalf("load: %+v %v", c, err)
	}
}

func TestExpiresAt(t *testing.T) {
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	got, ok := ExpiresAt(signed(t, exp))
	if !ok || !got.Equal(exp) {
		t.Fatalf("exp: %s ok=%v", got, ok)
	}
	if _, ok := ExpiresAt("opaque-token"); ok {
		t.Fatalf("opaque token reported an expiry")
	}
}

func TestSource_RefreshesExpiredToken(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "creds.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	fresh := signed(t, now.Add(time.Hour))
	r := &fakeRefresher{resp: protocol.TokenResponse{AccessToken: fresh}}
	_ = s.Save(ctx, "p", Credential{AccessToken: signed(t, now.Add(-time.Minute)), RefreshToken: "r1"})

	src := s.Source("p", r)
	src.Now = func() time.Time { return now }
	tok, err := src.Token(ctx)
	if err != nil || tok != fresh {
		t.Fatalf("token: %q %v", tok, err)
	}
	if _, err := src.Token(ctx); err != nil || r.calls != 1 {
		t.Fatalf("second call refreshed again: calls=%d err=%v", r.calls, err)
	}
	stored, _ := s.Load(ctx, "p")
	if stored.AccessToken != fresh || stored.RefreshToken != "r1" {
		t.Fatalf("stored: %+v", stored)
	}
}

func TestSource_ValidAndOpaqueTokensPassThrough(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "creds.sqlite"))
	defer s.Close()
	ctx := context.Background()
	r := &fakeRefresher{}

	_ = s.Save(ctx, "opaque", Credential{AccessToken: "abc"})
	if tok, err := s.Source("opaque", r).Token(ctx); err != nil || tok != "abc" {
		t.Fatalf("opaque: %q %v", tok, err)
	}
	if r.calls != 0 {
		t.Fatalf("refresh called for a token without expiry")
	}

	_ = s.Save(ctx, "stale", Credential{AccessToken: signed(t, time.Now().Add(-time.Hour))})
	if _, err := s.Source("stale", r).Token(ctx); err == nil {
		t.Fatalf("expired token without refresh token must fail")
	}
}
