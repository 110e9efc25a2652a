package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tonempire.game/internal/game"
	"tonempire.game/internal/protocol"
)

func TestClient_CreateBuildingSendsBearerAndBody(t *testing.T) {
	var gotAuth, gotReqID string
	var gotBody protocol.CreateBuildingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/game/districts/buildings" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(protocol.BuildingResponse{
			Building: game.Building{ID: "b-77", Type: gotBody.Type, Level: 1, Position: gotBody.Position},
			Version:  12,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, StaticToken("tok-1"), Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "corr-1")
	resp, err := c.CreateBuilding(ctx, game.House, game.Position{X: 2, Y: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotAuth != "Bearer tok-1" || gotReqID != "corr-1" {
		t.Fatalf("headers: auth=%q req=%q", gotAuth, gotReqID)
	}
	if gotBody.Type != game.House || gotBody.Position != (game.Position{X: 2, Y: 3}) {
		t.Fatalf("body: %+v", gotBody)
	}
	if resp.Version != 12 || resp.Building.ID != "b-77" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	cases := []struct {
		status int
		body   string
		code   string
	}{
		{http.StatusConflict, `{"code":"E_OCCUPIED","message":"cell taken"}`, protocol.ErrOccupied},
		{http.StatusConflict, `{}`, protocol.ErrConflict},
		{http.StatusTooManyRequests, `slow down`, protocol.ErrRateLimit},
		{http.StatusBadGateway, `{"code":"E_SOMETHING_ELSE"}`, protocol.ErrInternal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		c, _ := New(srv.URL, nil, Options{})
		_, err := c.UpgradeBuilding(context.Background(), "b1")
		srv.Close()

		var ae *Error
		if !errors.As(err, &ae) {
			t.Fatalf("status %d: want *Error, got %v", tc.status, err)
		}
		if ae.Code != tc.code || CodeOf(err) != tc.code || ae.Status != tc.status {
			t.Fatalf("status %d: got %+v", tc.status, ae)
		}
	}
}

func TestClient_UpgradeEscapesIDAndRefreshSkipsBearer(t *testing.T) {
	var paths []string
	var refreshAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		switch r.URL.Path {
		case "/auth/refresh":
			refreshAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(protocol.TokenResponse{AccessToken: "a2", RefreshToken: "r2"})
		default:
			_ = json.NewEncoder(w).Encode(protocol.BuildingResponse{Version: 3})
		}
	}))
	defer srv.Close()

	c, _ := New(srv.URL, StaticToken("tok"), Options{RatePerSecond: 100, Burst: 5})
	if _, err := c.UpgradeBuilding(context.Background(), "a/b"); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	tok, err := c.Refresh(context.Background(), "r1")
	if err != nil || tok.AccessToken != "a2" {
		t.Fatalf("refresh: %+v %v", tok, err)
	}
	if refreshAuth != "" {
		t.Fatalf("refresh sent a bearer token: %q", refreshAuth)
	}
	if paths[0] != "/game/districts/buildings/a%2Fb/upgrade" {
		t.Fatalf("path: %s", paths[0])
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "http://"} {
		if _, err := New(u, nil, Options{}); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}
