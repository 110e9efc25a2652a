package testkit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"tonempire.game/internal/economy"
	"tonempire.game/internal/game"
	"tonempire.game/internal/lifecycle"
	"tonempire.game/internal/protocol"
)

// APIServer is an authoritative in-memory game server for one district. Every accepted
// command takes the next value of a single version counter. When Push is set, accepted
// commands are also broadcast as push frames.
type APIServer struct {
	srv *httptest.Server
	cat *game.Catalog

	Push *PushServer
	// Now is the server clock.
	Now func() time.Time

	mu        sync.Mutex
	version   int64
	nextID    int
	district  game.District
	buildings map[string]game.Building
	calls     map[string]int
	failNext  map[string]protocol.ErrorResponse
	hold      chan struct{}
	tokens    map[string]string // refresh -> access
}

func NewAPIServer(d game.District, cat *game.Catalog) *APIServer {
	if cat == nil {
		cat = game.DefaultCatalog()
	}
	if d.Version <= 0 {
		d.Version = 1
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	a := &APIServer{
		cat:       cat,
		Now:       time.Now,
		version:   d.Version,
		district:  d,
		buildings: map[string]game.Building{},
		calls:     map[string]int{},
		failNext:  map[string]protocol.ErrorResponse{},
		tokens:    map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /game/districts/collect", a.collect)
	mux.HandleFunc("POST /game/districts/buildings", a.create)
	mux.HandleFunc("PUT /game/districts/buildings/{id}/upgrade", a.upgrade)
	mux.HandleFunc("GET /game/districts/mine", a.mine)
	mux.HandleFunc("GET /game/districts/{id}/buildings", a.list)
	mux.HandleFunc("POST /auth/refresh", a.refresh)
	a.srv = httptest.NewServer(mux)
	return a
}

func (a *APIServer) URL() string { return a.srv.URL }

func (a *APIServer) Close() {
	a.Release()
	a.srv.Close()
}

// Seed stores b as an existing building and returns it with its version.
func (a *APIServer) Seed(b game.Building) game.Building {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	if b.ID == "" {
		a.nextID++
		b.ID = fmt.Sprintf("b-%d", a.nextID)
	}
	b.DistrictID = a.district.ID
	b.Version = a.version
	a.buildings[b.ID] = b
	return b
}

// FailNext makes the next call to route fail with code. Routes are the method and path
// pattern, e.g. "POST /game/districts/buildings".
func (a *APIServer) FailNext(route, code, message string) {
	a.mu.Lock()
	a.failNext[route] = protocol.ErrorResponse{Code: code, Message: message}
	a.mu.Unlock()
}

// Hold blocks every command until Release.
func (a *APIServer) Hold() {
	a.mu.Lock()
	if a.hold == nil {
		a.hold = make(chan struct{})
	}
	a.mu.Unlock()
}

func (a *APIServer) Release() {
	a.mu.Lock()
	if a.hold != nil {
		close(a.hold)
		a.hold = nil
	}
	a.mu.Unlock()
}

// IssueRefresh registers a refresh token that /auth/refresh trades for access.
func (a *APIServer) IssueRefresh(refresh, access string) {
	a.mu.Lock()
	a.tokens[refresh] = access
	a.mu.Unlock()
}

// Calls reports how many times route was hit.
func (a *APIServer) Calls(route string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[route]
}

func (a *APIServer) District() game.District {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.district
}

func (a *APIServer) Building(id string) (game.Building, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buildings[id]
	return b.Clone(), ok
}

// enter counts the call and applies holds and injected failures. It returns false when
// the response was already written.
func (a *APIServer) enter(w http.ResponseWriter, r *http.Request, route string) bool {
	a.mu.Lock()
	a.calls[route]++
	hold := a.hold
	a.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return false
		}
	}
	a.mu.Lock()
	fail, ok := a.failNext[route]
	delete(a.failNext, route)
	a.mu.Unlock()
	if ok {
		writeError(w, http.StatusConflict, fail.Code, fail.Message)
		return false
	}
	return true
}

func (a *APIServer) buildingList() []game.Building {
	out := make([]game.Building, 0, len(a.buildings))
	for _, b := range a.buildings {
		out = append(out, b.Clone())
	}
	return out
}

func (a *APIServer) settleLocked(now time.Time) {
	res := economy.Accrue(a.district, a.buildingList(), now, a.cat)
	a.district = res.District
}

func (a *APIServer) collect(w http.ResponseWriter, r *http.Request) {
	if !a.enter(w, r, "POST /game/districts/collect") {
		return
	}
	a.mu.Lock()
	a.settleLocked(a.Now())
	a.version++
	a.district.Version = a.version
	d := a.district
	a.mu.Unlock()

	a.broadcast(protocol.TypeResourceUpdate, d.Version, protocol.ResourceUpdate{DistrictID: d.ID, Resources: d.Resources, UpdatedAt: &d.UpdatedAt})
	writeJSON(w, http.StatusOK, protocol.CollectResponse{Resources: d.Resources, UpdatedAt: &d.UpdatedAt, Version: d.Version})
}

func (a *APIServer) create(w http.ResponseWriter, r *http.Request) {
	if !a.enter(w, r, "POST /game/districts/buildings") {
		return
	}
	var req protocol.CreateBuildingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	spec, ok := a.cat.Spec(req.Type)
	if !ok || !spec.Buildable {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "unknown building type")
		return
	}
	if !req.Position.InBounds() {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "position out of bounds")
		return
	}

	a.mu.Lock()
	now := a.Now()
	for _, b := range a.buildings {
		if b.Position == req.Position {
			a.mu.Unlock()
			writeError(w, http.StatusConflict, protocol.ErrOccupied, "position occupied")
			return
		}
	}
	a.settleLocked(now)
	left, ok := a.district.Resources.Sub(a.cat.Cost(req.Type, 1))
	if !ok {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, protocol.ErrNoResource, "insufficient resources")
		return
	}
	b, _ := lifecycle.StartConstruction(a.cat, req.Type, req.Position, now)
	a.nextID++
	a.version++
	b.ID = fmt.Sprintf("b-%d", a.nextID)
	b.DistrictID = a.district.ID
	b.Version = a.version
	a.buildings[b.ID] = b
	a.district.Resources = left
	a.district.Version = a.version
	d := a.district
	a.mu.Unlock()

	a.broadcast(protocol.TypeBuildingUpdate, b.Version, protocol.BuildingUpdate{Building: b})
	a.broadcast(protocol.TypeResourceUpdate, d.Version, protocol.ResourceUpdate{DistrictID: d.ID, Resources: d.Resources})
	writeJSON(w, http.StatusOK, protocol.BuildingResponse{Building: b, Version: b.Version})
}

func (a *APIServer) upgrade(w http.ResponseWriter, r *http.Request) {
	if !a.enter(w, r, "PUT /game/districts/buildings/{id}/upgrade") {
		return
	}
	id := r.PathValue("id")

	a.mu.Lock()
	now := a.Now()
	b, ok := a.buildings[id]
	if !ok {
		a.mu.Unlock()
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such building")
		return
	}
	next, err := lifecycle.StartUpgrade(a.cat, b, now)
	if err != nil {
		a.mu.Unlock()
		code := protocol.ErrBusy
		if err == lifecycle.ErrMaxLevel {
			code = protocol.ErrBadRequest
		}
		writeError(w, http.StatusConflict, code, err.Error())
		return
	}
	a.settleLocked(now)
	left, ok := a.district.Resources.Sub(a.cat.Cost(b.Type, next.Level+1))
	if !ok {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, protocol.ErrNoResource, "insufficient resources")
		return
	}
	a.version++
	next.Version = a.version
	a.buildings[id] = next
	a.district.Resources = left
	a.district.Version = a.version
	d := a.district
	a.mu.Unlock()

	a.broadcast(protocol.TypeBuildingUpdate, next.Version, protocol.BuildingUpdate{Building: next})
	a.broadcast(protocol.TypeResourceUpdate, d.Version, protocol.ResourceUpdate{DistrictID: d.ID, Resources: d.Resources})
	writeJSON(w, http.StatusOK, protocol.BuildingResponse{Building: next, Version: next.Version})
}

func (a *APIServer) mine(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls["GET /game/districts/mine"]++
	d := a.district
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.DistrictResponse{District: d, Version: d.Version})
}

func (a *APIServer) list(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls["GET /game/districts/{id}/buildings"]++
	if r.PathValue("id") != a.district.ID {
		a.mu.Unlock()
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such district")
		return
	}
	out := a.buildingList()
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, protocol.BuildingsResponse{Buildings: out})
}

func (a *APIServer) refresh(w http.ResponseWriter, r *http.Request) {
	var req protocol.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	a.mu.Lock()
	a.calls["POST /auth/refresh"]++
	access, ok := a.tokens[strings.TrimSpace(req.RefreshToken)]
	a.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "unknown refresh token")
		return
	}
	writeJSON(w, http.StatusOK, protocol.TokenResponse{AccessToken: access, RefreshToken: req.RefreshToken + "+"})
}

func (a *APIServer) broadcast(typ string, version int64, payload any) {
	if a.Push == nil {
		return
	}
	_ = a.Push.SendEnvelope(typ, version, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Code: code, Message: message})
}
