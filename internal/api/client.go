// Package api is the command client for the game server's REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"tonempire.game/internal/game"
	"tonempire.game/internal/protocol"
)

const maxErrorBody = 64 << 10

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Error is a non-2xx response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether repeating the command could succeed.
func (e *Error) Retryable() bool { return protocol.Retryable(e.Code) }

// CodeOf returns the protocol error code carried by err, or "" if err is not an *Error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

type Options struct {
	HTTPClient *http.Client
	// RatePerSecond caps outbound commands. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

type Client struct {
	base       string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	tracer     trace.Tracer
}

func New(baseURL string, tokens TokenSource, opts Options) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url: %q", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Client{
		base:       strings.TrimRight(u.String(), "/"),
		httpClient: hc,
		tokens:     tokens,
		limiter:    limiter,
		tracer:     otel.Tracer("tonempire.game/internal/api"),
	}, nil
}

type correlationKey struct{}

// WithCorrelationID tags outgoing requests made with ctx so the server can deduplicate
// retried commands.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func (c *Client) CollectResources(ctx context.Context) (protocol.CollectResponse, error) {
	var out protocol.CollectResponse
	err := c.do(ctx, http.MethodPost, "/game/districts/collect", "/game/districts/collect", nil, &out, true)
	return out, err
}

func (c *Client) CreateBuilding(ctx context.Context, typ game.BuildingType, pos game.Position) (protocol.BuildingResponse, error) {
	var out protocol.BuildingResponse
	body := protocol.CreateBuildingRequest{Type: typ, Position: pos}
	err := c.do(ctx, http.MethodPost, "/game/districts/buildings", "/game/districts/buildings", body, &out, true)
	return out, err
}

func (c *Client) UpgradeBuilding(ctx context.Context, buildingID string) (protocol.BuildingResponse, error) {
	var out protocol.BuildingResponse
	p := "/game/districts/buildings/" + url.PathEscape(buildingID) + "/upgrade"
	err := c.do(ctx, http.MethodPut, "/game/districts/buildings/{id}/upgrade", p, nil, &out, true)
	return out, err
}

func (c *Client) FetchDistrict(ctx context.Context) (protocol.DistrictResponse, error) {
	var out protocol.DistrictResponse
	err := c.do(ctx, http.MethodGet, "/game/districts/mine", "/game/districts/mine", nil, &out, true)
	return out, err
}

func (c *Client) FetchBuildings(ctx context.Context, districtID string) ([]game.Building, error) {
	var out protocol.BuildingsResponse
	p := "/game/districts/" + url.PathEscape(districtID) + "/buildings"
	if err := c.do(ctx, http.MethodGet, "/game/districts/{id}/buildings", p, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Buildings, nil
}

// Refresh trades a refresh token for a new credential pair. It sends no bearer token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (protocol.TokenResponse, error) {
	var out protocol.TokenResponse
	body := protocol.RefreshRequest{RefreshToken: refreshToken}
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "/auth/refresh", body, &out, false)
	return out, err
}

func (c *Client) do(ctx context.Context, method, route, path string, body, out any, auth bool) (err error) {
	ctx, span := c.tracer.Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", route, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		req.Header.Set("X-Request-ID", id)
		span.SetAttributes(attribute.String("correlation_id", id))
	}
	if auth && c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er protocol.ErrorResponse
	_ = json.Unmarshal(raw, &er)
	e := &Error{Status: resp.StatusCode, Code: er.Code, Message: er.Message}
	if e.Code == "" || !protocol.IsKnownCode(e.Code) {
		e.Code = codeForStatus(resp.StatusCode)
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}
	return e
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return protocol.ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return protocol.ErrUnauthorized
	case http.StatusNotFound:
		return protocol.ErrNotFound
	case http.StatusConflict:
		return protocol.ErrConflict
	case http.StatusTooManyRequests:
		return protocol.ErrRateLimit
	default:
		return protocol.ErrInternal
	}
}
