// Package credentials persists the session's access and refresh tokens in SQLite and
// refreshes the access token when its JWT expiry has passed.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "modernc.org/sqlite"

	"tonempire.game/internal/protocol"
)

var ErrNoCredential = errors.New("no stored credential")

type Credential struct {
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			profile TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, profile string, c Credential) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(profile, access_token, refresh_token, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token, updated_at=excluded.updated_at;`,
		profile, c.AccessToken, c.RefreshToken, c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, profile string) (Credential, error) {
	var c Credential
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, updated_at FROM credentials WHERE profile = ?;`, profile,
	).Scan(&c.AccessToken, &c.RefreshToken, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredential
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return c, nil
}

func (s *Store) Delete(ctx context.Context, profile string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE profile = ?;`, profile)
	return err
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature. Opaque tokens
// report ok=false.
func ExpiresAt(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Refresher trades a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (protocol.TokenResponse, error)
}

// Source hands out the stored access token for one profile, refreshing it first when it
// expires within Skew.
type Source struct {
	store     *Store
	profile   string
	refresher Refresher

	Skew time.Duration
	Now  func() time.Time

	mu     sync.Mutex
	cached *Credential
}

func (s *Store) Source(profile string, r Refresher) *Source {
	return &Source{store: s, profile: profile, refresher: r, Skew: 30 * time.Second, Now: time.Now}
}

func (src *Source) Token(ctx context.Context) (string, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if src.cached == nil {
		c, err := src.store.Load(ctx, src.profile)
		if err != nil {
			return "", err
		}
		src.cached = &c
	}
	c := *src.cached
	exp, ok := ExpiresAt(c.AccessToken)
	if !ok || src.Now().Add(src.Skew).Before(exp) {
		return c.AccessToken, nil
	}
	if src.refresher == nil || strings.TrimSpace(c.RefreshToken) == "" {
		return "", fmt.Errorf("access token expired at %s and no refresh is possible", exp.UTC().Format(time.RFC3339))
	}

	resp, err := src.refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	next := Credential{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, UpdatedAt: src.Now()}
	if next.RefreshToken == "" {
		next.RefreshToken = c.RefreshToken
	}
	if err := src.store.Save(ctx, src.profile, next); err != nil {
		return "", err
	}
	src.cached = &next
	return next.AccessToken, nil
}
