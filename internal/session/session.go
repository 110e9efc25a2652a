// Package session builds one client session: the store, the command client, the push
// channel and the mutation gateway, and tears them down together.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tonempire.game/internal/api"
	"tonempire.game/internal/config"
	"tonempire.game/internal/game"
	"tonempire.game/internal/gateway"
	"tonempire.game/internal/persistence/credentials"
	"tonempire.game/internal/persistence/journal"
	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
	"tonempire.game/internal/transport/push"
)

type Options struct {
	Config   config.Config
	Notifier gateway.Notifier
	Logger   *log.Logger
	// HTTPClient overrides the command client's transport.
	HTTPClient *http.Client
}

type Session struct {
	Store   *store.Store
	Gateway *gateway.Gateway
	API     *api.Client
	Catalog *game.Catalog

	cfg      config.Config
	log      *log.Logger
	notifier gateway.Notifier
	channel  *push.Channel
	journal  *journal.Journal
	creds    *credentials.Store

	closeOnce sync.Once
}

// Open wires every component and loads the first snapshot. The push channel starts with
// Run.
func Open(ctx context.Context, opt Options) (*Session, error) {
	cfg := opt.Config
	logger := opt.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	prefixed := func(p string) *log.Logger {
		return log.New(logger.Writer(), p, logger.Flags())
	}

	cat := game.DefaultCatalog()
	if cfg.CatalogPath != "" {
		c, err := game.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		cat = c
	}

	s := &Session{
		Catalog:  cat,
		cfg:      cfg,
		log:      prefixed("[session] "),
		notifier: opt.Notifier,
		Store:    store.New(prefixed("[store] ")),
	}

	apiOpts := api.Options{HTTPClient: opt.HTTPClient, RatePerSecond: cfg.CommandRate, Burst: cfg.CommandBurst}
	tokens, err := s.openTokens(ctx, apiOpts)
	if err != nil {
		return nil, err
	}
	client, err := api.New(cfg.APIURL, tokens, apiOpts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.API = client

	if cfg.JournalDir != "" {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			s.Close()
			return nil, fmt.Errorf("journal dir: %w", err)
		}
		s.journal = journal.Open(cfg.JournalDir)
	}

	retries := cfg.MutationRetries
	if retries == 0 {
		retries = -1
	}
	s.Gateway = gateway.New(s.Store, client, gateway.Options{
		Timeout:    cfg.MutationTimeout,
		MaxRetries: retries,
		Catalog:    cat,
		Notifier:   opt.Notifier,
		Journal:    s.journal,
		Logger:     prefixed("[gateway] "),
	})

	ch, err := push.New(push.Config{
		URL:             cfg.WSURL,
		PingInterval:    cfg.PingInterval,
		PongWait:        cfg.PongWait,
		InitialBackoff:  cfg.BackoffInitial,
		MaxBackoff:      cfg.BackoffMax,
		Jitter:          cfg.BackoffJitter,
		DisconnectAfter: cfg.DisconnectAfter,
	}, s.Store, tokens, push.Hooks{
		OnConnect:      s.Resync,
		OnNotification: s.onNotification,
		OnFrame:        s.onFrame,
	}, prefixed("[push] "))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.channel = ch

	if err := s.Resync(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("initial sync: %w", err)
	}
	return s, nil
}

// openTokens picks the credential source. With a credentials database the stored token
// is used and refreshed as needed; tokens from the environment seed it.
func (s *Session) openTokens(ctx context.Context, apiOpts api.Options) (api.TokenSource, error) {
	cfg := s.cfg
	if cfg.CredentialsDB == "" {
		return api.StaticToken(cfg.AccessToken), nil
	}
	cs, err := credentials.Open(cfg.CredentialsDB)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	s.creds = cs
	if cfg.AccessToken != "" {
		c := credentials.Credential{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken, UpdatedAt: time.Now()}
		if err := cs.Save(ctx, cfg.Profile, c); err != nil {
			s.Close()
			return nil, fmt.Errorf("credentials: %w", err)
		}
	}
	refresher, err := api.New(cfg.APIURL, nil, apiOpts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return cs.Source(cfg.Profile, refresher), nil
}

// Run keeps the push channel and the lifecycle clock going until ctx ends, then closes
// the session.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.channel.Run(gctx)
	})
	g.Go(func() error {
		tick := s.cfg.Tick
		if tick <= 0 {
			tick = time.Second
		}
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				s.Store.Refresh(now)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Resync fetches the full district and merges it into the store entity by entity.
func (s *Session) Resync(ctx context.Context) error {
	dr, err := s.API.FetchDistrict(ctx)
	if err != nil {
		return fmt.Errorf("fetch district: %w", err)
	}
	d := dr.District
	if dr.Version > d.Version {
		d.Version = dr.Version
	}
	buildings, err := s.API.FetchBuildings(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("fetch buildings: %w", err)
	}
	s.Store.Apply(store.Authoritative(store.LoadSnapshot{District: d, Buildings: buildings}), d.Version)

	digest := s.Store.Digest()
	s.log.Printf("resync district=%s v%d buildings=%d digest=%.12s", d.ID, d.Version, len(buildings), digest)
	payload, err := json.Marshal(journal.Snapshot{District: d, Buildings: buildings})
	if err != nil {
		return fmt.Errorf("encode resync: %w", err)
	}
	s.record(journal.Entry{Kind: journal.KindResync, Version: d.Version, Payload: payload, Digest: digest})
	return nil
}

// Close orphans in-flight mutations, closes the socket and releases files. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.Gateway != nil {
			s.Gateway.Close()
		}
		if s.channel != nil {
			s.channel.Close()
		}
		s.Store.Close()
		if err := s.journal.Close(); err != nil {
			s.log.Printf("journal close: %v", err)
		}
		if s.creds != nil {
			if err := s.creds.Close(); err != nil {
				s.log.Printf("credentials close: %v", err)
			}
		}
	})
}

func (s *Session) onNotification(n protocol.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(gateway.Notice{Level: n.Level, Title: n.Title, Message: n.Message})
}

func (s *Session) onFrame(env protocol.Envelope, applyErr error) {
	if env.Type == protocol.TypePing || env.Type == protocol.TypePong {
		return
	}
	result := "applied"
	switch {
	case errors.Is(applyErr, store.ErrStale):
		result = "stale"
	case applyErr != nil:
		result = applyErr.Error()
	}
	s.record(journal.Entry{Kind: journal.KindPush, Type: env.Type, Version: env.Version, Payload: env.Payload, Result: result})
}

func (s *Session) record(e journal.Entry) {
	if err := s.journal.Record(e); err != nil {
		s.log.Printf("journal: %v", err)
	}
}
