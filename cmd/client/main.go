package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"tonempire.game/internal/config"
	"tonempire.game/internal/game"
	"tonempire.game/internal/gateway"
	"tonempire.game/internal/lifecycle"
	"tonempire.game/internal/session"
	"tonempire.game/internal/store"
)

func main() {
	var (
		replayDir    = flag.String("replay", "", "replay a journal dir into an empty store and print its digest")
		build        = flag.String("build", "", "create a building, type@x,y (e.g. house@2,3)")
		upgrade      = flag.String("upgrade", "", "upgrade the building with this id")
		collect      = flag.Bool("collect", false, "collect accrued resources on start")
		collectEvery = flag.Duration("collect_every", 0, "collect periodically (0 = off)")
		once         = flag.Bool("once", false, "exit after the start intents settle")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	if *replayDir != "" {
		res, err := replayJournal(*replayDir)
		if err != nil {
			logger.Fatalf("replay: %v", err)
		}
		fmt.Printf("replayed files=%d pushes=%d resyncs=%d (matching=%d)\n", res.Files, res.Pushes, res.Resyncs, res.Matching)
		fmt.Printf("district %s v%d %s\n", res.Snapshot.District.ID, res.Snapshot.District.Version, formatResources(res.Snapshot.District.Resources))
		fmt.Printf("buildings=%d digest=%s\n", len(res.Snapshot.Buildings), res.Digest)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := session.Open(ctx, session.Options{
		Config: cfg,
		Logger: logger,
		Notifier: gateway.NotifierFunc(func(n gateway.Notice) {
			retry := ""
			if n.Retryable {
				retry = " (retry possible)"
			}
			logger.Printf("%s: %s: %s%s", strings.ToUpper(n.Level), n.Title, n.Message, retry)
		}),
	})
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	p := &printer{log: logger}
	cancelSub := s.Store.Subscribe(p.onSnapshot)
	defer cancelSub()
	p.onSnapshot(s.Store.Snapshot())

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	var tickets []*gateway.Ticket
	if *collect {
		tickets = appendTicket(logger, tickets)(s.Gateway.CollectResources(ctx))
	}
	if *build != "" {
		typ, pos, err := parseBuild(*build)
		if err != nil {
			logger.Fatalf("-build: %v", err)
		}
		tickets = appendTicket(logger, tickets)(s.Gateway.CreateBuilding(ctx, typ, pos))
	}
	if *upgrade != "" {
		tickets = appendTicket(logger, tickets)(s.Gateway.UpgradeBuilding(ctx, *upgrade))
	}
	for _, t := range tickets {
		o, err := t.Wait(ctx)
		logger.Printf("%s %s -> %s (entity %s) err=%v", t.Intent, t.Target, o, t.EntityID(), err)
	}
	if *once {
		stop()
	}

	if *collectEvery > 0 {
		go func() {
			tk := time.NewTicker(*collectEvery)
			defer tk.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tk.C:
					if _, err := s.Gateway.CollectResources(ctx); err != nil {
						logger.Printf("collect: %v", err)
					}
				}
			}
		}()
	}

	if err := <-runDone; err != nil {
		logger.Fatalf("run: %v", err)
	}
}

func appendTicket(logger *log.Logger, tickets []*gateway.Ticket) func(*gateway.Ticket, error) []*gateway.Ticket {
	return func(t *gateway.Ticket, err error) []*gateway.Ticket {
		if err != nil {
			logger.Printf("rejected: %v", err)
			return tickets
		}
		return append(tickets, t)
	}
}

// parseBuild reads "type@x,y".
func parseBuild(s string) (game.BuildingType, game.Position, error) {
	typ, at, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return "", game.Position{}, fmt.Errorf("want type@x,y, got %q", s)
	}
	xs, ys, ok := strings.Cut(at, ",")
	if !ok {
		return "", game.Position{}, fmt.Errorf("want type@x,y, got %q", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return "", game.Position{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return "", game.Position{}, fmt.Errorf("y: %w", err)
	}
	return game.BuildingType(strings.ToLower(strings.TrimSpace(typ))), game.Position{X: x, Y: y}, nil
}

// printer logs what changed between consecutive snapshots.
type printer struct {
	log *log.Logger

	mu        sync.Mutex
	resources game.Resources
	buildings map[string]string
	status    store.Status
	primed    bool
}

func (p *printer) onSnapshot(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.primed || snap.Connection.Status != p.status {
		line := "connection " + string(snap.Connection.Status)
		if snap.Connection.Attempts > 0 {
			line += fmt.Sprintf(" attempts=%d retry_in=%s", snap.Connection.Attempts, snap.Connection.Backoff)
		}
		if snap.Connection.LastError != "" {
			line += " err=" + snap.Connection.LastError
		}
		p.log.Print(line)
		p.status = snap.Connection.Status
	}

	if !p.primed || snap.District.Resources != p.resources {
		mark := ""
		if snap.Optimistic[snap.District.ID] {
			mark = " (pending)"
		}
		p.log.Printf("resources %s%s", formatResources(snap.District.Resources), mark)
		p.resources = snap.District.Resources
	}

	now := time.Now()
	next := make(map[string]string, len(snap.Buildings))
	for _, b := range snap.Buildings {
		line := describeBuilding(b, now, snap.Optimistic[b.ID])
		next[b.ID] = line
		if p.buildings[b.ID] != line {
			p.log.Print(line)
		}
	}
	for id := range p.buildings {
		if _, ok := next[id]; !ok {
			p.log.Printf("building %s removed", id)
		}
	}
	p.buildings = next
	p.primed = true
}

func describeBuilding(b game.Building, now time.Time, optimistic bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "building %s %s L%d at %s", b.ID, b.Type, b.Level, b.Position)
	if st := lifecycle.StateOf(b, now); st != lifecycle.Active {
		fmt.Fprintf(&sb, " %s until %s", st, b.UpgradeEndAt.Local().Format("15:04:05"))
	} else if lifecycle.Degraded(b) {
		fmt.Fprintf(&sb, " damaged %.0f/%.0f", b.Health, b.MaxHealth)
	}
	if optimistic {
		sb.WriteString(" (pending)")
	}
	return sb.String()
}

func formatResources(r game.Resources) string {
	parts := make([]string, 0, len(game.ResourceKinds))
	for _, k := range game.ResourceKinds {
		parts = append(parts, fmt.Sprintf("%s=%s", k, humanize.Comma(r.Get(k))))
	}
	return strings.Join(parts, " ")
}
