package economy

import (
	"testing"
	"time"

	"tonempire.game/internal/game"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func house(id string, level int) game.Building {
	return game.Building{ID: id, Type: game.House, Level: level, Health: 100, MaxHealth: 100, IsActive: true}
}

func TestAccrue_OneHourOfTenGold(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", Efficiency: 100, Resources: game.Resources{Gold: 1000}, UpdatedAt: t0}

	r := Accrue(d, []game.Building{house("h1", 1)}, t0.Add(time.Hour), cat)
	if r.Delta != (game.Resources{Gold: 10}) {
		t.Fatalf("delta: %v", r.Delta)
	}
	if r.District.Resources.Gold != 1010 || !r.District.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("district: %+v", r.District)
	}
}

func TestAccrue_IdempotentForSameNow(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", UpdatedAt: t0}
	bs := []game.Building{house("h1", 3), {ID: "f1", Type: game.Farm, Level: 1, IsActive: true, Health: 100, MaxHealth: 100}}
	now := t0.Add(90 * time.Minute)

	first := Accrue(d, bs, now, cat)
	if first.Delta.IsZero() {
		t.Fatalf("expected production in first window")
	}
	second := Accrue(first.District, bs, now, cat)
	if !second.Delta.IsZero() {
		t.Fatalf("second accrual for same now must be zero, got %v", second.Delta)
	}
	if second.District.Resources != first.District.Resources {
		t.Fatalf("resources changed on idempotent call")
	}
}

func TestAccrue_SplitWindowsMatchSingleWindow(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", UpdatedAt: t0}
	bs := []game.Building{{ID: "m1", Type: game.Mine, Level: 1, IsActive: true, Health: 100, MaxHealth: 100}}

	whole := Accrue(d, bs, t0.Add(4*time.Hour), cat)
	a := Accrue(d, bs, t0.Add(2*time.Hour), cat)
	b := Accrue(a.District, bs, t0.Add(4*time.Hour), cat)
	if a.Delta.Add(b.Delta) != whole.Delta {
		t.Fatalf("split %v + %v != whole %v", a.Delta, b.Delta, whole.Delta)
	}
}

func TestAccrue_SkipsInactiveAndPendingTimers(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", UpdatedAt: t0}
	end := t0.Add(30 * time.Minute)

	inactive := house("h1", 1)
	inactive.IsActive = false
	constructing := game.Building{ID: "h2", Type: game.House, Level: 1, IsActive: true, UpgradeEndAt: &end, MaxHealth: 100}

	r := Accrue(d, []game.Building{inactive, constructing}, t0.Add(time.Hour), cat)
	// Only the half hour after construction completes produces: 10/h * 0.5h.
	if r.Delta != (game.Resources{Gold: 5}) {
		t.Fatalf("delta: %v", r.Delta)
	}
}

func TestAccrue_UpgradeCompletesMidWindow(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", UpdatedAt: t0}
	end := t0.Add(time.Hour)
	upgrading := game.Building{ID: "h1", Type: game.House, Level: 1, IsActive: true, Health: 100, MaxHealth: 100, UpgradeEndAt: &end}

	r := Accrue(d, []game.Building{upgrading}, t0.Add(2*time.Hour), cat)
	// Level 2 house makes 12 gold/h; the first hour was spent upgrading.
	if r.Delta.Gold != 12 {
		t.Fatalf("delta: %v", r.Delta)
	}
}

func TestAccrue_NeverNegativeAndNoTimeTravel(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", Resources: game.Resources{Gold: 3}, UpdatedAt: t0}
	r := Accrue(d, []game.Building{house("h1", 1)}, t0.Add(-time.Hour), cat)
	if !r.Delta.IsZero() || r.District.Resources.Gold != 3 || !r.District.UpdatedAt.Equal(t0) {
		t.Fatalf("clock going backwards must not accrue: %+v", r)
	}
}

func TestAccrue_EfficiencyScalesOutput(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1", Efficiency: 50, UpdatedAt: t0}
	r := Accrue(d, []game.Building{house("h1", 1)}, t0.Add(time.Hour), cat)
	if r.Delta.Gold != 5 {
		t.Fatalf("delta: %v", r.Delta)
	}
}

func TestRates(t *testing.T) {
	cat := game.DefaultCatalog()
	d := game.District{ID: "d1"}
	got := Rates(d, []game.Building{house("h1", 1), {ID: "l1", Type: game.LumberMill, Level: 1, IsActive: true, Health: 100, MaxHealth: 100}}, t0, cat)
	if got != (game.Resources{Gold: 10, Wood: 25}) {
		t.Fatalf("rates: %v", got)
	}
}
