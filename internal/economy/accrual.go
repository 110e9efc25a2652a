// Package economy computes time-based resource accrual. It performs no I/O and is shared
// by the optimistic and the authoritative paths so both produce identical numbers.
package economy

import (
	"math"
	"time"

	"tonempire.game/internal/game"
	"tonempire.game/internal/lifecycle"
)

const secondsPerHour = 3600.0

type Result struct {
	Delta    game.Resources
	District game.District // resources += Delta, UpdatedAt advanced to now
}

// Accrue integrates production over [district.UpdatedAt, now]. Calling it again with the
// returned district and the same now yields a zero delta.
func Accrue(d game.District, buildings []game.Building, now time.Time, cat *game.Catalog) Result {
	res := Result{District: d}
	if !now.After(d.UpdatedAt) {
		return res
	}
	from := d.UpdatedAt
	eff := d.EfficiencyFactor()

	var perKind [5]float64
	for _, b := range buildings {
		if !b.IsActive {
			continue
		}
		secs := productiveSeconds(b, from, now)
		if secs <= 0 {
			continue
		}
		rate := cat.Production(b.Type, lifecycle.CompletedLevel(b))
		for i, k := range game.ResourceKinds {
			perKind[i] += float64(rate.Get(k)) * secs / secondsPerHour * eff
		}
	}
	for i, k := range game.ResourceKinds {
		res.Delta.Set(k, int64(math.Floor(perKind[i])))
	}

	res.District.Resources = d.Resources.Add(res.Delta).ClampZero()
	res.District.UpdatedAt = now
	return res
}

// productiveSeconds is the part of [from, to] during which b is out of any
// construction/upgrade window.
func productiveSeconds(b game.Building, from, to time.Time) float64 {
	start := from
	if b.CreatedAt.After(start) {
		start = b.CreatedAt
	}
	if b.UpgradeEndAt != nil && b.UpgradeEndAt.After(start) {
		start = *b.UpgradeEndAt
	}
	if !to.After(start) {
		return 0
	}
	return to.Sub(start).Seconds()
}

// Rates returns the district's combined hourly production at now.
func Rates(d game.District, buildings []game.Building, now time.Time, cat *game.Catalog) game.Resources {
	var out game.Resources
	eff := d.EfficiencyFactor()
	for _, b := range buildings {
		if !lifecycle.Producing(b, now) {
			continue
		}
		r := cat.Production(b.Type, lifecycle.Resolve(b, now).Level)
		for _, k := range game.ResourceKinds {
			out.Set(k, out.Get(k)+int64(math.Floor(float64(r.Get(k))*eff)))
		}
	}
	return out
}
