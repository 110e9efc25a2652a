package game

import (
	"fmt"
	"time"
)

// ResourceKind names one of the district's stockpiles.
type ResourceKind string

const (
	Gold   ResourceKind = "gold"
	Wood   ResourceKind = "wood"
	Stone  ResourceKind = "stone"
	Food   ResourceKind = "food"
	Energy ResourceKind = "energy"
)

// ResourceKinds lists every kind in display order.
var ResourceKinds = []ResourceKind{Gold, Wood, Stone, Food, Energy}

// Resources holds one floored integer amount per kind. Stored values are never negative;
// signed values only appear transiently as deltas.
type Resources struct {
	Gold   int64 `json:"gold" yaml:"gold"`
	Wood   int64 `json:"wood" yaml:"wood"`
	Stone  int64 `json:"stone" yaml:"stone"`
	Food   int64 `json:"food" yaml:"food"`
	Energy int64 `json:"energy" yaml:"energy"`
}

func (r Resources) Get(k ResourceKind) int64 {
	switch k {
	case Gold:
		return r.Gold
	case Wood:
		return r.Wood
	case Stone:
		return r.Stone
	case Food:
		return r.Food
	case Energy:
		return r.Energy
	}
	return 0
}

func (r *Resources) Set(k ResourceKind, v int64) {
	switch k {
	case Gold:
		r.Gold = v
	case Wood:
		r.Wood = v
	case Stone:
		r.Stone = v
	case Food:
		r.Food = v
	case Energy:
		r.Energy = v
	}
}

func (r Resources) Add(o Resources) Resources {
	return Resources{
		Gold:   r.Gold + o.Gold,
		Wood:   r.Wood + o.Wood,
		Stone:  r.Stone + o.Stone,
		Food:   r.Food + o.Food,
		Energy: r.Energy + o.Energy,
	}
}

func (r Resources) Neg() Resources {
	return Resources{Gold: -r.Gold, Wood: -r.Wood, Stone: -r.Stone, Food: -r.Food, Energy: -r.Energy}
}

// Sub returns r-o and whether every field stayed non-negative.
func (r Resources) Sub(o Resources) (Resources, bool) {
	out := r.Add(o.Neg())
	return out, !out.HasNegative()
}

// Covers reports whether r can pay cost.
func (r Resources) Covers(cost Resources) bool {
	_, ok := r.Sub(cost)
	return ok
}

func (r Resources) HasNegative() bool {
	for _, k := range ResourceKinds {
		if r.Get(k) < 0 {
			return true
		}
	}
	return false
}

// ClampZero floors every negative field at zero.
func (r Resources) ClampZero() Resources {
	for _, k := range ResourceKinds {
		if r.Get(k) < 0 {
			r.Set(k, 0)
		}
	}
	return r
}

func (r Resources) IsZero() bool { return r == Resources{} }

func (r Resources) String() string {
	return fmt.Sprintf("gold=%d wood=%d stone=%d food=%d energy=%d", r.Gold, r.Wood, r.Stone, r.Food, r.Energy)
}

// BuildingType is the construction kind of a building.
type BuildingType string

const (
	TownHall   BuildingType = "town_hall"
	House      BuildingType = "house"
	Farm       BuildingType = "farm"
	Mine       BuildingType = "mine"
	LumberMill BuildingType = "lumber_mill"
	PowerPlant BuildingType = "power_plant"
	Barracks   BuildingType = "barracks"
	Wall       BuildingType = "wall"
	Market     BuildingType = "market"
)

// GridSize is the width and height of a district grid.
const GridSize = 10

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) InBounds() bool {
	return p.X >= 0 && p.X < GridSize && p.Y >= 0 && p.Y < GridSize
}

func (p Position) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// District is the player's economic unit. Version orders authoritative updates of its
// resources; UpdatedAt is the accrual watermark.
type District struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Population int64     `json:"population"`
	Efficiency float64   `json:"efficiency"`
	Resources  Resources `json:"resources"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EfficiencyFactor converts the percentage efficiency into a production multiplier.
// Zero means the server never set it and is treated as nominal.
func (d District) EfficiencyFactor() float64 {
	if d.Efficiency <= 0 {
		return 1
	}
	return d.Efficiency / 100
}

type Building struct {
	ID           string       `json:"id"`
	DistrictID   string       `json:"district_id"`
	Type         BuildingType `json:"type"`
	Level        int          `json:"level"`
	Position     Position     `json:"position"`
	Health       float64      `json:"health"`
	MaxHealth    float64      `json:"max_health"`
	IsActive     bool         `json:"is_active"`
	UpgradeEndAt *time.Time   `json:"upgrade_end_at,omitempty"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Clone returns a copy that shares no pointers with b.
func (b Building) Clone() Building {
	if b.UpgradeEndAt != nil {
		t := *b.UpgradeEndAt
		b.UpgradeEndAt = &t
	}
	return b
}

// MaxHealthForLevel is the health pool a building gets once it reaches level.
func MaxHealthForLevel(level int) float64 {
	if level < 1 {
		level = 1
	}
	return float64(100 + (level-1)*20)
}
