package game

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed buildings.yaml
var defaultCatalogYAML []byte

// Catalog is the static table of building kinds the client needs to project costs,
// production and timers locally. It must match the server's table.
type Catalog struct {
	CostGrowth       float64                       `yaml:"cost_growth"`
	ProductionGrowth float64                       `yaml:"production_growth"`
	Buildings        map[BuildingType]BuildingSpec `yaml:"buildings"`
}

type BuildingSpec struct {
	Buildable      bool      `yaml:"buildable"`
	MaxLevel       int       `yaml:"max_level"`
	BuildTime      int       `yaml:"build_time"` // seconds
	UpgradeMinutes int       `yaml:"upgrade_minutes"`
	BaseCost       Resources `yaml:"base_cost"`
	BaseProduction Resources `yaml:"base_production"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded buildings.yaml: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file; an empty path yields the embedded default.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("buildings.yaml: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("buildings.yaml: %w", err)
	}
	return &c, nil
}

func (c *Catalog) Normalize() {
	if c.CostGrowth <= 0 {
		c.CostGrowth = 1.5
	}
	if c.ProductionGrowth <= 0 {
		c.ProductionGrowth = 1.2
	}
	if c.Buildings == nil {
		c.Buildings = map[BuildingType]BuildingSpec{}
	}
	for t, s := range c.Buildings {
		if s.MaxLevel <= 0 {
			s.MaxLevel = 1
		}
		c.Buildings[t] = s
	}
}

func (c *Catalog) Validate() error {
	if len(c.Buildings) == 0 {
		return fmt.Errorf("no buildings defined")
	}
	for _, t := range c.Types() {
		s := c.Buildings[t]
		if s.BuildTime < 0 || s.UpgradeMinutes < 0 {
			return fmt.Errorf("%s: negative duration", t)
		}
		if s.BaseCost.HasNegative() || s.BaseProduction.HasNegative() {
			return fmt.Errorf("%s: negative cost or production", t)
		}
	}
	return nil
}

// Types returns the building types in stable order.
func (c *Catalog) Types() []BuildingType {
	out := make([]BuildingType, 0, len(c.Buildings))
	for t := range c.Buildings {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Catalog) Spec(t BuildingType) (BuildingSpec, bool) {
	s, ok := c.Buildings[t]
	return s, ok
}

// Cost is the price of reaching level (level 1 is construction).
func (c *Catalog) Cost(t BuildingType, level int) Resources {
	s, ok := c.Buildings[t]
	if !ok {
		return Resources{}
	}
	return scale(s.BaseCost, growth(c.CostGrowth, level))
}

// Production is the hourly output of one building at level.
func (c *Catalog) Production(t BuildingType, level int) Resources {
	s, ok := c.Buildings[t]
	if !ok {
		return Resources{}
	}
	return scale(s.BaseProduction, growth(c.ProductionGrowth, level))
}

func (c *Catalog) BuildTime(t BuildingType) time.Duration {
	return time.Duration(c.Buildings[t].BuildTime) * time.Second
}

// UpgradeTime is how long it takes to reach targetLevel.
func (c *Catalog) UpgradeTime(t BuildingType, targetLevel int) time.Duration {
	return time.Duration(c.Buildings[t].UpgradeMinutes*targetLevel) * time.Minute
}

func growth(base float64, level int) float64 {
	if level < 1 {
		level = 1
	}
	return math.Pow(base, float64(level-1))
}

func scale(r Resources, m float64) Resources {
	var out Resources
	for _, k := range ResourceKinds {
		out.Set(k, int64(math.Floor(float64(r.Get(k))*m)))
	}
	return out
}
