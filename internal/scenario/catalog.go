package scenario

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahrdadan/atlasprobe/internal/config"
)

// Catalog holds the scenarios a service can run by name
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario
}

// NewCatalog returns a catalog holding the built-in scenario plus every file in cfg.ScenarioFiles
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{scenarios: make(map[string]*Scenario)}
	if err := c.Add(TimelineAlignment(cfg)); err != nil {
		return nil, err
	}

	for _, path := range cfg.ScenarioFiles {
		sc, err := Load(path, cfg)
		if err != nil {
			return nil, err
		}
		if err := c.Add(sc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers sc, replacing any scenario with the same name
func (c *Catalog) Add(sc *Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarios[sc.Name] = sc
	return nil
}

// Get returns a copy of the named scenario so callers may adjust steps freely
func (c *Catalog) Get(name string) (*Scenario, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc, ok := c.scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	return sc.Clone(), nil
}

// List returns every scenario sorted by name
func (c *Catalog) List() []*Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Scenario, 0, len(c.scenarios))
	for _, sc := range c.scenarios {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns a deep copy
func (s *Scenario) Clone() *Scenario {
	cp := *s
	cp.Steps = append([]Step(nil), s.Steps...)
	return &cp
}
