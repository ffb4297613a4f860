package agent

import (
	"sort"
	"sync"
)

// Catalog maps model ids to the provider serving them.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
	models    []Model
	fallback  string
}

// NewCatalog indexes the models of each provider. When two providers list the
// same model id, the first one wins.
func NewCatalog(providers ...LLMProvider) *Catalog {
	c := &Catalog{providers: make(map[string]LLMProvider)}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add registers a provider's models.
func (c *Catalog) Add(p LLMProvider) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range p.Models() {
		if _, exists := c.providers[m.ID]; exists {
			continue
		}
		c.providers[m.ID] = p
		c.models = append(c.models, m)
		if c.fallback == "" {
			c.fallback = m.ID
		}
	}
}

// SetDefault sets the model used when a request names none.
func (c *Catalog) SetDefault(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = modelID
}

// Default returns the default model id.
func (c *Catalog) Default() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// Resolve returns the provider for modelID. An empty id resolves the default.
func (c *Catalog) Resolve(modelID string) (LLMProvider, string, bool) {
	if c == nil {
		return nil, "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if modelID == "" {
		modelID = c.fallback
	}
	p, ok := c.providers[modelID]
	return p, modelID, ok
}

// Models lists the available models sorted by id.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]Model(nil), c.models...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of models.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
