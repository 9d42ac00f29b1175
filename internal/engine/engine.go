// Package engine is the boundary to the query engine. Restored resources are
// registered here by name once they are confirmed readable.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/tabkeep/internal/errors"
)

// Registrar accepts resources for querying.
type Registrar interface {
	Register(ctx context.Context, name string, data []byte) error
}

// Source describes one registered resource.
type Source struct {
	Name         string `json:"name"`
	Size         int    `json:"size"`
	RegisteredAt int64  `json:"registered_at"`
}

// Catalog is an in-process Registrar. Registering a name again replaces it.
type Catalog struct {
	mu      sync.RWMutex
	sources map[string]Source
	data    map[string][]byte
	now     func() time.Time
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		sources: make(map[string]Source),
		data:    make(map[string][]byte),
		now:     time.Now,
	}
}

// Register implements Registrar.
func (c *Catalog) Register(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.NewInvalidRequest("source name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = Source{Name: name, Size: len(data), RegisteredAt: c.now().UnixMilli()}
	c.data[name] = append([]byte(nil), data...)
	return nil
}

// Unregister drops name. Unknown names are ignored.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
	delete(c.data, name)
}

// Data returns a copy of the registered bytes.
func (c *Catalog) Data(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.data[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d...), true
}

// Sources lists registered sources by name.
func (c *Catalog) Sources() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Source, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
