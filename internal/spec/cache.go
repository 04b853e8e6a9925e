package spec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Loader fetches the highest published version's raw JSON for a bot,
// e.g. a query against postgres.BotSpec ordered by version desc limit 1.
type Loader func(ctx context.Context, botID string) (version int, raw []byte, err error)

// Cache holds the compiled, version-stamped spec per bot in memory.
// Replacement is an atomic pointer swap, so an in-flight handler that
// already loaded a *CompiledSpec never observes a torn view
// mid-handling.
type Cache struct {
	loader Loader

	mu  sync.Mutex // guards creation of new slots only
	bot map[string]*atomic.Pointer[CompiledSpec]
}

// NewCache builds an empty cache around the given Loader.
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader: loader,
		bot:    make(map[string]*atomic.Pointer[CompiledSpec]),
	}
}

func (c *Cache) slot(botID string) *atomic.Pointer[CompiledSpec] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.bot[botID]
	if !ok {
		s = &atomic.Pointer[CompiledSpec]{}
		c.bot[botID] = s
	}
	return s
}

// Get returns the cached compiled spec for botID, compiling it
// synchronously on first access.
func (c *Cache) Get(ctx context.Context, botID string) (*CompiledSpec, error) {
	slot := c.slot(botID)
	if cs := slot.Load(); cs != nil {
		return cs, nil
	}
	return c.compileAndStore(ctx, botID, slot)
}

// Reload recompiles botID's spec from the current highest published
// version and atomically swaps the reference. It is
// idempotent: reloading twice at the same published version yields
// the same compiled form.
func (c *Cache) Reload(ctx context.Context, botID string) (*CompiledSpec, error) {
	slot := c.slot(botID)
	return c.compileAndStore(ctx, botID, slot)
}

func (c *Cache) compileAndStore(ctx context.Context, botID string, slot *atomic.Pointer[CompiledSpec]) (*CompiledSpec, error) {
	version, raw, err := c.loader(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("spec: load %s: %w", botID, err)
	}
	cs, err := Compile(botID, version, raw)
	if err != nil {
		return nil, fmt.Errorf("spec: compile %s v%d: %w", botID, version, err)
	}
	slot.Store(cs)
	return cs, nil
}

// Peek returns the currently cached spec without triggering a load,
// or nil if nothing has been cached yet for botID.
func (c *Cache) Peek(botID string) *CompiledSpec {
	c.mu.Lock()
	s, ok := c.bot[botID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Load()
}
