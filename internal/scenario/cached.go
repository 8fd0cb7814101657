package scenario

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"regenopt/internal/job"
)

// Cached keeps successful lookups of another Source for a fixed TTL.
type Cached struct {
	source Source
	cache  *cache.Cache
}

// NewCached wraps source with a TTL cache.
func NewCached(source Source, ttl time.Duration) *Cached {
	return &Cached{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GetScenario(ctx context.Context, id string) (*job.Scenario, error) {
	key := "scenario/" + id
	if v, ok := c.cache.Get(key); ok {
		return cloneScenario(v.(*job.Scenario)), nil
	}
	s, err := c.source.GetScenario(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, cloneScenario(s))
	return s, nil
}

func (c *Cached) GetConfiguration(ctx context.Context, id string) (*job.Configuration, error) {
	key := "configuration/" + id
	if v, ok := c.cache.Get(key); ok {
		return cloneConfiguration(v.(*job.Configuration)), nil
	}
	cfg, err := c.source.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, cloneConfiguration(cfg))
	return cfg, nil
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() {
	c.cache.Flush()
}

var _ Source = (*Cached)(nil)
