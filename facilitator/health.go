package facilitator

import (
	"context"
	"sync"
	"time"
)

// healthCacheTTL is how long a probe result is reused before the
// facilitator is contacted again.
const healthCacheTTL = 60 * time.Second

type healthCache struct {
	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

// Healthy probes the facilitator's /supported endpoint and reports whether
// it answered. Results are cached for 60 seconds so health endpoints and
// monitors don't hammer the facilitator.
func (c *Client) Healthy(ctx context.Context) bool {
	c.health.mu.Lock()
	defer c.health.mu.Unlock()

	if time.Since(c.health.checkedAt) < healthCacheTTL {
		return c.health.healthy
	}

	_, err := c.Supported(ctx)
	c.health.healthy = err == nil
	c.health.checkedAt = time.Now()
	return c.health.healthy
}
