package aggregate

import (
	"sync"
	"time"

	"behaviorwatch/internal/model"
)

// Cooldown rate-limits repeat warning alerts per (session, behavior).
// Disabled when the configured window is zero, which keeps the default
// behavior of one alert per threshold crossing.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) Allow(sessionID string, behavior model.BehaviorType, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	key := sessionID + "|" + string(behavior)
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < window {
			return false
		}
	}
	c.last[key] = now
	return true
}

func (c *Cooldown) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.last {
		if len(key) > len(sessionID) && key[:len(sessionID)] == sessionID && key[len(sessionID)] == '|' {
			delete(c.last, key)
		}
	}
}
