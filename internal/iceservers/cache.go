package iceservers

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Cache holds the last successfully fetched credential set. Refreshes are
// last-write-wins; refetching the same credentials twice is harmless.
type Cache struct {
	mu         sync.RWMutex
	servers    []webrtc.ICEServer
	acquiredAt time.Time
}

func NewCache() *Cache {
	return &Cache{}
}

// Get returns the cached servers when they are younger than ttl at now.
func (c *Cache) Get(now time.Time, ttl time.Duration) ([]webrtc.ICEServer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.servers) == 0 || now.Sub(c.acquiredAt) >= ttl {
		return nil, false
	}
	return cloneServers(c.servers), true
}

func (c *Cache) Set(servers []webrtc.ICEServer, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = cloneServers(servers)
	c.acquiredAt = at
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = nil
	c.acquiredAt = time.Time{}
}

// AcquiredAt is the zero time when nothing is cached.
func (c *Cache) AcquiredAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acquiredAt
}

func cloneServers(in []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(in))
	for i, s := range in {
		out[i] = s
		out[i].URLs = append([]string(nil), s.URLs...)
	}
	return out
}
