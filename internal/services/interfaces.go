package services

import (
	"context"
	"sync"

	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

// FrameSender delivers frames over the supervised connection. Sends while
// the link is down fail with wsclient.ErrNotOpen, at which point services
// fall back to the offline queue.
type FrameSender interface {
	Send(frame models.Frame) error
	State() wsclient.State
}

// OfflineStore captures events for later delivery when the link is down.
type OfflineStore interface {
	Enqueue(ctx context.Context, kind string, payload any) error
}

// LocationCache shares the most recent GPS fix between the location service
// (writer) and the status service (reader).
type LocationCache struct {
	mu  sync.RWMutex
	fix *models.GPSFix
}

// NewLocationCache creates an empty cache.
func NewLocationCache() *LocationCache {
	return &LocationCache{}
}

// Set stores the latest fix.
func (c *LocationCache) Set(fix models.GPSFix) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fix = &fix
}

// Get returns the latest fix, or nil when none has been recorded yet.
func (c *LocationCache) Get() *models.GPSFix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fix == nil {
		return nil
	}
	fix := *c.fix
	return &fix
}
