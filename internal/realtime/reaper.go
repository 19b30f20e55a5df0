package realtime

import (
	"context"
	"time"
)

// Reaper periodically sweeps stale presence records out of a hub.
type Reaper struct {
	hub      *Hub
	interval time.Duration
}

// NewReaper creates a reaper that sweeps hub every interval.
func NewReaper(hub *Hub, interval time.Duration) *Reaper {
	return &Reaper{hub: hub, interval: interval}
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.hub.Sweep()
		}
	}
}
