// internal/realtime/realtime.go
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/shieldchat/presence/internal/observability"
	"github.com/shieldchat/presence/internal/presence"
)

const (
	// DefaultTTL is how long a record may go without a write before it is evicted.
	DefaultTTL = 30 * time.Second

	// DefaultSweepInterval is how often the reaper runs.
	DefaultSweepInterval = 30 * time.Second
)

// Service provides realtime functionality
type Service struct {
	hub    *Hub
	reaper *Reaper

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds realtime configuration
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SendBuffer    int // per-connection outbound queue length
}

// NewService creates a new realtime service. metrics may be nil.
func NewService(cfg Config, metrics *observability.Metrics) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	hub := NewHub(presence.NewStore(), cfg.TTL, metrics)
	if cfg.SendBuffer > 0 {
		hub.sendBuffer = cfg.SendBuffer
	}
	return &Service{
		hub:    hub,
		reaper: NewReaper(hub, cfg.SweepInterval),
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// Start launches the reaper. It stops when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.reaper.Run(ctx)
	}(s.done)
}

// Stop halts the reaper and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
