// internal/realtime/hub.go
package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shieldchat/presence/internal/log"
	"github.com/shieldchat/presence/internal/observability"
	"github.com/shieldchat/presence/internal/presence"
)

// Hub owns the presence store and the connection registry.
//
// Every handler invocation, disconnect and sweep runs with mu held, from
// the store write through snapshot and enqueue. That gives each channel a
// single, ordered stream of snapshots without a dedicated goroutine.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Conn // connID -> Conn

	store      *presence.Store
	ttl        time.Duration
	sendBuffer int
	now        func() time.Time
	metrics    *observability.Metrics
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	Records     int `json:"records"`
}

// NewHub creates a Hub around store. Records idle longer than ttl are
// removed by Sweep. metrics may be nil.
func NewHub(store *presence.Store, ttl time.Duration, metrics *observability.Metrics) *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		store:      store,
		ttl:        ttl,
		sendBuffer: defaultSendBuffer,
		now:        time.Now,
		metrics:    metrics,
	}
}

// Store returns the presence store.
func (h *Hub) Store() *presence.Store {
	return h.store
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Connections: len(h.conns),
		Channels:    h.store.Channels(),
		Records:     h.store.Len(),
	}
}

// registerConn adds a connection with no identity and no subscriptions.
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
	h.metrics.ConnOpened(context.Background())
}

// Handle applies one inbound message from conn.
func (h *Hub) Handle(conn *Conn, env *Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	h.metrics.Message(context.Background(), env.Type)

	switch env.Type {
	case TypeIdentify:
		conn.identity = env.Identity
		log.Debug("realtime: identify", log.KeyConnID, conn.id, log.KeyIdentity, env.Identity)

	case TypeSubscribe:
		if env.ChannelID == "" {
			return
		}
		conn.channels[env.ChannelID] = struct{}{}
		// late joiners get the current state without waiting for a change
		if records, ok := h.store.Snapshot(env.ChannelID); ok {
			if data, err := NewPresenceUpdate(env.ChannelID, records).Encode(); err == nil {
				h.deliver(conn, data)
			}
		}

	case TypeUnsubscribe:
		delete(conn.channels, env.ChannelID)

	case TypeSetTyping:
		if conn.identity == "" || env.ChannelID == "" || env.IsTyping == nil {
			return
		}
		typing := *env.IsTyping
		h.store.Upsert(env.ChannelID, conn.identity, h.now(), func(r *presence.Record) {
			r.IsTyping = typing
		})
		h.broadcastLocked(env.ChannelID)

	case TypeSetOnline:
		if conn.identity == "" || env.ChannelID == "" || env.IsOnline == nil {
			return
		}
		online := *env.IsOnline
		h.store.Upsert(env.ChannelID, conn.identity, h.now(), func(r *presence.Record) {
			r.IsOnline = online
		})
		h.broadcastLocked(env.ChannelID)

	case TypeMarkRead:
		if conn.identity == "" || env.ChannelID == "" || env.MessageNumber == nil {
			return
		}
		n := *env.MessageNumber
		h.store.Upsert(env.ChannelID, conn.identity, h.now(), func(r *presence.Record) {
			r.LastReadMessage = n
		})
		h.broadcastLocked(env.ChannelID)

	case TypeHeartbeat:
		if conn.identity == "" {
			return
		}
		now := h.now()
		for channelID := range conn.channels {
			h.store.Upsert(channelID, conn.identity, now, func(r *presence.Record) {
				r.IsOnline = true
			})
		}

	default:
		log.Debug("realtime: unknown message type", log.KeyConnID, conn.id, "type", env.Type)
	}
}

// Disconnect removes conn from the registry. If it had identified, every
// channel it was subscribed to sees that identity go offline and not
// typing. Records elsewhere are left for the reaper.
func (h *Hub) Disconnect(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.id]; !ok {
		return
	}
	delete(h.conns, conn.id)
	h.metrics.ConnClosed(context.Background())

	if conn.identity == "" {
		return
	}
	now := h.now()
	for _, channelID := range sortedChannels(conn.channels) {
		h.store.Upsert(channelID, conn.identity, now, func(r *presence.Record) {
			r.IsOnline = false
			r.IsTyping = false
		})
		h.broadcastLocked(channelID)
	}
	log.Debug("realtime: disconnected", log.KeyConnID, conn.id, log.KeyIdentity, conn.identity,
		"channels", len(conn.channels))
}

// Sweep evicts records idle longer than the TTL, drops channels left
// empty and rebroadcasts channels that lost members but still exist.
func (h *Hub) Sweep() []presence.Eviction {
	h.mu.Lock()
	defer h.mu.Unlock()

	evictions := h.store.Evict(h.now(), h.ttl)
	for _, ev := range evictions {
		h.metrics.Evicted(context.Background(), len(ev.Evicted))
		if ev.Removed {
			continue
		}
		h.broadcastLocked(ev.ChannelID)
	}
	return evictions
}

// Broadcast pushes the current snapshot of channelID to its subscribers.
func (h *Hub) Broadcast(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(channelID)
}

// broadcastLocked encodes the channel snapshot once and enqueues it on
// every subscribed connection. Caller must hold mu.
func (h *Hub) broadcastLocked(channelID string) {
	records, ok := h.store.Snapshot(channelID)
	if !ok {
		return
	}
	data, err := NewPresenceUpdate(channelID, records).Encode()
	if err != nil {
		log.Warn("realtime: encode presence update", log.KeyChannelID, channelID, "error", err.Error())
		return
	}

	h.metrics.Broadcast(context.Background())
	for _, conn := range h.conns {
		if _, subscribed := conn.channels[channelID]; !subscribed {
			continue
		}
		h.deliver(conn, data)
	}
}

func (h *Hub) deliver(conn *Conn, data []byte) {
	if reason := conn.enqueue(data); reason != "" {
		h.metrics.Dropped(context.Background(), reason)
		log.Debug("realtime: frame dropped", log.KeyConnID, conn.id, "reason", reason)
	}
}

func sortedChannels(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
