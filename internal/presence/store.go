// internal/presence/store.go
package presence

import (
	"sort"
	"sync"
	"time"
)

// Store holds presence records keyed by channel, then identity.
//
// The store guards its own maps, but callers that need a write and the
// following snapshot to be observed together must serialize them
// themselves (the realtime hub does).
type Store struct {
	mu       sync.RWMutex
	channels map[string]map[string]Record // channelID -> identity -> record
}

// Eviction describes what a sweep did to one channel.
type Eviction struct {
	ChannelID string
	Evicted   []string // identities removed
	Removed   bool     // channel set became empty and was dropped
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{channels: make(map[string]map[string]Record)}
}

// Upsert reads the record for (channelID, identity), or its default if
// absent, applies mutate, stamps LastSeen with now and writes the whole
// record back. The channel set is created on first write.
func (s *Store) Upsert(channelID, identity string, now time.Time, mutate func(*Record)) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.channels[channelID]
	if !ok {
		set = make(map[string]Record)
		s.channels[channelID] = set
	}

	rec, ok := set[identity]
	if !ok {
		rec = newRecord(channelID, identity)
	}
	if mutate != nil {
		mutate(&rec)
	}
	// identity fields are not caller-writable
	rec.Identity = identity
	rec.ChannelID = channelID
	rec.LastSeen = now

	set[identity] = rec
	return rec
}

// Get returns a single record.
func (s *Store) Get(channelID, identity string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.channels[channelID][identity]
	return rec, ok
}

// HasChannel reports whether the store holds a presence set for channelID.
func (s *Store) HasChannel(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channelID]
	return ok
}

// Snapshot returns a copy of every record in the channel, ordered by
// identity. The bool is false when the channel does not exist.
func (s *Store) Snapshot(channelID string) ([]Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.channels[channelID]
	if !ok {
		return nil, false
	}
	records := make([]Record, 0, len(set))
	for _, rec := range set {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity < records[j].Identity
	})
	return records, true
}

// Evict removes every record whose LastSeen is more than ttl before now,
// then drops channels left empty. Only channels that lost a record are
// reported.
func (s *Store) Evict(now time.Time, ttl time.Duration) []Eviction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Eviction
	for channelID, set := range s.channels {
		var evicted []string
		for identity, rec := range set {
			if now.Sub(rec.LastSeen) > ttl {
				delete(set, identity)
				evicted = append(evicted, identity)
			}
		}
		if len(evicted) == 0 {
			continue
		}
		sort.Strings(evicted)
		ev := Eviction{ChannelID: channelID, Evicted: evicted}
		if len(set) == 0 {
			delete(s.channels, channelID)
			ev.Removed = true
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Channels returns the number of channel sets held.
func (s *Store) Channels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Len returns the total number of records across all channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.channels {
		n += len(set)
	}
	return n
}
