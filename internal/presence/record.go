// Package presence holds the in-memory presence record store: per channel,
// the latest typing/online/read state of every identity seen there.
package presence

import (
	"encoding/json"
	"time"
)

// Record is one identity's presence within one channel.
type Record struct {
	Identity        string
	ChannelID       string
	IsTyping        bool
	IsOnline        bool
	LastSeen        time.Time
	LastReadMessage int64
}

// wireRecord is the JSON shape clients see. lastSeen is unix milliseconds.
type wireRecord struct {
	Identity        string `json:"wallet"`
	ChannelID       string `json:"channelId"`
	IsTyping        bool   `json:"isTyping"`
	IsOnline        bool   `json:"isOnline"`
	LastSeen        int64  `json:"lastSeen"`
	LastReadMessage int64  `json:"lastReadMessage"`
}

// MarshalJSON encodes the record in wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Identity:        r.Identity,
		ChannelID:       r.ChannelID,
		IsTyping:        r.IsTyping,
		IsOnline:        r.IsOnline,
		LastReadMessage: r.LastReadMessage,
	}
	if !r.LastSeen.IsZero() {
		w.LastSeen = r.LastSeen.UnixMilli()
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire format record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Identity:        w.Identity,
		ChannelID:       w.ChannelID,
		IsTyping:        w.IsTyping,
		IsOnline:        w.IsOnline,
		LastReadMessage: w.LastReadMessage,
	}
	if w.LastSeen != 0 {
		r.LastSeen = time.UnixMilli(w.LastSeen)
	}
	return nil
}

// newRecord returns the default state for a record created on first write.
func newRecord(channelID, identity string) Record {
	return Record{
		Identity:  identity,
		ChannelID: channelID,
		IsOnline:  true,
	}
}
