// Package realtime implements the presence synchronization protocol: a
// WebSocket hub where clients subscribe to channels and receive full
// presence snapshots whenever a channel's typing, online or read state
// changes.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shieldchat/presence/internal/presence"
)

// Client message types
const (
	TypeIdentify    = "identify"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSetTyping   = "set_typing"
	TypeSetOnline   = "set_online"
	TypeMarkRead    = "mark_read"
	TypeHeartbeat   = "heartbeat"
)

// Server message types
const (
	TypePresenceUpdate = "presence_update"
)

// Envelope is an inbound client message. Optional fields are pointers so
// an absent value can be told apart from a zero value.
type Envelope struct {
	Type          string `json:"type"`
	Identity      string `json:"wallet,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	IsTyping      *bool  `json:"isTyping,omitempty"`
	IsOnline      *bool  `json:"isOnline,omitempty"`
	MessageNumber *int64 `json:"messageNumber,omitempty"`
}

// ErrMissingType is returned for JSON objects without a type discriminator.
var ErrMissingType = errors.New("message has no type")

// DecodeEnvelope parses one inbound frame. The identity is taken from
// "wallet", falling back to "identity".
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var raw struct {
		Envelope
		AltIdentity string `json:"identity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if raw.Type == "" {
		return nil, ErrMissingType
	}
	env := raw.Envelope
	if env.Identity == "" {
		env.Identity = raw.AltIdentity
	}
	return &env, nil
}

// Encode serializes an envelope to JSON bytes.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Identify builds an identify message.
func Identify(identity string) *Envelope {
	return &Envelope{Type: TypeIdentify, Identity: identity}
}

// Subscribe builds a subscribe message.
func Subscribe(channelID string) *Envelope {
	return &Envelope{Type: TypeSubscribe, ChannelID: channelID}
}

// Unsubscribe builds an unsubscribe message.
func Unsubscribe(channelID string) *Envelope {
	return &Envelope{Type: TypeUnsubscribe, ChannelID: channelID}
}

// SetTyping builds a set_typing message.
func SetTyping(channelID string, typing bool) *Envelope {
	return &Envelope{Type: TypeSetTyping, ChannelID: channelID, IsTyping: &typing}
}

// SetOnline builds a set_online message.
func SetOnline(channelID string, online bool) *Envelope {
	return &Envelope{Type: TypeSetOnline, ChannelID: channelID, IsOnline: &online}
}

// MarkRead builds a mark_read message.
func MarkRead(channelID string, messageNumber int64) *Envelope {
	return &Envelope{Type: TypeMarkRead, ChannelID: channelID, MessageNumber: &messageNumber}
}

// Heartbeat builds a heartbeat message.
func Heartbeat() *Envelope {
	return &Envelope{Type: TypeHeartbeat}
}

// PresenceUpdate is the only message the server sends: the full snapshot
// of one channel.
type PresenceUpdate struct {
	Type      string            `json:"type"`
	ChannelID string            `json:"channelId"`
	Presences []presence.Record `json:"presences"`
}

// NewPresenceUpdate wraps a channel snapshot.
func NewPresenceUpdate(channelID string, records []presence.Record) *PresenceUpdate {
	if records == nil {
		records = []presence.Record{}
	}
	return &PresenceUpdate{
		Type:      TypePresenceUpdate,
		ChannelID: channelID,
		Presences: records,
	}
}

// Encode serializes the update to JSON bytes.
func (u *PresenceUpdate) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodePresenceUpdate parses a server frame. Frames of any other type
// are rejected.
func DecodePresenceUpdate(data []byte) (*PresenceUpdate, error) {
	var u PresenceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("invalid presence update: %w", err)
	}
	if u.Type != TypePresenceUpdate {
		return nil, fmt.Errorf("unexpected message type %q", u.Type)
	}
	if u.Presences == nil {
		u.Presences = []presence.Record{}
	}
	return &u, nil
}
