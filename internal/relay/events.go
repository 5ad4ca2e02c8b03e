package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind tags every frame crossing a relay connection.
type EventKind string

const (
	// Inbound kinds (client to relay).
	EventJoin     EventKind = "join"
	EventChat     EventKind = "chat"
	EventReaction EventKind = "reaction"
	EventGift     EventKind = "gift"
	EventLeave    EventKind = "leave"

	// Outbound kinds (relay to client).
	EventWelcome  EventKind = "welcome"
	EventPresence EventKind = "presence"
	EventSystem   EventKind = "system"
	EventError    EventKind = "error"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrEmptyChannel   = errors.New("channel required")
	ErrEmptyUsername  = errors.New("username required")
	ErrEmptyContent   = errors.New("content required")
	ErrEmptyEmoji     = errors.New("emoji required")
	ErrEmptyGift      = errors.New("gift_id and receiver_id required")
)

// Event is the closed set of client events accepted by the router. Exactly
// the fields for the tagged kind are populated; everything else stays zero.
type Event struct {
	Kind       EventKind
	Channel    string // join
	Username   string // join
	Content    string // chat
	Emoji      string // reaction
	GiftID     string // gift
	ReceiverID string // gift
}

type inboundFrame struct {
	Kind       string `json:"kind"`
	Channel    string `json:"channel"`
	Username   string `json:"username"`
	Content    string `json:"content"`
	Emoji      string `json:"emoji"`
	GiftID     string `json:"gift_id"`
	ReceiverID string `json:"receiver_id"`
}

// DecodeEvent validates a raw frame at the transport boundary. Anything that
// does not match a known kind with its required fields is rejected here and
// never reaches the router.
func DecodeEvent(data []byte) (Event, error) {
	var raw inboundFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{Kind: EventKind(raw.Kind)}

	switch ev.Kind {
	case EventJoin:
		if raw.Channel == "" {
			return Event{}, ErrEmptyChannel
		}
		if raw.Username == "" {
			return Event{}, ErrEmptyUsername
		}
		ev.Channel = raw.Channel
		ev.Username = raw.Username

	case EventChat:
		if raw.Content == "" {
			return Event{}, ErrEmptyContent
		}
		ev.Content = raw.Content

	case EventReaction:
		if raw.Emoji == "" {
			return Event{}, ErrEmptyEmoji
		}
		ev.Emoji = raw.Emoji

	case EventGift:
		if raw.GiftID == "" || raw.ReceiverID == "" {
			return Event{}, ErrEmptyGift
		}
		ev.GiftID = raw.GiftID
		ev.ReceiverID = raw.ReceiverID

	case EventLeave:
		// No payload.

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Kind)
	}

	return ev, nil
}

// UserInfo identifies the sender on outbound frames.
type UserInfo struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Gift describes one entry of the gift catalog.
type Gift struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
	Coins int64  `json:"coins"`
}

// GiftBroadcast is the payload fanned out after a successful gift debit.
type GiftBroadcast struct {
	GiftID     string `json:"gift_id"`
	Name       string `json:"name"`
	Emoji      string `json:"emoji"`
	Coins      int64  `json:"coins"`
	ReceiverID string `json:"receiver_id"`
}

// PresenceUpdate is sent to every member after any join or leave.
type PresenceUpdate struct {
	OnlineUsers []string `json:"online_users"`
	ViewerCount int      `json:"viewer_count"`
}

// Frame is an outbound message. Field names are part of the wire contract.
type Frame struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	Channel      string          `json:"channel,omitempty"`
	Sender       *UserInfo       `json:"sender,omitempty"`
	Content      string          `json:"content,omitempty"`
	Emoji        string          `json:"emoji,omitempty"`
	Gift         *GiftBroadcast  `json:"gift,omitempty"`
	Presence     *PresenceUpdate `json:"presence,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         int             `json:"code,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

func newFrame(kind EventKind, channel string) *Frame {
	return &Frame{
		ID:        uuid.NewString(),
		Kind:      kind,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	}
}

func (f *Frame) encode() []byte {
	data, _ := json.Marshal(f)
	return data
}
