package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ID is a backend identifier. The backend emits ids as JSON strings or
// numbers depending on the endpoint; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// IDFromInt formats a numeric id.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// -----------------------------------------------------------------------------
// Bidding
// -----------------------------------------------------------------------------

// Snapshot sources.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// BidSnapshot is the latest known bidding state of one listing.
type BidSnapshot struct {
	ListingID       string
	CurrentPrice    decimal.Decimal
	BidCount        int
	HighestBidderID ID
	BidStatus       string  // Backend status, e.g. "active", "ended", "sold"
	AuctionEndEpoch float64 // Unix seconds; 0 when unknown
	AuctionEndTime  string  // ISO end time, used when no epoch was sent

	ServerTimeOffset time.Duration // Server minus local clock
	OffsetKnown      bool

	Source    string    // SourcePush or SourcePoll
	UpdatedAt time.Time // Local receive time of the last applied frame
}

// HasEnd reports whether any form of end time is known.
func (b BidSnapshot) HasEnd() bool {
	return b.AuctionEndEpoch > 0 || b.AuctionEndTime != ""
}

// Listing is the REST representation used by fallback polling.
type Listing struct {
	ID              ID              `json:"id"`
	Title           string          `json:"title"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	BidCount        int             `json:"bid_count"`
	HighestBidderID ID              `json:"highest_bidder_id"`
	Status          string          `json:"status"`
	AuctionEndTime  string          `json:"auction_end_time"`
	AuctionEndEpoch *float64        `json:"auction_end_epoch,omitempty"`
	ServerTimeEpoch *float64        `json:"server_time_epoch,omitempty"`
}

// -----------------------------------------------------------------------------
// Messaging
// -----------------------------------------------------------------------------

// Message is one chat message in a conversation.
type Message struct {
	ID        ID
	ClientID  string // Set on optimistic sends until the server confirms
	SenderID  ID
	Content   string
	CreatedAt time.Time
	IsRead    bool
	Pending   bool
}

// NewClientID returns an id for correlating an optimistic send with its
// MESSAGE_SENT confirmation.
func NewClientID() string {
	return uuid.NewString()
}

// MessageThread is the derived state of one conversation.
type MessageThread struct {
	Messages        []Message
	OtherUserOnline bool
	OtherUserTyping bool
	UnreadCount     int
}

// Contains reports whether a message with id is present.
func (t *MessageThread) Contains(id ID) bool {
	if id == "" {
		return false
	}
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// Append adds m unless a message with the same id is already present.
// Insertion order is preserved.
func (t *MessageThread) Append(m Message) bool {
	if t.Contains(m.ID) {
		return false
	}
	t.Messages = append(t.Messages, m)
	return true
}

// Confirm replaces the pending message with clientID by the server's copy.
// When no pending message matches, m is appended (deduplicated).
func (t *MessageThread) Confirm(clientID string, m Message) bool {
	if clientID != "" {
		for i := range t.Messages {
			if t.Messages[i].Pending && t.Messages[i].ClientID == clientID {
				if t.Contains(m.ID) {
					// Already delivered via NEW_MESSAGE; drop the placeholder.
					t.Messages = append(t.Messages[:i], t.Messages[i+1:]...)
					return true
				}
				m.ClientID = clientID
				m.Pending = false
				t.Messages[i] = m
				return true
			}
		}
	}
	return t.Append(m)
}

// RemovePending drops the unconfirmed message with clientID.
func (t *MessageThread) RemovePending(clientID string) bool {
	for i := range t.Messages {
		if t.Messages[i].Pending && t.Messages[i].ClientID == clientID {
			t.Messages = append(t.Messages[:i], t.Messages[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRead flags messages as read in place. An empty ids list marks every
// message not sent by exclude. It returns the number of messages changed.
func (t *MessageThread) MarkRead(ids []ID, exclude ID) int {
	want := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	changed := 0
	for i := range t.Messages {
		m := &t.Messages[i]
		if m.IsRead {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[m.ID]; !ok {
				continue
			}
		} else if m.SenderID == exclude {
			continue
		}
		m.IsRead = true
		changed++
	}
	return changed
}

// Clone returns a deep copy.
func (t MessageThread) Clone() MessageThread {
	c := t
	c.Messages = append([]Message(nil), t.Messages...)
	return c
}
