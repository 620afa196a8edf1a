// Package notify follows a user's notification socket and counts unread
// messages per conversation.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/model"
	"github.com/bidloop/realtime/internal/router"
)

// Config configures a Feed.
type Config struct {
	Origin  string
	UserID  string
	Session connection.SessionConfig
}

// Summary is a copy of the unread counters.
type Summary struct {
	Total          int
	ByConversation map[string]int
}

// Feed counts NEW_MESSAGE notifications addressed to one user.
type Feed struct {
	cfg     Config
	session *connection.Session
	logger  *slog.Logger

	mu     sync.RWMutex
	unread map[string]int
	seen   map[model.ID]struct{}
}

// New creates a notification feed.
func New(cfg Config, logger *slog.Logger, opts ...connection.SessionOption) *Feed {
	if logger == nil {
		logger = slog.Default()
	}

	scfg := cfg.Session
	if scfg.Name == "" {
		scfg.Name = "notify"
	}
	scfg.Client.URL = api.ChannelURL(cfg.Origin, api.NotificationsPath(cfg.UserID), nil)

	f := &Feed{
		cfg:    cfg,
		logger: logger.With("user_id", cfg.UserID),
		unread: make(map[string]int),
		seen:   make(map[model.ID]struct{}),
	}
	f.session = connection.NewSession(scfg, append([]connection.SessionOption{connection.WithLogger(f.logger)}, opts...)...)
	f.session.Handle(router.TypeNewMessage, f.handleNewMessage)
	return f
}

func (f *Feed) Start(ctx context.Context) error {
	return f.session.Start(ctx)
}

func (f *Feed) Close() error {
	return f.session.Close()
}

func (f *Feed) Events() <-chan connection.Event {
	return f.session.Events()
}

func (f *Feed) State() connection.State {
	return f.session.State()
}

func (f *Feed) Stats() connection.SessionStats {
	return f.session.Stats()
}

// Unread returns the current counters.
func (f *Feed) Unread() Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Summary{ByConversation: make(map[string]int, len(f.unread))}
	for k, n := range f.unread {
		s.ByConversation[k] = n
		s.Total += n
	}
	return s
}

// MarkSeen clears the counter of one conversation, or all of them when
// conversationID is empty.
func (f *Feed) MarkSeen(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversationID == "" {
		clear(f.unread)
		return
	}
	delete(f.unread, conversationID)
}

type notification struct {
	ConversationID model.ID `json:"conversation_id"`
	SenderID       model.ID `json:"sender_id"`
	SenderName     string   `json:"sender_name"`
	Message        *struct {
		ID       model.ID `json:"id"`
		SenderID model.ID `json:"sender_id"`
		Content  string   `json:"content"`
	} `json:"message"`
}

func (f *Feed) handleNewMessage(fr router.Frame) error {
	var n notification
	if err := router.Decode(fr, &n); err != nil {
		return err
	}

	sender := n.SenderID
	var id model.ID
	if n.Message != nil {
		id = n.Message.ID
		if sender == "" {
			sender = n.Message.SenderID
		}
	}
	if sender != "" && sender == model.ID(f.cfg.UserID) {
		return nil
	}

	f.mu.Lock()
	if id != "" {
		if _, dup := f.seen[id]; dup {
			f.mu.Unlock()
			return nil
		}
		f.seen[id] = struct{}{}
	}
	f.unread[n.ConversationID.String()]++
	f.mu.Unlock()

	from := n.SenderName
	if from == "" {
		from = sender.String()
	}
	if from == "" {
		from = "someone"
	}
	f.session.Notify(connection.NoticeInfo, fmt.Sprintf("new message from %s", from))
	return nil
}
