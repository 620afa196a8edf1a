package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/connection"
	"github.com/bidloop/realtime/internal/model"
	"github.com/bidloop/realtime/internal/router"
)

const (
	// DefaultPingInterval is the messaging heartbeat, slower than bidding.
	DefaultPingInterval = 25 * time.Second

	// TypingIdle is how long after the last keystroke TYPING_STOP is sent.
	TypingIdle = 3 * time.Second

	// TypingExpiry clears a remote typing indicator when no stop arrives.
	TypingExpiry = 5 * time.Second
)

// ErrEmptyMessage is returned by SendMessage for blank content.
var ErrEmptyMessage = errors.New("empty message")

// Config configures a messaging Channel.
type Config struct {
	Origin         string
	ConversationID string
	UserID         string
	Session        connection.SessionConfig
}

// Channel keeps the thread state of one conversation.
type Channel struct {
	cfg     Config
	opts    []connection.SessionOption
	session *connection.Session
	base    *slog.Logger
	logger  *slog.Logger

	mu           sync.RWMutex
	thread       model.MessageThread
	remoteTyping func() // cancels the remote typing expiry
	localTyping  func() // cancels the pending TYPING_STOP
	remoteSeq    uint64
	localSeq     uint64
}

// New creates a messaging channel.
func New(cfg Config, logger *slog.Logger, opts ...connection.SessionOption) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	scfg := cfg.Session
	if scfg.Name == "" {
		scfg.Name = "messaging"
	}
	if scfg.PingInterval == 0 {
		scfg.PingInterval = DefaultPingInterval
	}
	query := url.Values{}
	if cfg.UserID != "" {
		query.Set("user_id", cfg.UserID)
	}
	scfg.Client.URL = api.ChannelURL(cfg.Origin, api.MessagingPath(cfg.ConversationID), query)

	c := &Channel{
		cfg:    cfg,
		opts:   opts,
		base:   logger,
		logger: logger.With("conversation_id", cfg.ConversationID),
	}
	c.session = connection.NewSession(scfg, append([]connection.SessionOption{connection.WithLogger(c.logger)}, opts...)...)

	c.session.Handle(router.TypeNewMessage, c.handleNewMessage)
	c.session.Handle(router.TypeMessageSent, c.handleMessageSent)
	c.session.Handle(router.TypeTypingStatus, c.handleTypingStatus)
	c.session.Handle(router.TypeReadReceipt, c.handleReadReceipt)
	c.session.Handle(router.TypeUserStatus, c.handleUserStatus)

	return c
}

// ConversationID returns the conversation this channel follows.
func (c *Channel) ConversationID() string {
	return c.cfg.ConversationID
}

// Start opens the channel.
func (c *Channel) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Close tears the channel down, including typing timers.
func (c *Channel) Close() error {
	return c.session.Close()
}

// Switch closes this channel and starts one for another conversation.
func (c *Channel) Switch(ctx context.Context, conversationID string) (*Channel, error) {
	if err := c.Close(); err != nil {
		return nil, err
	}
	cfg := c.cfg
	cfg.ConversationID = conversationID
	next := New(cfg, c.base, c.opts...)
	if err := next.Start(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Channel) Events() <-chan connection.Event {
	return c.session.Events()
}

func (c *Channel) State() connection.State {
	return c.session.State()
}

func (c *Channel) Stats() connection.SessionStats {
	return c.session.Stats()
}

// Thread returns a copy of the conversation state.
func (c *Channel) Thread() model.MessageThread {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thread.Clone()
}

// Seed loads history fetched elsewhere. Messages already present are kept.
func (c *Channel) Seed(history []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range history {
		c.thread.Append(m)
	}
}

// -----------------------------------------------------------------------------
// Outbound
// -----------------------------------------------------------------------------

type sendFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

type typingFrame struct {
	Type string `json:"type"`
}

type markReadFrame struct {
	Type       string     `json:"type"`
	MessageIDs []model.ID `json:"message_ids,omitempty"`
}

// SendMessage appends a pending message and sends it. The pending entry is
// replaced when MESSAGE_SENT echoes the returned client id.
func (c *Channel) SendMessage(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}

	clientID := model.NewClientID()

	// The placeholder goes in first: MESSAGE_SENT can reach the loop before
	// Send returns.
	c.mu.Lock()
	c.thread.Append(model.Message{
		ClientID:  clientID,
		SenderID:  model.ID(c.cfg.UserID),
		Content:   content,
		CreatedAt: c.session.Clock().Now(),
		Pending:   true,
	})
	c.mu.Unlock()

	if err := c.session.Send(sendFrame{Type: router.TypeSendMessage, Content: content, ClientID: clientID}); err != nil {
		c.mu.Lock()
		c.thread.RemovePending(clientID)
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	if c.localTyping != nil {
		c.localTyping()
		c.localTyping = nil
	}
	c.mu.Unlock()

	return clientID, nil
}

// StartTyping sends TYPING_START on the first keystroke and re-arms the
// idle timer on every call. TYPING_STOP follows after TypingIdle.
func (c *Channel) StartTyping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localTyping == nil {
		if err := c.session.Send(typingFrame{Type: router.TypeTypingStart}); err != nil {
			return err
		}
	} else {
		c.localTyping()
	}

	c.localSeq++
	seq := c.localSeq
	c.localTyping = c.session.Schedule(TypingIdle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.localTyping == nil || c.localSeq != seq {
			return
		}
		c.localTyping = nil
		if err := c.session.Send(typingFrame{Type: router.TypeTypingStop}); err != nil {
			c.logger.Debug("typing stop not sent", "error", err)
		}
	})
	return nil
}

// StopTyping sends TYPING_STOP now if typing was announced.
func (c *Channel) StopTyping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localTyping == nil {
		return nil
	}
	c.localTyping()
	c.localTyping = nil
	return c.session.Send(typingFrame{Type: router.TypeTypingStop})
}

// MarkRead sends MARK_READ for ids (all unread when empty) and zeroes the
// local unread count.
func (c *Channel) MarkRead(ids ...model.ID) error {
	if err := c.session.Send(markReadFrame{Type: router.TypeMarkRead, MessageIDs: ids}); err != nil {
		return err
	}

	c.mu.Lock()
	c.thread.MarkRead(ids, model.ID(c.cfg.UserID))
	c.thread.UnreadCount = 0
	c.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Inbound
// -----------------------------------------------------------------------------

type wireMessage struct {
	ID        model.ID `json:"id"`
	SenderID  model.ID `json:"sender_id"`
	Content   string   `json:"content"`
	CreatedAt string   `json:"created_at"`
	IsRead    bool     `json:"is_read"`
}

func (w wireMessage) message() model.Message {
	m := model.Message{ID: w.ID, SenderID: w.SenderID, Content: w.Content, IsRead: w.IsRead}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		m.CreatedAt = t
	}
	return m
}

type messageFrame struct {
	Message  *wireMessage `json:"message"`
	ClientID string       `json:"client_id"`
	wireMessage
}

func decodeMessage(f router.Frame) (model.Message, string, error) {
	var mf messageFrame
	if err := router.Decode(f, &mf); err != nil {
		return model.Message{}, "", err
	}
	w := mf.wireMessage
	if mf.Message != nil {
		w = *mf.Message
	}
	if w.ID == "" {
		return model.Message{}, "", fmt.Errorf("decode %s: missing message id", f.Type)
	}
	return w.message(), mf.ClientID, nil
}

func (c *Channel) fromOther(id model.ID) bool {
	return id != "" && id != model.ID(c.cfg.UserID)
}

func (c *Channel) handleNewMessage(f router.Frame) error {
	m, _, err := decodeMessage(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.thread.Append(m) {
		return nil
	}
	if c.fromOther(m.SenderID) {
		if !m.IsRead {
			c.thread.UnreadCount++
		}
		c.clearRemoteTyping()
	}
	return nil
}

func (c *Channel) handleMessageSent(f router.Frame) error {
	m, clientID, err := decodeMessage(f)
	if err != nil {
		return err
	}
	if m.SenderID == "" {
		m.SenderID = model.ID(c.cfg.UserID)
	}

	c.mu.Lock()
	c.thread.Confirm(clientID, m)
	c.mu.Unlock()
	return nil
}

type typingStatus struct {
	UserID   model.ID `json:"user_id"`
	IsTyping bool     `json:"is_typing"`
}

func (c *Channel) handleTypingStatus(f router.Frame) error {
	var ts typingStatus
	if err := router.Decode(f, &ts); err != nil {
		return err
	}
	if !c.fromOther(ts.UserID) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !ts.IsTyping {
		c.clearRemoteTyping()
		return nil
	}

	if c.remoteTyping != nil {
		c.remoteTyping()
	}
	c.thread.OtherUserTyping = true

	c.remoteSeq++
	seq := c.remoteSeq
	c.remoteTyping = c.session.Schedule(TypingExpiry, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.remoteSeq == seq {
			c.clearRemoteTyping()
		}
	})
	return nil
}

// clearRemoteTyping must be called with c.mu held.
func (c *Channel) clearRemoteTyping() {
	if c.remoteTyping != nil {
		c.remoteTyping()
		c.remoteTyping = nil
	}
	c.thread.OtherUserTyping = false
}

type readReceipt struct {
	MessageIDs []model.ID `json:"message_ids"`
	ReaderID   model.ID   `json:"reader_id"`
}

func (c *Channel) handleReadReceipt(f router.Frame) error {
	var rr readReceipt
	if err := router.Decode(f, &rr); err != nil {
		return err
	}
	if !c.fromOther(rr.ReaderID) {
		return nil
	}

	c.mu.Lock()
	n := c.thread.MarkRead(rr.MessageIDs, rr.ReaderID)
	c.mu.Unlock()

	c.logger.Debug("read receipt", "reader_id", rr.ReaderID, "marked", n)
	return nil
}

type userStatus struct {
	UserID   model.ID `json:"user_id"`
	IsOnline *bool    `json:"is_online"`
	Status   string   `json:"status"`
}

func (c *Channel) handleUserStatus(f router.Frame) error {
	var us userStatus
	if err := router.Decode(f, &us); err != nil {
		return err
	}
	if !c.fromOther(us.UserID) {
		return nil
	}

	online := us.Status == "online"
	if us.IsOnline != nil {
		online = *us.IsOnline
	}

	c.mu.Lock()
	c.thread.OtherUserOnline = online
	if !online {
		c.clearRemoteTyping()
	}
	c.mu.Unlock()
	return nil
}
