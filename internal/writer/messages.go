package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bidloop/realtime/internal/model"
)

const messageTable = "chat_messages"

type messageRow struct {
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	CreatedAt      *time.Time
	ReceivedAt     time.Time
}

// MessageWriter records confirmed chat messages.
type MessageWriter struct {
	w *batchWriter[messageRow]
}

// NewMessageWriter creates a MessageWriter.
func NewMessageWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *MessageWriter {
	return &MessageWriter{w: newBatchWriter(messageTable, cfg, db, logger, queueMessage)}
}

func (m *MessageWriter) SetObserver(o Observer) {
	if o != nil {
		m.w.observer = o
	}
}

func (m *MessageWriter) Start(ctx context.Context) error {
	m.w.start(ctx)
	return nil
}

func (m *MessageWriter) Stop(ctx context.Context) error {
	m.w.stop(ctx)
	return nil
}

// WriteThread queues every confirmed message of a thread. Pending messages
// have no server id yet and are skipped; repeats are collapsed by the
// primary key. It returns the number of rows queued.
func (m *MessageWriter) WriteThread(conversationID string, th model.MessageThread, now time.Time) int {
	n := 0
	for _, msg := range th.Messages {
		if msg.Pending || msg.ID == "" {
			continue
		}
		if m.w.enqueue(transformMessage(conversationID, msg, now)) {
			n++
		}
	}
	return n
}

func (m *MessageWriter) Stats() WriterMetrics {
	return m.w.stats()
}

func transformMessage(conversationID string, msg model.Message, now time.Time) messageRow {
	row := messageRow{
		ConversationID: conversationID,
		MessageID:      msg.ID.String(),
		SenderID:       msg.SenderID.String(),
		Content:        msg.Content,
		ReceivedAt:     now,
	}
	if !msg.CreatedAt.IsZero() {
		t := msg.CreatedAt
		row.CreatedAt = &t
	}
	return row
}

func queueMessage(b *pgx.Batch, r messageRow) {
	b.Queue(`
		INSERT INTO chat_messages (conversation_id, message_id, sender_id, content, created_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, message_id) DO NOTHING
	`, r.ConversationID, r.MessageID, r.SenderID, r.Content, r.CreatedAt, r.ReceivedAt)
}
