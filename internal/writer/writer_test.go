package writer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/bidloop/realtime/internal/model"
)

// fakeDB records queued statements. Rows whose key was already inserted
// report zero rows affected, like ON CONFLICT DO NOTHING.
type fakeDB struct {
	mu      sync.Mutex
	key     func(args []any) string
	seen    map[string]bool
	queries []*pgx.QueuedQuery
	batches int
	err     error
}

func newFakeDB(key func([]any) string) *fakeDB {
	return &fakeDB{key: key, seen: make(map[string]bool)}
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++

	res := &fakeResults{err: f.err}
	for _, q := range b.QueuedQueries {
		f.queries = append(f.queries, q)
		k := f.key(q.Arguments)
		res.affected = append(res.affected, !f.seen[k])
		f.seen[k] = true
	}
	return res
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeResults struct {
	affected []bool
	err      error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	ok := r.affected[0]
	r.affected = r.affected[1:]
	if ok {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 0"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

type countingObserver struct {
	mu       sync.Mutex
	rows     map[string]int
	failures int
}

func (o *countingObserver) RowsWritten(table string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rows == nil {
		o.rows = make(map[string]int)
	}
	o.rows[table] += n
}

func (o *countingObserver) WriteFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func bidKey(args []any) string {
	return args[0].(string) + "|" + args[1].(decimal.Decimal).String()
}

func TestBidWriter_Transform(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := transformBid(model.BidSnapshot{
		ListingID:       "42",
		CurrentPrice:    decimal.RequireFromString("125.50"),
		BidCount:        3,
		HighestBidderID: "7",
		BidStatus:       "active",
		AuctionEndEpoch: 1714564800,
		Source:          model.SourcePoll,
		UpdatedAt:       at,
	})

	if row.ListingID != "42" || row.BidCount != 3 || row.HighestBidderID != "7" {
		t.Errorf("row = %+v", row)
	}
	if !row.CurrentPrice.Equal(decimal.RequireFromString("125.5")) {
		t.Errorf("CurrentPrice = %s", row.CurrentPrice)
	}
	if row.AuctionEndEpoch != 1714564800 {
		t.Errorf("AuctionEndEpoch = %v", row.AuctionEndEpoch)
	}
	if !row.ReceivedAt.Equal(at) || row.Source != model.SourcePoll {
		t.Errorf("ReceivedAt/Source = %v/%s", row.ReceivedAt, row.Source)
	}
}

func TestBidWriter_FlushOnBatchSize(t *testing.T) {
	db := newFakeDB(bidKey)
	obs := &countingObserver{}
	w := NewBidWriter(WriterConfig{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	w.SetObserver(obs)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, price := range []string{"10", "11", "11"} {
		w.Write(model.BidSnapshot{ListingID: "42", CurrentPrice: decimal.RequireFromString(price)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for db.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := w.Stats()
	if stats.Inserts != 2 || stats.Conflicts != 1 || stats.Flushes != 1 {
		t.Errorf("stats = %+v, want 2 inserts, 1 conflict, 1 flush", stats)
	}
	if obs.rows[bidTable] != 2 {
		t.Errorf("observer rows = %d, want 2", obs.rows[bidTable])
	}
	if !strings.Contains(db.queries[0].SQL, "ON CONFLICT DO NOTHING") {
		t.Errorf("unexpected SQL: %s", db.queries[0].SQL)
	}
}

func TestBidWriter_StopFlushesPending(t *testing.T) {
	db := newFakeDB(bidKey)
	w := NewBidWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	w.Start(context.Background())

	w.Write(model.BidSnapshot{ListingID: "1", CurrentPrice: decimal.NewFromInt(5)})
	w.Write(model.BidSnapshot{ListingID: "2", CurrentPrice: decimal.NewFromInt(6)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)

	if db.count() != 2 {
		t.Errorf("queries = %d, want 2", db.count())
	}
	if w.Stats().Inserts != 2 {
		t.Errorf("Inserts = %d, want 2", w.Stats().Inserts)
	}
}

func TestBidWriter_FullQueueDrops(t *testing.T) {
	w := NewBidWriter(WriterConfig{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 1}, newFakeDB(bidKey), nil)

	// Not started: nothing drains the queue.
	if !w.Write(model.BidSnapshot{ListingID: "1"}) {
		t.Fatal("first write rejected")
	}
	if w.Write(model.BidSnapshot{ListingID: "1"}) {
		t.Error("second write accepted by a full queue")
	}
	if w.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", w.Stats().Dropped)
	}
}

func TestBidWriter_InsertError(t *testing.T) {
	db := newFakeDB(bidKey)
	db.err = errors.New("connection reset")
	obs := &countingObserver{}
	w := NewBidWriter(WriterConfig{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	w.SetObserver(obs)
	w.Start(context.Background())

	w.Write(model.BidSnapshot{ListingID: "1"})
	w.Stop(context.Background())

	if w.Stats().Errors != 1 || w.Stats().Inserts != 0 {
		t.Errorf("stats = %+v", w.Stats())
	}
	if obs.failures != 1 {
		t.Errorf("observer failures = %d, want 1", obs.failures)
	}
}

func TestMessageWriter_WriteThread(t *testing.T) {
	db := newFakeDB(func(args []any) string { return args[0].(string) + "|" + args[1].(string) })
	w := NewMessageWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 10}, db, nil)
	w.Start(context.Background())

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	th := model.MessageThread{Messages: []model.Message{
		{ID: "1", SenderID: "a", Content: "hi", CreatedAt: created},
		{ClientID: "c-1", Content: "pending", Pending: true},
		{ID: "2", SenderID: "b", Content: "yo"},
	}}

	now := time.Now()
	if n := w.WriteThread("c9", th, now); n != 2 {
		t.Errorf("queued = %d, want 2", n)
	}
	w.WriteThread("c9", th, now)
	w.Stop(context.Background())

	stats := w.Stats()
	if stats.Inserts != 2 || stats.Conflicts != 2 {
		t.Errorf("stats = %+v, want 2 inserts and 2 conflicts", stats)
	}
}

func TestTransformMessage(t *testing.T) {
	now := time.Now()
	row := transformMessage("c1", model.Message{ID: "9", SenderID: "u", Content: "x"}, now)
	if row.CreatedAt != nil {
		t.Error("CreatedAt should be nil when unknown")
	}
	if row.ConversationID != "c1" || row.MessageID != "9" || !row.ReceivedAt.Equal(now) {
		t.Errorf("row = %+v", row)
	}
}

type execRecorder struct{ sql string }

func (e *execRecorder) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	e := &execRecorder{}
	if err := EnsureSchema(context.Background(), e); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	for _, table := range []string{"bid_events", "chat_messages"} {
		if !strings.Contains(e.sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing %s", table)
		}
	}
}
