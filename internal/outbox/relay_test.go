package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow/portfolio-engine/internal/model"
)

// fakeOutbox is an in-memory store.Outbox.
type fakeOutbox struct {
	mu        sync.Mutex
	events    []model.OutboxEvent
	published map[string]time.Time
	failures  map[string]int
	readErr   error
}

func newFakeOutbox(ids ...string) *fakeOutbox {
	ob := &fakeOutbox{published: map[string]time.Time{}, failures: map[string]int{}}
	for _, id := range ids {
		ob.add(id, "acct-1")
	}
	return ob
}

func (o *fakeOutbox) add(id, account string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, model.OutboxEvent{
		ID:        id,
		TradeID:   "trade-" + id,
		AccountID: account,
		EventType: model.EventTypeTradeSettled,
		Payload:   []byte(`{}`),
	})
}

func (o *fakeOutbox) PendingEvents(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.readErr != nil {
		return nil, o.readErr
	}
	var out []model.OutboxEvent
	for _, e := range o.events {
		if _, done := o.published[e.ID]; done {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *fakeOutbox) MarkPublished(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published[id] = at
	return nil
}

func (o *fakeOutbox) MarkFailed(_ context.Context, id string, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[id]++
	return nil
}

func (o *fakeOutbox) publishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.published)
}

// recordingPublisher records delivered ids and fails those listed in failOn
// until they are removed.
type recordingPublisher struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, e model.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[e.ID] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, e.ID)
	return nil
}

func (p *recordingPublisher) heal(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failOn, id)
}

func (p *recordingPublisher) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDrain_PublishesInOrder(t *testing.T) {
	ob := newFakeOutbox("e1", "e2", "e3", "e4", "e5")
	pub := &recordingPublisher{}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var heard []string
	r := NewRelay(ob, pub,
		WithBatchSize(2),
		WithLogger(quietLogger()),
		withClock(func() time.Time { return at }),
		WithListener(ListenerFunc(func(e model.OutboxEvent) { heard = append(heard, e.ID) })),
	)

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, pub.delivered())
	assert.Equal(t, pub.delivered(), heard)
	assert.Equal(t, at, ob.published["e3"])

	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	ob := newFakeOutbox("e1", "e2", "e3")
	pub := &recordingPublisher{failOn: map[string]bool{"e2": true}}

	var heard []string
	r := NewRelay(ob, pub,
		WithLogger(quietLogger()),
		WithListener(ListenerFunc(func(e model.OutboxEvent) { heard = append(heard, e.ID) })),
	)

	n, err := r.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"e1"}, pub.delivered())
	assert.Equal(t, []string{"e1"}, heard, "listeners only hear acknowledged events")
	assert.Equal(t, 1, ob.failures["e2"])
	assert.Zero(t, ob.failures["e3"], "e3 must not be attempted ahead of e2")

	pub.heal("e2")
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"e1", "e2", "e3"}, pub.delivered())
}

func TestDrain_ReadError(t *testing.T) {
	ob := newFakeOutbox("e1")
	ob.readErr = errors.New("db down")
	r := NewRelay(ob, &recordingPublisher{}, WithLogger(quietLogger()))

	_, err := r.Drain(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRun_RetriesAndNotify(t *testing.T) {
	ob := newFakeOutbox("e1")
	pub := &recordingPublisher{failOn: map[string]bool{"e1": true}}
	r := NewRelay(ob, pub,
		WithLogger(quietLogger()),
		WithPollInterval(time.Hour),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The first pass fails; the backoff schedule retries it once healed.
	time.Sleep(20 * time.Millisecond)
	pub.heal("e1")
	require.Eventually(t, func() bool { return ob.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	// Now idle on an hour-long poll; Notify must wake it.
	ob.add("e2", "acct-2")
	r.Notify()
	require.Eventually(t, func() bool { return ob.publishedCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNotify_NeverBlocks(t *testing.T) {
	r := NewRelay(newFakeOutbox(), &recordingPublisher{})
	for i := 0; i < 10; i++ {
		r.Notify()
	}
}

// fakeWriter captures kafka messages.
type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "portfolio.trade.settled")

	se := model.SettlementEvent{
		TradeID:    "t-1",
		AccountID:  "acct-9",
		Symbol:     "AAPL",
		Side:       model.SideBuy,
		Quantity:   decimal.NewFromInt(10),
		Price:      decimal.NewFromInt(150),
		TotalValue: decimal.NewFromInt(1500),
		ExecutedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	e, err := NewOutboxEvent(se, se.ExecutedAt)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "acct-9", string(msg.Key))
	assert.JSONEq(t, `{"trade_id":"t-1","account_id":"acct-9","symbol":"AAPL","side":"Buy",
		"quantity":"10","price":"150","total_value":"1500","executed_at":"2025-01-01T00:00:00Z"}`,
		string(msg.Value))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, model.EventTypeTradeSettled, headers["event-type"])
	assert.Equal(t, "t-1", headers["trade-id"])
	assert.Equal(t, e.ID, headers["event-id"])

	w.err = fmt.Errorf("leader not available")
	assert.ErrorContains(t, p.Publish(context.Background(), e), "leader not available")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestDecodeSettlement(t *testing.T) {
	se := model.SettlementEvent{TradeID: "t-1", AccountID: "a", Symbol: "MSFT", Side: model.SideSell,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(2), TotalValue: decimal.NewFromInt(2)}
	e, err := NewOutboxEvent(se, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "t-1", e.TradeID)
	assert.NotEmpty(t, e.ID)

	got, err := DecodeSettlement(e)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", got.Symbol)
	assert.True(t, got.TotalValue.Equal(decimal.NewFromInt(2)))

	e.EventType = "Other"
	_, err = DecodeSettlement(e)
	assert.Error(t, err)
}
