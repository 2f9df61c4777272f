package propagation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelprop "go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"makerhub/backend/internal/domain"
)

func testOrder() domain.Order {
	return domain.Order{ID: "ord_1", CustomerID: "acct_buyer", ManufacturerID: "acct_maker"}
}

func TestOrderChangedTargetsOrderAndBothParties(t *testing.T) {
	events := OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Now())
	topics := make([]string, 0, len(events))
	for _, e := range events {
		topics = append(topics, e.Topic)
		assert.Equal(t, "order:ord_1", e.Key())
	}
	assert.ElementsMatch(t, []string{"order:ord_1", "orders:customer:acct_buyer", "orders:manufacturer:acct_maker"}, topics)
}

func TestNotificationsChangedDedupesRecipients(t *testing.T) {
	events := NotificationsChanged([]string{"a", "b", "a", ""}, domain.ChangeCreated, time.Now())
	require.Len(t, events, 2)
	assert.Equal(t, NotificationsTopic("a"), events[0].Topic)
	assert.Equal(t, NotificationsTopic("b"), events[1].Topic)
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic string
		scope string
		id    string
		ok    bool
	}{
		{"order:ord_1", "order", "ord_1", true},
		{"orders:customer:acct_1", "orders:customer", "acct_1", true},
		{"orders:manufacturer:acct_2", "orders:manufacturer", "acct_2", true},
		{"complaints", "complaints", "", true},
		{"complaint:cmp_1", "complaint", "cmp_1", true},
		{"notifications:acct_1", "notifications", "acct_1", true},
		{"account:acct_1", "account", "acct_1", true},
		{"order:", "", "", false},
		{"inventory:1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			scope, id, ok := ParseTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.scope, scope)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestSubscriptionCoalescesPerResource(t *testing.T) {
	hub := NewHub("node-a", zaptest.NewLogger(t))
	sub := hub.Subscribe(OrderTopic("ord_1"), CustomerOrdersTopic("acct_buyer"), ComplaintsTopic)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Time{})))
	require.NoError(t, hub.Publish(ctx, OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Time{})))
	require.NoError(t, hub.Publish(ctx, ComplaintChanged(domain.Complaint{ID: "cmp_1"}, domain.ChangeCreated, time.Time{})))

	batch, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "order:ord_1", batch[0].Key())
	assert.Equal(t, "node-a", batch[0].Origin)
	assert.False(t, batch[0].OccurredAt.IsZero())
	assert.Equal(t, "complaint:cmp_1", batch[1].Key())
}

func TestSubscriptionIgnoresOtherTopics(t *testing.T) {
	hub := NewHub("node-a", nil)
	sub := hub.Subscribe(OrderTopic("ord_2"))
	defer sub.Close()

	require.NoError(t, hub.Publish(context.Background(), OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextWakesOnPublish(t *testing.T) {
	hub := NewHub("node-a", nil)
	sub := hub.Subscribe(AccountTopic("acct_1"))
	defer sub.Close()

	got := make(chan []domain.ChangeEvent, 1)
	go func() {
		batch, err := sub.Next(context.Background())
		if err == nil {
			got <- batch
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), AccountChanged("acct_1", domain.ChangeUpdated, time.Now())))

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		assert.Equal(t, domain.ResourceAccount, batch[0].ResourceType)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not woken")
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	hub := NewHub("node-a", nil)
	sub := hub.Subscribe(OrderTopic("ord_1"))
	assert.Equal(t, 1, hub.Subscribers(OrderTopic("ord_1")))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers(OrderTopic("ord_1")))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewHub("node-a", nil)
	sub := hub.Subscribe(OrderTopic("ord_1"))
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = hub.Publish(context.Background(), OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked")
	}

	batch, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events []domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func TestFanoutSurvivesFailingSink(t *testing.T) {
	good := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("broker down")}
	fanout := NewFanout("node-a", zaptest.NewLogger(t),
		Sink{Name: "bad", Publisher: bad},
		Sink{Name: "good", Publisher: good},
		Sink{Name: "unset"},
	)

	err := fanout.Publish(context.Background(), AccountChanged("acct_1", domain.ChangeUpdated, time.Time{}))
	require.NoError(t, err)
	require.Len(t, good.events, 1)
	assert.Equal(t, "node-a", good.events[0].Origin)
}

func TestRedisDecodeSkipsOwnEvents(t *testing.T) {
	broker := NewRedisBrokerWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "makerhub:", "node-a", zaptest.NewLogger(t))
	t.Cleanup(func() { _ = broker.Close() })

	own, _ := json.Marshal(domain.ChangeEvent{Topic: "order:ord_1", ResourceType: domain.ResourceOrder, ResourceID: "ord_1", Origin: "node-a"})
	_, relay := broker.decode(&redis.Message{Channel: "makerhub:order:ord_1", Payload: string(own)})
	assert.False(t, relay)

	remote, _ := json.Marshal(domain.ChangeEvent{ResourceType: domain.ResourceOrder, ResourceID: "ord_1", Origin: "node-b"})
	event, relay := broker.decode(&redis.Message{Channel: "makerhub:order:ord_1", Payload: string(remote)})
	require.True(t, relay)
	assert.Equal(t, "order:ord_1", event.Topic)

	_, relay = broker.decode(&redis.Message{Channel: "makerhub:order:ord_1", Payload: "{"})
	assert.False(t, relay)
}

func TestKafkaPublisherKeysByResourceAndCarriesTrace(t *testing.T) {
	otel.SetTextMapPropagator(otelprop.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "advance")
	defer span.End()

	producer := mocks.NewSyncProducer(t, nil)
	for range 3 {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != "order:ord_1" {
				return errors.New("unexpected key " + string(key))
			}
			for _, h := range msg.Headers {
				if string(h.Key) == "traceparent" {
					return nil
				}
			}
			return errors.New("traceparent header missing")
		})
	}

	publisher := NewKafkaPublisher(producer, "makerhub.changes", zaptest.NewLogger(t))
	require.NoError(t, publisher.Publish(ctx, OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Now())))
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisherReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewKafkaPublisher(producer, "makerhub.changes", nil)
	err := publisher.Publish(context.Background(), AccountChanged("acct_1", domain.ChangeUpdated, time.Now()))
	assert.Error(t, err)
	require.NoError(t, publisher.Close())
}

func TestRefresherSharesConcurrentFetches(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	refresher := NewRefresher(func(ctx context.Context, event domain.ChangeEvent) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "state of " + event.Key(), nil
	}, time.Second, zaptest.NewLogger(t))

	batch := AccountChanged("acct_1", domain.ChangeUpdated, time.Now())
	results := make([][]Refreshed, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = refresher.Refresh(context.Background(), batch)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = refresher.Refresh(context.Background(), batch)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Len(t, r, 1)
		require.NoError(t, r[0].Err)
		assert.Equal(t, "state of account:acct_1", r[0].Value)
	}
}

func TestRefresherDoesNotShareAFetchOlderThanTheChange(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	refresher := NewRefresher(func(ctx context.Context, event domain.ChangeEvent) (any, error) {
		seen := version.Load()
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return seen, nil
	}, time.Second, zaptest.NewLogger(t))
	hub := NewHub("test", zaptest.NewLogger(t))
	hub.OnDeliver(refresher.Invalidate)

	batch := OrderChanged(testOrder(), domain.ChangeStatusChanged, time.Now())[:1]
	stale := make(chan []Refreshed, 1)
	go func() { stale <- refresher.Refresh(context.Background(), batch) }()
	<-started

	version.Store(2)
	require.NoError(t, hub.Publish(context.Background(), batch))

	fresh := make(chan []Refreshed, 1)
	go func() { fresh <- refresher.Refresh(context.Background(), batch) }()
	select {
	case got := <-fresh:
		require.Len(t, got, 1)
		assert.Equal(t, int32(2), got[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh after the change joined the stale fetch")
	}

	close(release)
	got := <-stale
	require.Len(t, got, 1)
	assert.Equal(t, int32(1), got[0].Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefresherReportsPerResourceErrors(t *testing.T) {
	refresher := NewRefresher(func(_ context.Context, event domain.ChangeEvent) (any, error) {
		if event.ResourceID == "missing" {
			return nil, errors.New("not found")
		}
		return event.ResourceID, nil
	}, 0, nil)

	batch := append(AccountChanged("missing", domain.ChangeUpdated, time.Now()), AccountChanged("acct_2", domain.ChangeUpdated, time.Now())...)
	results := refresher.Refresh(context.Background(), batch)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Equal(t, "acct_2", results[1].Value)
}
