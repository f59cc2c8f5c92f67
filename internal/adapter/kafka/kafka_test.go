package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(b []byte, v any) error { return json.Unmarshal(b, v) }

type MockProducerClient struct {
	mock.Mock
}

func (m *MockProducerClient) ProduceSync(
	ctx context.Context, rs ...*kgo.Record,
) kgo.ProduceResults {
	args := m.Called(ctx, rs)
	return args.Get(0).(kgo.ProduceResults)
}

func (m *MockProducerClient) Close() {
	m.Called()
}

type MockConsumerClient struct {
	mock.Mock
}

func (m *MockConsumerClient) PollFetches(ctx context.Context) kgo.Fetches {
	args := m.Called(ctx)
	return args.Get(0).(kgo.Fetches)
}

func (m *MockConsumerClient) Close() {
	m.Called()
}

type MockCartRefresher struct {
	mock.Mock
}

func (m *MockCartRefresher) Refresh(ctx context.Context, s domain.Session) error {
	return m.Called(ctx, s).Error(0)
}

func testCartEvent() domain.CartEvent {
	return domain.CartEvent{
		Type:       domain.CartItemAdded,
		Session:    domain.RemoteSession("user-1"),
		ItemID:     "item-1",
		ProductID:  "p1",
		Quantity:   2,
		Persisted:  domain.StoreRemote,
		Origin:     "node-2",
		OccurredAt: time.UnixMilli(1700000000000).UTC(),
	}
}

func withClient(cl ProducerClient) ProducerOpt {
	return func(opts *producerOpts) error {
		opts.cl = cl
		return nil
	}
}

func TestCartEventsProducer(t *testing.T) {
	t.Run("ProduceCartEvent", func(t *testing.T) {
		cl := new(MockProducerClient)
		evt := testCartEvent()

		cl.On("ProduceSync", mock.Anything, mock.MatchedBy(func(rs []*kgo.Record) bool {
			if len(rs) != 1 || string(rs[0].Key) != "remote:user-1" {
				return false
			}
			var s schema.CartEventV1
			if err := json.Unmarshal(rs[0].Value, &s); err != nil {
				return false
			}
			got := schemaV1ToCartEvent(s)
			return got.Session == evt.Session &&
				got.ItemID == evt.ItemID &&
				got.Quantity == evt.Quantity &&
				got.OccurredAt.Equal(evt.OccurredAt)
		})).Return(kgo.ProduceResults{{}})

		p, err := NewCartEventsProducer(withClient(cl), ProducerEncoderOpt(jsonCodec{}))
		require.NoError(t, err)

		require.NoError(t, p.ProduceCartEvent(t.Context(), evt))
		cl.AssertExpectations(t)
	})

	t.Run("BrokerError", func(t *testing.T) {
		cl := new(MockProducerClient)
		errBroker := errors.New("not enough replicas")
		cl.On("ProduceSync", mock.Anything, mock.Anything).
			Return(kgo.ProduceResults{{Err: errBroker}})

		p, err := NewCartEventsProducer(withClient(cl), ProducerEncoderOpt(jsonCodec{}))
		require.NoError(t, err)

		err = p.ProduceCartEvent(t.Context(), testCartEvent())
		assert.ErrorIs(t, err, errBroker)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cl := new(MockProducerClient)
		p, err := NewCartEventsProducer(withClient(cl), ProducerEncoderOpt(jsonCodec{}))
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err = p.ProduceCartEvent(ctx, testCartEvent())
		assert.ErrorIs(t, err, context.Canceled)
		cl.AssertNotCalled(t, "ProduceSync", mock.Anything, mock.Anything)
	})

	t.Run("TooFewOpts", func(t *testing.T) {
		assert.Panics(t, func() {
			_, _ = NewCartEventsProducer(ProducerEncoderOpt(jsonCodec{}))
		})
	})
}

func fetchesOf(t *testing.T, evts ...domain.CartEvent) kgo.Fetches {
	t.Helper()

	var rs []*kgo.Record
	for _, evt := range evts {
		b, err := json.Marshal(cartEventToSchemaV1(evt))
		require.NoError(t, err)
		rs = append(rs, &kgo.Record{Topic: "cart_events", Value: b})
	}
	rs = append(rs, &kgo.Record{Topic: "cart_events", Value: []byte("garbage")})

	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic: "cart_events",
			Partitions: []kgo.FetchPartition{{
				Partition: 0,
				Records:   rs,
			}},
		}},
	}}
}

func TestCartEventsConsumer(t *testing.T) {
	newConsumer := func(
		t *testing.T, cl ConsumerClient, r *MockCartRefresher,
	) CartEventsConsumer {
		t.Helper()
		withClient := func(co *consumerOpts) error {
			co.cl = cl
			return nil
		}
		c, err := NewCartEventsConsumer(
			withClient,
			ConsumerDecoderOpt(jsonCodec{}),
			ConsumerRefresherOpt(r),
			ConsumerOriginOpt("node-1"),
		)
		require.NoError(t, err)
		return c
	}

	t.Run("RefreshesForeignCartsOnce", func(t *testing.T) {
		refresher := new(MockCartRefresher)
		c := newConsumer(t, new(MockConsumerClient), refresher)

		foreign := testCartEvent()
		again := testCartEvent()
		again.Type = domain.CartItemRemoved
		own := testCartEvent()
		own.Session = domain.RemoteSession("user-2")
		own.Origin = "node-1"

		refresher.On("Refresh", mock.Anything, domain.RemoteSession("user-1")).
			Return(nil).Once()

		err := c.processFetches(t.Context(), fetchesOf(t, foreign, own, again))
		require.NoError(t, err)
		refresher.AssertExpectations(t)
		refresher.AssertNotCalled(t, "Refresh", mock.Anything, domain.RemoteSession("user-2"))
	})

	t.Run("RefreshErrorIsNotFatal", func(t *testing.T) {
		refresher := new(MockCartRefresher)
		c := newConsumer(t, new(MockConsumerClient), refresher)

		refresher.On("Refresh", mock.Anything, mock.Anything).
			Return(errors.New("db down"))

		err := c.processFetches(t.Context(), fetchesOf(t, testCartEvent()))
		assert.NoError(t, err)
	})

	t.Run("RunStopsOnCancel", func(t *testing.T) {
		cl := new(MockConsumerClient)
		refresher := new(MockCartRefresher)
		c := newConsumer(t, cl, refresher)

		ctx, cancel := context.WithCancel(t.Context())
		refresher.On("Refresh", mock.Anything, mock.Anything).Return(nil)
		cl.On("PollFetches", mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(fetchesOf(t, testCartEvent()))

		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	})

	t.Run("MissingOpts", func(t *testing.T) {
		_, err := NewCartEventsConsumer(ConsumerDecoderOpt(jsonCodec{}))
		assert.ErrorIs(t, err, ErrTooFewOpts)
	})
}
