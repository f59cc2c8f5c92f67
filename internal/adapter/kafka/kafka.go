package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/pkg/schema"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	ErrTooFewOpts = errors.New("too few options")
)

const (
	recordDeliveryTimeout = 10 * time.Second
	produceRequestTimeout = 5 * time.Second
)

type ProducerOpt func(*producerOpts) error

type producerOpts struct {
	cl      ProducerClient
	encoder Encoder
}

// ProducerClientOpt connects a client producing to topic. tlsCfg may be
// nil for plaintext brokers.
func ProducerClientOpt(
	ctx context.Context, seedBrokers []string, topic string, tlsCfg *tls.Config,
) ProducerOpt {
	return func(opts *producerOpts) error {
		cl, err := kgo.NewClient(append(
			clientOpts(seedBrokers, tlsCfg),
			kgo.DefaultProduceTopicAlways(),
			kgo.DefaultProduceTopic(topic),
			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.RecordDeliveryTimeout(recordDeliveryTimeout),
			kgo.ProduceRequestTimeout(produceRequestTimeout),
		)...)
		if err != nil {
			return err
		}

		if err := cl.Ping(ctx); err != nil {
			cl.Close()
			return err
		}
		opts.cl = cl
		return nil
	}
}

func ProducerEncoderOpt(encoder Encoder) ProducerOpt {
	return func(opts *producerOpts) error {
		if encoder == nil {
			return errors.New("encoder is nil")
		}
		opts.encoder = encoder
		return nil
	}
}

type ProducerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type ConsumerClient interface {
	PollFetches(context.Context) kgo.Fetches
	Close()
}

type Encoder interface {
	Encode(v any) ([]byte, error)
}

type Decoder interface {
	Decode(b []byte, v any) error
}

func clientOpts(seedBrokers []string, tlsCfg *tls.Config) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(seedBrokers...)}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	return opts
}

func makeOp(s ...string) string {
	return strings.Join(s, ".")
}

func opErr(err error, op ...string) error {
	return fmt.Errorf("%s: %w", makeOp(op...), err)
}

func cartEventToSchemaV1(v domain.CartEvent) (s schema.CartEventV1) {
	s.Type = string(v.Type)
	s.Owner = v.Session.Owner
	s.Store = string(v.Session.Store)
	s.ItemID = v.ItemID
	s.ProductID = v.ProductID
	s.Quantity = int64(v.Quantity)
	s.Persisted = string(v.Persisted)
	s.Origin = v.Origin
	s.OccurredAt = v.OccurredAt
	return
}

func schemaV1ToCartEvent(s schema.CartEventV1) (v domain.CartEvent) {
	v.Type = domain.CartEventType(s.Type)
	v.Session = domain.Session{
		Owner: s.Owner,
		Store: domain.StoreKind(s.Store),
	}
	v.ItemID = s.ItemID
	v.ProductID = s.ProductID
	v.Quantity = int(s.Quantity)
	v.Persisted = domain.StoreKind(s.Persisted)
	v.Origin = s.Origin
	v.OccurredAt = s.OccurredAt
	return
}
