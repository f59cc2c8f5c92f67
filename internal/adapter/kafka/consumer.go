package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
	"github.com/niksmo/cartsync/pkg/schema"
	"github.com/twmb/franz-go/pkg/kgo"
)

const slowDownDelay = time.Second

type ConsumerOpt func(*consumerOpts) error

// ConsumerClientOpt consumes topic from its end without a group: every
// instance sees every record published after it starts.
func ConsumerClientOpt(
	seedBrokers []string, topic string, tlsCfg *tls.Config,
) ConsumerOpt {
	return func(co *consumerOpts) error {
		cl, err := kgo.NewClient(append(
			clientOpts(seedBrokers, tlsCfg),
			kgo.ConsumeTopics(topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		)...)
		if err != nil {
			return err
		}
		co.cl = cl
		return nil
	}
}

func ConsumerDecoderOpt(decoder Decoder) ConsumerOpt {
	return func(co *consumerOpts) error {
		if decoder == nil {
			return errors.New("decoder is nil")
		}
		co.decoder = decoder
		return nil
	}
}

func ConsumerRefresherOpt(r port.CartRefresher) ConsumerOpt {
	return func(co *consumerOpts) error {
		if r == nil {
			return errors.New("cart refresher is nil")
		}
		co.refresher = r
		return nil
	}
}

// ConsumerOriginOpt sets the instance id whose own events are skipped.
func ConsumerOriginOpt(origin string) ConsumerOpt {
	return func(co *consumerOpts) error {
		if origin == "" {
			return errors.New("origin is empty string")
		}
		co.origin = origin
		return nil
	}
}

type consumerOpts struct {
	cl        ConsumerClient
	decoder   Decoder
	refresher port.CartRefresher
	origin    string
}

func (co *consumerOpts) apply(opts ...ConsumerOpt) error {
	for _, opt := range opts {
		if err := opt(co); err != nil {
			return err
		}
	}
	if co.cl == nil || co.decoder == nil || co.refresher == nil || co.origin == "" {
		return ErrTooFewOpts
	}
	return nil
}

type consumerParent interface {
	processFetches(context.Context, kgo.Fetches) error
}

// A consumer is used for composition.
//
// Fetching records from kafka broker and closing underlying [kgo.Client].
type consumer struct {
	opPrefix string
	parent   consumerParent
	cl       ConsumerClient
}

func (c consumer) run(ctx context.Context) {
	const op = "run"
	log := slog.With("op", makeOp(c.opPrefix, op))

	log.Info("running")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := c.consume(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				log.Error("failed to consume", "err", err)
				c.slowDown(ctx)
			}
		}
	}
}

func (c consumer) consume(ctx context.Context) error {
	const op = "consume"

	fetches, err := c.pollFetches(ctx)
	if err != nil {
		return opErr(err, c.opPrefix, op)
	}

	if fetches.Empty() {
		return nil
	}

	err = c.parent.processFetches(ctx, fetches)
	if err != nil {
		return opErr(err, c.opPrefix, op)
	}
	return nil
}

func (c consumer) pollFetches(ctx context.Context) (kgo.Fetches, error) {
	const op = "pollFetches"

	fetches := c.cl.PollFetches(ctx)
	if err := fetches.Err0(); err != nil {
		return nil, opErr(err, c.opPrefix, op)
	}

	err := c.handleFetchesErrs(fetches)
	if err != nil {
		return nil, opErr(err, c.opPrefix, op)
	}

	return fetches, nil
}

func (c consumer) handleFetchesErrs(fetches kgo.Fetches) error {
	var errsMessages []string
	fetches.EachError(func(t string, p int32, err error) {
		if err != nil {
			errMsg := fmt.Sprintf(
				"topic %q partition %d: %q", t, p, err,
			)
			errsMessages = append(errsMessages, errMsg)
		}
	})

	if len(errsMessages) != 0 {
		return errors.New(strings.Join(errsMessages, "; "))
	}
	return nil
}

func (c consumer) slowDown(ctx context.Context) {
	t := time.NewTimer(slowDownDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c consumer) close() {
	const op = "close"
	log := slog.With("op", makeOp(c.opPrefix, op))

	log.Info("closing consumer...")
	c.cl.Close()
	log.Info("consumer is closed")
}

// A CartEventsConsumer refreshes local cart mirrors after carts were
// changed by other instances.
type CartEventsConsumer struct {
	opPrefix  string
	consumer  consumer
	refresher port.CartRefresher
	decoder   Decoder
	origin    string
}

func NewCartEventsConsumer(
	opts ...ConsumerOpt,
) (cc CartEventsConsumer, err error) {
	const op = "NewCartEventsConsumer"

	var options consumerOpts
	if err := options.apply(opts...); err != nil {
		if options.cl != nil {
			options.cl.Close()
		}
		return cc, opErr(err, op)
	}

	opPrefix := "CartEventsConsumer"

	cc.opPrefix = opPrefix
	cc.refresher = options.refresher
	cc.decoder = options.decoder
	cc.origin = options.origin

	cc.consumer = consumer{
		opPrefix: opPrefix,
		parent:   cc,
		cl:       options.cl,
	}

	return cc, nil
}

// Run consumes until ctx is done.
func (c CartEventsConsumer) Run(ctx context.Context) error {
	c.consumer.run(ctx)
	return nil
}

func (c CartEventsConsumer) Close() {
	c.consumer.close()
}

func (c CartEventsConsumer) processFetches(
	ctx context.Context, fetches kgo.Fetches,
) error {
	const op = "processFetches"
	log := slog.With("op", makeOp(c.opPrefix, op))

	for _, s := range c.foreignSessions(fetches) {
		if err := c.refresher.Refresh(ctx, s); err != nil {
			log.Warn(
				"failed to refresh cart", "cart", s.Key(),
				"err", opErr(err, c.opPrefix, op),
			)
		}
	}
	return nil
}

// foreignSessions returns the distinct carts changed by other instances,
// in first-seen order.
func (c CartEventsConsumer) foreignSessions(
	fetches kgo.Fetches,
) (ss []domain.Session) {
	const op = "foreignSessions"
	log := slog.With("op", makeOp(c.opPrefix, op))

	seen := make(map[string]struct{})
	fetches.EachRecord(func(r *kgo.Record) {
		evt, err := c.decodeRecValue(r)
		if err != nil {
			log.Error(
				"failed to decode value",
				"err", opErr(err, c.opPrefix, op),
			)
			return
		}
		if evt.Origin == c.origin {
			return
		}
		key := evt.Session.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		ss = append(ss, evt.Session)
	})
	return ss
}

func (c CartEventsConsumer) decodeRecValue(
	r *kgo.Record,
) (domain.CartEvent, error) {
	var s schema.CartEventV1
	err := c.decoder.Decode(r.Value, &s)
	if err != nil {
		return domain.CartEvent{}, err
	}
	return schemaV1ToCartEvent(s), nil
}
