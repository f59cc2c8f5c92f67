package devicestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
	"github.com/redis/go-redis/v9"
)

var _ port.CartSlot = (*RedisSlot)(nil)

type RedisSlotConfig struct {
	Prefix  string
	Channel string

	// Origin marks this instance's change notices.
	Origin string

	// TTL of an idle device cart, zero keeps it forever.
	TTL time.Duration
}

type changeNotice struct {
	Owner  string `json:"owner"`
	Origin string `json:"origin"`
}

// A RedisSlot keeps each device cart under its own key and announces
// every save on a pub/sub channel.
type RedisSlot struct {
	cl  *redis.Client
	cfg RedisSlotConfig
}

func NewRedisSlot(
	ctx context.Context, cl *redis.Client, cfg RedisSlotConfig,
) (RedisSlot, error) {
	const op = "NewRedisSlot"

	if cfg.Channel == "" {
		return RedisSlot{}, fmt.Errorf("%s: channel is empty string", op)
	}

	if err := cl.Ping(ctx).Err(); err != nil {
		return RedisSlot{}, fmt.Errorf("%s: redis is unavailable: %w", op, err)
	}
	return RedisSlot{cl: cl, cfg: cfg}, nil
}

func (s RedisSlot) Load(
	ctx context.Context, owner string,
) (domain.Lines, error) {
	const op = "RedisSlot.Load"

	data, err := s.cl.Get(ctx, s.key(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return decodeOrReset(op, owner, data), nil
}

func (s RedisSlot) Save(
	ctx context.Context, owner string, ls domain.Lines,
) error {
	const op = "RedisSlot.Save"

	data, err := encodeLines(ls)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	notice, err := json.Marshal(changeNotice{Owner: owner, Origin: s.cfg.Origin})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(owner), data, s.cfg.TTL)
		pipe.Publish(ctx, s.cfg.Channel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s RedisSlot) Watch(ctx context.Context, fn func(owner string)) error {
	const op = "RedisSlot.Watch"
	log := slog.With("op", op)

	sub := s.cl.Subscribe(ctx, s.cfg.Channel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error("failed to close subscription", "err", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("watching device carts", "channel", s.cfg.Channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var n changeNotice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.Warn("invalid change notice", "err", err)
				continue
			}
			if n.Origin == s.cfg.Origin {
				continue
			}
			fn(n.Owner)
		}
	}
}

func (s RedisSlot) Close() {
	const op = "RedisSlot.Close"
	log := slog.With("op", op)

	log.Info("closing redis client...")
	if err := s.cl.Close(); err != nil {
		log.Error("failed to close", "err", err)
		return
	}
	log.Info("redis client is closed")
}

func (s RedisSlot) key(owner string) string {
	return s.cfg.Prefix + owner
}
