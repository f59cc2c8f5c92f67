package service

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.CartManager = (*Service)(nil)
var _ port.CartRefresher = (*Service)(nil)

var ErrNoLocalBackend = errors.New("local backend is required")

const (
	defaultMaxIdleCarts   = 1024
	defaultPublishTimeout = 5 * time.Second
)

type Config struct {
	// Remote backs signed-in carts. When nil, every cart is local.
	Remote port.CartBackend
	Local  port.CartBackend

	// Events is optional.
	Events port.CartEventsProducer

	// Origin identifies this instance in published events.
	Origin string

	// MergeOnSignIn moves the device cart into the user cart on sign-in
	// instead of discarding it.
	MergeOnSignIn bool

	// MaxIdleCarts caps the remote cart mirrors kept between requests.
	MaxIdleCarts int

	// PublishTimeout bounds the delivery of one cart event.
	PublishTimeout time.Duration
}

// cartRef is a registry entry. A cart is only dropped from the registry
// when no operation holds it.
type cartRef struct {
	cart *Cart
	refs int
	idle *list.Element
}

type Service struct {
	remote         port.CartBackend
	local          port.CartBackend
	events         port.CartEventsProducer
	origin         string
	mergeOnSignIn  bool
	maxIdle        int
	publishTimeout time.Duration
	now            func() time.Time

	mu    sync.Mutex
	carts map[string]*cartRef
	idle  *list.List // idle remote cart keys, least recently used first

	publishing sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	const op = "service.New"

	if cfg.Local == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoLocalBackend)
	}

	maxIdle := cfg.MaxIdleCarts
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleCarts
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	return &Service{
		remote:         cfg.Remote,
		local:          cfg.Local,
		events:         cfg.Events,
		origin:         cfg.Origin,
		mergeOnSignIn:  cfg.MergeOnSignIn,
		maxIdle:        maxIdle,
		publishTimeout: publishTimeout,
		now:            time.Now,
		carts:          make(map[string]*cartRef),
		idle:           list.New(),
	}, nil
}

func (s *Service) Items(
	ctx context.Context, sess domain.Session,
) (domain.Lines, error) {
	const op = "Service.Items"

	c, release := s.acquire(sess)
	defer release()

	ls, err := c.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ls, nil
}

func (s *Service) AddItem(
	ctx context.Context,
	sess domain.Session,
	p domain.Product,
	quantity int,
	color, size string,
) (domain.Outcome, error) {
	const op = "Service.AddItem"

	c, release := s.acquire(sess)
	defer release()

	out, err := c.AddItem(ctx, p, quantity, color, size)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, sess, domain.CartItemAdded, out)
	return out, nil
}

func (s *Service) RemoveItem(
	ctx context.Context, sess domain.Session, itemID string,
) (domain.Outcome, error) {
	const op = "Service.RemoveItem"

	c, release := s.acquire(sess)
	defer release()

	out, err := c.RemoveItem(ctx, itemID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, sess, domain.CartItemRemoved, out)
	return out, nil
}

func (s *Service) UpdateQuantity(
	ctx context.Context, sess domain.Session, itemID string, quantity int,
) (domain.Outcome, error) {
	const op = "Service.UpdateQuantity"

	c, release := s.acquire(sess)
	defer release()

	out, err := c.UpdateQuantity(ctx, itemID, quantity)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	evt := domain.CartItemQuantitySet
	if quantity <= 0 {
		evt = domain.CartItemRemoved
	}
	s.publish(ctx, sess, evt, out)
	return out, nil
}

func (s *Service) ClearCart(
	ctx context.Context, sess domain.Session,
) (domain.Outcome, error) {
	const op = "Service.ClearCart"

	c, release := s.acquire(sess)
	defer release()

	out, err := c.Clear(ctx)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	s.publish(ctx, sess, domain.CartCleared, out)
	return out, nil
}

func (s *Service) CartTotal(
	ctx context.Context, sess domain.Session,
) (float64, error) {
	const op = "Service.CartTotal"

	c, release := s.acquire(sess)
	defer release()

	total, err := c.Total(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return total, nil
}

func (s *Service) ItemCount(
	ctx context.Context, sess domain.Session,
) (int, error) {
	const op = "Service.ItemCount"

	c, release := s.acquire(sess)
	defer release()

	n, err := c.ItemCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// SignIn switches a device from its local cart to the user's remote
// cart and returns the remote cart contents.
//
// The device cart is discarded unless merging on sign-in is enabled.
func (s *Service) SignIn(
	ctx context.Context, deviceID, userID string,
) (domain.Lines, error) {
	const op = "Service.SignIn"
	log := slog.With("op", op)

	userSess := domain.RemoteSession(userID)
	userCart, release := s.acquire(userSess)
	defer release()

	if s.mergeOnSignIn {
		out, merged, err := s.mergeDeviceCart(
			ctx, domain.LocalSession(deviceID), userCart,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if merged {
			s.publish(ctx, userSess, domain.CartMerged, out)
		}
	}

	ls, err := userCart.Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info(
		"signed in", "user", userID,
		"merged", s.mergeOnSignIn, "items", ls.Count(),
	)
	return ls, nil
}

// Refresh reloads a cached cart mirror. Carts that are not cached are
// left alone.
func (s *Service) Refresh(ctx context.Context, sess domain.Session) error {
	const op = "Service.Refresh"

	c, release, ok := s.lookup(sess)
	if !ok {
		return nil
	}
	defer release()

	if _, err := c.Reload(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Wait blocks until in-flight cart events are delivered or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mergeDeviceCart moves the device cart into the user cart in one write
// and empties the device cart.
func (s *Service) mergeDeviceCart(
	ctx context.Context, deviceSess domain.Session, userCart *Cart,
) (domain.Outcome, bool, error) {
	deviceCart, release := s.acquire(deviceSess)
	defer release()

	guest, err := deviceCart.Items(ctx)
	if err != nil {
		return domain.Outcome{}, false, err
	}
	if len(guest) == 0 {
		return domain.Outcome{}, false, nil
	}

	out, err := userCart.Merge(ctx, guest)
	if err != nil {
		return domain.Outcome{}, false, err
	}

	if _, err := deviceCart.Clear(ctx); err != nil {
		return domain.Outcome{}, false, err
	}
	return out, true, nil
}

// acquire returns the registry cart for sess and a func that must be
// called once the caller is done with it.
func (s *Service) acquire(sess domain.Session) (*Cart, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sess.Key()
	ref, ok := s.carts[key]
	if !ok {
		ref = &cartRef{cart: s.newCart(sess)}
		s.carts[key] = ref
	}
	s.hold(ref)

	return ref.cart, func() { s.release(key, ref) }
}

func (s *Service) lookup(sess domain.Session) (*Cart, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sess.Key()
	ref, ok := s.carts[key]
	if !ok {
		return nil, nil, false
	}
	s.hold(ref)

	return ref.cart, func() { s.release(key, ref) }, true
}

func (s *Service) hold(ref *cartRef) {
	if ref.idle != nil {
		s.idle.Remove(ref.idle)
		ref.idle = nil
	}
	ref.refs++
}

// release drops local carts as soon as they are unused: the device
// store already holds them whole. Unused remote mirrors are kept up to
// the idle limit.
func (s *Service) release(key string, ref *cartRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref.refs--
	if ref.refs > 0 {
		return
	}

	if ref.cart.primary.Kind() != domain.StoreRemote {
		delete(s.carts, key)
		return
	}

	ref.idle = s.idle.PushBack(key)
	for s.idle.Len() > s.maxIdle {
		oldest := s.idle.Remove(s.idle.Front()).(string)
		delete(s.carts, oldest)
	}
}

func (s *Service) newCart(sess domain.Session) *Cart {
	if sess.Store == domain.StoreRemote && s.remote != nil {
		return NewCart(sess, s.remote, s.local)
	}
	return NewCart(sess, s.local, nil)
}

// publish sends a cart event in the background. The mutation it
// reports is already saved, so delivery never delays the caller.
func (s *Service) publish(
	ctx context.Context,
	sess domain.Session,
	t domain.CartEventType,
	out domain.Outcome,
) {
	const op = "Service.publish"

	if s.events == nil {
		return
	}

	evt := domain.CartEvent{
		Type:       t,
		Session:    sess,
		ItemID:     out.Item.ID,
		ProductID:  out.Item.ProductID,
		Quantity:   out.Item.Quantity,
		Persisted:  out.Persisted,
		Origin:     s.origin,
		OccurredAt: s.now(),
	}

	ctx = context.WithoutCancel(ctx)

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()

		ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()

		if err := s.events.ProduceCartEvent(ctx, evt); err != nil {
			slog.Warn(
				"failed to publish cart event",
				"op", op, "cart", sess.Key(), "type", evt.Type, "err", err,
			)
		}
	}()
}
