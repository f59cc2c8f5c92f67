package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errRemoteDown = errors.New("remote is down")

type memSlot struct {
	mu    sync.Mutex
	carts map[string]domain.Lines
}

func newMemSlot() *memSlot {
	return &memSlot{carts: make(map[string]domain.Lines)}
}

func (s *memSlot) Load(_ context.Context, owner string) (domain.Lines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[owner].Clone(), nil
}

func (s *memSlot) Save(_ context.Context, owner string, ls domain.Lines) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[owner] = ls.Clone()
	return nil
}

func (s *memSlot) Watch(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return nil
}

func counterIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// fakeRemote is a remote store kept in memory that can be switched off.
type fakeRemote struct {
	down atomic.Bool
	lb   LocalBackend
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		lb: LocalBackend{slot: newMemSlot(), newID: counterIDs("r-")},
	}
}

func (r *fakeRemote) Kind() domain.StoreKind { return domain.StoreRemote }

func (r *fakeRemote) Load(ctx context.Context, owner string) (domain.Lines, error) {
	if r.down.Load() {
		return nil, errRemoteDown
	}
	return r.lb.Load(ctx, owner)
}

func (r *fakeRemote) FindLine(
	ctx context.Context, owner string, k domain.LineKey,
) (domain.CartItem, error) {
	if r.down.Load() {
		return domain.CartItem{}, errRemoteDown
	}
	return r.lb.FindLine(ctx, owner, k)
}

func (r *fakeRemote) InsertLine(
	ctx context.Context, owner string, item domain.CartItem,
) (domain.CartItem, error) {
	if r.down.Load() {
		return domain.CartItem{}, errRemoteDown
	}
	return r.lb.InsertLine(ctx, owner, item)
}

func (r *fakeRemote) IncrementQuantity(
	ctx context.Context, owner, itemID string, delta int,
) (domain.CartItem, error) {
	if r.down.Load() {
		return domain.CartItem{}, errRemoteDown
	}
	return r.lb.IncrementQuantity(ctx, owner, itemID, delta)
}

func (r *fakeRemote) SetQuantity(
	ctx context.Context, owner, itemID string, quantity int,
) (domain.CartItem, error) {
	if r.down.Load() {
		return domain.CartItem{}, errRemoteDown
	}
	return r.lb.SetQuantity(ctx, owner, itemID, quantity)
}

func (r *fakeRemote) DeleteLine(ctx context.Context, owner, itemID string) error {
	if r.down.Load() {
		return errRemoteDown
	}
	return r.lb.DeleteLine(ctx, owner, itemID)
}

func (r *fakeRemote) Clear(ctx context.Context, owner string) error {
	if r.down.Load() {
		return errRemoteDown
	}
	return r.lb.Clear(ctx, owner)
}

func (r *fakeRemote) MergeLines(
	ctx context.Context, owner string, ls domain.Lines,
) (domain.Lines, error) {
	if r.down.Load() {
		return nil, errRemoteDown
	}
	return r.lb.MergeLines(ctx, owner, ls)
}

type MockEventsProducer struct {
	mock.Mock
}

func (p *MockEventsProducer) ProduceCartEvent(
	ctx context.Context, evt domain.CartEvent,
) error {
	args := p.Called(ctx, evt)
	return args.Error(0)
}

type fixture struct {
	svc    *Service
	slot   *memSlot
	remote *fakeRemote
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()

	slot := newMemSlot()
	remote := newFakeRemote()

	cfg.Local = LocalBackend{slot: slot, newID: counterIDs("local-")}
	if cfg.Remote == nil {
		cfg.Remote = remote
	}

	svc, err := New(cfg)
	require.NoError(t, err)

	return fixture{svc: svc, slot: slot, remote: remote}
}

// repriceCatalog changes the catalog snapshot kept with stored lines,
// as a live products join would after a catalog update.
func (fx fixture) repriceCatalog(
	t *testing.T, sess domain.Session, productID string, price float64,
) {
	t.Helper()

	slot := fx.slot
	if sess.Store == domain.StoreRemote {
		slot = fx.remote.lb.slot.(*memSlot)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	for _, item := range slot.carts[sess.Owner] {
		if item.ProductID == productID && item.Product != nil {
			item.Product.Price = price
		}
	}
}
