package service

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	productA = domain.Product{ID: "pA", Name: "Sneakers", Price: 100, Stock: 10}
	productB = domain.Product{ID: "pB", Name: "Socks", Price: 50, Stock: 99}
)

func sessions() map[string]domain.Session {
	return map[string]domain.Session{
		"Remote": domain.RemoteSession("user-1"),
		"Local":  domain.LocalSession("device-1"),
	}
}

func TestAddItemSumsQuantities(t *testing.T) {
	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			for _, q := range []int{1, 2, 4} {
				out, err := fx.svc.AddItem(ctx, sess, productA, q, "red", "M")
				require.NoError(t, err)
				assert.Equal(t, sess.Store, out.Persisted)
				assert.False(t, out.Degraded)
			}

			items, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, 7, items[0].Quantity)

			_, err = fx.svc.AddItem(ctx, sess, productA, 1, "blue", "M")
			require.NoError(t, err)

			items, err = fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			assert.Len(t, items, 2)
		})
	}
}

func TestAddItemRejectsInvalidInput(t *testing.T) {
	fx := newFixture(t, Config{})
	sess := domain.LocalSession("device-1")

	_, err := fx.svc.AddItem(t.Context(), sess, domain.Product{Price: 10}, 1, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = fx.svc.AddItem(t.Context(), sess, productA, 0, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	n, err := fx.svc.ItemCount(t.Context(), sess)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCartTotalUsesRecordedPrice(t *testing.T) {
	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			_, err := fx.svc.AddItem(ctx, sess, productA, 2, "", "")
			require.NoError(t, err)
			_, err = fx.svc.AddItem(ctx, sess, productB, 1, "", "")
			require.NoError(t, err)

			total, err := fx.svc.CartTotal(ctx, sess)
			require.NoError(t, err)
			assert.InDelta(t, 250.0, total, 1e-9)

			fx.repriceCatalog(t, sess, productA.ID, 120)
			require.NoError(t, fx.svc.Refresh(ctx, sess))

			items, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			idx := items.IndexByKey(domain.LineKey{ProductID: productA.ID})
			require.NotEqual(t, -1, idx)
			assert.InDelta(t, 120.0, items[idx].Product.Price, 1e-9)

			total, err = fx.svc.CartTotal(ctx, sess)
			require.NoError(t, err)
			assert.InDelta(t, 250.0, total, 1e-9)

			n, err := fx.svc.ItemCount(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestRecordedPriceSurvivesCatalogChangeOnIncrement(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.LocalSession("device-1")

	_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
	require.NoError(t, err)

	repriced := productA
	repriced.Price = 999
	_, err = fx.svc.AddItem(ctx, sess, repriced, 1, "", "")
	require.NoError(t, err)

	total, err := fx.svc.CartTotal(ctx, sess)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, total, 1e-9)
}

func TestRemoveItem(t *testing.T) {
	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			outA, err := fx.svc.AddItem(ctx, sess, productA, 2, "", "")
			require.NoError(t, err)
			_, err = fx.svc.AddItem(ctx, sess, productB, 3, "", "")
			require.NoError(t, err)

			out, err := fx.svc.RemoveItem(ctx, sess, outA.Item.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.Store, out.Persisted)

			n, err := fx.svc.ItemCount(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			_, err = fx.svc.RemoveItem(ctx, sess, "missing")
			assert.ErrorIs(t, err, domain.ErrItemNotFound)

			n, err = fx.svc.ItemCount(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestUpdateQuantity(t *testing.T) {
	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			added, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
			require.NoError(t, err)
			id := added.Item.ID

			out, err := fx.svc.UpdateQuantity(ctx, sess, id, 5)
			require.NoError(t, err)
			assert.Equal(t, 5, out.Item.Quantity)

			n, err := fx.svc.ItemCount(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			_, err = fx.svc.UpdateQuantity(ctx, sess, id, 0)
			require.NoError(t, err)

			first, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			assert.Empty(t, first)

			_, err = fx.svc.UpdateQuantity(ctx, sess, id, 0)
			assert.ErrorIs(t, err, domain.ErrItemNotFound)

			second, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, first, second)
		})
	}
}

func TestClearCart(t *testing.T) {
	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			_, err := fx.svc.AddItem(ctx, sess, productA, 2, "", "")
			require.NoError(t, err)

			_, err = fx.svc.ClearCart(ctx, sess)
			require.NoError(t, err)

			items, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			assert.Empty(t, items)

			require.NoError(t, fx.svc.Refresh(ctx, sess))
			items, err = fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestLocalCartSurvivesReload(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.LocalSession("device-1")

	_, err := fx.svc.AddItem(ctx, sess, productA, 2, "red", "L")
	require.NoError(t, err)
	_, err = fx.svc.AddItem(ctx, sess, productB, 1, "", "")
	require.NoError(t, err)

	before, err := fx.svc.Items(ctx, sess)
	require.NoError(t, err)

	reloaded, err := New(Config{
		Local: LocalBackend{slot: fx.slot, newID: counterIDs("other-")},
	})
	require.NoError(t, err)

	after, err := reloaded.Items(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAnonymousSameLineScenario(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.LocalSession("device-1")
	p1 := domain.Product{ID: "p1", Price: 100}

	_, err := fx.svc.AddItem(ctx, sess, p1, 1, "", "")
	require.NoError(t, err)
	_, err = fx.svc.AddItem(ctx, sess, p1, 2, "", "")
	require.NoError(t, err)

	items, err := fx.svc.Items(ctx, sess)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)

	total, err := fx.svc.CartTotal(ctx, sess)
	require.NoError(t, err)
	assert.InDelta(t, 300.0, total, 1e-9)
}

func TestRemoteFailureFallsBackToLocal(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.RemoteSession("user-1")

	_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
	require.NoError(t, err)

	fx.remote.down.Store(true)

	out, err := fx.svc.AddItem(ctx, sess, productB, 2, "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StoreLocal, out.Persisted)
	assert.True(t, out.Degraded)

	n, err := fx.svc.ItemCount(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err = fx.svc.AddItem(ctx, sess, productA, 1, "", "")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, 2, out.Item.Quantity)

	saved, err := fx.slot.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 4, saved.Count())
}

func TestRemoteLoadFailureReadsLocal(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()

	require.NoError(t, fx.slot.Save(ctx, "user-1", domain.Lines{
		{ID: "local-1", ProductID: "pA", Quantity: 2, Price: 100},
	}))
	fx.remote.down.Store(true)

	items, err := fx.svc.Items(ctx, domain.RemoteSession("user-1"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "local-1", items[0].ID)
}

func TestLocalCartHasNoFallback(t *testing.T) {
	fx := newFixture(t, Config{})
	sess := domain.LocalSession("device-1")

	_, err := fx.svc.UpdateQuantity(t.Context(), sess, "missing", 3)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	const clicks = 50

	for name, sess := range sessions() {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			ctx := t.Context()

			var wg sync.WaitGroup
			wg.Add(clicks)
			for range clicks {
				go func() {
					defer wg.Done()
					_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			items, err := fx.svc.Items(ctx, sess)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, clicks, items[0].Quantity)
		})
	}
}

func TestSignIn(t *testing.T) {
	t.Run("DiscardsDeviceCart", func(t *testing.T) {
		fx := newFixture(t, Config{})
		ctx := t.Context()

		_, err := fx.svc.AddItem(ctx, domain.LocalSession("device-1"), productA, 2, "", "")
		require.NoError(t, err)
		_, err = fx.svc.AddItem(ctx, domain.RemoteSession("user-1"), productB, 1, "", "")
		require.NoError(t, err)

		items, err := fx.svc.SignIn(ctx, "device-1", "user-1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "pB", items[0].ProductID)

		guest, err := fx.slot.Load(ctx, "device-1")
		require.NoError(t, err)
		assert.Equal(t, 2, guest.Count())
	})

	t.Run("KeepsHeldDeviceCart", func(t *testing.T) {
		fx := newFixture(t, Config{MergeOnSignIn: true})
		ctx := t.Context()
		deviceSess := domain.LocalSession("device-1")

		_, err := fx.svc.AddItem(ctx, deviceSess, productA, 2, "", "")
		require.NoError(t, err)

		held, release := fx.svc.acquire(deviceSess)
		defer release()

		_, err = fx.svc.SignIn(ctx, "device-1", "user-1")
		require.NoError(t, err)

		again, releaseAgain := fx.svc.acquire(deviceSess)
		defer releaseAgain()
		assert.Same(t, held, again)

		items, err := held.Items(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("MergeDegradesWhenRemoteDown", func(t *testing.T) {
		fx := newFixture(t, Config{MergeOnSignIn: true})
		ctx := t.Context()

		_, err := fx.svc.AddItem(ctx, domain.RemoteSession("user-1"), productA, 1, "", "")
		require.NoError(t, err)
		_, err = fx.svc.AddItem(ctx, domain.LocalSession("device-1"), productB, 2, "", "")
		require.NoError(t, err)

		fx.remote.down.Store(true)

		items, err := fx.svc.SignIn(ctx, "device-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, items.Count())

		saved, err := fx.slot.Load(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, saved.Count())

		guest, err := fx.slot.Load(ctx, "device-1")
		require.NoError(t, err)
		assert.Empty(t, guest)
	})

	t.Run("MergesDeviceCart", func(t *testing.T) {
		fx := newFixture(t, Config{MergeOnSignIn: true})
		ctx := t.Context()

		_, err := fx.svc.AddItem(ctx, domain.LocalSession("device-1"), productA, 2, "", "")
		require.NoError(t, err)
		_, err = fx.svc.AddItem(ctx, domain.RemoteSession("user-1"), productA, 1, "", "")
		require.NoError(t, err)

		items, err := fx.svc.SignIn(ctx, "device-1", "user-1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 3, items[0].Quantity)

		guest, err := fx.slot.Load(ctx, "device-1")
		require.NoError(t, err)
		assert.Empty(t, guest)
	})
}

func TestRefreshPicksUpExternalChange(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.LocalSession("device-1")

	_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
	require.NoError(t, err)

	require.NoError(t, fx.slot.Save(ctx, "device-1", domain.Lines{
		{ID: "tab-2", ProductID: "pB", Quantity: 4, Price: 50},
	}))

	require.NoError(t, fx.svc.Refresh(ctx, sess))

	n, err := fx.svc.ItemCount(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.NoError(t, fx.svc.Refresh(ctx, domain.LocalSession("unknown")))
}

func TestPublishesCartEvents(t *testing.T) {
	events := new(MockEventsProducer)
	fx := newFixture(t, Config{Events: events, Origin: "node-1"})
	fx.svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := t.Context()
	sess := domain.RemoteSession("user-1")

	events.On("ProduceCartEvent", mock.Anything, mock.MatchedBy(
		func(evt domain.CartEvent) bool {
			return evt.Type == domain.CartItemAdded &&
				evt.ProductID == "pA" &&
				evt.Quantity == 2 &&
				evt.Origin == "node-1" &&
				evt.Persisted == domain.StoreRemote
		},
	)).Return(nil).Once()

	events.On("ProduceCartEvent", mock.Anything, mock.MatchedBy(
		func(evt domain.CartEvent) bool { return evt.Type == domain.CartCleared },
	)).Return(assert.AnError).Once()

	_, err := fx.svc.AddItem(ctx, sess, productA, 2, "", "")
	require.NoError(t, err)

	_, err = fx.svc.ClearCart(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Wait(ctx))
	events.AssertExpectations(t)
}

// blockingProducer holds every event until its context is done.
type blockingProducer struct {
	mu   sync.Mutex
	errs []error
}

func (p *blockingProducer) ProduceCartEvent(
	ctx context.Context, _ domain.CartEvent,
) error {
	<-ctx.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, ctx.Err())
	return ctx.Err()
}

func (p *blockingProducer) delivered() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.errs)
}

func TestStalledPublishDoesNotDelayMutation(t *testing.T) {
	events := new(blockingProducer)
	fx := newFixture(t, Config{Events: events, PublishTimeout: time.Second})
	sess := domain.LocalSession("device-1")

	reqCtx, cancel := context.WithCancel(t.Context())
	start := time.Now()
	out, err := fx.svc.AddItem(reqCtx, sess, productA, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StoreLocal, out.Persisted)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, events.delivered())

	// the request ending does not abort delivery
	cancel()

	require.NoError(t, fx.svc.Wait(t.Context()))
	assert.Equal(t, []error{context.DeadlineExceeded}, events.delivered())

	n, err := fx.svc.ItemCount(t.Context(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWaitStopsWithContext(t *testing.T) {
	events := new(blockingProducer)
	fx := newFixture(t, Config{Events: events, PublishTimeout: 2 * time.Second})

	_, err := fx.svc.AddItem(t.Context(), domain.LocalSession("device-1"), productA, 1, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fx.svc.Wait(ctx), context.DeadlineExceeded)
}

func TestRemoveMissingItemKeepsDegradedLines(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()
	sess := domain.RemoteSession("user-1")

	degraded := domain.CartItem{ID: "local-9", ProductID: "pC", Quantity: 2, Price: 10}
	require.NoError(t, fx.slot.Save(ctx, "user-1", domain.Lines{degraded}))

	_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
	require.NoError(t, err)

	_, err = fx.svc.RemoveItem(ctx, sess, "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	saved, err := fx.slot.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Lines{degraded}, saved)

	// the degraded line is still reachable through the remote session
	out, err := fx.svc.RemoveItem(ctx, sess, "local-9")
	require.NoError(t, err)
	assert.True(t, out.Degraded)

	saved, err = fx.slot.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestLocalCartsAreNotRetained(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := t.Context()

	for i := range 10000 {
		sess := domain.LocalSession("device-" + strconv.Itoa(i))
		_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
		require.NoError(t, err)
	}

	fx.svc.mu.Lock()
	defer fx.svc.mu.Unlock()
	assert.Empty(t, fx.svc.carts)
	assert.Zero(t, fx.svc.idle.Len())
}

func TestIdleRemoteCartsAreCapped(t *testing.T) {
	fx := newFixture(t, Config{MaxIdleCarts: 2})
	ctx := t.Context()

	for i := range 5 {
		sess := domain.RemoteSession("user-" + strconv.Itoa(i))
		_, err := fx.svc.AddItem(ctx, sess, productA, 1, "", "")
		require.NoError(t, err)
	}

	fx.svc.mu.Lock()
	keys := slices.Sorted(maps.Keys(fx.svc.carts))
	fx.svc.mu.Unlock()
	assert.Equal(t, []string{"remote:user-3", "remote:user-4"}, keys)

	// an evicted cart is loaded again from the remote store
	n, err := fx.svc.ItemCount(ctx, domain.RemoteSession("user-0"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHeldCartIsNotEvicted(t *testing.T) {
	fx := newFixture(t, Config{MaxIdleCarts: 1})
	ctx := t.Context()
	sess := domain.RemoteSession("user-1")

	held, release := fx.svc.acquire(sess)
	defer release()

	for i := range 3 {
		_, err := fx.svc.ItemCount(ctx, domain.RemoteSession("other-"+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	again, releaseAgain := fx.svc.acquire(sess)
	defer releaseAgain()
	assert.Same(t, held, again)
}

func TestNewRequiresLocalBackend(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoLocalBackend)
}
