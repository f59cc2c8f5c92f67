package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

// seeder is implemented by local backends that can adopt a whole cart
// before a degraded write, so the write applies to what the user sees.
type seeder interface {
	Seed(ctx context.Context, owner string, ls domain.Lines) error
}

// A Cart is the in-memory mirror of one cart and its backing stores.
//
// All operations hold the cart lock, so concurrent mutations apply
// against the latest state one at a time.
type Cart struct {
	mu      sync.Mutex
	session domain.Session
	primary port.CartBackend
	local   port.CartBackend
	lines   domain.Lines
	loaded  bool
}

// NewCart returns a cart backed by primary. A remote primary falls back
// to local on any failure; local may be nil to disable the fallback.
func NewCart(
	s domain.Session, primary, local port.CartBackend,
) *Cart {
	return &Cart{session: s, primary: primary, local: local}
}

func (c *Cart) Session() domain.Session {
	return c.session
}

// Items returns a copy of the mirror, loading it on first use.
func (c *Cart) Items(ctx context.Context) (domain.Lines, error) {
	const op = "Cart.Items"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.lines.Clone(), nil
}

func (c *Cart) Total(ctx context.Context) (float64, error) {
	const op = "Cart.Total"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return c.lines.Total(), nil
}

func (c *Cart) ItemCount(ctx context.Context) (int, error) {
	const op = "Cart.ItemCount"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return c.lines.Count(), nil
}

// Reload replaces the mirror with the authoritative store contents.
func (c *Cart) Reload(ctx context.Context) (domain.Lines, error) {
	const op = "Cart.Reload"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reload(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.lines.Clone(), nil
}

func (c *Cart) AddItem(
	ctx context.Context, p domain.Product, quantity int, color, size string,
) (domain.Outcome, error) {
	const op = "Cart.AddItem"

	if p.ID == "" {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, domain.ErrInvalidProduct)
	}
	if quantity < 1 {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, domain.ErrInvalidQuantity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	owner := c.session.Owner
	key := domain.LineKey{ProductID: p.ID, Color: color, Size: size}

	add := func(b port.CartBackend) (domain.CartItem, error) {
		existing, err := b.FindLine(ctx, owner, key)
		if err == nil {
			return b.IncrementQuantity(ctx, owner, existing.ID, quantity)
		}
		if !errors.Is(err, domain.ErrItemNotFound) {
			return domain.CartItem{}, err
		}
		return b.InsertLine(ctx, owner, domain.CartItem{
			ProductID: p.ID,
			Quantity:  quantity,
			Color:     color,
			Size:      size,
			Price:     p.Price,
			Product:   p.Snapshot(),
		})
	}

	out, err := c.mutate(ctx, op, add)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	c.applyPut(ctx, out)
	return out, nil
}

func (c *Cart) RemoveItem(
	ctx context.Context, itemID string,
) (domain.Outcome, error) {
	const op = "Cart.RemoveItem"

	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.removeItem(ctx, op, itemID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// UpdateQuantity sets the line quantity; a non-positive quantity
// removes the line.
func (c *Cart) UpdateQuantity(
	ctx context.Context, itemID string, quantity int,
) (domain.Outcome, error) {
	const op = "Cart.UpdateQuantity"

	c.mu.Lock()
	defer c.mu.Unlock()

	if quantity <= 0 {
		out, err := c.removeItem(ctx, op, itemID)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		return out, nil
	}

	if err := c.ensureLoaded(ctx); err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	set := func(b port.CartBackend) (domain.CartItem, error) {
		return b.SetQuantity(ctx, c.session.Owner, itemID, quantity)
	}

	out, err := c.mutate(ctx, op, set)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	c.applyPut(ctx, out)
	return out, nil
}

func (c *Cart) Clear(ctx context.Context) (domain.Outcome, error) {
	const op = "Cart.Clear"

	c.mu.Lock()
	defer c.mu.Unlock()

	clearAll := func(b port.CartBackend) (domain.CartItem, error) {
		return domain.CartItem{}, b.Clear(ctx, c.session.Owner)
	}

	out, err := c.mutate(ctx, op, clearAll)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	c.lines = nil
	c.loaded = true
	return out, nil
}

// Merge adds ls to the cart in one write. Lines are matched by key and
// keep the recorded price of an existing line.
func (c *Cart) Merge(
	ctx context.Context, ls domain.Lines,
) (domain.Outcome, error) {
	const op = "Cart.Merge"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoaded(ctx); err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	var merged domain.Lines
	mergeAll := func(b port.CartBackend) (domain.CartItem, error) {
		var err error
		merged, err = b.MergeLines(ctx, c.session.Owner, ls)
		return domain.CartItem{}, err
	}

	out, err := c.mutate(ctx, op, mergeAll)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%s: %w", op, err)
	}

	c.lines = merged
	c.loaded = true
	return out, nil
}

func (c *Cart) removeItem(
	ctx context.Context, op, itemID string,
) (domain.Outcome, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return domain.Outcome{}, err
	}

	remove := func(b port.CartBackend) (domain.CartItem, error) {
		return domain.CartItem{ID: itemID}, b.DeleteLine(ctx, c.session.Owner, itemID)
	}

	out, err := c.mutate(ctx, op, remove)
	if err != nil {
		return domain.Outcome{}, err
	}

	if c.mirrorsLocal(out) {
		c.syncLocal(ctx)
	} else {
		c.lines, _ = c.lines.Remove(itemID)
	}
	return out, nil
}

// mutate runs fn against the primary store. When a remote store fails,
// fn is run again against the local store seeded with the mirror.
// When it reports a missing line, fn is run against the local store
// unchanged.
func (c *Cart) mutate(
	ctx context.Context,
	op string,
	fn func(port.CartBackend) (domain.CartItem, error),
) (domain.Outcome, error) {
	log := slog.With("op", op, "cart", c.session.Key())

	item, err := fn(c.primary)
	if err == nil {
		return domain.Outcome{Persisted: c.primary.Kind(), Item: item}, nil
	}

	if !c.canFallBack() {
		return domain.Outcome{}, err
	}

	// A line missing remotely may be a degraded line kept locally, so
	// the local store is tried as it is.
	if errors.Is(err, domain.ErrItemNotFound) {
		log.Debug("item not found in remote store, trying local", "err", err)
	} else {
		log.Warn("remote store failed, falling back to local", "err", err)

		if s, ok := c.local.(seeder); ok {
			if err := s.Seed(ctx, c.session.Owner, c.lines); err != nil {
				return domain.Outcome{}, err
			}
		}
	}

	item, err = fn(c.local)
	if err != nil {
		return domain.Outcome{}, err
	}

	return domain.Outcome{
		Persisted: domain.StoreLocal,
		Degraded:  true,
		Item:      item,
	}, nil
}

func (c *Cart) applyPut(ctx context.Context, out domain.Outcome) {
	if c.mirrorsLocal(out) {
		c.syncLocal(ctx)
		return
	}
	c.lines = c.lines.Put(out.Item)
}

// mirrorsLocal reports whether the mirror must equal the local store
// after a mutation.
func (c *Cart) mirrorsLocal(out domain.Outcome) bool {
	return out.Persisted == domain.StoreLocal && !out.Degraded
}

func (c *Cart) syncLocal(ctx context.Context) {
	const op = "Cart.syncLocal"

	ls, err := c.primary.Load(ctx, c.session.Owner)
	if err != nil {
		slog.Error("failed to reload local cart", "op", op, "err", err)
		c.loaded = false
		return
	}
	c.lines = ls
}

func (c *Cart) canFallBack() bool {
	return c.local != nil && c.primary.Kind() == domain.StoreRemote
}

func (c *Cart) ensureLoaded(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	return c.reload(ctx)
}

func (c *Cart) reload(ctx context.Context) error {
	const op = "Cart.reload"
	log := slog.With("op", op, "cart", c.session.Key())

	ls, err := c.primary.Load(ctx, c.session.Owner)
	if err != nil && c.canFallBack() {
		log.Warn("failed to load remote cart, loading local", "err", err)
		ls, err = c.local.Load(ctx, c.session.Owner)
	}
	if err != nil {
		return err
	}

	c.lines = ls
	c.loaded = true
	return nil
}
