package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.CartBackend = (*LocalBackend)(nil)

const localIDSuffixLen = 8

// A LocalBackend keeps carts in a device slot. Every operation reads
// the whole cart, changes it and writes it back.
type LocalBackend struct {
	slot  port.CartSlot
	newID func() string
}

func NewLocalBackend(slot port.CartSlot) (LocalBackend, error) {
	const op = "NewLocalBackend"

	suffix, err := nanoid.Standard(localIDSuffixLen)
	if err != nil {
		return LocalBackend{}, fmt.Errorf("%s: %w", op, err)
	}

	newID := func() string {
		return localItemID(time.Now(), suffix())
	}
	return LocalBackend{slot: slot, newID: newID}, nil
}

func localItemID(t time.Time, suffix string) string {
	return "local-" + strconv.FormatInt(t.UnixMilli(), 10) + "-" + suffix
}

func (LocalBackend) Kind() domain.StoreKind {
	return domain.StoreLocal
}

func (b LocalBackend) Load(
	ctx context.Context, owner string,
) (domain.Lines, error) {
	const op = "LocalBackend.Load"

	ls, err := b.load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ls, nil
}

func (b LocalBackend) FindLine(
	ctx context.Context, owner string, k domain.LineKey,
) (domain.CartItem, error) {
	const op = "LocalBackend.FindLine"

	ls, err := b.load(ctx, owner)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}

	idx := ls.IndexByKey(k)
	if idx == -1 {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}
	return ls[idx], nil
}

func (b LocalBackend) InsertLine(
	ctx context.Context, owner string, item domain.CartItem,
) (domain.CartItem, error) {
	const op = "LocalBackend.InsertLine"

	ls, err := b.load(ctx, owner)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}

	item.ID = b.newID()
	ls = append(ls, item)

	if err := b.save(ctx, owner, ls); err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (b LocalBackend) IncrementQuantity(
	ctx context.Context, owner, itemID string, delta int,
) (domain.CartItem, error) {
	const op = "LocalBackend.IncrementQuantity"

	item, err := b.update(ctx, owner, itemID, func(q int) int {
		return q + delta
	})
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (b LocalBackend) SetQuantity(
	ctx context.Context, owner, itemID string, quantity int,
) (domain.CartItem, error) {
	const op = "LocalBackend.SetQuantity"

	item, err := b.update(ctx, owner, itemID, func(int) int {
		return quantity
	})
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (b LocalBackend) DeleteLine(
	ctx context.Context, owner, itemID string,
) error {
	const op = "LocalBackend.DeleteLine"

	ls, err := b.load(ctx, owner)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ls, ok := ls.Remove(itemID)
	if !ok {
		return fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}

	if err := b.save(ctx, owner, ls); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b LocalBackend) Clear(ctx context.Context, owner string) error {
	const op = "LocalBackend.Clear"

	if err := b.save(ctx, owner, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b LocalBackend) MergeLines(
	ctx context.Context, owner string, add domain.Lines,
) (domain.Lines, error) {
	const op = "LocalBackend.MergeLines"

	ls, err := b.load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, item := range add.Clone().Valid() {
		if idx := ls.IndexByKey(item.Key()); idx != -1 {
			ls[idx].Quantity += item.Quantity
			continue
		}
		item.ID = b.newID()
		ls = append(ls, item)
	}

	if err := b.save(ctx, owner, ls); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ls.Clone(), nil
}

// Seed replaces the stored cart with ls.
func (b LocalBackend) Seed(
	ctx context.Context, owner string, ls domain.Lines,
) error {
	const op = "LocalBackend.Seed"

	if err := b.save(ctx, owner, ls.Clone()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b LocalBackend) update(
	ctx context.Context, owner, itemID string, quantity func(int) int,
) (domain.CartItem, error) {
	ls, err := b.load(ctx, owner)
	if err != nil {
		return domain.CartItem{}, err
	}

	idx := ls.IndexByID(itemID)
	if idx == -1 {
		return domain.CartItem{}, domain.ErrItemNotFound
	}

	item := ls[idx]
	item.Quantity = quantity(item.Quantity)
	ls = ls.Put(item)

	if err := b.save(ctx, owner, ls); err != nil {
		return domain.CartItem{}, err
	}
	return item, nil
}

func (b LocalBackend) load(
	ctx context.Context, owner string,
) (domain.Lines, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ls, err := b.slot.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	return ls.Valid(), nil
}

func (b LocalBackend) save(
	ctx context.Context, owner string, ls domain.Lines,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.slot.Save(ctx, owner, ls.Valid())
}
