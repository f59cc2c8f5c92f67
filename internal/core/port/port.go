package port

import (
	"context"

	"github.com/niksmo/cartsync/internal/core/domain"
)

// A CartBackend is a cart backing store. Line lookups and updates are
// scoped by owner; ErrItemNotFound reports a missing line.
type CartBackend interface {
	Kind() domain.StoreKind
	Load(ctx context.Context, owner string) (domain.Lines, error)
	FindLine(ctx context.Context, owner string, k domain.LineKey) (domain.CartItem, error)
	InsertLine(ctx context.Context, owner string, item domain.CartItem) (domain.CartItem, error)
	IncrementQuantity(ctx context.Context, owner, itemID string, delta int) (domain.CartItem, error)
	SetQuantity(ctx context.Context, owner, itemID string, quantity int) (domain.CartItem, error)
	DeleteLine(ctx context.Context, owner, itemID string) error
	Clear(ctx context.Context, owner string) error

	// MergeLines adds every line by key in one write and returns the
	// resulting cart.
	MergeLines(ctx context.Context, owner string, ls domain.Lines) (domain.Lines, error)
}

// A CartSlot persists a whole serialized cart per device.
type CartSlot interface {
	Load(ctx context.Context, owner string) (domain.Lines, error)
	Save(ctx context.Context, owner string, ls domain.Lines) error

	// Watch blocks until ctx is done, calling fn for every slot changed
	// by another writer. The caller's own saves are not reported.
	Watch(ctx context.Context, fn func(owner string)) error
}

type CartManager interface {
	Items(context.Context, domain.Session) (domain.Lines, error)
	AddItem(
		ctx context.Context, s domain.Session, p domain.Product,
		quantity int, color, size string,
	) (domain.Outcome, error)
	RemoveItem(context.Context, domain.Session, string) (domain.Outcome, error)
	UpdateQuantity(context.Context, domain.Session, string, int) (domain.Outcome, error)
	ClearCart(context.Context, domain.Session) (domain.Outcome, error)
	CartTotal(context.Context, domain.Session) (float64, error)
	ItemCount(context.Context, domain.Session) (int, error)
	SignIn(ctx context.Context, deviceID, userID string) (domain.Lines, error)
}

type CartRefresher interface {
	Refresh(context.Context, domain.Session) error
}

type ProductCatalog interface {
	ReadProduct(ctx context.Context, productID string) (domain.Product, error)
}

type CartEventsProducer interface {
	ProduceCartEvent(context.Context, domain.CartEvent) error
}

type TokenVerifier interface {
	// VerifyToken returns the user id carried by a valid access token.
	VerifyToken(token string) (string, error)
}
