package domain

import "time"

type CartEventType string

const (
	CartItemAdded       CartEventType = "item_added"
	CartItemRemoved     CartEventType = "item_removed"
	CartItemQuantitySet CartEventType = "item_quantity_set"
	CartCleared         CartEventType = "cleared"
	CartMerged          CartEventType = "merged"
)

// A CartEvent describes a persisted cart mutation.
//
// Origin is the instance that applied the mutation.
type CartEvent struct {
	Type       CartEventType
	Session    Session
	ItemID     string
	ProductID  string
	Quantity   int
	Persisted  StoreKind
	Origin     string
	OccurredAt time.Time
}
