package domain

import "slices"

// A StoreKind names a cart backing store.
type StoreKind string

const (
	StoreRemote StoreKind = "remote"
	StoreLocal  StoreKind = "local"
)

// A Session selects the authoritative store for a cart.
//
// Owner is the user id for [StoreRemote] and the device id for [StoreLocal].
type Session struct {
	Owner string
	Store StoreKind
}

func RemoteSession(userID string) Session {
	return Session{Owner: userID, Store: StoreRemote}
}

func LocalSession(deviceID string) Session {
	return Session{Owner: deviceID, Store: StoreLocal}
}

func (s Session) Key() string {
	return string(s.Store) + ":" + s.Owner
}

type (
	CartItem struct {
		ID        string
		ProductID string
		Quantity  int
		Color     string
		Size      string
		Price     float64
		Product   *ProductSnapshot
	}

	ProductSnapshot struct {
		Name     string
		Price    float64
		ImageURL string
		Stock    int
		Category string
	}
)

// A LineKey identifies a cart line: the same product in another color
// or size is a separate line.
type LineKey struct {
	ProductID string
	Color     string
	Size      string
}

func (i CartItem) Key() LineKey {
	return LineKey{ProductID: i.ProductID, Color: i.Color, Size: i.Size}
}

func (i CartItem) Subtotal() float64 {
	return i.Price * float64(i.Quantity)
}

// Outcome reports where a cart mutation was persisted.
//
// Degraded is set when a remote cart mutation was saved to the local
// store after the remote call failed.
type Outcome struct {
	Persisted StoreKind
	Degraded  bool
	Item      CartItem
}

// Lines is an ordered cart state, unique by [LineKey].
type Lines []CartItem

func (ls Lines) IndexByKey(k LineKey) int {
	return slices.IndexFunc(ls, func(i CartItem) bool { return i.Key() == k })
}

func (ls Lines) IndexByID(id string) int {
	return slices.IndexFunc(ls, func(i CartItem) bool { return i.ID == id })
}

// Put replaces the line with the same id, or the same key, or appends it.
// A line with a non-positive quantity is removed instead.
func (ls Lines) Put(item CartItem) Lines {
	idx := ls.IndexByID(item.ID)
	if idx == -1 {
		idx = ls.IndexByKey(item.Key())
	}

	if item.Quantity <= 0 {
		if idx == -1 {
			return ls
		}
		return slices.Delete(ls, idx, idx+1)
	}

	if idx == -1 {
		return append(ls, item)
	}
	ls[idx] = item
	return ls
}

func (ls Lines) Remove(id string) (Lines, bool) {
	idx := ls.IndexByID(id)
	if idx == -1 {
		return ls, false
	}
	return slices.Delete(ls, idx, idx+1), true
}

// Valid drops lines that must never be persisted.
func (ls Lines) Valid() Lines {
	return slices.DeleteFunc(ls, func(i CartItem) bool {
		return i.Quantity <= 0 || i.ProductID == ""
	})
}

// Total sums recorded line prices, not live catalog prices.
func (ls Lines) Total() float64 {
	var total float64
	for _, i := range ls {
		total += i.Subtotal()
	}
	return total
}

func (ls Lines) Count() int {
	var n int
	for _, i := range ls {
		n += i.Quantity
	}
	return n
}

func (ls Lines) Clone() Lines {
	if ls == nil {
		return nil
	}
	out := make(Lines, len(ls))
	for i, item := range ls {
		if item.Product != nil {
			p := *item.Product
			item.Product = &p
		}
		out[i] = item
	}
	return out
}
