package devicestore

import (
	"encoding/json"
	"log/slog"

	"github.com/niksmo/cartsync/internal/core/domain"
)

type (
	cartItem struct {
		ID        string           `json:"id"`
		ProductID string           `json:"productId"`
		Quantity  int              `json:"quantity"`
		Color     string           `json:"color,omitempty"`
		Size      string           `json:"size,omitempty"`
		Price     float64          `json:"price"`
		Product   *productSnapshot `json:"product,omitempty"`
	}

	productSnapshot struct {
		Name     string  `json:"name"`
		Price    float64 `json:"price"`
		ImageURL string  `json:"imageUrl"`
		Stock    int     `json:"stock"`
		Category string  `json:"category"`
	}
)

func encodeLines(ls domain.Lines) ([]byte, error) {
	vs := make([]cartItem, 0, len(ls))
	for _, item := range ls {
		vs = append(vs, toCartItem(item))
	}
	return json.Marshal(vs)
}

func decodeLines(data []byte) (domain.Lines, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var vs []cartItem
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, err
	}

	ls := make(domain.Lines, 0, len(vs))
	for _, v := range vs {
		ls = append(ls, v.toDomain())
	}
	return ls.Valid(), nil
}

// decodeOrReset treats an unreadable slot as an empty cart.
func decodeOrReset(op, owner string, data []byte) domain.Lines {
	ls, err := decodeLines(data)
	if err != nil {
		slog.Warn(
			"corrupted cart slot, resetting to empty",
			"op", op, "owner", owner, "err", err,
		)
		return nil
	}
	return ls
}

func toCartItem(item domain.CartItem) (v cartItem) {
	v.ID = item.ID
	v.ProductID = item.ProductID
	v.Quantity = item.Quantity
	v.Color = item.Color
	v.Size = item.Size
	v.Price = item.Price
	if p := item.Product; p != nil {
		v.Product = &productSnapshot{
			Name:     p.Name,
			Price:    p.Price,
			ImageURL: p.ImageURL,
			Stock:    p.Stock,
			Category: p.Category,
		}
	}
	return
}

func (v cartItem) toDomain() domain.CartItem {
	item := domain.CartItem{
		ID:        v.ID,
		ProductID: v.ProductID,
		Quantity:  v.Quantity,
		Color:     v.Color,
		Size:      v.Size,
		Price:     v.Price,
	}
	if p := v.Product; p != nil {
		item.Product = &domain.ProductSnapshot{
			Name:     p.Name,
			Price:    p.Price,
			ImageURL: p.ImageURL,
			Stock:    p.Stock,
			Category: p.Category,
		}
	}
	return item
}
