package httphandler

import "github.com/niksmo/cartsync/internal/core/domain"

type (
	// AddItemRequest may carry the product as the client last saw it.
	// It is only used when the catalog cannot be read.
	AddItemRequest struct {
		ProductID string           `json:"product_id"`
		Quantity  int              `json:"quantity"`
		Color     string           `json:"color"`
		Size      string           `json:"size"`
		Product   *ProductSnapshot `json:"product,omitempty"`
	}

	UpdateQuantityRequest struct {
		Quantity *int `json:"quantity"`
	}
)

type (
	CartItem struct {
		ID        string           `json:"id"`
		ProductID string           `json:"product_id"`
		Quantity  int              `json:"quantity"`
		Color     string           `json:"color,omitempty"`
		Size      string           `json:"size,omitempty"`
		Price     float64          `json:"price"`
		Subtotal  float64          `json:"subtotal"`
		Product   *ProductSnapshot `json:"product,omitempty"`
	}

	ProductSnapshot struct {
		Name     string  `json:"name"`
		Price    float64 `json:"price"`
		ImageURL string  `json:"image_url"`
		Stock    int     `json:"stock"`
		Category string  `json:"category"`
	}

	Cart struct {
		Items []CartItem `json:"items"`
		Total float64    `json:"total"`
		Count int        `json:"count"`
	}

	CartSummary struct {
		Total float64 `json:"total"`
		Count int     `json:"count"`
	}

	// Outcome tells whether a change reached the remote store or was
	// kept on the device.
	Outcome struct {
		Item      *CartItem `json:"item,omitempty"`
		Persisted string    `json:"persisted"`
		Degraded  bool      `json:"degraded"`
	}
)

func toCart(ls domain.Lines) Cart {
	items := make([]CartItem, 0, len(ls))
	for _, item := range ls {
		items = append(items, toCartItem(item))
	}
	return Cart{Items: items, Total: ls.Total(), Count: ls.Count()}
}

func toCartItem(item domain.CartItem) (v CartItem) {
	v.ID = item.ID
	v.ProductID = item.ProductID
	v.Quantity = item.Quantity
	v.Color = item.Color
	v.Size = item.Size
	v.Price = item.Price
	v.Subtotal = item.Subtotal()
	if p := item.Product; p != nil {
		v.Product = &ProductSnapshot{
			Name:     p.Name,
			Price:    p.Price,
			ImageURL: p.ImageURL,
			Stock:    p.Stock,
			Category: p.Category,
		}
	}
	return
}

func (p ProductSnapshot) toProduct(id string) domain.Product {
	return domain.Product{
		ID:       id,
		Name:     p.Name,
		Price:    p.Price,
		ImageURL: p.ImageURL,
		Stock:    p.Stock,
		Category: p.Category,
	}
}

func toOutcome(out domain.Outcome) Outcome {
	v := Outcome{
		Persisted: string(out.Persisted),
		Degraded:  out.Degraded,
	}
	if out.Item.ProductID != "" {
		item := toCartItem(out.Item)
		v.Item = &item
	}
	return v
}
