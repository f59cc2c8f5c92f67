package domain

type Product struct {
	ID       string
	Name     string
	Price    float64
	ImageURL string
	Stock    int
	Category string
}

// Snapshot returns the denormalized catalog fields kept on a cart line.
func (p Product) Snapshot() *ProductSnapshot {
	return &ProductSnapshot{
		Name:     p.Name,
		Price:    p.Price,
		ImageURL: p.ImageURL,
		Stock:    p.Stock,
		Category: p.Category,
	}
}
