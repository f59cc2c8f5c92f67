package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.ProductCatalog = (*ProductsRepository)(nil)

type ProductsRepository struct {
	sqldb sqldb
}

func NewProductsRepository(sqldb sqldb) ProductsRepository {
	return ProductsRepository{sqldb}
}

func (r ProductsRepository) ReadProduct(
	ctx context.Context, productID string,
) (domain.Product, error) {
	const op = "ProductsRepository.ReadProduct"

	if err := ctx.Err(); err != nil {
		return domain.Product{}, fmt.Errorf("%s: %w", op, err)
	}

	query := `
		SELECT id, name, price, image_url, stock, category
		FROM products
		WHERE id = $1;`

	var v domain.Product
	err := r.sqldb.QueryRowContext(ctx, query, productID).Scan(
		&v.ID, &v.Name, &v.Price, &v.ImageURL, &v.Stock, &v.Category,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("%s: %w", op, domain.ErrProductNotFound)
		}
		return domain.Product{}, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
