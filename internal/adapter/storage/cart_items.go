package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

var _ port.CartBackend = (*CartItemsRepository)(nil)

// cartLineColumns selects a cart line from "ci" joined with the live
// product row from "p".
const cartLineColumns = `
	ci.id, ci.product_id, ci.quantity, ci.color, ci.size, ci.price,
	p.name, p.price, p.image_url, p.stock, p.category`

// upsertLineQuery adds a line or folds its quantity into the line with
// the same key. The recorded price of an existing line is kept.
const upsertLineQuery = `
	INSERT INTO cart_items (
		id, user_id, product_id, color, size, quantity, price
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (user_id, product_id, color, size) DO UPDATE SET
		quantity = cart_items.quantity + EXCLUDED.quantity,
		updated_at = now()`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CartItemsRepository is the remote cart store of signed-in users.
type CartItemsRepository struct {
	sqldb sqldb
}

func NewCartItemsRepository(sqldb sqldb) CartItemsRepository {
	return CartItemsRepository{sqldb}
}

func (r CartItemsRepository) Kind() domain.StoreKind {
	return domain.StoreRemote
}

func (r CartItemsRepository) Load(
	ctx context.Context, userID string,
) (domain.Lines, error) {
	const op = "CartItemsRepository.Load"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ls, err := loadLines(ctx, r.sqldb, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ls, nil
}

func (r CartItemsRepository) FindLine(
	ctx context.Context, userID string, k domain.LineKey,
) (domain.CartItem, error) {
	const op = "CartItemsRepository.FindLine"

	query := `
		SELECT` + cartLineColumns + `
		FROM cart_items ci
		LEFT JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1
			AND ci.product_id = $2
			AND ci.color = $3
			AND ci.size = $4;`

	item, err := r.queryLine(ctx, query, userID, k.ProductID, k.Color, k.Size)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

// InsertLine adds a line priced at item.Price. A concurrent insert of
// the same line from another instance is folded into its quantity.
func (r CartItemsRepository) InsertLine(
	ctx context.Context, userID string, item domain.CartItem,
) (domain.CartItem, error) {
	const op = "CartItemsRepository.InsertLine"

	query := `
		WITH ci AS (` + upsertLineQuery + `
			RETURNING *
		)
		SELECT` + cartLineColumns + `
		FROM ci
		LEFT JOIN products p ON p.id = ci.product_id;`

	inserted, err := r.queryLine(ctx, query,
		uuid.NewString(), userID, item.ProductID, item.Color, item.Size,
		item.Quantity, item.Price,
	)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return inserted, nil
}

func (r CartItemsRepository) IncrementQuantity(
	ctx context.Context, userID, itemID string, delta int,
) (domain.CartItem, error) {
	const op = "CartItemsRepository.IncrementQuantity"

	if !isItemID(itemID) {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}

	query := `
		WITH ci AS (
			UPDATE cart_items
			SET quantity = quantity + $3, updated_at = now()
			WHERE user_id = $1 AND id = $2
			RETURNING *
		)
		SELECT` + cartLineColumns + `
		FROM ci
		LEFT JOIN products p ON p.id = ci.product_id;`

	item, err := r.queryLine(ctx, query, userID, itemID, delta)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (r CartItemsRepository) SetQuantity(
	ctx context.Context, userID, itemID string, quantity int,
) (domain.CartItem, error) {
	const op = "CartItemsRepository.SetQuantity"

	if !isItemID(itemID) {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}

	query := `
		WITH ci AS (
			UPDATE cart_items
			SET quantity = $3, updated_at = now()
			WHERE user_id = $1 AND id = $2
			RETURNING *
		)
		SELECT` + cartLineColumns + `
		FROM ci
		LEFT JOIN products p ON p.id = ci.product_id;`

	item, err := r.queryLine(ctx, query, userID, itemID, quantity)
	if err != nil {
		return domain.CartItem{}, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (r CartItemsRepository) DeleteLine(
	ctx context.Context, userID, itemID string,
) error {
	const op = "CartItemsRepository.DeleteLine"

	if !isItemID(itemID) {
		return fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}

	query := `DELETE FROM cart_items WHERE user_id = $1 AND id = $2;`

	res, err := r.sqldb.ExecContext(ctx, query, userID, itemID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrItemNotFound)
	}
	return nil
}

func (r CartItemsRepository) Clear(ctx context.Context, userID string) error {
	const op = "CartItemsRepository.Clear"

	query := `DELETE FROM cart_items WHERE user_id = $1;`

	if _, err := r.sqldb.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MergeLines upserts every line in one transaction, so a failed merge
// leaves the user cart untouched.
func (r CartItemsRepository) MergeLines(
	ctx context.Context, userID string, add domain.Lines,
) (domain.Lines, error) {
	const op = "CartItemsRepository.MergeLines"

	tx, err := r.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range add {
		if item.Quantity <= 0 || item.ProductID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, upsertLineQuery+";",
			uuid.NewString(), userID, item.ProductID, item.Color, item.Size,
			item.Quantity, item.Price,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	ls, err := loadLines(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ls, nil
}

func (r CartItemsRepository) queryLine(
	ctx context.Context, query string, args ...any,
) (domain.CartItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.CartItem{}, err
	}

	item, err := scanCartLine(r.sqldb.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CartItem{}, domain.ErrItemNotFound
		}
		return domain.CartItem{}, err
	}
	return item, nil
}

func loadLines(
	ctx context.Context, q querier, userID string,
) (domain.Lines, error) {
	query := `
		SELECT` + cartLineColumns + `
		FROM cart_items ci
		LEFT JOIN products p ON p.id = ci.product_id
		WHERE ci.user_id = $1
		ORDER BY ci.created_at, ci.id;`

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ls domain.Lines
	for rows.Next() {
		item, err := scanCartLine(rows)
		if err != nil {
			return nil, err
		}
		ls = append(ls, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ls, nil
}

func scanCartLine(row rowScanner) (domain.CartItem, error) {
	var (
		item     domain.CartItem
		name     sql.NullString
		price    sql.NullFloat64
		imageURL sql.NullString
		stock    sql.NullInt64
		category sql.NullString
	)

	err := row.Scan(
		&item.ID, &item.ProductID, &item.Quantity,
		&item.Color, &item.Size, &item.Price,
		&name, &price, &imageURL, &stock, &category,
	)
	if err != nil {
		return domain.CartItem{}, err
	}

	// A line outlives its product; it then keeps only the recorded price.
	if name.Valid {
		item.Product = &domain.ProductSnapshot{
			Name:     name.String,
			Price:    price.Float64,
			ImageURL: imageURL.String,
			Stock:    int(stock.Int64),
			Category: category.String,
		}
	}
	return item, nil
}

// isItemID reports whether id can name a remote line. Ids minted by the
// local store never can.
func isItemID(id string) bool {
	return uuid.Validate(id) == nil
}
