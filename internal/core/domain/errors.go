package domain

import "errors"

var (
	ErrInvalidProduct  = errors.New("product id is required")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrItemNotFound    = errors.New("cart item not found")
	ErrProductNotFound = errors.New("product not found")
)
