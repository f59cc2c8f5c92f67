package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
)

// GET    v1/cart                 (200 OK)
// GET    v1/cart/summary         (200 OK)
// POST   v1/cart/items           JSON {"product_id","quantity","color","size","product"} (200 OK, 400, 404)
// PATCH  v1/cart/items/{id}      JSON {"quantity"} (200 OK, 400, 404)
// DELETE v1/cart/items/{id}      (200 OK, 404)
// DELETE v1/cart                 (200 OK)
// POST   v1/cart/sign-in         Bearer token and X-Device-ID (200 OK, 400, 401)
//
// Every route needs a bearer token or X-Device-ID.

type CartHandler struct {
	carts   port.CartManager
	catalog port.ProductCatalog
}

func RegisterCart(
	mux *http.ServeMux,
	carts port.CartManager,
	catalog port.ProductCatalog,
	verifier port.TokenVerifier,
) {
	h := CartHandler{carts, catalog}
	identify := Identify(verifier)

	handle := func(pattern string, hf http.HandlerFunc) {
		mux.Handle(pattern, identify(AllowJSON(hf)))
	}

	handle("GET /v1/cart", h.GetCart)
	handle("GET /v1/cart/summary", h.GetSummary)
	handle("POST /v1/cart/items", h.PostItem)
	handle("PATCH /v1/cart/items/{id}", h.PatchItem)
	handle("DELETE /v1/cart/items/{id}", h.DeleteItem)
	handle("DELETE /v1/cart", h.DeleteCart)
	handle("POST /v1/cart/sign-in", h.PostSignIn)
}

func (h CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.GetCart"
	log := slog.With("op", op)

	ls, err := h.carts.Items(r.Context(), identityFrom(r.Context()).session())
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toCart(ls))
}

func (h CartHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.GetSummary"
	log := slog.With("op", op)

	ctx := r.Context()
	sess := identityFrom(ctx).session()

	total, err := h.carts.CartTotal(ctx, sess)
	if err != nil {
		writeError(w, log, err)
		return
	}

	count, err := h.carts.ItemCount(ctx, sess)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, CartSummary{Total: total, Count: count})
}

func (h CartHandler) PostItem(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.PostItem"
	log := slog.With("op", op)

	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON data", http.StatusBadRequest)
		log.Warn("failed to parse JSON", "err", err)
		return
	}
	if req.ProductID == "" {
		http.Error(w, "product_id required", http.StatusBadRequest)
		return
	}
	if req.Product != nil && req.Product.Price < 0 {
		http.Error(w, "invalid product", http.StatusBadRequest)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ctx := r.Context()
	p, err := h.readProduct(ctx, log, req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	out, err := h.carts.AddItem(
		ctx, identityFrom(ctx).session(), p, req.Quantity, req.Color, req.Size,
	)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toOutcome(out))
}

// readProduct falls back to the snapshot sent by the client when the
// catalog is unavailable. An unknown product is never added.
func (h CartHandler) readProduct(
	ctx context.Context, log *slog.Logger, req AddItemRequest,
) (domain.Product, error) {
	p, err := h.catalog.ReadProduct(ctx, req.ProductID)
	if err == nil || errors.Is(err, domain.ErrProductNotFound) {
		return p, err
	}
	if req.Product == nil {
		return domain.Product{}, err
	}

	log.Warn("catalog is unavailable, using client snapshot",
		"product", req.ProductID, "err", err)
	return req.Product.toProduct(req.ProductID), nil
}

func (h CartHandler) PatchItem(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.PatchItem"
	log := slog.With("op", op)

	var req UpdateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON data", http.StatusBadRequest)
		log.Warn("failed to parse JSON", "err", err)
		return
	}
	if req.Quantity == nil {
		http.Error(w, "quantity required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	out, err := h.carts.UpdateQuantity(
		ctx, identityFrom(ctx).session(), r.PathValue("id"), *req.Quantity,
	)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toOutcome(out))
}

func (h CartHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.DeleteItem"
	log := slog.With("op", op)

	ctx := r.Context()
	out, err := h.carts.RemoveItem(
		ctx, identityFrom(ctx).session(), r.PathValue("id"),
	)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toOutcome(out))
}

func (h CartHandler) DeleteCart(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.DeleteCart"
	log := slog.With("op", op)

	ctx := r.Context()
	out, err := h.carts.ClearCart(ctx, identityFrom(ctx).session())
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toOutcome(out))
}

func (h CartHandler) PostSignIn(w http.ResponseWriter, r *http.Request) {
	const op = "CartHandler.PostSignIn"
	log := slog.With("op", op)

	ctx := r.Context()
	id := identityFrom(ctx)
	if id.userID == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}
	if id.deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	ls, err := h.carts.SignIn(ctx, id.deviceID, id.userID)
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, toCart(ls))
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidProduct):
		http.Error(w, "invalid product", http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidQuantity):
		http.Error(w, "invalid quantity", http.StatusBadRequest)
	case errors.Is(err, domain.ErrItemNotFound):
		http.Error(w, "item not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrProductNotFound):
		http.Error(w, "product not found", http.StatusNotFound)
	default:
		log.Error("failed to handle request", "err", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response body", "err", err)
	}
}
