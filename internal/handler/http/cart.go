package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iotyro/cartsync/internal/domain"
	"github.com/iotyro/cartsync/internal/projection"
	cartsync "github.com/iotyro/cartsync/internal/sync"
	apperrors "github.com/iotyro/cartsync/pkg/errors"
	"github.com/iotyro/cartsync/pkg/validator"
)

// degradedHeader marks responses served from the local store after the
// remote store denied access.
const degradedHeader = "X-Cart-Degraded"

// CartHandler handles HTTP requests for cart endpoints. Reads go through the
// projection so they see the cached view; writes go to the sync engine and
// invalidate that view.
type CartHandler struct {
	engine *cartsync.Engine
	views  *projection.Projection
	logger *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(engine *cartsync.Engine, views *projection.Projection, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		engine: engine,
		views:  views,
		logger: logger,
	}
}

// --- Request DTOs ---

// AddItemRequest is the JSON request body for adding an item to the cart.
type AddItemRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	Name       string `json:"name" validate:"required,min=1,max=500"`
	Price      int64  `json:"price" validate:"gte=0"`
	Quantity   int    `json:"quantity" validate:"required,gte=1"`
	ImageURL   string `json:"image_url" validate:"omitempty,max=2000"`
	Seller     string `json:"seller" validate:"omitempty,max=200"`
	DataAIHint string `json:"data_ai_hint"`
}

// UpdateQuantityRequest is the JSON request body for updating an item's
// quantity. Values below one are clamped to one.
type UpdateQuantityRequest struct {
	Quantity int `json:"quantity"`
}

// --- Response envelope ---

type response struct {
	Data  any            `json:"data,omitempty"`
	Error *errorResponse `json:"error,omitempty"`
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// cartView is the JSON shape of a cart read or post-write state.
type cartView struct {
	Items    []domain.LineItem `json:"items"`
	Count    int               `json:"count"`
	Degraded bool              `json:"degraded,omitempty"`
}

// mergeView is the JSON shape of a merge outcome.
type mergeView struct {
	Skipped     bool `json:"skipped,omitempty"`
	LocalItems  int  `json:"local_items"`
	MergedCount int  `json:"merged_count"`
	Degraded    bool `json:"degraded,omitempty"`
}

func viewOf(res cartsync.Result) cartView {
	items := res.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	return cartView{Items: items, Count: res.Count, Degraded: res.Degraded}
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	res, err := h.views.View(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeCart(w, res)
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		h.writeValidationError(w, err)
		return
	}

	res, err := h.engine.AddItem(r.Context(), p, cartsync.AddItemInput{
		ProductID:  req.ProductID,
		Name:       req.Name,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ImageURL:   req.ImageURL,
		Seller:     req.Seller,
		DataAIHint: req.DataAIHint,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.views.Invalidate(p)
	h.writeCart(w, res)
}

// UpdateItemQuantity handles PUT /api/v1/cart/items/{productID}
func (h *CartHandler) UpdateItemQuantity(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	productID := chi.URLParam(r, "productID")
	if productID == "" {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{Code: "INVALID_INPUT", Message: "productID is required"},
		})
		return
	}

	var req UpdateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	res, err := h.engine.UpdateQuantity(r.Context(), p, productID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.views.Invalidate(p)
	h.writeCart(w, res)
}

// RemoveItem handles DELETE /api/v1/cart/items/{productID}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	productID := chi.URLParam(r, "productID")
	if productID == "" {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{Code: "INVALID_INPUT", Message: "productID is required"},
		})
		return
	}

	res, err := h.engine.RemoveItem(r.Context(), p, productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.views.Invalidate(p)
	h.writeCart(w, res)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}

	res, err := h.engine.Clear(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.views.Invalidate(p)
	h.writeCart(w, res)
}

// MergeCart handles POST /api/v1/cart/merge. It requires both identities: the
// bearer token names the user cart, the X-Session-ID header names the guest
// cart being folded in.
func (h *CartHandler) MergeCart(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperrors.Unauthorized("authentication required"))
		return
	}
	if p.UserID == "" {
		h.writeError(w, r, apperrors.Unauthorized("merging requires a signed-in user"))
		return
	}
	if p.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{Code: "INVALID_INPUT", Message: "X-Session-ID header is required"},
		})
		return
	}

	out, err := h.engine.Merge(r.Context(), p.SessionID, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.views.Invalidate(p)
	if out.Degraded {
		w.Header().Set(degradedHeader, "true")
	}
	writeJSON(w, http.StatusOK, response{Data: mergeView{
		Skipped:     out.Skipped,
		LocalItems:  out.LocalItems,
		MergedCount: out.MergedCount,
		Degraded:    out.Degraded,
	}})
}

// --- Helpers ---

func (h *CartHandler) writeCart(w http.ResponseWriter, res cartsync.Result) {
	if res.Degraded {
		w.Header().Set(degradedHeader, "true")
	}
	writeJSON(w, http.StatusOK, response{Data: viewOf(res)})
}

func (h *CartHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Status, response{
			Error: &errorResponse{Code: appErr.Code, Message: appErr.Message},
		})
		return
	}

	status := apperrors.HTTPStatus(err)
	code := "INTERNAL_ERROR"
	message := "an internal error occurred"

	if errors.Is(err, apperrors.ErrNotFound) {
		code = "NOT_FOUND"
		message = "resource not found"
		status = http.StatusNotFound
	} else if errors.Is(err, apperrors.ErrInvalidInput) {
		code = "INVALID_INPUT"
		message = err.Error()
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	writeJSON(w, status, response{
		Error: &errorResponse{Code: code, Message: message},
	})
}

func (h *CartHandler) writeValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		writeJSON(w, http.StatusBadRequest, response{
			Error: &errorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}

	writeJSON(w, http.StatusBadRequest, response{
		Error: &errorResponse{Code: "INVALID_INPUT", Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}
