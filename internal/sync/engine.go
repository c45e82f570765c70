package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iotyro/cartsync/internal/catalog"
	"github.com/iotyro/cartsync/internal/domain"
	"github.com/iotyro/cartsync/internal/event"
	"github.com/iotyro/cartsync/internal/store"
	apperrors "github.com/iotyro/cartsync/pkg/errors"
	"github.com/iotyro/cartsync/pkg/validator"
)

// Cart operation upper-bound limits to prevent abuse.
const (
	// MaxQuantityPerItem is the maximum quantity allowed for a single cart item.
	MaxQuantityPerItem = 100
	// MaxItemsPerCart is the maximum number of distinct items allowed in a cart.
	MaxItemsPerCart = 50
	// MaxPriceCents is the maximum price in cents (100,000.00) allowed per item.
	MaxPriceCents = 100_000_00

	// maxWriteAttempts bounds the re-read/re-apply loop on version conflicts.
	maxWriteAttempts = 3
)

var (
	fallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartsync_fallback_total",
		Help: "Operations served from the local store after a remote access denial.",
	}, []string{"operation"})

	decodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartsync_decode_errors_total",
		Help: "Cart document entries dropped because they failed schema validation.",
	})
)

// Principal identifies the cart owner for an operation. An authenticated
// request carries a user ID; a guest request carries only a session ID. Both
// may be present right after sign-in, which is what makes merging possible.
type Principal struct {
	UserID    string
	SessionID string
}

// Authenticated reports whether the principal resolves to a remote cart.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}

// OwnerID is the key events and logs attribute the cart to.
func (p Principal) OwnerID() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.SessionID
}

// fallbackKey is the local-store key used when the remote store denies
// access. The session ID is preferred so a later merge can pick the items up.
func (p Principal) fallbackKey() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.UserID
}

// AddItemInput holds the parameters for adding an item to the cart.
type AddItemInput struct {
	ProductID  string `json:"product_id" validate:"required"`
	Name       string `json:"name" validate:"required,max=500"`
	Price      int64  `json:"price" validate:"gte=0"`
	Quantity   int    `json:"quantity" validate:"required,gte=1"`
	ImageURL   string `json:"image_url" validate:"omitempty,max=2000"`
	Seller     string `json:"seller" validate:"omitempty,max=200"`
	DataAIHint string `json:"data_ai_hint"`
}

// Result is the post-operation view of a cart: the items as a stable ordered
// list, the total unit count, and whether the operation fell back to the
// local store because the remote store denied access.
type Result struct {
	Items    []domain.LineItem
	Count    int
	Degraded bool
}

// MergeOutcome reports what a sign-in merge did.
type MergeOutcome struct {
	// Skipped is true when the guest cart was empty and nothing was written.
	Skipped bool
	// LocalItems is the number of distinct guest entries folded in.
	LocalItems int
	// MergedCount is the total unit count of the merged remote cart.
	MergedCount int
	// Degraded is true when the remote store denied access; the guest cart
	// is kept untouched so the merge can be retried later.
	Degraded bool
}

// Catalog verifies that a product referenced by an add still exists.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*catalog.Product, error)
}

// Engine routes cart operations between the remote per-user document store
// and the local per-session store, merging the two at sign-in. Remote writes
// use optimistic locking with a bounded re-apply loop; remote access denials
// degrade to the local store instead of failing the operation.
type Engine struct {
	remote  store.Remote
	local   store.Local
	catalog Catalog
	events  *event.Producer
	logger  *slog.Logger
}

// NewEngine creates a cart sync engine. catalog may be nil to skip product
// existence checks.
func NewEngine(remote store.Remote, local store.Local, cat Catalog, events *event.Producer, logger *slog.Logger) *Engine {
	return &Engine{
		remote:  remote,
		local:   local,
		catalog: cat,
		events:  events,
		logger:  logger,
	}
}

// GetCart returns the current cart for the principal. A missing remote
// document and an empty guest cart both read as an empty result.
func (e *Engine) GetCart(ctx context.Context, p Principal) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}

	if !p.Authenticated() {
		return e.localResult(ctx, p.SessionID, false)
	}

	doc, err := e.remote.Get(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Result{Items: []domain.LineItem{}}, nil
		}
		if apperrors.IsAccessDenied(err) {
			return e.fallbackRead(ctx, p, "get", err)
		}
		return Result{}, fmt.Errorf("get cart: %w", err)
	}

	return e.docResult(ctx, doc), nil
}

// DegradedView serves the principal's cart from the local store after the
// remote store denied access, recording the fallback like any denied read.
func (e *Engine) DegradedView(ctx context.Context, p Principal, cause error) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}
	return e.fallbackRead(ctx, p, "watch", cause)
}

// AddItem folds an item into the principal's cart, summing quantities when
// the product is already present.
func (e *Engine) AddItem(ctx context.Context, p Principal, input AddItemInput) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}
	if err := validator.Validate(input); err != nil {
		return Result{}, err
	}
	if input.Quantity > MaxQuantityPerItem {
		return Result{}, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}
	if input.Price > MaxPriceCents {
		return Result{}, apperrors.InvalidInput(fmt.Sprintf("price must not exceed %d cents", MaxPriceCents))
	}

	if err := e.verifyProduct(ctx, input.ProductID); err != nil {
		return Result{}, err
	}

	item := domain.LineItem{
		ID:         input.ProductID,
		Name:       input.Name,
		Price:      input.Price,
		ImageURL:   input.ImageURL,
		Quantity:   input.Quantity,
		Seller:     input.Seller,
		ProductID:  input.ProductID,
		DataAIHint: input.DataAIHint,
	}

	if !p.Authenticated() {
		if err := e.local.Add(ctx, p.SessionID, item); err != nil {
			return Result{}, fmt.Errorf("add to guest cart: %w", err)
		}
		res, err := e.localResult(ctx, p.SessionID, false)
		if err != nil {
			return Result{}, err
		}
		e.publishUpdated(ctx, p.SessionID, res)
		e.logger.InfoContext(ctx, "item added to guest cart",
			slog.String("session_id", p.SessionID),
			slog.String("product_id", item.ID),
			slog.Int("quantity", item.Quantity),
		)
		return res, nil
	}

	res, err := e.writeRemote(ctx, p, "add", func(doc *domain.CartDoc) (bool, error) {
		existing, ok := doc.Items[item.ID]
		if !ok && len(doc.Items) >= MaxItemsPerCart {
			return false, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d items", MaxItemsPerCart))
		}
		if ok && existing.WellFormed() && existing.Quantity+item.Quantity > MaxQuantityPerItem {
			return false, apperrors.InvalidInput(fmt.Sprintf("combined quantity must not exceed %d", MaxQuantityPerItem))
		}
		doc.Upsert(item)
		return true, nil
	}, func(ctx context.Context) error {
		return e.local.Add(ctx, p.fallbackKey(), item)
	})
	if err != nil {
		return Result{}, err
	}

	if !res.Degraded {
		e.logger.InfoContext(ctx, "item added to cart",
			slog.String("user_id", p.UserID),
			slog.String("product_id", item.ID),
			slog.Int("quantity", item.Quantity),
		)
	}
	return res, nil
}

// UpdateQuantity sets the quantity for an item already in the cart. Values
// below one are clamped to one; removal is a separate operation.
func (e *Engine) UpdateQuantity(ctx context.Context, p Principal, productID string, quantity int) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}
	if productID == "" {
		return Result{}, apperrors.InvalidInput("product id is required")
	}
	if quantity < 1 {
		quantity = 1
	}
	if quantity > MaxQuantityPerItem {
		return Result{}, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}

	if !p.Authenticated() {
		items, err := e.local.Read(ctx, p.SessionID)
		if err != nil {
			return Result{}, fmt.Errorf("read guest cart: %w", err)
		}
		item, ok := findItem(items, productID)
		if !ok {
			return Result{}, apperrors.NotFound("cart item", productID)
		}
		item.Quantity = quantity
		if err := e.local.Update(ctx, p.SessionID, item); err != nil {
			return Result{}, fmt.Errorf("update guest cart: %w", err)
		}
		res, err := e.localResult(ctx, p.SessionID, false)
		if err != nil {
			return Result{}, err
		}
		e.publishUpdated(ctx, p.SessionID, res)
		return res, nil
	}

	return e.writeRemote(ctx, p, "update", func(doc *domain.CartDoc) (bool, error) {
		entry, ok := doc.Items[productID]
		if !ok {
			return false, apperrors.NotFound("cart item", productID)
		}
		entry.Quantity = quantity
		doc.Set(entry)
		return true, nil
	}, func(ctx context.Context) error {
		items, err := e.local.Read(ctx, p.fallbackKey())
		if err != nil {
			return err
		}
		item, ok := findItem(items, productID)
		if !ok {
			return apperrors.NotFound("cart item", productID)
		}
		item.Quantity = quantity
		return e.local.Update(ctx, p.fallbackKey(), item)
	})
}

// RemoveItem deletes a product from the cart. Removing from an absent cart or
// an absent entry is a no-op.
func (e *Engine) RemoveItem(ctx context.Context, p Principal, productID string) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}
	if productID == "" {
		return Result{}, apperrors.InvalidInput("product id is required")
	}

	if !p.Authenticated() {
		if err := e.local.Remove(ctx, p.SessionID, productID); err != nil {
			return Result{}, fmt.Errorf("remove from guest cart: %w", err)
		}
		res, err := e.localResult(ctx, p.SessionID, false)
		if err != nil {
			return Result{}, err
		}
		e.publishUpdated(ctx, p.SessionID, res)
		return res, nil
	}

	var removed bool
	res, err := e.writeRemote(ctx, p, "remove", func(doc *domain.CartDoc) (bool, error) {
		removed = doc.Remove(productID)
		return removed, nil
	}, func(ctx context.Context) error {
		return e.local.Remove(ctx, p.fallbackKey(), productID)
	})
	if err != nil {
		return Result{}, err
	}

	if removed && !res.Degraded {
		e.logger.InfoContext(ctx, "item removed from cart",
			slog.String("user_id", p.UserID),
			slog.String("product_id", productID),
		)
	}
	return res, nil
}

// Clear empties the principal's cart.
func (e *Engine) Clear(ctx context.Context, p Principal) (Result, error) {
	if err := requirePrincipal(p); err != nil {
		return Result{}, err
	}

	if !p.Authenticated() {
		if err := e.local.Clear(ctx, p.SessionID); err != nil {
			return Result{}, fmt.Errorf("clear guest cart: %w", err)
		}
		e.publishCleared(ctx, p.SessionID)
		return Result{Items: []domain.LineItem{}}, nil
	}

	if err := e.remote.Delete(ctx, p.UserID); err != nil {
		if apperrors.IsAccessDenied(err) {
			return e.fallbackClear(ctx, p, err)
		}
		return Result{}, fmt.Errorf("delete cart: %w", err)
	}

	e.publishCleared(ctx, p.UserID)
	e.logger.InfoContext(ctx, "cart cleared", slog.String("user_id", p.UserID))
	return Result{Items: []domain.LineItem{}}, nil
}

// Merge folds the guest cart into the user's remote cart at sign-in,
// summing quantities for products present on both sides. The guest cart is
// cleared only after the remote write succeeds; on access denial the guest
// cart is kept and the outcome is marked degraded, not failed.
func (e *Engine) Merge(ctx context.Context, sessionID, userID string) (MergeOutcome, error) {
	if sessionID == "" {
		return MergeOutcome{}, apperrors.InvalidInput("session id is required")
	}
	if userID == "" {
		return MergeOutcome{}, apperrors.InvalidInput("user id is required")
	}

	localItems, err := e.local.Read(ctx, sessionID)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("read guest cart: %w", err)
	}
	if len(localItems) == 0 {
		return MergeOutcome{Skipped: true}, nil
	}

	var doc *domain.CartDoc
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, err = e.getOrCreateDoc(ctx, userID)
		if err != nil {
			if apperrors.IsAccessDenied(err) {
				return e.degradedMerge(ctx, sessionID, userID, err)
			}
			return MergeOutcome{}, err
		}

		expected := doc.Version
		doc.MergeLocal(localItems)

		ok, err := e.remote.SaveIfVersion(ctx, doc, expected)
		if err != nil {
			if apperrors.IsAccessDenied(err) {
				return e.degradedMerge(ctx, sessionID, userID, err)
			}
			return MergeOutcome{}, fmt.Errorf("save merged cart: %w", err)
		}
		if ok {
			break
		}
		doc = nil
	}
	if doc == nil {
		return MergeOutcome{}, apperrors.Conflict("cart was modified concurrently, please retry")
	}

	// The guest cart is emptied only now that the merged document is durable.
	// A failure here leaves stale guest items behind, which a retried merge
	// would double-count, so it is surfaced rather than logged away.
	if err := e.local.Clear(ctx, sessionID); err != nil {
		return MergeOutcome{}, fmt.Errorf("clear guest cart after merge: %w", err)
	}

	if err := e.events.PublishCartMerged(ctx, userID, sessionID, len(localItems), doc.ItemCount()); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish cart.merged event",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "guest cart merged",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Int("local_items", len(localItems)),
		slog.Int("merged_count", doc.ItemCount()),
	)

	return MergeOutcome{LocalItems: len(localItems), MergedCount: doc.ItemCount()}, nil
}

// writeRemote runs a read-mutate-write cycle against the remote store with
// optimistic locking, re-reading and re-applying on version conflicts. A
// mutation that reports no change skips the write entirely. On access denial
// the fallback mutation is applied to the local store and the result is
// degraded instead of an error.
func (e *Engine) writeRemote(ctx context.Context, p Principal, op string, mutate func(*domain.CartDoc) (bool, error), fallback func(context.Context) error) (Result, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc, err := e.getOrCreateDoc(ctx, p.UserID)
		if err != nil {
			if apperrors.IsAccessDenied(err) {
				return e.fallbackWrite(ctx, p, op, fallback, err)
			}
			return Result{}, err
		}

		expected := doc.Version
		changed, err := mutate(doc)
		if err != nil {
			return Result{}, err
		}
		if !changed {
			return e.docResult(ctx, doc), nil
		}

		ok, err := e.remote.SaveIfVersion(ctx, doc, expected)
		if err != nil {
			if apperrors.IsAccessDenied(err) {
				return e.fallbackWrite(ctx, p, op, fallback, err)
			}
			return Result{}, fmt.Errorf("save cart: %w", err)
		}
		if ok {
			res := e.docResult(ctx, doc)
			e.publishUpdated(ctx, p.UserID, res)
			return res, nil
		}
	}
	return Result{}, apperrors.Conflict("cart was modified concurrently, please retry")
}

// getOrCreateDoc retrieves the user's cart document, returning a fresh empty
// one when none exists.
func (e *Engine) getOrCreateDoc(ctx context.Context, userID string) (*domain.CartDoc, error) {
	doc, err := e.remote.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.NewCartDoc(userID), nil
		}
		if apperrors.IsAccessDenied(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return doc, nil
}

// verifyProduct checks the product exists in the catalog. An unreachable
// catalog does not block the add; only a definitive not-found does.
func (e *Engine) verifyProduct(ctx context.Context, productID string) error {
	if e.catalog == nil {
		return nil
	}
	if _, err := e.catalog.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.InvalidInput(fmt.Sprintf("product %s does not exist", productID))
		}
		e.logger.WarnContext(ctx, "catalog lookup skipped",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// docResult projects a remote document into a Result, dropping entries that
// fail schema validation.
func (e *Engine) docResult(ctx context.Context, doc *domain.CartDoc) Result {
	items, dropped := domain.ProjectItems(doc)
	for _, de := range dropped {
		decodeErrorsTotal.Inc()
		e.logger.WarnContext(ctx, "dropping malformed cart entry",
			slog.String("user_id", doc.UserID),
			slog.String("product_id", de.ProductID),
			slog.String("reason", de.Reason.Error()),
		)
	}
	return Result{Items: items, Count: domain.CountItems(items)}
}

// localResult reads the local store and shapes it as a Result.
func (e *Engine) localResult(ctx context.Context, key string, degraded bool) (Result, error) {
	items, err := e.local.Read(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read guest cart: %w", err)
	}
	return Result{Items: items, Count: domain.CountItems(items), Degraded: degraded}, nil
}

// fallbackRead serves a read from the local store after a remote denial.
func (e *Engine) fallbackRead(ctx context.Context, p Principal, op string, cause error) (Result, error) {
	e.noteFallback(ctx, p, op, cause)
	return e.localResult(ctx, p.fallbackKey(), true)
}

// fallbackWrite applies the local equivalent of a remote mutation after a
// denial, then reads the degraded view back.
func (e *Engine) fallbackWrite(ctx context.Context, p Principal, op string, apply func(context.Context) error, cause error) (Result, error) {
	e.noteFallback(ctx, p, op, cause)
	if err := apply(ctx); err != nil {
		return Result{}, err
	}
	res, err := e.localResult(ctx, p.fallbackKey(), true)
	if err != nil {
		return Result{}, err
	}
	e.publishUpdated(ctx, p.fallbackKey(), res)
	return res, nil
}

func (e *Engine) fallbackClear(ctx context.Context, p Principal, cause error) (Result, error) {
	e.noteFallback(ctx, p, "clear", cause)
	if err := e.local.Clear(ctx, p.fallbackKey()); err != nil {
		return Result{}, fmt.Errorf("clear guest cart: %w", err)
	}
	e.publishCleared(ctx, p.fallbackKey())
	return Result{Items: []domain.LineItem{}, Degraded: true}, nil
}

// degradedMerge records a denied merge and leaves the guest cart intact so a
// later attempt can still pick it up.
func (e *Engine) degradedMerge(ctx context.Context, sessionID, userID string, cause error) (MergeOutcome, error) {
	fallbackTotal.WithLabelValues("merge").Inc()
	e.logger.WarnContext(ctx, "remote store denied access, keeping guest cart",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.String("error", cause.Error()),
	)
	return MergeOutcome{Degraded: true}, nil
}

func (e *Engine) noteFallback(ctx context.Context, p Principal, op string, cause error) {
	fallbackTotal.WithLabelValues(op).Inc()
	e.logger.WarnContext(ctx, "remote store denied access, serving local cart",
		slog.String("operation", op),
		slog.String("user_id", p.UserID),
		slog.String("session_id", p.SessionID),
		slog.String("error", cause.Error()),
	)
}

func (e *Engine) publishUpdated(ctx context.Context, ownerID string, res Result) {
	if err := e.events.PublishCartUpdated(ctx, ownerID, res.Items, res.Degraded); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish cart.updated event",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishCleared(ctx context.Context, ownerID string) {
	if err := e.events.PublishCartCleared(ctx, ownerID); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish cart.cleared event",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}

func requirePrincipal(p Principal) error {
	if p.UserID == "" && p.SessionID == "" {
		return apperrors.InvalidInput("user id or session id is required")
	}
	return nil
}

func findItem(items []domain.LineItem, productID string) (domain.LineItem, bool) {
	for _, it := range items {
		if it.ID == productID {
			return it, true
		}
	}
	return domain.LineItem{}, false
}
