package store

import (
	"context"

	"github.com/iotyro/cartsync/internal/domain"
)

// Remote is the per-user cart document store. Implementations persist one
// whole document per user ID; there are no partial-field updates.
type Remote interface {
	// Get retrieves the cart document for a user. Absence is reported as a
	// not-found application error; callers treat it as an empty mapping.
	Get(ctx context.Context, userID string) (*domain.CartDoc, error)

	// Save writes the document unconditionally with a fresh timestamp.
	Save(ctx context.Context, doc *domain.CartDoc) error

	// SaveIfVersion writes the document only if the stored version still
	// equals expectedVersion (0 for a document that does not exist yet).
	// Returns false, nil when a concurrent writer got there first.
	SaveIfVersion(ctx context.Context, doc *domain.CartDoc, expectedVersion int) (bool, error)

	// Delete removes the document for the user.
	Delete(ctx context.Context, userID string) error

	// Watch delivers a signal after every observed change to the user's
	// document until the cancel function runs or ctx ends.
	Watch(ctx context.Context, userID string) (<-chan struct{}, func(), error)
}

// Local is the guest cart store, keyed by an opaque session ID. It doubles as
// the fallback target when the remote store denies access. Malformed
// persisted data degrades to an empty cart on read, never an error.
type Local interface {
	Read(ctx context.Context, sessionID string) ([]domain.LineItem, error)

	// Add performs a quantity-summing upsert.
	Add(ctx context.Context, sessionID string, item domain.LineItem) error

	// Update replaces the matching entry verbatim, appending if absent.
	Update(ctx context.Context, sessionID string, item domain.LineItem) error

	Remove(ctx context.Context, sessionID string, productID string) error
	Clear(ctx context.Context, sessionID string) error

	// Subscribe registers for change signals on the session's cart.
	Subscribe(sessionID string) (<-chan struct{}, func())
}
