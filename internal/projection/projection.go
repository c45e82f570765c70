package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/iotyro/cartsync/internal/store"
	cartsync "github.com/iotyro/cartsync/internal/sync"
	apperrors "github.com/iotyro/cartsync/pkg/errors"
)

// Projection is the read side of the cart: a cached point-in-time view plus a
// live subscription that re-reads after every observed change. Views always
// come from the sync engine so degraded fallback and entry validation apply
// to cached and live reads alike.
type Projection struct {
	engine *cartsync.Engine
	remote store.Remote
	local  store.Local
	cache  *Cache
	logger *slog.Logger
}

// New creates a cart read projection with its own view cache.
func New(engine *cartsync.Engine, remote store.Remote, local store.Local, cacheTTL time.Duration, logger *slog.Logger) *Projection {
	return &Projection{
		engine: engine,
		remote: remote,
		local:  local,
		cache:  NewCache(cacheTTL),
		logger: logger,
	}
}

// View returns the current cart for the principal, serving from cache when a
// fresh snapshot exists. Degraded views are never cached so a recovered
// remote store is picked up on the next read.
func (p *Projection) View(ctx context.Context, pr cartsync.Principal) (cartsync.Result, error) {
	key := pr.OwnerID()
	if res, ok := p.cache.Get(key); ok {
		return res, nil
	}

	res, err := p.engine.GetCart(ctx, pr)
	if err != nil {
		return cartsync.Result{}, err
	}
	if !res.Degraded {
		p.cache.Set(key, res)
	}
	return res, nil
}

// Invalidate drops any cached views for the principal. Called after writes so
// the next read reflects them within the same process immediately.
func (p *Projection) Invalidate(pr cartsync.Principal) {
	if pr.UserID != "" {
		p.cache.Invalidate(pr.UserID)
	}
	if pr.SessionID != "" {
		p.cache.Invalidate(pr.SessionID)
	}
}

// Watch streams the principal's cart view: the current view first, then a
// fresh view after every observed change, until ctx ends or the returned
// cancel function runs. Consecutive changes may coalesce into one emission.
// A slow consumer skips intermediate views rather than blocking the watcher.
// When the remote store denies the subscription the stream degrades to a
// single local fallback view and then closes.
func (p *Projection) Watch(ctx context.Context, pr cartsync.Principal) (<-chan cartsync.Result, func(), error) {
	var (
		signals <-chan struct{}
		cancel  func()
	)

	if pr.Authenticated() {
		var err error
		signals, cancel, err = p.remote.Watch(ctx, pr.UserID)
		if apperrors.IsAccessDenied(err) {
			return p.degradedWatch(ctx, pr, err)
		}
		if err != nil {
			return nil, nil, err
		}
	} else {
		signals, cancel = p.local.Subscribe(pr.SessionID)
	}

	views := make(chan cartsync.Result, 1)

	go func() {
		defer close(views)
		defer cancel()

		p.emit(ctx, pr, views)

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				p.Invalidate(pr)
				p.emit(ctx, pr, views)
			}
		}
	}()

	return views, cancel, nil
}

// degradedWatch delivers one static view from the local fallback cart. There
// is nothing to subscribe to on the remote side, so the stream ends right
// after the first emission; clients reconnect once access is restored.
func (p *Projection) degradedWatch(ctx context.Context, pr cartsync.Principal, cause error) (<-chan cartsync.Result, func(), error) {
	res, err := p.engine.DegradedView(ctx, pr, cause)
	if err != nil {
		return nil, nil, err
	}

	views := make(chan cartsync.Result, 1)
	views <- res
	close(views)
	return views, func() {}, nil
}

// emit pushes the current view, replacing a pending unconsumed one.
func (p *Projection) emit(ctx context.Context, pr cartsync.Principal, views chan cartsync.Result) {
	res, err := p.View(ctx, pr)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to refresh cart view",
			slog.String("owner_id", pr.OwnerID()),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case views <- res:
			return
		default:
			select {
			case <-views:
			default:
			}
		}
	}
}
