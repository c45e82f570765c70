package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iotyro/cartsync/internal/domain"
	apperrors "github.com/iotyro/cartsync/pkg/errors"
)

const (
	keyPrefix     = "cart:"
	channelPrefix = "cartsync:changed:"
)

// maxSaveRetries bounds WATCH transaction retries under contention.
const maxSaveRetries = 3

// Store implements store.Remote on Redis. Each user's cart is one JSON
// document under cart:<userID>; every successful write publishes a change
// signal on cartsync:changed:<userID> for live watchers.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis-backed remote cart store. A zero ttl means documents
// never expire.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves the cart document for a user.
func (s *Store) Get(ctx context.Context, userID string) (*domain.CartDoc, error) {
	data, err := s.client.Get(ctx, keyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("cart", userID)
		}
		return nil, classify("cart read", err)
	}

	var doc domain.CartDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal cart document: %w", err)
	}
	if doc.Items == nil {
		doc.Items = make(map[string]domain.LineItem)
	}

	return &doc, nil
}

// Save writes the document unconditionally with a fresh timestamp and
// notifies watchers.
func (s *Store) Save(ctx context.Context, doc *domain.CartDoc) error {
	doc.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal cart document: %w", err)
	}

	if err := s.client.Set(ctx, keyPrefix+doc.UserID, data, s.ttl).Err(); err != nil {
		return classify("cart write", err)
	}

	s.notify(ctx, doc.UserID)
	return nil
}

// SaveIfVersion writes the document only if the stored version still equals
// expectedVersion. On success the document's version is expectedVersion+1.
// Returns false, nil when a concurrent writer invalidated the expectation.
func (s *Store) SaveIfVersion(ctx context.Context, doc *domain.CartDoc, expectedVersion int) (bool, error) {
	key := keyPrefix + doc.UserID
	matched := false

	txf := func(tx *redis.Tx) error {
		current := 0
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// Absent document counts as version 0.
		case err != nil:
			return err
		default:
			var existing domain.CartDoc
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("unmarshal cart document: %w", err)
			}
			current = existing.Version
		}

		if current != expectedVersion {
			matched = false
			return nil
		}

		doc.Version = expectedVersion + 1
		doc.LastUpdated = time.Now().UTC()
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal cart document: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			matched = true
		}
		return err
	}

	for i := 0; i < maxSaveRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, classify("cart write", err)
		}
		if matched {
			s.notify(ctx, doc.UserID)
		}
		return matched, nil
	}

	return false, nil
}

// Delete removes the document for the user and notifies watchers.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return classify("cart delete", err)
	}

	s.notify(ctx, userID)
	return nil
}

// Watch subscribes to the user's change channel. The returned channel gets a
// coalesced signal per observed change; the cancel function tears the
// subscription down.
func (s *Store) Watch(ctx context.Context, userID string) (<-chan struct{}, func(), error) {
	ps := s.client.Subscribe(ctx, channelPrefix+userID)

	// Force the subscription handshake so access rejections surface here
	// rather than as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, classify("cart watch", err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for range ps.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	cancel := func() { _ = ps.Close() }
	return signals, cancel, nil
}

// notify publishes a change signal. Delivery is best effort: a cart write
// that succeeded must not fail because the notification did not go out.
func (s *Store) notify(ctx context.Context, userID string) {
	_ = s.client.Publish(ctx, channelPrefix+userID, "changed").Err()
}

// classify maps Redis authorization rejections onto the access-denied error
// class; everything else is wrapped and propagated unchanged.
func classify(operation string, err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "NOPERM") || strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
		return apperrors.AccessDenied(operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
