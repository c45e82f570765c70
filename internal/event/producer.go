package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iotyro/cartsync/internal/domain"
	pkgkafka "github.com/iotyro/cartsync/pkg/kafka"
)

// Kafka topics for cart domain events.
var (
	TopicCartUpdated = pkgkafka.Topic("cart", "updated")
	TopicCartMerged  = pkgkafka.Topic("cart", "merged")
	TopicCartCleared = pkgkafka.Topic("cart", "cleared")
)

const (
	aggregateTypeCart = "cart"
	sourceCartsync    = "cartsync"
)

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	OwnerID   string            `json:"owner_id"`
	Items     []domain.LineItem `json:"items"`
	ItemCount int               `json:"item_count"`
	Degraded  bool              `json:"degraded,omitempty"`
}

// CartMergedData is the payload for a cart.merged event, emitted after a
// guest cart has been folded into a user cart at sign-in.
type CartMergedData struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	LocalItems  int    `json:"local_items"`
	MergedCount int    `json:"merged_count"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	OwnerID string `json:"owner_id"`
}

// Producer publishes cart domain events to Kafka. Publish failures are the
// caller's to log; a cart mutation that already persisted never fails
// because its event did not go out.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCartUpdated publishes a cart.updated event for the given owner
// (user ID or guest session ID).
func (p *Producer) PublishCartUpdated(ctx context.Context, ownerID string, items []domain.LineItem, degraded bool) error {
	data := CartUpdatedData{
		OwnerID:   ownerID,
		Items:     items,
		ItemCount: domain.CountItems(items),
		Degraded:  degraded,
	}

	ev, err := pkgkafka.NewEvent(TopicCartUpdated, ownerID, aggregateTypeCart, sourceCartsync, data)
	if err != nil {
		return fmt.Errorf("create cart.updated event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartUpdated, ev); err != nil {
		return fmt.Errorf("publish cart.updated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.updated event",
		slog.String("owner_id", ownerID),
		slog.Int("item_count", data.ItemCount),
	)

	return nil
}

// PublishCartMerged publishes a cart.merged event.
func (p *Producer) PublishCartMerged(ctx context.Context, userID, sessionID string, localItems, mergedCount int) error {
	data := CartMergedData{
		UserID:      userID,
		SessionID:   sessionID,
		LocalItems:  localItems,
		MergedCount: mergedCount,
	}

	ev, err := pkgkafka.NewEvent(TopicCartMerged, userID, aggregateTypeCart, sourceCartsync, data)
	if err != nil {
		return fmt.Errorf("create cart.merged event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartMerged, ev); err != nil {
		return fmt.Errorf("publish cart.merged event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.merged event",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
	)

	return nil
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, ownerID string) error {
	data := CartClearedData{OwnerID: ownerID}

	ev, err := pkgkafka.NewEvent(TopicCartCleared, ownerID, aggregateTypeCart, sourceCartsync, data)
	if err != nil {
		return fmt.Errorf("create cart.cleared event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartCleared, ev); err != nil {
		return fmt.Errorf("publish cart.cleared event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.cleared event",
		slog.String("owner_id", ownerID),
	)

	return nil
}
