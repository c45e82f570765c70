// Package catalog is a thin read-only client for the product catalog
// service, used to reject add-to-cart requests for products that no longer
// exist. Lookups ride the shared HTTP client with retry and a circuit
// breaker so a catalog outage cannot stall cart writes indefinitely.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/iotyro/cartsync/pkg/errors"
	"github.com/iotyro/cartsync/pkg/httpclient"
)

// Product is the subset of the catalog listing the cart cares about.
type Product struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	Seller string `json:"seller"`
	Active bool   `json:"active"`
}

// Client fetches product listings from the catalog service.
type Client struct {
	baseURL string
	http    *httpclient.CircuitBreakerClient
	logger  *slog.Logger
}

// New creates a catalog client for the given base URL.
func New(baseURL string, logger *slog.Logger) *Client {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 2

	breaker := httpclient.NewCircuitBreakerClient(
		httpclient.New(cfg),
		httpclient.DefaultCircuitBreakerConfig("catalog"),
		logger,
	)

	return &Client{
		baseURL: baseURL,
		http:    breaker,
		logger:  logger,
	}
}

// GetProduct fetches one product by ID. Unknown products yield a not-found
// application error; an open circuit yields a service-unavailable error.
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	url := fmt.Sprintf("%s/api/v1/products/%s", c.baseURL, productID)

	resp, err := c.http.Get(ctx, url)
	if err != nil {
		if errors.Is(err, httpclient.ErrCircuitOpen) {
			return nil, fmt.Errorf("catalog unavailable: %w", apperrors.ErrServiceUnavail)
		}
		return nil, fmt.Errorf("fetch product %s: %w", productID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperrors.NotFound("product", productID)
	default:
		return nil, fmt.Errorf("fetch product %s: unexpected status %d", productID, resp.StatusCode)
	}

	var envelope struct {
		Data Product `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", productID, err)
	}

	return &envelope.Data, nil
}
