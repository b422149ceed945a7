// Package orders talks to the rental order service. Disputes only need a
// narrow slice of the order model: who the two parties of a line item are,
// which rental phase it is in, and the disputed flag used to freeze payouts.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the order or line item does not exist.
	ErrNotFound = errors.New("order line item not found")
)

// LineItem is the order service's view of one rented item within an order.
type LineItem struct {
	OrderID       string `json:"orderId"`
	Index         int    `json:"index"`
	OwnerID       string `json:"ownerId"`
	RenterID      string `json:"renterId"`
	Phase         string `json:"phase"` // "delivery" or "return"
	Disputed      bool   `json:"disputed"`
	OwnerContact  string `json:"ownerContact"`
	RenterContact string `json:"renterContact"`
}

// Service is the order collaborator surface the dispute service needs.
type Service interface {
	GetLineItem(ctx context.Context, orderID string, lineItem int) (*LineItem, error)
	MarkDisputed(ctx context.Context, orderID string, lineItem int) error
	ClearDisputed(ctx context.Context, orderID string, lineItem int) error
}

// Client calls the order service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an order service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) GetLineItem(ctx context.Context, orderID string, lineItem int) (*LineItem, error) {
	url := fmt.Sprintf("%s/internal/orders/%s/line-items/%d", c.baseURL, orderID, lineItem)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var li LineItem
		if err := json.NewDecoder(resp.Body).Decode(&li); err != nil {
			return nil, fmt.Errorf("decode line item: %w", err)
		}
		return &li, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("order service: status %d", resp.StatusCode)
	}
}

func (c *Client) MarkDisputed(ctx context.Context, orderID string, lineItem int) error {
	return c.setDisputed(ctx, "POST", orderID, lineItem)
}

func (c *Client) ClearDisputed(ctx context.Context, orderID string, lineItem int) error {
	return c.setDisputed(ctx, "DELETE", orderID, lineItem)
}

func (c *Client) setDisputed(ctx context.Context, method, orderID string, lineItem int) error {
	url := fmt.Sprintf("%s/internal/orders/%s/line-items/%d/disputed", c.baseURL, orderID, lineItem)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("order service: status %d", resp.StatusCode)
	}
}

// Memory is an in-memory order fixture for demo/development mode and tests.
type Memory struct {
	items map[string]*LineItem
	mu    sync.RWMutex
}

// NewMemory creates an empty in-memory order fixture.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*LineItem)}
}

func key(orderID string, lineItem int) string {
	return fmt.Sprintf("%s#%d", orderID, lineItem)
}

// Put registers or replaces a line item fixture.
func (m *Memory) Put(li *LineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *li
	m.items[key(li.OrderID, li.Index)] = &cp
}

func (m *Memory) GetLineItem(_ context.Context, orderID string, lineItem int) (*LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	li, ok := m.items[key(orderID, lineItem)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *li
	return &cp, nil
}

func (m *Memory) MarkDisputed(_ context.Context, orderID string, lineItem int) error {
	return m.setDisputed(orderID, lineItem, true)
}

func (m *Memory) ClearDisputed(_ context.Context, orderID string, lineItem int) error {
	return m.setDisputed(orderID, lineItem, false)
}

func (m *Memory) setDisputed(orderID string, lineItem int, disputed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	li, ok := m.items[key(orderID, lineItem)]
	if !ok {
		return ErrNotFound
	}
	li.Disputed = disputed
	return nil
}

var (
	_ Service = (*Client)(nil)
	_ Service = (*Memory)(nil)
)
