// Package rooms creates private chat rooms on the platform chat service.
// Dispute negotiation references a room by id; messages never flow through
// this service.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rentloop/disputes/internal/idgen"
)

// Creator opens a private room between two participants and returns its id.
type Creator interface {
	CreateRoom(ctx context.Context, participantA, participantB string) (string, error)
}

// Client calls the chat service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a chat service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) CreateRoom(ctx context.Context, participantA, participantB string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"participants": []string{participantA, participantB},
		"private":      true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/internal/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat service: status %d", resp.StatusCode)
	}

	var out struct {
		RoomID string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode room response: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("chat service returned empty room id")
	}
	return out.RoomID, nil
}

// Memory hands out room ids without a chat backend, for demo/development
// mode and tests.
type Memory struct {
	mu    sync.Mutex
	rooms map[string][2]string
}

// NewMemory creates an in-memory room creator.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string][2]string)}
}

func (m *Memory) CreateRoom(_ context.Context, participantA, participantB string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := idgen.WithPrefix("room_")
	m.rooms[id] = [2]string{participantA, participantB}
	return id, nil
}

// Participants returns the participants of a created room, for tests.
func (m *Memory) Participants(roomID string) ([2]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rooms[roomID]
	return p, ok
}

var (
	_ Creator = (*Client)(nil)
	_ Creator = (*Memory)(nil)
)
