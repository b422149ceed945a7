package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_CreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/rooms" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body struct {
			Participants []string `json:"participants"`
			Private      bool     `json:"private"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Bad request body: %v", err)
		}
		if len(body.Participants) != 2 || !body.Private {
			t.Errorf("Unexpected body: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"roomId": "room_xyz"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.CreateRoom(context.Background(), "user_a", "user_b")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if id != "room_xyz" {
		t.Errorf("Expected room_xyz, got %s", id)
	}
}

func TestClient_CreateRoom_EmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"roomId": ""})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.CreateRoom(context.Background(), "a", "b"); err == nil {
		t.Error("Expected error for empty room id")
	}
}

func TestClient_CreateRoom_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.CreateRoom(context.Background(), "a", "b"); err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestMemory_CreateRoom(t *testing.T) {
	m := NewMemory()

	id, err := m.CreateRoom(context.Background(), "user_a", "user_b")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty room id")
	}

	p, ok := m.Participants(id)
	if !ok {
		t.Fatal("Room not recorded")
	}
	if p[0] != "user_a" || p[1] != "user_b" {
		t.Errorf("Unexpected participants %v", p)
	}

	id2, _ := m.CreateRoom(context.Background(), "user_a", "user_b")
	if id2 == id {
		t.Error("Expected unique room ids")
	}
}
