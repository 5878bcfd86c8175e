package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/gantrylabs/gantry/pkg/api"
)

// The mock runtime's in-process transport cannot carry a WebSocket
// upgrade, so Connect is tested against a stub daemon speaking the real
// protocol.
func TestConnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotPath, gotQuery, gotToken string
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotToken = r.Header.Get("X-Token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	}))
	defer stub.Close()

	c := New(stub.URL)
	sb, err := c.Sandbox("box")
	if err != nil {
		t.Fatalf("Sandbox: %v", err)
	}

	conn, err := sb.Connect(context.Background(), "9000/socket?room=a", http.Header{"X-Token": {"s3cret"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "ping" {
		t.Errorf("echo = %q, want %q", msg, "ping")
	}

	if gotPath != "/v1/sandboxes/box/connect/9000/socket" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "room=a" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotToken != "s3cret" {
		t.Errorf("header = %q, want %q", gotToken, "s3cret")
	}
}

func TestConnectRejected(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.Fail(api.CodeInvalidPort, "port 9000 is not exposed"))
	}))
	defer stub.Close()

	c := New(stub.URL)
	sb, err := c.Sandbox("box")
	if err != nil {
		t.Fatalf("Sandbox: %v", err)
	}

	_, err = sb.Connect(context.Background(), "9000", nil)
	if !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("Connect: %v, want INVALID_PORT", err)
	}
}
