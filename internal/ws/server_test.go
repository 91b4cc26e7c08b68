package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestHandleConnections_UnknownHandleRejectedBeforeUpgrade(t *testing.T) {
	hub := newMockHub()
	hub.unknownUser = true
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub).HandleConnections))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=ghost"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("unknown handle must not get a websocket")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %+v", resp)
	}
}

func TestHandleConnections_MissingHandleRejected(t *testing.T) {
	hub := newMockHub()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub).HandleConnections))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("handshake without a user must not get a websocket")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}
