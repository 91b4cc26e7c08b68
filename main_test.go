package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"parley/internal/models"
)

func TestIntegration(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "integration_test.db")
	apiAddr := "127.0.0.1:18087"

	_ = os.Setenv("PARLEY_DB", dbFile)
	_ = os.Setenv("API_ADDR", apiAddr)
	defer func() {
		_ = os.Unsetenv("PARLEY_DB")
		_ = os.Unsetenv("API_ADDR")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, "http://"+apiAddr+"/health", 20)

	// Register two users.
	for _, handle := range []string{"alice", "bob"} {
		body, _ := json.Marshal(map[string]string{"username": handle})
		resp, err := http.Post("http://"+apiAddr+"/api/users", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// An unknown handle is turned away before the upgrade.
	ghost, ghostResp, err := websocket.DefaultDialer.Dial("ws://"+apiAddr+"/ws?user=ghost", nil)
	require.Error(t, err)
	require.NotNil(t, ghostResp)
	require.Equal(t, http.StatusNotFound, ghostResp.StatusCode)
	require.Nil(t, ghost)

	alice, _, err := websocket.DefaultDialer.Dial("ws://"+apiAddr+"/ws?user=alice", nil)
	require.NoError(t, err)
	defer func() { _ = alice.Close() }()

	bob, _, err := websocket.DefaultDialer.Dial("ws://"+apiAddr+"/ws?user=bob", nil)
	require.NoError(t, err)
	defer func() { _ = bob.Close() }()

	// Alice sees bob come online.
	status := readEvent(t, alice, models.ServerEventUserStatus)
	require.Equal(t, "bob", status.From)
	require.True(t, status.Online)

	// Alice messages bob; bob is online so it arrives delivered.
	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type:     models.ClientEventSendMessage,
		Receiver: "bob",
		Body:     "hello bob",
	}))

	received := readEvent(t, bob, models.ServerEventReceiveMessage)
	require.NotNil(t, received.Message)
	require.Equal(t, "hello bob", received.Message.Body)
	require.Equal(t, models.StatusDelivered, received.Message.Status)

	echo := readEvent(t, alice, models.ServerEventReceiveMessage)
	require.NotNil(t, echo.Message)
	require.Equal(t, received.Message.ID, echo.Message.ID)

	// Bob acknowledges; alice is told.
	require.NoError(t, bob.WriteJSON(models.ClientEvent{
		Type:      models.ClientEventMarkAsRead,
		MessageID: received.Message.ID,
		Sender:    "alice",
	}))
	readReceipt := readEvent(t, alice, models.ServerEventMessageRead)
	require.Equal(t, received.Message.ID, readReceipt.MessageID)
	require.Equal(t, "bob", readReceipt.From)

	// Typing indicator reaches the named peer.
	require.NoError(t, alice.WriteJSON(models.ClientEvent{
		Type:     models.ClientEventTyping,
		Receiver: "bob",
		IsTyping: true,
	}))
	typing := readEvent(t, bob, models.ServerEventTyping)
	require.Equal(t, "alice", typing.From)
	require.True(t, typing.IsTyping)

	// History over HTTP reflects the read status.
	resp, err := http.Get("http://" + apiAddr + "/api/messages/alice/bob")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []models.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, models.StatusRead, history[0].Status)
}

func waitForServer(t *testing.T, url string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s did not come up", url)
}

// readEvent reads frames until one of wantType arrives. Unrelated frames
// (presence noise etc.) are skipped.
func readEvent(t *testing.T, conn *websocket.Conn, wantType models.ServerEventType) models.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var ev models.ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", wantType, err)
		}
		if ev.Type == wantType {
			return ev
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s event before deadline", wantType)
		}
	}
}
