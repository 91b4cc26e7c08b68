package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"parley/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)

	id1, err := store.SaveMessage(models.Message{Sender: "alice", Receiver: "bob", Body: "hi"})
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	id2, err := store.SaveMessage(models.Message{Sender: "bob", Receiver: "alice", Body: "hey"})
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	msg, err := store.GetMessage(id1)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Status != models.StatusSent {
		t.Errorf("new message should be %s, got %s", models.StatusSent, msg.Status)
	}
	if msg.CreatedAt == 0 {
		t.Error("CreatedAt not assigned")
	}

	// Conversation order is send order regardless of direction or name order.
	msgs, err := store.FindMessagesBetween("bob", "alice")
	if err != nil {
		t.Fatalf("FindMessagesBetween failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Errorf("messages out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}

	// Other pairs see nothing.
	msgs, err = store.FindMessagesBetween("alice", "carol")
	if err != nil || len(msgs) != 0 {
		t.Errorf("unexpected messages for unrelated pair: %v, %v", msgs, err)
	}
}

func TestStorage_UpdateStatusMonotonic(t *testing.T) {
	store := newTestStorage(t)

	id, err := store.SaveMessage(models.Message{Sender: "alice", Receiver: "bob", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := store.UpdateStatus(id, models.StatusDelivered)
	if err != nil || !changed {
		t.Fatalf("sent->delivered: changed=%v err=%v", changed, err)
	}

	changed, err = store.UpdateStatus(id, models.StatusRead)
	if err != nil || !changed {
		t.Fatalf("delivered->read: changed=%v err=%v", changed, err)
	}

	// Read is terminal. Repeats and downgrades are no-ops.
	changed, err = store.UpdateStatus(id, models.StatusRead)
	if err != nil || changed {
		t.Fatalf("read->read should be a no-op: changed=%v err=%v", changed, err)
	}
	changed, err = store.UpdateStatus(id, models.StatusSent)
	if err != nil || changed {
		t.Fatalf("downgrade should be a no-op: changed=%v err=%v", changed, err)
	}

	msg, _ := store.GetMessage(id)
	if msg.Status != models.StatusRead {
		t.Errorf("expected %s, got %s", models.StatusRead, msg.Status)
	}

	if _, err := store.UpdateStatus("no-such-id", models.StatusRead); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_Delete(t *testing.T) {
	store := newTestStorage(t)

	id1, _ := store.SaveMessage(models.Message{Sender: "alice", Receiver: "bob", Body: "one"})
	id2, _ := store.SaveMessage(models.Message{Sender: "alice", Receiver: "bob", Body: "two"})
	id3, _ := store.SaveMessage(models.Message{Sender: "bob", Receiver: "alice", Body: "three"})

	deleted, err := store.DeleteMessages([]string{id1, "missing"})
	if err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != id1 {
		t.Fatalf("expected only %s deleted, got %+v", id1, deleted)
	}
	if deleted[0].Sender != "alice" || deleted[0].Receiver != "bob" {
		t.Errorf("deleted tuple mismatch: %+v", deleted[0])
	}

	// Clearing alice's side must not touch bob's messages.
	deleted, err = store.DeleteBetween("alice", "bob")
	if err != nil {
		t.Fatalf("DeleteBetween failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != id2 {
		t.Fatalf("expected only %s deleted, got %+v", id2, deleted)
	}

	msgs, _ := store.FindMessagesBetween("alice", "bob")
	if len(msgs) != 1 || msgs[0].ID != id3 {
		t.Fatalf("bob's message should survive, got %+v", msgs)
	}
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	if err := store.UpsertUser(models.User{Handle: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertUser(models.User{Handle: "bob", LastSeen: 100}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetUser("carol"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.TouchLastSeen("bob", 200); err != nil {
		t.Fatal(err)
	}
	u, err := store.GetUser("bob")
	if err != nil || u.LastSeen != 200 {
		t.Errorf("TouchLastSeen not applied: %+v, %v", u, err)
	}

	users, err := store.ListUsers()
	if err != nil || len(users) != 2 {
		t.Errorf("expected 2 users, got %d (%v)", len(users), err)
	}
}
