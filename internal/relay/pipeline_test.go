package relay

import (
	"errors"
	"testing"

	"parley/internal/models"
)

func TestSendMessage_OfflineReceiver(t *testing.T) {
	h, store := newTestHub(t, "alice", "bob")

	msg, err := h.SendMessage("alice", "bob", "  hi  ")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.Status != models.StatusSent {
		t.Errorf("offline receiver: expected %s, got %s", models.StatusSent, msg.Status)
	}
	if msg.Body != "hi" {
		t.Errorf("body not trimmed: %q", msg.Body)
	}

	// Durable with status=sent, retrievable by history fetch.
	stored, err := store.GetMessage(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusSent {
		t.Errorf("persisted status: %s", stored.Status)
	}
	hist, err := h.History("alice", "bob", 0, 50)
	if err != nil || len(hist) != 1 || hist[0].Status != models.StatusSent {
		t.Errorf("history: %+v, %v", hist, err)
	}
}

func TestSendMessage_OnlineReceiverDelivered(t *testing.T) {
	h, _ := newTestHub(t, "alice", "bob")

	aliceCh, _ := h.Connect("alice", "c-alice")
	bobCh, _ := h.Connect("bob", "c-bob")

	msg, err := h.SendMessage("alice", "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.StatusDelivered {
		t.Errorf("online receiver: expected %s, got %s", models.StatusDelivered, msg.Status)
	}

	ev := recv(t, bobCh, models.ServerEventReceiveMessage)
	if ev.Message == nil || ev.Message.Status != models.StatusDelivered {
		t.Errorf("receiver push: %+v", ev)
	}

	// Sender echo carries the upgraded status.
	ev = recv(t, aliceCh, models.ServerEventReceiveMessage)
	if ev.Message == nil || ev.Message.Status != models.StatusDelivered {
		t.Errorf("sender echo: %+v", ev)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	h, store := newTestHub(t, "alice", "bob")

	if _, err := h.SendMessage("alice", "bob", "   "); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("blank body: %v", err)
	}
	// Markup is stripped before the emptiness check.
	if _, err := h.SendMessage("alice", "bob", "<script>x()</script>"); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("script-only body: %v", err)
	}
	if _, err := h.SendMessage("alice", "nobody", "hi"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown receiver: %v", err)
	}

	// Persistence failure surfaces to the sender; no retry.
	store.failSave = true
	if _, err := h.SendMessage("alice", "bob", "hi"); err == nil {
		t.Error("expected save failure to surface")
	}
}

func TestAcknowledgeRead_IdempotentNotify(t *testing.T) {
	h, store := newTestHub(t, "alice", "bob")

	aliceCh, _ := h.Connect("alice", "c-alice")
	msg, err := h.SendMessage("alice", "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}
	recv(t, aliceCh, models.ServerEventReceiveMessage) // drain echo

	if err := h.AcknowledgeRead("bob", msg.ID); err != nil {
		t.Fatal(err)
	}
	ev := recv(t, aliceCh, models.ServerEventMessageRead)
	if ev.MessageID != msg.ID || ev.From != "bob" {
		t.Errorf("read notify: %+v", ev)
	}

	stored, _ := store.GetMessage(msg.ID)
	if stored.Status != models.StatusRead {
		t.Errorf("status: %s", stored.Status)
	}

	// Second ack: no error, no second notify.
	if err := h.AcknowledgeRead("bob", msg.ID); err != nil {
		t.Fatal(err)
	}
	expectNoEvent(t, aliceCh, models.ServerEventMessageRead)

	// Ack from someone who is not the receiver changes nothing.
	msg2, _ := h.SendMessage("alice", "bob", "again")
	recv(t, aliceCh, models.ServerEventReceiveMessage)
	if err := h.AcknowledgeRead("alice", msg2.ID); err != nil {
		t.Fatal(err)
	}
	stored, _ = store.GetMessage(msg2.ID)
	if stored.Status == models.StatusRead {
		t.Error("non-receiver ack marked message read")
	}

	// Vanished message: no-op, not an error.
	if err := h.AcknowledgeRead("bob", "gone"); err != nil {
		t.Errorf("stale ack: %v", err)
	}
}

func TestDeleteMessages_OwnershipAndMirror(t *testing.T) {
	h, _ := newTestHub(t, "alice", "bob")

	bobCh, _ := h.Connect("bob", "c-bob")

	mine, _ := h.SendMessage("alice", "bob", "mine")
	theirs, _ := h.SendMessage("bob", "alice", "theirs")
	recv(t, bobCh, models.ServerEventReceiveMessage) // drain

	// Any foreign message in the set rejects the whole operation.
	if _, err := h.DeleteMessages("alice", []string{mine.ID, theirs.ID}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.store.GetMessage(mine.ID); err != nil {
		t.Error("rejected delete must remove nothing")
	}

	deleted, err := h.DeleteMessages("alice", []string{mine.ID, "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].ID != mine.ID {
		t.Fatalf("deleted: %+v", deleted)
	}

	// Bob's live view converges.
	ev := recv(t, bobCh, models.ServerEventMessagesDeleted)
	if len(ev.Deleted) != 1 || ev.Deleted[0].ID != mine.ID || ev.From != "alice" {
		t.Errorf("mirror event: %+v", ev)
	}
}

func TestClearChat(t *testing.T) {
	h, _ := newTestHub(t, "alice", "bob")

	bobCh, _ := h.Connect("bob", "c-bob")

	h.SendMessage("alice", "bob", "one")
	h.SendMessage("alice", "bob", "two")
	h.SendMessage("bob", "alice", "keep")
	recv(t, bobCh, models.ServerEventReceiveMessage)
	recv(t, bobCh, models.ServerEventReceiveMessage)

	deleted, err := h.ClearChat("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected 2 deleted, got %+v", deleted)
	}

	ev := recv(t, bobCh, models.ServerEventMessagesDeleted)
	if len(ev.Deleted) != 2 {
		t.Errorf("mirror: %+v", ev)
	}

	hist, _ := h.History("alice", "bob", 0, 50)
	if len(hist) != 1 || hist[0].Body != "keep" {
		t.Errorf("bob's side should survive: %+v", hist)
	}
}

func TestHistory_Paging(t *testing.T) {
	h, _ := newTestHub(t, "alice", "bob")

	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := h.SendMessage("alice", "bob", body); err != nil {
			t.Fatal(err)
		}
	}

	// Page 0 is the newest window, oldest first inside the window.
	page0, err := h.History("bob", "alice", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page0) != 2 || page0[0].Body != "m4" || page0[1].Body != "m5" {
		t.Errorf("page 0: %+v", page0)
	}

	page2, _ := h.History("bob", "alice", 2, 2)
	if len(page2) != 1 || page2[0].Body != "m1" {
		t.Errorf("page 2: %+v", page2)
	}

	empty, _ := h.History("bob", "alice", 9, 2)
	if len(empty) != 0 {
		t.Errorf("expected empty page, got %+v", empty)
	}
}
