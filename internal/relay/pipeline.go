package relay

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"parley/internal/models"
)

// SendMessage persists a message and routes it to the receiver's live session.
// The returned message carries the status the receiver side saw: delivered if
// the push happened, sent if the receiver was offline. The sender's own
// session gets the echo either way.
func (h *Hub) SendMessage(sender, receiver, body string) (models.Message, error) {
	body = strings.TrimSpace(h.policy.Sanitize(body))
	if body == "" {
		return models.Message{}, models.ErrEmptyBody
	}
	if !h.KnownUser(receiver) {
		return models.Message{}, fmt.Errorf("receiver %q: %w", receiver, models.ErrNotFound)
	}

	msg := models.Message{
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		CreatedAt: h.now().Unix(),
		Status:    models.StatusSent,
	}
	id, err := h.store.SaveMessage(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	msg.ID = id

	if peer, online := h.reg.Resolve(receiver); online {
		if _, err := h.store.UpdateStatus(id, models.StatusDelivered); err != nil {
			log.Printf("relay: failed to mark %s delivered: %v", id, err)
		} else {
			msg.Status = models.StatusDelivered
		}
		h.push(peer, models.ServerEvent{
			Type:    models.ServerEventReceiveMessage,
			From:    sender,
			Message: &msg,
		})
	}

	// Echo back to the sender as confirmation, with the status as it now is.
	if own, online := h.reg.Resolve(sender); online {
		h.push(own, models.ServerEvent{
			Type:    models.ServerEventReceiveMessage,
			From:    sender,
			Message: &msg,
		})
	}

	return msg, nil
}

// AcknowledgeRead marks a message read on behalf of its receiver and notifies
// the original sender if they are online. Acknowledging an already-read or
// vanished message is a no-op.
func (h *Hub) AcknowledgeRead(reader, messageID string) error {
	msg, err := h.store.GetMessage(messageID)
	if errors.Is(err, models.ErrNotFound) {
		log.Printf("relay: read ack for unknown message %s from %s", messageID, reader)
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Receiver != reader {
		log.Printf("relay: read ack for %s from %s who is not its receiver", messageID, reader)
		return nil
	}

	changed, err := h.store.UpdateStatus(messageID, models.StatusRead)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if sender, online := h.reg.Resolve(msg.Sender); online {
		h.push(sender, models.ServerEvent{
			Type:      models.ServerEventMessageRead,
			From:      reader,
			MessageID: messageID,
		})
	}
	return nil
}

// DeleteMessages removes the requester's own messages. If any targeted message
// exists but belongs to someone else the whole operation is rejected and
// nothing is removed. Counterparts with live sessions see the removal.
func (h *Hub) DeleteMessages(requester string, ids []string) ([]models.DeletedMessage, error) {
	owned := make([]string, 0, len(ids))
	for _, id := range ids {
		msg, err := h.store.GetMessage(id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.Sender != requester {
			return nil, fmt.Errorf("message %s: %w", id, models.ErrUnauthorized)
		}
		owned = append(owned, id)
	}

	deleted, err := h.store.DeleteMessages(owned)
	if err != nil {
		return nil, err
	}
	h.MirrorDeleted(requester, deleted)
	return deleted, nil
}

// ClearChat removes every message the requester sent to peer.
func (h *Hub) ClearChat(requester, peer string) ([]models.DeletedMessage, error) {
	deleted, err := h.store.DeleteBetween(requester, peer)
	if err != nil {
		return nil, err
	}
	h.MirrorDeleted(requester, deleted)
	return deleted, nil
}

// MirrorDeleted pushes deletion tuples to each counterpart's live session so
// their view converges with the requester's.
func (h *Hub) MirrorDeleted(from string, deleted []models.DeletedMessage) {
	if len(deleted) == 0 {
		return
	}
	byPeer := make(map[string][]models.DeletedMessage)
	for _, d := range deleted {
		peer := d.Receiver
		if peer == from {
			peer = d.Sender
		}
		byPeer[peer] = append(byPeer[peer], d)
	}
	for peer, group := range byPeer {
		if s, online := h.reg.Resolve(peer); online {
			h.push(s, models.ServerEvent{
				Type:    models.ServerEventMessagesDeleted,
				From:    from,
				Deleted: group,
			})
		}
	}
}

// History returns the conversation between a and b, oldest first, sliced by
// page and limit. It never mutates message status; read marks come only from
// explicit acknowledgments.
func (h *Hub) History(a, b string, page, limit int) ([]models.Message, error) {
	msgs, err := h.store.FindMessagesBetween(a, b)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	// Page 0 is the most recent window; older pages walk backwards.
	end := len(msgs) - page*limit
	if end <= 0 {
		return []models.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:end], nil
}
