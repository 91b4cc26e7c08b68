package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPeerOffline      = errors.New("peer offline")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAlreadyInCall    = errors.New("already in call")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrEmptyBody        = errors.New("empty message body")
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses for the monotonic sent -> delivered -> read progression.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// User represents a known chat identity. Credentials live elsewhere.
type User struct {
	Handle   string `json:"handle"`
	LastSeen int64  `json:"lastSeen"` // Unix timestamp (seconds)
	Online   bool   `json:"online,omitempty"`
}

// Message is a one-to-one chat message.
type Message struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Body      string        `json:"body"`
	CreatedAt int64         `json:"createdAt"` // Unix timestamp (seconds)
	Status    MessageStatus `json:"status"`
}

// DeletedMessage identifies one removed message so the counterpart's view can converge.
type DeletedMessage struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type ClientEventType string

const (
	ClientEventTyping          ClientEventType = "typing"
	ClientEventSendMessage     ClientEventType = "send_message"
	ClientEventMarkAsRead      ClientEventType = "mark_as_read"
	ClientEventMessagesDeleted ClientEventType = "messages_deleted"
	ClientEventCallInitiate    ClientEventType = "call_initiate"
	ClientEventCallAnswer      ClientEventType = "call_answer"
	ClientEventCallCandidate   ClientEventType = "call_candidate"
	ClientEventCallReject      ClientEventType = "call_reject"
	ClientEventCallEnd         ClientEventType = "call_end"
)

// ClientEvent is one frame from a client. Type selects which fields matter.
type ClientEvent struct {
	Type      ClientEventType  `json:"type"`
	Receiver  string           `json:"receiver,omitempty"`
	Body      string           `json:"body,omitempty"`
	IsTyping  bool             `json:"isTyping,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	Sender    string           `json:"sender,omitempty"` // original sender, for mark_as_read
	Deleted   []DeletedMessage `json:"deleted,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"` // opaque signaling payload
}

type ServerEventType string

const (
	ServerEventReceiveMessage  ServerEventType = "receive_message"
	ServerEventMessageRead     ServerEventType = "message_read"
	ServerEventUserStatus      ServerEventType = "user_status"
	ServerEventTyping          ServerEventType = "typing"
	ServerEventMessagesDeleted ServerEventType = "messages_deleted"
	ServerEventCallIncoming    ServerEventType = "call_incoming"
	ServerEventCallAnswered    ServerEventType = "call_answered"
	ServerEventCallCandidate   ServerEventType = "call_candidate"
	ServerEventCallRejected    ServerEventType = "call_rejected"
	ServerEventCallEnded       ServerEventType = "call_ended"
	ServerEventError           ServerEventType = "error"
)

// ServerEvent is one frame to a client.
type ServerEvent struct {
	Type      ServerEventType  `json:"type"`
	From      string           `json:"from,omitempty"`
	Online    bool             `json:"online,omitempty"`
	LastSeen  int64            `json:"lastSeen,omitempty"`
	IsTyping  bool             `json:"isTyping,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	Deleted   []DeletedMessage `json:"deleted,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}
