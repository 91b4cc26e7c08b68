package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"parley/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// relayHub is the slice of the relay a single connection drives.
type relayHub interface {
	KnownUser(handle string) bool
	Connect(handle, connID string) (chan models.ServerEvent, error)
	Disconnect(connID string)
	Typing(from, to string, isTyping bool)
	SendMessage(sender, receiver, body string) (models.Message, error)
	AcknowledgeRead(reader, messageID string) error
	MirrorDeleted(from string, deleted []models.DeletedMessage)
	InitiateCall(caller, callee string, offer json.RawMessage) error
	AnswerCall(callee, caller string, answer json.RawMessage)
	RelayCandidate(from, to string, candidate json.RawMessage)
	RejectCall(callee, caller string)
	EndCall(who, other string)
}

type Connection struct {
	ws         wsConnection
	hub        relayHub
	handle     string
	connID     string
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(hub relayHub, ws wsConnection, handle, connID string) (*Connection, error) {
	fromServer, err := hub.Connect(handle, connID)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		handle:     handle,
		connID:     connID,
		fromClient: make(chan models.ClientEvent),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}, nil
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Disconnect(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	}()

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				// Session closed by the hub: superseded by a reconnect.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent runs on the writer goroutine, so failures can be written
// straight back to the client as error frames.
func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	switch ev.Type {
	case models.ClientEventTyping:
		c.hub.Typing(c.handle, ev.Receiver, ev.IsTyping)

	case models.ClientEventSendMessage:
		if _, err := c.hub.SendMessage(c.handle, ev.Receiver, ev.Body); err != nil {
			return c.writeError(err)
		}

	case models.ClientEventMarkAsRead:
		if err := c.hub.AcknowledgeRead(c.handle, ev.MessageID); err != nil {
			return c.writeError(err)
		}

	case models.ClientEventMessagesDeleted:
		// The client already deleted over HTTP; mirror to the counterpart.
		c.hub.MirrorDeleted(c.handle, ev.Deleted)

	case models.ClientEventCallInitiate:
		if err := c.hub.InitiateCall(c.handle, ev.Receiver, ev.Payload); err != nil {
			return c.writeError(err)
		}

	case models.ClientEventCallAnswer:
		c.hub.AnswerCall(c.handle, ev.Receiver, ev.Payload)

	case models.ClientEventCallCandidate:
		c.hub.RelayCandidate(c.handle, ev.Receiver, ev.Payload)

	case models.ClientEventCallReject:
		c.hub.RejectCall(c.handle, ev.Receiver)

	case models.ClientEventCallEnd:
		c.hub.EndCall(c.handle, ev.Receiver)
	}

	return nil
}

func (c *Connection) writeError(err error) error {
	return c.ws.WriteJSON(models.ServerEvent{
		Type:   models.ServerEventError,
		Reason: errReason(err),
	})
}

func errReason(err error) string {
	switch {
	case errors.Is(err, models.ErrPeerOffline):
		return "peer_offline"
	case errors.Is(err, models.ErrAlreadyInCall):
		return "already_in_call"
	case errors.Is(err, models.ErrEmptyBody):
		return "empty_body"
	case errors.Is(err, models.ErrNotFound):
		return "unknown_user"
	case errors.Is(err, models.ErrUnauthorized):
		return "unauthorized"
	}
	return "send_failed"
}
