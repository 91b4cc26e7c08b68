// callcheck is a headless call client: it connects to a running server,
// places (or auto-answers) a call, and reports the negotiation progress.
// Useful for checking TURN/STUN reachability from a target machine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"parley/internal/call"
	"parley/internal/models"
	"parley/internal/turncred"
)

// socketSignaler implements call.Signaler over the server's websocket frames.
type socketSignaler struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketSignaler) send(ev models.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

func (s *socketSignaler) SendOffer(peer string, offer webrtc.SessionDescription) error {
	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return s.send(models.ClientEvent{Type: models.ClientEventCallInitiate, Receiver: peer, Payload: payload})
}

func (s *socketSignaler) SendAnswer(peer string, answer webrtc.SessionDescription) error {
	payload, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return s.send(models.ClientEvent{Type: models.ClientEventCallAnswer, Receiver: peer, Payload: payload})
}

func (s *socketSignaler) SendCandidate(peer string, candidate webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return s.send(models.ClientEvent{Type: models.ClientEventCallCandidate, Receiver: peer, Payload: payload})
}

func (s *socketSignaler) SendReject(peer string) error {
	return s.send(models.ClientEvent{Type: models.ClientEventCallReject, Receiver: peer})
}

func (s *socketSignaler) SendEnd(peer string) error {
	return s.send(models.ClientEvent{Type: models.ClientEventCallEnd, Receiver: peer})
}

func run(ctx context.Context) error {
	server := flag.String("server", "localhost:8080", "Server host:port")
	user := flag.String("user", "", "Own handle (required)")
	peer := flag.String("peer", "", "Handle to call; when empty, waits and auto-answers")
	issuer := flag.String("ice-issuer", "", "Optional credential issuer URL")
	duration := flag.Duration("duration", 30*time.Second, "How long to keep the call up")
	flag.Parse()

	if *user == "" {
		return fmt.Errorf("-user is required")
	}

	u := url.URL{Scheme: "ws", Host: *server, Path: "/ws", RawQuery: "user=" + url.QueryEscape(*user)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer func() { _ = conn.Close() }()
	log.Printf("connected as %s", *user)

	sig := &socketSignaler{conn: conn}
	creds := turncred.New(turncred.Config{IssuerURL: *issuer})
	manager := call.NewManager(sig, creds, nil)
	defer manager.Close()

	manager.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("incoming call from %s, answering", ic.From)
		if _, err := ic.Accept(ctx); err != nil {
			log.Printf("failed to answer: %v", err)
		}
	})

	// Reader: translate call_* server frames into call events.
	readErr := make(chan error, 1)
	go func() {
		for {
			var ev models.ServerEvent
			if err := conn.ReadJSON(&ev); err != nil {
				readErr <- err
				return
			}
			switch ev.Type {
			case models.ServerEventCallIncoming,
				models.ServerEventCallAnswered,
				models.ServerEventCallCandidate,
				models.ServerEventCallRejected,
				models.ServerEventCallEnded:
				manager.Dispatch(call.Event{
					Type:    string(ev.Type),
					From:    ev.From,
					Payload: ev.Payload,
				})
			case models.ServerEventError:
				log.Printf("server error: %s", ev.Reason)
			}
		}
	}()

	if *peer != "" {
		sess, err := manager.Call(ctx, *peer)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", *peer, err)
		}
		log.Printf("calling %s, state %s", *peer, sess.State())
	}

	deadline := time.After(*duration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("connection lost: %w", err)
		case <-deadline:
			log.Printf("done")
			return nil
		case <-ticker.C:
			if *peer != "" {
				if sess, ok := manager.Session(*peer); ok {
					log.Printf("call state: %s", sess.State())
				}
			}
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
