package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"parley/internal/relay"
	"parley/internal/ws"
)

// Server is the single HTTP listener: REST pull paths plus the websocket
// upgrade endpoint.
type Server struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(hub *relay.Hub, ice ICEProvider, addr string) *Server {
	wsServer := ws.NewServer(hub)
	api := New(hub, ice)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	api.RegisterRoutes(r)
	r.Get("/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
	}
}

func (s *Server) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
