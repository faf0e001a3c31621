// Package devserver is a self-contained backend for local development and
// integration testing: the sync API the client expects, backed by an
// in-memory versioned store, plus a websocket feed of accepted changes.
// It is not a production server.
package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/tether/internal/entity"
	"github.com/hyperengineering/tether/internal/remote"
)

const defaultPageSize = 100

// Server holds the devserver's state and handlers.
type Server struct {
	store  *MemStore
	apiKey string
	hub    *wsHub
}

// NewServer creates a devserver authenticating with the given API key.
func NewServer(apiKey string) *Server {
	return &Server{
		store:  NewMemStore(),
		apiKey: apiKey,
		hub:    newWSHub(),
	}
}

// Store exposes the underlying state for test seeding.
func (s *Server) Store() *MemStore { return s.store }

// Router builds the HTTP routing table.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.apiKey))

			// The websocket route stays outside LoggingMiddleware: the
			// wrapped response writer would hide http.Hijacker from the
			// upgrader.
			r.Get("/sync/ws", s.handleWS)

			r.Group(func(r chi.Router) {
				r.Use(LoggingMiddleware)
				r.Get("/sync/{entityType}", s.handleFetch)
				r.Post("/sync/{entityType}/push", s.handlePush)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	cursor := r.URL.Query().Get("cursor")

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	snapshots, next, hasMore, err := s.store.List(entityType, cursor, limit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(remote.FetchResult{
		Snapshots: snapshots,
		Cursor:    next,
		HasMore:   hasMore,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")

	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "malformed push request")
		return
	}
	req.EntityType = entityType

	ack, snap, err := s.store.Apply(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrAlreadyExists):
			WriteProblem(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, ErrUnknownEntity), errors.Is(err, ErrBadPayload):
			WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		default:
			WriteProblem(w, r, http.StatusInternalServerError, "push failed")
		}
		return
	}

	s.hub.broadcast(*snap)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "devserver", "error", err)
		return
	}
	s.hub.add(conn)
}

// wsHub fans accepted changes out to connected websocket clients.
type wsHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *wsHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	// Reader loop exists only to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// broadcast writes under the hub lock: gorilla connections permit only one
// concurrent writer.
func (h *wsHub) broadcast(snap entity.RemoteSnapshot) {
	h.mu.Lock()
	var dead []*websocket.Conn
	for c := range h.conns {
		if err := c.WriteJSON(snap); err != nil {
			dead = append(dead, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dead {
		h.remove(c)
	}
}
