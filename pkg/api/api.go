// Package api exposes the engine's mutation and liveness operations over local HTTP, streams engine
// events over a websocket and serves prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/astromechza/todosync/pkg/doc"
	"github.com/astromechza/todosync/pkg/engine"
	"github.com/astromechza/todosync/pkg/metrics"
	"github.com/astromechza/todosync/pkg/peers"
)

// Backend is the subset of *engine.Engine the API drives.
type Backend interface {
	ListAll(ctx context.Context) (doc.State, error)
	AddList(ctx context.Context, name, color string, meta map[string]string) (string, doc.State, error)
	RemoveList(ctx context.Context, listID string) (doc.State, error)
	RenameList(ctx context.Context, listID, name string) (doc.State, error)
	AddItem(ctx context.Context, listID, text string, meta map[string]string) (string, doc.State, error)
	RemoveItem(ctx context.Context, listID, itemID string) (doc.State, error)
	ToggleItem(ctx context.Context, listID, itemID string) (doc.State, error)
	RenameItem(ctx context.Context, listID, itemID, text string) (doc.State, error)
	ClearCompleted(ctx context.Context, listID string) (doc.State, error)
	PeerStatus(ctx context.Context) ([]peers.Status, error)
	Subscribe(buffer int) (<-chan engine.Event, func())
}

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

type Server struct {
	backend  Backend
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(backend Backend, logger zerolog.Logger) *Server {
	return &Server{
		backend: backend,
		logger:  logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.listAll)
	r.Methods(http.MethodPost).Path("/lists").HandlerFunc(s.addList)
	r.Methods(http.MethodPatch).Path("/lists/{list}").HandlerFunc(s.renameList)
	r.Methods(http.MethodDelete).Path("/lists/{list}").HandlerFunc(s.removeList)
	r.Methods(http.MethodPost).Path("/lists/{list}/items").HandlerFunc(s.addItem)
	r.Methods(http.MethodPatch).Path("/lists/{list}/items/{item}").HandlerFunc(s.renameItem)
	r.Methods(http.MethodDelete).Path("/lists/{list}/items/{item}").HandlerFunc(s.removeItem)
	r.Methods(http.MethodPost).Path("/lists/{list}/items/{item}/toggle").HandlerFunc(s.toggleItem)
	r.Methods(http.MethodPost).Path("/lists/{list}/clear-completed").HandlerFunc(s.clearCompleted)
	r.Methods(http.MethodGet).Path("/peers").HandlerFunc(s.peerStatus)
	r.Methods(http.MethodGet).Path("/events").HandlerFunc(s.events)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(next, writer, request)
		path := request.URL.Path
		if route := mux.CurrentRoute(request); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.RecordHTTPRequest(request.Method, path, m.Code, m.Duration)

		event := s.logger.Info()
		if m.Code >= 500 {
			event = s.logger.Error()
		} else if m.Code >= 400 {
			event = s.logger.Warn()
		}
		event.
			Str("method", request.Method).
			Str("path", request.URL.Path).
			Int("status", m.Code).
			Dur("duration", m.Duration).
			Int64("bytes", m.Written).
			Msg("handled")
	})
}

type listBody struct {
	Name     string            `json:"name"`
	Color    string            `json:"color"`
	Metadata map[string]string `json:"metadata"`
}

type itemBody struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type createdResponse struct {
	ID    string    `json:"id"`
	State doc.State `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listAll(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.ListAll(r.Context())
	s.respond(w, st, err)
}

func (s *Server) addList(w http.ResponseWriter, r *http.Request) {
	var body listBody
	if !s.decode(w, r, &body) {
		return
	}
	id, st, err := s.backend.AddList(r.Context(), body.Name, body.Color, body.Metadata)
	s.respondCreated(w, id, st, err)
}

func (s *Server) renameList(w http.ResponseWriter, r *http.Request) {
	var body listBody
	if !s.decode(w, r, &body) {
		return
	}
	st, err := s.backend.RenameList(r.Context(), mux.Vars(r)["list"], body.Name)
	s.respond(w, st, err)
}

func (s *Server) removeList(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.RemoveList(r.Context(), mux.Vars(r)["list"])
	s.respond(w, st, err)
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var body itemBody
	if !s.decode(w, r, &body) {
		return
	}
	id, st, err := s.backend.AddItem(r.Context(), mux.Vars(r)["list"], body.Text, body.Metadata)
	s.respondCreated(w, id, st, err)
}

func (s *Server) renameItem(w http.ResponseWriter, r *http.Request) {
	var body itemBody
	if !s.decode(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	st, err := s.backend.RenameItem(r.Context(), vars["list"], vars["item"], body.Text)
	s.respond(w, st, err)
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := s.backend.RemoveItem(r.Context(), vars["list"], vars["item"])
	s.respond(w, st, err)
}

func (s *Server) toggleItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := s.backend.ToggleItem(r.Context(), vars["list"], vars["item"])
	s.respond(w, st, err)
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.ClearCompleted(r.Context(), mux.Vars(r)["list"])
	s.respond(w, st, err)
}

func (s *Server) peerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.PeerStatus(r.Context())
	if st == nil {
		st = []peers.Status{}
	}
	s.respond(w, st, err)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) respondCreated(w http.ResponseWriter, id string, st doc.State, err error) {
	if err != nil {
		s.respond(w, nil, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createdResponse{ID: id, State: st})
}

func (s *Server) respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, doc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, doc.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}
