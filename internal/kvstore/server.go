package kvstore

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"orchestra/internal/httpx"
	"orchestra/internal/telemetry"
)

// Server exposes an Adapter over HTTP, implementing the key-value store
// API used by HTTPAdapter clients.
type Server struct {
	adapter Adapter
}

// NewServer wraps adapter for HTTP access.
func NewServer(adapter Adapter) *Server { return &Server{adapter: adapter} }

// Routes mounts the store's endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(telemetry.HTTP)
	r.Get("/db", s.handleNext)
	r.Post("/db", s.handlePush)
	r.Options("/db", s.handleKeys)
	r.Get("/db/{key}", s.handleRead)
	r.Post("/db/{key}", s.handleWrite)
	r.Delete("/db/{key}", s.handleDelete)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	pop := r.URL.Query().Get("pop") == "true"
	value, ok, err := s.adapter.Read(key, pop)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if !ok {
		httpx.Write(w, r, httpx.NotFound("unknown key"))
		return
	}
	json.NewEncoder(w).Encode(value)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	pop := r.URL.Query().Get("pop") == "true"
	key, value, ok, err := s.adapter.Next(pop)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if !ok {
		httpx.Write(w, r, httpx.NotFound("store is empty"))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"key": key, "value": value})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value string
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	if err := s.adapter.Write(key, value); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var value string
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	key, err := s.adapter.Push(value)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.Write([]byte(key))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.adapter.Delete(key); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.adapter.Keys()
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	json.NewEncoder(w).Encode(keys)
}
