package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"orchestra/internal/httpx"
	"orchestra/internal/model"
	"orchestra/internal/telemetry"
)

var validate = validator.New()

// Server exposes a Controller over the HTTP API of section 6: one endpoint
// per operation, JSON bodies with lowerCamelCase field names.
type Server struct {
	ctrl  Controller
	token string
}

// NewServer wraps ctrl for HTTP access.
func NewServer(ctrl Controller) *Server { return &Server{ctrl: ctrl} }

// RequireBearerToken makes every route reject requests that don't carry
// "Authorization: Bearer <token>" matching token. An empty token (the
// default) leaves the API unauthenticated, for the embedded in-process
// case where the controller and its only caller share an address space.
func (s *Server) RequireBearerToken(token string) { s.token = token }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			httpx.Write(w, r, httpx.Unauthorized("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes mounts the controller's endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(telemetry.HTTP)
	r.Use(s.authMiddleware)
	r.Post("/queue/push", s.handleQueuePush)
	r.Post("/queue/pop", s.handleQueuePop)
	r.Delete("/lock", s.handleLockDelete)
	r.Put("/lock", s.handleLockRefresh)
	r.Get("/registry/token", s.handleGetToken)
	r.Get("/registry/info", s.handleGetInfo)
	r.Get("/registry/status", s.handleGetStatus)
	r.Put("/registry", s.handleRegistryPush)
	r.Post("/messages", s.handleMessagePush)
	r.Get("/messages", s.handleMessageGet)
}

type queuePushRequest struct {
	Token model.Token   `json:"token" validate:"required"`
	Info  model.JobInfo `json:"info" validate:"required"`
}

func (s *Server) handleQueuePush(w http.ResponseWriter, r *http.Request) {
	var req queuePushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Write(w, r, httpx.BadRequest(err.Error()))
		return
	}
	token, err := s.ctrl.QueuePush(r.Context(), req.Token, req.Info)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// Dedicated conflict status: the original's queuePush returns
			// 500 for both this and generic internal errors, leaving
			// clients unable to tell them apart. We distinguish them.
			httpx.Write(w, r, httpx.Conflict(err.Error()))
			return
		}
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	json.NewEncoder(w).Encode(token)
}

type queuePopRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleQueuePop(w http.ResponseWriter, r *http.Request) {
	var req queuePopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	lock, ok, err := s.ctrl.QueuePop(r.Context(), req.Name)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(lock)
}

type lockRequest struct {
	ID string `json:"id" validate:"required"`
}

func (s *Server) handleLockDelete(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	if err := s.ctrl.ReleaseLock(r.Context(), req.ID); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleLockRefresh(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	lock, err := s.ctrl.RefreshLock(r.Context(), req.ID)
	if err != nil {
		var stale *StaleLockError
		if errors.As(err, &stale) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	json.NewEncoder(w).Encode(lock)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	t, err := s.ctrl.GetToken(r.Context(), token)
	if err != nil {
		s.writeLookupErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(t)
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	info, err := s.ctrl.GetInfo(r.Context(), token)
	if err != nil {
		s.writeLookupErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	status, err := s.ctrl.GetStatus(r.Context(), token)
	if err != nil {
		s.writeLookupErr(w, r, err)
		return
	}
	w.Write([]byte(status))
}

func (s *Server) writeLookupErr(w http.ResponseWriter, r *http.Request, err error) {
	var unknown *UnknownTokenError
	if errors.As(err, &unknown) {
		httpx.Write(w, r, httpx.NotFound(err.Error()))
		return
	}
	httpx.Write(w, r, httpx.Internal(err))
}

type registryPushRequest struct {
	LockID string         `json:"lockId" validate:"required"`
	Status *model.Status  `json:"status,omitempty"`
	Info   *model.JobInfo `json:"info,omitempty"`
}

func (s *Server) handleRegistryPush(w http.ResponseWriter, r *http.Request) {
	var req registryPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	err := s.ctrl.RegistryPush(r.Context(), req.LockID, req.Status, req.Info)
	if err != nil {
		var stale *RegistryStaleLockError
		if errors.As(err, &stale) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type messagePushRequest struct {
	Token       string            `json:"token" validate:"required"`
	Instruction model.Instruction `json:"instruction" validate:"required,eq=abort"`
	Origin      string            `json:"origin" validate:"required"`
	Content     string            `json:"content"`
}

func (s *Server) handleMessagePush(w http.ResponseWriter, r *http.Request) {
	var req messagePushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.Write(w, r, httpx.BadRequest(err.Error()))
		return
	}
	if err := s.ctrl.MessagePush(r.Context(), req.Token, req.Instruction, req.Origin, req.Content); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMessageGet(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		httpx.Write(w, r, httpx.BadRequest(fmt.Sprintf("invalid since: %v", err)))
		return
	}
	msgs, err := s.ctrl.MessageGet(r.Context(), since)
	if err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	json.NewEncoder(w).Encode(msgs)
}
