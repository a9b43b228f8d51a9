// Package api exposes the local control surface for the session
// controller: a small authenticated HTTP API meant to be driven by
// other tools on the same machine.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"feedrunner/internal/navigator"
	"feedrunner/internal/runner"
)

// SecretHeader carries the shared secret on every /runner request.
const SecretHeader = "X-Runner-Secret"

// Controller is the lifecycle surface the handlers drive.
type Controller interface {
	Start(ctx context.Context) (*runner.StartResult, error)
	StartAutomation(overlay *runner.AutomationOverlay) error
	Pause() error
	Resume() error
	Stop() (*runner.StopResult, error)
	Status() runner.StatusReport
}

// Handler wires the controller to the HTTP routes.
type Handler struct {
	ctrl   Controller
	secret string
}

func NewHandler(ctrl Controller, secret string) *Handler {
	return &Handler{ctrl: ctrl, secret: secret}
}

// Router builds the chi router with auth and the standard middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/runner", func(r chi.Router) {
		r.Use(h.requireSecret)
		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)
		r.Post("/pause", h.handlePause)
		r.Post("/resume", h.handleResume)
		r.Post("/start-automation", h.handleStartAutomation)
		r.Get("/status", h.handleStatus)
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// requireSecret rejects requests whose shared-secret header does not
// match. Comparison is constant time so the secret cannot be probed.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(SecretHeader)
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			Error(w, http.StatusUnauthorized, "missing or invalid "+SecretHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.Start(r.Context())
	if err != nil {
		var navErr *navigator.NavError
		switch {
		case errors.As(err, &navErr):
			JSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":    navErr.Hint,
				"attempts": navErr.Attempts,
			})
		case errors.Is(err, runner.ErrSessionActive):
			Error(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[api] start failed: %v", err)
			Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.Stop()
	if err != nil {
		if errors.Is(err, runner.ErrNoSession) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] stop failed: %v", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Pause(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(runner.StatusPaused)})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Resume(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": string(runner.StatusRunning)})
}

func (h *Handler) handleStartAutomation(w http.ResponseWriter, r *http.Request) {
	var overlay runner.AutomationOverlay
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := h.ctrl.StartAutomation(&overlay); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "automation started"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.Status())
}
