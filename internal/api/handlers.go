package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vetcrm/notifier/internal/mailqueue"
	"github.com/vetcrm/notifier/internal/models"
	"github.com/vetcrm/notifier/internal/store"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type healthResult struct {
	ProcessorRunning bool        `json:"processor_running"`
	Jobs             interface{} `json:"jobs,omitempty"`
}

// decodeJSON reads a size-limited JSON body into v and writes a 400 when it
// cannot.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	res := healthResult{ProcessorRunning: s.queue.Running()}
	if s.opts.Jobs != nil {
		res.Jobs = s.opts.Jobs()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := s.queue.Enqueue(r.Context(), mailqueue.Message{
		To:         req.To,
		Subject:    req.Subject,
		HTML:       req.HTML,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, mailqueue.ErrInvalidEntry) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.enqueueHandler: enqueue failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue email"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Queued(map[string]int64{"id": id}))
}

func (s *Server) entryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid email id"))
		return
	}
	entry, err := s.queue.Entry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Email not found"))
			return
		}
		slog.Error("Server.entryHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load email"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: stats failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) retryFailedHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryFailed(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset failed emails"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"reset": n}))
}

func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Cleanup(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clean up sent emails"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deleted": n}))
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	ran := s.queue.ProcessQueue(context.WithoutCancel(r.Context()))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"ran": ran}))
}

func (s *Server) runRemindersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.opts.Reminders.Run(context.WithoutCancel(r.Context()))))
}
