package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	middleware "github.com/markdave123-py/Somnia/internal/api/middlewares"
	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/services"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// maxBodyBytes caps request bodies; narrations are text, not uploads.
const maxBodyBytes = 1 << 20

type OpsHandler struct {
	svc     *services.PipelineService
	metrics *telemetry.MetricsCollector
	log     *slog.Logger
}

func NewOpsHandler(svc *services.PipelineService, metrics *telemetry.MetricsCollector, log *slog.Logger) *OpsHandler {
	return &OpsHandler{svc: svc, metrics: metrics, log: log.With("component", "ops_http")}
}

type captureRequest struct {
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
	Priority int    `json:"priority"`
}

type enqueueRequest struct {
	Priority int `json:"priority"`
}

type resetRequest struct {
	Attempts int `json:"attempts"`
}

func (h *OpsHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CaptureDocument stores a narration and queues it for embedding.
func (h *OpsHandler) CaptureDocument(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		http.Error(w, "user_id must be a uuid", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	doc, job, err := h.svc.Capture(r.Context(), req.UserID, req.Text, req.Priority)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc, "job": job})
}

func (h *OpsHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Document(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// EnqueueDocument force re-queues a document regardless of its current state.
func (h *OpsHandler) EnqueueDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	job, err := h.svc.Enqueue(r.Context(), id, req.Priority, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("document re-enqueued", "operator", operator(r), "document_id", id, "priority", req.Priority)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *OpsHandler) ResetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	job, err := h.svc.Reset(r.Context(), id, req.Attempts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("document reset", "operator", operator(r), "document_id", id, "attempts", req.Attempts)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *OpsHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *OpsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *OpsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrAlreadyQueued):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "operator", operator(r), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "document id must be a uuid", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves v at its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func operator(r *http.Request) string {
	sub, _ := middleware.OperatorFromContext(r.Context())
	return sub
}
