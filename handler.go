package signalq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// maxScanBytes bounds the text accepted by the scan endpoint.
const maxScanBytes = 32 << 10

// maxEnqueueBytes bounds an enqueue body; its params are persisted as sent.
const maxEnqueueBytes = 64 << 10

var validate = validator.New()

// QueueAPI is the node surface the HTTP handler needs. *Node implements it.
type QueueAPI interface {
	Pending(ctx context.Context) ([]Signal, error)
	Stats(ctx context.Context) (*Stats, error)
	EnqueueRaw(ctx context.Context, method string, params json.RawMessage) error
	AttemptSync(ctx context.Context) SyncReport
	Discard(ctx context.Context, id string) error
}

// Handler provides HTTP endpoints for inspecting and feeding the queue and
// for scanning text with the leakage guard.
type Handler struct {
	queue QueueAPI
	guard ContentScanner
}

// NewHandler creates a queue HTTP handler. A nil guard disables /scan and
// message scanning on enqueue.
func NewHandler(queue QueueAPI, guard ContentScanner) *Handler {
	return &Handler{queue: queue, guard: guard}
}

// EnqueueRequest is the body of POST /.
type EnqueueRequest struct {
	Method string          `json:"method" validate:"required"`
	Params json.RawMessage `json:"params" validate:"required"`
}

// ScanRequest is the body of POST /scan.
type ScanRequest struct {
	Text      string `json:"text" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	ContextID string `json:"context_id,omitempty"`
}

// Routes returns a chi.Router with all queue endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleEnqueue)
	r.Get("/stats", h.handleStats)
	r.Post("/sync", h.handleSync)
	r.Post("/scan", h.handleScan)
	r.Delete("/{signalID}", h.handleDiscard)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	signals, err := h.queue.Pending(r.Context())
	if err != nil {
		slog.Error("list signals failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if signals == nil {
		signals = []Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnqueueBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if h.guard != nil && req.Method == MethodSendMessage {
		if op, err := DecodeOp(req.Method, req.Params); err == nil {
			msg := op.(SendMessage)
			if res := h.guard.Scan(r.Context(), msg.Body, msg.SenderID, msg.ThreadID); !res.IsSafe {
				writeJSON(w, http.StatusUnprocessableEntity, res)
				return
			}
		}
	}

	if err := h.queue.EnqueueRaw(r.Context(), req.Method, req.Params); err != nil {
		if errors.Is(err, ErrUnknownMethod) || errors.Is(err, ErrInvalidParams) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("enqueue failed", "method", req.Method, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "method": req.Method})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.AttemptSync(r.Context()))
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scanner disabled"})
		return
	}
	var req ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.guard.Scan(r.Context(), req.Text, req.UserID, req.ContextID))
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")

	if err := h.queue.Discard(r.Context(), signalID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "signal not found"})
			return
		}
		slog.Error("discard failed", "signal_id", signalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "signal_id": signalID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
