// Package api exposes the transcription service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-whisperd/internal/eventstore"
	"github.com/loqalabs/loqa-whisperd/internal/logbuf"
	"github.com/loqalabs/loqa-whisperd/internal/service"
)

// Transcriber is the subset of service.Service the handlers drive.
type Transcriber interface {
	TranscribeOneShot(ctx context.Context, audio []byte) (service.Result, error)
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) (service.Result, error)
	Status() service.Status
}

// JobLister returns recent job metadata.
type JobLister interface {
	ListJobs(ctx context.Context, limit int) ([]eventstore.Job, error)
}

type Options struct {
	Service       Transcriber
	Logs          *logbuf.Buffer
	Jobs          JobLister
	Metrics       http.Handler
	AllowedOrigin string
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

type Handler struct {
	svc          Transcriber
	logs         *logbuf.Buffer
	jobs         JobLister
	maxBodyBytes int64
	log          *slog.Logger
}

// New builds the routed handler, wrapped with CORS.
func New(opts Options) http.Handler {
	h := &Handler{
		svc:          opts.Service,
		logs:         opts.Logs,
		jobs:         opts.Jobs,
		maxBodyBytes: opts.MaxBodyBytes,
		log:          opts.Logger.With(slog.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", h.handleTranscribe)
	mux.HandleFunc("POST /transcribe/start", h.handleStart)
	mux.HandleFunc("POST /transcribe/stop", h.handleStop)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /logs", h.handleLogs)
	mux.HandleFunc("GET /jobs", h.handleJobs)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return withCORS(opts.AllowedOrigin, mux)
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	audio, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error":   "body_too_large",
				"message": "Request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes.",
			})
			return
		}
		h.log.Warn("failed to read request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   string(service.KindNoAudio),
			"message": "Failed to read request body.",
		})
		return
	}

	res, err := h.svc.TranscribeOneShot(r.Context(), audio)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartRecording(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Recording started"})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.StopRecording(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.svc.Status()
	if !st.Ready {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "error",
			"model":   nil,
			"message": "Model not loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"model":         st.Model,
		"model_size_mb": st.ModelSizeMB,
		"recording":     st.Recording,
	})
}

func (h *Handler) handleLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": h.logs.Snapshot()})
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer.",
			})
			return
		}
		limit = n
	}
	jobs := []eventstore.Job{}
	if h.jobs != nil {
		var err error
		if jobs, err = h.jobs.ListJobs(r.Context(), limit); err != nil {
			h.log.Error("failed to list jobs", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "internal",
				"message": "Failed to list jobs.",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.svc.Status().Ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		h.log.Error("unclassified service error", slog.String("error", err.Error()))
		svcErr = service.ErrTranscriptionFailed
	}
	status, code := statusFor(svcErr.Kind)
	body := map[string]any{"error": code, "message": svcErr.Message}
	if svcErr.Kind == service.KindAlreadyRecording || svcErr.Kind == service.KindNotRecording {
		body["ok"] = false
	}
	writeJSON(w, status, body)
}

// statusFor maps an error kind to its HTTP status and wire code.
func statusFor(kind service.Kind) (int, string) {
	switch kind {
	case service.KindModelNotLoaded:
		return http.StatusServiceUnavailable, string(kind)
	case service.KindNoAudio, service.KindNotRecording:
		return http.StatusBadRequest, string(kind)
	case service.KindAlreadyRecording:
		return http.StatusConflict, string(kind)
	case service.KindTimeout:
		return http.StatusGatewayTimeout, string(kind)
	case service.KindEngineUnavailable:
		return http.StatusInternalServerError, string(service.KindTranscriptionFailed)
	case service.KindMicUnavailable, service.KindRecordingFailed, service.KindTranscodeFailed:
		return http.StatusInternalServerError, string(kind)
	default:
		return http.StatusInternalServerError, string(service.KindTranscriptionFailed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
