package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwv/scanreg/registration"
)

// maxRequestBytes bounds a POST /register body
const maxRequestBytes = 64 << 20

// resultSummary is one entry of GET /results
type resultSummary struct {
	ID            string    `json:"id"`
	Success       bool      `json:"success"`
	Score         float64   `json:"score"`
	Trials        int       `json:"trials"`
	FailureReason string    `json:"failureReason,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	Duration      string    `json:"duration"`
}

// newHTTPServer creates an HTTP server with all endpoints. mqttSvc may be nil.
func newHTTPServer(registrar *registration.Registrar, store *registration.ResultStore, mqttSvc *registration.MQTTService, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("/health request", zap.String("remote", r.RemoteAddr))
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			Results       int       `json:"results"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			Results:       store.Len(),
			MQTTConnected: mqttSvc != nil && mqttSvc.IsConnected(),
		}
		writeJSON(w, http.StatusOK, status, logger)
	})

	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req registration.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), logger)
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		result, err := registrar.Handle(r.Context(), req)
		if result == nil {
			writeError(w, http.StatusBadRequest, err.Error(), logger)
			return
		}

		status := http.StatusOK
		switch {
		case err == nil:
		case registration.IsCanceled(err):
			status = http.StatusServiceUnavailable
		case errors.Is(err, registration.ErrInsufficientData):
			status = http.StatusBadRequest
		default:
			status = http.StatusUnprocessableEntity
		}
		logger.Info("/register",
			zap.String("id", result.ID),
			zap.Bool("success", result.Success),
			zap.Int("status", status))
		writeJSON(w, status, registration.NewResultMessage(result), logger)
	})

	mux.HandleFunc("GET /results", func(w http.ResponseWriter, r *http.Request) {
		list := store.List()
		out := make([]resultSummary, 0, len(list))
		for _, res := range list {
			out = append(out, resultSummary{
				ID:            res.ID,
				Success:       res.Success,
				Score:         res.Score,
				Trials:        res.Trials,
				FailureReason: res.FailureReason,
				StartedAt:     res.StartedAt,
				Duration:      res.Duration,
			})
		}
		writeJSON(w, http.StatusOK, out, logger)
	})

	mux.HandleFunc("GET /results/{id}", func(w http.ResponseWriter, r *http.Request) {
		res, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "result not found", logger)
			return
		}
		writeJSON(w, http.StatusOK, res, logger)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encoding response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
