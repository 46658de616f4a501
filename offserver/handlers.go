// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/speakbetter/go-offsync/internal/auth"
)

// ClientAuthenticator extracts user and device identity from HTTP requests.
// Implementations validate auth (e.g. JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// OperationSink is the service surface the HTTP handlers depend on.
type OperationSink interface {
	ProcessUpload(ctx context.Context, userID, deviceID string, req *UploadRequest) (*UploadResponse, error)
	Status(ctx context.Context, userID string) (*StatusResponse, error)
}

// HTTPHandlers serves the upload API.
type HTTPHandlers struct {
	sink          OperationSink
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(sink OperationSink, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		sink:          sink,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches the API routes to the given mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/upload", h.HandleUpload)
	mux.HandleFunc("/sync/status", h.HandleStatus)
}

// HandleUpload processes a batch upload request.
func (h *HTTPHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var uploadReq UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&uploadReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}

	ctx := auth.SetUserID(r.Context(), userID)
	ctx = auth.SetDeviceID(ctx, deviceID)

	response, err := h.sink.ProcessUpload(ctx, userID, deviceID, &uploadReq)
	if err != nil {
		if errors.Is(err, ErrBatchTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, ReasonBatchTooLarge, err.Error())
			return
		}
		h.logger.Error("Failed to process upload", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to process upload")
		return
	}

	h.writeJSON(w, response)
}

// HandleStatus reports the authenticated user's recorded operation summary.
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	response, err := h.sink.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to query status", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "status_failed", "Failed to query status")
		return
	}

	h.writeJSON(w, response)
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
