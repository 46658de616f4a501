// Package offserver is the reference backend for the offline queue: an HTTP
// API that authenticates clients with JWT and idempotently records delivered
// operations in Postgres.
// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"encoding/json"
)

// REST/JSON models for the upload API.

// UploadRequest is a batch of operations delivered by a client. The user and
// device identity come from the JWT, never from the body.
type UploadRequest struct {
	Operations []OperationUpload `json:"operations"`
}

// OperationUpload is a single queued mutation on the wire.
type OperationUpload struct {
	ID         string          `json:"id"`                // client-generated operation UUID
	Kind       string          `json:"kind"`              // create, update, delete
	Resource   string          `json:"resource"`          // opaque resource path
	Payload    json.RawMessage `json:"payload,omitempty"` // opaque JSON, null for deletes
	Priority   int             `json:"priority"`
	EnqueuedAt int64           `json:"enqueued_at"` // client clock, epoch millis
}

// UploadResponse reports the outcome per operation.
type UploadResponse struct {
	Accepted bool              `json:"accepted"`
	Statuses []OperationStatus `json:"statuses"`
}

// OperationStatus is the result of processing one uploaded operation.
type OperationStatus struct {
	ID      string         `json:"id"`
	Status  string         `json:"status"`            // "applied" or "invalid"
	Message string         `json:"message,omitempty"` // optional details for errors
	Invalid map[string]any `json:"invalid,omitempty"` // structured reason for invalid ops
}

// StatusResponse summarizes a user's recorded operations.
type StatusResponse struct {
	UserID         string `json:"user_id"`
	Operations     int64  `json:"operations"`
	LastReceivedAt string `json:"last_received_at,omitempty"`
}

// ErrorResponse is the JSON error envelope for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Status constants for OperationStatus.Status.
const (
	StApplied = "applied"
	StInvalid = "invalid"
)

// Invalid reason constants.
const (
	ReasonBadPayload    = "bad_payload"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonInternalError = "internal_error"
)

func statusApplied(id string) OperationStatus {
	return OperationStatus{ID: id, Status: StApplied}
}

func statusInvalid(id, reason string, err error) OperationStatus {
	return OperationStatus{
		ID:      id,
		Status:  StInvalid,
		Message: err.Error(),
		Invalid: map[string]any{
			"reason":  reason,
			"details": map[string]any{"error": err.Error()},
		},
	}
}
