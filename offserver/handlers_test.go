// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSink is an in-memory OperationSink for handler tests.
type stubSink struct {
	uploads  []*UploadRequest
	uploadFn func(*UploadRequest) (*UploadResponse, error)
}

func (s *stubSink) ProcessUpload(_ context.Context, _, _ string, req *UploadRequest) (*UploadResponse, error) {
	s.uploads = append(s.uploads, req)
	if s.uploadFn != nil {
		return s.uploadFn(req)
	}
	statuses := make([]OperationStatus, len(req.Operations))
	for i, op := range req.Operations {
		statuses[i] = statusApplied(op.ID)
	}
	return &UploadResponse{Accepted: true, Statuses: statuses}, nil
}

func (s *stubSink) Status(context.Context, string) (*StatusResponse, error) {
	return &StatusResponse{UserID: "user-1", Operations: int64(len(s.uploads))}, nil
}

func newTestHandlers(t *testing.T, sink OperationSink) (*HTTPHandlers, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPHandlers(sink, jwtAuth, logger), token
}

func postUpload(t *testing.T, h *HTTPHandlers, token string, req *UploadRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/sync/upload", bytes.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.HandleUpload(w, r)
	return w
}

func TestHandleUpload(t *testing.T) {
	sink := &stubSink{}
	h, token := newTestHandlers(t, sink)

	op := validOp()
	w := postUpload(t, h, token, &UploadRequest{Operations: []OperationUpload{op}})

	require.Equal(t, http.StatusOK, w.Code)
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	require.Len(t, resp.Statuses, 1)
	assert.Equal(t, op.ID, resp.Statuses[0].ID)
	assert.Equal(t, StApplied, resp.Statuses[0].Status)
	require.Len(t, sink.uploads, 1)
}

func TestHandleUploadRequiresAuth(t *testing.T) {
	sink := &stubSink{}
	h, _ := newTestHandlers(t, sink)

	w := postUpload(t, h, "", &UploadRequest{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, sink.uploads)
}

func TestHandleUploadRejectsGet(t *testing.T) {
	h, token := newTestHandlers(t, &stubSink{})

	r := httptest.NewRequest(http.MethodGet, "/sync/upload", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.HandleUpload(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleUploadBadBody(t *testing.T) {
	h, token := newTestHandlers(t, &stubSink{})

	r := httptest.NewRequest(http.MethodPost, "/sync/upload", bytes.NewReader([]byte("{nope")))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.HandleUpload(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUploadBatchTooLarge(t *testing.T) {
	sink := &stubSink{uploadFn: func(*UploadRequest) (*UploadResponse, error) {
		return nil, fmt.Errorf("%w: 500 operations exceeds limit 200", ErrBatchTooLarge)
	}}
	h, token := newTestHandlers(t, sink)

	w := postUpload(t, h, token, &UploadRequest{Operations: []OperationUpload{validOp()}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ReasonBatchTooLarge, resp.Error)
}

func TestHandleStatus(t *testing.T) {
	h, token := newTestHandlers(t, &stubSink{})

	r := httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.HandleStatus(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
}
