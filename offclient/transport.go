// Package offclient delivers queued operations to the offsync backend over
// HTTP with JWT bearer authentication. It implements the transport contract
// consumed by the offqueue engine.
// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/speakbetter/go-offsync/offqueue"
	"github.com/speakbetter/go-offsync/offserver"
)

// TokenFunc supplies a fresh bearer token for each request.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport sends one operation per request to the backend upload API.
// A non-2xx response or a non-applied per-operation status is reported as a
// delivery failure, which the engine turns into a retry.
type HTTPTransport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ offqueue.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport against the given base URL.
func NewHTTPTransport(baseURL string, token TokenFunc, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Send implements offqueue.Transport.
func (t *HTTPTransport) Send(ctx context.Context, op offqueue.Operation) error {
	reqBody := offserver.UploadRequest{
		Operations: []offserver.OperationUpload{{
			ID:         op.ID,
			Kind:       string(op.Kind),
			Resource:   op.Resource,
			Payload:    op.Payload,
			Priority:   op.Priority,
			EnqueuedAt: op.EnqueuedAt,
		}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to serialize upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/upload", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload rejected with HTTP %d: %s", resp.StatusCode, string(data))
	}

	var uploadResp offserver.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return fmt.Errorf("failed to parse upload response: %w", err)
	}
	if !uploadResp.Accepted {
		return fmt.Errorf("upload not accepted by server")
	}
	for _, status := range uploadResp.Statuses {
		if status.ID != op.ID {
			continue
		}
		if status.Status != offserver.StApplied {
			return fmt.Errorf("operation %s not applied: %s (%s)", op.ID, status.Status, status.Message)
		}
		t.logger.Debug("Operation applied", "id", op.ID, "resource", op.Resource)
		return nil
	}
	return fmt.Errorf("server response missing status for operation %s", op.ID)
}
