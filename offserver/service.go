// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the operation sink.
type ServiceConfig struct {
	AppName            string // application name for diagnostics
	MaxUploadBatchSize int    // operations allowed per upload request (0 = unlimited)
	MaxPayloadBytes    int    // payload size cap per operation in bytes (0 = unlimited)
}

// Service records uploaded operations in Postgres. Inserts are keyed by the
// client-generated operation id, so redelivery after a lost response is
// idempotent: the duplicate insert is a no-op and still reported as applied.
type Service struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewService creates the sink and initializes its schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-offsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, config: config, logger: logger}

	if err := s.initializeSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_operations (
			op_id       UUID PRIMARY KEY,
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			kind        TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
			resource    TEXT NOT NULL,
			payload     JSONB,
			priority    INTEGER NOT NULL DEFAULT 1,
			enqueued_at BIGINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_user
			ON sync_operations (user_id, received_at)`,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessUpload validates and records a batch of operations for the
// authenticated user/device and returns a per-operation status list.
// Validation failures are per-operation and never fail the batch; only a
// database error does.
func (s *Service) ProcessUpload(ctx context.Context, userID, deviceID string, req *UploadRequest) (*UploadResponse, error) {
	if s.config.MaxUploadBatchSize > 0 && len(req.Operations) > s.config.MaxUploadBatchSize {
		return nil, fmt.Errorf("%w: %d operations exceeds limit %d",
			ErrBatchTooLarge, len(req.Operations), s.config.MaxUploadBatchSize)
	}

	statuses := make([]OperationStatus, 0, len(req.Operations))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range req.Operations {
			op := &req.Operations[i]
			if err := s.validateOperation(op); err != nil {
				s.logger.Debug("Rejected invalid operation", "op_id", op.ID, "error", err)
				statuses = append(statuses, statusInvalid(op.ID, ReasonBadPayload, err))
				continue
			}

			var payload any
			if len(op.Payload) > 0 {
				payload = []byte(op.Payload)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO sync_operations (op_id, user_id, device_id, kind, resource, payload, priority, enqueued_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (op_id) DO NOTHING
			`, op.ID, userID, deviceID, op.Kind, op.Resource, payload, op.Priority, op.EnqueuedAt)
			if err != nil {
				return fmt.Errorf("failed to record operation %s: %w", op.ID, err)
			}
			statuses = append(statuses, statusApplied(op.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Processed upload",
		"user_id", userID, "device_id", deviceID, "operations", len(req.Operations))
	return &UploadResponse{Accepted: true, Statuses: statuses}, nil
}

// Status returns a summary of the user's recorded operations.
func (s *Service) Status(ctx context.Context, userID string) (*StatusResponse, error) {
	var count int64
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(received_at) FROM sync_operations WHERE user_id = $1
	`, userID).Scan(&count, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation status: %w", err)
	}

	resp := &StatusResponse{UserID: userID, Operations: count}
	if last != nil {
		resp.LastReceivedAt = last.UTC().Format(time.RFC3339)
	}
	return resp, nil
}
