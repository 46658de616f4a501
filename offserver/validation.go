// Copyright 2025 SpeakBetter Authors
// SPDX-License-Identifier: Apache-2.0

package offserver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for error-to-status mapping.
var (
	ErrBadPayload    = errors.New("bad_payload")
	ErrBatchTooLarge = errors.New("batch_too_large")
)

// Resource names are opaque paths like "sessions" or "sessions/42/feedback".
var resourcePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_./-]*$`)

// Kind constants accepted on the wire; these mirror the client queue.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// validateOperation normalizes and validates a single uploaded operation.
func (s *Service) validateOperation(op *OperationUpload) error {
	op.Kind = strings.ToLower(strings.TrimSpace(op.Kind))
	op.Resource = strings.TrimSpace(op.Resource)

	if _, err := uuid.Parse(op.ID); err != nil {
		return fmt.Errorf("%w: invalid operation id %q", ErrBadPayload, op.ID)
	}

	switch op.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("%w: invalid kind %q", ErrBadPayload, op.Kind)
	}

	if !resourcePattern.MatchString(op.Resource) {
		return fmt.Errorf("%w: invalid resource %q", ErrBadPayload, op.Resource)
	}

	if op.Priority < 0 {
		return fmt.Errorf("%w: negative priority", ErrBadPayload)
	}

	if s.config.MaxPayloadBytes > 0 && len(op.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrBadPayload, s.config.MaxPayloadBytes)
	}

	return nil
}
