// Package jobevents consumes terminal job states published by the job
// owner and feeds them to the ledger, which records the attempt and
// compensates failed requests immediately. Redis lists and PostgreSQL
// notifications are supported as transports.
package jobevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/go-playground/validator/v10"
)

var ErrInvalidEvent = errors.New("invalid attempt event")

var eventValidator = validator.New(validator.WithRequiredStructEnabled())

// AttemptEvent is the wire form of a job state change.
type AttemptEvent struct {
	RequestID  string    `json:"request_id" validate:"required,max=255"`
	UserID     string    `json:"user_id" validate:"required,max=255"`
	Status     string    `json:"status" validate:"required,oneof=started succeeded failed"`
	Error      string    `json:"error,omitempty" validate:"max=2000"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DecodeEvent parses and validates a payload.
func DecodeEvent(raw []byte) (AttemptEvent, error) {
	var event AttemptEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return AttemptEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	event.RequestID = strings.TrimSpace(event.RequestID)
	event.UserID = strings.TrimSpace(event.UserID)
	event.Status = strings.ToLower(strings.TrimSpace(event.Status))
	if err := event.Validate(); err != nil {
		return AttemptEvent{}, err
	}
	return event, nil
}

// Validate checks the event against its struct rules.
func (event AttemptEvent) Validate() error {
	if err := eventValidator.Struct(event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Encode validates and serializes the event.
func (event AttemptEvent) Encode() ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// Record converts the event into the ledger's attempt record.
func (event AttemptEvent) Record() (ledger.AttemptRecord, error) {
	userID, err := ledger.NewUserID(event.UserID)
	if err != nil {
		return ledger.AttemptRecord{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	requestID, err := ledger.NewRequestID(event.RequestID)
	if err != nil {
		return ledger.AttemptRecord{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	status, err := ledger.ParseAttemptStatus(event.Status)
	if err != nil {
		return ledger.AttemptRecord{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ledger.AttemptRecord{
		RequestID: requestID,
		UserID:    userID,
		Status:    status,
		Error:     strings.TrimSpace(event.Error),
		UpdatedAt: event.OccurredAt.UTC(),
	}, nil
}
