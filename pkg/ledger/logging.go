package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation and how it ended.
type OperationLog struct {
	Operation string
	UserID    UserID
	RequestID RequestID
	Amount    Credits
	Outcome   Outcome
	Status    string
	Reason    Reason
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTierAllowances replaces the tier to allowance table.
func WithTierAllowances(allowances TierAllowances) ServiceOption {
	return func(service *Service) {
		service.allowances = allowances
	}
}

// WithAccountProvisioning toggles lazy creation of balance rows. When
// disabled, operations on unknown users fail with missing_credit_account.
func WithAccountProvisioning(enabled bool) ServiceOption {
	return func(service *Service) {
		service.autoProvision = enabled
	}
}

// WithDefaultTier sets the tier given to lazily provisioned accounts.
func WithDefaultTier(tier Tier) ServiceOption {
	return func(service *Service) {
		service.defaultTier = tier
	}
}

// WithIDGenerator replaces the entry id source.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
		if reason, ok := ReasonOf(entry.Error); ok {
			entry.Reason = reason
		}
	} else {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) now() time.Time {
	return time.Unix(service.nowFn(), 0).UTC()
}
