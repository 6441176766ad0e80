// Package zaplog writes ledger operation records through zap.
package zaplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"go.uber.org/zap"
)

const operationMessage = "ledger operation"

// OperationLogger implements ledger.OperationLogger. Successful operations
// log at info, rejections carrying a reason at warn, hard failures at error.
type OperationLogger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards records.
func New(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.RequestID.IsZero() {
		fields = append(fields, zap.String("request_id", entry.RequestID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", string(entry.Outcome)))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	switch {
	case entry.Error == nil:
		operationLogger.logger.Info(operationMessage, fields...)
	case entry.Reason != "":
		operationLogger.logger.Warn(operationMessage, append(fields, zap.Error(entry.Error))...)
	default:
		operationLogger.logger.Error(operationMessage, append(fields, zap.Error(entry.Error))...)
	}
}
