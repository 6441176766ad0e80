package jobevents

import (
	"context"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"go.uber.org/zap"
)

// AttemptObserver is implemented by *ledger.Service.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, attempt ledger.AttemptRecord) (ledger.ScanRow, error)
}

// Dispatcher hands decoded events to the ledger.
type Dispatcher struct {
	observer AttemptObserver
	logger   *zap.Logger
}

func NewDispatcher(observer AttemptObserver, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{observer: observer, logger: logger}
}

// Dispatch processes one raw payload. Payloads that can never succeed
// (malformed events, ledger rejections) are logged and dropped with a nil
// error; a non-nil error means the event should be retried.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	event, err := DecodeEvent(raw)
	if err != nil {
		dispatcher.logger.Warn("dropping attempt event", zap.Error(err), zap.ByteString("payload", raw))
		return nil
	}
	record, err := event.Record()
	if err != nil {
		dispatcher.logger.Warn("dropping attempt event", zap.Error(err), zap.String("request_id", event.RequestID))
		return nil
	}
	row, err := dispatcher.observer.ObserveAttempt(ctx, record)
	if err != nil {
		if reason, ok := ledger.ReasonOf(err); ok {
			dispatcher.logger.Warn("attempt event rejected",
				zap.String("request_id", event.RequestID),
				zap.String("reason", string(reason)),
				zap.Error(err))
			return nil
		}
		return err
	}
	dispatcher.logger.Info("attempt event applied",
		zap.String("request_id", event.RequestID),
		zap.String("user_id", event.UserID),
		zap.String("status", event.Status),
		zap.String("action", string(row.Action)),
		zap.String("outcome", string(row.Outcome)))
	return nil
}
