package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	compensationReasonFailed = "generation_failed"
	defaultScanLookback      = 24 * time.Hour
)

// ScanAction is what the sweeper did, or would do, with one reservation.
type ScanAction string

const (
	ScanReleased      ScanAction = "released"
	ScanRefunded      ScanAction = "refunded"
	ScanWouldRelease  ScanAction = "would_release"
	ScanWouldRefund   ScanAction = "would_refund"
	ScanSkippedLocked ScanAction = "skipped_locked"
	ScanNoop          ScanAction = "noop"
	ScanError         ScanAction = "error"
)

// ScanRequest parameterizes one compensation sweep.
type ScanRequest struct {
	// UserID restricts the sweep to one user; zero sweeps everyone.
	UserID   UserID
	Lookback time.Duration
	DryRun   bool
	Limit    int
}

// ScanRow reports one reservation visited by the sweep.
type ScanRow struct {
	RequestID RequestID
	UserID    UserID
	Status    ReservationStatus
	Action    ScanAction
	Outcome   Outcome
	Error     string
}

// ScanReport is the result of a sweep.
type ScanReport struct {
	DryRun bool
	Rows   []ScanRow
}

// Count returns how many rows ended with action.
func (report ScanReport) Count(action ScanAction) int {
	count := 0
	for _, row := range report.Rows {
		if row.Action == action {
			count++
		}
	}
	return count
}

// Scan finds reservations still reserved or committed whose generation
// attempt failed within the lookback window and settles them: reserved
// ones are released, committed ones refunded. Balances locked by another
// transaction are skipped rather than waited on, so sweeps can overlap.
// With DryRun the same decisions are reported without touching state.
func (service *Service) Scan(ctx context.Context, request ScanRequest) (ScanReport, error) {
	if request.Lookback < 0 {
		return ScanReport{}, fmt.Errorf("%w: lookback must not be negative", ErrInvalidAmount)
	}
	if request.Lookback == 0 {
		request.Lookback = defaultScanLookback
	}
	if request.Limit <= 0 {
		request.Limit = defaultScanLimit
	}
	candidates, err := service.store.ListCompensationCandidates(ctx, CandidateFilter{
		UserID: request.UserID,
		Since:  service.now().Add(-request.Lookback),
		Limit:  request.Limit,
	})
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationScan, UserID: request.UserID, Error: err})
		return ScanReport{}, err
	}
	report := ScanReport{DryRun: request.DryRun, Rows: make([]ScanRow, 0, len(candidates))}
	for _, candidate := range candidates {
		report.Rows = append(report.Rows, service.compensateCandidate(ctx, candidate, request.DryRun))
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationScan,
		UserID:    request.UserID,
		Amount:    Credits(len(report.Rows)),
		Outcome:   OutcomeApplied,
	})
	return report, nil
}

func (service *Service) compensateCandidate(ctx context.Context, candidate CompensationCandidate, dryRun bool) ScanRow {
	row := ScanRow{
		RequestID: candidate.RequestID,
		UserID:    candidate.UserID,
		Status:    candidate.ReservationStatus,
	}
	if dryRun {
		switch candidate.ReservationStatus {
		case ReservationStatusReserved:
			row.Action = ScanWouldRelease
		case ReservationStatusCommitted:
			row.Action = ScanWouldRefund
		default:
			row.Action = ScanNoop
		}
		return row
	}
	request := SettleRequest{
		UserID:    candidate.UserID,
		RequestID: candidate.RequestID,
		Reason:    compensationReasonFailed,
		Context: NewCompensationContext(CompensationContext{
			Reason:       compensationReasonFailed,
			Source:       CompensationSourceSweeper,
			AttemptError: candidate.AttemptError,
		}),
	}
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, locked, err := transactionStore.TryLockBalance(ctx, candidate.UserID)
		if err != nil {
			return err
		}
		if !locked {
			row.Action = ScanSkippedLocked
			return nil
		}
		reservation, err := service.ownedReservation(ctx, transactionStore, request)
		if err != nil {
			return err
		}
		row.Status = reservation.Status
		switch reservation.Status {
		case ReservationStatusReserved:
			result, err = service.releaseReserved(ctx, transactionStore, balance, reservation, request)
			row.Action = ScanReleased
		case ReservationStatusCommitted:
			result, err = service.refundCommitted(ctx, transactionStore, balance, reservation, request)
			row.Action = ScanRefunded
		default:
			row.Action = ScanNoop
			row.Outcome = OutcomeAlreadyReleased
		}
		return err
	})
	if operationError != nil {
		row.Action = ScanError
		row.Error = operationError.Error()
	}
	if result.Outcome != "" {
		row.Outcome = result.Outcome
	}
	if row.Action == ScanReleased || row.Action == ScanRefunded || row.Action == ScanError {
		operation := operationRelease
		if row.Action == ScanRefunded {
			operation = operationRefund
		}
		service.logOperation(ctx, OperationLog{
			Operation: operation,
			UserID:    candidate.UserID,
			RequestID: candidate.RequestID,
			Amount:    result.RefundedMonthly + result.RefundedBonus,
			Outcome:   row.Outcome,
			Error:     operationError,
		})
	}
	return row
}

// ObserveAttempt records a terminal or intermediate job state reported by
// the job owner and, for failures, settles the request immediately. It is
// the consumer side of the attempt event stream.
func (service *Service) ObserveAttempt(ctx context.Context, attempt AttemptRecord) (ScanRow, error) {
	if err := validateUserID(attempt.UserID); err != nil {
		return ScanRow{}, err
	}
	if err := validateRequestID(attempt.RequestID); err != nil {
		return ScanRow{}, err
	}
	if _, err := ParseAttemptStatus(attempt.Status.String()); err != nil {
		return ScanRow{}, err
	}
	if attempt.UpdatedAt.IsZero() {
		attempt.UpdatedAt = service.now()
	}
	row := ScanRow{RequestID: attempt.RequestID, UserID: attempt.UserID, Action: ScanNoop}
	if err := service.store.UpsertAttempt(ctx, attempt); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationObserveAttempt, UserID: attempt.UserID, RequestID: attempt.RequestID, Error: err})
		return ScanRow{}, err
	}
	if attempt.Status != AttemptFailed {
		service.logOperation(ctx, OperationLog{Operation: operationObserveAttempt, UserID: attempt.UserID, RequestID: attempt.RequestID, Outcome: OutcomeIdempotent})
		return row, nil
	}
	request := SettleRequest{
		UserID:    attempt.UserID,
		RequestID: attempt.RequestID,
		Reason:    compensationReasonFailed,
		Context: NewCompensationContext(CompensationContext{
			Reason:       compensationReasonFailed,
			Source:       CompensationSourceEvent,
			AttemptError: attempt.Error,
		}),
	}
	result, err := service.Release(ctx, request)
	if errors.Is(err, ErrUnknownReservation) {
		result, err = service.Refund(ctx, request)
	}
	if err != nil {
		return ScanRow{}, err
	}
	row.Status = result.Status
	row.Outcome = result.Outcome
	switch {
	case result.Outcome != OutcomeApplied:
		row.Action = ScanNoop
	case result.RefundedMonthly+result.RefundedBonus > 0:
		row.Action = ScanRefunded
	default:
		row.Action = ScanReleased
	}
	return row, nil
}
