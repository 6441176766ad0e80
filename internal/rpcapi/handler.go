// Package rpcapi is the transport-neutral contract of the ledger. Both the
// gRPC and the HTTP surfaces decode requests into these types and call the
// same Handler, so rejections look identical on either transport.
package rpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
)

var ErrMalformedRequest = errors.New("malformed request")

// Ledger is the subset of *ledger.Service exposed over RPC.
type Ledger interface {
	Reserve(ctx context.Context, request ledger.ReserveRequest) (ledger.ReserveResult, error)
	Commit(ctx context.Context, request ledger.SettleRequest) (ledger.SettlementResult, error)
	Release(ctx context.Context, request ledger.SettleRequest) (ledger.SettlementResult, error)
	Refund(ctx context.Context, request ledger.SettleRequest) (ledger.SettlementResult, error)
	ResetIfDue(ctx context.Context, userID ledger.UserID) (ledger.CycleResult, error)
	Scan(ctx context.Context, request ledger.ScanRequest) (ledger.ScanReport, error)
	EnsureAccount(ctx context.Context, userID ledger.UserID, tier ledger.Tier) (ledger.AccountResult, error)
	GrantBonus(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error)
	Adjust(ctx context.Context, request ledger.AdjustRequest) (ledger.GrantResult, error)
	Spend(ctx context.Context, request ledger.SpendRequest) (ledger.SpendResult, error)
	ChangeSubscription(ctx context.Context, change ledger.SubscriptionChange) (ledger.Balance, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Projection(ctx context.Context, userID ledger.UserID) (ledger.Projection, error)
	History(ctx context.Context, userID ledger.UserID, before ledger.HistoryCursor, limit int) ([]ledger.HistoryItem, error)
	ObserveAttempt(ctx context.Context, attempt ledger.AttemptRecord) (ledger.ScanRow, error)
}

// Handler converts contract requests into ledger calls. Every method
// returns a nil error for rejections, which carry a reason in the
// response; a non-nil error means the store could not be reached.
type Handler struct {
	ledger Ledger
}

func NewHandler(ledgerService Ledger) *Handler {
	return &Handler{ledger: ledgerService}
}

func (handler *Handler) Reserve(ctx context.Context, request ReserveRequest) (ReserveResponse, error) {
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return rejectReserve(err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return rejectReserve(err)
	}
	entryContext, err := ledger.ParseContext(request.Metadata)
	if err != nil {
		return rejectReserve(err)
	}
	result, err := handler.ledger.Reserve(ctx, ledger.ReserveRequest{
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount,
		Feature:   strings.TrimSpace(request.Feature),
		Context:   entryContext,
	})
	if err != nil {
		return rejectReserve(err)
	}
	return ReserveResponse{
		Result:          succeeded(result.Outcome),
		Remaining:       remainingOf(result.Remaining),
		RequestID:       result.RequestID.String(),
		Status:          result.Status.String(),
		ReservedMonthly: result.ReservedMonthly.Int64(),
		ReservedBonus:   result.ReservedBonus.Int64(),
	}, nil
}

func (handler *Handler) Commit(ctx context.Context, request SettleRequest) (SettleResponse, error) {
	return handler.settle(ctx, request, handler.ledger.Commit)
}

func (handler *Handler) Release(ctx context.Context, request SettleRequest) (SettleResponse, error) {
	return handler.settle(ctx, request, handler.ledger.Release)
}

func (handler *Handler) Refund(ctx context.Context, request SettleRequest) (SettleResponse, error) {
	return handler.settle(ctx, request, handler.ledger.Refund)
}

type settleFunc func(context.Context, ledger.SettleRequest) (ledger.SettlementResult, error)

func (handler *Handler) settle(ctx context.Context, request SettleRequest, call settleFunc) (SettleResponse, error) {
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return rejectSettle(err)
	}
	var entryContext ledger.EntryContext
	if len(request.Metadata) > 0 {
		if entryContext, err = ledger.ParseContext(request.Metadata); err != nil {
			return rejectSettle(err)
		}
		if entryContext.Kind == ledger.ContextNone {
			entryContext = ledger.EntryContext{}
		}
	}
	result, err := call(ctx, ledger.SettleRequest{
		UserID:    userID,
		RequestID: requestID,
		Reason:    strings.TrimSpace(request.Reason),
		Context:   entryContext,
	})
	if err != nil {
		return rejectSettle(err)
	}
	return SettleResponse{
		Result:          succeeded(result.Outcome),
		Remaining:       remainingOf(result.Remaining),
		RequestID:       result.RequestID.String(),
		Status:          result.Status.String(),
		RefundedMonthly: result.RefundedMonthly.Int64(),
		RefundedBonus:   result.RefundedBonus.Int64(),
	}, nil
}

func (handler *Handler) ResetIfDue(ctx context.Context, request ResetRequest) (ResetResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return rejectReset(err)
	}
	result, err := handler.ledger.ResetIfDue(ctx, userID)
	if err != nil {
		return rejectReset(err)
	}
	return ResetResponse{
		Result:           Result{OK: true},
		Remaining:        remainingOf(result.Remaining),
		Advanced:         result.Advanced,
		CycleStart:       result.CycleStart,
		CycleEnd:         result.CycleEnd,
		MonthlyAllowance: result.MonthlyAllowance.Int64(),
	}, nil
}

func (handler *Handler) Scan(ctx context.Context, request ScanRequest) (ScanResponse, error) {
	scan := ledger.ScanRequest{
		Lookback: time.Duration(request.LookbackMinutes) * time.Minute,
		DryRun:   request.DryRun,
		Limit:    request.Limit,
	}
	if strings.TrimSpace(request.UserFilter) != "" {
		userID, err := ledger.NewUserID(request.UserFilter)
		if err != nil {
			return rejectScan(err)
		}
		scan.UserID = userID
	}
	report, err := handler.ledger.Scan(ctx, scan)
	if err != nil {
		return rejectScan(err)
	}
	response := ScanResponse{Result: Result{OK: true}, DryRun: report.DryRun, Rows: make([]ScanRow, 0, len(report.Rows))}
	for _, row := range report.Rows {
		response.Rows = append(response.Rows, scanRowOf(row))
	}
	return response, nil
}

func (handler *Handler) Provision(ctx context.Context, request ProvisionRequest) (BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return rejectBalance(err)
	}
	tier, err := ledger.ParseTier(request.Tier)
	if err != nil {
		return rejectBalance(err)
	}
	result, err := handler.ledger.EnsureAccount(ctx, userID, tier)
	if err != nil {
		return rejectBalance(err)
	}
	return BalanceResponse{Result: succeeded(result.Outcome), Balance: balancePayloadOf(result.Balance)}, nil
}

func (handler *Handler) GrantBonus(ctx context.Context, request GrantRequest) (GrantResponse, error) {
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return rejectGrant(err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return rejectGrant(err)
	}
	kind := ledger.EntryBonus
	if strings.TrimSpace(request.Kind) != "" {
		if kind, err = ledger.ParseEntryType(request.Kind); err != nil {
			return rejectGrant(err)
		}
	}
	entryContext, err := ledger.ParseContext(request.Metadata)
	if err != nil {
		return rejectGrant(err)
	}
	result, err := handler.ledger.GrantBonus(ctx, ledger.GrantRequest{
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount,
		Kind:      kind,
		Context:   entryContext,
	})
	if err != nil {
		return rejectGrant(err)
	}
	return grantResponseOf(result), nil
}

func (handler *Handler) Adjust(ctx context.Context, request AdjustRequest) (GrantResponse, error) {
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return rejectGrant(err)
	}
	entryContext, err := ledger.NewAdjustmentContext(ledger.AdjustmentContext{
		Reason: strings.TrimSpace(request.Reason),
		Actor:  strings.TrimSpace(request.Actor),
	})
	if err != nil {
		return rejectGrant(err)
	}
	result, err := handler.ledger.Adjust(ctx, ledger.AdjustRequest{
		UserID:    userID,
		RequestID: requestID,
		Delta:     request.Delta,
		Context:   entryContext,
	})
	if err != nil {
		return rejectGrant(err)
	}
	return grantResponseOf(result), nil
}

func (handler *Handler) Spend(ctx context.Context, request SpendRequest) (SpendResponse, error) {
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return rejectSpend(err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return rejectSpend(err)
	}
	entryContext, err := ledger.ParseContext(request.Metadata)
	if err != nil {
		return rejectSpend(err)
	}
	result, err := handler.ledger.Spend(ctx, ledger.SpendRequest{
		UserID:    userID,
		RequestID: requestID,
		Amount:    amount,
		Context:   entryContext,
	})
	if err != nil {
		return rejectSpend(err)
	}
	return SpendResponse{
		Result:       succeeded(result.Outcome),
		Remaining:    remainingOf(result.Remaining),
		RequestID:    result.RequestID.String(),
		SpentMonthly: result.SpentMonthly.Int64(),
		SpentBonus:   result.SpentBonus.Int64(),
	}, nil
}

func (handler *Handler) ChangeSubscription(ctx context.Context, request SubscriptionRequest) (BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return rejectBalance(err)
	}
	tier, err := ledger.ParseTier(request.Tier)
	if err != nil {
		return rejectBalance(err)
	}
	source, err := ledger.ParseCycleSource(request.CycleSource)
	if err != nil {
		return rejectBalance(err)
	}
	change := ledger.SubscriptionChange{UserID: userID, Tier: tier, CycleSource: source}
	if request.AnchorUnix > 0 {
		change.Anchor = time.Unix(request.AnchorUnix, 0).UTC()
	}
	balance, err := handler.ledger.ChangeSubscription(ctx, change)
	if err != nil {
		return rejectBalance(err)
	}
	return BalanceResponse{Result: Result{OK: true}, Balance: balancePayloadOf(balance)}, nil
}

func (handler *Handler) Balance(ctx context.Context, request BalanceRequest) (BalanceResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return rejectBalance(err)
	}
	balance, err := handler.ledger.Balance(ctx, userID)
	if err != nil {
		return rejectBalance(err)
	}
	return BalanceResponse{Result: Result{OK: true}, Balance: balancePayloadOf(balance)}, nil
}

func (handler *Handler) Projection(ctx context.Context, request BalanceRequest) (ProjectionResponse, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return reject[ProjectionResponse](err, func(result Result) ProjectionResponse { return ProjectionResponse{Result: result} })
	}
	projection, err := handler.ledger.Projection(ctx, userID)
	if err != nil {
		return reject[ProjectionResponse](err, func(result Result) ProjectionResponse { return ProjectionResponse{Result: result} })
	}
	return ProjectionResponse{Result: Result{OK: true}, Projection: &ProjectionPayload{
		Available:        projection.Available.Int64(),
		MonthlyAvailable: projection.MonthlyAvailable.Int64(),
		BonusAvailable:   projection.BonusAvailable.Int64(),
		Unmetered:        projection.Unmetered,
		CycleEnd:         projection.CycleEnd,
		UpdatedAt:        projection.UpdatedAt,
	}}, nil
}

func (handler *Handler) History(ctx context.Context, request HistoryRequest) (HistoryResponse, error) {
	wrap := func(result Result) HistoryResponse { return HistoryResponse{Result: result} }
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return reject[HistoryResponse](err, wrap)
	}
	before, err := ParseCursor(request.Before)
	if err != nil {
		return HistoryResponse{}, err
	}
	items, err := handler.ledger.History(ctx, userID, before, request.Limit)
	if err != nil {
		return reject[HistoryResponse](err, wrap)
	}
	response := HistoryResponse{Result: Result{OK: true}, Items: make([]HistoryItem, 0, len(items))}
	for _, item := range items {
		payload, err := historyItemOf(item)
		if err != nil {
			return HistoryResponse{}, err
		}
		response.Items = append(response.Items, payload)
	}
	if len(items) > 0 {
		response.NextBefore = EncodeCursor(items[len(items)-1].Cursor)
	}
	return response, nil
}

func (handler *Handler) ObserveAttempt(ctx context.Context, request AttemptRequest) (AttemptResponse, error) {
	wrap := func(result Result) AttemptResponse { return AttemptResponse{Result: result} }
	userID, requestID, err := parseIdentifiers(request.UserID, request.RequestID)
	if err != nil {
		return reject[AttemptResponse](err, wrap)
	}
	status, err := ledger.ParseAttemptStatus(request.Status)
	if err != nil {
		return reject[AttemptResponse](err, wrap)
	}
	row, err := handler.ledger.ObserveAttempt(ctx, ledger.AttemptRecord{
		RequestID: requestID,
		UserID:    userID,
		Status:    status,
		Error:     strings.TrimSpace(request.Error),
	})
	if err != nil {
		return reject[AttemptResponse](err, wrap)
	}
	payload := scanRowOf(row)
	return AttemptResponse{Result: succeeded(row.Outcome), Row: &payload}, nil
}

func parseIdentifiers(rawUserID string, rawRequestID string) (ledger.UserID, ledger.RequestID, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.UserID{}, ledger.RequestID{}, err
	}
	requestID, err := ledger.NewRequestID(rawRequestID)
	if err != nil {
		return ledger.UserID{}, ledger.RequestID{}, err
	}
	return userID, requestID, nil
}

// reject turns a reasoned error into an ok=false response and passes hard
// failures through.
func reject[Response any](err error, wrap func(Result) Response) (Response, error) {
	reason, ok := ledger.ReasonOf(err)
	if !ok {
		var zero Response
		return zero, err
	}
	return wrap(Result{Reason: string(reason)}), nil
}

func rejectReserve(err error) (ReserveResponse, error) {
	return reject(err, func(result Result) ReserveResponse { return ReserveResponse{Result: result} })
}

func rejectSettle(err error) (SettleResponse, error) {
	return reject(err, func(result Result) SettleResponse { return SettleResponse{Result: result} })
}

func rejectReset(err error) (ResetResponse, error) {
	return reject(err, func(result Result) ResetResponse { return ResetResponse{Result: result} })
}

func rejectScan(err error) (ScanResponse, error) {
	return reject(err, func(result Result) ScanResponse { return ScanResponse{Result: result, Rows: []ScanRow{}} })
}

func rejectBalance(err error) (BalanceResponse, error) {
	return reject(err, func(result Result) BalanceResponse { return BalanceResponse{Result: result} })
}

func rejectGrant(err error) (GrantResponse, error) {
	return reject(err, func(result Result) GrantResponse { return GrantResponse{Result: result} })
}

func rejectSpend(err error) (SpendResponse, error) {
	return reject(err, func(result Result) SpendResponse { return SpendResponse{Result: result} })
}

func succeeded(outcome ledger.Outcome) Result {
	return Result{OK: true, Outcome: string(outcome)}
}

func remainingOf(remaining ledger.Remaining) Remaining {
	return Remaining{
		RemainingMonthly: remaining.Monthly.Int64(),
		RemainingBonus:   remaining.Bonus.Int64(),
		Unmetered:        remaining.Unmetered,
	}
}

func grantResponseOf(result ledger.GrantResult) GrantResponse {
	return GrantResponse{
		Result:     succeeded(result.Outcome),
		Remaining:  remainingOf(result.Remaining),
		RequestID:  result.RequestID.String(),
		BonusTotal: result.BonusTotal.Int64(),
	}
}

func scanRowOf(row ledger.ScanRow) ScanRow {
	return ScanRow{
		RequestID:   row.RequestID.String(),
		UserID:      row.UserID.String(),
		Status:      row.Status.String(),
		ActionTaken: string(row.Action),
		Outcome:     string(row.Outcome),
		Error:       row.Error,
	}
}

func balancePayloadOf(balance ledger.Balance) *BalancePayload {
	return &BalancePayload{
		UserID:           balance.UserID.String(),
		Tier:             balance.Tier.String(),
		CycleSource:      balance.CycleSource.String(),
		CycleStart:       balance.CycleStart,
		CycleEnd:         balance.CycleEnd,
		MonthlyAllowance: balance.MonthlyAllowance.Int64(),
		MonthlyUsed:      balance.MonthlyUsed.Int64(),
		BonusTotal:       balance.BonusTotal.Int64(),
		BonusUsed:        balance.BonusUsed.Int64(),
		ReservedMonthly:  balance.ReservedMonthly.Int64(),
		ReservedBonus:    balance.ReservedBonus.Int64(),
		Unmetered:        balance.Unmetered,
	}
}

func historyItemOf(item ledger.HistoryItem) (HistoryItem, error) {
	encodedContext, err := ledger.MarshalContext(item.Context)
	if err != nil {
		return HistoryItem{}, fmt.Errorf("history %s: %w", item.RequestID, err)
	}
	payload := HistoryItem{
		RequestID:     item.RequestID.String(),
		Type:          item.Type.String(),
		State:         string(item.State),
		Amount:        item.Amount,
		MonthlyAmount: item.MonthlyAmount.Int64(),
		BonusAmount:   item.BonusAmount.Int64(),
		Context:       json.RawMessage(encodedContext),
		CreatedAt:     item.CreatedAt,
		Cursor:        EncodeCursor(item.Cursor),
	}
	if !item.SettledAt.IsZero() {
		settledAt := item.SettledAt
		payload.SettledAt = &settledAt
	}
	return payload, nil
}

// EncodeCursor renders a history position as "<unix nanos>.<sequence>".
func EncodeCursor(cursor ledger.HistoryCursor) string {
	if cursor.IsZero() {
		return ""
	}
	return strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + "." + strconv.FormatInt(cursor.Sequence, 10)
}

// ParseCursor reverses EncodeCursor. An empty value starts at the newest
// request.
func ParseCursor(raw string) (ledger.HistoryCursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ledger.HistoryCursor{}, nil
	}
	nanosText, sequenceText, found := strings.Cut(trimmed, ".")
	if !found {
		return ledger.HistoryCursor{}, fmt.Errorf("%w: history cursor %q", ErrMalformedRequest, raw)
	}
	nanos, nanosErr := strconv.ParseInt(nanosText, 10, 64)
	sequence, sequenceErr := strconv.ParseInt(sequenceText, 10, 64)
	if nanosErr != nil || sequenceErr != nil || nanos <= 0 || sequence < 0 {
		return ledger.HistoryCursor{}, fmt.Errorf("%w: history cursor %q", ErrMalformedRequest, raw)
	}
	return ledger.HistoryCursor{CreatedAt: time.Unix(0, nanos).UTC(), Sequence: sequence}, nil
}
