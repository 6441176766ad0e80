package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// AccountResult reports the balance after EnsureAccount.
type AccountResult struct {
	Balance Balance
	Outcome Outcome
}

// EnsureAccount creates the balance row for a user on first login. An
// existing row is returned untouched.
func (service *Service) EnsureAccount(ctx context.Context, userID UserID, tier Tier) (AccountResult, error) {
	var result AccountResult
	operationError := validateUserID(userID)
	if operationError == nil {
		_, operationError = ParseTier(tier.String())
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, userID)
			if err == nil {
				result = AccountResult{Balance: balance, Outcome: OutcomeAccountAvailable}
				return nil
			}
			if !errors.Is(err, ErrMissingCreditAccount) {
				return err
			}
			balance, created, err := service.provisionLocked(ctx, transactionStore, userID, tier)
			if err != nil {
				return err
			}
			result = AccountResult{Balance: balance, Outcome: OutcomeAccountAvailable}
			if created {
				result.Outcome = OutcomeAccountCreated
			}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationProvision,
		UserID:    userID,
		Amount:    result.Balance.MonthlyAllowance,
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return AccountResult{}, operationError
	}
	return result, nil
}

// SubscriptionChange is pushed by billing sync when a plan changes.
type SubscriptionChange struct {
	UserID      UserID
	Tier        Tier
	CycleSource CycleSource
	// Anchor is the billing anchor for subscription windows; zero keeps
	// the current one.
	Anchor time.Time
}

// ChangeSubscription records a new tier and window source. The allowance
// of the new tier applies from the next window boundary.
func (service *Service) ChangeSubscription(ctx context.Context, change SubscriptionChange) (Balance, error) {
	var result Balance
	operationError := validateUserID(change.UserID)
	if operationError == nil {
		_, operationError = ParseTier(change.Tier.String())
	}
	if operationError == nil {
		_, operationError = ParseCycleSource(change.CycleSource.String())
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, _, err := service.lockOrProvision(ctx, transactionStore, change.UserID)
			if err != nil {
				return err
			}
			balance.Tier = change.Tier
			balance.CycleSource = change.CycleSource
			if !change.Anchor.IsZero() {
				balance.CycleAnchor = change.Anchor.UTC()
			}
			balance.UpdatedAt = service.now()
			if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
				return err
			}
			result = balance
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationChangeSubscription,
		UserID:    change.UserID,
		Outcome:   OutcomeApplied,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return result, nil
}

// GrantRequest adds bonus or purchased credits.
type GrantRequest struct {
	UserID    UserID
	RequestID RequestID
	Amount    PositiveCredits
	Kind      EntryType
	Context   EntryContext
}

// GrantResult reports the bonus pool after a grant.
type GrantResult struct {
	RequestID  RequestID
	Outcome    Outcome
	BonusTotal Credits
	Remaining  Remaining
}

// GrantBonus increases the bonus pool; replays of the same request id are
// idempotent.
func (service *Service) GrantBonus(ctx context.Context, request GrantRequest) (GrantResult, error) {
	var result GrantResult
	operationError := validateGrantRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, _, err := service.lockOrProvision(ctx, transactionStore, request.UserID)
			if err != nil {
				return err
			}
			chain, err := transactionStore.FindEntriesByRequest(ctx, request.RequestID)
			if err != nil {
				return err
			}
			if len(chain) > 0 {
				if _, found := findEntry(chain, request.UserID, request.Kind); !found {
					return fmt.Errorf("%w: request %s already has %s entries", ErrRequestConflict, request.RequestID, chain[0].Type)
				}
				result = GrantResult{RequestID: request.RequestID, Outcome: OutcomeIdempotent, BonusTotal: balance.BonusTotal, Remaining: balance.Remaining()}
				return nil
			}
			balance.BonusTotal, err = balance.BonusTotal.plus(request.Amount.Credits())
			if err != nil {
				return err
			}
			balance.UpdatedAt = service.now()
			if err := service.appendEntry(ctx, transactionStore, balance, Entry{
				RequestID:   request.RequestID,
				Type:        request.Kind,
				Amount:      request.Amount.Int64(),
				BonusAmount: request.Amount.Credits(),
				Context:     request.Context,
			}); err != nil {
				return err
			}
			if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
				return err
			}
			result = GrantResult{RequestID: request.RequestID, Outcome: OutcomeApplied, BonusTotal: balance.BonusTotal, Remaining: balance.Remaining()}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    request.Amount.Credits(),
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// AdjustRequest is a signed manual correction of the bonus pool.
type AdjustRequest struct {
	UserID    UserID
	RequestID RequestID
	Delta     int64
	Context   EntryContext
}

// Adjust applies a manual correction to the bonus pool. A negative delta
// may not take back credits that are already used or held.
func (service *Service) Adjust(ctx context.Context, request AdjustRequest) (GrantResult, error) {
	var result GrantResult
	operationError := validateAdjustRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, request.UserID)
			if err != nil {
				return err
			}
			chain, err := transactionStore.FindEntriesByRequest(ctx, request.RequestID)
			if err != nil {
				return err
			}
			if len(chain) > 0 {
				if _, found := findEntry(chain, request.UserID, EntryAdjustment); !found {
					return fmt.Errorf("%w: request %s already has %s entries", ErrRequestConflict, request.RequestID, chain[0].Type)
				}
				result = GrantResult{RequestID: request.RequestID, Outcome: OutcomeIdempotent, BonusTotal: balance.BonusTotal, Remaining: balance.Remaining()}
				return nil
			}
			magnitude := Credits(request.Delta)
			if request.Delta < 0 {
				magnitude = Credits(-request.Delta)
				if balance.BonusTotal < magnitude || balance.BonusTotal-magnitude < balance.BonusUsed+balance.ReservedBonus {
					return fmt.Errorf("%w: cannot remove %d bonus credits", ErrInsufficientCredits, magnitude)
				}
				balance.BonusTotal -= magnitude
			} else if balance.BonusTotal, err = balance.BonusTotal.plus(magnitude); err != nil {
				return err
			}
			balance.UpdatedAt = service.now()
			if err := service.appendEntry(ctx, transactionStore, balance, Entry{
				RequestID:   request.RequestID,
				Type:        EntryAdjustment,
				Amount:      request.Delta,
				BonusAmount: magnitude,
				Context:     request.Context,
			}); err != nil {
				return err
			}
			if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
				return err
			}
			result = GrantResult{RequestID: request.RequestID, Outcome: OutcomeApplied, BonusTotal: balance.BonusTotal, Remaining: balance.Remaining()}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    absCredits(request.Delta),
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// SpendRequest consumes credits directly, without a hold.
type SpendRequest struct {
	UserID    UserID
	RequestID RequestID
	Amount    PositiveCredits
	Context   EntryContext
}

// SpendResult reports the consumed split.
type SpendResult struct {
	RequestID    RequestID
	Outcome      Outcome
	SpentMonthly Credits
	SpentBonus   Credits
	Remaining    Remaining
}

// Spend charges credits immediately. Such usage has no reservation row, so
// Refund reverses it from the usage entries.
func (service *Service) Spend(ctx context.Context, request SpendRequest) (SpendResult, error) {
	var result SpendResult
	operationError := validateReserveRequest(ReserveRequest{
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    request.Amount,
		Context:   request.Context,
	})
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			result, err = service.spendLocked(ctx, transactionStore, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    request.Amount.Credits(),
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return SpendResult{}, operationError
	}
	return result, nil
}

func (service *Service) spendLocked(ctx context.Context, transactionStore Store, request SpendRequest) (SpendResult, error) {
	balance, _, err := service.lockOrProvision(ctx, transactionStore, request.UserID)
	if err != nil {
		return SpendResult{}, err
	}
	if _, err := transactionStore.GetReservation(ctx, request.RequestID); err == nil {
		return SpendResult{}, fmt.Errorf("%w: request %s has a reservation", ErrRequestConflict, request.RequestID)
	} else if !errors.Is(err, ErrUnknownReservation) {
		return SpendResult{}, err
	}
	chain, err := transactionStore.FindEntriesByRequest(ctx, request.RequestID)
	if err != nil {
		return SpendResult{}, err
	}
	if len(chain) > 0 {
		usage, found := findEntry(chain, request.UserID, EntryUsage)
		if !found {
			return SpendResult{}, fmt.Errorf("%w: request %s already has %s entries", ErrRequestConflict, request.RequestID, chain[0].Type)
		}
		return SpendResult{
			RequestID:    request.RequestID,
			Outcome:      OutcomeIdempotent,
			SpentMonthly: usage.MonthlyAmount,
			SpentBonus:   usage.BonusAmount,
			Remaining:    balance.Remaining(),
		}, nil
	}
	if _, err := service.resetIfDue(ctx, transactionStore, &balance); err != nil {
		return SpendResult{}, err
	}
	monthly, bonus, err := balance.split(request.Amount)
	if err != nil {
		return SpendResult{}, err
	}
	balance.MonthlyUsed += monthly
	balance.BonusUsed += bonus
	balance.UpdatedAt = service.now()
	if err := service.appendEntry(ctx, transactionStore, balance, Entry{
		RequestID:     request.RequestID,
		Type:          EntryUsage,
		Amount:        -request.Amount.Int64(),
		MonthlyAmount: monthly,
		BonusAmount:   bonus,
		Context:       request.Context,
	}); err != nil {
		return SpendResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return SpendResult{}, err
	}
	return SpendResult{
		RequestID:    request.RequestID,
		Outcome:      OutcomeApplied,
		SpentMonthly: monthly,
		SpentBonus:   bonus,
		Remaining:    balance.Remaining(),
	}, nil
}

// Balance returns the full balance row without locking.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if err := validateUserID(userID); err != nil {
		return Balance{}, err
	}
	return service.store.GetBalance(ctx, userID)
}

// Projection returns the UI-facing balance value.
func (service *Service) Projection(ctx context.Context, userID UserID) (Projection, error) {
	if err := validateUserID(userID); err != nil {
		return Projection{}, err
	}
	return service.store.GetProjection(ctx, userID)
}

// History returns a user's log folded per request, newest first. Pages
// hold whole requests, so a chain is never split across two pages. A zero
// before starts at the newest request.
func (service *Service) History(ctx context.Context, userID UserID, before HistoryCursor, limit int) ([]HistoryItem, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var items []HistoryItem
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		heads, err := transactionStore.ListRequestHeads(ctx, userID, before, limit)
		if err != nil {
			return err
		}
		entries := make([]Entry, 0, len(heads))
		for _, head := range heads {
			chain, err := transactionStore.FindEntriesByRequest(ctx, head.RequestID)
			if err != nil {
				return err
			}
			for _, entry := range chain {
				if entry.UserID == userID {
					entries = append(entries, entry)
				}
			}
		}
		// one item per head, in head order
		items = FoldHistory(entries)
		for index := range items {
			items[index].Cursor = heads[index].Cursor()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func validateGrantRequest(request GrantRequest) error {
	if err := validateUserID(request.UserID); err != nil {
		return err
	}
	if err := validateRequestID(request.RequestID); err != nil {
		return err
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.Kind != EntryBonus && request.Kind != EntryPurchase {
		return fmt.Errorf("%w: grant kind must be bonus or purchase, got %q", ErrInvalidEntryType, request.Kind)
	}
	return validateContext(request.Context)
}

func validateAdjustRequest(request AdjustRequest) error {
	if err := validateUserID(request.UserID); err != nil {
		return err
	}
	if err := validateRequestID(request.RequestID); err != nil {
		return err
	}
	if request.Delta == 0 {
		return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	if request.Delta == math.MinInt64 {
		return fmt.Errorf("%w: adjustment %d is out of range", ErrInvalidAmount, request.Delta)
	}
	if request.Context.Kind != ContextAdjustment {
		return fmt.Errorf("%w: adjustment requires an adjustment context", ErrInvalidContext)
	}
	return request.Context.Validate()
}

func absCredits(delta int64) Credits {
	if delta == math.MinInt64 {
		return math.MaxInt64
	}
	if delta < 0 {
		return Credits(-delta)
	}
	return Credits(delta)
}
