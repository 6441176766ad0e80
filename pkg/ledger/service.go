package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	allowances    TierAllowances
	autoProvision bool
	defaultTier   Tier
	newID         func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		allowances:    DefaultTierAllowances(),
		autoProvision: true,
		defaultTier:   TierBasic,
		newID:         defaultIDGenerator,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.allowances.validate(); err != nil {
		return nil, err
	}
	if _, err := ParseTier(service.defaultTier.String()); err != nil {
		return nil, fmt.Errorf("%w: default tier: %v", ErrInvalidServiceConfig, err)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// ReserveRequest asks for a hold before paid work starts.
type ReserveRequest struct {
	UserID    UserID
	RequestID RequestID
	Amount    PositiveCredits
	Feature   string
	Context   EntryContext
}

// ReserveResult reports the hold and what is left to spend.
type ReserveResult struct {
	RequestID       RequestID
	Outcome         Outcome
	Status          ReservationStatus
	ReservedMonthly Credits
	ReservedBonus   Credits
	Remaining       Remaining
}

// SettleRequest identifies a reservation to commit, release, or refund.
type SettleRequest struct {
	UserID    UserID
	RequestID RequestID
	Reason    string
	Context   EntryContext
}

// SettlementResult is shared by commit, release, and refund so idempotent
// replays return the same shape as fresh settlements.
type SettlementResult struct {
	RequestID       RequestID
	Outcome         Outcome
	Status          ReservationStatus
	RefundedMonthly Credits
	RefundedBonus   Credits
	Remaining       Remaining
}

// Reserve places a hold of request.Amount, monthly pool first. A repeated
// request id returns the first reservation's split without mutating state.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (ReserveResult, error) {
	var result ReserveResult
	operationError := validateReserveRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			result, err = service.reserveLocked(ctx, transactionStore, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    request.Amount.Credits(),
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return ReserveResult{}, operationError
	}
	return result, nil
}

func (service *Service) reserveLocked(ctx context.Context, transactionStore Store, request ReserveRequest) (ReserveResult, error) {
	balance, _, err := service.lockOrProvision(ctx, transactionStore, request.UserID)
	if err != nil {
		return ReserveResult{}, err
	}
	existing, err := transactionStore.GetReservation(ctx, request.RequestID)
	switch {
	case err == nil:
		if existing.UserID != request.UserID {
			return ReserveResult{}, fmt.Errorf("%w: request %s belongs to another user", ErrRequestConflict, request.RequestID)
		}
		return ReserveResult{
			RequestID:       existing.RequestID,
			Outcome:         OutcomeIdempotent,
			Status:          existing.Status,
			ReservedMonthly: existing.MonthlyAmount,
			ReservedBonus:   existing.BonusAmount,
			Remaining:       balance.Remaining(),
		}, nil
	case !errors.Is(err, ErrUnknownReservation):
		return ReserveResult{}, err
	}
	chain, err := transactionStore.FindEntriesByRequest(ctx, request.RequestID)
	if err != nil {
		return ReserveResult{}, err
	}
	if len(chain) > 0 {
		return ReserveResult{}, fmt.Errorf("%w: request %s already has %s entries", ErrRequestConflict, request.RequestID, chain[0].Type)
	}
	if _, err := service.resetIfDue(ctx, transactionStore, &balance); err != nil {
		return ReserveResult{}, err
	}
	monthly, bonus, err := balance.split(request.Amount)
	if err != nil {
		return ReserveResult{}, err
	}
	now := service.now()
	balance.ReservedMonthly += monthly
	balance.ReservedBonus += bonus
	balance.UpdatedAt = now
	entryContext := contextOrNone(request.Context)
	reservation := Reservation{
		RequestID:     request.RequestID,
		UserID:        request.UserID,
		Amount:        request.Amount,
		MonthlyAmount: monthly,
		BonusAmount:   bonus,
		Status:        ReservationStatusReserved,
		Feature:       request.Feature,
		Context:       entryContext,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
		return ReserveResult{}, err
	}
	if err := service.appendEntry(ctx, transactionStore, balance, Entry{
		RequestID:     request.RequestID,
		Type:          EntryReservation,
		Amount:        -request.Amount.Int64(),
		MonthlyAmount: monthly,
		BonusAmount:   bonus,
		Context:       entryContext,
	}); err != nil {
		return ReserveResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{
		RequestID:       request.RequestID,
		Outcome:         OutcomeApplied,
		Status:          ReservationStatusReserved,
		ReservedMonthly: monthly,
		ReservedBonus:   bonus,
		Remaining:       balance.Remaining(),
	}, nil
}

// Commit turns a hold into permanent usage for the current cycle.
func (service *Service) Commit(ctx context.Context, request SettleRequest) (SettlementResult, error) {
	var result SettlementResult
	operationError := validateSettleRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			result, err = service.commitLocked(ctx, transactionStore, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCommit,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	return result, nil
}

func (service *Service) commitLocked(ctx context.Context, transactionStore Store, request SettleRequest) (SettlementResult, error) {
	balance, err := transactionStore.LockBalance(ctx, request.UserID)
	if err != nil {
		return SettlementResult{}, err
	}
	reservation, err := service.ownedReservation(ctx, transactionStore, request)
	if err != nil {
		return SettlementResult{}, err
	}
	advanced, err := service.resetIfDue(ctx, transactionStore, &balance)
	if err != nil {
		return SettlementResult{}, err
	}
	switch reservation.Status {
	case ReservationStatusCommitted:
		if advanced {
			if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
				return SettlementResult{}, err
			}
		}
		return settlementOf(reservation, OutcomeIdempotent, balance), nil
	case ReservationStatusReleased:
		return SettlementResult{}, fmt.Errorf("%w: request %s is released", ErrInvalidReservationState, request.RequestID)
	}
	now := service.now()
	balance.ReservedMonthly = balance.ReservedMonthly.minus(reservation.MonthlyAmount)
	balance.ReservedBonus = balance.ReservedBonus.minus(reservation.BonusAmount)
	balance.MonthlyUsed += reservation.MonthlyAmount
	balance.BonusUsed += reservation.BonusAmount
	balance.UpdatedAt = now
	if err := transactionStore.UpdateReservationStatus(ctx, reservation.RequestID, ReservationStatusReserved, ReservationStatusCommitted, now); err != nil {
		return SettlementResult{}, err
	}
	parentID, err := service.chainTail(ctx, transactionStore, reservation.RequestID)
	if err != nil {
		return SettlementResult{}, err
	}
	entryContext := request.Context
	if entryContext.IsZero() {
		entryContext = reservation.Context
	}
	if err := service.appendEntry(ctx, transactionStore, balance, Entry{
		RequestID:     reservation.RequestID,
		ParentEntryID: parentID,
		Type:          EntryUsage,
		Amount:        -reservation.Amount.Int64(),
		MonthlyAmount: reservation.MonthlyAmount,
		BonusAmount:   reservation.BonusAmount,
		Context:       entryContext,
	}); err != nil {
		return SettlementResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return SettlementResult{}, err
	}
	reservation.Status = ReservationStatusCommitted
	return settlementOf(reservation, OutcomeApplied, balance), nil
}

// Release voids a hold. A committed reservation is refunded instead, so
// failure handlers can call Release regardless of the phase they are in.
func (service *Service) Release(ctx context.Context, request SettleRequest) (SettlementResult, error) {
	var result SettlementResult
	operationError := validateSettleRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, request.UserID)
			if err != nil {
				return err
			}
			result, err = service.releaseWithBalance(ctx, transactionStore, balance, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    result.RefundedMonthly + result.RefundedBonus,
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	return result, nil
}

func (service *Service) releaseWithBalance(ctx context.Context, transactionStore Store, balance Balance, request SettleRequest) (SettlementResult, error) {
	reservation, err := service.ownedReservation(ctx, transactionStore, request)
	if err != nil {
		return SettlementResult{}, err
	}
	switch reservation.Status {
	case ReservationStatusReleased:
		return settlementOf(reservation, OutcomeAlreadyReleased, balance), nil
	case ReservationStatusCommitted:
		return service.refundCommitted(ctx, transactionStore, balance, reservation, request)
	default:
		return service.releaseReserved(ctx, transactionStore, balance, reservation, request)
	}
}

func (service *Service) releaseReserved(ctx context.Context, transactionStore Store, balance Balance, reservation Reservation, request SettleRequest) (SettlementResult, error) {
	now := service.now()
	balance.ReservedMonthly = balance.ReservedMonthly.minus(reservation.MonthlyAmount)
	balance.ReservedBonus = balance.ReservedBonus.minus(reservation.BonusAmount)
	balance.UpdatedAt = now
	if err := transactionStore.UpdateReservationStatus(ctx, reservation.RequestID, ReservationStatusReserved, ReservationStatusReleased, now); err != nil {
		return SettlementResult{}, err
	}
	parentID, err := service.chainTail(ctx, transactionStore, reservation.RequestID)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := service.appendEntry(ctx, transactionStore, balance, Entry{
		RequestID:     reservation.RequestID,
		ParentEntryID: parentID,
		Type:          EntryRelease,
		Amount:        reservation.Amount.Int64(),
		MonthlyAmount: reservation.MonthlyAmount,
		BonusAmount:   reservation.BonusAmount,
		Context:       compensationContextOf(request),
	}); err != nil {
		return SettlementResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return SettlementResult{}, err
	}
	reservation.Status = ReservationStatusReleased
	return settlementOf(reservation, OutcomeApplied, balance), nil
}

// Refund reverses committed usage. A reservation still on hold is released
// instead. Requests that consumed credits without a reservation are
// reversed by summing their usage entries. Finding nothing to reverse is a
// success with OutcomeNoUsageToRefund.
func (service *Service) Refund(ctx context.Context, request SettleRequest) (SettlementResult, error) {
	var result SettlementResult
	operationError := validateSettleRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := transactionStore.LockBalance(ctx, request.UserID)
			if err != nil {
				return err
			}
			result, err = service.refundWithBalance(ctx, transactionStore, balance, request)
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    request.UserID,
		RequestID: request.RequestID,
		Amount:    result.RefundedMonthly + result.RefundedBonus,
		Outcome:   result.Outcome,
		Error:     operationError,
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	return result, nil
}

func (service *Service) refundWithBalance(ctx context.Context, transactionStore Store, balance Balance, request SettleRequest) (SettlementResult, error) {
	chain, err := transactionStore.FindEntriesByRequest(ctx, request.RequestID)
	if err != nil {
		return SettlementResult{}, err
	}
	if refund, found := findEntry(chain, request.UserID, EntryRefund); found {
		return SettlementResult{
			RequestID:       request.RequestID,
			Outcome:         OutcomeAlreadyRefunded,
			Status:          ReservationStatusReleased,
			RefundedMonthly: refund.MonthlyAmount,
			RefundedBonus:   refund.BonusAmount,
			Remaining:       balance.Remaining(),
		}, nil
	}
	reservation, err := service.ownedReservation(ctx, transactionStore, request)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownReservation):
		return service.refundUsageEntries(ctx, transactionStore, balance, request, chain)
	default:
		return SettlementResult{}, err
	}
	switch reservation.Status {
	case ReservationStatusReserved:
		return service.releaseReserved(ctx, transactionStore, balance, reservation, request)
	case ReservationStatusCommitted:
		return service.refundCommitted(ctx, transactionStore, balance, reservation, request)
	default:
		return settlementOf(reservation, OutcomeNoUsageToRefund, balance), nil
	}
}

// refundCommitted returns committed usage.
func (service *Service) refundCommitted(ctx context.Context, transactionStore Store, balance Balance, reservation Reservation, request SettleRequest) (SettlementResult, error) {
	chain, err := transactionStore.FindEntriesByRequest(ctx, reservation.RequestID)
	if err != nil {
		return SettlementResult{}, err
	}
	if _, err := service.resetIfDue(ctx, transactionStore, &balance); err != nil {
		return SettlementResult{}, err
	}
	now := service.now()
	returned, err := returnUsage(&balance, usageEntries(chain, request.UserID))
	if err != nil {
		return SettlementResult{}, err
	}
	balance.UpdatedAt = now
	if err := transactionStore.UpdateReservationStatus(ctx, reservation.RequestID, ReservationStatusCommitted, ReservationStatusReleased, now); err != nil {
		return SettlementResult{}, err
	}
	var parentID EntryID
	if len(chain) > 0 {
		parentID = chain[len(chain)-1].EntryID
	}
	if err := service.appendEntry(ctx, transactionStore, balance, returned.entry(reservation.RequestID, parentID, request)); err != nil {
		return SettlementResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return SettlementResult{}, err
	}
	reservation.Status = ReservationStatusReleased
	result := settlementOf(reservation, OutcomeApplied, balance)
	result.RefundedMonthly = returned.monthly
	result.RefundedBonus = returned.bonus + returned.carried
	return result, nil
}

// refundUsageEntries reverses usage recorded without a reservation row.
func (service *Service) refundUsageEntries(ctx context.Context, transactionStore Store, balance Balance, request SettleRequest, chain []Entry) (SettlementResult, error) {
	usage := usageEntries(chain, request.UserID)
	if len(usage) == 0 {
		return SettlementResult{
			RequestID: request.RequestID,
			Outcome:   OutcomeNoUsageToRefund,
			Remaining: balance.Remaining(),
		}, nil
	}
	if _, err := service.resetIfDue(ctx, transactionStore, &balance); err != nil {
		return SettlementResult{}, err
	}
	returned, err := returnUsage(&balance, usage)
	if err != nil {
		return SettlementResult{}, err
	}
	balance.UpdatedAt = service.now()
	if err := service.appendEntry(ctx, transactionStore, balance, returned.entry(request.RequestID, usage[len(usage)-1].EntryID, request)); err != nil {
		return SettlementResult{}, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return SettlementResult{}, err
	}
	return SettlementResult{
		RequestID:       request.RequestID,
		Outcome:         OutcomeApplied,
		RefundedMonthly: returned.monthly,
		RefundedBonus:   returned.bonus + returned.carried,
		Remaining:       balance.Remaining(),
	}, nil
}

func usageEntries(chain []Entry, userID UserID) []Entry {
	usage := make([]Entry, 0, len(chain))
	for _, entry := range chain {
		if entry.UserID == userID && entry.Type == EntryUsage {
			usage = append(usage, entry)
		}
	}
	return usage
}

// returnedUsage is what a refund gives back to each pool. carried is monthly
// usage charged before the current window: that pool was reset since, so
// the credits go to the bonus pool instead.
type returnedUsage struct {
	monthly Credits
	bonus   Credits
	carried Credits
}

// returnUsage applies a refund of usage to balance. Unmetered balances drop
// monthly usage from earlier windows since there is no allowance to return
// it to.
func returnUsage(balance *Balance, usage []Entry) (returnedUsage, error) {
	var returned returnedUsage
	for _, entry := range usage {
		switch {
		case !entry.CreatedAt.Before(balance.CycleStart):
			returned.monthly += entry.MonthlyAmount
		case !balance.Unmetered:
			returned.carried += entry.MonthlyAmount
		}
		returned.bonus += entry.BonusAmount
	}
	returned.monthly = minCredits(returned.monthly, balance.MonthlyUsed)
	returned.bonus = minCredits(returned.bonus, balance.BonusUsed)
	bonusTotal, err := balance.BonusTotal.plus(returned.carried)
	if err != nil {
		return returnedUsage{}, err
	}
	balance.BonusTotal = bonusTotal
	balance.MonthlyUsed -= returned.monthly
	balance.BonusUsed -= returned.bonus
	return returned, nil
}

func (returned returnedUsage) entry(requestID RequestID, parentID EntryID, request SettleRequest) Entry {
	entryContext := compensationContextOf(request)
	if returned.carried > 0 {
		compensation := CompensationContext{Reason: request.Reason, Source: CompensationSourceCaller}
		if entryContext.Kind == ContextCompensation && entryContext.Compensation != nil {
			compensation = *entryContext.Compensation
		}
		compensation.CarriedToBonus = returned.carried
		entryContext = NewCompensationContext(compensation)
	}
	return Entry{
		RequestID:     requestID,
		ParentEntryID: parentID,
		Type:          EntryRefund,
		Amount:        (returned.monthly + returned.bonus + returned.carried).Int64(),
		MonthlyAmount: returned.monthly,
		BonusAmount:   returned.bonus + returned.carried,
		Context:       entryContext,
	}
}

// lockOrProvision locks the user's balance row, creating it first when
// provisioning is enabled.
func (service *Service) lockOrProvision(ctx context.Context, transactionStore Store, userID UserID) (Balance, bool, error) {
	balance, err := transactionStore.LockBalance(ctx, userID)
	if err == nil {
		return balance, false, nil
	}
	if !errors.Is(err, ErrMissingCreditAccount) || !service.autoProvision {
		return Balance{}, false, err
	}
	return service.provisionLocked(ctx, transactionStore, userID, service.defaultTier)
}

func (service *Service) provisionLocked(ctx context.Context, transactionStore Store, userID UserID, tier Tier) (Balance, bool, error) {
	allowance, err := service.allowances.For(tier)
	if err != nil {
		return Balance{}, false, err
	}
	now := service.now()
	start, end := anchoredWindow(now, now)
	created, err := transactionStore.CreateBalance(ctx, Balance{
		UserID:           userID,
		Tier:             tier,
		CycleSource:      CycleSourceProfile,
		CycleAnchor:      now,
		CycleStart:       start,
		CycleEnd:         end,
		MonthlyAllowance: allowance.Credits,
		Unmetered:        allowance.Unmetered,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return Balance{}, false, err
	}
	balance, err := transactionStore.LockBalance(ctx, userID)
	if err != nil {
		return Balance{}, false, err
	}
	if !created {
		return balance, false, nil
	}
	if err := service.appendCycleGrant(ctx, transactionStore, balance); err != nil {
		return Balance{}, false, err
	}
	if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
		return Balance{}, false, err
	}
	return balance, true, nil
}

// persistBalance writes the row and its projection in the same transaction.
func (service *Service) persistBalance(ctx context.Context, transactionStore Store, balance Balance) error {
	if balance.UpdatedAt.IsZero() {
		balance.UpdatedAt = service.now()
	}
	if err := transactionStore.SaveBalance(ctx, balance); err != nil {
		return err
	}
	return transactionStore.SaveProjection(ctx, ProjectBalance(balance))
}

// appendEntry stamps identity, owner, and post-operation balances on an
// entry and inserts it.
func (service *Service) appendEntry(ctx context.Context, transactionStore Store, balance Balance, entry Entry) error {
	entryID, err := NewEntryID(service.newID())
	if err != nil {
		return err
	}
	entry.EntryID = entryID
	entry.UserID = balance.UserID
	entry.MonthlyBalanceAfter = balance.AvailableMonthly()
	entry.BonusBalanceAfter = balance.AvailableBonus()
	entry.Context = contextOrNone(entry.Context)
	if err := entry.Context.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = service.now()
	}
	return transactionStore.InsertEntry(ctx, entry)
}

func (service *Service) ownedReservation(ctx context.Context, transactionStore Store, request SettleRequest) (Reservation, error) {
	reservation, err := transactionStore.GetReservation(ctx, request.RequestID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.UserID != request.UserID {
		return Reservation{}, fmt.Errorf("%w: request %s belongs to another user", ErrUnknownReservation, request.RequestID)
	}
	return reservation, nil
}

// chainTail returns the newest entry of a request chain; settlement entries
// point at it.
func (service *Service) chainTail(ctx context.Context, transactionStore Store, requestID RequestID) (EntryID, error) {
	chain, err := transactionStore.FindEntriesByRequest(ctx, requestID)
	if err != nil {
		return EntryID{}, err
	}
	if len(chain) == 0 {
		return EntryID{}, nil
	}
	return chain[len(chain)-1].EntryID, nil
}

func settlementOf(reservation Reservation, outcome Outcome, balance Balance) SettlementResult {
	return SettlementResult{
		RequestID: reservation.RequestID,
		Outcome:   outcome,
		Status:    reservation.Status,
		Remaining: balance.Remaining(),
	}
}

func compensationContextOf(request SettleRequest) EntryContext {
	if !request.Context.IsZero() {
		return request.Context
	}
	return NewCompensationContext(CompensationContext{Reason: request.Reason, Source: CompensationSourceCaller})
}

func findEntry(chain []Entry, userID UserID, entryType EntryType) (Entry, bool) {
	for _, entry := range chain {
		if entry.UserID == userID && entry.Type == entryType {
			return entry, true
		}
	}
	return Entry{}, false
}

func minCredits(left Credits, right Credits) Credits {
	if left < right {
		return left
	}
	return right
}

func validateUserID(userID UserID) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return nil
}

func validateRequestID(requestID RequestID) error {
	if requestID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return nil
}

func validateContext(entryContext EntryContext) error {
	if entryContext.IsZero() {
		return nil
	}
	return entryContext.Validate()
}

func validateReserveRequest(request ReserveRequest) error {
	if err := validateUserID(request.UserID); err != nil {
		return err
	}
	if err := validateRequestID(request.RequestID); err != nil {
		return err
	}
	if request.Amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return validateContext(request.Context)
}

func validateSettleRequest(request SettleRequest) error {
	if err := validateUserID(request.UserID); err != nil {
		return err
	}
	if err := validateRequestID(request.RequestID); err != nil {
		return err
	}
	return validateContext(request.Context)
}
