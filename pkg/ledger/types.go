package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Credits is a non-negative credit quantity.
type Credits int64

// PositiveCredits is a strictly positive credit quantity.
type PositiveCredits int64

// UserID identifies the owner of a credit balance.
type UserID struct {
	value string
}

// RequestID is the idempotency key of a billable request.
type RequestID struct {
	value string
}

// EntryID identifies a transaction log entry.
type EntryID struct {
	value string
}

// NewCredits validates a non-negative quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw quantity.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

func (amount Credits) minus(other Credits) Credits {
	if other >= amount {
		return 0
	}
	return amount - other
}

// plus adds other, failing with ErrInvalidAmount instead of wrapping.
func (amount Credits) plus(other Credits) (Credits, error) {
	if other < 0 || amount > math.MaxInt64-other {
		return 0, fmt.Errorf("%w: %d + %d does not fit in a balance", ErrInvalidAmount, amount, other)
	}
	return amount + other, nil
}

// NewPositiveCredits validates a strictly positive quantity.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Credits widens the value to Credits.
func (amount PositiveCredits) Credits() Credits {
	return Credits(amount)
}

// Int64 exposes the raw quantity.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id RequestID) IsZero() bool {
	return id.value == ""
}

// NewEntryID validates an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// Tier is a subscription level; it selects the monthly allowance.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierStarter      Tier = "starter"
	TierCreator      Tier = "creator"
	TierProfessional Tier = "professional"
)

// ParseTier validates a tier name.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierBasic:
		return TierBasic, nil
	case TierStarter:
		return TierStarter, nil
	case TierCreator:
		return TierCreator, nil
	case TierProfessional:
		return TierProfessional, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

func (tier Tier) String() string {
	return string(tier)
}

// CycleSource selects how the allocation window advances.
type CycleSource string

const (
	// CycleSourceProfile windows are whole months counted from account creation.
	CycleSourceProfile CycleSource = "profile"
	// CycleSourceSubscription windows roll forward from the previous window end.
	CycleSourceSubscription CycleSource = "subscription"
)

// ParseCycleSource validates a cycle source.
func ParseCycleSource(raw string) (CycleSource, error) {
	switch CycleSource(strings.ToLower(strings.TrimSpace(raw))) {
	case CycleSourceProfile:
		return CycleSourceProfile, nil
	case CycleSourceSubscription:
		return CycleSourceSubscription, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCycleSource, raw)
	}
}

func (source CycleSource) String() string {
	return string(source)
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// ParseReservationStatus validates a status string.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusReserved:
		return ReservationStatusReserved, nil
	case ReservationStatusCommitted:
		return ReservationStatusCommitted, nil
	case ReservationStatusReleased:
		return ReservationStatusReleased, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

func (status ReservationStatus) String() string {
	return string(status)
}

// EntryType enumerates transaction log entry kinds.
type EntryType string

const (
	EntryReservation       EntryType = "reservation"
	EntryUsage             EntryType = "usage"
	EntryRelease           EntryType = "release"
	EntryRefund            EntryType = "refund"
	EntrySubscriptionGrant EntryType = "subscription_grant"
	EntryBonus             EntryType = "bonus"
	EntryPurchase          EntryType = "purchase"
	EntryAdjustment        EntryType = "adjustment"
)

// ParseEntryType validates an entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryReservation, EntryUsage, EntryRelease, EntryRefund,
		EntrySubscriptionGrant, EntryBonus, EntryPurchase, EntryAdjustment:
		return EntryType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

func (entryType EntryType) String() string {
	return string(entryType)
}

// Pool names the credit source an entry touched.
type Pool string

const (
	PoolNone    Pool = "none"
	PoolMonthly Pool = "monthly"
	PoolBonus   Pool = "bonus"
	PoolMixed   Pool = "mixed"
)

// PoolOf classifies a monthly/bonus split.
func PoolOf(monthly Credits, bonus Credits) Pool {
	switch {
	case monthly > 0 && bonus > 0:
		return PoolMixed
	case monthly > 0:
		return PoolMonthly
	case bonus > 0:
		return PoolBonus
	default:
		return PoolNone
	}
}

// Outcome marks how a successful operation was satisfied.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeIdempotent       Outcome = "idempotent"
	OutcomeAlreadyReleased  Outcome = "already_released"
	OutcomeAlreadyRefunded  Outcome = "already_refunded"
	OutcomeNoUsageToRefund  Outcome = "no_usage_to_refund"
	OutcomeAccountCreated   Outcome = "account_created"
	OutcomeAccountAvailable Outcome = "account_available"
)

// Reservation is the per-request hold record.
type Reservation struct {
	RequestID     RequestID
	UserID        UserID
	Amount        PositiveCredits
	MonthlyAmount Credits
	BonusAmount   Credits
	Status        ReservationStatus
	Feature       string
	Context       EntryContext
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Entry is one immutable line of the transaction log. Amount is signed
// from the user's point of view: charges and holds are negative, credits
// returned or granted are positive.
type Entry struct {
	EntryID             EntryID
	UserID              UserID
	RequestID           RequestID
	ParentEntryID       EntryID
	Type                EntryType
	Amount              int64
	MonthlyAmount       Credits
	BonusAmount         Credits
	MonthlyBalanceAfter Credits
	BonusBalanceAfter   Credits
	Context             EntryContext
	CreatedAt           time.Time
	// Sequence is the store's insertion order, zero until stored.
	Sequence int64
}

// Cursor is the entry's position in newest-first history order.
func (entry Entry) Cursor() HistoryCursor {
	return HistoryCursor{CreatedAt: entry.CreatedAt, Sequence: entry.Sequence}
}

// Pool reports which pool the entry touched.
func (entry Entry) Pool() Pool {
	return PoolOf(entry.MonthlyAmount, entry.BonusAmount)
}

// AttemptStatus is the state of a billable job reported by its owner.
type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// ParseAttemptStatus validates an attempt status.
func ParseAttemptStatus(raw string) (AttemptStatus, error) {
	switch AttemptStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case AttemptStarted:
		return AttemptStarted, nil
	case AttemptSucceeded:
		return AttemptSucceeded, nil
	case AttemptFailed:
		return AttemptFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAttemptStatus, raw)
	}
}

func (status AttemptStatus) String() string {
	return string(status)
}

// AttemptRecord is the job-record collaborator's view of a billable job.
type AttemptRecord struct {
	RequestID RequestID
	UserID    UserID
	Status    AttemptStatus
	Error     string
	UpdatedAt time.Time
}
