package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. Every method called on
// the txStore handed to WithTx runs inside that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// CreateBalance inserts the row unless one already exists and reports
	// whether it inserted.
	CreateBalance(ctx context.Context, balance Balance) (bool, error)
	// GetBalance reads without locking; ErrMissingCreditAccount when absent.
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	// LockBalance reads with an exclusive row lock; ErrMissingCreditAccount when absent.
	LockBalance(ctx context.Context, userID UserID) (Balance, error)
	// TryLockBalance is LockBalance that skips rows locked by someone else
	// and reports false instead of waiting.
	TryLockBalance(ctx context.Context, userID UserID) (Balance, bool, error)
	SaveBalance(ctx context.Context, balance Balance) error
	SaveProjection(ctx context.Context, projection Projection) error
	GetProjection(ctx context.Context, userID UserID) (Projection, error)

	CreateReservation(ctx context.Context, reservation Reservation) error
	// GetReservation locks the row; ErrUnknownReservation when absent.
	GetReservation(ctx context.Context, requestID RequestID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, requestID RequestID, from ReservationStatus, to ReservationStatus, at time.Time) error

	InsertEntry(ctx context.Context, entry Entry) error
	// FindEntriesByRequest returns the chain for a request, oldest first.
	FindEntriesByRequest(ctx context.Context, requestID RequestID) ([]Entry, error)
	// ListRequestHeads returns the first entry of each of a user's requests,
	// newest first by (CreatedAt, Sequence). A non-zero before keeps only
	// heads strictly older than it.
	ListRequestHeads(ctx context.Context, userID UserID, before HistoryCursor, limit int) ([]Entry, error)

	UpsertAttempt(ctx context.Context, attempt AttemptRecord) error
	ListCompensationCandidates(ctx context.Context, filter CandidateFilter) ([]CompensationCandidate, error)
}

// CandidateFilter narrows the compensation scan.
type CandidateFilter struct {
	UserID UserID
	Since  time.Time
	Limit  int
}

// CompensationCandidate is an unsettled reservation whose job failed.
type CompensationCandidate struct {
	RequestID         RequestID
	UserID            UserID
	ReservationStatus ReservationStatus
	AttemptError      string
	AttemptUpdatedAt  time.Time
}
