package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintReservationPrimary = "credit_reservations_pkey"
	constraintEntryID            = "credit_transactions_entry_id_key"
	lockStrengthUpdate           = "UPDATE"
	lockOptionSkipLocked         = "SKIP LOCKED"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAttempt          = "attempt"
	errorSubjectBalance          = "balance"
	errorSubjectCandidate        = "candidate"
	errorSubjectEntry            = "entry"
	errorSubjectProjection       = "projection"
	errorSubjectReservation      = "reservation"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeSave                = "save"
	errorCodeUpdateStatus        = "update_status"
	errorCodeUpsert              = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema from the models. Postgres deployments use
// the SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateBalance(ctx context.Context, balance ledger.Balance) (bool, error) {
	model := balanceModel(balance)
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	return store.findBalance(store.db.WithContext(ctx), userID, errorCodeGet)
}

func (store *Store) LockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate})
	return store.findBalance(query, userID, errorCodeLock)
}

// TryLockBalance uses SKIP LOCKED. An empty result is ambiguous between a
// missing row and a locked one, so it is resolved with an unlocked read.
func (store *Store) TryLockBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, bool, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate, Options: lockOptionSkipLocked})
	balance, err := store.findBalance(query, userID, errorCodeLock)
	if err == nil {
		return balance, true, nil
	}
	if !errors.Is(err, ledger.ErrMissingCreditAccount) {
		return ledger.Balance{}, false, err
	}
	if _, existsErr := store.GetBalance(ctx, userID); existsErr != nil {
		return ledger.Balance{}, false, existsErr
	}
	return ledger.Balance{}, false, nil
}

func (store *Store) findBalance(query *gorm.DB, userID ledger.UserID, code string) (ledger.Balance, error) {
	var model CreditBalance
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, ledger.ErrMissingCreditAccount)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	balance, err := mapBalance(model)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SaveBalance(ctx context.Context, balance ledger.Balance) error {
	model := balanceModel(balance)
	if err := store.db.WithContext(ctx).Save(&model).Error; err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) SaveProjection(ctx context.Context, projection ledger.Projection) error {
	model := BalanceProjection{
		UserID:           projection.UserID.String(),
		Available:        projection.Available.Int64(),
		MonthlyAvailable: projection.MonthlyAvailable.Int64(),
		BonusAvailable:   projection.BonusAvailable.Int64(),
		Unmetered:        projection.Unmetered,
		CycleEnd:         projection.CycleEnd.UTC(),
		UpdatedAt:        projection.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProjection, errorCodeSave, err)
	}
	return nil
}

func (store *Store) GetProjection(ctx context.Context, userID ledger.UserID) (ledger.Projection, error) {
	var model BalanceProjection
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Projection{}, wrapStoreError(errorSubjectProjection, errorCodeGet, ledger.ErrMissingCreditAccount)
		}
		return ledger.Projection{}, wrapStoreError(errorSubjectProjection, errorCodeGet, err)
	}
	return ledger.Projection{
		UserID:           userID,
		Available:        ledger.Credits(model.Available),
		MonthlyAvailable: ledger.Credits(model.MonthlyAvailable),
		BonusAvailable:   ledger.Credits(model.BonusAvailable),
		Unmetered:        model.Unmetered,
		CycleEnd:         model.CycleEnd.UTC(),
		UpdatedAt:        model.UpdatedAt.UTC(),
	}, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	contextJSON, err := ledger.MarshalContext(reservation.Context)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	model := CreditReservation{
		RequestID:     reservation.RequestID.String(),
		UserID:        reservation.UserID.String(),
		Amount:        reservation.Amount.Int64(),
		MonthlyAmount: reservation.MonthlyAmount.Int64(),
		BonusAmount:   reservation.BonusAmount.Int64(),
		Status:        reservation.Status.String(),
		Feature:       reservation.Feature,
		Context:       datatypes.JSON(contextJSON),
		CreatedAt:     reservation.CreatedAt.UTC(),
		UpdatedAt:     reservation.UpdatedAt.UTC(),
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, requestID ledger.RequestID) (ledger.Reservation, error) {
	var model CreditReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where("request_id = ?", requestID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, requestID ledger.RequestID, from, to ledger.ReservationStatus, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("request_id = ? AND status = ?", requestID.String(), from.String()).
		Updates(map[string]interface{}{"status": to.String(), "updated_at": at.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrInvalidReservationState)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	contextJSON, err := ledger.MarshalContext(entry.Context)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	var parentEntryID *string
	if !entry.ParentEntryID.IsZero() {
		value := entry.ParentEntryID.String()
		parentEntryID = &value
	}
	model := CreditTransaction{
		EntryID:             entry.EntryID.String(),
		UserID:              entry.UserID.String(),
		RequestID:           entry.RequestID.String(),
		ParentEntryID:       parentEntryID,
		Type:                entry.Type.String(),
		Amount:              entry.Amount,
		MonthlyAmount:       entry.MonthlyAmount.Int64(),
		BonusAmount:         entry.BonusAmount.Int64(),
		MonthlyBalanceAfter: entry.MonthlyBalanceAfter.Int64(),
		BonusBalanceAfter:   entry.BonusBalanceAfter.Int64(),
		Context:             datatypes.JSON(contextJSON),
		CreatedAt:           entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintEntryID) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindEntriesByRequest(ctx context.Context, requestID ledger.RequestID) ([]ledger.Entry, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("request_id = ?", requestID.String()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListRequestHeads(ctx context.Context, userID ledger.UserID, before ledger.HistoryCursor, limit int) ([]ledger.Entry, error) {
	heads := store.db.Model(&CreditTransaction{}).
		Select("MIN(id)").
		Where("user_id = ?", userID.String()).
		Group("request_id")
	query := store.db.WithContext(ctx).Where("id IN (?)", heads)
	if !before.IsZero() {
		at := before.CreatedAt.UTC()
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, before.Sequence)
	}
	var rows []CreditTransaction
	err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) UpsertAttempt(ctx context.Context, attempt ledger.AttemptRecord) error {
	model := GenerationAttempt{
		RequestID: attempt.RequestID.String(),
		UserID:    attempt.UserID.String(),
		Status:    attempt.Status.String(),
		Error:     attempt.Error,
		UpdatedAt: attempt.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "status", "error", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectAttempt, errorCodeUpsert, err)
	}
	return nil
}

type candidateRow struct {
	RequestID        string
	UserID           string
	Status           string
	AttemptError     string
	AttemptUpdatedAt time.Time
}

// ListCompensationCandidates joins unsettled reservations to failed
// attempts, oldest failure first.
func (store *Store) ListCompensationCandidates(ctx context.Context, filter ledger.CandidateFilter) ([]ledger.CompensationCandidate, error) {
	query := store.db.WithContext(ctx).
		Table(CreditReservation{}.TableName()+" AS r").
		Select("r.request_id AS request_id, r.user_id AS user_id, r.status AS status, a.error AS attempt_error, a.updated_at AS attempt_updated_at").
		Joins("JOIN "+GenerationAttempt{}.TableName()+" AS a ON a.request_id = r.request_id").
		Where("a.status = ?", ledger.AttemptFailed.String()).
		Where("a.updated_at >= ?", filter.Since.UTC()).
		Where("r.status IN ?", []string{ledger.ReservationStatusReserved.String(), ledger.ReservationStatusCommitted.String()})
	if !filter.UserID.IsZero() {
		query = query.Where("r.user_id = ?", filter.UserID.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []candidateRow
	if err := query.Order("a.updated_at ASC, r.request_id ASC").Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCandidate, errorCodeList, err)
	}
	candidates := make([]ledger.CompensationCandidate, 0, len(rows))
	for _, row := range rows {
		candidate, err := mapCandidate(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCandidate, errorCodeInvalid, err)
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func balanceModel(balance ledger.Balance) CreditBalance {
	return CreditBalance{
		UserID:           balance.UserID.String(),
		Tier:             balance.Tier.String(),
		CycleSource:      balance.CycleSource.String(),
		CycleAnchor:      balance.CycleAnchor.UTC(),
		CycleStart:       balance.CycleStart.UTC(),
		CycleEnd:         balance.CycleEnd.UTC(),
		MonthlyAllowance: balance.MonthlyAllowance.Int64(),
		MonthlyUsed:      balance.MonthlyUsed.Int64(),
		BonusTotal:       balance.BonusTotal.Int64(),
		BonusUsed:        balance.BonusUsed.Int64(),
		ReservedMonthly:  balance.ReservedMonthly.Int64(),
		ReservedBonus:    balance.ReservedBonus.Int64(),
		Unmetered:        balance.Unmetered,
		CreatedAt:        balance.CreatedAt.UTC(),
		UpdatedAt:        balance.UpdatedAt.UTC(),
	}
}

func mapBalance(model CreditBalance) (ledger.Balance, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Balance{}, err
	}
	tier, err := ledger.ParseTier(model.Tier)
	if err != nil {
		return ledger.Balance{}, err
	}
	cycleSource, err := ledger.ParseCycleSource(model.CycleSource)
	if err != nil {
		return ledger.Balance{}, err
	}
	counters := []int64{model.MonthlyAllowance, model.MonthlyUsed, model.BonusTotal, model.BonusUsed, model.ReservedMonthly, model.ReservedBonus}
	credits := make([]ledger.Credits, len(counters))
	for index, counter := range counters {
		if credits[index], err = ledger.NewCredits(counter); err != nil {
			return ledger.Balance{}, err
		}
	}
	return ledger.Balance{
		UserID:           userID,
		Tier:             tier,
		CycleSource:      cycleSource,
		CycleAnchor:      model.CycleAnchor.UTC(),
		CycleStart:       model.CycleStart.UTC(),
		CycleEnd:         model.CycleEnd.UTC(),
		MonthlyAllowance: credits[0],
		MonthlyUsed:      credits[1],
		BonusTotal:       credits[2],
		BonusUsed:        credits[3],
		ReservedMonthly:  credits[4],
		ReservedBonus:    credits[5],
		Unmetered:        model.Unmetered,
		CreatedAt:        model.CreatedAt.UTC(),
		UpdatedAt:        model.UpdatedAt.UTC(),
	}, nil
}

func mapReservation(model CreditReservation) (ledger.Reservation, error) {
	requestID, err := ledger.NewRequestID(model.RequestID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewPositiveCredits(model.Amount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	monthly, err := ledger.NewCredits(model.MonthlyAmount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	bonus, err := ledger.NewCredits(model.BonusAmount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	entryContext, err := ledger.ParseContext(model.Context)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		RequestID:     requestID,
		UserID:        userID,
		Amount:        amount,
		MonthlyAmount: monthly,
		BonusAmount:   bonus,
		Status:        status,
		Feature:       model.Feature,
		Context:       entryContext,
		CreatedAt:     model.CreatedAt.UTC(),
		UpdatedAt:     model.UpdatedAt.UTC(),
	}, nil
}

func mapEntries(rows []CreditTransaction) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapEntry(row CreditTransaction) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	requestID, err := ledger.NewRequestID(row.RequestID)
	if err != nil {
		return ledger.Entry{}, err
	}
	var parentEntryID ledger.EntryID
	if row.ParentEntryID != nil {
		if parentEntryID, err = ledger.NewEntryID(*row.ParentEntryID); err != nil {
			return ledger.Entry{}, err
		}
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryContext, err := ledger.ParseContext(row.Context)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:             entryID,
		UserID:              userID,
		RequestID:           requestID,
		ParentEntryID:       parentEntryID,
		Type:                entryType,
		Amount:              row.Amount,
		MonthlyAmount:       ledger.Credits(row.MonthlyAmount),
		BonusAmount:         ledger.Credits(row.BonusAmount),
		MonthlyBalanceAfter: ledger.Credits(row.MonthlyBalanceAfter),
		BonusBalanceAfter:   ledger.Credits(row.BonusBalanceAfter),
		Context:             entryContext,
		CreatedAt:           row.CreatedAt.UTC(),
		Sequence:            row.ID,
	}, nil
}

func mapCandidate(row candidateRow) (ledger.CompensationCandidate, error) {
	requestID, err := ledger.NewRequestID(row.RequestID)
	if err != nil {
		return ledger.CompensationCandidate{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.CompensationCandidate{}, err
	}
	status, err := ledger.ParseReservationStatus(row.Status)
	if err != nil {
		return ledger.CompensationCandidate{}, err
	}
	return ledger.CompensationCandidate{
		RequestID:         requestID,
		UserID:            userID,
		ReservationStatus: status,
		AttemptError:      row.AttemptError,
		AttemptUpdatedAt:  row.AttemptUpdatedAt.UTC(),
	}, nil
}

// isUniqueViolation matches a unique constraint failure across drivers.
// SQLite does not report constraint names, so any constraint error counts.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
