package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubStore keeps everything in maps. WithTx serializes transactions and
// restores a snapshot when fn fails, which is enough to model row locking
// and rollback for the service.
type stubStore struct {
	txMutex      sync.Mutex
	balances     map[UserID]Balance
	projections  map[UserID]Projection
	reservations map[RequestID]Reservation
	entries      []Entry
	attempts     map[RequestID]AttemptRecord
	lockedUsers  map[UserID]bool
	txCount      int
}

type stubSnapshot struct {
	balances     map[UserID]Balance
	projections  map[UserID]Projection
	reservations map[RequestID]Reservation
	entries      []Entry
	attempts     map[RequestID]AttemptRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		balances:     make(map[UserID]Balance),
		projections:  make(map[UserID]Projection),
		reservations: make(map[RequestID]Reservation),
		attempts:     make(map[RequestID]AttemptRecord),
		lockedUsers:  make(map[UserID]bool),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.txCount++
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) snapshot() stubSnapshot {
	snapshot := stubSnapshot{
		balances:     make(map[UserID]Balance, len(store.balances)),
		projections:  make(map[UserID]Projection, len(store.projections)),
		reservations: make(map[RequestID]Reservation, len(store.reservations)),
		entries:      append([]Entry(nil), store.entries...),
		attempts:     make(map[RequestID]AttemptRecord, len(store.attempts)),
	}
	for key, value := range store.balances {
		snapshot.balances[key] = value
	}
	for key, value := range store.projections {
		snapshot.projections[key] = value
	}
	for key, value := range store.reservations {
		snapshot.reservations[key] = value
	}
	for key, value := range store.attempts {
		snapshot.attempts[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.balances = snapshot.balances
	store.projections = snapshot.projections
	store.reservations = snapshot.reservations
	store.entries = snapshot.entries
	store.attempts = snapshot.attempts
}

func (store *stubStore) CreateBalance(ctx context.Context, balance Balance) (bool, error) {
	if _, exists := store.balances[balance.UserID]; exists {
		return false, nil
	}
	store.balances[balance.UserID] = balance
	return true, nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	balance, exists := store.balances[userID]
	if !exists {
		return Balance{}, fmt.Errorf("%w: %s", ErrMissingCreditAccount, userID)
	}
	return balance, nil
}

func (store *stubStore) LockBalance(ctx context.Context, userID UserID) (Balance, error) {
	return store.GetBalance(ctx, userID)
}

func (store *stubStore) TryLockBalance(ctx context.Context, userID UserID) (Balance, bool, error) {
	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return Balance{}, false, err
	}
	if store.lockedUsers[userID] {
		return Balance{}, false, nil
	}
	return balance, true, nil
}

func (store *stubStore) SaveBalance(ctx context.Context, balance Balance) error {
	store.balances[balance.UserID] = balance
	return nil
}

func (store *stubStore) SaveProjection(ctx context.Context, projection Projection) error {
	store.projections[projection.UserID] = projection
	return nil
}

func (store *stubStore) GetProjection(ctx context.Context, userID UserID) (Projection, error) {
	projection, exists := store.projections[userID]
	if !exists {
		return Projection{}, fmt.Errorf("%w: %s", ErrMissingCreditAccount, userID)
	}
	return projection, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	if _, exists := store.reservations[reservation.RequestID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.RequestID] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, requestID RequestID) (Reservation, error) {
	reservation, exists := store.reservations[requestID]
	if !exists {
		return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownReservation, requestID)
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, requestID RequestID, from ReservationStatus, to ReservationStatus, at time.Time) error {
	reservation, exists := store.reservations[requestID]
	if !exists || reservation.Status != from {
		return ErrInvalidReservationState
	}
	reservation.Status = to
	reservation.UpdatedAt = at
	store.reservations[requestID] = reservation
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	for _, existing := range store.entries {
		if existing.EntryID == entry.EntryID {
			return ErrDuplicateEntry
		}
	}
	if entry.Sequence == 0 {
		entry.Sequence = int64(len(store.entries) + 1)
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) FindEntriesByRequest(ctx context.Context, requestID RequestID) ([]Entry, error) {
	var chain []Entry
	for _, entry := range store.entries {
		if entry.RequestID == requestID {
			chain = append(chain, entry)
		}
	}
	return chain, nil
}

func (store *stubStore) ListRequestHeads(ctx context.Context, userID UserID, before HistoryCursor, limit int) ([]Entry, error) {
	seen := make(map[RequestID]bool)
	var heads []Entry
	for _, entry := range store.entries {
		if entry.UserID != userID || seen[entry.RequestID] {
			continue
		}
		seen[entry.RequestID] = true
		if before.IsZero() || entry.Cursor().OlderThan(before) {
			heads = append(heads, entry)
		}
	}
	sort.SliceStable(heads, func(left, right int) bool {
		return heads[right].Cursor().OlderThan(heads[left].Cursor())
	})
	if len(heads) > limit {
		heads = heads[:limit]
	}
	return heads, nil
}

func (store *stubStore) UpsertAttempt(ctx context.Context, attempt AttemptRecord) error {
	store.attempts[attempt.RequestID] = attempt
	return nil
}

func (store *stubStore) ListCompensationCandidates(ctx context.Context, filter CandidateFilter) ([]CompensationCandidate, error) {
	var candidates []CompensationCandidate
	for requestID, attempt := range store.attempts {
		if attempt.Status != AttemptFailed || attempt.UpdatedAt.Before(filter.Since) {
			continue
		}
		reservation, exists := store.reservations[requestID]
		if !exists || reservation.Status == ReservationStatusReleased {
			continue
		}
		if !filter.UserID.IsZero() && reservation.UserID != filter.UserID {
			continue
		}
		candidates = append(candidates, CompensationCandidate{
			RequestID:         requestID,
			UserID:            reservation.UserID,
			ReservationStatus: reservation.Status,
			AttemptError:      attempt.Error,
			AttemptUpdatedAt:  attempt.UpdatedAt,
		})
	}
	sort.Slice(candidates, func(left, right int) bool {
		return candidates[left].RequestID.String() < candidates[right].RequestID.String()
	})
	if filter.Limit > 0 && len(candidates) > filter.Limit {
		candidates = candidates[:filter.Limit]
	}
	return candidates, nil
}

func (store *stubStore) mustBalance(test *testing.T, userID UserID) Balance {
	test.Helper()
	balance, exists := store.balances[userID]
	if !exists {
		test.Fatalf("missing balance for %s", userID)
	}
	return balance
}

func (store *stubStore) mustReservation(test *testing.T, requestID RequestID) Reservation {
	test.Helper()
	reservation, exists := store.reservations[requestID]
	if !exists {
		test.Fatalf("missing reservation %s", requestID)
	}
	return reservation
}

func (store *stubStore) entriesOf(requestID RequestID) []Entry {
	chain, _ := store.FindEntriesByRequest(context.Background(), requestID)
	return chain
}

// failingStore fails every call with err, as an unreachable database would.
type failingStore struct {
	Store
	err error
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	return Balance{}, store.err
}

func (store *failingStore) ListCompensationCandidates(ctx context.Context, filter CandidateFilter) ([]CompensationCandidate, error) {
	return nil, store.err
}

func (store *failingStore) UpsertAttempt(ctx context.Context, attempt AttemptRecord) error {
	return store.err
}

type testClock struct {
	unix atomic.Int64
}

func newTestClock(at time.Time) *testClock {
	clock := &testClock{}
	clock.unix.Store(at.Unix())
	return clock
}

func (clock *testClock) Now() int64 {
	return clock.unix.Load()
}

func (clock *testClock) Set(at time.Time) {
	clock.unix.Store(at.Unix())
}

type sequenceIDs struct {
	next atomic.Int64
}

func (ids *sequenceIDs) generate() string {
	return fmt.Sprintf("entry-%04d", ids.next.Add(1))
}

var testEpoch = time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequenceIDs{}
	allOptions := append([]ServiceOption{WithIDGenerator(ids.generate)}, options...)
	service, err := NewService(store, clock.Now, allOptions...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustRequestID(test *testing.T, raw string) RequestID {
	test.Helper()
	requestID, err := NewRequestID(raw)
	if err != nil {
		test.Fatalf("request id: %v", err)
	}
	return requestID
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

// seedBalance installs a balance inside the current window with the given
// pools, as if the account had existed for a while.
func seedBalance(test *testing.T, store *stubStore, userID UserID, monthlyAllowance int64, bonusTotal int64) Balance {
	test.Helper()
	start, end := anchoredWindow(testEpoch.AddDate(0, -2, 0), testEpoch)
	balance := Balance{
		UserID:           userID,
		Tier:             TierStarter,
		CycleSource:      CycleSourceProfile,
		CycleAnchor:      testEpoch.AddDate(0, -2, 0),
		CycleStart:       start,
		CycleEnd:         end,
		MonthlyAllowance: Credits(monthlyAllowance),
		BonusTotal:       Credits(bonusTotal),
		CreatedAt:        testEpoch.AddDate(0, -2, 0),
		UpdatedAt:        testEpoch,
	}
	store.balances[userID] = balance
	store.projections[userID] = ProjectBalance(balance)
	return balance
}

func reserveRequest(test *testing.T, userID UserID, requestID string, amount int64) ReserveRequest {
	test.Helper()
	return ReserveRequest{
		UserID:    userID,
		RequestID: mustRequestID(test, requestID),
		Amount:    mustPositiveCredits(test, amount),
		Feature:   "scene_image",
		Context:   NewGenerationContext(GenerationContext{StoryID: "story-1", SceneID: "scene-1", Model: "image-v2"}),
	}
}

func settleRequest(test *testing.T, userID UserID, requestID string) SettleRequest {
	test.Helper()
	return SettleRequest{UserID: userID, RequestID: mustRequestID(test, requestID), Reason: "job_failed"}
}

func assertRemaining(test *testing.T, remaining Remaining, monthly Credits, bonus Credits) {
	test.Helper()
	if remaining.Monthly != monthly || remaining.Bonus != bonus {
		test.Fatalf("expected remaining %d/%d, got %d/%d", monthly, bonus, remaining.Monthly, remaining.Bonus)
	}
}

func assertPools(test *testing.T, balance Balance, monthlyUsed, bonusUsed, reservedMonthly, reservedBonus Credits) {
	test.Helper()
	if balance.MonthlyUsed != monthlyUsed || balance.BonusUsed != bonusUsed ||
		balance.ReservedMonthly != reservedMonthly || balance.ReservedBonus != reservedBonus {
		test.Fatalf("expected used %d/%d reserved %d/%d, got used %d/%d reserved %d/%d",
			monthlyUsed, bonusUsed, reservedMonthly, reservedBonus,
			balance.MonthlyUsed, balance.BonusUsed, balance.ReservedMonthly, balance.ReservedBonus)
	}
}

func assertProjectionSynced(test *testing.T, store *stubStore, userID UserID) {
	test.Helper()
	balance := store.mustBalance(test, userID)
	projection, exists := store.projections[userID]
	if !exists {
		test.Fatalf("missing projection for %s", userID)
	}
	expected := ProjectBalance(balance)
	if projection.Available != expected.Available || projection.MonthlyAvailable != expected.MonthlyAvailable || projection.BonusAvailable != expected.BonusAvailable {
		test.Fatalf("projection %+v out of sync with balance %+v", projection, expected)
	}
}
