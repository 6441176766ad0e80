package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEnsureAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-signup")
	ctx := context.Background()

	created, err := service.EnsureAccount(ctx, userID, TierCreator)
	if err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	if created.Outcome != OutcomeAccountCreated || created.Balance.MonthlyAllowance != 100 {
		test.Fatalf("unexpected result: %+v", created)
	}
	again, err := service.EnsureAccount(ctx, userID, TierBasic)
	if err != nil {
		test.Fatalf("ensure account again: %v", err)
	}
	if again.Outcome != OutcomeAccountAvailable || again.Balance.Tier != TierCreator {
		test.Fatalf("existing account was modified: %+v", again)
	}
	assertProjectionSynced(test, store, userID)

	if _, err := service.EnsureAccount(ctx, userID, "platinum"); !errors.Is(err, ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestGrantBonus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-bonus")
	seedBalance(test, store, userID, 10, 0)
	ctx := context.Background()
	request := GrantRequest{
		UserID:    userID,
		RequestID: mustRequestID(test, "promo-1"),
		Amount:    mustPositiveCredits(test, 20),
		Kind:      EntryPurchase,
		Context:   NewPurchaseContext(PurchaseContext{Reference: "order-77"}),
	}

	granted, err := service.GrantBonus(ctx, request)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if granted.Outcome != OutcomeApplied || granted.BonusTotal != 20 {
		test.Fatalf("unexpected grant: %+v", granted)
	}
	assertRemaining(test, granted.Remaining, 10, 20)

	replayed, err := service.GrantBonus(ctx, request)
	if err != nil {
		test.Fatalf("grant replay: %v", err)
	}
	if replayed.Outcome != OutcomeIdempotent || replayed.BonusTotal != 20 {
		test.Fatalf("replay granted twice: %+v", replayed)
	}

	conflicting := request
	conflicting.Kind = EntryBonus
	if _, err := service.GrantBonus(ctx, conflicting); !errors.Is(err, ErrRequestConflict) {
		test.Fatalf("expected ErrRequestConflict, got %v", err)
	}
	invalid := request
	invalid.Kind = EntryUsage
	if reason, _ := ReasonOf(func() error { _, err := service.GrantBonus(ctx, invalid); return err }()); reason != ReasonInvalidEntryType {
		test.Fatalf("expected invalid_entry_type, got %q", reason)
	}
}

func TestAdjust(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-adjust")
	seedBalance(test, store, userID, 0, 10)
	ctx := context.Background()
	adjustmentContext, err := NewAdjustmentContext(AdjustmentContext{Reason: "support goodwill", Actor: "ops@example.com"})
	if err != nil {
		test.Fatalf("context: %v", err)
	}

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "bonus-hold", 4)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	testCases := []struct {
		name      string
		requestID string
		delta     int64
		context   EntryContext
		wantErr   error
		wantTotal Credits
	}{
		{name: "credit", requestID: "adj-1", delta: 5, context: adjustmentContext, wantTotal: 15},
		{name: "replay", requestID: "adj-1", delta: 5, context: adjustmentContext, wantTotal: 15},
		{name: "debit within free bonus", requestID: "adj-2", delta: -6, context: adjustmentContext, wantTotal: 9},
		{name: "debit into held credits", requestID: "adj-3", delta: -6, context: adjustmentContext, wantErr: ErrInsufficientCredits},
		{name: "missing context", requestID: "adj-4", delta: 1, wantErr: ErrInvalidContext},
		{name: "zero delta", requestID: "adj-5", delta: 0, context: adjustmentContext, wantErr: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		result, err := service.Adjust(ctx, AdjustRequest{
			UserID:    userID,
			RequestID: mustRequestID(test, testCase.requestID),
			Delta:     testCase.delta,
			Context:   testCase.context,
		})
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		if result.BonusTotal != testCase.wantTotal {
			test.Fatalf("%s: expected bonus total %d, got %d", testCase.name, testCase.wantTotal, result.BonusTotal)
		}
	}
	if err := store.mustBalance(test, userID).CheckInvariant(); err != nil {
		test.Fatalf("invariant: %v", err)
	}
}

func TestSpend(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-spend")
	seedBalance(test, store, userID, 10, 0)
	ctx := context.Background()
	request := SpendRequest{UserID: userID, RequestID: mustRequestID(test, "direct"), Amount: mustPositiveCredits(test, 3)}

	spent, err := service.Spend(ctx, request)
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	replayed, err := service.Spend(ctx, request)
	if err != nil {
		test.Fatalf("spend replay: %v", err)
	}
	if replayed.Outcome != OutcomeIdempotent || replayed.SpentMonthly != spent.SpentMonthly {
		test.Fatalf("unexpected replay: %+v", replayed)
	}
	assertPools(test, store.mustBalance(test, userID), 3, 0, 0, 0)

	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "held", 1)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Spend(ctx, SpendRequest{UserID: userID, RequestID: mustRequestID(test, "held"), Amount: mustPositiveCredits(test, 1)}); !errors.Is(err, ErrRequestConflict) {
		test.Fatalf("expected ErrRequestConflict, got %v", err)
	}
	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "direct", 1)); !errors.Is(err, ErrRequestConflict) {
		test.Fatalf("expected ErrRequestConflict for reused spend id, got %v", err)
	}
}

func TestReadsAndHistory(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newTestClock(testEpoch)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-reader")
	seedBalance(test, store, userID, 10, 5)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := service.Reserve(ctx, reserveRequest(test, userID, "h-committed", 2)); return err },
		func() error { _, err := service.Commit(ctx, settleRequest(test, userID, "h-committed")); return err },
		func() error { _, err := service.Reserve(ctx, reserveRequest(test, userID, "h-released", 3)); return err },
		func() error { _, err := service.Release(ctx, settleRequest(test, userID, "h-released")); return err },
		func() error { _, err := service.Reserve(ctx, reserveRequest(test, userID, "h-pending", 1)); return err },
	}
	for index, step := range steps {
		clock.Set(testEpoch.Add(time.Duration(index+1) * time.Minute))
		if err := step(); err != nil {
			test.Fatalf("step %d: %v", index, err)
		}
	}

	balance, err := service.Balance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	projection, err := service.Projection(ctx, userID)
	if err != nil {
		test.Fatalf("projection: %v", err)
	}
	if projection.Available != balance.Available() || projection.Available != 12 {
		test.Fatalf("projection %d does not match balance %d", projection.Available, balance.Available())
	}

	items, err := service.History(ctx, userID, HistoryCursor{}, 0)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(items) != 3 {
		test.Fatalf("expected 3 folded items, got %d", len(items))
	}
	want := []struct {
		request string
		state   HistoryState
		amount  int64
	}{
		{"h-pending", HistoryPending, -1},
		{"h-released", HistoryReleased, 0},
		{"h-committed", HistoryCharged, -2},
	}
	for index, expected := range want {
		item := items[index]
		if item.RequestID.String() != expected.request || item.State != expected.state || item.Amount != expected.amount {
			test.Fatalf("item %d: expected %+v, got %+v", index, expected, item)
		}
	}

	if _, err := service.Balance(ctx, UserID{}); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := service.Projection(ctx, mustUserID(test, "nobody")); !errors.Is(err, ErrMissingCreditAccount) {
		test.Fatalf("expected ErrMissingCreditAccount, got %v", err)
	}
}

func TestHistoryPagesKeepChainsWhole(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	clock := newTestClock(testEpoch)
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-pages")
	seedBalance(test, store, userID, 10, 5)
	ctx := context.Background()

	if _, err := service.GrantBonus(ctx, GrantRequest{UserID: userID, RequestID: mustRequestID(test, "promo"), Amount: mustPositiveCredits(test, 3), Kind: EntryBonus}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	clock.Set(testEpoch.Add(time.Minute))
	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "job", 12)); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	clock.Set(testEpoch.Add(2 * time.Minute))
	if _, err := service.Commit(ctx, settleRequest(test, userID, "job")); err != nil {
		test.Fatalf("commit: %v", err)
	}
	clock.Set(testEpoch.Add(3 * time.Minute))
	if _, err := service.Refund(ctx, settleRequest(test, userID, "job")); err != nil {
		test.Fatalf("refund: %v", err)
	}

	first, err := service.History(ctx, userID, HistoryCursor{}, 1)
	if err != nil {
		test.Fatalf("first page: %v", err)
	}
	if len(first) != 1 || first[0].RequestID.String() != "job" || first[0].State != HistoryRefunded || first[0].Amount != 0 {
		test.Fatalf("expected the whole refunded chain netting to zero, got %+v", first)
	}
	second, err := service.History(ctx, userID, first[0].Cursor, 1)
	if err != nil {
		test.Fatalf("second page: %v", err)
	}
	if len(second) != 1 || second[0].RequestID.String() != "promo" || second[0].State != HistoryGranted {
		test.Fatalf("expected the grant on the second page, got %+v", second)
	}
	last, err := service.History(ctx, userID, second[0].Cursor, 1)
	if err != nil {
		test.Fatalf("last page: %v", err)
	}
	if len(last) != 0 {
		test.Fatalf("expected an empty last page, got %+v", last)
	}
}

func TestHistoryPagesWithinOneSecond(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-same-second")
	seedBalance(test, store, userID, 10, 0)
	ctx := context.Background()

	for _, requestID := range []string{"r1", "r2", "r3"} {
		if _, err := service.Reserve(ctx, reserveRequest(test, userID, requestID, 1)); err != nil {
			test.Fatalf("reserve %s: %v", requestID, err)
		}
	}
	var seen []string
	var cursor HistoryCursor
	for page := 0; page < 3; page++ {
		items, err := service.History(ctx, userID, cursor, 2)
		if err != nil {
			test.Fatalf("page %d: %v", page, err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			seen = append(seen, item.RequestID.String())
		}
		cursor = items[len(items)-1].Cursor
	}
	if len(seen) != 3 || seen[0] != "r3" || seen[1] != "r2" || seen[2] != "r1" {
		test.Fatalf("expected r3 r2 r1 across pages, got %v", seen)
	}
}

func TestCreditTotalsRejectOverflow(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, newTestClock(testEpoch))
	userID := mustUserID(test, "user-overflow")
	seedBalance(test, store, userID, 10, 5)
	ctx := context.Background()
	adjustmentContext, err := NewAdjustmentContext(AdjustmentContext{Reason: "correction"})
	if err != nil {
		test.Fatalf("context: %v", err)
	}

	if _, err := service.GrantBonus(ctx, GrantRequest{UserID: userID, RequestID: mustRequestID(test, "huge"), Amount: mustPositiveCredits(test, math.MaxInt64), Kind: EntryBonus}); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for an overflowing grant, got %v", err)
	}
	testCases := []struct {
		name  string
		delta int64
	}{
		{name: "overflowing-credit", delta: math.MaxInt64},
		{name: "unrepresentable-debit", delta: math.MinInt64},
	}
	for _, testCase := range testCases {
		_, err := service.Adjust(ctx, AdjustRequest{UserID: userID, RequestID: mustRequestID(test, testCase.name), Delta: testCase.delta, Context: adjustmentContext})
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("%s: expected ErrInvalidAmount, got %v", testCase.name, err)
		}
	}

	balance := store.mustBalance(test, userID)
	if balance.BonusTotal != 5 || len(store.entries) != 0 {
		test.Fatalf("rejected requests changed state: bonus %d, %d entries", balance.BonusTotal, len(store.entries))
	}
	if err := balance.CheckInvariant(); err != nil {
		test.Fatalf("invariant: %v", err)
	}
	if _, err := service.Reserve(ctx, reserveRequest(test, userID, "after", 1)); err != nil {
		test.Fatalf("reserve after rejected grants: %v", err)
	}
}
