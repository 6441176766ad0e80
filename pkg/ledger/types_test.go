package ledger

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestIdentifierConstructors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		build   func(string) (fmt.Stringer, error)
		wantErr error
	}{
		{"user", func(raw string) (fmt.Stringer, error) { return NewUserID(raw) }, ErrInvalidUserID},
		{"request", func(raw string) (fmt.Stringer, error) { return NewRequestID(raw) }, ErrInvalidRequestID},
		{"entry", func(raw string) (fmt.Stringer, error) { return NewEntryID(raw) }, ErrInvalidEntryID},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			value, err := testCase.build("  abc-1 ")
			if err != nil || value.String() != "abc-1" {
				test.Fatalf("expected trimmed value, got %v %v", value, err)
			}
			if _, err := testCase.build("   "); !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestCreditConstructors(test *testing.T) {
	test.Parallel()
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if credits, err := NewCredits(0); err != nil || credits != 0 {
		test.Fatalf("zero credits should be valid, got %v %v", credits, err)
	}
	if _, err := NewPositiveCredits(0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if Credits(3).minus(5) != 0 || Credits(5).minus(3) != 2 {
		test.Fatalf("minus must clamp at zero")
	}
	if sum, err := Credits(3).plus(4); err != nil || sum != 7 {
		test.Fatalf("expected 7, got %d %v", sum, err)
	}
	if _, err := Credits(math.MaxInt64 - 1).plus(2); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount on overflow, got %v", err)
	}
}

func TestEnumParsers(test *testing.T) {
	test.Parallel()
	if tier, err := ParseTier(" Creator "); err != nil || tier != TierCreator {
		test.Fatalf("expected creator, got %q %v", tier, err)
	}
	if _, err := ParseTier("gold"); !errors.Is(err, ErrInvalidTier) {
		test.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if source, err := ParseCycleSource("subscription"); err != nil || source != CycleSourceSubscription {
		test.Fatalf("expected subscription, got %q %v", source, err)
	}
	if _, err := ParseReservationStatus("pending"); !errors.Is(err, ErrInvalidReservationStatus) {
		test.Fatalf("expected ErrInvalidReservationStatus, got %v", err)
	}
	if entryType, err := ParseEntryType("subscription_grant"); err != nil || entryType != EntrySubscriptionGrant {
		test.Fatalf("expected subscription_grant, got %q %v", entryType, err)
	}
	if _, err := ParseEntryType("transfer"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
	if status, err := ParseAttemptStatus("FAILED"); err != nil || status != AttemptFailed {
		test.Fatalf("expected failed, got %q %v", status, err)
	}
}

func TestPoolOf(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		monthly Credits
		bonus   Credits
		want    Pool
	}{
		{0, 0, PoolNone},
		{3, 0, PoolMonthly},
		{0, 3, PoolBonus},
		{1, 2, PoolMixed},
	}
	for _, testCase := range testCases {
		if pool := PoolOf(testCase.monthly, testCase.bonus); pool != testCase.want {
			test.Fatalf("PoolOf(%d, %d) = %s, want %s", testCase.monthly, testCase.bonus, pool, testCase.want)
		}
	}
}

func TestBalanceSplit(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		balance     Balance
		amount      PositiveCredits
		wantMonthly Credits
		wantBonus   Credits
		wantErr     error
	}{
		{name: "monthly only", balance: Balance{MonthlyAllowance: 10}, amount: 4, wantMonthly: 4},
		{name: "spills into bonus", balance: Balance{MonthlyAllowance: 10, MonthlyUsed: 8, BonusTotal: 5}, amount: 4, wantMonthly: 2, wantBonus: 2},
		{name: "holds count as spent", balance: Balance{MonthlyAllowance: 10, ReservedMonthly: 10, BonusTotal: 5, ReservedBonus: 1}, amount: 4, wantBonus: 4},
		{name: "insufficient", balance: Balance{MonthlyAllowance: 10, BonusTotal: 5}, amount: 16, wantErr: ErrInsufficientCredits},
		{name: "unmetered", balance: Balance{Unmetered: true, MonthlyUsed: 9000, BonusTotal: 5}, amount: 500, wantMonthly: 500},
		{name: "large pools do not wrap", balance: Balance{MonthlyAllowance: math.MaxInt64, BonusTotal: math.MaxInt64}, amount: math.MaxInt64, wantMonthly: math.MaxInt64},
		{name: "large request beyond both pools", balance: Balance{MonthlyAllowance: 10, BonusTotal: 5}, amount: math.MaxInt64, wantErr: ErrInsufficientCredits},
		{name: "unmetered usage counter full", balance: Balance{Unmetered: true, MonthlyUsed: math.MaxInt64 - 10, ReservedMonthly: 8}, amount: 3, wantErr: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			monthly, bonus, err := testCase.balance.split(testCase.amount)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil || monthly != testCase.wantMonthly || bonus != testCase.wantBonus {
				test.Fatalf("expected %d/%d, got %d/%d (%v)", testCase.wantMonthly, testCase.wantBonus, monthly, bonus, err)
			}
		})
	}
}

func TestBalanceInvariantAndProjection(test *testing.T) {
	test.Parallel()
	balance := Balance{
		UserID:           mustUserID(test, "user-p"),
		MonthlyAllowance: 10,
		MonthlyUsed:      4,
		ReservedMonthly:  3,
		BonusTotal:       5,
		BonusUsed:        1,
		CycleEnd:         testEpoch,
	}
	if err := balance.CheckInvariant(); err != nil {
		test.Fatalf("invariant: %v", err)
	}
	projection := ProjectBalance(balance)
	if projection.MonthlyAvailable != 3 || projection.BonusAvailable != 4 || projection.Available != 7 || !projection.CycleEnd.Equal(testEpoch) {
		test.Fatalf("unexpected projection: %+v", projection)
	}

	overdrawn := balance
	overdrawn.ReservedBonus = 5
	if err := overdrawn.CheckInvariant(); !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	if overdrawn.AvailableBonus() != 0 {
		test.Fatalf("available bonus must clamp at zero")
	}

	unmetered := Balance{Unmetered: true, MonthlyUsed: 500}
	if err := unmetered.CheckInvariant(); err != nil {
		test.Fatalf("unmetered balances skip the monthly bound: %v", err)
	}
	if remaining := unmetered.Remaining(); remaining.Monthly != 0 || !remaining.Unmetered {
		test.Fatalf("unexpected unmetered remaining: %+v", remaining)
	}
}

func TestEntryContextRoundTrip(test *testing.T) {
	test.Parallel()
	adjustment, err := NewAdjustmentContext(AdjustmentContext{Reason: "chargeback"})
	if err != nil {
		test.Fatalf("adjustment: %v", err)
	}
	contexts := []EntryContext{
		NoContext(),
		NewGenerationContext(GenerationContext{StoryID: "s", SceneID: "c", Model: "m", Attempt: 2}),
		NewCycleContext(CycleContext{Tier: TierBasic, CycleSource: CycleSourceProfile, CycleStart: testEpoch, CycleEnd: testEpoch.AddDate(0, 1, 0)}),
		NewPurchaseContext(PurchaseContext{Reference: "order-1"}),
		adjustment,
		NewCompensationContext(CompensationContext{Reason: "timeout"}),
	}
	for _, original := range contexts {
		encoded, err := MarshalContext(original)
		if err != nil {
			test.Fatalf("marshal %s: %v", original.Kind, err)
		}
		decoded, err := ParseContext(encoded)
		if err != nil {
			test.Fatalf("parse %s: %v", original.Kind, err)
		}
		if decoded.Kind != original.Kind || decoded.Version != EntryContextVersion {
			test.Fatalf("round trip changed %s into %+v", original.Kind, decoded)
		}
	}
	if contexts[5].Compensation.Source != CompensationSourceCaller {
		test.Fatalf("compensation source should default to caller")
	}
}

func TestParseContextRejectsMalformedPayloads(test *testing.T) {
	test.Parallel()
	for _, legacy := range []string{"", "{}", "null", "  "} {
		entryContext, err := ParseContext([]byte(legacy))
		if err != nil || entryContext.Kind != ContextNone {
			test.Fatalf("legacy %q should decode to none, got %+v %v", legacy, entryContext, err)
		}
	}
	for _, raw := range []string{
		`{"v":2,"kind":"none"}`,
		`{"v":1,"kind":"generation"}`,
		`{"v":1,"kind":"none","generation":{"story_id":"x"}}`,
		`{"v":1,"kind":"teleport"}`,
		`{"v":1,"kind":"none","extra":true}`,
		`not json`,
	} {
		if _, err := ParseContext([]byte(raw)); !errors.Is(err, ErrInvalidContext) {
			test.Fatalf("expected ErrInvalidContext for %s, got %v", raw, err)
		}
	}
	if _, err := NewAdjustmentContext(AdjustmentContext{Reason: " "}); !errors.Is(err, ErrInvalidContext) {
		test.Fatalf("expected ErrInvalidContext for empty adjustment reason, got %v", err)
	}
}

func TestReasonOf(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err        error
		wantReason Reason
		wantOK     bool
	}{
		{fmt.Errorf("wrapped: %w", ErrInsufficientCredits), ReasonInsufficientCredits, true},
		{WrapError("gormstore", "reservation", "insert", ErrReservationExists), ReasonRequestConflict, true},
		{ErrUnknownReservation, ReasonMissingReservation, true},
		{ErrInvalidUserID, ReasonMissingUserID, true},
		{errors.New("disk full"), "", false},
		{ErrInvalidServiceConfig, "", false},
		{nil, "", false},
	}
	for _, testCase := range testCases {
		reason, ok := ReasonOf(testCase.err)
		if reason != testCase.wantReason || ok != testCase.wantOK {
			test.Fatalf("ReasonOf(%v) = %q %v, want %q %v", testCase.err, reason, ok, testCase.wantReason, testCase.wantOK)
		}
	}
}

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("gormstore", "balance", "lock", ErrMissingCreditAccount)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "gormstore" || operationError.Subject() != "balance" || operationError.Code() != "lock" {
		test.Fatalf("unexpected segments: %+v", operationError)
	}
	if wrapped.Error() != "gormstore.balance.lock: missing credit account" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
	if WrapError("a", "b", "c", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
}
