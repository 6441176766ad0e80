// Package ledgertest builds ledger services over an in-memory SQLite store
// for transport and worker tests.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the default clock start for fixtures.
var Epoch = time.Date(2025, time.April, 7, 8, 0, 0, 0, time.UTC)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (clock *Clock) Unix() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now.Unix()
}

func (clock *Clock) Advance(step time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(step)
}

// Fixture bundles a service with its store and clock.
type Fixture struct {
	Service *ledger.Service
	Store   *gormstore.Store
	Clock   *Clock
}

// New opens a fresh in-memory database and wires a service over it.
func New(test testing.TB, options ...ledger.ServiceOption) Fixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, gormstore.AutoMigrate(db))

	store := gormstore.New(db)
	clock := NewClock(Epoch)
	service, err := ledger.NewService(store, clock.Unix, options...)
	require.NoError(test, err)
	return Fixture{Service: service, Store: store, Clock: clock}
}

// Seed provisions rawUserID on the starter tier and tops up its bonus pool.
func (fixture Fixture) Seed(test testing.TB, rawUserID string, bonus int64) ledger.UserID {
	test.Helper()
	ctx := context.Background()
	userID := UserID(test, rawUserID)
	_, err := fixture.Service.EnsureAccount(ctx, userID, ledger.TierStarter)
	require.NoError(test, err)
	if bonus > 0 {
		amount, err := ledger.NewPositiveCredits(bonus)
		require.NoError(test, err)
		_, err = fixture.Service.GrantBonus(ctx, ledger.GrantRequest{
			UserID:    userID,
			RequestID: RequestID(test, "seed-bonus:"+rawUserID),
			Amount:    amount,
			Kind:      ledger.EntryBonus,
		})
		require.NoError(test, err)
	}
	return userID
}

func UserID(test testing.TB, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func RequestID(test testing.TB, raw string) ledger.RequestID {
	test.Helper()
	requestID, err := ledger.NewRequestID(raw)
	require.NoError(test, err)
	return requestID
}
