package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/internal/ledgertest"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingScanner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (scanner *countingScanner) Scan(context.Context, ledger.ScanRequest) (ledger.ScanReport, error) {
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	scanner.calls++
	return ledger.ScanReport{}, scanner.err
}

func (scanner *countingScanner) count() int {
	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	return scanner.calls
}

func failedReservation(test *testing.T, fixture ledgertest.Fixture, rawUserID string, rawRequestID string) ledger.UserID {
	test.Helper()
	ctx := context.Background()
	userID := fixture.Seed(test, rawUserID, 0)
	requestID := ledgertest.RequestID(test, rawRequestID)
	_, err := fixture.Service.Reserve(ctx, ledger.ReserveRequest{UserID: userID, RequestID: requestID, Amount: 6})
	require.NoError(test, err)
	require.NoError(test, fixture.Store.UpsertAttempt(ctx, ledger.AttemptRecord{
		RequestID: requestID,
		UserID:    userID,
		Status:    ledger.AttemptFailed,
		Error:     "worker crashed",
		UpdatedAt: ledgertest.Epoch,
	}))
	return userID
}

func TestNewRejectsInterval(test *testing.T) {
	test.Parallel()
	_, err := New(&countingScanner{}, 0, ledger.ScanRequest{}, nil)
	require.ErrorIs(test, err, ErrInvalidInterval)
}

func TestRunOnceReleasesFailedReservation(test *testing.T) {
	test.Parallel()
	fixture := ledgertest.New(test)
	userID := failedReservation(test, fixture, "user-sweep", "req-sweep")
	core, logs := observer.New(zapcore.InfoLevel)
	runner, err := New(fixture.Service, time.Minute, ledger.ScanRequest{Lookback: time.Hour}, zap.New(core))
	require.NoError(test, err)

	report, err := runner.RunOnce(context.Background())
	require.NoError(test, err)
	require.Equal(test, 1, report.Count(ledger.ScanReleased))

	balance, err := fixture.Service.Balance(context.Background(), userID)
	require.NoError(test, err)
	require.Equal(test, ledger.Credits(30), balance.Available())

	finished := logs.FilterMessage("compensation sweep finished").All()
	require.Len(test, finished, 1)
	require.Equal(test, int64(1), finished[0].ContextMap()["released"])

	again, err := runner.RunOnce(context.Background())
	require.NoError(test, err)
	require.Zero(test, again.Count(ledger.ScanReleased))
}

func TestRunOnceDryRunLeavesState(test *testing.T) {
	test.Parallel()
	fixture := ledgertest.New(test)
	userID := failedReservation(test, fixture, "user-dry", "req-dry")
	runner, err := New(fixture.Service, time.Minute, ledger.ScanRequest{UserID: userID, DryRun: true}, nil)
	require.NoError(test, err)

	report, err := runner.RunOnce(context.Background())
	require.NoError(test, err)
	require.True(test, report.DryRun)
	require.Equal(test, 1, report.Count(ledger.ScanWouldRelease))

	balance, err := fixture.Service.Balance(context.Background(), userID)
	require.NoError(test, err)
	require.Equal(test, ledger.Credits(24), balance.Available())
}

func TestRunOnceSurfacesScanFailure(test *testing.T) {
	test.Parallel()
	storeDown := errors.New("connection refused")
	core, logs := observer.New(zapcore.ErrorLevel)
	runner, err := New(&countingScanner{err: storeDown}, time.Minute, ledger.ScanRequest{}, zap.New(core))
	require.NoError(test, err)

	_, err = runner.RunOnce(context.Background())
	require.ErrorIs(test, err, storeDown)
	require.Equal(test, 1, logs.FilterMessage("compensation sweep failed").Len())
}

func TestRunSweepsUntilCancelled(test *testing.T) {
	test.Parallel()
	scanner := &countingScanner{}
	runner, err := New(scanner, 10*time.Millisecond, ledger.ScanRequest{}, nil)
	require.NoError(test, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	require.Eventually(test, func() bool { return scanner.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(test, err)
	case <-time.After(5 * time.Second):
		test.Fatal("sweeper did not stop")
	}
}
