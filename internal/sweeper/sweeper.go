// Package sweeper runs the compensation scan on an interval, settling
// reservations whose generation failed without an event reaching the
// ledger.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"go.uber.org/zap"
)

var ErrInvalidInterval = errors.New("sweep interval must be positive")

// Scanner is implemented by *ledger.Service.
type Scanner interface {
	Scan(ctx context.Context, request ledger.ScanRequest) (ledger.ScanReport, error)
}

// Runner owns the sweep schedule.
type Runner struct {
	scanner  Scanner
	interval time.Duration
	request  ledger.ScanRequest
	logger   *zap.Logger
}

func New(scanner Scanner, interval time.Duration, request ledger.ScanRequest, logger *zap.Logger) (*Runner, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{scanner: scanner, interval: interval, request: request, logger: logger}, nil
}

// RunOnce performs a single sweep and logs its summary.
func (runner *Runner) RunOnce(ctx context.Context) (ledger.ScanReport, error) {
	started := time.Now()
	report, err := runner.scanner.Scan(ctx, runner.request)
	if err != nil {
		runner.logger.Error("compensation sweep failed", zap.Error(err))
		return ledger.ScanReport{}, err
	}
	fields := append(summaryFields(report), zap.Duration("elapsed", time.Since(started)))
	if errored := report.Count(ledger.ScanError); errored > 0 {
		runner.logger.Warn("compensation sweep finished with errors", fields...)
		for _, row := range report.Rows {
			if row.Action == ledger.ScanError {
				runner.logger.Warn("compensation failed",
					zap.String("request_id", row.RequestID.String()),
					zap.String("user_id", row.UserID.String()),
					zap.String("error", row.Error))
			}
		}
		return report, nil
	}
	runner.logger.Info("compensation sweep finished", fields...)
	return report, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (runner *Runner) Run(ctx context.Context) error {
	runner.logger.Info("compensation sweeper started",
		zap.Duration("interval", runner.interval),
		zap.Duration("lookback", runner.request.Lookback),
		zap.Bool("dry_run", runner.request.DryRun))
	ticker := time.NewTicker(runner.interval)
	defer ticker.Stop()
	for {
		if _, err := runner.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			runner.logger.Info("compensation sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func summaryFields(report ledger.ScanReport) []zap.Field {
	return []zap.Field{
		zap.Bool("dry_run", report.DryRun),
		zap.Int("visited", len(report.Rows)),
		zap.Int("released", report.Count(ledger.ScanReleased)),
		zap.Int("refunded", report.Count(ledger.ScanRefunded)),
		zap.Int("would_release", report.Count(ledger.ScanWouldRelease)),
		zap.Int("would_refund", report.Count(ledger.ScanWouldRefund)),
		zap.Int("skipped_locked", report.Count(ledger.ScanSkippedLocked)),
		zap.Int("errors", report.Count(ledger.ScanError)),
	}
}
