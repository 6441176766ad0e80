package ledger

import (
	"context"
	"fmt"
	"time"
)

const cycleRequestPrefix = "cycle"

// CycleResult reports the window after ResetIfDue.
type CycleResult struct {
	UserID           UserID
	Advanced         bool
	CycleStart       time.Time
	CycleEnd         time.Time
	MonthlyAllowance Credits
	Unmetered        bool
	Remaining        Remaining
}

// ResetIfDue advances the allocation window when "now" has left it. On
// advance monthly usage is zeroed and the allowance is recomputed from the
// current tier; bonus credits and outstanding holds are left alone.
func (service *Service) ResetIfDue(ctx context.Context, userID UserID) (CycleResult, error) {
	var result CycleResult
	operationError := validateUserID(userID)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, _, err := service.lockOrProvision(ctx, transactionStore, userID)
			if err != nil {
				return err
			}
			advanced, err := service.resetIfDue(ctx, transactionStore, &balance)
			if err != nil {
				return err
			}
			if advanced {
				if err := service.persistBalance(ctx, transactionStore, balance); err != nil {
					return err
				}
			}
			result = CycleResult{
				UserID:           userID,
				Advanced:         advanced,
				CycleStart:       balance.CycleStart,
				CycleEnd:         balance.CycleEnd,
				MonthlyAllowance: balance.MonthlyAllowance,
				Unmetered:        balance.Unmetered,
				Remaining:        balance.Remaining(),
			}
			return nil
		})
	}
	outcome := OutcomeIdempotent
	if result.Advanced {
		outcome = OutcomeApplied
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationResetIfDue,
		UserID:    userID,
		Amount:    result.MonthlyAllowance,
		Outcome:   outcome,
		Error:     operationError,
	})
	return result, operationError
}

// resetIfDue mutates balance in place and appends the grant entry; the
// caller persists the row.
func (service *Service) resetIfDue(ctx context.Context, transactionStore Store, balance *Balance) (bool, error) {
	now := service.now()
	start, end, due := nextCycleWindow(*balance, now)
	if !due {
		return false, nil
	}
	allowance, err := service.allowances.For(balance.Tier)
	if err != nil {
		return false, err
	}
	balance.CycleStart = start
	balance.CycleEnd = end
	balance.MonthlyUsed = 0
	balance.MonthlyAllowance = allowance.Credits
	balance.Unmetered = allowance.Unmetered
	balance.UpdatedAt = now
	return true, service.appendCycleGrant(ctx, transactionStore, *balance)
}

func (service *Service) appendCycleGrant(ctx context.Context, transactionStore Store, balance Balance) error {
	requestID, err := NewRequestID(fmt.Sprintf("%s:%s:%d", cycleRequestPrefix, balance.UserID.String(), balance.CycleStart.Unix()))
	if err != nil {
		return err
	}
	return service.appendEntry(ctx, transactionStore, balance, Entry{
		RequestID:     requestID,
		Type:          EntrySubscriptionGrant,
		Amount:        balance.MonthlyAllowance.Int64(),
		MonthlyAmount: balance.MonthlyAllowance,
		Context: NewCycleContext(CycleContext{
			Tier:        balance.Tier,
			CycleSource: balance.CycleSource,
			CycleStart:  balance.CycleStart,
			CycleEnd:    balance.CycleEnd,
		}),
	})
}

// nextCycleWindow returns the window containing now and whether it differs
// from the stored one.
func nextCycleWindow(balance Balance, now time.Time) (time.Time, time.Time, bool) {
	if !balance.CycleEnd.IsZero() && now.Before(balance.CycleEnd) {
		return balance.CycleStart, balance.CycleEnd, false
	}
	switch balance.CycleSource {
	case CycleSourceSubscription:
		from := balance.CycleEnd
		if from.IsZero() {
			from = balance.CycleAnchor
		}
		anchorDay := from.Day()
		if !balance.CycleAnchor.IsZero() {
			anchorDay = balance.CycleAnchor.Day()
		}
		start, end := rollingWindow(from, anchorDay, now)
		return start, end, true
	default:
		anchor := balance.CycleAnchor
		if anchor.IsZero() {
			anchor = balance.CreatedAt
		}
		start, end := anchoredWindow(anchor, now)
		return start, end, true
	}
}

// anchoredWindow counts whole months from anchor to find the window
// containing now.
func anchoredWindow(anchor time.Time, now time.Time) (time.Time, time.Time) {
	anchor = anchor.UTC()
	anchorDay := anchor.Day()
	if now.Before(anchor) {
		return anchor, addMonths(anchor, 1, anchorDay)
	}
	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	if months < 0 {
		months = 0
	}
	start := addMonths(anchor, months, anchorDay)
	for months > 0 && start.After(now) {
		months--
		start = addMonths(anchor, months, anchorDay)
	}
	end := addMonths(anchor, months+1, anchorDay)
	for !now.Before(end) {
		months++
		start = end
		end = addMonths(anchor, months+1, anchorDay)
	}
	return start, end
}

// rollingWindow steps month by month from the previous window end.
func rollingWindow(from time.Time, anchorDay int, now time.Time) (time.Time, time.Time) {
	start := from.UTC()
	end := addMonths(start, 1, anchorDay)
	for !now.Before(end) {
		start = end
		end = addMonths(start, 1, anchorDay)
	}
	return start, end
}

// addMonths moves forward by whole months, clamping the anchor day to the
// length of the target month and keeping the time of day.
func addMonths(from time.Time, months int, anchorDay int) time.Time {
	year, month, _ := from.Date()
	monthIndex := int(month) - 1 + months
	year += monthIndex / 12
	monthIndex %= 12
	targetMonth := time.Month(monthIndex + 1)
	day := anchorDay
	if last := daysIn(year, targetMonth); day > last {
		day = last
	}
	hour, minute, second := from.Clock()
	return time.Date(year, targetMonth, day, hour, minute, second, from.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
