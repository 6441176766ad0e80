package ledger

import (
	"fmt"
	"time"
)

// Balance is the per-user credit row.
type Balance struct {
	UserID           UserID
	Tier             Tier
	CycleSource      CycleSource
	CycleAnchor      time.Time
	CycleStart       time.Time
	CycleEnd         time.Time
	MonthlyAllowance Credits
	MonthlyUsed      Credits
	BonusTotal       Credits
	BonusUsed        Credits
	ReservedMonthly  Credits
	ReservedBonus    Credits
	Unmetered        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Remaining is the spendable amount per pool.
type Remaining struct {
	Monthly   Credits
	Bonus     Credits
	Unmetered bool
}

// Total sums both pools.
func (remaining Remaining) Total() Credits {
	return remaining.Monthly + remaining.Bonus
}

// AvailableMonthly is allowance minus used minus held, clamped at zero.
// A hold carried across a cycle boundary onto a smaller allowance can
// exceed what is left, hence the clamp.
func (balance Balance) AvailableMonthly() Credits {
	if balance.Unmetered {
		return 0
	}
	return balance.MonthlyAllowance.minus(balance.MonthlyUsed + balance.ReservedMonthly)
}

// AvailableBonus is bonus total minus used minus held, clamped at zero.
func (balance Balance) AvailableBonus() Credits {
	return balance.BonusTotal.minus(balance.BonusUsed + balance.ReservedBonus)
}

// Available sums both pools.
func (balance Balance) Available() Credits {
	return balance.AvailableMonthly() + balance.AvailableBonus()
}

// Remaining returns the per-pool snapshot reported to callers.
func (balance Balance) Remaining() Remaining {
	return Remaining{
		Monthly:   balance.AvailableMonthly(),
		Bonus:     balance.AvailableBonus(),
		Unmetered: balance.Unmetered,
	}
}

// CheckInvariant verifies used plus held never exceeds the pool size.
// Unmetered balances only track usage, so the monthly side is skipped.
func (balance Balance) CheckInvariant() error {
	if !balance.Unmetered && balance.MonthlyUsed+balance.ReservedMonthly > balance.MonthlyAllowance {
		return fmt.Errorf("%w: monthly used %d + reserved %d exceeds allowance %d",
			ErrInvalidBalance, balance.MonthlyUsed, balance.ReservedMonthly, balance.MonthlyAllowance)
	}
	if balance.BonusUsed+balance.ReservedBonus > balance.BonusTotal {
		return fmt.Errorf("%w: bonus used %d + reserved %d exceeds total %d",
			ErrInvalidBalance, balance.BonusUsed, balance.ReservedBonus, balance.BonusTotal)
	}
	return nil
}

// Projection is the read-optimized value consumed by the UI.
type Projection struct {
	UserID           UserID
	Available        Credits
	MonthlyAvailable Credits
	BonusAvailable   Credits
	Unmetered        bool
	CycleEnd         time.Time
	UpdatedAt        time.Time
}

// ProjectBalance derives the projection from a balance row. It is the only
// way a Projection is produced.
func ProjectBalance(balance Balance) Projection {
	return Projection{
		UserID:           balance.UserID,
		Available:        balance.Available(),
		MonthlyAvailable: balance.AvailableMonthly(),
		BonusAvailable:   balance.AvailableBonus(),
		Unmetered:        balance.Unmetered,
		CycleEnd:         balance.CycleEnd,
		UpdatedAt:        balance.UpdatedAt,
	}
}

// split divides an amount across pools, monthly first. Unmetered balances
// place everything on the monthly side.
func (balance Balance) split(amount PositiveCredits) (Credits, Credits, error) {
	requested := amount.Credits()
	if balance.Unmetered {
		counted, err := balance.MonthlyUsed.plus(balance.ReservedMonthly)
		if err == nil {
			_, err = counted.plus(requested)
		}
		if err != nil {
			return 0, 0, err
		}
		return requested, 0, nil
	}
	availableMonthly := balance.AvailableMonthly()
	availableBonus := balance.AvailableBonus()
	if requested > availableMonthly && requested-availableMonthly > availableBonus {
		return 0, 0, fmt.Errorf("%w: requested %d, available %d monthly and %d bonus", ErrInsufficientCredits, requested, availableMonthly, availableBonus)
	}
	monthly := requested
	if monthly > availableMonthly {
		monthly = availableMonthly
	}
	return monthly, requested - monthly, nil
}

// TierAllowance is the monthly grant for one tier.
type TierAllowance struct {
	Credits   Credits
	Unmetered bool
}

// TierAllowances maps every tier to its allowance.
type TierAllowances map[Tier]TierAllowance

// DefaultTierAllowances returns the stock plan table.
func DefaultTierAllowances() TierAllowances {
	return TierAllowances{
		TierBasic:        {Credits: 5},
		TierStarter:      {Credits: 30},
		TierCreator:      {Credits: 100},
		TierProfessional: {Unmetered: true},
	}
}

// For returns the allowance for a tier.
func (allowances TierAllowances) For(tier Tier) (TierAllowance, error) {
	allowance, ok := allowances[tier]
	if !ok {
		return TierAllowance{}, fmt.Errorf("%w: no allowance for %q", ErrInvalidTier, tier)
	}
	return allowance, nil
}

func (allowances TierAllowances) validate() error {
	for _, tier := range []Tier{TierBasic, TierStarter, TierCreator, TierProfessional} {
		allowance, ok := allowances[tier]
		if !ok {
			return fmt.Errorf("%w: tier %q has no allowance", ErrInvalidServiceConfig, tier)
		}
		if allowance.Credits < 0 {
			return fmt.Errorf("%w: tier %q allowance is negative", ErrInvalidServiceConfig, tier)
		}
	}
	return nil
}
