package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table. Timestamps are owned by
// the service clock, so GORM's automatic time tracking is disabled.
type CreditBalance struct {
	UserID           string    `gorm:"primaryKey"`
	Tier             string    `gorm:"not null"`
	CycleSource      string    `gorm:"not null"`
	CycleAnchor      time.Time `gorm:"not null"`
	CycleStart       time.Time `gorm:"not null"`
	CycleEnd         time.Time `gorm:"not null"`
	MonthlyAllowance int64     `gorm:"not null"`
	MonthlyUsed      int64     `gorm:"not null"`
	BonusTotal       int64     `gorm:"not null"`
	BonusUsed        int64     `gorm:"not null"`
	ReservedMonthly  int64     `gorm:"not null"`
	ReservedBonus    int64     `gorm:"not null"`
	Unmetered        bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// BalanceProjection mirrors the balance_projections table read by the UI.
type BalanceProjection struct {
	UserID           string    `gorm:"primaryKey"`
	Available        int64     `gorm:"not null"`
	MonthlyAvailable int64     `gorm:"not null"`
	BonusAvailable   int64     `gorm:"not null"`
	Unmetered        bool      `gorm:"not null"`
	CycleEnd         time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (BalanceProjection) TableName() string { return "balance_projections" }

// CreditReservation mirrors the credit_reservations table.
type CreditReservation struct {
	RequestID     string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index:idx_credit_reservations_user"`
	Amount        int64          `gorm:"not null"`
	MonthlyAmount int64          `gorm:"not null"`
	BonusAmount   int64          `gorm:"not null"`
	Status        string         `gorm:"not null;index:idx_credit_reservations_status"`
	Feature       string         `gorm:"not null;default:''"`
	Context       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

// CreditTransaction mirrors the append-only credit_transactions table. ID
// orders entries written within the same second.
type CreditTransaction struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement"`
	EntryID             string         `gorm:"type:uuid;not null;uniqueIndex:credit_transactions_entry_id_key"`
	UserID              string         `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	RequestID           string         `gorm:"not null;index:idx_credit_transactions_request"`
	ParentEntryID       *string        `gorm:"type:uuid"`
	Type                string         `gorm:"not null"`
	Amount              int64          `gorm:"not null"`
	MonthlyAmount       int64          `gorm:"not null"`
	BonusAmount         int64          `gorm:"not null"`
	MonthlyBalanceAfter int64          `gorm:"not null"`
	BonusBalanceAfter   int64          `gorm:"not null"`
	Context             datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt           time.Time      `gorm:"not null;autoCreateTime:false;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.EntryID == "" {
		transaction.EntryID = uuid.NewString()
	}
	return nil
}

// GenerationAttempt mirrors the generation_attempts table written from job
// events. The sweeper joins it against reservations.
type GenerationAttempt struct {
	RequestID string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_generation_attempts_user"`
	Status    string    `gorm:"not null"`
	Error     string    `gorm:"not null;default:''"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false;index:idx_generation_attempts_updated"`
}

func (GenerationAttempt) TableName() string { return "generation_attempts" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&CreditBalance{},
		&BalanceProjection{},
		&CreditReservation{},
		&CreditTransaction{},
		&GenerationAttempt{},
	}
}
