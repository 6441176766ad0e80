package rpcapi

import (
	"encoding/json"
	"time"
)

// Result is embedded in every response. A rejected call has OK false and a
// stable Reason; it is never reported as a transport error.
type Result struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Remaining is the spendable amount per pool after an operation.
type Remaining struct {
	RemainingMonthly int64 `json:"remaining_monthly"`
	RemainingBonus   int64 `json:"remaining_bonus"`
	Unmetered        bool  `json:"unmetered,omitempty"`
}

type ReserveRequest struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Amount    int64           `json:"amount"`
	Feature   string          `json:"feature"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type ReserveResponse struct {
	Result
	Remaining
	RequestID       string `json:"request_id,omitempty"`
	Status          string `json:"status,omitempty"`
	ReservedMonthly int64  `json:"reserved_monthly"`
	ReservedBonus   int64  `json:"reserved_bonus"`
}

// SettleRequest is shared by commit, release and refund. Reason is ignored
// by commit.
type SettleRequest struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type SettleResponse struct {
	Result
	Remaining
	RequestID       string `json:"request_id,omitempty"`
	Status          string `json:"status,omitempty"`
	RefundedMonthly int64  `json:"refunded_monthly"`
	RefundedBonus   int64  `json:"refunded_bonus"`
}

type ResetRequest struct {
	UserID string `json:"user_id"`
}

type ResetResponse struct {
	Result
	Remaining
	Advanced         bool      `json:"advanced"`
	CycleStart       time.Time `json:"cycle_start"`
	CycleEnd         time.Time `json:"cycle_end"`
	MonthlyAllowance int64     `json:"monthly_allowance"`
}

type ScanRequest struct {
	UserFilter      string `json:"user_filter,omitempty"`
	LookbackMinutes int64  `json:"lookback_minutes"`
	DryRun          bool   `json:"dry_run"`
	Limit           int    `json:"limit,omitempty"`
}

type ScanRow struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status,omitempty"`
	ActionTaken string `json:"action_taken"`
	Outcome     string `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ScanResponse struct {
	Result
	DryRun bool      `json:"dry_run"`
	Rows   []ScanRow `json:"rows"`
}

type ProvisionRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
}

type GrantRequest struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Amount    int64           `json:"amount"`
	Kind      string          `json:"kind"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type AdjustRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
}

type GrantResponse struct {
	Result
	Remaining
	RequestID  string `json:"request_id,omitempty"`
	BonusTotal int64  `json:"bonus_total"`
}

type SpendRequest struct {
	UserID    string          `json:"user_id"`
	RequestID string          `json:"request_id"`
	Amount    int64           `json:"amount"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type SpendResponse struct {
	Result
	Remaining
	RequestID    string `json:"request_id,omitempty"`
	SpentMonthly int64  `json:"spent_monthly"`
	SpentBonus   int64  `json:"spent_bonus"`
}

type SubscriptionRequest struct {
	UserID      string `json:"user_id"`
	Tier        string `json:"tier"`
	CycleSource string `json:"cycle_source"`
	// AnchorUnix is the billing anchor; zero keeps the current one.
	AnchorUnix int64 `json:"anchor_unix,omitempty"`
}

type BalanceRequest struct {
	UserID string `json:"user_id"`
}

// BalancePayload is the full balance row.
type BalancePayload struct {
	UserID           string    `json:"user_id"`
	Tier             string    `json:"tier"`
	CycleSource      string    `json:"cycle_source"`
	CycleStart       time.Time `json:"cycle_start"`
	CycleEnd         time.Time `json:"cycle_end"`
	MonthlyAllowance int64     `json:"monthly_allowance"`
	MonthlyUsed      int64     `json:"monthly_used"`
	BonusTotal       int64     `json:"bonus_total"`
	BonusUsed        int64     `json:"bonus_used"`
	ReservedMonthly  int64     `json:"reserved_monthly"`
	ReservedBonus    int64     `json:"reserved_bonus"`
	Unmetered        bool      `json:"unmetered"`
}

type BalanceResponse struct {
	Result
	Balance *BalancePayload `json:"balance,omitempty"`
}

// ProjectionPayload is the UI-facing balance value.
type ProjectionPayload struct {
	Available        int64     `json:"available"`
	MonthlyAvailable int64     `json:"monthly_available"`
	BonusAvailable   int64     `json:"bonus_available"`
	Unmetered        bool      `json:"unmetered"`
	CycleEnd         time.Time `json:"cycle_end"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type ProjectionResponse struct {
	Result
	Projection *ProjectionPayload `json:"projection,omitempty"`
}

// HistoryRequest pages through folded history. Before is the NextBefore
// of the previous page, empty for the newest page.
type HistoryRequest struct {
	UserID string `json:"user_id"`
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type HistoryItem struct {
	RequestID     string          `json:"request_id"`
	Type          string          `json:"type"`
	State         string          `json:"state"`
	Amount        int64           `json:"amount"`
	MonthlyAmount int64           `json:"monthly_amount"`
	BonusAmount   int64           `json:"bonus_amount"`
	Context       json.RawMessage `json:"context"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
	Cursor        string          `json:"cursor"`
}

type HistoryResponse struct {
	Result
	Items      []HistoryItem `json:"items"`
	NextBefore string        `json:"next_before,omitempty"`
}

type AttemptRequest struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type AttemptResponse struct {
	Result
	Row *ScanRow `json:"row,omitempty"`
}
