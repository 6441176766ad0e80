package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntryContextVersion is the schema version written by this package.
const EntryContextVersion = 1

// ContextKind tags which payload an EntryContext carries.
type ContextKind string

const (
	ContextNone         ContextKind = "none"
	ContextGeneration   ContextKind = "generation"
	ContextCycle        ContextKind = "cycle"
	ContextPurchase     ContextKind = "purchase"
	ContextAdjustment   ContextKind = "adjustment"
	ContextCompensation ContextKind = "compensation"
)

// CompensationSource names who asked for a release or refund.
type CompensationSource string

const (
	CompensationSourceCaller  CompensationSource = "caller"
	CompensationSourceSweeper CompensationSource = "sweeper"
	CompensationSourceEvent   CompensationSource = "event"
)

// EntryContext is the versioned side payload attached to reservations and
// log entries. Exactly one payload matching Kind is set.
type EntryContext struct {
	Version      int                  `json:"v"`
	Kind         ContextKind          `json:"kind"`
	Generation   *GenerationContext   `json:"generation,omitempty"`
	Cycle        *CycleContext        `json:"cycle,omitempty"`
	Purchase     *PurchaseContext     `json:"purchase,omitempty"`
	Adjustment   *AdjustmentContext   `json:"adjustment,omitempty"`
	Compensation *CompensationContext `json:"compensation,omitempty"`
}

// GenerationContext describes the billable job behind a reservation.
type GenerationContext struct {
	StoryID string `json:"story_id,omitempty"`
	SceneID string `json:"scene_id,omitempty"`
	Model   string `json:"model,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// CycleContext describes the window a subscription grant opened.
type CycleContext struct {
	Tier        Tier        `json:"tier"`
	CycleSource CycleSource `json:"cycle_source"`
	CycleStart  time.Time   `json:"cycle_start"`
	CycleEnd    time.Time   `json:"cycle_end"`
}

// PurchaseContext describes a bonus or purchased credit grant.
type PurchaseContext struct {
	Reference string `json:"reference,omitempty"`
	Note      string `json:"note,omitempty"`
}

// AdjustmentContext describes a manual correction.
type AdjustmentContext struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// CompensationContext describes why a hold or spend was returned.
type CompensationContext struct {
	Reason       string             `json:"reason,omitempty"`
	Source       CompensationSource `json:"source"`
	AttemptError string             `json:"attempt_error,omitempty"`
	// CarriedToBonus is monthly usage from an earlier window that was
	// returned to the bonus pool.
	CarriedToBonus Credits `json:"carried_to_bonus,omitempty"`
}

// NoContext returns the empty context.
func NoContext() EntryContext {
	return EntryContext{Version: EntryContextVersion, Kind: ContextNone}
}

// NewGenerationContext wraps a generation payload.
func NewGenerationContext(generation GenerationContext) EntryContext {
	return EntryContext{Version: EntryContextVersion, Kind: ContextGeneration, Generation: &generation}
}

// NewCycleContext wraps a cycle payload.
func NewCycleContext(cycle CycleContext) EntryContext {
	return EntryContext{Version: EntryContextVersion, Kind: ContextCycle, Cycle: &cycle}
}

// NewPurchaseContext wraps a purchase payload.
func NewPurchaseContext(purchase PurchaseContext) EntryContext {
	return EntryContext{Version: EntryContextVersion, Kind: ContextPurchase, Purchase: &purchase}
}

// NewAdjustmentContext wraps an adjustment payload.
func NewAdjustmentContext(adjustment AdjustmentContext) (EntryContext, error) {
	if strings.TrimSpace(adjustment.Reason) == "" {
		return EntryContext{}, fmt.Errorf("%w: adjustment reason is required", ErrInvalidContext)
	}
	return EntryContext{Version: EntryContextVersion, Kind: ContextAdjustment, Adjustment: &adjustment}, nil
}

// NewCompensationContext wraps a compensation payload.
func NewCompensationContext(compensation CompensationContext) EntryContext {
	if compensation.Source == "" {
		compensation.Source = CompensationSourceCaller
	}
	return EntryContext{Version: EntryContextVersion, Kind: ContextCompensation, Compensation: &compensation}
}

// Validate checks the tag against the populated payload.
func (entryContext EntryContext) Validate() error {
	if entryContext.Version != EntryContextVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidContext, entryContext.Version)
	}
	populated := 0
	for _, present := range []bool{
		entryContext.Generation != nil,
		entryContext.Cycle != nil,
		entryContext.Purchase != nil,
		entryContext.Adjustment != nil,
		entryContext.Compensation != nil,
	} {
		if present {
			populated++
		}
	}
	var matches bool
	switch entryContext.Kind {
	case ContextNone:
		matches = populated == 0
	case ContextGeneration:
		matches = populated == 1 && entryContext.Generation != nil
	case ContextCycle:
		matches = populated == 1 && entryContext.Cycle != nil
	case ContextPurchase:
		matches = populated == 1 && entryContext.Purchase != nil
	case ContextAdjustment:
		matches = populated == 1 && entryContext.Adjustment != nil
	case ContextCompensation:
		matches = populated == 1 && entryContext.Compensation != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContext, entryContext.Kind)
	}
	if !matches {
		return fmt.Errorf("%w: payload does not match kind %q", ErrInvalidContext, entryContext.Kind)
	}
	return nil
}

// IsZero reports whether the context was never initialized.
func (entryContext EntryContext) IsZero() bool {
	return entryContext.Version == 0 && entryContext.Kind == ""
}

// MarshalContext encodes a context for storage.
func MarshalContext(entryContext EntryContext) ([]byte, error) {
	if entryContext.IsZero() {
		entryContext = NoContext()
	}
	if err := entryContext.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(entryContext)
}

// ParseContext decodes a stored context. Empty input and the legacy empty
// object decode to NoContext.
func ParseContext(raw []byte) (EntryContext, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null")) {
		return NoContext(), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var entryContext EntryContext
	if err := decoder.Decode(&entryContext); err != nil {
		return EntryContext{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if err := entryContext.Validate(); err != nil {
		return EntryContext{}, err
	}
	return entryContext, nil
}

func contextOrNone(entryContext EntryContext) EntryContext {
	if entryContext.IsZero() {
		return NoContext()
	}
	return entryContext
}
