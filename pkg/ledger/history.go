package ledger

import "time"

// HistoryState is the folded status of one request chain.
type HistoryState string

const (
	HistoryPending  HistoryState = "pending"
	HistoryCharged  HistoryState = "charged"
	HistoryReleased HistoryState = "released"
	HistoryRefunded HistoryState = "refunded"
	HistoryGranted  HistoryState = "granted"
	HistoryAdjusted HistoryState = "adjusted"
)

// HistoryCursor is a keyset position in a user's history. Entries sharing
// a second are ordered by Sequence.
type HistoryCursor struct {
	CreatedAt time.Time
	Sequence  int64
}

// IsZero reports whether the cursor points at the newest end.
func (cursor HistoryCursor) IsZero() bool {
	return cursor.CreatedAt.IsZero() && cursor.Sequence == 0
}

// OlderThan reports whether cursor sorts strictly before other.
func (cursor HistoryCursor) OlderThan(other HistoryCursor) bool {
	if cursor.CreatedAt.Equal(other.CreatedAt) {
		return cursor.Sequence < other.Sequence
	}
	return cursor.CreatedAt.Before(other.CreatedAt)
}

// HistoryItem is one user-facing row. Amount is the net effect of the whole
// chain, so a hold followed by its release shows as zero instead of a
// charge plus a credit.
type HistoryItem struct {
	RequestID     RequestID
	Type          EntryType
	State         HistoryState
	Amount        int64
	MonthlyAmount Credits
	BonusAmount   Credits
	Context       EntryContext
	CreatedAt     time.Time
	SettledAt     time.Time
	// Cursor is the position of the request's first entry; pass it as
	// before to read the next page.
	Cursor HistoryCursor
}

// FoldHistory collapses entries into one item per request, keeping the
// order in which requests first appear in entries.
func FoldHistory(entries []Entry) []HistoryItem {
	order := make([]RequestID, 0, len(entries))
	chains := make(map[RequestID][]Entry, len(entries))
	for _, entry := range entries {
		if _, seen := chains[entry.RequestID]; !seen {
			order = append(order, entry.RequestID)
		}
		chains[entry.RequestID] = append(chains[entry.RequestID], entry)
	}
	items := make([]HistoryItem, 0, len(order))
	for _, requestID := range order {
		items = append(items, foldChain(chains[requestID]))
	}
	return items
}

func foldChain(chain []Entry) HistoryItem {
	var (
		origin          Entry
		hasOrigin       bool
		hold            int64
		usage           int64
		refund          int64
		granted         int64
		adjusted        int64
		hasReservation  bool
		hasRelease      bool
		hasRefund       bool
		hasAdjustment   bool
		first, lastSeen time.Time
	)
	for _, entry := range chain {
		if first.IsZero() || entry.CreatedAt.Before(first) {
			first = entry.CreatedAt
		}
		if entry.CreatedAt.After(lastSeen) {
			lastSeen = entry.CreatedAt
		}
		switch entry.Type {
		case EntryReservation:
			hasReservation = true
			hold += -entry.Amount
			origin, hasOrigin = entry, true
		case EntryUsage:
			usage += -entry.Amount
			if !hasReservation && !hasOrigin {
				origin, hasOrigin = entry, true
			}
		case EntryRelease:
			hasRelease = true
		case EntryRefund:
			hasRefund = true
			refund += entry.Amount
		case EntryAdjustment:
			hasAdjustment = true
			adjusted += entry.Amount
		default:
			granted += entry.Amount
		}
	}
	if !hasOrigin {
		origin = chain[0]
	}
	item := HistoryItem{
		RequestID:     origin.RequestID,
		Type:          origin.Type,
		MonthlyAmount: origin.MonthlyAmount,
		BonusAmount:   origin.BonusAmount,
		Context:       origin.Context,
		CreatedAt:     first,
	}
	switch {
	case hasRefund:
		item.State = HistoryRefunded
		item.Amount = refund - usage
		item.SettledAt = lastSeen
	case hasRelease:
		item.State = HistoryReleased
		item.SettledAt = lastSeen
	case usage > 0:
		item.State = HistoryCharged
		item.Amount = -usage
		item.SettledAt = lastSeen
	case hasReservation:
		item.State = HistoryPending
		item.Amount = -hold
	case hasAdjustment:
		item.State = HistoryAdjusted
		item.Amount = adjusted
	default:
		item.State = HistoryGranted
		item.Amount = granted
	}
	return item
}
