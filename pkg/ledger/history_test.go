package ledger

import (
	"testing"
	"time"
)

func historyEntry(test *testing.T, requestID string, entryType EntryType, amount int64, at time.Time) Entry {
	test.Helper()
	return Entry{
		RequestID: mustRequestID(test, requestID),
		Type:      entryType,
		Amount:    amount,
		Context:   NoContext(),
		CreatedAt: at,
	}
}

func TestFoldHistory(test *testing.T) {
	test.Parallel()
	at := func(minutes int) time.Time { return testEpoch.Add(time.Duration(minutes) * time.Minute) }
	entries := []Entry{
		historyEntry(test, "refunded", EntryRefund, 5, at(9)),
		historyEntry(test, "granted", EntryPurchase, 20, at(8)),
		historyEntry(test, "adjusted", EntryAdjustment, -3, at(7)),
		historyEntry(test, "refunded", EntryUsage, -5, at(6)),
		historyEntry(test, "refunded", EntryReservation, -5, at(5)),
		historyEntry(test, "direct", EntryUsage, -2, at(4)),
		historyEntry(test, "cycle:u:1", EntrySubscriptionGrant, 30, at(1)),
	}

	items := FoldHistory(entries)
	want := []struct {
		request   string
		itemType  EntryType
		state     HistoryState
		amount    int64
		createdAt time.Time
		settled   bool
	}{
		{"refunded", EntryReservation, HistoryRefunded, 0, at(5), true},
		{"granted", EntryPurchase, HistoryGranted, 20, at(8), false},
		{"adjusted", EntryAdjustment, HistoryAdjusted, -3, at(7), false},
		{"direct", EntryUsage, HistoryCharged, -2, at(4), true},
		{"cycle:u:1", EntrySubscriptionGrant, HistoryGranted, 30, at(1), false},
	}
	if len(items) != len(want) {
		test.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for index, expected := range want {
		item := items[index]
		if item.RequestID.String() != expected.request || item.Type != expected.itemType || item.State != expected.state || item.Amount != expected.amount {
			test.Fatalf("item %d: expected %+v, got %+v", index, expected, item)
		}
		if !item.CreatedAt.Equal(expected.createdAt) {
			test.Fatalf("item %d: expected created %s, got %s", index, expected.createdAt, item.CreatedAt)
		}
		if expected.settled == item.SettledAt.IsZero() {
			test.Fatalf("item %d: unexpected settled time %s", index, item.SettledAt)
		}
	}
}

func TestFoldHistoryPartialRefund(test *testing.T) {
	test.Parallel()
	items := FoldHistory([]Entry{
		historyEntry(test, "partial", EntryReservation, -12, testEpoch),
		historyEntry(test, "partial", EntryUsage, -12, testEpoch.Add(time.Minute)),
		historyEntry(test, "partial", EntryRefund, 2, testEpoch.Add(time.Hour)),
	})
	if len(items) != 1 || items[0].State != HistoryRefunded || items[0].Amount != -10 {
		test.Fatalf("expected net charge of 10 after partial refund, got %+v", items)
	}
}

func TestFoldHistoryEmpty(test *testing.T) {
	test.Parallel()
	if items := FoldHistory(nil); len(items) != 0 {
		test.Fatalf("expected no items, got %d", len(items))
	}
}
