package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	l, err := OpenLedger(dbPath)
	if err != nil {
		t.Fatalf("OpenLedger(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RecordAndSummary(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, RequestID: "r1", Phone: "5511", Model: "full", Tier: "full",
			InputTokens: 2000, OutputTokens: 1000, CacheReadTokens: 500, CostUSD: 0.021},
		{Timestamp: now, RequestID: "r2", Phone: "5511", Model: "light", Tier: "light",
			InputTokens: 100, OutputTokens: 50, CostUSD: 0.001},
		{Timestamp: now, RequestID: "r3", Phone: "5522", Model: "full", Tier: "full",
			InputTokens: 1000, OutputTokens: 0, CacheCreationTokens: 800, CostUSD: 0.003},
		// Outside the window.
		{Timestamp: now.Add(-48 * time.Hour), RequestID: "old", Phone: "5511", Model: "full",
			InputTokens: 9999, CostUSD: 9},
	}
	for _, rec := range recs {
		if err := l.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	sum, err := l.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 || sum.TotalInputTokens != 3100 || sum.TotalOutputTokens != 1050 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.TotalCacheReadTokens != 500 || sum.TotalCacheCreateTokens != 800 {
		t.Errorf("cache totals = %d/%d", sum.TotalCacheReadTokens, sum.TotalCacheCreateTokens)
	}

	byModel, err := l.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["full"].TotalRecords != 2 || byModel["light"].TotalRecords != 1 {
		t.Errorf("by model = %+v", byModel)
	}

	byPhone, err := l.SummaryByPhone(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByPhone: %v", err)
	}
	if byPhone["5511"].TotalInputTokens != 2100 {
		t.Errorf("by phone = %+v", byPhone["5511"])
	}
}

func TestLedger_GeneratesIDs(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for range 2 {
		if err := l.Record(ctx, Record{RequestID: "r", Phone: "p", Model: "m"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	sum, err := l.Summary(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2 distinct records", sum.TotalRecords)
	}
}

func TestLedger_EmptySummary(t *testing.T) {
	l := testLedger(t)
	sum, err := l.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
}
