//go:build integration

package trade

import (
	"context"
	"errors"
	"testing"

	"github.com/tradewell/escrowd/internal/idgen"
	"github.com/tradewell/escrowd/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgTrade(t *testing.T, seller, buyer string) *Trade {
	t.Helper()
	rec, err := New(CreateRequest{
		SellerAddr:  seller,
		BuyerAddr:   buyer,
		TokenSymbol: "USDC",
		ChainID:     84532,
		Amount:      "25",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return rec
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	rec := pgTrade(t,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TradeKey != rec.TradeKey || got.Status != StatusPending {
		t.Errorf("round trip mismatch: %+v", got)
	}

	byKey, err := store.GetByKey(ctx, rec.TradeKey)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if byKey.ID != rec.ID {
		t.Errorf("expected %s, got %s", rec.ID, byKey.ID)
	}
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	rec := pgTrade(t,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Create(ctx, rec); !errors.Is(err, ErrTradeExists) {
		t.Errorf("duplicate id: err = %v, want ErrTradeExists", err)
	}

	sameKey := pgTrade(t,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	sameKey.TradeKey = rec.TradeKey
	if err := store.Create(ctx, sameKey); !errors.Is(err, ErrTradeExists) {
		t.Errorf("duplicate trade key: err = %v, want ErrTradeExists", err)
	}
}

func TestPostgresStore_UpdateRejectsKeyChange(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	rec := pgTrade(t,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec.TradeKey = idgen.TradeKey()
	if err := store.Update(ctx, rec); !errors.Is(err, ErrTradeKeyChanged) {
		t.Errorf("expected ErrTradeKeyChanged, got %v", err)
	}
}

func TestPostgresStore_ListPageCursor(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := pgTrade(t,
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222")
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	first, err := store.ListPage(ctx, ListFilter{}, 3)
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3, got %d", len(first))
	}

	last := first[len(first)-1]
	second, err := store.ListPage(ctx, ListFilter{
		CursorCreatedAt: &last.CreatedAt,
		CursorID:        last.ID,
	}, 3)
	if err != nil {
		t.Fatalf("ListPage page 2 failed: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 on second page, got %d", len(second))
	}

	seen := map[string]bool{}
	for _, rec := range append(first, second...) {
		if seen[rec.ID] {
			t.Errorf("trade %s repeated across pages", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestPostgresStore_ListOpenExcludesTerminal(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	open := pgTrade(t,
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222")
	if err := store.Create(ctx, open); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done := pgTrade(t,
		"0x3333333333333333333333333333333333333333",
		"0x4444444444444444444444444444444444444444")
	done.Status = StatusCompleted
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	trades, err := store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	for _, rec := range trades {
		if rec.Status.IsTerminal() {
			t.Errorf("terminal trade %s returned by ListOpen", rec.ID)
		}
	}
	if len(trades) != 1 {
		t.Errorf("expected 1 open trade, got %d", len(trades))
	}
}
