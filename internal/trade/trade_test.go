package trade

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	sellerAddr = "0x1111111111111111111111111111111111111111"
	buyerAddr  = "0x2222222222222222222222222222222222222222"
)

func newTestTrade(t *testing.T) *Trade {
	t.Helper()
	tr, err := New(CreateRequest{
		SellerAddr:  sellerAddr,
		BuyerAddr:   buyerAddr,
		TokenSymbol: "usdc",
		ChainID:     84532,
		Amount:      "100",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestNewTrade(t *testing.T) {
	tr := newTestTrade(t)

	if !strings.HasPrefix(tr.ID, "trd_") {
		t.Errorf("ID = %q, want trd_ prefix", tr.ID)
	}
	if !strings.HasPrefix(tr.TradeKey, "0x") || len(tr.TradeKey) != 66 {
		t.Errorf("TradeKey = %q, want 0x + 64 hex chars", tr.TradeKey)
	}
	if tr.Status != StatusPending {
		t.Errorf("Status = %q, want pending", tr.Status)
	}
	if tr.TokenSymbol != "USDC" {
		t.Errorf("TokenSymbol = %q, want upper-cased", tr.TokenSymbol)
	}
	if tr.TakenAt == nil {
		t.Error("TakenAt not set")
	}
}

func TestNewTradeRejectsSelfDeal(t *testing.T) {
	// Mixed-case same address must still be rejected.
	_, err := New(CreateRequest{
		SellerAddr:  sellerAddr,
		BuyerAddr:   "0x" + strings.ToUpper(sellerAddr[2:]),
		TokenSymbol: "USDC",
		ChainID:     84532,
		Amount:      "100",
	})
	if err == nil {
		t.Error("expected error for identical addresses")
	}
}

func TestNewTradeRejectsBadAmount(t *testing.T) {
	_, err := New(CreateRequest{
		SellerAddr:  sellerAddr,
		BuyerAddr:   buyerAddr,
		TokenSymbol: "USDC",
		ChainID:     84532,
		Amount:      "1.2.3",
	})
	if err != ErrInvalidAmount {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []Status{StatusPending, StatusFunded, StatusInProgress, StatusDisputed, StatusUnknown}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := newTestTrade(t)

	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TradeKey != tr.TradeKey {
		t.Errorf("TradeKey = %q, want %q", got.TradeKey, tr.TradeKey)
	}

	byKey, err := store.GetByKey(ctx, tr.TradeKey)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if byKey.ID != tr.ID {
		t.Errorf("GetByKey returned %q, want %q", byKey.ID, tr.ID)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := newTestTrade(t)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, tr.ID)
	got.Status = StatusCompleted

	again, _ := store.Get(ctx, tr.ID)
	if again.Status != StatusPending {
		t.Error("mutation of returned copy leaked into store")
	}
}

func TestMemoryStoreTradeKeyImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tr := newTestTrade(t)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr.TradeKey = "0x" + strings.Repeat("ff", 32)
	if err := store.Update(ctx, tr); err != ErrTradeKeyChanged {
		t.Errorf("Update with changed key = %v, want ErrTradeKeyChanged", err)
	}
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	tr := newTestTrade(t)
	if err := store.Update(context.Background(), tr); err != ErrTradeNotFound {
		t.Errorf("err = %v, want ErrTradeNotFound", err)
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := newTestTrade(t)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Create(ctx, tr); !errors.Is(err, ErrTradeExists) {
		t.Errorf("duplicate id: err = %v, want ErrTradeExists", err)
	}

	sameKey := newTestTrade(t)
	sameKey.TradeKey = tr.TradeKey
	if err := store.Create(ctx, sameKey); !errors.Is(err, ErrTradeExists) {
		t.Errorf("duplicate trade key: err = %v, want ErrTradeExists", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TradeKey != tr.TradeKey {
		t.Error("duplicate create must not overwrite the stored record")
	}
}

func TestMemoryStoreListByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr := newTestTrade(t)
		tr.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other := newTestTrade(t)
	other.SellerAddr = "0x3333333333333333333333333333333333333333"
	other.BuyerAddr = "0x4444444444444444444444444444444444444444"
	_ = store.Create(ctx, other)

	got, err := store.ListByParty(ctx, sellerAddr, 10)
	if err != nil {
		t.Fatalf("ListByParty: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d trades, want 3", len(got))
	}
}

func TestMemoryStoreListPageCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		tr := newTestTrade(t)
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = store.Create(ctx, tr)
	}

	first, err := store.ListPage(ctx, ListFilter{}, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d trades, want 2", len(first))
	}
	// Newest first.
	if !first[0].CreatedAt.After(first[1].CreatedAt) {
		t.Error("page not in descending order")
	}

	last := first[len(first)-1]
	second, err := store.ListPage(ctx, ListFilter{
		CursorCreatedAt: &last.CreatedAt,
		CursorID:        last.ID,
	}, 10)
	if err != nil {
		t.Fatalf("ListPage page 2: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("got %d trades after cursor, want 3", len(second))
	}
	for _, tr := range second {
		if tr.ID == first[0].ID || tr.ID == first[1].ID {
			t.Error("cursor page repeated an earlier entry")
		}
	}
}

func TestMemoryStoreListPageFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	funded := newTestTrade(t)
	funded.Status = StatusFunded
	_ = store.Create(ctx, funded)

	pending := newTestTrade(t)
	_ = store.Create(ctx, pending)

	got, err := store.ListPage(ctx, ListFilter{Status: StatusFunded}, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(got) != 1 || got[0].ID != funded.ID {
		t.Errorf("status filter returned %d trades", len(got))
	}
}

func TestMemoryStoreListOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	open := newTestTrade(t)
	_ = store.Create(ctx, open)

	done := newTestTrade(t)
	done.Status = StatusCompleted
	_ = store.Create(ctx, done)

	got, err := store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("ListOpen returned %d trades", len(got))
	}
}

func TestParty(t *testing.T) {
	tr := newTestTrade(t)

	seller, buyer := tr.Party(strings.ToUpper(sellerAddr))
	if !seller || buyer {
		t.Errorf("Party(seller) = %v, %v", seller, buyer)
	}
	seller, buyer = tr.Party(buyerAddr)
	if seller || !buyer {
		t.Errorf("Party(buyer) = %v, %v", seller, buyer)
	}
	seller, buyer = tr.Party("0x9999999999999999999999999999999999999999")
	if seller || buyer {
		t.Errorf("Party(stranger) = %v, %v", seller, buyer)
	}
}
