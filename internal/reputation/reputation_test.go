package reputation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradewell/escrowd/internal/trade"
)

const (
	statsSeller = "0x1111111111111111111111111111111111111111"
	statsBuyer  = "0x2222222222222222222222222222222222222222"
	statsOther  = "0x3333333333333333333333333333333333333333"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTrade(t *testing.T, store *trade.MemoryStore, seller, buyer string, status trade.Status) *trade.Trade {
	t.Helper()
	rec, err := trade.New(trade.CreateRequest{
		SellerAddr:  seller,
		BuyerAddr:   buyer,
		TokenSymbol: "USDC",
		ChainID:     84532,
		Amount:      "50",
	})
	if err != nil {
		t.Fatalf("New trade failed: %v", err)
	}
	rec.Status = status
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return rec
}

func TestRecompute_TalliesOutcomes(t *testing.T) {
	store := trade.NewMemoryStore()
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)
	seedTrade(t, store, statsSeller, statsOther, trade.StatusDisputed)
	seedTrade(t, store, statsOther, statsSeller, trade.StatusFunded)

	svc := NewService(store, testLogger())
	stats, err := svc.Recompute(context.Background(), statsSeller)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}

	if stats.TradesTotal != 4 {
		t.Errorf("expected 4 trades, got %d", stats.TradesTotal)
	}
	if stats.Completed != 2 || stats.Disputed != 1 || stats.Open != 1 {
		t.Errorf("unexpected tally: %+v", stats)
	}
	if stats.AsSeller != 3 || stats.AsBuyer != 1 {
		t.Errorf("unexpected role split: seller=%d buyer=%d", stats.AsSeller, stats.AsBuyer)
	}
	// 2 completed of 3 settled.
	if stats.CompletionRate < 0.66 || stats.CompletionRate > 0.67 {
		t.Errorf("expected completion rate ~0.667, got %f", stats.CompletionRate)
	}
	if stats.LastTradeAt == nil {
		t.Error("expected last trade timestamp")
	}
}

func TestRecompute_NoHistory(t *testing.T) {
	svc := NewService(trade.NewMemoryStore(), testLogger())

	stats, err := svc.Recompute(context.Background(), statsSeller)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if stats.TradesTotal != 0 || stats.CompletionRate != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestGet_ServesCacheUntilRecompute(t *testing.T) {
	store := trade.NewMemoryStore()
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)

	svc := NewService(store, testLogger())
	first, err := svc.Get(context.Background(), statsSeller)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// New settlement is invisible until the next recompute.
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)

	cached, err := svc.Get(context.Background(), statsSeller)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cached.TradesTotal != first.TradesTotal {
		t.Error("Get should serve the cached tally")
	}

	recomputed, err := svc.Recompute(context.Background(), statsSeller)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if recomputed.TradesTotal != 2 {
		t.Errorf("expected 2 after recompute, got %d", recomputed.TradesTotal)
	}
}

func TestGet_CaseInsensitiveAddress(t *testing.T) {
	store := trade.NewMemoryStore()
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)

	svc := NewService(store, testLogger())
	stats, err := svc.Get(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stats.TradesTotal != 1 {
		t.Errorf("expected 1 trade, got %d", stats.TradesTotal)
	}
}

func TestHandler_GetStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := trade.NewMemoryStore()
	seedTrade(t, store, statsSeller, statsBuyer, trade.StatusCompleted)

	router := gin.New()
	NewHandler(NewService(store, testLogger())).RegisterRoutes(router.Group("/v1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/parties/"+statsSeller+"/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetStats_BadAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(NewService(trade.NewMemoryStore(), testLogger())).RegisterRoutes(router.Group("/v1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/parties/not-an-address/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestTally_LastTradeTracksNewest(t *testing.T) {
	old := &trade.Trade{Status: trade.StatusCompleted, UpdatedAt: time.Now().Add(-time.Hour), SellerAddr: statsSeller}
	newer := &trade.Trade{Status: trade.StatusCompleted, UpdatedAt: time.Now(), SellerAddr: statsSeller}

	stats := tally(statsSeller, []*trade.Trade{old, newer})
	if stats.LastTradeAt == nil || !stats.LastTradeAt.Equal(newer.UpdatedAt) {
		t.Errorf("expected newest timestamp, got %v", stats.LastTradeAt)
	}
}
