// Package reputation derives per-party trade statistics. Stats are a plain
// tally of lifecycle outcomes; they carry no score or ranking of their own
// and exist so counterparties can see a track record before taking a trade.
package reputation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tradewell/escrowd/internal/trade"
)

// Stats is one party's aggregated trade history.
type Stats struct {
	Address        string     `json:"address"`
	TradesTotal    int        `json:"tradesTotal"`
	Completed      int        `json:"completed"`
	Disputed       int        `json:"disputed"`
	Cancelled      int        `json:"cancelled"`
	Open           int        `json:"open"`
	CompletionRate float64    `json:"completionRate"`
	AsSeller       int        `json:"asSeller"`
	AsBuyer        int        `json:"asBuyer"`
	LastTradeAt    *time.Time `json:"lastTradeAt,omitempty"`
	ComputedAt     time.Time  `json:"computedAt"`
}

// maxHistory bounds how much history one recompute reads.
const maxHistory = 1000

// Service computes and caches party stats. Recomputes are triggered after
// settled trades; reads serve the cache and fall back to a fresh compute.
type Service struct {
	store  trade.Store
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]Stats
}

// NewService creates a reputation service over the trade store.
func NewService(store trade.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		cache:  make(map[string]Stats),
	}
}

// Get returns the cached stats for a party, computing them on a miss.
func (s *Service) Get(ctx context.Context, addr string) (Stats, error) {
	key := strings.ToLower(addr)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return s.Recompute(ctx, addr)
}

// Recompute rebuilds one party's stats from the trade store and caches the
// result.
func (s *Service) Recompute(ctx context.Context, addr string) (Stats, error) {
	key := strings.ToLower(addr)

	trades, err := s.store.ListByParty(ctx, key, maxHistory)
	if err != nil {
		return Stats{}, err
	}

	stats := tally(key, trades)

	s.mu.Lock()
	s.cache[key] = stats
	s.mu.Unlock()

	s.logger.Debug("recomputed party stats",
		"party", key, "trades", stats.TradesTotal, "completed", stats.Completed)
	return stats, nil
}

func tally(addr string, trades []*trade.Trade) Stats {
	stats := Stats{
		Address:    addr,
		ComputedAt: time.Now().UTC(),
	}

	for _, t := range trades {
		stats.TradesTotal++

		seller, buyer := t.Party(addr)
		if seller {
			stats.AsSeller++
		}
		if buyer {
			stats.AsBuyer++
		}

		switch t.Status {
		case trade.StatusCompleted:
			stats.Completed++
		case trade.StatusDisputed:
			stats.Disputed++
		case trade.StatusCancelled:
			stats.Cancelled++
		default:
			stats.Open++
		}

		if stats.LastTradeAt == nil || t.UpdatedAt.After(*stats.LastTradeAt) {
			ts := t.UpdatedAt
			stats.LastTradeAt = &ts
		}
	}

	// Rate over settled trades only; open trades say nothing yet.
	settled := stats.Completed + stats.Disputed + stats.Cancelled
	if settled > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(settled)
	}
	return stats
}
