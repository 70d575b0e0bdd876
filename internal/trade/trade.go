// Package trade holds the off-chain trade record and its stores.
//
// A trade pairs a seller's escrowed crypto with a buyer's out-of-band fiat
// payment. The record here is advisory: the escrow contract is the source
// of truth for funds, and the orchestrator overrides the stored status with
// the on-chain one whenever it can be resolved.
package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tradewell/escrowd/internal/amount"
	"github.com/tradewell/escrowd/internal/idgen"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrTradeExists     = errors.New("trade already exists")
	ErrTradeKeyChanged = errors.New("trade key is immutable")
	ErrInvalidAmount   = errors.New("invalid amount")
)

// Status represents the off-chain state of a trade.
type Status string

const (
	StatusPending    Status = "pending"     // Offer taken, awaiting seller funding
	StatusFunded     Status = "funded"      // Seller locked principal, fees, and bond
	StatusInProgress Status = "in_progress" // Buyer confirmed fiat payment, bond locked
	StatusDisputed   Status = "disputed"    // A party escalated, arbiter decides
	StatusCompleted  Status = "completed"   // Seller released, funds settled
	StatusCancelled  Status = "cancelled"   // Cancelled or refunded
	StatusUnknown    Status = "unknown"     // On-chain code outside the known range
)

// IsTerminal returns true if the trade is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trade is the off-chain record of one escrowed exchange.
type Trade struct {
	ID          string `json:"id"`
	TradeKey    string `json:"tradeKey"` // 32-byte hex key correlating with the contract
	ChainID     int64  `json:"chainId"`
	TokenSymbol string `json:"tokenSymbol"`
	SellerAddr  string `json:"sellerAddr"`
	BuyerAddr   string `json:"buyerAddr"`
	Amount      string `json:"amount"`

	Status          Status `json:"status"`
	TxHash          string `json:"txHash,omitempty"`
	PaymentEvidence string `json:"paymentEvidence,omitempty"`
	SellerSigned    bool   `json:"sellerSigned"`
	BuyerSigned     bool   `json:"buyerSigned"`

	TakenAt     *time.Time `json:"takenAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Party reports whether addr is the seller or buyer on this trade.
func (t *Trade) Party(addr string) (seller, buyer bool) {
	a := strings.ToLower(addr)
	return t.SellerAddr == a, t.BuyerAddr == a
}

// Store persists trade records.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	GetByKey(ctx context.Context, tradeKey string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Trade, error)
	ListPage(ctx context.Context, f ListFilter, limit int) ([]*Trade, error)
	ListOpen(ctx context.Context, limit int) ([]*Trade, error)
}

// ListFilter narrows a paginated listing. Zero values mean no filter.
// CursorCreatedAt/CursorID position the page after a previous result.
type ListFilter struct {
	Party           string
	Status          Status
	ChainID         int64
	CursorCreatedAt *time.Time
	CursorID        string
}

// CreateRequest contains the parameters for recording a taken offer.
type CreateRequest struct {
	SellerAddr  string `json:"sellerAddr" binding:"required"`
	BuyerAddr   string `json:"buyerAddr" binding:"required"`
	TokenSymbol string `json:"tokenSymbol" binding:"required"`
	ChainID     int64  `json:"chainId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	TradeKey    string `json:"tradeKey"` // Generated when omitted
}

// New builds a trade record from a create request. The taken timestamp is
// set to now so funding deadlines anchor correctly even before the first
// on-chain read.
func New(req CreateRequest) (*Trade, error) {
	if strings.EqualFold(req.SellerAddr, req.BuyerAddr) {
		return nil, errors.New("seller and buyer cannot be the same address")
	}
	if _, ok := amount.Parse(req.Amount); !ok {
		return nil, ErrInvalidAmount
	}

	key := req.TradeKey
	if key == "" {
		key = idgen.TradeKey()
	}

	now := time.Now().UTC()
	taken := now
	return &Trade{
		ID:          idgen.WithPrefix("trd_"),
		TradeKey:    strings.ToLower(key),
		ChainID:     req.ChainID,
		TokenSymbol: strings.ToUpper(req.TokenSymbol),
		SellerAddr:  strings.ToLower(req.SellerAddr),
		BuyerAddr:   strings.ToLower(req.BuyerAddr),
		Amount:      req.Amount,
		Status:      StatusPending,
		TakenAt:     &taken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
