package trade

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradewell/escrowd/internal/pagination"
	"github.com/tradewell/escrowd/internal/validation"
)

// EvidenceVerifier checks a payment-evidence reference against the payment
// provider. Verification is advisory: a failure annotates the response but
// never blocks attaching the evidence.
type EvidenceVerifier interface {
	Verify(ctx context.Context, reference string) (verified bool, detail string)
}

// Handler provides HTTP endpoints for trade records.
type Handler struct {
	store    Store
	verifier EvidenceVerifier
}

// NewHandler creates a new trade handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithEvidenceVerifier adds advisory payment-evidence verification.
func (h *Handler) WithEvidenceVerifier(v EvidenceVerifier) *Handler {
	h.verifier = v
	return h
}

// RegisterRoutes sets up trade record routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/evidence", h.AttachEvidence)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller_addr", req.SellerAddr),
		validation.ValidAddress("buyer_addr", req.BuyerAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := New(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrTradeExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "trade_exists",
				"message": "A trade with this key already exists",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "trade_failed",
			"message": "Failed to create trade",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Trade not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/trades with cursor pagination.
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	filter := ListFilter{
		Party:  c.Query("party"),
		Status: Status(c.Query("status")),
	}
	if chainID := c.Query("chainId"); chainID != "" {
		id, err := strconv.ParseInt(chainID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "chainId must be an integer",
			})
			return
		}
		filter.ChainID = id
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	if cursor != nil {
		filter.CursorCreatedAt = &cursor.CreatedAt
		filter.CursorID = cursor.ID
	}

	// Fetch one extra row to detect whether another page exists.
	trades, err := h.store.ListPage(c.Request.Context(), filter, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	trades, next, hasMore := pagination.ComputePage(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"trades":      trades,
		"count":       len(trades),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// EvidenceRequest contains the payment-evidence reference for a trade.
type EvidenceRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// AttachEvidence handles POST /v1/trades/:id/evidence
func (h *Handler) AttachEvidence(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Trade not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reference is required",
		})
		return
	}

	if t.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Trade already settled",
		})
		return
	}

	verified := false
	detail := ""
	if h.verifier != nil {
		verified, detail = h.verifier.Verify(c.Request.Context(), req.Reference)
	}

	t.PaymentEvidence = req.Reference
	t.UpdatedAt = time.Now().UTC()
	if err := h.store.Update(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"trade": t, "verified": verified}
	if detail != "" {
		resp["verification_detail"] = detail
	}
	c.JSON(http.StatusOK, resp)
}
