package orchestrator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradewell/escrowd/internal/errclass"
	"github.com/tradewell/escrowd/internal/trade"
)

// Handler provides HTTP endpoints for escrow lifecycle operations.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new lifecycle handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up lifecycle routes under the trade resource.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/escrow", h.EscrowStatus)
	r.POST("/trades/:id/fund", h.Fund)
	r.POST("/trades/:id/confirm", h.ConfirmPayment)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/dispute", h.Dispute)
	r.POST("/trades/:id/resolve", h.ResolveDispute)
	r.POST("/trades/:id/resync", h.Resync)
}

// EscrowStatus handles GET /v1/trades/:id/escrow
func (h *Handler) EscrowStatus(c *gin.Context) {
	snap, err := h.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Fund handles POST /v1/trades/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	t, err := h.orch.Fund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ConfirmPayment handles POST /v1/trades/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	t, err := h.orch.ConfirmPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	t, err := h.orch.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// DisputeRequest is the body for POST /v1/trades/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required,max=1000"`
}

// Dispute handles POST /v1/trades/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	t, err := h.orch.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResolveRequest is the body for POST /v1/trades/:id/resolve.
type ResolveRequest struct {
	Ruling uint8 `json:"ruling"`
}

// ResolveDispute handles POST /v1/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.orch.ResolveDispute(c.Request.Context(), c.Param("id"), req.Ruling)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Resync handles POST /v1/trades/:id/resync
func (h *Handler) Resync(c *gin.Context) {
	t, err := h.orch.Resync(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// respondError maps a lifecycle error to an HTTP response. Gate failures
// carry the failing gate and any bond exposure; submission failures carry
// the classified kind and suggested recovery.
func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, trade.ErrTradeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
		return
	}

	var gateErr *GateError
	if errors.As(err, &gateErr) {
		body := gin.H{
			"error":   "gate_rejected",
			"message": gateErr.Error(),
			"gate":    gateErr.Gate,
			"op":      gateErr.Op,
		}
		if gateErr.BondAtRisk != "" {
			body["bondAtRisk"] = gateErr.BondAtRisk
		}
		c.JSON(http.StatusConflict, body)
		return
	}

	cls := errclass.Classify(err)
	body := gin.H{
		"error":    string(cls.Kind),
		"message":  cls.Message,
		"kind":     cls.Kind,
		"recovery": cls.Recovery,
	}
	if cls.RevertReason != "" {
		body["revertReason"] = cls.RevertReason
	}
	c.JSON(errclass.HTTPStatus(cls.Kind), body)
}
