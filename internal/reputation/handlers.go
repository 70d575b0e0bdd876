package reputation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tradewell/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for party stats.
type Handler struct {
	service *Service
}

// NewHandler creates a new reputation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/stats", h.GetStats)
}

// GetStats returns the trade history tally for one party.
func (h *Handler) GetStats(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid address format",
		})
		return
	}

	stats, err := h.service.Get(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute party stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
