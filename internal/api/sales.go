package api

import (
	"net/http"

	"pharmacy-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) completeSale(c *gin.Context) {
	var req service.CompleteSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.sales.CompleteSale(c.Request.Context(), &req, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) getSale(c *gin.Context) {
	id, ok := parseID(c, "sale")
	if !ok {
		return
	}

	sale, err := h.sales.GetSale(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}
