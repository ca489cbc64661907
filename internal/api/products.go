package api

import (
	"net/http"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/service"

	"github.com/gin-gonic/gin"
)

const dateLayout = "2006-01-02"

// ReplenishRequest is the body of a replenishment
type ReplenishRequest struct {
	Quantity   int    `json:"quantity"`
	ExpiryDate string `json:"expiry_date,omitempty"`
}

// StockOutRequest is the body of a stock-out
type StockOutRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product, err := h.inventory.CreateProduct(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.inventory.ListProducts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	product, err := h.inventory.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) updateProduct(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	var req service.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product, err := h.inventory.UpdateProduct(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) deactivateProduct(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	if err := h.inventory.Deactivate(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getStock(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	level, err := h.inventory.OnHand(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, level)
}

func (h *Handler) listLots(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	lots, err := h.inventory.History(c.Request.Context(), id, c.Query("kind"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id": id,
		"lots":       lots,
	})
}

func (h *Handler) replenish(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	var req ReplenishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	var expiry *time.Time
	if req.ExpiryDate != "" {
		t, err := time.Parse(dateLayout, req.ExpiryDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid expiry_date, expected YYYY-MM-DD",
				"details": err.Error(),
			})
			return
		}
		expiry = &t
	}

	result, err := h.inventory.Replenish(c.Request.Context(), ledger.ReplenishRequest{
		ProductID:  id,
		Quantity:   req.Quantity,
		ExpiryDate: expiry,
		Actor:      actor(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) stockOut(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	var req StockOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.inventory.StockOut(c.Request.Context(), id, req.Quantity, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) reconcile(c *gin.Context) {
	id, ok := parseID(c, "product")
	if !ok {
		return
	}

	report, err := h.inventory.Reconcile(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) audit(c *gin.Context) {
	drifted, err := h.inventory.AuditAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consistent": len(drifted) == 0,
		"drifted":    drifted,
	})
}
