package api

import (
	"errors"
	"net/http"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/service"
	"pharmacy-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError maps ledger and service errors to HTTP responses
func writeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientStockError

	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Insufficient stock",
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
			"shortfall":  insufficient.Shortfall(),
		})

	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, service.ErrInvalidPrice),
		errors.Is(err, service.ErrEmptySale):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})

	case errors.Is(err, service.ErrInvalidProduct), errors.Is(err, service.ErrInvalidLotKind):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})

	case errors.Is(err, ledger.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Product not found",
			"details": err.Error(),
		})

	case errors.Is(err, service.ErrSaleNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Sale not found",
			"details": err.Error(),
		})

	case ledger.IsRetryable(err):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{
			"error":     "Product is busy, retry the request",
			"details":   err.Error(),
			"retryable": true,
		})

	case errors.Is(err, ledger.ErrLedgerDrift):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Ledger drift detected, reconcile the product",
			"details": err.Error(),
		})

	default:
		util.GetLogger().Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
		})
	}
}
