package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SaleService records multi-item sales against the ledger
type SaleService struct {
	reconciler *ledger.Reconciler
	sales      SaleReader
	publisher  SalePublisher
	logger     *zap.Logger
}

// NewSaleService creates a new sale service. publisher may be nil.
func NewSaleService(reconciler *ledger.Reconciler, sales SaleReader, publisher SalePublisher) *SaleService {
	return &SaleService{
		reconciler: reconciler,
		sales:      sales,
		publisher:  publisher,
		logger:     util.GetLogger(),
	}
}

// CompleteSaleRequest represents a request to sell one or more products
type CompleteSaleRequest struct {
	Items          []SaleItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// SaleItemRequest represents one line of a sale
type SaleItemRequest struct {
	ProductID int64           `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// SaleResult is a committed sale. Replayed is set when the idempotency key
// matched an earlier sale and nothing new was written.
type SaleResult struct {
	Sale     *models.SaleBill `json:"sale"`
	Replayed bool             `json:"replayed"`
}

// CompleteSale depletes every line item FEFO and writes the bill in one
// transaction. Any failing line rolls back the whole sale.
func (s *SaleService) CompleteSale(ctx context.Context, req *CompleteSaleRequest, actor string) (*SaleResult, error) {
	ctx, span := util.StartSpan(ctx, "SaleService.CompleteSale",
		attribute.Int("items", len(req.Items)))
	defer span.End()

	if err := validateSaleItems(req.Items); err != nil {
		util.SalesFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	} else if existing, err := s.sales.GetSaleByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	} else if existing != nil {
		s.logger.Info("Duplicate sale request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("sale_id", existing.ID))
		return &SaleResult{Sale: existing, Replayed: true}, nil
	}

	productIDs := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		productIDs = append(productIDs, item.ProductID)
	}

	start := time.Now()
	var sale *models.SaleBill
	err := s.reconciler.Batch(ctx, productIDs, func(b *ledger.Batch) error {
		bill := &models.SaleBill{
			IdempotencyKey: req.IdempotencyKey,
			CreatedBy:      models.ActorRef(actor),
			Total:          decimal.Zero,
			Items:          make([]models.SaleItem, 0, len(req.Items)),
		}

		for _, item := range req.Items {
			_, err := b.Deplete(ctx, ledger.DepleteRequest{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Kind:      models.LotKindSale,
				Actor:     actor,
			})
			if err != nil {
				return err
			}

			lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
			bill.Total = bill.Total.Add(lineTotal)
			bill.Items = append(bill.Items, models.SaleItem{
				ProductID:  item.ProductID,
				Quantity:   item.Quantity,
				UnitPrice:  item.UnitPrice,
				TotalPrice: lineTotal,
			})
		}

		if err := b.Tx().CreateSale(ctx, bill); err != nil {
			return fmt.Errorf("failed to create sale: %w", err)
		}
		sale = bill
		return nil
	})
	util.LedgerOperationLatency.WithLabelValues("sale").Observe(time.Since(start).Seconds())

	if err != nil {
		// a concurrent request with the same key won the race
		if errors.Is(err, ledger.ErrConflict) {
			if existing, lookupErr := s.sales.GetSaleByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return &SaleResult{Sale: existing, Replayed: true}, nil
			}
		}
		util.SalesFailedTotal.WithLabelValues(failureReason(err)).Inc()
		s.logger.Warn("Sale rejected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return nil, err
	}

	util.SalesCompletedTotal.Inc()
	for _, item := range sale.Items {
		util.DepletionsTotal.WithLabelValues(models.LotKindSale).Inc()
		util.DepletedUnitsTotal.WithLabelValues(models.LotKindSale).Add(float64(item.Quantity))
	}
	s.logger.Info("Sale completed",
		zap.Int64("sale_id", sale.ID),
		zap.Int("items", len(sale.Items)),
		zap.String("total", sale.Total.StringFixed(2)))

	if s.publisher != nil {
		if err := s.publisher.PublishSaleCompleted(ctx, sale); err != nil {
			s.logger.Error("Failed to publish SaleCompleted event", zap.Error(err))
		}
	}

	return &SaleResult{Sale: sale}, nil
}

// GetSale retrieves a sale bill by ID
func (s *SaleService) GetSale(ctx context.Context, id int64) (*models.SaleBill, error) {
	ctx, span := util.StartSpan(ctx, "SaleService.GetSale", attribute.Int64("sale_id", id))
	defer span.End()

	sale, err := s.sales.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, fmt.Errorf("sale %d: %w", id, ErrSaleNotFound)
	}
	return sale, nil
}

func validateSaleItems(items []SaleItemRequest) error {
	if len(items) == 0 {
		return ErrEmptySale
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return fmt.Errorf("product %d: %w", item.ProductID, ledger.ErrInvalidQuantity)
		}
		if !item.UnitPrice.IsPositive() {
			return fmt.Errorf("product %d: %w", item.ProductID, ErrInvalidPrice)
		}
		// prices are stored as NUMERIC(12,2)
		if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return fmt.Errorf("product %d: %w: more than two decimal places", item.ProductID, ErrInvalidPrice)
		}
	}
	return nil
}
