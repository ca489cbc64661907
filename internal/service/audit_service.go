package service

import (
	"context"
	"errors"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AuditService reconciles products as ledger events arrive
type AuditService struct {
	inventory *InventoryService
	dedup     EventDeduper
	logger    *zap.Logger
}

// NewAuditService creates a new audit service. dedup may be nil.
func NewAuditService(inventory *InventoryService, dedup EventDeduper) *AuditService {
	return &AuditService{
		inventory: inventory,
		dedup:     dedup,
		logger:    util.GetLogger(),
	}
}

// HandleStockReplenished audits the product named by a StockReplenished event
func (a *AuditService) HandleStockReplenished(ctx context.Context, event *models.StockReplenishedEvent) error {
	return a.HandleLedgerEvent(ctx, event.EventID, event.ProductID)
}

// HandleStockDepleted audits the product named by a StockDepleted event
func (a *AuditService) HandleStockDepleted(ctx context.Context, event *models.StockDepletedEvent) error {
	return a.HandleLedgerEvent(ctx, event.EventID, event.ProductID)
}

// HandleLedgerEvent reconciles productID once per event. Products removed
// since the event was published are skipped; retryable errors are returned so
// the message is not committed.
func (a *AuditService) HandleLedgerEvent(ctx context.Context, eventID string, productID int64) error {
	ctx, span := util.StartSpan(ctx, "AuditService.HandleLedgerEvent",
		attribute.String("event_id", eventID),
		attribute.Int64("product_id", productID))
	defer span.End()

	dedup := a.dedup != nil && eventID != ""
	if dedup {
		processed, err := a.dedup.IsEventProcessed(ctx, eventID)
		if err != nil {
			a.logger.Warn("Event dedup check failed", zap.String("event_id", eventID), zap.Error(err))
		} else if processed {
			a.logger.Debug("Event already processed", zap.String("event_id", eventID))
			return nil
		}
	}

	report, err := a.inventory.Reconcile(ctx, productID)
	if errors.Is(err, ledger.ErrProductNotFound) {
		a.logger.Info("Skipping audit for missing product", zap.Int64("product_id", productID))
		return nil
	}
	if err != nil {
		return err
	}

	if !report.Consistent() {
		a.logger.Warn("Audit found ledger drift",
			zap.Int64("product_id", productID),
			zap.Int("expected", report.Expected),
			zap.Int("actual", report.Actual))
	}

	if dedup {
		if err := a.dedup.MarkEventProcessed(ctx, eventID); err != nil {
			a.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}
