package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var _ ledger.Observer = (*EventPublisher)(nil)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	writer EventWriter
	logger *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(writer EventWriter) *EventPublisher {
	return &EventPublisher{writer: writer, logger: util.GetLogger()}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func productKey(productID int64) string {
	return fmt.Sprintf("product-%d", productID)
}

// LedgerCommitted publishes one stock event per committed change. Publishing
// failures are logged; the ledger write already happened.
func (ep *EventPublisher) LedgerCommitted(ctx context.Context, changes []ledger.Change) {
	for _, ch := range changes {
		var err error
		if ch.Quantity > 0 {
			err = ep.PublishStockReplenished(ctx, &models.StockReplenishedEvent{
				BaseEvent:  newBaseEvent(models.EventTypeStockReplenished),
				ProductID:  ch.ProductID,
				LotID:      ch.Lot.ID,
				Quantity:   ch.Quantity,
				OnHand:     ch.OnHand,
				ExpiryDate: ch.Lot.ExpiryDate,
				Actor:      ch.Actor,
			})
		} else {
			err = ep.PublishStockDepleted(ctx, &models.StockDepletedEvent{
				BaseEvent: newBaseEvent(models.EventTypeStockDepleted),
				ProductID: ch.ProductID,
				LotID:     ch.Lot.ID,
				Kind:      ch.Kind,
				Quantity:  -ch.Quantity,
				OnHand:    ch.OnHand,
				Actor:     ch.Actor,
			})
		}
		if err != nil {
			ep.logger.Error("Failed to publish ledger event",
				zap.Int64("product_id", ch.ProductID),
				zap.String("kind", ch.Kind),
				zap.Error(err))
		}
	}
}

// PublishStockReplenished publishes StockReplenished event
func (ep *EventPublisher) PublishStockReplenished(ctx context.Context, event *models.StockReplenishedEvent) error {
	return ep.writer.PublishEvent(ctx, productKey(event.ProductID), event)
}

// PublishStockDepleted publishes StockDepleted event
func (ep *EventPublisher) PublishStockDepleted(ctx context.Context, event *models.StockDepletedEvent) error {
	return ep.writer.PublishEvent(ctx, productKey(event.ProductID), event)
}

// PublishSaleCompleted publishes SaleCompleted event
func (ep *EventPublisher) PublishSaleCompleted(ctx context.Context, sale *models.SaleBill) error {
	event := &models.SaleCompletedEvent{
		BaseEvent: newBaseEvent(models.EventTypeSaleCompleted),
		SaleID:    sale.ID,
		Total:     sale.Total.StringFixed(2),
		Items:     make([]models.SaleItemData, 0, len(sale.Items)),
	}
	for _, item := range sale.Items {
		event.Items = append(event.Items, models.SaleItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
		})
	}
	return ep.writer.PublishEvent(ctx, fmt.Sprintf("sale-%d", sale.ID), event)
}

// PublishLedgerDrift publishes LedgerDriftDetected event
func (ep *EventPublisher) PublishLedgerDrift(ctx context.Context, report *ledger.Report) error {
	event := &models.LedgerDriftDetectedEvent{
		BaseEvent: newBaseEvent(models.EventTypeLedgerDriftDetected),
		ProductID: report.ProductID,
		Expected:  report.Expected,
		Actual:    report.Actual,
	}
	return ep.writer.PublishEvent(ctx, productKey(report.ProductID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onStockReplenished func(context.Context, *models.StockReplenishedEvent) error
	onStockDepleted    func(context.Context, *models.StockDepletedEvent) error
	onLedgerDrift      func(context.Context, *models.LedgerDriftDetectedEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnStockReplenished registers a handler for StockReplenished events
func (eh *EventHandler) OnStockReplenished(handler func(context.Context, *models.StockReplenishedEvent) error) {
	eh.onStockReplenished = handler
}

// OnStockDepleted registers a handler for StockDepleted events
func (eh *EventHandler) OnStockDepleted(handler func(context.Context, *models.StockDepletedEvent) error) {
	eh.onStockDepleted = handler
}

// OnLedgerDrift registers a handler for LedgerDriftDetected events
func (eh *EventHandler) OnLedgerDrift(handler func(context.Context, *models.LedgerDriftDetectedEvent) error) {
	eh.onLedgerDrift = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeStockReplenished:
		if eh.onStockReplenished != nil {
			var event models.StockReplenishedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockReplenished event: %w", err)
			}
			return eh.onStockReplenished(ctx, &event)
		}

	case models.EventTypeStockDepleted:
		if eh.onStockDepleted != nil {
			var event models.StockDepletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockDepleted event: %w", err)
			}
			return eh.onStockDepleted(ctx, &event)
		}

	case models.EventTypeLedgerDriftDetected:
		if eh.onLedgerDrift != nil {
			var event models.LedgerDriftDetectedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LedgerDriftDetected event: %w", err)
			}
			return eh.onLedgerDrift(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
