package worker

import (
	"context"
	"time"

	"pharmacy-service/internal/broker"
	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/service"
	"pharmacy-service/internal/util"

	"go.uber.org/zap"
)

// AuditWorker reconciles products as their ledger events arrive from Kafka
type AuditWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewAuditWorker creates a new audit worker
func NewAuditWorker(consumer *broker.Consumer, audit *service.AuditService) *AuditWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnStockReplenished(audit.HandleStockReplenished)
	eventHandler.OnStockDepleted(audit.HandleStockDepleted)

	return &AuditWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *AuditWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting audit worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AuditWorker) Stop() error {
	w.logger.Info("Stopping audit worker")
	return w.consumer.Close()
}

// Auditor runs a full ledger audit
type Auditor interface {
	AuditAll(ctx context.Context) ([]ledger.Report, error)
}

// PeriodicAuditor runs a full ledger audit on a fixed interval
type PeriodicAuditor struct {
	auditor  Auditor
	interval time.Duration
	logger   *zap.Logger
}

// NewPeriodicAuditor creates a new periodic auditor
func NewPeriodicAuditor(auditor Auditor, interval time.Duration) *PeriodicAuditor {
	return &PeriodicAuditor{
		auditor:  auditor,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start blocks until ctx is cancelled
func (p *PeriodicAuditor) Start(ctx context.Context) error {
	p.logger.Info("Starting periodic auditor", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping periodic auditor")
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one audit pass and logs the drifting products
func (p *PeriodicAuditor) RunOnce(ctx context.Context) []ledger.Report {
	drifted, err := p.auditor.AuditAll(ctx)
	if err != nil {
		p.logger.Error("Periodic audit failed", zap.Error(err))
		return nil
	}
	for _, report := range drifted {
		p.logger.Warn("Product ledger drifted",
			zap.Int64("product_id", report.ProductID),
			zap.Int("expected", report.Expected),
			zap.Int("actual", report.Actual))
	}
	return drifted
}
