package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryService handles product and stock operations
type InventoryService struct {
	reconciler *ledger.Reconciler
	catalog    Catalog
	cache      StockCache
	drift      DriftPublisher
	logger     *zap.Logger
}

// NewInventoryService creates a new inventory service. cache and drift may be nil.
func NewInventoryService(
	reconciler *ledger.Reconciler,
	catalog Catalog,
	cache StockCache,
	drift DriftPublisher,
) *InventoryService {
	return &InventoryService{
		reconciler: reconciler,
		catalog:    catalog,
		cache:      cache,
		drift:      drift,
		logger:     util.GetLogger(),
	}
}

// CreateProductRequest represents a request to register a product
type CreateProductRequest struct {
	GenericName      string `json:"generic_name" binding:"required"`
	BrandName        string `json:"brand_name"`
	DosageStrength   string `json:"dosage_strength"`
	Form             string `json:"form"`
	Category         string `json:"category"`
	Classification   string `json:"classification"`
	ReorderThreshold int    `json:"reorder_threshold"`
}

// UpdateProductRequest replaces a product's catalog attributes. Stock is not
// part of it and only changes through the ledger.
type UpdateProductRequest = CreateProductRequest

// ProductDetail is a product with its stock summary
type ProductDetail struct {
	models.Product
	NearestExpiry  *time.Time `json:"nearest_expiry"`
	BelowThreshold bool       `json:"below_threshold"`
}

// StockLevel is the current on-hand quantity of a product
type StockLevel struct {
	ProductID int64 `json:"product_id"`
	OnHand    int   `json:"on_hand"`
	Cached    bool  `json:"cached"`
}

// CreateProduct registers a product with zero stock
func (s *InventoryService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateProduct")
	defer span.End()

	product, err := catalogEntry(req)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.CreateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("Product created",
		zap.Int64("product_id", product.ID),
		zap.String("generic_name", product.GenericName))
	return product, nil
}

// UpdateProduct edits a product's catalog attributes. On-hand is kept.
func (s *InventoryService) UpdateProduct(ctx context.Context, id int64, req *UpdateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.UpdateProduct", attribute.Int64("product_id", id))
	defer span.End()

	product, err := catalogEntry(req)
	if err != nil {
		return nil, err
	}
	product.ID = id
	if err := s.catalog.UpdateProduct(ctx, product); err != nil {
		return nil, err
	}

	s.logger.Info("Product updated",
		zap.Int64("product_id", product.ID),
		zap.String("generic_name", product.GenericName))
	return product, nil
}

// catalogEntry validates a product request
func catalogEntry(req *CreateProductRequest) (*models.Product, error) {
	if strings.TrimSpace(req.GenericName) == "" {
		return nil, fmt.Errorf("%w: generic name is required", ErrInvalidProduct)
	}
	if req.ReorderThreshold < 0 {
		return nil, fmt.Errorf("%w: reorder threshold cannot be negative", ErrInvalidProduct)
	}

	classification := strings.ToUpper(req.Classification)
	switch classification {
	case "":
		classification = models.ClassificationOTC
	case models.ClassificationRX, models.ClassificationOTC:
	default:
		return nil, fmt.Errorf("%w: unknown classification %q", ErrInvalidProduct, req.Classification)
	}

	return &models.Product{
		GenericName:      strings.TrimSpace(req.GenericName),
		BrandName:        req.BrandName,
		DosageStrength:   req.DosageStrength,
		Form:             req.Form,
		Category:         req.Category,
		Classification:   classification,
		ReorderThreshold: req.ReorderThreshold,
	}, nil
}

// GetProduct returns a product with its nearest expiry
func (s *InventoryService) GetProduct(ctx context.Context, id int64) (*ProductDetail, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.GetProduct", attribute.Int64("product_id", id))
	defer span.End()

	product, err := s.catalog.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	nearest, err := s.catalog.NearestExpiry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get nearest expiry: %w", err)
	}

	return &ProductDetail{
		Product:        *product,
		NearestExpiry:  nearest,
		BelowThreshold: product.BelowThreshold(),
	}, nil
}

// ListProducts returns every product, inactive ones included
func (s *InventoryService) ListProducts(ctx context.Context) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ListProducts")
	defer span.End()

	return s.catalog.ListProducts(ctx)
}

// Deactivate soft-deletes a product
func (s *InventoryService) Deactivate(ctx context.Context, id int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Deactivate", attribute.Int64("product_id", id))
	defer span.End()

	if err := s.catalog.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Product deactivated", zap.Int64("product_id", id))
	return nil
}

// Replenish receives a new lot into stock
func (s *InventoryService) Replenish(ctx context.Context, req ledger.ReplenishRequest) (*ledger.ReplenishResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Replenish", attribute.Int64("product_id", req.ProductID))
	defer span.End()

	start := time.Now()
	result, err := s.reconciler.Replenish(ctx, req)
	util.LedgerOperationLatency.WithLabelValues("replenish").Observe(time.Since(start).Seconds())
	if err != nil {
		s.recordFailure("replenish", req.ProductID, err)
		return nil, err
	}

	util.ReplenishmentsTotal.Inc()
	util.ReplenishedUnitsTotal.Add(float64(req.Quantity))
	s.logger.Info("Stock replenished",
		zap.Int64("product_id", req.ProductID),
		zap.Int64("lot_id", result.Lot.ID),
		zap.Int("quantity", req.Quantity),
		zap.Int("on_hand", result.OnHand))
	return result, nil
}

// StockOut removes stock outside of a sale (damage, expiry, return to supplier)
func (s *InventoryService) StockOut(ctx context.Context, productID int64, quantity int, actor string) (*ledger.DepleteResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.StockOut", attribute.Int64("product_id", productID))
	defer span.End()

	start := time.Now()
	result, err := s.reconciler.Deplete(ctx, ledger.DepleteRequest{
		ProductID: productID,
		Quantity:  quantity,
		Kind:      models.LotKindStockOut,
		Actor:     actor,
	})
	util.LedgerOperationLatency.WithLabelValues("stock_out").Observe(time.Since(start).Seconds())
	if err != nil {
		s.recordFailure("stock_out", productID, err)
		return nil, err
	}

	util.DepletionsTotal.WithLabelValues(models.LotKindStockOut).Inc()
	util.DepletedUnitsTotal.WithLabelValues(models.LotKindStockOut).Add(float64(quantity))
	s.logger.Info("Stock out recorded",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int("on_hand", result.OnHand))
	return result, nil
}

// History returns a product's ledger newest first, optionally filtered by kind
func (s *InventoryService) History(ctx context.Context, productID int64, kind string) ([]models.Lot, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.History", attribute.Int64("product_id", productID))
	defer span.End()

	switch kind {
	case "", models.LotKindReplenishment, models.LotKindSale, models.LotKindStockOut:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLotKind, kind)
	}
	return s.catalog.ListLots(ctx, productID, kind)
}

// Reconcile checks one product and announces drift
func (s *InventoryService) Reconcile(ctx context.Context, productID int64) (*ledger.Report, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reconcile", attribute.Int64("product_id", productID))
	defer span.End()

	start := time.Now()
	report, err := s.reconciler.Reconcile(ctx, productID)
	util.LedgerOperationLatency.WithLabelValues("reconcile").Observe(time.Since(start).Seconds())
	if err != nil {
		s.recordFailure("reconcile", productID, err)
		return nil, err
	}

	if !report.Consistent() {
		util.LedgerDriftDetectedTotal.Inc()
		if s.drift != nil {
			if err := s.drift.PublishLedgerDrift(ctx, report); err != nil {
				s.logger.Error("Failed to publish ledger drift",
					zap.Int64("product_id", productID),
					zap.Error(err))
			}
		}
	}
	return report, nil
}

// AuditAll reconciles every product and returns the ones that drifted
func (s *InventoryService) AuditAll(ctx context.Context) ([]ledger.Report, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AuditAll")
	defer span.End()

	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	drifted := []ledger.Report{}
	for _, product := range products {
		report, err := s.Reconcile(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("reconcile product %d: %w", product.ID, err)
		}
		if !report.Consistent() {
			drifted = append(drifted, *report)
		}
	}

	s.logger.Info("Ledger audit completed",
		zap.Int("products", len(products)),
		zap.Int("drifted", len(drifted)))
	return drifted, nil
}

// OnHand reads stock from the cache, falling back to the store on a miss
func (s *InventoryService) OnHand(ctx context.Context, productID int64) (*StockLevel, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.OnHand", attribute.Int64("product_id", productID))
	defer span.End()

	if s.cache != nil {
		onHand, ok, err := s.cache.GetOnHand(ctx, productID)
		if err != nil {
			s.logger.Warn("Stock cache read failed, falling back to DB",
				zap.Int64("product_id", productID),
				zap.Error(err))
		} else if ok {
			return &StockLevel{ProductID: productID, OnHand: onHand, Cached: true}, nil
		}
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		// lot id 0 never overwrites an entry written by a committed change
		if err := s.cache.SetOnHand(ctx, productID, product.OnHand, 0); err != nil {
			s.logger.Warn("Failed to backfill stock cache", zap.Int64("product_id", productID), zap.Error(err))
		}
	}
	return &StockLevel{ProductID: productID, OnHand: product.OnHand}, nil
}

// SyncStockToRedis copies every product's on-hand into the cache
func (s *InventoryService) SyncStockToRedis(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	s.logger.Info("Starting stock sync to Redis")

	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		lots, err := s.catalog.ListLots(ctx, product.ID, "")
		if err != nil {
			s.logger.Error("Failed to get lots",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}

		var latest int64
		if len(lots) > 0 {
			latest = lots[0].ID
		}
		if err := s.cache.SetOnHand(ctx, product.ID, product.OnHand, latest); err != nil {
			s.logger.Error("Failed to sync stock to Redis",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("Stock sync completed", zap.Int("count", len(products)))
	return nil
}

func (s *InventoryService) recordFailure(op string, productID int64, err error) {
	reason := failureReason(err)
	util.LedgerOperationsFailed.WithLabelValues(op, reason).Inc()

	switch {
	case errors.Is(err, ledger.ErrInsufficientStock):
		util.InsufficientStockTotal.Inc()
	case ledger.IsRetryable(err):
		util.LockContentionTotal.WithLabelValues(reason).Inc()
	}

	if reason == "storage" || reason == "drift" {
		s.logger.Error("Ledger operation failed",
			zap.String("operation", op),
			zap.Int64("product_id", productID),
			zap.Error(err))
	}
}
