package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"pharmacy-service/internal/models"
	"pharmacy-service/internal/util"

	"go.uber.org/zap"
)

// Reconciler executes ledger operations against an injected Storage
type Reconciler struct {
	storage   Storage
	locker    Locker
	observers []Observer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLocker adds a cross-process lock taken before each transaction
func WithLocker(l Locker) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
	}
}

// WithObservers registers post-commit observers
func WithObservers(obs ...Observer) Option {
	return func(r *Reconciler) {
		for _, o := range obs {
			if o != nil {
				r.observers = append(r.observers, o)
			}
		}
	}
}

// WithLogger overrides the global logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the time source used for recorded_at
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a new ledger reconciler
func NewReconciler(storage Storage, opts ...Option) *Reconciler {
	r := &Reconciler{
		storage: storage,
		locker:  noopLocker{},
		logger:  util.GetLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplenishRequest adds a new lot of stock
type ReplenishRequest struct {
	ProductID  int64
	Quantity   int
	ExpiryDate *time.Time
	Actor      string
}

// ReplenishResult is the outcome of a committed replenishment
type ReplenishResult struct {
	ProductID int64      `json:"product_id"`
	Lot       models.Lot `json:"lot"`
	OnHand    int        `json:"on_hand"`
}

// DepleteRequest removes stock first-expiring-first-out
type DepleteRequest struct {
	ProductID int64
	Quantity  int
	Kind      string
	Actor     string
}

// DepleteResult is the outcome of a committed depletion
type DepleteResult struct {
	ProductID   int64        `json:"product_id"`
	Quantity    int          `json:"quantity"`
	OnHand      int          `json:"on_hand"`
	Allocations []Allocation `json:"allocations"`
	Lot         models.Lot   `json:"lot"`
}

// Report statuses
const (
	StatusConsistent = "consistent"
	StatusDrift      = "drift"
)

// Report is the result of an integrity check. Expected is the sum of remaining
// quantities over replenishment lots, Actual is the cached on-hand quantity.
type Report struct {
	ProductID int64  `json:"product_id"`
	Status    string `json:"status"`
	Expected  int    `json:"expected"`
	Actual    int    `json:"actual"`
}

// Consistent reports whether on-hand matches the lots
func (r *Report) Consistent() bool {
	return r.Status == StatusConsistent
}

// Replenish records a new lot and increases on-hand in one transaction
func (r *Reconciler) Replenish(ctx context.Context, req ReplenishRequest) (*ReplenishResult, error) {
	if err := checkQuantity(req.Quantity); err != nil {
		return nil, err
	}

	var result *ReplenishResult
	err := r.Batch(ctx, []int64{req.ProductID}, func(b *Batch) error {
		res, err := b.Replenish(ctx, req)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deplete removes quantity from the product's lots in FEFO order. Either every
// lot update, the on-hand decrement and the depletion record commit, or nothing does.
func (r *Reconciler) Deplete(ctx context.Context, req DepleteRequest) (*DepleteResult, error) {
	if err := checkQuantity(req.Quantity); err != nil {
		return nil, err
	}

	var result *DepleteResult
	err := r.Batch(ctx, []int64{req.ProductID}, func(b *Batch) error {
		res, err := b.Deplete(ctx, req)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reconcile compares on-hand against the lots. Drift is reported, never repaired.
func (r *Reconciler) Reconcile(ctx context.Context, productID int64) (*Report, error) {
	var report *Report
	err := r.Batch(ctx, []int64{productID}, func(b *Batch) error {
		rep, err := b.Reconcile(ctx, productID)
		report = rep
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Batch runs fn inside one transaction holding locks on productIDs. Operations
// made through the Batch commit together; if fn fails all of them roll back.
func (r *Reconciler) Batch(ctx context.Context, productIDs []int64, fn func(b *Batch) error) error {
	ids := normalizeIDs(productIDs)

	unlock, err := r.locker.Lock(ctx, ids)
	if err != nil {
		return classify("acquire lock", err)
	}
	defer unlock()

	var changes []Change
	err = r.storage.InTx(ctx, ids, func(tx Tx) error {
		b := &Batch{r: r, tx: tx, locked: make(map[int64]bool, len(ids))}
		for _, id := range ids {
			b.locked[id] = true
		}
		if err := fn(b); err != nil {
			return err
		}
		changes = b.changes
		return nil
	})
	if err != nil {
		return classify("ledger transaction", err)
	}

	if len(changes) > 0 {
		for _, o := range r.observers {
			o.LedgerCommitted(ctx, changes)
		}
	}
	return nil
}

// Batch stages ledger operations inside a single transaction
type Batch struct {
	r       *Reconciler
	tx      Tx
	locked  map[int64]bool
	changes []Change
}

// Tx exposes the underlying transaction for writes that must commit with the ledger
func (b *Batch) Tx() Tx {
	return b.tx
}

func (b *Batch) activeProduct(ctx context.Context, productID int64) (*models.Product, error) {
	if !b.locked[productID] {
		return nil, fmt.Errorf("product %d is not locked by this batch", productID)
	}
	product, err := b.tx.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.IsActive {
		return nil, fmt.Errorf("product %d is inactive: %w", productID, ErrProductNotFound)
	}
	return product, nil
}

// Replenish stages a replenishment lot
func (b *Batch) Replenish(ctx context.Context, req ReplenishRequest) (*ReplenishResult, error) {
	if err := checkQuantity(req.Quantity); err != nil {
		return nil, err
	}

	product, err := b.activeProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	lot := models.Lot{
		ProductID:     req.ProductID,
		Kind:          models.LotKindReplenishment,
		QuantityDelta: req.Quantity,
		Remaining:     req.Quantity,
		ExpiryDate:    dateOnly(req.ExpiryDate),
		RecordedAt:    b.r.now().UTC(),
		AttributedTo:  models.ActorRef(req.Actor),
	}
	if err := b.tx.InsertLot(ctx, &lot); err != nil {
		return nil, fmt.Errorf("insert replenishment lot: %w", err)
	}

	if req.Quantity > MaxQuantity-product.OnHand {
		return nil, fmt.Errorf("%w: on-hand %d plus %d exceeds %d",
			ErrInvalidQuantity, product.OnHand, req.Quantity, MaxQuantity)
	}

	onHand := product.OnHand + req.Quantity
	if err := b.tx.SetOnHand(ctx, req.ProductID, onHand); err != nil {
		return nil, fmt.Errorf("update on-hand: %w", err)
	}

	b.changes = append(b.changes, Change{
		ProductID: req.ProductID,
		Kind:      lot.Kind,
		Quantity:  req.Quantity,
		OnHand:    onHand,
		Lot:       lot,
		Actor:     req.Actor,
	})

	return &ReplenishResult{ProductID: req.ProductID, Lot: lot, OnHand: onHand}, nil
}

// Deplete stages a FEFO depletion
func (b *Batch) Deplete(ctx context.Context, req DepleteRequest) (*DepleteResult, error) {
	if err := checkQuantity(req.Quantity); err != nil {
		return nil, err
	}

	product, err := b.activeProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	lots, err := b.tx.OpenLots(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("load open lots: %w", err)
	}

	allocations, err := PlanDepletion(req.ProductID, lots, req.Quantity)
	if err != nil {
		return nil, err
	}

	if product.OnHand < req.Quantity {
		return nil, fmt.Errorf("product %d on-hand %d cannot cover %d already covered by lots: %w",
			req.ProductID, product.OnHand, req.Quantity, ErrLedgerDrift)
	}

	for _, a := range allocations {
		if err := b.tx.SetLotRemaining(ctx, a.LotID, a.Remaining); err != nil {
			return nil, fmt.Errorf("update lot %d: %w", a.LotID, err)
		}
	}

	onHand := product.OnHand - req.Quantity
	if err := b.tx.SetOnHand(ctx, req.ProductID, onHand); err != nil {
		return nil, fmt.Errorf("update on-hand: %w", err)
	}

	lot := models.Lot{
		ProductID:     req.ProductID,
		Kind:          depletionKind(req.Kind),
		QuantityDelta: -req.Quantity,
		Remaining:     onHand,
		RecordedAt:    b.r.now().UTC(),
		AttributedTo:  models.ActorRef(req.Actor),
	}
	if err := b.tx.InsertLot(ctx, &lot); err != nil {
		return nil, fmt.Errorf("insert depletion lot: %w", err)
	}

	b.changes = append(b.changes, Change{
		ProductID: req.ProductID,
		Kind:      lot.Kind,
		Quantity:  -req.Quantity,
		OnHand:    onHand,
		Lot:       lot,
		Actor:     req.Actor,
	})

	return &DepleteResult{
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		OnHand:      onHand,
		Allocations: allocations,
		Lot:         lot,
	}, nil
}

// Reconcile compares the locked product's on-hand against its replenishment lots
func (b *Batch) Reconcile(ctx context.Context, productID int64) (*Report, error) {
	if !b.locked[productID] {
		return nil, fmt.Errorf("product %d is not locked by this batch", productID)
	}
	product, err := b.tx.Product(ctx, productID)
	if err != nil {
		return nil, err
	}

	lots, err := b.tx.ReplenishmentLots(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load replenishment lots: %w", err)
	}

	expected := 0
	for _, lot := range lots {
		if lot.IsReplenishment() && lot.Remaining > 0 {
			expected += lot.Remaining
		}
	}

	report := &Report{
		ProductID: productID,
		Status:    StatusConsistent,
		Expected:  expected,
		Actual:    product.OnHand,
	}
	if expected != product.OnHand {
		report.Status = StatusDrift
		b.r.logger.Warn("Ledger drift detected",
			zap.Int64("product_id", productID),
			zap.Int("expected", expected),
			zap.Int("actual", product.OnHand))
	}
	return report, nil
}

// MaxQuantity is the largest quantity a lot or on-hand total can hold; the
// columns are INTEGER.
const MaxQuantity = math.MaxInt32

func checkQuantity(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > MaxQuantity {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidQuantity, quantity, MaxQuantity)
	}
	return nil
}

func depletionKind(kind string) string {
	if kind == models.LotKindSale {
		return models.LotKindSale
	}
	return models.LotKindStockOut
}

// dateOnly truncates an expiry timestamp to its calendar day in UTC
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	d := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
