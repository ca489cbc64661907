// Package memory is an in-process ledger storage. Each product has its own
// lock with a bounded wait and every transaction works on staged copies that
// are published only on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
)

const defaultLockTimeout = 2 * time.Second

// Store holds products, lots and sales in memory
type Store struct {
	mu         sync.Mutex
	products   map[int64]*models.Product
	lots       map[int64][]models.Lot
	sales      map[int64]*models.SaleBill
	salesByKey map[string]int64
	pending    map[string]struct{}
	locks      map[int64]chan struct{}

	nextProductID int64
	nextLotID     int64
	nextSaleID    int64
	nextItemID    int64

	lockTimeout time.Duration
	now         func() time.Time
	fault       func(op string) error
}

// Option configures a Store
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a product lock
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock overrides the time source for created_at columns
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithFaultInjector makes transactional writes fail when fn returns an error.
// op is one of insert_lot, set_lot_remaining, set_on_hand, create_sale.
func WithFaultInjector(fn func(op string) error) Option {
	return func(s *Store) { s.fault = fn }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		products:    make(map[int64]*models.Product),
		lots:        make(map[int64][]models.Lot),
		sales:       make(map[int64]*models.SaleBill),
		salesByKey:  make(map[string]int64),
		pending:     make(map[string]struct{}),
		locks:       make(map[int64]chan struct{}),
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx implements ledger.Storage
func (s *Store) InTx(ctx context.Context, productIDs []int64, fn func(tx ledger.Tx) error) error {
	ids := sortedUnique(productIDs)

	held := make([]chan struct{}, 0, len(ids))
	defer func() {
		for _, ch := range held {
			<-ch
		}
	}()
	for _, id := range ids {
		ch := s.lockFor(id)
		if err := s.acquire(ctx, ch); err != nil {
			return fmt.Errorf("lock product %d: %w", id, err)
		}
		held = append(held, ch)
	}

	t, err := s.begin(ids)
	if err != nil {
		return err
	}
	defer s.releaseKeys(t)
	if err := fn(t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) lockFor(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, ch chan struct{}) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ledger.ErrBusy
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ledger.ErrBusy, ctx.Err())
	}
}

func (s *Store) begin(ids []int64) (*tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		store:    s,
		products: make(map[int64]*models.Product, len(ids)),
		lots:     make(map[int64][]models.Lot, len(ids)),
	}
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
		}
		cp := *p
		t.products[id] = &cp
		t.lots[id] = append([]models.Lot(nil), s.lots[id]...)
	}
	return t, nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for id, staged := range t.products {
		p := s.products[id]
		if p.OnHand != staged.OnHand {
			p.OnHand = staged.OnHand
			p.UpdatedAt = now
		}
	}
	for id, lots := range t.lots {
		s.lots[id] = lots
	}
	for _, sale := range t.sales {
		s.sales[sale.ID] = sale
		if sale.IdempotencyKey != "" {
			s.salesByKey[sale.IdempotencyKey] = sale.ID
		}
	}
}

// releaseKeys drops the idempotency keys reserved by t. After a commit the
// keys already live in salesByKey.
func (s *Store) releaseKeys(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range t.keys {
		delete(s.pending, key)
	}
}

type tx struct {
	store    *Store
	products map[int64]*models.Product
	lots     map[int64][]models.Lot
	sales    []*models.SaleBill
	keys     []string
}

func (t *tx) check(op string) error {
	if t.store.fault == nil {
		return nil
	}
	return t.store.fault(op)
}

func (t *tx) Product(_ context.Context, id int64) (*models.Product, error) {
	p, ok := t.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	cp := *p
	return &cp, nil
}

func (t *tx) OpenLots(_ context.Context, productID int64) ([]models.Lot, error) {
	var open []models.Lot
	for _, lot := range t.lots[productID] {
		if lot.IsReplenishment() && lot.Remaining > 0 {
			open = append(open, lot)
		}
	}
	ledger.SortFEFO(open)
	return open, nil
}

func (t *tx) ReplenishmentLots(_ context.Context, productID int64) ([]models.Lot, error) {
	var out []models.Lot
	for _, lot := range t.lots[productID] {
		if lot.IsReplenishment() {
			out = append(out, lot)
		}
	}
	ledger.SortFEFO(out)
	return out, nil
}

func (t *tx) InsertLot(_ context.Context, lot *models.Lot) error {
	if err := t.check("insert_lot"); err != nil {
		return err
	}
	if _, ok := t.products[lot.ProductID]; !ok {
		return fmt.Errorf("product %d: %w", lot.ProductID, ledger.ErrProductNotFound)
	}
	if lot.Remaining < 0 {
		return fmt.Errorf("negative remaining quantity: %w", ledger.ErrLedgerDrift)
	}
	lot.ID = atomic.AddInt64(&t.store.nextLotID, 1)
	if lot.RecordedAt.IsZero() {
		lot.RecordedAt = t.store.now().UTC()
	}
	t.lots[lot.ProductID] = append(t.lots[lot.ProductID], *lot)
	return nil
}

func (t *tx) SetLotRemaining(_ context.Context, lotID int64, remaining int) error {
	if err := t.check("set_lot_remaining"); err != nil {
		return err
	}
	if remaining < 0 {
		return fmt.Errorf("negative remaining quantity for lot %d: %w", lotID, ledger.ErrLedgerDrift)
	}
	for productID, lots := range t.lots {
		for i := range lots {
			if lots[i].ID == lotID {
				t.lots[productID][i].Remaining = remaining
				return nil
			}
		}
	}
	return fmt.Errorf("lot %d not found in transaction", lotID)
}

func (t *tx) SetOnHand(_ context.Context, productID int64, onHand int) error {
	if err := t.check("set_on_hand"); err != nil {
		return err
	}
	p, ok := t.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ledger.ErrProductNotFound)
	}
	if onHand < 0 {
		return fmt.Errorf("negative on-hand for product %d: %w", productID, ledger.ErrLedgerDrift)
	}
	p.OnHand = onHand
	return nil
}

func (t *tx) CreateSale(_ context.Context, sale *models.SaleBill) error {
	if err := t.check("create_sale"); err != nil {
		return err
	}
	if sale.IdempotencyKey != "" {
		if err := t.reserveKey(sale.IdempotencyKey); err != nil {
			return err
		}
	}

	sale.ID = atomic.AddInt64(&t.store.nextSaleID, 1)
	sale.CreatedAt = t.store.now().UTC()
	for i := range sale.Items {
		sale.Items[i].ID = atomic.AddInt64(&t.store.nextItemID, 1)
		sale.Items[i].SaleID = sale.ID
	}

	cp := *sale
	cp.Items = append([]models.SaleItem(nil), sale.Items...)
	t.sales = append(t.sales, &cp)
	return nil
}

// reserveKey claims an idempotency key for this transaction. A key that is
// committed or reserved by any open transaction is a conflict, as the unique
// index is in PostgreSQL.
func (t *tx) reserveKey(key string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	_, committed := t.store.salesByKey[key]
	_, reserved := t.store.pending[key]
	if committed || reserved {
		return fmt.Errorf("sale with idempotency key %q: %w", key, ledger.ErrConflict)
	}
	t.store.pending[key] = struct{}{}
	t.keys = append(t.keys, key)
	return nil
}

// CreateProduct registers a catalog entry. Stock always starts at zero and
// arrives through replenishment.
func (s *Store) CreateProduct(_ context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	p.ID = atomic.AddInt64(&s.nextProductID, 1)
	p.OnHand = 0
	p.IsActive = true
	if p.Classification == "" {
		p.Classification = models.ClassificationOTC
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	s.products[p.ID] = &cp
	return nil
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListProducts retrieves all products ordered by ID
func (s *Store) ListProducts(_ context.Context) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// UpdateProduct rewrites the catalog attributes of a product. On-hand, the
// active flag and the ledger are left alone.
func (s *Store) UpdateProduct(_ context.Context, product *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[product.ID]
	if !ok {
		return fmt.Errorf("product %d: %w", product.ID, ledger.ErrProductNotFound)
	}
	p.GenericName = product.GenericName
	p.BrandName = product.BrandName
	p.DosageStrength = product.DosageStrength
	p.Form = product.Form
	p.Category = product.Category
	p.Classification = product.Classification
	p.ReorderThreshold = product.ReorderThreshold
	p.UpdatedAt = s.now().UTC()

	*product = *p
	return nil
}

// DeactivateProduct soft-deletes a product
func (s *Store) DeactivateProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	p.IsActive = false
	p.UpdatedAt = s.now().UTC()
	return nil
}

// ListLots returns a product's ledger newest first, optionally filtered by kind
func (s *Store) ListLots(_ context.Context, productID int64, kind string) ([]models.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return nil, fmt.Errorf("product %d: %w", productID, ledger.ErrProductNotFound)
	}

	lots := make([]models.Lot, 0, len(s.lots[productID]))
	for _, lot := range s.lots[productID] {
		if kind == "" || lot.Kind == kind {
			lots = append(lots, lot)
		}
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].RecordedAt.Equal(lots[j].RecordedAt) {
			return lots[i].RecordedAt.After(lots[j].RecordedAt)
		}
		return lots[i].ID > lots[j].ID
	})
	return lots, nil
}

// NearestExpiry returns the earliest expiry among lots that still hold stock
func (s *Store) NearestExpiry(_ context.Context, productID int64) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nearest *time.Time
	for _, lot := range s.lots[productID] {
		if !lot.IsReplenishment() || lot.Remaining <= 0 || lot.ExpiryDate == nil {
			continue
		}
		if nearest == nil || lot.ExpiryDate.Before(*nearest) {
			e := *lot.ExpiryDate
			nearest = &e
		}
	}
	return nearest, nil
}

// GetSale retrieves a sale bill with its items, or nil when it does not exist
func (s *Store) GetSale(_ context.Context, id int64) (*models.SaleBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySale(s.sales[id]), nil
}

// GetSaleByIdempotencyKey retrieves a sale bill by idempotency key, or nil
func (s *Store) GetSaleByIdempotencyKey(_ context.Context, key string) (*models.SaleBill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.salesByKey[key]
	if !ok {
		return nil, nil
	}
	return copySale(s.sales[id]), nil
}

// OverrideOnHand sets the cached on-hand quantity directly, bypassing the
// ledger. It is the privileged manual repair path and never called by the
// reconciler.
func (s *Store) OverrideOnHand(ctx context.Context, productID int64, onHand int) error {
	if onHand < 0 {
		return errors.New("on-hand cannot be negative")
	}
	ch := s.lockFor(productID)
	if err := s.acquire(ctx, ch); err != nil {
		return fmt.Errorf("lock product %d: %w", productID, err)
	}
	defer func() { <-ch }()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ledger.ErrProductNotFound)
	}
	p.OnHand = onHand
	p.UpdatedAt = s.now().UTC()
	return nil
}

func copySale(sale *models.SaleBill) *models.SaleBill {
	if sale == nil {
		return nil
	}
	cp := *sale
	cp.Items = append([]models.SaleItem(nil), sale.Items...)
	return &cp
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
