package ledger

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process memory. Transactions hold a
// single writer lock and operate on a copy of the data that replaces the
// live copy on commit, which makes every transaction serializable.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

type memData struct {
	users      map[uuid.UUID]User
	plans      map[uuid.UUID]Plan
	packages   map[uuid.UUID]CreditPackage
	subs       map[uuid.UUID]Subscription
	usages     map[uuid.UUID]Usage
	purchases  map[uuid.UUID]CreditPurchase
	payments   map[uuid.UUID]Payment
	events     []BillingEvent
	promotions map[uuid.UUID]Promotion
	discounts  map[uuid.UUID]Discount
	webhooks   map[uuid.UUID]WebhookEntry
	seq        int64
	paymentSeq map[uuid.UUID]int64
}

func newMemData() *memData {
	return &memData{
		users:      make(map[uuid.UUID]User),
		plans:      make(map[uuid.UUID]Plan),
		packages:   make(map[uuid.UUID]CreditPackage),
		subs:       make(map[uuid.UUID]Subscription),
		usages:     make(map[uuid.UUID]Usage),
		purchases:  make(map[uuid.UUID]CreditPurchase),
		payments:   make(map[uuid.UUID]Payment),
		promotions: make(map[uuid.UUID]Promotion),
		discounts:  make(map[uuid.UUID]Discount),
		webhooks:   make(map[uuid.UUID]WebhookEntry),
		paymentSeq: make(map[uuid.UUID]int64),
	}
}

// clone copies the maps. Stored values are never mutated in place, so a
// shallow copy of each map is enough to isolate a transaction.
func (d *memData) clone() *memData {
	return &memData{
		users:      maps.Clone(d.users),
		plans:      maps.Clone(d.plans),
		packages:   maps.Clone(d.packages),
		subs:       maps.Clone(d.subs),
		usages:     maps.Clone(d.usages),
		purchases:  maps.Clone(d.purchases),
		payments:   maps.Clone(d.payments),
		events:     slices.Clone(d.events),
		promotions: maps.Clone(d.promotions),
		discounts:  maps.Clone(d.discounts),
		webhooks:   maps.Clone(d.webhooks),
		seq:        d.seq,
		paymentSeq: maps.Clone(d.paymentSeq),
	}
}

// WithTx runs fn against a copy of the data and swaps it in when fn
// succeeds. Transactions are serialized.
func (s *MemoryStore) WithTx(ctx context.Context, fn TxFunc) error {
	if tx, ok := joined(ctx, s); ok {
		return fn(ctx, tx)
	}

	st, err := s.commit(ctx, fn)
	if err != nil {
		return err
	}
	st.runHooks(ctx)
	return nil
}

func (s *MemoryStore) commit(ctx context.Context, fn TxFunc) (*txState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	tx := &memTx{d: work}
	txCtx, st := withTxState(ctx, s, tx)

	if err := fn(txCtx, tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrTransactionFailed, err)
	}
	s.data = work
	return st, nil
}

type memTx struct {
	d *memData
}

func (t *memTx) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (t *memTx) CreateUser(_ context.Context, u *User) error {
	if _, ok := t.d.users[u.ID]; ok {
		return ErrDuplicate
	}
	t.d.users[u.ID] = *u
	return nil
}

func (t *memTx) GetPlan(_ context.Context, id uuid.UUID) (*Plan, error) {
	p, ok := t.d.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (t *memTx) GetPlanByName(_ context.Context, name string) (*Plan, error) {
	for _, p := range t.d.plans {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (t *memTx) GetPlanByExternalID(_ context.Context, externalID string) (*Plan, error) {
	for _, p := range t.d.plans {
		if externalID != "" && p.ExternalPlanID == externalID {
			return &p, nil
		}
	}
	return nil, ErrPlanNotFound
}

func (t *memTx) UpsertPlan(_ context.Context, p *Plan) error {
	for _, existing := range t.d.plans {
		if existing.Name == p.Name && existing.ID != p.ID {
			if p.ID == uuid.Nil {
				p.ID = existing.ID
				break
			}
			return ErrDuplicate
		}
	}
	if existing, ok := t.d.plans[p.ID]; ok && existing.IsFree() && p.Name != FreePlanName {
		return ErrFreePlanImmutable
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.d.plans[p.ID] = *p
	return nil
}

func (t *memTx) GetPackage(_ context.Context, id uuid.UUID) (*CreditPackage, error) {
	p, ok := t.d.packages[id]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return clonePackage(p), nil
}

func (t *memTx) UpsertPackage(_ context.Context, p *CreditPackage) error {
	for _, existing := range t.d.packages {
		if existing.Name == p.Name && existing.ID != p.ID {
			if p.ID == uuid.Nil {
				p.ID = existing.ID
				break
			}
			return ErrDuplicate
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.d.packages[p.ID] = *clonePackage(*p)
	return nil
}

func (t *memTx) GetCurrentSubscription(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	for _, s := range t.d.subs {
		if s.UserID == userID && s.Status.IsCurrent() {
			return &s, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (t *memTx) GetSubscription(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s, ok := t.d.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &s, nil
}

func (t *memTx) GetSubscriptionByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	var found *Subscription
	for _, s := range t.d.subs {
		if externalID == "" || s.ExternalID != externalID {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = &s
		}
	}
	if found == nil {
		return nil, ErrSubscriptionNotFound
	}
	return found, nil
}

func (t *memTx) CreateSubscription(ctx context.Context, s *Subscription) error {
	if s.Status.IsCurrent() {
		if _, err := t.GetCurrentSubscription(ctx, s.UserID); err == nil {
			return ErrLiveSubscriptionExists
		}
	}
	if _, ok := t.d.subs[s.ID]; ok {
		return ErrDuplicate
	}
	t.d.subs[s.ID] = *s
	return nil
}

func (t *memTx) UpdateSubscription(_ context.Context, s *Subscription) error {
	if _, ok := t.d.subs[s.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	if s.Status.IsCurrent() {
		for id, other := range t.d.subs {
			if id != s.ID && other.UserID == s.UserID && other.Status.IsCurrent() {
				return ErrLiveSubscriptionExists
			}
		}
	}
	t.d.subs[s.ID] = *s
	return nil
}

func (t *memTx) ExpireCurrentSubscriptions(_ context.Context, userID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, s := range t.d.subs {
		if s.UserID != userID || !s.Status.IsCurrent() {
			continue
		}
		s.Status = SubscriptionExpired
		s.CurrentPeriodEnd = now
		s.UpdatedAt = now
		t.d.subs[id] = s
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *memTx) ListSubscriptionsEndingBefore(_ context.Context, at time.Time, limit int) ([]Subscription, error) {
	var out []Subscription
	for _, s := range t.d.subs {
		if s.Status.IsCurrent() && !s.CurrentPeriodEnd.After(at) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int {
		return a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd)
	})
	return truncate(out, limit), nil
}

func (t *memTx) GetSubscriptionUsage(_ context.Context, subscriptionID uuid.UUID) (*Usage, error) {
	for _, u := range t.d.usages {
		if u.SubscriptionID != nil && *u.SubscriptionID == subscriptionID {
			return &u, nil
		}
	}
	return nil, ErrUsageNotFound
}

func (t *memTx) GetPurchaseUsage(_ context.Context, purchaseID uuid.UUID) (*Usage, error) {
	for _, u := range t.d.usages {
		if u.PurchaseID != nil && *u.PurchaseID == purchaseID {
			return &u, nil
		}
	}
	return nil, ErrUsageNotFound
}

func (t *memTx) CreateUsage(ctx context.Context, u *Usage) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.SubscriptionID != nil {
		if _, err := t.GetSubscriptionUsage(ctx, *u.SubscriptionID); err == nil {
			return ErrDuplicate
		}
	}
	if u.PurchaseID != nil {
		if _, err := t.GetPurchaseUsage(ctx, *u.PurchaseID); err == nil {
			return ErrDuplicate
		}
	}
	t.d.usages[u.ID] = *u
	return nil
}

func (t *memTx) UpdateUsage(_ context.Context, u *Usage) error {
	if _, ok := t.d.usages[u.ID]; !ok {
		return ErrUsageNotFound
	}
	if err := u.Validate(); err != nil {
		return err
	}
	t.d.usages[u.ID] = *u
	return nil
}

func (t *memTx) GetPurchase(_ context.Context, id uuid.UUID) (*CreditPurchase, error) {
	p, ok := t.d.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return &p, nil
}

func (t *memTx) GetPurchaseByOrderID(_ context.Context, orderID string) (*CreditPurchase, error) {
	for _, p := range t.d.purchases {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, ErrPurchaseNotFound
}

func (t *memTx) CreatePurchase(ctx context.Context, p *CreditPurchase) error {
	if _, err := t.GetPurchaseByOrderID(ctx, p.OrderID); err == nil {
		return ErrDuplicate
	}
	t.d.purchases[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePurchase(_ context.Context, p *CreditPurchase) error {
	if _, ok := t.d.purchases[p.ID]; !ok {
		return ErrPurchaseNotFound
	}
	t.d.purchases[p.ID] = *p
	return nil
}

func (t *memTx) ListActivePurchases(_ context.Context, userID uuid.UUID, now time.Time) ([]CreditPurchase, error) {
	var out []CreditPurchase
	for _, p := range t.d.purchases {
		if p.UserID == userID && p.Usable(now) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b CreditPurchase) int {
		if c := a.PurchasedAt.Compare(b.PurchasedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (t *memTx) ListExpiredPurchases(_ context.Context, now time.Time, limit int) ([]CreditPurchase, error) {
	var out []CreditPurchase
	for _, p := range t.d.purchases {
		if p.Status == PurchaseActive && p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b CreditPurchase) int {
		return a.ExpiresAt.Compare(*b.ExpiresAt)
	})
	return truncate(out, limit), nil
}

func (t *memTx) CreatePayment(_ context.Context, p *Payment) error {
	if _, ok := t.d.payments[p.ID]; ok {
		return ErrDuplicate
	}
	t.d.seq++
	t.d.paymentSeq[p.ID] = t.d.seq
	t.d.payments[p.ID] = clonePayment(*p)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *Payment) error {
	if _, ok := t.d.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	t.d.payments[p.ID] = clonePayment(*p)
	return nil
}

func (t *memTx) GetPaymentByExternalID(_ context.Context, externalID string) (*Payment, error) {
	return t.latestPayment(func(p Payment) bool {
		return externalID != "" && p.ExternalID == externalID
	})
}

func (t *memTx) GetLatestSubscriptionPayment(_ context.Context, subscriptionID uuid.UUID) (*Payment, error) {
	return t.latestPayment(func(p Payment) bool {
		return p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID
	})
}

// latestPayment orders by creation sequence so payments created within the
// same clock tick keep insertion order.
func (t *memTx) latestPayment(match func(Payment) bool) (*Payment, error) {
	var (
		found   Payment
		bestSeq int64 = -1
	)
	for id, p := range t.d.payments {
		if !match(p) {
			continue
		}
		if seq := t.d.paymentSeq[id]; seq > bestSeq {
			found, bestSeq = p, seq
		}
	}
	if bestSeq < 0 {
		return nil, ErrPaymentNotFound
	}
	p := clonePayment(found)
	return &p, nil
}

func (t *memTx) ListPayments(_ context.Context, userID uuid.UUID) ([]Payment, error) {
	var out []Payment
	for _, p := range t.d.payments {
		if p.UserID == userID {
			out = append(out, clonePayment(p))
		}
	}
	slices.SortFunc(out, func(a, b Payment) int {
		return int(t.d.paymentSeq[a.ID] - t.d.paymentSeq[b.ID])
	})
	return out, nil
}

func (t *memTx) CancelPendingPayments(_ context.Context, subscriptionIDs []uuid.UUID) (int64, error) {
	var n int64
	for id, p := range t.d.payments {
		if p.Status != PaymentPending || p.SubscriptionID == nil || !slices.Contains(subscriptionIDs, *p.SubscriptionID) {
			continue
		}
		p.Status = PaymentCanceled
		t.d.payments[id] = p
		n++
	}
	return n, nil
}

func (t *memTx) CreateBillingEvent(_ context.Context, e *BillingEvent) error {
	t.d.events = append(t.d.events, *e)
	return nil
}

func (t *memTx) ListBillingEvents(_ context.Context, userID uuid.UUID) ([]BillingEvent, error) {
	var out []BillingEvent
	for _, e := range t.d.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) CreatePromotion(_ context.Context, p *Promotion) error {
	for _, existing := range t.d.promotions {
		if existing.Code == p.Code {
			return ErrDuplicate
		}
	}
	t.d.promotions[p.ID] = *p
	return nil
}

func (t *memTx) GetPromotionByCode(_ context.Context, code string) (*Promotion, error) {
	for _, p := range t.d.promotions {
		if strings.EqualFold(p.Code, code) {
			return &p, nil
		}
	}
	return nil, ErrPromotionNotFound
}

func (t *memTx) IncrementPromotionUse(_ context.Context, id uuid.UUID) (bool, error) {
	p, ok := t.d.promotions[id]
	if !ok {
		return false, ErrPromotionNotFound
	}
	if p.Exhausted() {
		return false, nil
	}
	p.UsedCount++
	t.d.promotions[id] = p
	return true, nil
}

func (t *memTx) CreateDiscount(_ context.Context, d *Discount) error {
	if _, ok := t.d.discounts[d.ID]; ok {
		return ErrDuplicate
	}
	t.d.discounts[d.ID] = *d
	return nil
}

func (t *memTx) ListActiveDiscounts(_ context.Context, at time.Time) ([]Discount, error) {
	var out []Discount
	for _, d := range t.d.discounts {
		if d.ValidAt(at) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Discount) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (t *memTx) IncrementDiscountUse(_ context.Context, id uuid.UUID) (bool, error) {
	d, ok := t.d.discounts[id]
	if !ok {
		return false, ErrDiscountNotFound
	}
	if d.Exhausted() {
		return false, nil
	}
	d.UsedCount++
	t.d.discounts[id] = d
	return true, nil
}

func (t *memTx) GetWebhook(_ context.Context, id uuid.UUID) (*WebhookEntry, error) {
	w, ok := t.d.webhooks[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	w = cloneWebhook(w)
	return &w, nil
}

func (t *memTx) GetWebhookByKey(_ context.Context, provider, topic, objectID string) (*WebhookEntry, error) {
	for _, w := range t.d.webhooks {
		if w.Provider == provider && w.Topic == topic && w.ObjectID == objectID {
			w = cloneWebhook(w)
			return &w, nil
		}
	}
	return nil, ErrWebhookNotFound
}

func (t *memTx) CreateWebhook(ctx context.Context, w *WebhookEntry) error {
	if _, err := t.GetWebhookByKey(ctx, w.Provider, w.Topic, w.ObjectID); err == nil {
		return ErrDuplicate
	}
	t.d.webhooks[w.ID] = cloneWebhook(*w)
	return nil
}

func (t *memTx) UpdateWebhook(_ context.Context, w *WebhookEntry) error {
	if _, ok := t.d.webhooks[w.ID]; !ok {
		return ErrWebhookNotFound
	}
	t.d.webhooks[w.ID] = cloneWebhook(*w)
	return nil
}

func (t *memTx) ListPendingWebhooks(_ context.Context, maxAttempts int, now time.Time, limit int) ([]WebhookEntry, error) {
	var out []WebhookEntry
	for _, w := range t.d.webhooks {
		if w.Status == WebhookPending && w.Attempts < maxAttempts && !w.NextAttemptAt.After(now) {
			out = append(out, cloneWebhook(w))
		}
	}
	slices.SortFunc(out, func(a, b WebhookEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return truncate(out, limit), nil
}

func (t *memTx) ResetFailedWebhooks(_ context.Context, lifetimeCap int, now time.Time) (int64, error) {
	var n int64
	for id, w := range t.d.webhooks {
		if w.Status != WebhookFailed || w.Attempts >= lifetimeCap {
			continue
		}
		w.Status = WebhookPending
		w.NextAttemptAt = now
		w.UpdatedAt = now
		t.d.webhooks[id] = w
		n++
	}
	return n, nil
}

func (t *memTx) DeleteProcessedWebhooksBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, w := range t.d.webhooks {
		if w.Status == WebhookProcessed && w.ProcessedAt != nil && w.ProcessedAt.Before(cutoff) {
			delete(t.d.webhooks, id)
			n++
		}
	}
	return n, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func clonePackage(p CreditPackage) *CreditPackage {
	if p.Features != nil {
		f := *p.Features
		p.Features = &f
	}
	return &p
}

func clonePayment(p Payment) Payment {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

func cloneWebhook(w WebhookEntry) WebhookEntry {
	w.Payload = slices.Clone(w.Payload)
	return w
}
