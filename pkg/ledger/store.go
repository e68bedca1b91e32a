package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxFunc is the unit of work executed by Store.WithTx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store opens serializable transactions over the billing ledger.
//
// WithTx commits only when fn returns nil; any error rolls back every write
// performed through tx. When ctx already carries a transaction opened by the
// same store, fn joins it instead of opening a new one, so operations built
// from smaller WithTx calls still commit or roll back as one unit.
type Store interface {
	WithTx(ctx context.Context, fn TxFunc) error
}

// Tx exposes the ledger rows to a running transaction. Reads of balance rows
// lock them for the remainder of the transaction.
type Tx interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, u *User) error

	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
	GetPlanByName(ctx context.Context, name string) (*Plan, error)
	GetPlanByExternalID(ctx context.Context, externalID string) (*Plan, error)
	UpsertPlan(ctx context.Context, p *Plan) error

	GetPackage(ctx context.Context, id uuid.UUID) (*CreditPackage, error)
	UpsertPackage(ctx context.Context, p *CreditPackage) error

	// GetCurrentSubscription returns the user's ACTIVE, PAUSED or ON_HOLD
	// subscription.
	GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, s *Subscription) error
	UpdateSubscription(ctx context.Context, s *Subscription) error
	// ExpireCurrentSubscriptions moves every current subscription of the user
	// to EXPIRED with period end at now and returns their ids.
	ExpireCurrentSubscriptions(ctx context.Context, userID uuid.UUID, now time.Time) ([]uuid.UUID, error)
	ListSubscriptionsEndingBefore(ctx context.Context, t time.Time, limit int) ([]Subscription, error)

	GetSubscriptionUsage(ctx context.Context, subscriptionID uuid.UUID) (*Usage, error)
	GetPurchaseUsage(ctx context.Context, purchaseID uuid.UUID) (*Usage, error)
	CreateUsage(ctx context.Context, u *Usage) error
	UpdateUsage(ctx context.Context, u *Usage) error

	GetPurchase(ctx context.Context, id uuid.UUID) (*CreditPurchase, error)
	GetPurchaseByOrderID(ctx context.Context, orderID string) (*CreditPurchase, error)
	CreatePurchase(ctx context.Context, p *CreditPurchase) error
	UpdatePurchase(ctx context.Context, p *CreditPurchase) error
	// ListActivePurchases returns usable purchases ordered by PurchasedAt
	// ascending.
	ListActivePurchases(ctx context.Context, userID uuid.UUID, now time.Time) ([]CreditPurchase, error)
	ListExpiredPurchases(ctx context.Context, now time.Time, limit int) ([]CreditPurchase, error)

	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error)
	// GetLatestSubscriptionPayment returns the most recently created payment
	// of a subscription.
	GetLatestSubscriptionPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID) ([]Payment, error)
	CancelPendingPayments(ctx context.Context, subscriptionIDs []uuid.UUID) (int64, error)

	CreateBillingEvent(ctx context.Context, e *BillingEvent) error
	ListBillingEvents(ctx context.Context, userID uuid.UUID) ([]BillingEvent, error)

	CreatePromotion(ctx context.Context, p *Promotion) error
	GetPromotionByCode(ctx context.Context, code string) (*Promotion, error)
	// IncrementPromotionUse bumps UsedCount only while it is below MaxUses and
	// reports whether the increment happened.
	IncrementPromotionUse(ctx context.Context, id uuid.UUID) (bool, error)
	CreateDiscount(ctx context.Context, d *Discount) error
	ListActiveDiscounts(ctx context.Context, at time.Time) ([]Discount, error)
	IncrementDiscountUse(ctx context.Context, id uuid.UUID) (bool, error)

	GetWebhook(ctx context.Context, id uuid.UUID) (*WebhookEntry, error)
	GetWebhookByKey(ctx context.Context, provider, topic, objectID string) (*WebhookEntry, error)
	CreateWebhook(ctx context.Context, w *WebhookEntry) error
	UpdateWebhook(ctx context.Context, w *WebhookEntry) error
	// ListPendingWebhooks returns due pending entries with fewer than
	// maxAttempts attempts, oldest first.
	ListPendingWebhooks(ctx context.Context, maxAttempts int, now time.Time, limit int) ([]WebhookEntry, error)
	// ResetFailedWebhooks moves failed entries with fewer than lifetimeCap
	// attempts back to pending.
	ResetFailedWebhooks(ctx context.Context, lifetimeCap int, now time.Time) (int64, error)
	DeleteProcessedWebhooksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type txKey struct{}

// txState is carried in the context of a running transaction.
type txState struct {
	owner any
	tx    Tx
	hooks []func(context.Context)
}

func withTxState(ctx context.Context, owner any, tx Tx) (context.Context, *txState) {
	st := &txState{owner: owner, tx: tx}
	return context.WithValue(ctx, txKey{}, st), st
}

// joined returns the transaction already open on ctx for owner.
func joined(ctx context.Context, owner any) (Tx, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok || st.owner != owner {
		return nil, false
	}
	return st.tx, true
}

func (st *txState) runHooks(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range st.hooks {
		fn(ctx)
	}
}

// AfterCommit registers fn to run once the outermost transaction on ctx has
// committed. Hooks are discarded on rollback. Without a transaction on ctx,
// fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		st.hooks = append(st.hooks, fn)
		return
	}
	fn(ctx)
}

// InTx reports whether ctx carries a running ledger transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}
