package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingcore/pkg/pg"
)

// PostgresStore persists the ledger in PostgreSQL. Every transaction runs
// at SERIALIZABLE isolation and is retried on serialization failures.
type PostgresStore struct {
	db       pg.Beginner
	attempts int
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a pgx pool. attempts bounds serialization retries.
func NewPostgresStore(db pg.Beginner, attempts int) *PostgresStore {
	return &PostgresStore{db: db, attempts: attempts}
}

// WithTx runs fn in a serializable transaction, joining one already open on
// ctx. After-commit hooks run once the outermost transaction commits.
func (s *PostgresStore) WithTx(ctx context.Context, fn TxFunc) error {
	if tx, ok := joined(ctx, s); ok {
		return fn(ctx, tx)
	}

	var st *txState
	err := pg.InSerializableTx(ctx, s.db, s.attempts, func(ctx context.Context, ptx pgx.Tx) error {
		tx := &pgTx{tx: ptx}
		var txCtx context.Context
		txCtx, st = withTxState(ctx, s, tx)
		return fn(txCtx, tx)
	})
	if err != nil {
		if pg.IsRetryableTxError(err) || errors.Is(err, pg.ErrTxRetriesExhausted) {
			return errors.Join(ErrTransactionFailed, err)
		}
		return err
	}
	st.runHooks(ctx)
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// mapErr translates driver errors into ledger sentinels.
func mapErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case pg.IsNotFoundError(err):
		return notFound
	case pg.IsDuplicateKeyError(err):
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := t.tx.QueryRow(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err, ErrUserNotFound)
	}
	return &u, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *User) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.Name, u.CreatedAt)
	return mapErr(err, nil)
}

const planColumns = `id, name, price, currency, period, trial_days, active, external_plan_id,
	max_projects, max_teams, max_proposals, max_requests, max_credits, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.Period, &p.TrialDays, &p.Active, &p.ExternalPlanID,
		&p.Feature.Projects, &p.Feature.Teams, &p.Feature.Proposals, &p.Feature.Requests, &p.Feature.Credits,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, ErrPlanNotFound)
	}
	return &p, nil
}

func (t *pgTx) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

func (t *pgTx) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	return scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name))
}

func (t *pgTx) GetPlanByExternalID(ctx context.Context, externalID string) (*Plan, error) {
	if externalID == "" {
		return nil, ErrPlanNotFound
	}
	return scanPlan(t.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE external_plan_id = $1`, externalID))
}

func (t *pgTx) UpsertPlan(ctx context.Context, p *Plan) error {
	if p.ID == uuid.Nil {
		if existing, err := t.GetPlanByName(ctx, p.Name); err == nil {
			p.ID = existing.ID
		} else {
			p.ID = uuid.New()
		}
	}
	if existing, err := t.GetPlan(ctx, p.ID); err == nil && existing.IsFree() && p.Name != FreePlanName {
		return ErrFreePlanImmutable
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price, currency = EXCLUDED.currency,
			period = EXCLUDED.period, trial_days = EXCLUDED.trial_days, active = EXCLUDED.active,
			external_plan_id = EXCLUDED.external_plan_id,
			max_projects = EXCLUDED.max_projects, max_teams = EXCLUDED.max_teams,
			max_proposals = EXCLUDED.max_proposals, max_requests = EXCLUDED.max_requests,
			max_credits = EXCLUDED.max_credits, updated_at = now()`,
		p.ID, p.Name, p.Price, p.Currency, p.Period, p.TrialDays, p.Active, p.ExternalPlanID,
		p.Feature.Projects, p.Feature.Teams, p.Feature.Proposals, p.Feature.Requests, p.Feature.Credits)
	return mapErr(err, nil)
}

const packageColumns = `id, name, credit_amount, bonus_credits, price, currency, validity_days, features, active, sort_order`

func (t *pgTx) GetPackage(ctx context.Context, id uuid.UUID) (*CreditPackage, error) {
	var p CreditPackage
	err := t.tx.QueryRow(ctx, `SELECT `+packageColumns+` FROM credit_packages WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.CreditAmount, &p.BonusCredits, &p.Price, &p.Currency, &p.ValidityDays,
			&p.Features, &p.Active, &p.SortOrder)
	if err != nil {
		return nil, mapErr(err, ErrPackageNotFound)
	}
	return &p, nil
}

func (t *pgTx) UpsertPackage(ctx context.Context, p *CreditPackage) error {
	if p.ID == uuid.Nil {
		var id uuid.UUID
		err := t.tx.QueryRow(ctx, `SELECT id FROM credit_packages WHERE name = $1`, p.Name).Scan(&id)
		switch {
		case err == nil:
			p.ID = id
		case pg.IsNotFoundError(err):
			p.ID = uuid.New()
		default:
			return err
		}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, credit_amount = EXCLUDED.credit_amount,
			bonus_credits = EXCLUDED.bonus_credits, price = EXCLUDED.price,
			currency = EXCLUDED.currency, validity_days = EXCLUDED.validity_days,
			features = EXCLUDED.features, active = EXCLUDED.active, sort_order = EXCLUDED.sort_order`,
		p.ID, p.Name, p.CreditAmount, p.BonusCredits, p.Price, p.Currency, p.ValidityDays,
		p.Features, p.Active, p.SortOrder)
	return mapErr(err, nil)
}

const subscriptionColumns = `id, user_id, plan_id, external_id, status, current_period_start,
	current_period_end, canceled_at, cancel_reason, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.ExternalID, &s.Status, &s.CurrentPeriodStart,
		&s.CurrentPeriodEnd, &s.CanceledAt, &s.CancelReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, ErrSubscriptionNotFound)
	}
	return &s, nil
}

func (t *pgTx) GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status IN ('ACTIVE', 'PAUSED', 'ON_HOLD')
		FOR UPDATE`, userID))
}

func (t *pgTx) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return scanSubscription(t.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE external_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, externalID))
}

func (t *pgTx) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, s.PlanID, s.ExternalID, s.Status, s.CurrentPeriodStart,
		s.CurrentPeriodEnd, s.CanceledAt, s.CancelReason, s.CreatedAt, s.UpdatedAt)
	if pg.IsDuplicateKeyError(err) && s.Status.IsCurrent() {
		return errors.Join(ErrLiveSubscriptionExists, err)
	}
	return mapErr(err, nil)
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s *Subscription) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET plan_id = $2, external_id = $3, status = $4,
			current_period_start = $5, current_period_end = $6, canceled_at = $7,
			cancel_reason = $8, updated_at = $9
		WHERE id = $1`,
		s.ID, s.PlanID, s.ExternalID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.CanceledAt, s.CancelReason, s.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return errors.Join(ErrLiveSubscriptionExists, err)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (t *pgTx) ExpireCurrentSubscriptions(ctx context.Context, userID uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE subscriptions SET status = 'EXPIRED', current_period_end = $2, updated_at = $2
		WHERE user_id = $1 AND status IN ('ACTIVE', 'PAUSED', 'ON_HOLD')
		RETURNING id`, userID, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *pgTx) ListSubscriptionsEndingBefore(ctx context.Context, at time.Time, limit int) ([]Subscription, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('ACTIVE', 'PAUSED', 'ON_HOLD') AND current_period_end <= $1
		ORDER BY current_period_end LIMIT $2`, at, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSubscription)
}

const usageColumns = `id, subscription_id, purchase_id,
	max_projects, remaining_projects, max_teams, remaining_teams,
	max_proposals, remaining_proposals, max_requests, remaining_requests,
	max_credits, remaining_credits, updated_at`

func scanUsage(row pgx.Row) (*Usage, error) {
	var u Usage
	err := row.Scan(&u.ID, &u.SubscriptionID, &u.PurchaseID,
		&u.MaxProjects, &u.RemainingProjects, &u.MaxTeams, &u.RemainingTeams,
		&u.MaxProposals, &u.RemainingProposals, &u.MaxRequests, &u.RemainingRequests,
		&u.MaxCredits, &u.RemainingCredits, &u.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, ErrUsageNotFound)
	}
	return &u, nil
}

func (t *pgTx) GetSubscriptionUsage(ctx context.Context, subscriptionID uuid.UUID) (*Usage, error) {
	return scanUsage(t.tx.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usages WHERE subscription_id = $1 FOR UPDATE`, subscriptionID))
}

func (t *pgTx) GetPurchaseUsage(ctx context.Context, purchaseID uuid.UUID) (*Usage, error) {
	return scanUsage(t.tx.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM usages WHERE purchase_id = $1 FOR UPDATE`, purchaseID))
}

func (t *pgTx) CreateUsage(ctx context.Context, u *Usage) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO usages (`+usageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.SubscriptionID, u.PurchaseID,
		u.MaxProjects, u.RemainingProjects, u.MaxTeams, u.RemainingTeams,
		u.MaxProposals, u.RemainingProposals, u.MaxRequests, u.RemainingRequests,
		u.MaxCredits, u.RemainingCredits, u.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) UpdateUsage(ctx context.Context, u *Usage) error {
	if err := u.Validate(); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE usages SET
			max_projects = $2, remaining_projects = $3, max_teams = $4, remaining_teams = $5,
			max_proposals = $6, remaining_proposals = $7, max_requests = $8, remaining_requests = $9,
			max_credits = $10, remaining_credits = $11, updated_at = $12
		WHERE id = $1`,
		u.ID, u.MaxProjects, u.RemainingProjects, u.MaxTeams, u.RemainingTeams,
		u.MaxProposals, u.RemainingProposals, u.MaxRequests, u.RemainingRequests,
		u.MaxCredits, u.RemainingCredits, u.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUsageNotFound
	}
	return nil
}

const purchaseColumns = `id, user_id, package_id, order_id, credit_amount, bonus_credits,
	total_credits, status, purchased_at, expires_at`

func scanPurchase(row pgx.Row) (*CreditPurchase, error) {
	var p CreditPurchase
	err := row.Scan(&p.ID, &p.UserID, &p.PackageID, &p.OrderID, &p.CreditAmount, &p.BonusCredits,
		&p.TotalCredits, &p.Status, &p.PurchasedAt, &p.ExpiresAt)
	if err != nil {
		return nil, mapErr(err, ErrPurchaseNotFound)
	}
	return &p, nil
}

func (t *pgTx) GetPurchase(ctx context.Context, id uuid.UUID) (*CreditPurchase, error) {
	return scanPurchase(t.tx.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM credit_purchases WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetPurchaseByOrderID(ctx context.Context, orderID string) (*CreditPurchase, error) {
	return scanPurchase(t.tx.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM credit_purchases WHERE order_id = $1 FOR UPDATE`, orderID))
}

func (t *pgTx) CreatePurchase(ctx context.Context, p *CreditPurchase) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.UserID, p.PackageID, p.OrderID, p.CreditAmount, p.BonusCredits,
		p.TotalCredits, p.Status, p.PurchasedAt, p.ExpiresAt)
	return mapErr(err, nil)
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p *CreditPurchase) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE credit_purchases SET status = $2, expires_at = $3 WHERE id = $1`,
		p.ID, p.Status, p.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPurchaseNotFound
	}
	return nil
}

func (t *pgTx) ListActivePurchases(ctx context.Context, userID uuid.UUID, now time.Time) ([]CreditPurchase, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+purchaseColumns+` FROM credit_purchases
		WHERE user_id = $1 AND status = 'ACTIVE' AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY purchased_at ASC, id ASC
		FOR UPDATE`, userID, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPurchase)
}

func (t *pgTx) ListExpiredPurchases(ctx context.Context, now time.Time, limit int) ([]CreditPurchase, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+purchaseColumns+` FROM credit_purchases
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPurchase)
}

const paymentColumns = `id, user_id, subscription_id, purchase_id, amount, currency, gateway, method,
	status, period_start, period_end, external_id, metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.PurchaseID, &p.Amount, &p.Currency,
		&p.Gateway, &p.Method, &p.Status, &p.PeriodStart, &p.PeriodEnd, &p.ExternalID, &p.Metadata,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, ErrPaymentNotFound)
	}
	return &p, nil
}

func (t *pgTx) CreatePayment(ctx context.Context, p *Payment) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.UserID, p.SubscriptionID, p.PurchaseID, p.Amount, p.Currency, p.Gateway, p.Method,
		p.Status, p.PeriodStart, p.PeriodEnd, p.ExternalID, metadata, p.CreatedAt, p.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments SET status = $2, external_id = $3, metadata = $4, updated_at = $5
		WHERE id = $1`, p.ID, p.Status, p.ExternalID, metadata, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *pgTx) GetPaymentByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	if externalID == "" {
		return nil, ErrPaymentNotFound
	}
	return scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE external_id = $1
		ORDER BY seq DESC LIMIT 1 FOR UPDATE`, externalID))
}

func (t *pgTx) GetLatestSubscriptionPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1
		ORDER BY seq DESC LIMIT 1 FOR UPDATE`, subscriptionID))
}

func (t *pgTx) ListPayments(ctx context.Context, userID uuid.UUID) ([]Payment, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPayment)
}

func (t *pgTx) CancelPendingPayments(ctx context.Context, subscriptionIDs []uuid.UUID) (int64, error) {
	if len(subscriptionIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments SET status = 'CANCELED', updated_at = now()
		WHERE status = 'PENDING' AND subscription_id = ANY($1)`, subscriptionIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) CreateBillingEvent(ctx context.Context, e *BillingEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO billing_events (id, type, user_id, subscription_id, purchase_id,
			promotion_id, discount_id, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Type, e.UserID, e.SubscriptionID, e.PurchaseID,
		e.PromotionID, e.DiscountID, e.Amount, e.Description, e.CreatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) ListBillingEvents(ctx context.Context, userID uuid.UUID) ([]BillingEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, type, user_id, subscription_id, purchase_id, promotion_id, discount_id,
			amount, description, created_at
		FROM billing_events WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*BillingEvent, error) {
		var e BillingEvent
		err := row.Scan(&e.ID, &e.Type, &e.UserID, &e.SubscriptionID, &e.PurchaseID,
			&e.PromotionID, &e.DiscountID, &e.Amount, &e.Description, &e.CreatedAt)
		return &e, err
	})
}

const offerColumns = `id, code, scope, plan_id, package_id, kind, value, starts_at, ends_at,
	max_uses, used_count, active`

func scanOffer(row pgx.Row, id *uuid.UUID, o *Offer) error {
	return row.Scan(id, &o.Code, &o.Scope, &o.PlanID, &o.PackageID, &o.Kind, &o.Value,
		&o.StartsAt, &o.EndsAt, &o.MaxUses, &o.UsedCount, &o.Active)
}

func offerArgs(id uuid.UUID, o Offer) []any {
	return []any{id, o.Code, o.Scope, o.PlanID, o.PackageID, o.Kind, o.Value,
		o.StartsAt, o.EndsAt, o.MaxUses, o.UsedCount, o.Active}
}

func (t *pgTx) CreatePromotion(ctx context.Context, p *Promotion) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO promotions (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, offerArgs(p.ID, p.Offer)...)
	return mapErr(err, nil)
}

func (t *pgTx) GetPromotionByCode(ctx context.Context, code string) (*Promotion, error) {
	var p Promotion
	row := t.tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM promotions WHERE lower(code) = lower($1)`, code)
	if err := scanOffer(row, &p.ID, &p.Offer); err != nil {
		return nil, mapErr(err, ErrPromotionNotFound)
	}
	return &p, nil
}

// IncrementPromotionUse is a single conditional UPDATE so the cap check and
// the increment cannot interleave with another redemption.
func (t *pgTx) IncrementPromotionUse(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE promotions SET used_count = used_count + 1
		WHERE id = $1 AND (max_uses = 0 OR used_count < max_uses)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) CreateDiscount(ctx context.Context, d *Discount) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO discounts (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, offerArgs(d.ID, d.Offer)...)
	return mapErr(err, nil)
}

func (t *pgTx) ListActiveDiscounts(ctx context.Context, at time.Time) ([]Discount, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+offerColumns+` FROM discounts
		WHERE active AND starts_at <= $1 AND ends_at > $1
		ORDER BY starts_at, id`, at)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*Discount, error) {
		var d Discount
		err := scanOffer(row, &d.ID, &d.Offer)
		return &d, err
	})
}

func (t *pgTx) IncrementDiscountUse(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE discounts SET used_count = used_count + 1
		WHERE id = $1 AND (max_uses = 0 OR used_count < max_uses)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const webhookColumns = `id, provider, topic, event_type, object_id, event_id, user_id, payload,
	status, attempts, error, next_attempt_at, processed_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*WebhookEntry, error) {
	var w WebhookEntry
	err := row.Scan(&w.ID, &w.Provider, &w.Topic, &w.EventType, &w.ObjectID, &w.EventID, &w.UserID,
		&w.Payload, &w.Status, &w.Attempts, &w.Error, &w.NextAttemptAt, &w.ProcessedAt,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, ErrWebhookNotFound)
	}
	return &w, nil
}

func (t *pgTx) GetWebhook(ctx context.Context, id uuid.UUID) (*WebhookEntry, error) {
	return scanWebhook(t.tx.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_entries WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetWebhookByKey(ctx context.Context, provider, topic, objectID string) (*WebhookEntry, error) {
	return scanWebhook(t.tx.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM webhook_entries
		WHERE provider = $1 AND topic = $2 AND object_id = $3 FOR UPDATE`, provider, topic, objectID))
}

func (t *pgTx) CreateWebhook(ctx context.Context, w *WebhookEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO webhook_entries (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		w.ID, w.Provider, w.Topic, w.EventType, w.ObjectID, w.EventID, w.UserID, w.Payload,
		w.Status, w.Attempts, w.Error, w.NextAttemptAt, w.ProcessedAt, w.CreatedAt, w.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) UpdateWebhook(ctx context.Context, w *WebhookEntry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE webhook_entries SET status = $2, attempts = $3, error = $4, next_attempt_at = $5,
			processed_at = $6, user_id = $7, updated_at = $8
		WHERE id = $1`,
		w.ID, w.Status, w.Attempts, w.Error, w.NextAttemptAt, w.ProcessedAt, w.UserID, w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (t *pgTx) ListPendingWebhooks(ctx context.Context, maxAttempts int, now time.Time, limit int) ([]WebhookEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_entries
		WHERE status = 'pending' AND attempts < $1 AND next_attempt_at <= $2
		ORDER BY created_at ASC LIMIT $3`, maxAttempts, now, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWebhook)
}

func (t *pgTx) ResetFailedWebhooks(ctx context.Context, lifetimeCap int, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE webhook_entries SET status = 'pending', next_attempt_at = $2, updated_at = $2
		WHERE status = 'failed' AND attempts < $1`, lifetimeCap, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteProcessedWebhooksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM webhook_entries WHERE status = 'processed' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// limitOrAll maps a non-positive limit to LIMIT ALL semantics.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
