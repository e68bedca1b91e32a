package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

// Notifier receives at most one notice per user, kind and discriminator
// within a window.
type Notifier interface {
	SendOnce(ctx context.Context, n notifications.Notification, discriminator string, window time.Duration) (bool, error)
}

// Thresholds of aggregate credit consumption that trigger usage notices.
const (
	ApproachingPercent = 80.0
	ExceededPercent    = 100.0
)

// Engine debits metered usage against a user's subscription quota first and
// then against credit purchases in purchase order.
type Engine struct {
	store    ledger.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	window   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for debit failures and notices.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.logger = log }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifyWindow sets how long an identical notice is suppressed.
func WithNotifyWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// NewEngine returns an Engine over store. It panics when store or notifier is
// nil.
func NewEngine(store ledger.Store, notifier Notifier, opts ...Option) *Engine {
	if store == nil {
		panic("usage: store is required")
	}
	if notifier == nil {
		panic("usage: notifier is required")
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
		window:   notifications.DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Debit consumes amount units of res for the user. Either the whole amount
// is covered and every touched counter is written, or nothing changes and
// ErrInsufficientCredits is returned.
func (e *Engine) Debit(ctx context.Context, userID uuid.UUID, res Resource, amount int64) error {
	if !res.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownResource, res)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		now := e.now()

		before, err := snapshot(ctx, tx, userID, now)
		if err != nil {
			return err
		}

		need := amount
		var (
			notices  []notice
			depleted []*ledger.CreditPurchase
		)

		sub, err := tx.GetCurrentSubscription(ctx, userID)
		switch {
		case err == nil && sub.Status.Debitable():
			u, err := tx.GetSubscriptionUsage(ctx, sub.ID)
			if err != nil && !errors.Is(err, ledger.ErrUsageNotFound) {
				return err
			}
			if u != nil {
				remaining, _ := counter(u, res)
				take := min(*remaining, need)
				if take > 0 {
					*remaining -= take
					u.RemainingCredits = max(0, u.RemainingCredits-take*res.CreditsPerUnit())
					u.UpdatedAt = now
					if err := tx.UpdateUsage(ctx, u); err != nil {
						return err
					}
					need -= take
					if *remaining == 0 {
						notices = append(notices, limitReached(userID, res))
					}
				}
			}
		case err != nil && !errors.Is(err, ledger.ErrSubscriptionNotFound):
			return err
		}

		if need > 0 {
			purchases, err := tx.ListActivePurchases(ctx, userID, now)
			if err != nil {
				return err
			}
			for i := range purchases {
				if need == 0 {
					break
				}
				p := &purchases[i]
				u, err := tx.GetPurchaseUsage(ctx, p.ID)
				if errors.Is(err, ledger.ErrUsageNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				take := drawPurchase(u, res, need)
				if take == 0 {
					continue
				}
				u.UpdatedAt = now
				if err := tx.UpdateUsage(ctx, u); err != nil {
					return err
				}
				need -= take

				if u.MaxCredits > 0 && u.RemainingCredits == 0 {
					depleted = append(depleted, p)
				}
			}
		}

		if need > 0 {
			return fmt.Errorf("%w: %d %s units short", ErrInsufficientCredits, need, res)
		}

		after, err := snapshot(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if n, ok := thresholdNotice(userID, before.Credits, after.Credits); ok {
			notices = append(notices, notice{n: n})
		}

		// Depleted purchases are retired only after the aggregate is measured
		// so their consumed credits still count towards the threshold.
		for _, p := range depleted {
			p.Status = ledger.PurchaseExpired
			if err := tx.UpdatePurchase(ctx, p); err != nil {
				return err
			}
			name := p.PackageID.String()
			if pkg, err := tx.GetPackage(ctx, p.PackageID); err == nil {
				name = pkg.Name
			}
			notices = append(notices, packageExpired(userID, p.ID, name))
		}

		ledger.AfterCommit(ctx, func(ctx context.Context) {
			for _, n := range notices {
				e.notify(ctx, n)
			}
		})
		return nil
	})
	if err != nil {
		e.logger.DebugContext(ctx, "debit rejected",
			logger.UserID(userID), logger.Resource(string(res)), logger.Amount(amount), logger.Error(err))
		return err
	}
	return nil
}

// GetUsageState returns the aggregated usage of the user.
func (e *Engine) GetUsageState(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	var s *Snapshot
	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		s, err = snapshot(ctx, tx, userID, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CanDebit reports whether Debit would succeed right now without changing
// any counter.
func (e *Engine) CanDebit(ctx context.Context, userID uuid.UUID, res Resource, amount int64) (bool, error) {
	if !res.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownResource, res)
	}
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	var available int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		sub, err := tx.GetCurrentSubscription(ctx, userID)
		switch {
		case err == nil && sub.Status.Debitable():
			u, err := tx.GetSubscriptionUsage(ctx, sub.ID)
			if err != nil && !errors.Is(err, ledger.ErrUsageNotFound) {
				return err
			}
			if u != nil {
				remaining, _ := counter(u, res)
				available += *remaining
			}
		case err != nil && !errors.Is(err, ledger.ErrSubscriptionNotFound):
			return err
		}

		purchases, err := tx.ListActivePurchases(ctx, userID, e.now())
		if err != nil {
			return err
		}
		for _, p := range purchases {
			u, err := tx.GetPurchaseUsage(ctx, p.ID)
			if errors.Is(err, ledger.ErrUsageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			available += purchaseUnits(u, res)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}

// purchaseUnits is how many units of res a purchase can still cover. A
// purchase that carries its own quota for res is bounded by that counter;
// otherwise units are bought with its remaining credits.
func purchaseUnits(u *ledger.Usage, res Resource) int64 {
	remaining, limit := counter(u, res)
	if limit > 0 {
		return *remaining
	}
	return u.RemainingCredits / res.CreditsPerUnit()
}

// drawPurchase takes up to need units of res from u and returns how many it
// took.
func drawPurchase(u *ledger.Usage, res Resource, need int64) int64 {
	take := min(purchaseUnits(u, res), need)
	if take <= 0 {
		return 0
	}
	if remaining, limit := counter(u, res); limit > 0 {
		*remaining -= take
	}
	u.RemainingCredits = max(0, u.RemainingCredits-take*res.CreditsPerUnit())
	return take
}

// notice pairs a notification with the discriminator it is deduplicated by.
type notice struct {
	n             notifications.Notification
	discriminator string
}

func (e *Engine) notify(ctx context.Context, nt notice) {
	if _, err := e.notifier.SendOnce(ctx, nt.n, nt.discriminator, e.window); err != nil {
		e.logger.ErrorContext(ctx, "failed to send usage notification",
			logger.UserID(nt.n.UserID), slog.String("kind", string(nt.n.Kind)), logger.Error(err))
	}
}

func limitReached(userID uuid.UUID, res Resource) notice {
	return notice{
		n: notifications.Notification{
			UserID:   userID,
			Kind:     notifications.KindSubscriptionLimitReached,
			Severity: notifications.SeverityWarning,
			Title:    "Subscription limit reached",
			Content:  fmt.Sprintf("Your subscription has no %s units left this period.", res),
			Data:     map[string]any{"resource": string(res)},
		},
		discriminator: string(res),
	}
}

func packageExpired(userID, purchaseID uuid.UUID, name string) notice {
	return notice{
		n: notifications.Notification{
			UserID:   userID,
			Kind:     notifications.KindPackageExpired,
			Severity: notifications.SeverityInfo,
			Title:    "Credit package used up",
			Content:  fmt.Sprintf("All credits of %s have been used.", name),
			Data:     map[string]any{"package": name},
		},
		discriminator: purchaseID.String(),
	}
}

// thresholdNotice reports a notice when consumption crossed a threshold
// between two snapshots. Crossing 100% wins over crossing 80%.
func thresholdNotice(userID uuid.UUID, before, after Counter) (notifications.Notification, bool) {
	n := notifications.Notification{
		UserID: userID,
		Data:   map[string]any{"percent": after.Percent, "used": after.Used, "limit": after.Limit},
	}
	switch {
	case after.Limit == 0:
		return n, false
	case before.Percent < ExceededPercent && after.Percent >= ExceededPercent:
		n.Kind = notifications.KindUsageExceeded
		n.Severity = notifications.SeverityError
		n.Title = "Usage limit reached"
		n.Content = "You have used all of your available credits."
	case before.Percent < ApproachingPercent && after.Percent >= ApproachingPercent:
		n.Kind = notifications.KindUsageApproaching
		n.Severity = notifications.SeverityWarning
		n.Title = "Usage approaching limit"
		n.Content = fmt.Sprintf("You have used %.0f%% of your available credits.", after.Percent)
	default:
		return n, false
	}
	return n, true
}
