// Package credits fulfils one-off credit package purchases and manages their
// status after the sale: refunds, chargebacks and validity expiry.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
	"github.com/dmitrymomot/billingcore/pkg/money"
	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

// Notifier delivers purchase notifications.
type Notifier interface {
	Send(ctx context.Context, n notifications.Notification) error
}

// Payment is the captured gateway payment for a purchase.
type Payment struct {
	ExternalID string
	Amount     int64 // minor units
	Currency   string
	Gateway    string
	Method     string
	Status     ledger.PaymentStatus
	PaidAt     time.Time
}

// FulfillRequest describes a paid credit package order.
type FulfillRequest struct {
	UserID    uuid.UUID
	PackageID uuid.UUID
	OrderID   string
	Payment   Payment
}

// Service grants, expires and refunds credit package purchases.
type Service struct {
	store       ledger.Store
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
	expireBatch int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for purchase lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.logger = log }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over store. It panics when store or notifier is nil.
func NewService(store ledger.Store, notifier Notifier, opts ...Option) *Service {
	if store == nil {
		panic("credits: store is required")
	}
	if notifier == nil {
		panic("credits: notifier is required")
	}
	s := &Service{
		store:       store,
		notifier:    notifier,
		logger:      slog.Default(),
		now:         time.Now,
		expireBatch: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fulfill records a paid credit package purchase with its usage counters and
// payment. A second call with the same order id returns the existing
// purchase together with ErrDuplicatePurchase and writes nothing.
func (s *Service) Fulfill(ctx context.Context, req FulfillRequest) (*ledger.CreditPurchase, error) {
	if req.Payment.Status != ledger.PaymentSucceeded {
		return nil, fmt.Errorf("%w: status %s", ErrPaymentNotSuccessful, req.Payment.Status)
	}

	var (
		purchase *ledger.CreditPurchase
		dup      bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.GetPurchaseByOrderID(ctx, req.OrderID)
		if err == nil {
			purchase, dup = existing, true
			return nil
		}
		if !errors.Is(err, ledger.ErrPurchaseNotFound) {
			return err
		}

		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			return err
		}
		pkg, err := tx.GetPackage(ctx, req.PackageID)
		if err != nil {
			return err
		}
		if !pkg.Active {
			return ErrPackageInactive
		}

		now := s.now()
		purchasedAt := req.Payment.PaidAt
		if purchasedAt.IsZero() {
			purchasedAt = now
		}
		grant := pkg.Grant()
		purchase = &ledger.CreditPurchase{
			ID:           uuid.New(),
			UserID:       req.UserID,
			PackageID:    pkg.ID,
			OrderID:      req.OrderID,
			CreditAmount: pkg.CreditAmount,
			BonusCredits: pkg.BonusCredits,
			TotalCredits: grant.Credits,
			Status:       ledger.PurchaseActive,
			PurchasedAt:  purchasedAt,
		}
		if pkg.ValidityDays > 0 {
			exp := purchasedAt.AddDate(0, 0, pkg.ValidityDays)
			purchase.ExpiresAt = &exp
		}
		if err := tx.CreatePurchase(ctx, purchase); err != nil {
			return err
		}

		u := ledger.NewPurchaseUsage(purchase.ID, grant)
		u.UpdatedAt = now
		if err := tx.CreateUsage(ctx, &u); err != nil {
			return err
		}

		if err := tx.CreatePayment(ctx, &ledger.Payment{
			ID:         uuid.New(),
			UserID:     req.UserID,
			PurchaseID: &purchase.ID,
			Amount:     req.Payment.Amount,
			Currency:   req.Payment.Currency,
			Gateway:    req.Payment.Gateway,
			Method:     req.Payment.Method,
			Status:     req.Payment.Status,
			ExternalID: req.Payment.ExternalID,
			Metadata:   map[string]string{"order_id": req.OrderID},
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}

		n := notifications.Notification{
			UserID:   req.UserID,
			Kind:     notifications.KindCreditsPurchased,
			Severity: notifications.SeveritySuccess,
			Title:    "Credits added",
			Content:  fmt.Sprintf("%d credits from %s were added to your account.", grant.Credits, pkg.Name),
			Data: map[string]any{
				"package_name": pkg.Name,
				"credits":      grant.Credits,
				"amount":       money.Format(req.Payment.Amount, req.Payment.Currency),
			},
		}
		ledger.AfterCommit(ctx, func(ctx context.Context) { s.notify(ctx, n) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dup {
		s.logger.InfoContext(ctx, "credit purchase already fulfilled",
			logger.UserID(purchase.UserID), logger.PurchaseID(purchase.ID), slog.String("order_id", req.OrderID))
		return purchase, ErrDuplicatePurchase
	}

	s.logger.InfoContext(ctx, "credit purchase fulfilled",
		logger.UserID(purchase.UserID), logger.PurchaseID(purchase.ID), logger.Amount(purchase.TotalCredits))
	return purchase, nil
}

// SetStatus moves the purchase of orderID to status. Refunds cancel a
// purchase, disputes freeze it; frozen purchases can be reactivated.
// Payments of the purchase follow: CANCELLED marks them refunded.
func (s *Service) SetStatus(ctx context.Context, orderID string, status ledger.PurchaseStatus) (*ledger.CreditPurchase, error) {
	var purchase *ledger.CreditPurchase
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		purchase, err = tx.GetPurchaseByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if purchase.Status == status {
			return nil
		}
		if !canMove(purchase.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, purchase.Status, status)
		}
		purchase.Status = status
		if err := tx.UpdatePurchase(ctx, purchase); err != nil {
			return err
		}

		if status != ledger.PurchaseCancelled {
			return nil
		}
		payments, err := tx.ListPayments(ctx, purchase.UserID)
		if err != nil {
			return err
		}
		for i := range payments {
			p := &payments[i]
			if p.PurchaseID == nil || *p.PurchaseID != purchase.ID || p.Status != ledger.PaymentSucceeded {
				continue
			}
			p.Status = ledger.PaymentRefunded
			p.UpdatedAt = s.now()
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "credit purchase status changed",
		logger.PurchaseID(purchase.ID), slog.String("status", string(status)))
	return purchase, nil
}

func canMove(from, to ledger.PurchaseStatus) bool {
	switch from {
	case ledger.PurchaseActive:
		return to != ledger.PurchaseActive
	case ledger.PurchaseFrozen, ledger.PurchasePastDue:
		return to == ledger.PurchaseActive || to == ledger.PurchaseCancelled || to == ledger.PurchaseExpired
	}
	return false
}

// ExpireDue marks purchases whose validity window has passed as EXPIRED and
// returns how many were changed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	var n int
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		due, err := tx.ListExpiredPurchases(ctx, s.now(), s.expireBatch)
		if err != nil {
			return err
		}
		for i := range due {
			p := &due[i]
			p.Status = ledger.PurchaseExpired
			if err := tx.UpdatePurchase(ctx, p); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired credit purchases", slog.Int("count", n))
	}
	return n, nil
}

func (s *Service) notify(ctx context.Context, n notifications.Notification) {
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.ErrorContext(ctx, "failed to send credits notification",
			logger.UserID(n.UserID), logger.Error(err))
	}
}
