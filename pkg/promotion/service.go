// Package promotion applies promotion codes and automatic discounts to a
// charge. Use caps are enforced with the store's atomic compare-and-increment
// so concurrent redemptions never exceed MaxUses.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// ApplyRequest is a price to discount for a user.
type ApplyRequest struct {
	UserID uuid.UUID
	// Exactly one of SubscriptionID and PurchaseID identifies what is paid.
	SubscriptionID *uuid.UUID
	PurchaseID     *uuid.UUID
	PlanID         *uuid.UUID
	PackageID      *uuid.UUID
	Amount         int64 // minor units
	Codes          []string
}

// Applied is one redeemed offer.
type Applied struct {
	PromotionID *uuid.UUID
	DiscountID  *uuid.UUID
	Code        string
	Amount      int64 // the charge after this offer
}

// Rejection explains why a code or discount was not redeemed.
type Rejection struct {
	Code   string
	Reason string
}

// Result is the discounted price and the offers that produced it.
type Result struct {
	Original int64
	// Amount is the charge after the last redeemed offer. Offers do not
	// stack: each is computed against Original.
	Amount   int64
	Applied  []Applied
	Rejected []Rejection
}

// Service validates promotion codes and applies automatic discounts.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.logger = log }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over store.
func NewService(store ledger.Store, opts ...Option) *Service {
	if store == nil {
		panic("promotion: store is required")
	}
	s := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePromotion validates and stores a code-redeemed offer.
func (s *Service) CreatePromotion(ctx context.Context, p *ledger.Promotion) error {
	p.Code = NormalizeCode(p.Code)
	if p.Code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidOffer)
	}
	if err := validateOffer(p.Offer); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreatePromotion(ctx, p)
	})
}

// CreateDiscount validates and stores an automatically applied offer.
func (s *Service) CreateDiscount(ctx context.Context, d *ledger.Discount) error {
	d.Code = NormalizeCode(d.Code)
	if err := validateOffer(d.Offer); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateDiscount(ctx, d)
	})
}

// Apply redeems every in-scope automatic discount and then every given code,
// in order. Each redemption writes a billing event. Offers that are unknown,
// out of their window, out of scope or exhausted are reported in Rejected.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Result, error) {
	if (req.SubscriptionID == nil) == (req.PurchaseID == nil) {
		return nil, ErrInvalidTarget
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	var res *Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		res = &Result{Original: req.Amount, Amount: req.Amount}
		now := s.now()

		discounts, err := tx.ListActiveDiscounts(ctx, now)
		if err != nil {
			return err
		}
		for _, d := range discounts {
			if !inScope(d.Offer, req.PlanID, req.PackageID) {
				continue
			}
			ok, err := tx.IncrementDiscountUse(ctx, d.ID)
			if err != nil {
				return err
			}
			if !ok {
				res.Rejected = append(res.Rejected, Rejection{Code: d.Code, Reason: "exhausted"})
				continue
			}
			a := Applied{DiscountID: &d.ID, Code: d.Code, Amount: Adjust(req.Amount, d.Offer)}
			if err := s.record(ctx, tx, req, a, ledger.EventDiscountApplied, now); err != nil {
				return err
			}
			res.Applied = append(res.Applied, a)
			res.Amount = a.Amount
		}

		seen := make(map[string]bool, len(req.Codes))
		for _, raw := range req.Codes {
			code := NormalizeCode(raw)
			if code == "" || seen[code] {
				continue
			}
			seen[code] = true
			p, err := tx.GetPromotionByCode(ctx, code)
			if errors.Is(err, ledger.ErrPromotionNotFound) {
				res.Rejected = append(res.Rejected, Rejection{Code: code, Reason: "unknown"})
				continue
			}
			if err != nil {
				return err
			}
			if reason := rejectReason(p.Offer, req, now); reason != "" {
				res.Rejected = append(res.Rejected, Rejection{Code: code, Reason: reason})
				continue
			}
			ok, err := tx.IncrementPromotionUse(ctx, p.ID)
			if err != nil {
				return err
			}
			if !ok {
				res.Rejected = append(res.Rejected, Rejection{Code: code, Reason: "exhausted"})
				continue
			}
			a := Applied{PromotionID: &p.ID, Code: p.Code, Amount: Adjust(req.Amount, p.Offer)}
			if err := s.record(ctx, tx, req, a, ledger.EventPromotionApplied, now); err != nil {
				return err
			}
			res.Applied = append(res.Applied, a)
			res.Amount = a.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(res.Applied) > 0 {
		s.logger.InfoContext(ctx, "offers applied",
			logger.UserID(req.UserID), slog.Int("applied", len(res.Applied)),
			slog.Int64("original", res.Original), logger.Amount(res.Amount))
	}
	return res, nil
}

func rejectReason(o ledger.Offer, req ApplyRequest, now time.Time) string {
	switch {
	case !o.ValidAt(now):
		return "expired"
	case !inScope(o, req.PlanID, req.PackageID):
		return "out of scope"
	case o.Exhausted():
		return "exhausted"
	}
	return ""
}

func (s *Service) record(ctx context.Context, tx ledger.Tx, req ApplyRequest, a Applied, typ ledger.BillingEventType, now time.Time) error {
	return tx.CreateBillingEvent(ctx, &ledger.BillingEvent{
		ID:             uuid.New(),
		Type:           typ,
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		PurchaseID:     req.PurchaseID,
		PromotionID:    a.PromotionID,
		DiscountID:     a.DiscountID,
		Amount:         req.Amount - a.Amount,
		Description:    fmt.Sprintf("%s applied", a.Code),
		CreatedAt:      now,
	})
}
