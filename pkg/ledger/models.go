package ledger

import (
	"time"

	"github.com/google/uuid"
)

// FreePlanName identifies the default plan every user falls back to.
const FreePlanName = "FREE"

// MetadataSaleID is the Payment metadata key holding the gateway's own
// sale or charge id. Renewal deduplication compares against it.
const MetadataSaleID = "sale_id"

// BillingPeriod is the length of a plan cycle.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "MONTHLY"
	PeriodYearly  BillingPeriod = "YEARLY"
)

// Next returns the end of a billing cycle that starts at t.
func (p BillingPeriod) Next(t time.Time) time.Time {
	if p == PeriodYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Feature is a quota template: the maximum amounts granted per period.
type Feature struct {
	Projects  int64 `yaml:"projects" json:"projects"`
	Teams     int64 `yaml:"teams" json:"teams"`
	Proposals int64 `yaml:"proposals" json:"proposals"`
	Requests  int64 `yaml:"requests" json:"requests"`
	Credits   int64 `yaml:"credits" json:"credits"`
}

// User is the account billing state hangs off.
type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	CreatedAt time.Time
}

// Plan is a subscription tier and the quotas it grants per period.
type Plan struct {
	ID             uuid.UUID
	Name           string
	Price          int64 // minor units
	Currency       string
	Period         BillingPeriod
	TrialDays      int
	Active         bool
	ExternalPlanID string
	Feature        Feature
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsFree reports whether p is the default FREE plan.
func (p Plan) IsFree() bool { return p.Name == FreePlanName }

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPaused   SubscriptionStatus = "PAUSED"
	SubscriptionOnHold   SubscriptionStatus = "ON_HOLD"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

// IsCurrent reports statuses that occupy the user's single current slot.
func (s SubscriptionStatus) IsCurrent() bool {
	switch s {
	case SubscriptionActive, SubscriptionPaused, SubscriptionOnHold:
		return true
	}
	return false
}

// Debitable reports whether usage may be drawn from a subscription in this
// status. Paused subscriptions keep their quota frozen.
func (s SubscriptionStatus) Debitable() bool {
	return s == SubscriptionActive || s == SubscriptionOnHold
}

// Subscription binds a user to a plan for the current period.
type Subscription struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PlanID             uuid.UUID
	ExternalID         string
	Status             SubscriptionStatus
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CanceledAt         *time.Time
	CancelReason       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreditPackage is a one-off bundle of credits for sale.
type CreditPackage struct {
	ID           uuid.UUID
	Name         string
	CreditAmount int64
	BonusCredits int64
	Price        int64
	Currency     string
	ValidityDays int // 0 means purchases never expire
	Features     *Feature
	Active       bool
	SortOrder    int
}

// Grant returns the quota a purchase of this package receives.
func (p CreditPackage) Grant() Feature {
	f := Feature{}
	if p.Features != nil {
		f = *p.Features
	}
	f.Credits = p.CreditAmount + p.BonusCredits
	return f
}

// PurchaseStatus is the lifecycle state of a credit purchase.
type PurchaseStatus string

const (
	PurchaseActive    PurchaseStatus = "ACTIVE"
	PurchaseExpired   PurchaseStatus = "EXPIRED"
	PurchaseCancelled PurchaseStatus = "CANCELLED"
	PurchaseFrozen    PurchaseStatus = "FROZEN"
	PurchasePastDue   PurchaseStatus = "PAST_DUE"
)

// CreditPurchase is a fulfilled credit package order.
type CreditPurchase struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PackageID    uuid.UUID
	OrderID      string
	CreditAmount int64
	BonusCredits int64
	TotalCredits int64
	Status       PurchaseStatus
	PurchasedAt  time.Time
	ExpiresAt    *time.Time
}

// Usable reports whether the purchase can be drawn from at t.
func (p CreditPurchase) Usable(t time.Time) bool {
	return p.Status == PurchaseActive && (p.ExpiresAt == nil || p.ExpiresAt.After(t))
}

// PaymentStatus is the gateway outcome of a charge.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// Payment records one gateway charge for a subscription or a purchase.
type Payment struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	PurchaseID     *uuid.UUID
	Amount         int64 // minor units
	Currency       string
	Gateway        string
	Method         string
	Status         PaymentStatus
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	ExternalID     string
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SaleID returns the gateway sale id recorded in metadata, if any.
func (p Payment) SaleID() string {
	return p.Metadata[MetadataSaleID]
}

// BillingEventType classifies entries of the billing history.
type BillingEventType string

const (
	EventPromotionApplied BillingEventType = "PROMOTION_APPLIED"
	EventDiscountApplied  BillingEventType = "DISCOUNT_APPLIED"
	EventRenewal          BillingEventType = "RENEWAL"
	EventCancellation     BillingEventType = "CANCELLATION"
)

// BillingEvent is an append-only billing history entry.
type BillingEvent struct {
	ID             uuid.UUID
	Type           BillingEventType
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	PurchaseID     *uuid.UUID
	PromotionID    *uuid.UUID
	DiscountID     *uuid.UUID
	Amount         int64
	Description    string
	CreatedAt      time.Time
}

// OfferScope limits what a promotion or discount applies to.
type OfferScope string

const (
	ScopeGlobal  OfferScope = "GLOBAL"
	ScopePlan    OfferScope = "PLAN"
	ScopePackage OfferScope = "PACKAGE"
)

// OfferKind is how an offer changes the price.
type OfferKind string

const (
	OfferPercent OfferKind = "PERCENT"
	OfferFixed   OfferKind = "FIXED"
)

// Offer holds the fields shared by promotions and discounts.
type Offer struct {
	Code      string
	Scope     OfferScope
	PlanID    *uuid.UUID
	PackageID *uuid.UUID
	Kind      OfferKind
	Value     int64 // percent points or minor units
	StartsAt  time.Time
	EndsAt    time.Time
	MaxUses   int64 // 0 means unlimited
	UsedCount int64
	Active    bool
}

// ValidAt reports whether the offer window contains t.
func (o Offer) ValidAt(t time.Time) bool {
	return o.Active && !t.Before(o.StartsAt) && t.Before(o.EndsAt)
}

// Exhausted reports whether the use cap has been reached.
func (o Offer) Exhausted() bool {
	return o.MaxUses > 0 && o.UsedCount >= o.MaxUses
}

// Promotion is a code-redeemed offer.
type Promotion struct {
	ID uuid.UUID
	Offer
}

// Discount is applied automatically to items in its scope.
type Discount struct {
	ID uuid.UUID
	Offer
}

// WebhookStatus is the processing state of a stored webhook.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEntry is one received gateway event. The triple
// (Provider, Topic, ObjectID) is unique.
type WebhookEntry struct {
	ID            uuid.UUID
	Provider      string
	Topic         string
	EventType     string
	ObjectID      string
	EventID       string
	UserID        *uuid.UUID
	Payload       []byte
	Status        WebhookStatus
	Attempts      int
	Error         string
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
