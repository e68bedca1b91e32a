// Package notifications is the sink for user-facing billing messages.
//
// Manager persists every notification first and then hands it to a
// Deliverer on a best-effort basis. SendOnce adds a deduplication window so
// repeated alerts (usage thresholds, depleted packages) reach the user at
// most once per window.
package notifications

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened. It doubles as the deduplication type and
// the default email template key.
type Kind string

const (
	KindSubscriptionLimitReached Kind = "subscription_limit_reached"
	KindPackageExpired           Kind = "package_expired"
	KindUsageApproaching         Kind = "usage_approaching_limit"
	KindUsageExceeded            Kind = "usage_limit_exceeded"
	KindSubscriptionActivated    Kind = "subscription_activated"
	KindSubscriptionRenewed      Kind = "subscription_renewed"
	KindSubscriptionPaused       Kind = "subscription_paused"
	KindSubscriptionResumed      Kind = "subscription_resumed"
	KindSubscriptionCanceled     Kind = "subscription_canceled"
	KindSubscriptionExpired      Kind = "subscription_expired"
	KindPaymentFailed            Kind = "payment_failed"
	KindCreditsPurchased         Kind = "credits_purchased"
)

// Severity is how prominently a notification is shown.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one message to a user. Template and Data feed the email
// renderer; an empty Template falls back to the Kind.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      Kind
	Severity  Severity
	Title     string
	Content   string
	Template  string
	Data      map[string]any
	Read      bool
	CreatedAt time.Time
}

// TemplateKey returns the renderer template for the notification.
func (n Notification) TemplateKey() string {
	if n.Template != "" {
		return n.Template
	}
	return string(n.Kind)
}
