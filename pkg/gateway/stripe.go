package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider handles Stripe event notifications. Metadata on the
// subscription, invoice or checkout session carries user_id and package_id.
type StripeProvider struct {
	secret string
}

// NewStripeProvider returns a provider for the endpoint signing secret.
func NewStripeProvider(secret string) (*StripeProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", ErrInvalidConfiguration)
	}
	return &StripeProvider{secret: secret}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

// Verify checks the Stripe-Signature header. API version mismatches are
// tolerated.
func (p *StripeProvider) Verify(payload []byte, headers http.Header) error {
	_, err := webhook.ConstructEventWithOptions(payload, headers.Get("Stripe-Signature"), p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	return nil
}

type stripeMetadata struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

type stripeSubscription struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Currency string         `json:"currency"`
	Metadata stripeMetadata `json:"metadata"`
	Items    struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Currency     string         `json:"currency"`
	AmountPaid   int64          `json:"amount_paid"`
	AmountDue    int64          `json:"amount_due"`
	Subscription string         `json:"subscription"`
	Metadata     stripeMetadata `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string         `json:"subscription"`
			Metadata     stripeMetadata `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	Mode              string         `json:"mode"`
	PaymentStatus     string         `json:"payment_status"`
	PaymentIntent     string         `json:"payment_intent"`
	ClientReferenceID string         `json:"client_reference_id"`
	AmountTotal       int64          `json:"amount_total"`
	Currency          string         `json:"currency"`
	Metadata          stripeMetadata `json:"metadata"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
}

func (p *StripeProvider) Parse(payload []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if se.ID == "" || se.Type == "" || se.Data == nil {
		return nil, fmt.Errorf("%w: missing id, type or data", ErrMalformedEvent)
	}

	occurred := time.Unix(se.Created, 0).UTC()
	e := &Event{
		Provider:   p.Name(),
		EventType:  string(se.Type),
		EventID:    se.ID,
		OccurredAt: occurred,
		Raw:        payload,
	}

	switch se.Type {
	case "customer.subscription.created", "customer.subscription.deleted",
		"customer.subscription.paused", "customer.subscription.resumed",
		"customer.subscription.updated":
		var s stripeSubscription
		if err := json.Unmarshal(se.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: subscription data: %w", ErrMalformedEvent, err)
		}
		prev, _ := se.Data.PreviousAttributes["status"].(string)
		topic := stripeSubscriptionTopic(string(se.Type), s.Status, prev)
		if topic == TopicUnknown {
			break
		}
		body := &SubscriptionBody{
			ExternalID: s.ID,
			UserID:     parseUserID(s.Metadata.UserID),
			Status:     s.Status,
			Currency:   strings.ToUpper(s.Currency),
		}
		if len(s.Items.Data) > 0 {
			item := s.Items.Data[0]
			body.ExternalPlanID = item.Price.ID
			body.Amount = item.Price.UnitAmount
			body.PeriodStart = unixTime(item.CurrentPeriodStart)
			body.PeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
		e.Topic, e.ObjectID, e.Subscription = topic, s.ID, body

	case "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice data: %w", ErrMalformedEvent, err)
		}
		subID, meta := inv.Subscription, inv.Metadata
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			if subID == "" {
				subID = inv.Parent.SubscriptionDetails.Subscription
			}
			if meta.UserID == "" {
				meta = inv.Parent.SubscriptionDetails.Metadata
			}
		}
		if subID == "" {
			break
		}
		body := &PaymentBody{
			SaleID:        inv.ID,
			ExternalSubID: subID,
			UserID:        parseUserID(meta.UserID),
			Currency:      strings.ToUpper(inv.Currency),
			Status:        inv.Status,
			PaidAt:        occurred,
		}
		if se.Type == "invoice.paid" {
			e.Topic = TopicInvoicePaid
			body.Amount = inv.AmountPaid
			if inv.StatusTransitions.PaidAt > 0 {
				body.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
			}
		} else {
			e.Topic = TopicPaymentDenied
			body.Amount = inv.AmountDue
		}
		e.ObjectID, e.Payment = inv.ID, body

	case "checkout.session.completed":
		var cs stripeCheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session data: %w", ErrMalformedEvent, err)
		}
		if cs.Mode != "payment" || cs.PaymentStatus != "paid" {
			break
		}
		userID := cs.Metadata.UserID
		if userID == "" {
			userID = cs.ClientReferenceID
		}
		orderID := cs.PaymentIntent
		if orderID == "" {
			orderID = cs.ID
		}
		e.Topic, e.ObjectID = TopicCaptureCompleted, cs.ID
		e.Capture = &CaptureBody{
			CaptureID: cs.ID,
			OrderID:   orderID,
			UserID:    parseUserID(userID),
			PackageID: parseUserID(cs.Metadata.PackageID),
			Amount:    cs.AmountTotal,
			Currency:  strings.ToUpper(cs.Currency),
			PaidAt:    occurred,
		}

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(se.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge data: %w", ErrMalformedEvent, err)
		}
		if ch.PaymentIntent == "" {
			break
		}
		e.Topic, e.ObjectID = TopicRefunded, ch.ID
		e.Capture = &CaptureBody{
			CaptureID: ch.ID,
			OrderID:   ch.PaymentIntent,
			Amount:    ch.AmountRefunded,
			Currency:  strings.ToUpper(ch.Currency),
			PaidAt:    occurred,
		}
	}

	if e.Topic == "" {
		return unknown(p.Name(), e.EventType, se.ID, occurred, payload), nil
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// stripeSubscriptionTopic maps a subscription event to a topic. prevStatus
// is the status before an update, taken from previous_attributes; a
// subscription leaving incomplete for active or trialing is an activation.
func stripeSubscriptionTopic(eventType, status, prevStatus string) Topic {
	switch eventType {
	case "customer.subscription.created":
		if status == "active" || status == "trialing" {
			return TopicSubscriptionActivated
		}
	case "customer.subscription.deleted":
		return TopicSubscriptionCancelled
	case "customer.subscription.paused":
		return TopicSubscriptionSuspended
	case "customer.subscription.resumed":
		return TopicSubscriptionResumed
	case "customer.subscription.updated":
		switch status {
		case "past_due", "unpaid":
			return TopicSubscriptionPastDue
		case "active", "trialing":
			if prevStatus == "incomplete" {
				return TopicSubscriptionActivated
			}
		}
	}
	return TopicUnknown
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
