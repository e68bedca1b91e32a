package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/shopspring/decimal"
)

// PaddleProvider handles Paddle Billing notifications. Signatures are
// checked with the SDK verifier; custom_data carries user_id and, for
// one-off purchases, package_id.
type PaddleProvider struct {
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider returns a provider verifying Paddle-Signature headers with
// the notification secret.
func NewPaddleProvider(secret string) (*PaddleProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: paddle webhook secret is required", ErrInvalidConfiguration)
	}
	return &PaddleProvider{verifier: paddle.NewWebhookVerifier(secret)}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

// Verify rebuilds the request the SDK verifier expects from the raw payload
// and the Paddle-Signature header.
func (p *PaddleProvider) Verify(payload []byte, headers http.Header) error {
	req, err := http.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	req.Header.Set("Paddle-Signature", headers.Get("Paddle-Signature"))

	ok, err := p.verifier.Verify(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	return nil
}

type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleCustomData struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

type paddleSubscription struct {
	ID                   string           `json:"id"`
	Status               string           `json:"status"`
	CurrencyCode         string           `json:"currency_code"`
	CustomData           paddleCustomData `json:"custom_data"`
	CurrentBillingPeriod *struct {
		StartsAt time.Time `json:"starts_at"`
		EndsAt   time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

type paddleTransaction struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	SubscriptionID string           `json:"subscription_id"`
	CurrencyCode   string           `json:"currency_code"`
	CustomData     paddleCustomData `json:"custom_data"`
	BilledAt       *time.Time       `json:"billed_at"`
	Details        struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
}

type paddleAdjustment struct {
	ID            string `json:"id"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	CurrencyCode  string `json:"currency_code"`
	Totals        struct {
		Total string `json:"total"`
	} `json:"totals"`
}

func (p *PaddleProvider) Parse(payload []byte) (*Event, error) {
	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_id or event_type", ErrMalformedEvent)
	}

	e := &Event{
		Provider:   p.Name(),
		EventType:  env.EventType,
		EventID:    env.EventID,
		OccurredAt: env.OccurredAt,
		Raw:        payload,
	}

	switch {
	case strings.HasPrefix(env.EventType, "subscription."):
		topic := paddleSubscriptionTopic(env.EventType)
		if topic == TopicUnknown {
			break
		}
		var s paddleSubscription
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("%w: subscription data: %w", ErrMalformedEvent, err)
		}
		if env.EventType == "subscription.created" && s.Status != "active" {
			break
		}
		body := &SubscriptionBody{
			ExternalID: s.ID,
			UserID:     parseUserID(s.CustomData.UserID),
			Status:     s.Status,
			Currency:   strings.ToUpper(s.CurrencyCode),
		}
		if len(s.Items) > 0 {
			body.ExternalPlanID = s.Items[0].Price.ID
		}
		if s.CurrentBillingPeriod != nil {
			body.PeriodStart = s.CurrentBillingPeriod.StartsAt
			body.PeriodEnd = s.CurrentBillingPeriod.EndsAt
		}
		e.Topic, e.ObjectID, e.Subscription = topic, s.ID, body

	case env.EventType == "transaction.completed", env.EventType == "transaction.payment_failed":
		var t paddleTransaction
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return nil, fmt.Errorf("%w: transaction data: %w", ErrMalformedEvent, err)
		}
		amount, err := paddleMinor(t.Details.Totals.GrandTotal)
		if err != nil {
			return nil, err
		}
		paidAt := env.OccurredAt
		if t.BilledAt != nil {
			paidAt = *t.BilledAt
		}
		currency := strings.ToUpper(t.CurrencyCode)
		e.ObjectID = t.ID

		switch {
		case env.EventType == "transaction.payment_failed":
			e.Topic = TopicPaymentDenied
			e.Payment = &PaymentBody{
				SaleID: t.ID, ExternalSubID: t.SubscriptionID, UserID: parseUserID(t.CustomData.UserID),
				Amount: amount, Currency: currency, Status: t.Status, PaidAt: paidAt,
			}
		case t.SubscriptionID != "":
			e.Topic = TopicInvoicePaid
			e.Payment = &PaymentBody{
				SaleID: t.ID, ExternalSubID: t.SubscriptionID, UserID: parseUserID(t.CustomData.UserID),
				Amount: amount, Currency: currency, Status: t.Status, PaidAt: paidAt,
			}
		default:
			e.Topic = TopicCaptureCompleted
			e.Capture = &CaptureBody{
				CaptureID: t.ID, OrderID: t.ID,
				UserID: parseUserID(t.CustomData.UserID), PackageID: parseUserID(t.CustomData.PackageID),
				Amount: amount, Currency: currency, PaidAt: paidAt,
			}
		}

	case env.EventType == "adjustment.created", env.EventType == "adjustment.updated":
		var a paddleAdjustment
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("%w: adjustment data: %w", ErrMalformedEvent, err)
		}
		if a.Action != "refund" || a.Status != "approved" {
			break
		}
		amount, err := paddleMinor(a.Totals.Total)
		if err != nil {
			return nil, err
		}
		e.Topic, e.ObjectID = TopicRefunded, a.ID
		e.Capture = &CaptureBody{
			CaptureID: a.TransactionID, OrderID: a.TransactionID,
			Amount: amount, Currency: strings.ToUpper(a.CurrencyCode), PaidAt: env.OccurredAt,
		}
	}

	if e.Topic == "" {
		return unknown(p.Name(), env.EventType, env.EventID, env.OccurredAt, payload), nil
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func paddleSubscriptionTopic(eventType string) Topic {
	switch eventType {
	case "subscription.activated", "subscription.created":
		return TopicSubscriptionActivated
	case "subscription.canceled":
		return TopicSubscriptionCancelled
	case "subscription.paused":
		return TopicSubscriptionSuspended
	case "subscription.resumed":
		return TopicSubscriptionResumed
	case "subscription.past_due":
		return TopicSubscriptionPastDue
	}
	return TopicUnknown
}

// paddleMinor parses Paddle totals, which are strings already in minor units.
func paddleMinor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %w", ErrMalformedEvent, s, err)
	}
	return d.IntPart(), nil
}
