package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/money"
)

// HMACProvider handles PayPal-style events (BILLING.SUBSCRIPTION.*,
// PAYMENT.SALE.*, PAYMENT.CAPTURE.*) signed with the X-Webhook-* HMAC
// headers.
//
// Subscriptions carry the user id in custom_id. Captures carry
// "<user id>:<package id>" in custom_id and the order id in
// supplementary_data.related_ids.order_id.
type HMACProvider struct {
	name      string
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// HMACOption configures an HMACProvider.
type HMACOption func(*HMACProvider)

// WithHMACName overrides the provider name, "paypal" by default.
func WithHMACName(name string) HMACOption {
	return func(p *HMACProvider) { p.name = name }
}

// WithHMACTolerance sets the maximum signature age. Zero disables the check.
func WithHMACTolerance(d time.Duration) HMACOption {
	return func(p *HMACProvider) { p.tolerance = d }
}

// WithHMACClock replaces the clock used for the timestamp tolerance check.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(p *HMACProvider) { p.now = now }
}

// NewHMACProvider returns a provider verifying signatures made with secret.
// An empty secret is an ErrInvalidConfiguration.
func NewHMACProvider(secret string, opts ...HMACOption) (*HMACProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: hmac secret is required", ErrInvalidConfiguration)
	}
	p := &HMACProvider{
		name:      "paypal",
		secret:    secret,
		tolerance: 5 * time.Minute,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *HMACProvider) Name() string { return p.name }

func (p *HMACProvider) Verify(payload []byte, headers http.Header) error {
	sig, err := ExtractSignatureHeaders(headers)
	if err != nil {
		return err
	}
	return VerifySignature(p.secret, payload, sig, p.tolerance, p.now())
}

type paypalEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalAmount struct {
	// subscriptions and captures use value/currency_code, sales total/currency
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
	Total        string `json:"total"`
	Currency     string `json:"currency"`
}

func (a paypalAmount) minor() (int64, string, error) {
	value, code := a.Value, a.CurrencyCode
	if value == "" {
		value, code = a.Total, a.Currency
	}
	if value == "" {
		return 0, code, nil
	}
	code = strings.ToUpper(code)
	n, err := money.ParseMinor(value, code)
	if err != nil {
		return 0, code, fmt.Errorf("%w: amount %q: %w", ErrMalformedEvent, value, err)
	}
	return n, code, nil
}

type paypalSubscription struct {
	ID          string    `json:"id"`
	PlanID      string    `json:"plan_id"`
	CustomID    string    `json:"custom_id"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	BillingInfo struct {
		NextBillingTime time.Time `json:"next_billing_time"`
		LastPayment     struct {
			Amount paypalAmount `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

type paypalSale struct {
	ID                 string       `json:"id"`
	State              string       `json:"state"`
	Amount             paypalAmount `json:"amount"`
	BillingAgreementID string       `json:"billing_agreement_id"`
	Custom             string       `json:"custom"`
	CreateTime         time.Time    `json:"create_time"`
}

type paypalCapture struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	Amount            paypalAmount `json:"amount"`
	CustomID          string       `json:"custom_id"`
	CreateTime        time.Time    `json:"create_time"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID   string `json:"order_id"`
			CaptureID string `json:"capture_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

var paypalTopics = map[string]Topic{
	"BILLING.SUBSCRIPTION.ACTIVATED":      TopicSubscriptionActivated,
	"BILLING.SUBSCRIPTION.CANCELLED":      TopicSubscriptionCancelled,
	"BILLING.SUBSCRIPTION.SUSPENDED":      TopicSubscriptionSuspended,
	"BILLING.SUBSCRIPTION.RE-ACTIVATED":   TopicSubscriptionResumed,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": TopicSubscriptionPastDue,
	"BILLING.SUBSCRIPTION.EXPIRED":        TopicSubscriptionExpired,
	"PAYMENT.SALE.COMPLETED":              TopicPaymentCompleted,
	"PAYMENT.SALE.DENIED":                 TopicPaymentDenied,
	"PAYMENT.CAPTURE.COMPLETED":           TopicCaptureCompleted,
	"PAYMENT.CAPTURE.REFUNDED":            TopicRefunded,
	"PAYMENT.CAPTURE.REVERSED":            TopicRefunded,
}

func (p *HMACProvider) Parse(payload []byte) (*Event, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: missing id or event_type", ErrMalformedEvent)
	}

	topic, ok := paypalTopics[env.EventType]
	if !ok {
		return unknown(p.name, env.EventType, env.ID, env.CreateTime, payload), nil
	}
	e := &Event{
		Provider:   p.name,
		Topic:      topic,
		EventType:  env.EventType,
		EventID:    env.ID,
		OccurredAt: env.CreateTime,
		Raw:        payload,
	}

	switch topic {
	case TopicSubscriptionActivated, TopicSubscriptionCancelled, TopicSubscriptionSuspended,
		TopicSubscriptionResumed, TopicSubscriptionPastDue, TopicSubscriptionExpired:
		var r paypalSubscription
		if err := json.Unmarshal(env.Resource, &r); err != nil {
			return nil, fmt.Errorf("%w: subscription resource: %w", ErrMalformedEvent, err)
		}
		amount, currency, err := r.BillingInfo.LastPayment.Amount.minor()
		if err != nil {
			return nil, err
		}
		e.ObjectID = r.ID
		e.Subscription = &SubscriptionBody{
			ExternalID:     r.ID,
			ExternalPlanID: r.PlanID,
			UserID:         parseUserID(r.CustomID),
			Status:         r.Status,
			PeriodStart:    r.StartTime,
			PeriodEnd:      r.BillingInfo.NextBillingTime,
			Amount:         amount,
			Currency:       currency,
		}

	case TopicPaymentCompleted, TopicPaymentDenied:
		var r paypalSale
		if err := json.Unmarshal(env.Resource, &r); err != nil {
			return nil, fmt.Errorf("%w: sale resource: %w", ErrMalformedEvent, err)
		}
		amount, currency, err := r.Amount.minor()
		if err != nil {
			return nil, err
		}
		e.ObjectID = r.ID
		e.Payment = &PaymentBody{
			SaleID:        r.ID,
			ExternalSubID: r.BillingAgreementID,
			UserID:        parseUserID(r.Custom),
			Amount:        amount,
			Currency:      currency,
			Status:        r.State,
			PaidAt:        r.CreateTime,
		}

	case TopicCaptureCompleted, TopicRefunded:
		var r paypalCapture
		if err := json.Unmarshal(env.Resource, &r); err != nil {
			return nil, fmt.Errorf("%w: capture resource: %w", ErrMalformedEvent, err)
		}
		amount, currency, err := r.Amount.minor()
		if err != nil {
			return nil, err
		}
		userID, packageID := splitCustomID(r.CustomID)
		e.ObjectID = r.ID
		e.Capture = &CaptureBody{
			CaptureID: r.ID,
			OrderID:   r.SupplementaryData.RelatedIDs.OrderID,
			UserID:    userID,
			PackageID: packageID,
			Amount:    amount,
			Currency:  currency,
			PaidAt:    r.CreateTime,
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// splitCustomID parses "<user id>:<package id>".
func splitCustomID(s string) (userID, packageID uuid.UUID) {
	u, pkg, _ := strings.Cut(s, ":")
	return parseUserID(u), parseUserID(pkg)
}
