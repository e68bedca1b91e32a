package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic is the provider-independent meaning of a webhook event.
type Topic string

const (
	TopicSubscriptionActivated Topic = "subscription.activated"
	TopicSubscriptionCancelled Topic = "subscription.cancelled"
	TopicSubscriptionSuspended Topic = "subscription.suspended"
	TopicSubscriptionResumed   Topic = "subscription.resumed"
	TopicSubscriptionPastDue   Topic = "subscription.past_due"
	TopicSubscriptionExpired   Topic = "subscription.expired"
	// TopicInvoicePaid is a recurring subscription charge, the renewal
	// signal of invoice-based gateways.
	TopicInvoicePaid      Topic = "invoice.paid"
	TopicPaymentCompleted Topic = "payment.completed"
	TopicPaymentDenied    Topic = "payment.denied"
	TopicCaptureCompleted Topic = "capture.completed"
	TopicRefunded         Topic = "capture.refunded"
	TopicUnknown          Topic = "unknown"
)

// Event is a parsed, verified gateway notification. Exactly one body is set
// for known topics, none for TopicUnknown.
type Event struct {
	Provider   string
	Topic      Topic
	EventType  string // provider's own event type
	EventID    string
	ObjectID   string // id of the nested resource; part of the dedup key
	OccurredAt time.Time
	Raw        json.RawMessage

	Subscription *SubscriptionBody
	Payment      *PaymentBody
	Capture      *CaptureBody
}

// SubscriptionBody describes a gateway subscription resource.
type SubscriptionBody struct {
	ExternalID     string
	ExternalPlanID string
	UserID         uuid.UUID
	Status         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Amount         int64 // minor units, zero when unknown
	Currency       string
}

// PaymentBody describes a charge against a subscription.
type PaymentBody struct {
	SaleID        string
	ExternalSubID string
	UserID        uuid.UUID
	Amount        int64
	Currency      string
	Status        string
	PaidAt        time.Time
}

// CaptureBody describes a one-off payment for a credit package, or its
// refund.
type CaptureBody struct {
	CaptureID string
	OrderID   string
	UserID    uuid.UUID
	PackageID uuid.UUID
	Amount    int64
	Currency  string
	PaidAt    time.Time
}

// Validate checks that the event carries the body its topic requires.
func (e *Event) Validate() error {
	bodies := 0
	for _, set := range []bool{e.Subscription != nil, e.Payment != nil, e.Capture != nil} {
		if set {
			bodies++
		}
	}
	if e.Topic == TopicUnknown {
		if bodies != 0 {
			return fmt.Errorf("%w: unknown topic with a body", ErrMalformedEvent)
		}
		return nil
	}
	if bodies != 1 {
		return fmt.Errorf("%w: topic %s has %d bodies", ErrMalformedEvent, e.Topic, bodies)
	}
	if e.ObjectID == "" {
		return fmt.Errorf("%w: missing object id", ErrMalformedEvent)
	}

	var ok bool
	switch e.Topic {
	case TopicSubscriptionActivated, TopicSubscriptionCancelled, TopicSubscriptionSuspended,
		TopicSubscriptionResumed, TopicSubscriptionPastDue, TopicSubscriptionExpired:
		ok = e.Subscription != nil
	case TopicInvoicePaid, TopicPaymentCompleted, TopicPaymentDenied:
		ok = e.Payment != nil
	case TopicCaptureCompleted, TopicRefunded:
		ok = e.Capture != nil
	}
	if !ok {
		return fmt.Errorf("%w: topic %s with wrong body", ErrMalformedEvent, e.Topic)
	}
	return nil
}

func unknown(provider, eventType, eventID string, occurred time.Time, raw []byte) *Event {
	return &Event{
		Provider:   provider,
		Topic:      TopicUnknown,
		EventType:  eventType,
		EventID:    eventID,
		ObjectID:   eventID,
		OccurredAt: occurred,
		Raw:        raw,
	}
}

// parseUserID tolerates empty and malformed ids; handlers reject uuid.Nil
// where a user is required.
func parseUserID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
