package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the user identifier under the key "user_id".
// If id is nil, it returns an empty Attr.
func UserID(id any) slog.Attr {
	return optional("user_id", id)
}

// SubscriptionID records the subscription identifier under "subscription_id".
func SubscriptionID(id any) slog.Attr {
	return optional("subscription_id", id)
}

// PurchaseID records the credit purchase identifier under "purchase_id".
func PurchaseID(id any) slog.Attr {
	return optional("purchase_id", id)
}

// PlanID records the plan identifier under "plan_id".
func PlanID(id any) slog.Attr {
	return optional("plan_id", id)
}

// WebhookID records the webhook queue entry identifier under "webhook_id".
func WebhookID(id any) slog.Attr {
	return optional("webhook_id", id)
}

// RequestID records the request identifier under the key "request_id".
// If id is nil, it returns an empty Attr.
func RequestID(id any) slog.Attr {
	return optional("request_id", id)
}

// Provider returns the payment gateway attribute.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Topic returns the webhook topic attribute.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// ObjectID records the gateway object id that forms the webhook dedup key.
func ObjectID(id string) slog.Attr {
	return slog.String("object_id", id)
}

// Attempts returns the delivery attempt counter attribute.
func Attempts(n int) slog.Attr {
	return slog.Int("attempts", n)
}

// Resource records the metered resource (project, team, ...) under "resource".
func Resource(name string) slog.Attr {
	return slog.String("resource", name)
}

// Amount returns an amount in minor units.
func Amount(n int64) slog.Attr {
	return slog.Int64("amount", n)
}

// Duration records a duration under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func optional(key string, v any) slog.Attr {
	if v == nil {
		return slog.Attr{}
	}
	return slog.Any(key, v)
}
