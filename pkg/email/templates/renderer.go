package templates

import (
	"context"
	"fmt"

	"github.com/a-h/templ"

	"github.com/dmitrymomot/billingcore/pkg/notifications"
)

// Data is the flat bag a notification carries to its email.
type Data map[string]any

// Get returns the value under key formatted as text, or "" when absent.
func (d Data) Get(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Template builds the subject and body of one email.
type Template struct {
	Subject func(d Data) string
	Body    func(d Data) templ.Component
}

// Renderer resolves notification template keys to email templates.
type Renderer struct {
	appName   string
	templates map[string]Template
}

// NewRenderer returns a renderer preloaded with the billing templates.
func NewRenderer(appName string) *Renderer {
	return &Renderer{appName: appName, templates: billingTemplates()}
}

// Register adds or replaces the template for key.
func (r *Renderer) Register(key string, t Template) {
	r.templates[key] = t
}

// Render implements notifications.TemplateRenderer. Unknown keys yield
// notifications.ErrTemplateNotFound.
func (r *Renderer) Render(ctx context.Context, key string, data map[string]any) (string, string, error) {
	t, ok := r.templates[key]
	if !ok {
		return "", "", notifications.ErrTemplateNotFound
	}
	d := Data(data)
	subject := t.Subject(d)
	html, err := Render(ctx, Layout(r.appName, subject, t.Body(d)))
	if err != nil {
		return "", "", fmt.Errorf("render email %s: %w", key, err)
	}
	return subject, html, nil
}

func billingTemplates() map[string]Template {
	return map[string]Template{
		string(notifications.KindSubscriptionActivated): {
			Subject: func(d Data) string { return "Welcome to " + d.Get("plan_name") },
			Body: func(d Data) templ.Component {
				return Paragraphs(
					fmt.Sprintf("Your %s subscription is active.", d.Get("plan_name")),
					fmt.Sprintf("Billing period: %s to %s.", d.Get("period_start"), d.Get("period_end")),
					"Amount charged: "+d.Get("amount"),
				)
			},
		},
		string(notifications.KindSubscriptionRenewed): {
			Subject: func(d Data) string { return "Your " + d.Get("plan_name") + " subscription was renewed" },
			Body: func(d Data) templ.Component {
				return Paragraphs(
					fmt.Sprintf("We renewed your %s subscription until %s.", d.Get("plan_name"), d.Get("period_end")),
					"Amount charged: "+d.Get("amount"),
				)
			},
		},
		string(notifications.KindSubscriptionCanceled): {
			Subject: func(Data) string { return "Your subscription was canceled" },
			Body: func(d Data) templ.Component {
				lines := []string{"Your subscription has been canceled and your account moved to the free plan."}
				if reason := d.Get("reason"); reason != "" {
					lines = append(lines, "Reason: "+reason)
				}
				return Paragraphs(lines...)
			},
		},
		string(notifications.KindSubscriptionExpired): {
			Subject: func(Data) string { return "Your subscription has expired" },
			Body: func(Data) templ.Component {
				return Paragraphs("Your paid subscription has ended. You can subscribe again at any time.")
			},
		},
		string(notifications.KindPaymentFailed): {
			Subject: func(Data) string { return "We could not process your payment" },
			Body: func(Data) templ.Component {
				return Paragraphs("Your last payment did not go through. Please update your payment method to keep your plan.")
			},
		},
		string(notifications.KindCreditsPurchased): {
			Subject: func(d Data) string { return d.Get("credits") + " credits added to your account" },
			Body: func(d Data) templ.Component {
				return Paragraphs(
					fmt.Sprintf("Thank you for purchasing %s.", d.Get("package_name")),
					fmt.Sprintf("%s credits are ready to use.", d.Get("credits")),
					"Amount charged: "+d.Get("amount"),
				)
			},
		},
		string(notifications.KindUsageApproaching): {
			Subject: func(d Data) string { return "You have used " + d.Get("percent") + "% of your plan" },
			Body: func(d Data) templ.Component {
				return Paragraphs(fmt.Sprintf("You have used %s of %s units this period.", d.Get("used"), d.Get("limit")))
			},
		},
		string(notifications.KindUsageExceeded): {
			Subject: func(Data) string { return "You reached your plan limit" },
			Body: func(d Data) templ.Component {
				return Paragraphs(
					fmt.Sprintf("You have used all %s units of your plan this period.", d.Get("limit")),
					"Purchase a credit package or upgrade your plan to continue.",
				)
			},
		},
	}
}
