package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/email"
	"github.com/dmitrymomot/billingcore/pkg/logger"
)

// Deliverer pushes a stored notification to the user through a channel.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// NoOpDeliverer drops every notification.
type NoOpDeliverer struct{}

func (NoOpDeliverer) Deliver(context.Context, Notification) error { return nil }

// MultiDeliverer fans a notification out to several channels. A failing
// channel is logged and does not stop the others.
type MultiDeliverer struct {
	deliverers []Deliverer
	logger     *slog.Logger
}

// NewMultiDeliverer fans a notification out to every deliverer.
func NewMultiDeliverer(log *slog.Logger, deliverers ...Deliverer) *MultiDeliverer {
	return &MultiDeliverer{deliverers: deliverers, logger: log}
}

func (m *MultiDeliverer) Deliver(ctx context.Context, n Notification) error {
	for i, d := range m.deliverers {
		if err := d.Deliver(ctx, n); err != nil {
			m.logger.LogAttrs(ctx, slog.LevelError, "failed to deliver notification",
				slog.String("notification_id", n.ID.String()),
				logger.UserID(n.UserID),
				slog.Int("deliverer_index", i),
				logger.Error(err),
			)
		}
	}
	return nil
}

// ErrTemplateNotFound tells EmailDeliverer that a notification has no email
// form. Such notifications are skipped silently.
var ErrTemplateNotFound = errors.New("email template not found")

// TemplateRenderer turns a template key and a flat data bag into an email.
type TemplateRenderer interface {
	Render(ctx context.Context, template string, data map[string]any) (subject, html string, err error)
}

// RecipientResolver returns the email address of a user.
type RecipientResolver func(ctx context.Context, userID uuid.UUID) (string, error)

// EmailDeliverer renders notifications and sends them as email.
type EmailDeliverer struct {
	renderer  TemplateRenderer
	recipient RecipientResolver
	sender    email.Sender
}

// NewEmailDeliverer returns a deliverer that renders n and mails it to the
// address recipient resolves.
func NewEmailDeliverer(renderer TemplateRenderer, recipient RecipientResolver, sender email.Sender) *EmailDeliverer {
	if renderer == nil || recipient == nil || sender == nil {
		panic("notifications: email deliverer requires renderer, recipient resolver and sender")
	}
	return &EmailDeliverer{renderer: renderer, recipient: recipient, sender: sender}
}

func (d *EmailDeliverer) Deliver(ctx context.Context, n Notification) error {
	subject, html, err := d.renderer.Render(ctx, n.TemplateKey(), n.Data)
	if errors.Is(err, ErrTemplateNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", n.TemplateKey(), err)
	}

	to, err := d.recipient(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	return d.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   to,
		Subject:  subject,
		BodyHTML: html,
		Tag:      string(n.Kind),
	})
}
