package gateway

import (
	"fmt"
	"time"
)

// Config holds per-gateway webhook secrets. A gateway with an empty secret
// is not registered.
type Config struct {
	PayPalSecret       string        `env:"GATEWAY_PAYPAL_WEBHOOK_SECRET"`
	PaddleSecret       string        `env:"GATEWAY_PADDLE_WEBHOOK_SECRET"`
	StripeSecret       string        `env:"GATEWAY_STRIPE_WEBHOOK_SECRET"`
	SignatureTolerance time.Duration `env:"GATEWAY_SIGNATURE_TOLERANCE" envDefault:"5m"`
}

// NewRegistryFromConfig registers every gateway that has a secret configured.
func NewRegistryFromConfig(cfg Config) (*Registry, error) {
	var providers []Provider

	if cfg.PayPalSecret != "" {
		p, err := NewHMACProvider(cfg.PayPalSecret, WithHMACTolerance(cfg.SignatureTolerance))
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.PaddleSecret != "" {
		p, err := NewPaddleProvider(cfg.PaddleSecret)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.StripeSecret != "" {
		p, err := NewStripeProvider(cfg.StripeSecret)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no gateway secrets configured", ErrInvalidConfiguration)
	}
	return NewRegistry(providers...), nil
}
