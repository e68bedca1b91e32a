// Package gateway verifies and parses payment gateway webhooks.
//
// Each Provider authenticates a raw payload with its gateway's signing
// scheme and maps it into a provider-independent Event. Verification and
// parsing are separate steps so callers can persist an authenticated
// payload before interpreting it.
//
// Supported gateways:
//
//   - HMACProvider: PayPal-style events signed with X-Webhook-Signature
//     and X-Webhook-Timestamp headers.
//   - PaddleProvider: Paddle Billing notifications.
//   - StripeProvider: Stripe events.
//
// Unrecognised event types parse into TopicUnknown without error so they
// can be acknowledged and skipped.
package gateway
