// Package logger builds *slog.Logger instances for billing services and
// provides attribute helpers so that every component logs ledger entities
// under the same keys.
//
// New assembles a text or JSON handler from functional options and wraps it
// with LogHandlerDecorator, which pulls request-scoped values (such as the
// inbound webhook request id) out of context.Context on every record.
//
//	log := logger.New(logger.WithEnvironment(cfg.Env, "billingd"))
//	log.InfoContext(ctx, "subscription renewed",
//		logger.UserID(userID),
//		logger.SubscriptionID(sub.ID),
//	)
package logger
