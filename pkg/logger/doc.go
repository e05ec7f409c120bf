// Package logger builds the slog.Logger used across billingd and provides
// attribute helpers so billing logs name things consistently.
//
// New returns a JSON logger by default. WithEnvironment switches to text at
// debug level for development and tags every record with service and env;
// WithConfig lets LOG_LEVEL and LOG_FORMAT override that.
//
// Every logger masks secrets: attributes keyed by DefaultRedactedKeys (API
// keys, webhook secrets, signature headers) or WithRedactedKeys are written as
// Redacted, including inside groups. ContextExtractor callbacks add
// request-scoped attributes such as the request id at log time.
//
//	log := logger.New(
//		logger.WithEnvironment(environment.Production, "billingd"),
//		logger.WithConfig(cfg),
//		logger.WithContextExtractors(httpapi.RequestIDExtractor()),
//	)
//	logger.SetAsDefault(log)
//
//	log.LogAttrs(ctx, slog.LevelInfo, "subscription changed",
//		logger.AccountID(accountID),
//		logger.Status(sub.Status),
//		logger.PlanID(sub.PlanID))
package logger
