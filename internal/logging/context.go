package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const loggerKey = contextKey("logger")

// ToContext embeds a request-scoped logger into ctx.
//
// Example:
//
//	logger := factory.GetLogger("api").With(zap.String("request_id", id))
//	ctx = logging.ToContext(ctx, logger)
func ToContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger stored by ToContext, falling back to
// the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.L()
}
