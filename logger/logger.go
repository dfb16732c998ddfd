// Package logger adapts logrus and zap loggers to pagedb.Logger.
//
// *slog.Logger satisfies pagedb.Logger without an adapter.
//
//	zl, _ := zap.NewProduction()
//	env, err := pagedb.Open("data", pagedb.WithLogger(logger.NewZap(zl)))
package logger
