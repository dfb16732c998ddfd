package logger

import (
	"go.uber.org/zap"

	"pagedb"
)

// Zap sends environment events to a zap.Logger through its sugared API.
type Zap struct {
	sugar *zap.SugaredLogger
}

func NewZap(logger *zap.Logger) pagedb.Logger {
	return &Zap{sugar: logger.Sugar()}
}

func (z *Zap) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

func (z *Zap) Warn(msg string, args ...any) { z.sugar.Warnw(msg, args...) }

func (z *Zap) Info(msg string, args ...any) { z.sugar.Infow(msg, args...) }
