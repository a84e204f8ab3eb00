package logger

import "go.uber.org/zap"

// Zap wraps a zap.Logger to implement Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap creates a Logger from a zap.Logger.
func NewZap(l *zap.Logger) Logger {
	return &Zap{logger: l}
}

func (z *Zap) Error(msg string, kvs ...any) {
	z.logger.Sugar().Errorw(msg, kvs...)
}

func (z *Zap) Warn(msg string, kvs ...any) {
	z.logger.Sugar().Warnw(msg, kvs...)
}

func (z *Zap) Info(msg string, kvs ...any) {
	z.logger.Sugar().Infow(msg, kvs...)
}
