// Package wlog wraps zap with the field vocabulary winksock-go needs, so
// call sites spell out "what happened" and this package spells out "how it
// gets logged."
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package wlog

import "go.uber.org/zap"

// Nop returns a logger that discards everything, used as the zero-value
// default for ClientConfig.Logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Authority tags a logger with the connection's pool key.
func Authority(l *zap.Logger, authority string) *zap.Logger {
	return l.With(zap.String("authority", authority))
}

// Chan tags a logger with a channel id.
func Chan(l *zap.Logger, id uint32) *zap.Logger {
	return l.With(zap.Uint32("channel_id", id))
}

// Op tags a logger with a wire operation name.
func Op(l *zap.Logger, op string) *zap.Logger {
	return l.With(zap.String("op", op))
}
