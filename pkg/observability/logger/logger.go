// Package logger provides the structured logging contract used by every queue component.
package logger

import (
	"context"
)

// Logger is the structured logging contract. Log methods take a message followed by
// alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the key-value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the trace identifiers and the fields
	// attached to ctx through ContextWithFields.
	WithContext(ctx context.Context) Logger
}

type fieldsKey struct{}

// ContextWithFields attaches key-value pairs to ctx. Loggers derived with WithContext include them.
func ContextWithFields(ctx context.Context, args ...any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(args) == 0 {
		return ctx
	}
	existing := FieldsFromContext(ctx)
	merged := make([]any, 0, len(existing)+len(args))
	merged = append(merged, existing...)
	merged = append(merged, args...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FieldsFromContext returns the key-value pairs attached with ContextWithFields.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]any)
	return fields
}

// Nop returns a logger that discards every entry.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
