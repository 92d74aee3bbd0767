// Package logger builds configured slog loggers for the billing services.
//
// The factory wraps the chosen slog handler with a decorator that injects
// request-scoped attributes from context at log time, so identifiers like the
// marketplace message ID follow a webhook through every layer it touches
// without threading them manually.
package logger
