// Package logger provides structured logging with configurable levels and
// output formats. It wraps the standard log/slog package: text output for
// local development, JSON when running in prod or when asked for explicitly.
package logger
