// Package middleware provides HTTP middleware for the chainview server:
// Prometheus request metrics and OpenTelemetry request tracing. Both use
// the option-function pattern and register on the global providers.
package middleware
