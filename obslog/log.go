// Package obslog is the structured logging entry point shared by every
// package in this module, wrapping go.uber.org/zap for one shared logger
// instead of ad-hoc log.Printf calls scattered per package.
package obslog

import "go.uber.org/zap"

// New returns a production zap.Logger. Callers that don't want logging
// (tests, library embedders) should pass zap.NewNop() instead.
func New() (*zap.Logger, error) {
	return zap.NewProduction()
}

// Development returns a human-readable, colorized-console zap.Logger
// suitable for local runs of cmd/demo.
func Development() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// ProviderField attaches a provider's identity to a log line under the
// same "provider_id" key the registry and balancer log with.
func ProviderField(id string) zap.Field {
	return zap.String("provider_id", id)
}
