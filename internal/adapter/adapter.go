// Package adapter defines the contract between the delivery pipeline and the
// pluggable transports that perform the actual network calls.
package adapter

import (
	"context"

	"github.com/mailbox-labs/courier/internal/domain"
)

// Status is an adapter's connection health.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusDisabled     Status = "disabled"

	// StatusNotInitialized is reported by the dispatcher for providers whose
	// adapter has never been constructed; adapters themselves never return it.
	StatusNotInitialized Status = "not_initialized"
)

// Adapter is implemented per provider. Send must encode ordinary delivery
// failures (network errors, remote rejection) in the returned SendResult
// instead of letting them escape as errors; the dispatcher still guards
// against implementations that break this rule.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, entry *domain.OutboundMessageEntry) domain.SendResult
	HealthCheck() Status
}
