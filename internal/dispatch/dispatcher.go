// Package dispatch routes outbound messages to the transport adapter
// registered for their provider and normalizes every outcome into a
// SendResult value.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailbox-labs/courier/internal/adapter"
	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/pkg/logger"
)

// Factory builds an adapter on first use. Construction runs lazily inside
// Dispatch so a provider with no traffic never opens a connection.
type Factory func() (adapter.Adapter, error)

type Dispatcher struct {
	mu        sync.Mutex
	factories map[string]Factory
	adapters  map[string]adapter.Adapter
}

func New() *Dispatcher {
	return &Dispatcher{
		factories: make(map[string]Factory),
		adapters:  make(map[string]adapter.Adapter),
	}
}

// Register installs the factory for a provider. Registering twice replaces
// the factory but keeps an already-constructed adapter.
func (d *Dispatcher) Register(provider string, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[provider] = factory
}

// Dispatch resolves the adapter for the entry's provider and performs the
// send. Every failure mode, including a missing adapter, a failing
// constructor or connect, and a panic escaping a misbehaving adapter, comes
// back as a failed SendResult; Dispatch never returns an error.
//
// A send that exceeds ctx's deadline is reported as a failure even though
// the remote side may have accepted it, so a later retry can duplicate the
// delivery. That is the accepted at-least-once tradeoff of this pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, entry *domain.OutboundMessageEntry) (result domain.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Adapter for %s panicked sending %s: %v", entry.Provider, entry.ID, r)
			result = failedResult(entry, fmt.Sprintf("adapter panic: %v", r))
		}
	}()

	a, err := d.adapterFor(ctx, entry.Provider)
	if err != nil {
		logger.Warnf("No adapter available for provider %s: %v", entry.Provider, err)
		return failedResult(entry, fmt.Sprintf("no adapter available for provider %s: %v", entry.Provider, err))
	}

	result = a.Send(ctx, entry)

	if result.MessageID == "" {
		result.MessageID = entry.ID
	}
	if result.SentAt.IsZero() {
		result.SentAt = time.Now().UTC()
	}

	return result
}

// adapterFor returns the memoized adapter for a provider, constructing and
// connecting it on first use. Only a fully connected adapter is memoized, so
// a transient connect failure is retried on the next dispatch.
func (d *Dispatcher) adapterFor(ctx context.Context, provider string) (adapter.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.adapters[provider]; ok {
		return a, nil
	}

	factory, ok := d.factories[provider]
	if !ok {
		return nil, fmt.Errorf("provider is not registered")
	}

	a, err := factory()
	if err != nil {
		return nil, fmt.Errorf("adapter construction failed: %w", err)
	}
	if err := a.Connect(ctx); err != nil {
		return nil, fmt.Errorf("adapter connect failed: %w", err)
	}

	d.adapters[provider] = a
	return a, nil
}

// HealthCheck reports the status of the requested providers, or of every
// registered provider when none are given. Providers whose adapter has never
// been constructed report not_initialized; no adapter is constructed here.
func (d *Dispatcher) HealthCheck(providers ...string) map[string]adapter.Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(providers) == 0 {
		for provider := range d.factories {
			providers = append(providers, provider)
		}
	}

	statuses := make(map[string]adapter.Status, len(providers))
	for _, provider := range providers {
		if a, ok := d.adapters[provider]; ok {
			statuses[provider] = a.HealthCheck()
		} else {
			statuses[provider] = adapter.StatusNotInitialized
		}
	}

	return statuses
}

// Shutdown disconnects every constructed adapter. Disconnect errors are
// collected rather than short-circuiting, so one failing adapter cannot keep
// the others connected.
func (d *Dispatcher) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for provider, a := range d.adapters {
		if err := a.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", provider, err))
		}
		delete(d.adapters, provider)
	}

	return errors.Join(errs...)
}

func failedResult(entry *domain.OutboundMessageEntry, message string) domain.SendResult {
	return domain.SendResult{
		MessageID: entry.ID,
		Success:   false,
		Error:     message,
		SentAt:    time.Now().UTC(),
	}
}
