// Package webhook is the reference transport adapter: a generic HTTP webhook
// that accepts {to, content} payloads. Real deployments register one per
// provider, each pointed at that provider's gateway.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mailbox-labs/courier/environments"
	adapterpkg "github.com/mailbox-labs/courier/internal/adapter"
	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/pkg/logger"
)

type Adapter struct {
	provider   string
	httpClient *resty.Client
	webhookURL string

	mu     sync.RWMutex
	status adapterpkg.Status
}

func NewAdapter(provider string, cfg environments.WebhookConfig) *Adapter {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0). // retry policy belongs to the pipeline, not the transport
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("x-courier-auth-key", cfg.AuthKey)

	return &Adapter{
		provider:   provider,
		httpClient: client,
		webhookURL: cfg.URL,
		status:     adapterpkg.StatusDisconnected,
	}
}

// Connect validates the configuration. The webhook transport is stateless,
// so there is no connection to open.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.webhookURL == "" {
		a.setStatus(adapterpkg.StatusError)
		return fmt.Errorf("webhook URL is not configured for provider %s", a.provider)
	}

	a.setStatus(adapterpkg.StatusConnected)
	logger.Infof("Webhook adapter for %s ready: %s", a.provider, a.webhookURL)
	return nil
}

func (a *Adapter) Disconnect() error {
	a.setStatus(adapterpkg.StatusDisconnected)
	return nil
}

// Send posts the message body to the webhook. Ordinary failures (transport
// errors, non-202 responses) are encoded in the SendResult, never returned
// as errors.
func (a *Adapter) Send(ctx context.Context, entry *domain.OutboundMessageEntry) domain.SendResult {
	result := domain.SendResult{
		MessageID: entry.ID,
		SentAt:    time.Now().UTC(),
	}

	payload := domain.WebhookRequest{
		To:      entry.To,
		Content: entry.Body,
	}

	var webhookResp domain.WebhookResponse

	startTime := time.Now()

	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&webhookResp).
		Post(a.webhookURL)

	duration := time.Since(startTime)

	if err != nil {
		result.Error = fmt.Sprintf("failed to send request: %v", err)
		return result
	}

	logger.Infof("Webhook request for %s to %s completed in %v (status: %d)",
		entry.ID, a.webhookURL, duration, resp.StatusCode())

	if resp.StatusCode() != http.StatusAccepted {
		result.Error = fmt.Sprintf("unexpected status code: %d (expected 202), body: %s",
			resp.StatusCode(), resp.String())
		return result
	}

	result.Success = true
	result.ProviderMessageID = webhookResp.MessageID

	return result
}

func (a *Adapter) HealthCheck() adapterpkg.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) URL() string {
	return a.webhookURL
}

func (a *Adapter) setStatus(status adapterpkg.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}
