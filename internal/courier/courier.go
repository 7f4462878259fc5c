// Package courier runs the delivery loop: scan the outbound queue, dispatch
// each eligible message to its transport, and apply the result to the file
// store. One courier per mailbox directory; see the watcher for why.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/processor"
	"github.com/mailbox-labs/courier/pkg/logger"
)

// Small consumer-side interfaces so the loop can be unit tested with fakes.

type entrySource interface {
	Scan() []*domain.OutboundMessageEntry
	MarkProcessing(key string) bool
	MarkDone(key string)
}

type entryDispatcher interface {
	Dispatch(ctx context.Context, entry *domain.OutboundMessageEntry) domain.SendResult
}

type resultProcessor interface {
	ProcessSuccess(entry *domain.OutboundMessageEntry, result domain.SendResult) error
	ProcessFailure(entry *domain.OutboundMessageEntry, result domain.SendResult) (processor.Outcome, error)
}

type sentCache interface {
	CacheSentMessage(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error
}

type Config struct {
	Interval       time.Duration
	SendTimeout    time.Duration
	AlertWebhook   string
	AlertThreshold int // Number of consecutive all-fail cycles before alert
}

type Courier struct {
	source          entrySource
	dispatcher      entryDispatcher
	processor       resultProcessor
	cache           sentCache
	interval        time.Duration
	sendTimeout     time.Duration
	alertWebhook    string
	alertThreshold  int
	lastAlertSentAt time.Time

	// Internal state
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex

	// Statistics
	lastRunAt            time.Time
	messagesSent         int64
	messagesDeadlettered int64
	runsCount            int64

	// Alert tracking
	consecutiveAllFailCount int
}

func New(source entrySource, dispatcher entryDispatcher, proc resultProcessor, cache sentCache, cfg Config) *Courier {
	return &Courier{
		source:         source,
		dispatcher:     dispatcher,
		processor:      proc,
		cache:          cache,
		interval:       cfg.Interval,
		sendTimeout:    cfg.SendTimeout,
		alertWebhook:   cfg.AlertWebhook,
		alertThreshold: cfg.AlertThreshold,
		running:        false,
	}
}

// StartWithInterval overrides the poll interval and starts the loop.
func (c *Courier) StartWithInterval(ctx context.Context, intervalSeconds int) error {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}

	c.mu.Lock()
	c.interval = time.Duration(intervalSeconds) * time.Second
	c.consecutiveAllFailCount = 0
	c.mu.Unlock()

	return c.Start(ctx)
}

func (c *Courier) Start(ctx context.Context) error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()
		logger.Warnf("Courier is already running")
		return nil
	}

	c.running = true
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	c.mu.Unlock()

	logger.Infof("Starting courier with poll interval: %v", c.interval)

	go c.run(ctx)

	return nil
}

func (c *Courier) run(ctx context.Context) {
	defer close(c.doneChan)

	c.processCycle(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Infof("Courier running. Next cycle in %v", c.interval)

	for {
		select {
		case <-ticker.C:
			c.processCycle(ctx)
			logger.Debugf("Next cycle in %v", c.interval)

		case <-c.stopChan:
			logger.Warnf("Courier received stop signal")
			return

		case <-ctx.Done():
			logger.Warnf("Courier context cancelled")
			return
		}
	}
}

// processCycle runs one scan-dispatch-process pass. Each claimed entry is
// handled in its own goroutine with its own send deadline, so a hung adapter
// bounds out at the timeout instead of stalling unrelated messages.
func (c *Courier) processCycle(ctx context.Context) {
	c.mu.Lock()
	c.lastRunAt = time.Now()
	c.runsCount++
	runNumber := c.runsCount
	sendTimeout := c.sendTimeout
	alertWebhook := c.alertWebhook
	alertThreshold := c.alertThreshold
	c.mu.Unlock()

	logger.Infof("[Cycle #%d] Scanning outbound queue at %s", runNumber, c.lastRunAt.Format(time.RFC3339))

	entries := c.source.Scan()
	if len(entries) == 0 {
		logger.Debugf("[Cycle #%d] No eligible messages", runNumber)
		return
	}

	logger.Infof("[Cycle #%d] Processing %d eligible messages", runNumber, len(entries))

	var (
		wg           sync.WaitGroup
		resultsMu    sync.Mutex
		results      []domain.SendResult
		deadlettered int64
	)

	for _, entry := range entries {
		if !c.source.MarkProcessing(entry.ClaimKey()) {
			continue
		}

		wg.Add(1)
		go func(entry *domain.OutboundMessageEntry) {
			defer wg.Done()
			defer c.source.MarkDone(entry.ClaimKey())

			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			result := c.dispatcher.Dispatch(sendCtx, entry)

			var outcome processor.Outcome
			if result.Success {
				if err := c.processor.ProcessSuccess(entry, result); err != nil {
					// Delivery happened; only the bookkeeping failed. The
					// file keeps status=sent in outbound and is not retried.
					logger.Errorf("[Cycle #%d] Failed to archive %s: %v", runNumber, entry.ID, err)
				} else {
					outcome = processor.OutcomeArchived
					c.cacheSentMessage(ctx, entry.ID, result)
				}
			} else {
				var err error
				outcome, err = c.processor.ProcessFailure(entry, result)
				if err != nil {
					logger.Errorf("[Cycle #%d] Failed to record failure of %s: %v", runNumber, entry.ID, err)
				}
			}

			resultsMu.Lock()
			results = append(results, result)
			if outcome == processor.OutcomeDeadlettered {
				deadlettered++
			}
			resultsMu.Unlock()
		}(entry)
	}

	wg.Wait()

	// Count successful sends
	successCount := 0
	allFailed := true
	for _, r := range results {
		if r.Success {
			successCount++
			allFailed = false
		}
	}

	c.mu.Lock()
	c.messagesSent += int64(successCount)
	c.messagesDeadlettered += deadlettered

	// Track consecutive all-fail cycles
	if allFailed && len(results) > 0 {
		c.consecutiveAllFailCount++
		logger.Warnf("[Cycle #%d] All %d messages failed (consecutive count: %d/%d)",
			runNumber, len(results), c.consecutiveAllFailCount, alertThreshold)

		if c.consecutiveAllFailCount >= alertThreshold && alertThreshold > 0 && alertWebhook != "" {
			go c.sendAlert(alertWebhook, runNumber, c.consecutiveAllFailCount, len(results))
		}
	} else {
		if c.consecutiveAllFailCount > 0 {
			logger.Debugf(
				"[Cycle #%d] Resetting consecutive failure count (was: %d)",
				runNumber,
				c.consecutiveAllFailCount,
			)
		}
		c.consecutiveAllFailCount = 0
	}
	c.mu.Unlock()

	logger.Infof("[Cycle #%d] Processed %d messages, %d successful, %d failed, %d deadlettered",
		runNumber, len(results), successCount, len(results)-successCount, deadlettered)
}

func (c *Courier) cacheSentMessage(ctx context.Context, messageID string, result domain.SendResult) {
	if c.cache == nil {
		return
	}
	if err := c.cache.CacheSentMessage(ctx, messageID, result.ProviderMessageID, result.SentAt); err != nil {
		logger.Warnf("Failed to cache sent message %s: %v", messageID, err)
	}
}

func (c *Courier) Stop() error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		logger.Warnf("Courier is not running")
		return nil
	}

	c.running = false
	stopChan := c.stopChan
	doneChan := c.doneChan
	c.mu.Unlock()

	// Send stop signal
	close(stopChan)

	// Wait for goroutine to finish
	<-doneChan

	logger.Infof("Courier stopped")
	return nil
}

func (c *Courier) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Courier) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := Status{
		Running:                 c.running,
		LastRunAt:               c.lastRunAt,
		MessagesSent:            c.messagesSent,
		MessagesDeadlettered:    c.messagesDeadlettered,
		RunsCount:               c.runsCount,
		Interval:                c.interval,
		ConsecutiveAllFailCount: c.consecutiveAllFailCount,
		LastAlertSentAt:         c.lastAlertSentAt,
	}

	if c.running && !c.lastRunAt.IsZero() {
		status.NextRunAt = c.lastRunAt.Add(c.interval)
	}

	return status
}

func (c *Courier) sendAlert(webhookURL string, runNumber int64, consecutiveFailures int, messagesInBatch int) {
	alertPayload := map[string]any{
		"alert":               "consecutive_all_fail",
		"runNumber":           runNumber,
		"consecutiveFailures": consecutiveFailures,
		"messagesInBatch":     messagesInBatch,
		"timestamp":           time.Now().Format(time.RFC3339),
		"message": fmt.Sprintf(
			"All %d messages failed for %d consecutive cycles",
			messagesInBatch,
			consecutiveFailures,
		),
	}

	jsonData, err := json.Marshal(alertPayload)
	if err != nil {
		logger.Errorf("Failed to marshal alert payload: %v", err)
		return
	}

	resp, err := http.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		logger.Errorf("Failed to send alert to webhook: %v", err)
		return
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close alert webhook response body: %v", err)
		}
	}()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		c.mu.Lock()
		c.lastAlertSentAt = time.Now()
		c.mu.Unlock()
		logger.Infof("Alert sent successfully to %s (consecutive failures: %d)", webhookURL, consecutiveFailures)
	} else {
		logger.Warnf("Alert webhook returned status %d", resp.StatusCode)
	}
}

type Status struct {
	Running                 bool          `json:"running"`
	LastRunAt               time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt               time.Time     `json:"nextRunAt,omitempty"`
	MessagesSent            int64         `json:"messagesSent"`
	MessagesDeadlettered    int64         `json:"messagesDeadlettered"`
	RunsCount               int64         `json:"runsCount"`
	Interval                time.Duration `json:"interval"`
	ConsecutiveAllFailCount int           `json:"consecutiveAllFailCount"`
	LastAlertSentAt         time.Time     `json:"lastAlertSentAt,omitempty"`
}
