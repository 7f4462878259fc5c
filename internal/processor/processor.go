// Package processor applies a dispatch result to the message file: archive on
// success, backoff-and-retry or deadletter on failure.
package processor

import (
	"fmt"
	"math"
	"time"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/schema"
	"github.com/mailbox-labs/courier/pkg/logger"
)

// Outcome describes where a processed message ended up.
type Outcome string

const (
	OutcomeArchived       Outcome = "archived"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadlettered   Outcome = "deadlettered"
)

// Processor rewrites and moves message files. It never looks back at a file
// after handing it off; the frontmatter it writes is derived from the entry
// captured at scan time, so a concurrent external edit of the same file is
// silently overwritten (known, undecided conflict case).
//
// Filesystem errors do not count against a message's retry budget: the entry
// is left as it was in outbound/ and the next scan cycle picks it up again.
type Processor struct {
	mailbox *mailbox.Mailbox
	retry   environments.RetryConfig
	now     func() time.Time
}

func New(mb *mailbox.Mailbox, retry environments.RetryConfig) *Processor {
	return &Processor{
		mailbox: mb,
		retry:   retry,
		now:     time.Now,
	}
}

// ProcessSuccess records the delivery in the frontmatter and moves the file
// to archive/{provider}/. The message only counts as archived if the move
// itself succeeded.
func (p *Processor) ProcessSuccess(entry *domain.OutboundMessageEntry, result domain.SendResult) error {
	frontmatter := cloneFrontmatter(entry.Frontmatter)
	frontmatter[domain.FieldStatus] = string(domain.StatusSent)
	frontmatter[domain.FieldSentAt] = p.now().UTC().Format(time.RFC3339)
	if result.ProviderMessageID != "" {
		frontmatter[domain.FieldProviderMessageID] = result.ProviderMessageID
	}
	delete(frontmatter, domain.FieldNextRetryAt)
	delete(frontmatter, domain.FieldErrorMessage)

	if err := p.rewrite(entry, frontmatter); err != nil {
		return err
	}

	dst, err := p.mailbox.MoveToArea(entry.FilePath, mailbox.AreaArchive, entry.Provider)
	if err != nil {
		logger.Errorf("Failed to archive message %s: %v", entry.ID, err)
		p.restore(entry)
		return err
	}

	logger.Infof("Archived message %s -> %s", entry.ID, dst)
	return nil
}

// ProcessFailure advances the retry state machine. With retries remaining the
// file is rewritten in place with an absolute next_retry_at so the schedule
// survives a process restart; once the budget is exhausted the file moves to
// .deadletter/{provider}/ as a terminal record.
func (p *Processor) ProcessFailure(entry *domain.OutboundMessageEntry, result domain.SendResult) (Outcome, error) {
	newRetryCount := entry.RetryCount + 1
	frontmatter := cloneFrontmatter(entry.Frontmatter)
	frontmatter[domain.FieldRetryCount] = newRetryCount
	if result.Error != "" {
		frontmatter[domain.FieldErrorMessage] = result.Error
	}

	if newRetryCount >= p.retry.MaxRetries {
		frontmatter[domain.FieldStatus] = string(domain.StatusFailed)
		frontmatter[domain.FieldFailedAt] = p.now().UTC().Format(time.RFC3339)
		delete(frontmatter, domain.FieldNextRetryAt)

		if err := p.rewrite(entry, frontmatter); err != nil {
			return "", err
		}

		dst, err := p.mailbox.MoveToArea(entry.FilePath, mailbox.AreaDeadletter, entry.Provider)
		if err != nil {
			logger.Errorf("Failed to deadletter message %s: %v", entry.ID, err)
			p.restore(entry)
			return "", err
		}

		logger.Warnf("Message %s exhausted %d retries, deadlettered -> %s (last error: %s)",
			entry.ID, p.retry.MaxRetries, dst, result.Error)
		return OutcomeDeadlettered, nil
	}

	nextRetryAt := p.now().UTC().Add(p.Backoff(newRetryCount))
	frontmatter[domain.FieldStatus] = string(domain.StatusPending)
	frontmatter[domain.FieldNextRetryAt] = nextRetryAt.Format(time.RFC3339)

	if err := p.rewrite(entry, frontmatter); err != nil {
		return "", err
	}

	logger.Infof("Retry %d/%d scheduled for message %s at %s",
		newRetryCount, p.retry.MaxRetries, entry.ID, nextRetryAt.Format(time.RFC3339))
	return OutcomeRetryScheduled, nil
}

// Backoff returns the delay before retry attempt n:
// min(base * multiplier^n, max). The caller converts it into an absolute
// timestamp at computation time.
func (p *Processor) Backoff(n int) time.Duration {
	ms := float64(p.retry.BackoffBaseMS) * math.Pow(p.retry.BackoffMultiplier, float64(n))
	if limit := float64(p.retry.BackoffMaxMS); ms > limit {
		ms = limit
	}
	return time.Duration(ms) * time.Millisecond
}

// restore puts the pre-attempt frontmatter back after a failed move into a
// terminal area. A terminal status must never be left behind in outbound/:
// the watcher would exclude the file forever while no terminal area holds it.
// Restoring the scan-time state keeps the retry bookkeeping untouched so the
// next cycle picks the message up again.
func (p *Processor) restore(entry *domain.OutboundMessageEntry) {
	if err := p.rewrite(entry, entry.Frontmatter); err != nil {
		logger.Errorf("Failed to restore message %s after failed move: %v", entry.ID, err)
	}
}

// rewrite serializes the updated frontmatter and atomically replaces the
// message file in place.
func (p *Processor) rewrite(entry *domain.OutboundMessageEntry, frontmatter map[string]any) error {
	content, err := schema.Serialize(frontmatter, entry.Body)
	if err != nil {
		logger.Errorf("Failed to serialize message %s: %v", entry.ID, err)
		return fmt.Errorf("failed to serialize message %s: %w", entry.ID, err)
	}

	if err := p.mailbox.WriteAtomic(entry.FilePath, content); err != nil {
		logger.Errorf("Failed to rewrite message %s, leaving it for the next cycle: %v", entry.ID, err)
		return err
	}

	return nil
}

func cloneFrontmatter(frontmatter map[string]any) map[string]any {
	clone := make(map[string]any, len(frontmatter))
	for k, v := range frontmatter {
		clone[k] = v
	}
	return clone
}
