// Package watcher discovers outbound messages that are eligible for a send
// attempt right now.
package watcher

import (
	"sync"
	"time"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/schema"
	"github.com/mailbox-labs/courier/pkg/logger"
)

// Watcher scans the outbound area of the mailbox. Its claim set is owned by
// the instance, not shared process-wide, so two watchers never exclude each
// other's entries and tests can run watchers side by side.
//
// The claim set gives same-process mutual exclusion only. Running more than
// one courier process against the same mailbox directory is unsafe: nothing
// on disk prevents both from sending and rewriting the same file.
type Watcher struct {
	mailbox    *mailbox.Mailbox
	providers  []string
	maxRetries int
	limits     schema.Limits
	now        func() time.Time

	mu         sync.Mutex
	processing map[string]struct{}
}

func New(mb *mailbox.Mailbox, providers []string, maxRetries int, limits schema.Limits) *Watcher {
	return &Watcher{
		mailbox:    mb,
		providers:  providers,
		maxRetries: maxRetries,
		limits:     limits,
		now:        time.Now,
		processing: make(map[string]struct{}),
	}
}

// Scan walks every provider's outbound directory and returns the entries
// eligible for a send attempt. Files that fail to parse or validate are
// logged and skipped in place; they never block the rest of the scan and are
// never modified or removed. No ordering across entries is guaranteed.
func (w *Watcher) Scan() []*domain.OutboundMessageEntry {
	var eligible []*domain.OutboundMessageEntry

	for _, provider := range w.providers {
		paths, err := w.mailbox.ListMessages(mailbox.AreaOutbound, provider)
		if err != nil {
			logger.Errorf("Failed to list outbound messages for %s: %v", provider, err)
			continue
		}

		for _, path := range paths {
			entry, ok := w.parseEntry(path)
			if !ok {
				continue
			}
			if w.isEligible(entry) {
				eligible = append(eligible, entry)
			}
		}
	}

	return eligible
}

func (w *Watcher) parseEntry(path string) (*domain.OutboundMessageEntry, bool) {
	content, err := w.mailbox.ReadMessage(path)
	if err != nil {
		logger.Errorf("Failed to read message file %s: %v", path, err)
		return nil, false
	}

	frontmatter, body, err := schema.Parse(content)
	if err != nil {
		logger.Warnf("Skipping unparseable message file %s: %v", path, err)
		return nil, false
	}

	if problems := schema.Validate(frontmatter, body, domain.KindOutbound, w.limits); len(problems) > 0 {
		logger.Warnf("Skipping invalid message file %s: %v", path, problems)
		return nil, false
	}

	return domain.NewOutboundEntry(path, frontmatter, body), true
}

func (w *Watcher) isEligible(entry *domain.OutboundMessageEntry) bool {
	if entry.Status == domain.StatusSent || entry.Status == domain.StatusSending {
		return false
	}
	if entry.RetryCount >= w.maxRetries {
		return false
	}
	if entry.NextRetryAt != nil && w.now().Before(*entry.NextRetryAt) {
		return false
	}

	w.mu.Lock()
	_, claimed := w.processing[entry.ClaimKey()]
	w.mu.Unlock()

	return !claimed
}

// MarkProcessing claims an entry for this watcher instance, keyed by the
// entry's ClaimKey. It returns false if the key is already claimed, so
// overlapping poll cycles cannot hand the same message to two workers.
func (w *Watcher) MarkProcessing(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, claimed := w.processing[key]; claimed {
		return false
	}
	w.processing[key] = struct{}{}
	return true
}

// MarkDone releases a claim taken with MarkProcessing.
func (w *Watcher) MarkDone(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processing, key)
}
