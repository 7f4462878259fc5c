package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/schema"
	"github.com/mailbox-labs/courier/pkg/logger"
)

// cachedMessageReader is the slice of the cache client the service needs.
type cachedMessageReader interface {
	GetAllCachedMessages(ctx context.Context) (map[string]*domain.SentMessageCache, error)
}

// QueueService is the read/admin surface over the mailbox: listing, stats,
// producing new messages and replaying deadlettered ones. The delivery loop
// itself never goes through this service.
type QueueService struct {
	mailbox   *mailbox.Mailbox
	providers []string
	limits    schema.Limits
	cache     cachedMessageReader
	now       func() time.Time
}

func NewQueueService(mb *mailbox.Mailbox, providers []string, limits schema.Limits, cache cachedMessageReader) *QueueService {
	return &QueueService{
		mailbox:   mb,
		providers: providers,
		limits:    limits,
		cache:     cache,
		now:       time.Now,
	}
}

// ListMessages returns one page of messages from an area, optionally
// filtered by provider and status.
func (s *QueueService) ListMessages(
	area mailbox.Area,
	provider string,
	status *domain.MessageStatus,
	page,
	pageSize int,
) ([]*domain.OutboundMessageEntry, int64, error) {
	providers := s.providers
	if provider != "" {
		if !s.supportedProvider(provider) {
			return nil, 0, fmt.Errorf("unsupported provider %q", provider)
		}
		providers = []string{provider}
	}

	var entries []*domain.OutboundMessageEntry
	for _, p := range providers {
		paths, err := s.mailbox.ListMessages(area, p)
		if err != nil {
			return nil, 0, err
		}

		for _, path := range paths {
			entry, ok := s.parseEntry(path)
			if !ok {
				continue
			}
			if status != nil && entry.Status != *status {
				continue
			}
			entries = append(entries, entry)
		}
	}

	totalCount := int64(len(entries))

	start := (page - 1) * pageSize
	if start >= len(entries) {
		return []*domain.OutboundMessageEntry{}, totalCount, nil
	}
	end := start + pageSize
	if end > len(entries) {
		end = len(entries)
	}

	return entries[start:end], totalCount, nil
}

// CreateMessage writes a new pending message file into the outbound queue.
// This is a producer convenience; any tool that writes the same file shape
// into outbound/{provider}/ is an equally valid producer.
func (s *QueueService) CreateMessage(provider, to, contentType, body string) (*domain.OutboundMessageEntry, error) {
	if !s.supportedProvider(provider) {
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}

	createdAt := s.now().UTC()
	id := mailbox.NewMessageID(provider)
	uid := strings.TrimPrefix(id, provider+"_")

	frontmatter := map[string]any{
		domain.FieldID:         id,
		domain.FieldProvider:   provider,
		domain.FieldTimestamp:  createdAt.Format(time.RFC3339),
		domain.FieldTo:         to,
		domain.FieldStatus:     string(domain.StatusPending),
		domain.FieldRetryCount: 0,
	}
	if contentType != "" {
		frontmatter[domain.FieldContentType] = contentType
	}

	if problems := schema.Validate(frontmatter, body, domain.KindOutbound, s.limits); len(problems) > 0 {
		return nil, fmt.Errorf("invalid message: %s", strings.Join(problems, "; "))
	}

	content, err := schema.Serialize(frontmatter, body)
	if err != nil {
		return nil, err
	}

	if err := s.mailbox.EnsureProvider(provider); err != nil {
		return nil, err
	}

	path := filepath.Join(
		s.mailbox.Dir(mailbox.AreaOutbound, provider),
		mailbox.FileName(provider, uid, createdAt),
	)
	if err := s.mailbox.WriteAtomic(path, content); err != nil {
		return nil, err
	}

	logger.Infof("Created outbound message %s at %s", id, path)

	return domain.NewOutboundEntry(path, frontmatter, body), nil
}

// QueueStats summarizes the mailbox for the operational surface.
type QueueStats struct {
	Outbound                int64   `json:"outbound"`
	Archived                int64   `json:"archived"`
	Deadlettered            int64   `json:"deadlettered"`
	Total                   int64   `json:"total"`
	OldestPendingAgeSeconds float64 `json:"oldestPendingAgeSeconds"`
}

// Stats counts messages per lifecycle area and reports the age of the oldest
// message still waiting in outbound.
func (s *QueueService) Stats() (QueueStats, error) {
	counts, err := s.mailbox.Counts(s.providers)
	if err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{
		Outbound:     int64(counts.Outbound),
		Archived:     int64(counts.Archived),
		Deadlettered: int64(counts.Deadlettered),
	}
	stats.Total = stats.Outbound + stats.Archived + stats.Deadlettered

	var oldest time.Time
	for _, p := range s.providers {
		paths, err := s.mailbox.ListMessages(mailbox.AreaOutbound, p)
		if err != nil {
			return QueueStats{}, err
		}
		for _, path := range paths {
			entry, ok := s.parseEntry(path)
			if !ok || entry.Status != domain.StatusPending {
				continue
			}
			if created, ok := domain.TimeField(entry.Frontmatter, domain.FieldTimestamp); ok {
				if oldest.IsZero() || created.Before(oldest) {
					oldest = created
				}
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAgeSeconds = s.now().UTC().Sub(oldest).Seconds()
	}

	return stats, nil
}

// CachedMessages returns the sent-message cache contents.
func (s *QueueService) CachedMessages(ctx context.Context) (map[string]*domain.SentMessageCache, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("cache not configured")
	}
	return s.cache.GetAllCachedMessages(ctx)
}

// ReplayDeadletter moves one deadlettered message back into the outbound
// queue with its retry bookkeeping reset.
func (s *QueueService) ReplayDeadletter(id string) error {
	for _, p := range s.providers {
		paths, err := s.mailbox.ListMessages(mailbox.AreaDeadletter, p)
		if err != nil {
			return err
		}
		for _, path := range paths {
			entry, ok := s.parseEntry(path)
			if !ok || entry.ID != id {
				continue
			}
			return s.replay(entry, p)
		}
	}

	return fmt.Errorf("no deadlettered message with id %q", id)
}

// ReplayAllDeadletter replays every deadlettered message and returns how
// many were requeued.
func (s *QueueService) ReplayAllDeadletter() (int64, error) {
	var replayed int64

	for _, p := range s.providers {
		paths, err := s.mailbox.ListMessages(mailbox.AreaDeadletter, p)
		if err != nil {
			return replayed, err
		}
		for _, path := range paths {
			entry, ok := s.parseEntry(path)
			if !ok {
				continue
			}
			if err := s.replay(entry, p); err != nil {
				logger.Errorf("Failed to replay %s: %v", entry.ID, err)
				continue
			}
			replayed++
		}
	}

	return replayed, nil
}

func (s *QueueService) replay(entry *domain.OutboundMessageEntry, provider string) error {
	frontmatter := make(map[string]any, len(entry.Frontmatter))
	for k, v := range entry.Frontmatter {
		frontmatter[k] = v
	}
	frontmatter[domain.FieldStatus] = string(domain.StatusPending)
	frontmatter[domain.FieldRetryCount] = 0
	delete(frontmatter, domain.FieldNextRetryAt)
	delete(frontmatter, domain.FieldErrorMessage)
	delete(frontmatter, domain.FieldFailedAt)

	content, err := schema.Serialize(frontmatter, entry.Body)
	if err != nil {
		return err
	}
	if err := s.mailbox.WriteAtomic(entry.FilePath, content); err != nil {
		return err
	}

	dst, err := s.mailbox.MoveToArea(entry.FilePath, mailbox.AreaOutbound, provider)
	if err != nil {
		return err
	}

	logger.Infof("Replayed deadlettered message %s -> %s", entry.ID, dst)
	return nil
}

func (s *QueueService) parseEntry(path string) (*domain.OutboundMessageEntry, bool) {
	content, err := s.mailbox.ReadMessage(path)
	if err != nil {
		logger.Errorf("Failed to read message file %s: %v", path, err)
		return nil, false
	}

	frontmatter, body, err := schema.Parse(content)
	if err != nil {
		logger.Warnf("Skipping unparseable message file %s: %v", path, err)
		return nil, false
	}

	return domain.NewOutboundEntry(path, frontmatter, body), true
}

func (s *QueueService) supportedProvider(provider string) bool {
	for _, p := range s.providers {
		if p == provider {
			return true
		}
	}
	return false
}
