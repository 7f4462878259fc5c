// Package cache stores a small record per successfully sent message in
// Valkey, keyed by message id. The cache is a convenience surface for
// operators; an outage here never affects delivery.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/pkg/logger"
)

type Client struct {
	client valkey.Client
}

const (
	sentMessageKeyPrefix = "sent_message:"
	sentMessageTTL       = 24 * time.Hour
)

func NewClient(cfg environments.CacheConfig) (*Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	logger.Infof("Connected to sent-message cache (via Valkey client)")

	return &Client{client: client}, nil
}

func (c *Client) CacheSentMessage(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	record := domain.SentMessageCache{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}

	key := sentMessageKeyPrefix + messageID

	err = c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(data)).Ex(sentMessageTTL).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to cache sent message: %w", err)
	}

	logger.Debugf("Cached sent message %s -> %s", messageID, providerMessageID)

	return nil
}

func (c *Client) GetCachedMessage(ctx context.Context, messageID string) (*domain.SentMessageCache, error) {
	key := sentMessageKeyPrefix + messageID

	result := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if result.Error() != nil {
		if valkey.IsValkeyNil(result.Error()) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached message: %w", result.Error())
	}

	data, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached message: %w", err)
	}

	var record domain.SentMessageCache
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache record: %w", err)
	}

	return &record, nil
}

func (c *Client) GetAllCachedMessages(ctx context.Context) (map[string]*domain.SentMessageCache, error) {
	pattern := sentMessageKeyPrefix + "*"

	var keys []string
	var cursor uint64
	for {
		result := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build())
		if result.Error() != nil {
			return nil, fmt.Errorf("failed to scan cache keys: %w", result.Error())
		}

		scanResult, err := result.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to parse scan result: %w", err)
		}

		keys = append(keys, scanResult.Elements...)
		cursor = scanResult.Cursor

		if cursor == 0 {
			break
		}
	}

	records := make(map[string]*domain.SentMessageCache)

	for _, key := range keys {
		getResult := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
		if getResult.Error() != nil {
			continue
		}

		data, err := getResult.ToString()
		if err != nil {
			continue
		}

		var record domain.SentMessageCache
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}

		messageID := strings.TrimPrefix(key, sentMessageKeyPrefix)
		if messageID == "" {
			continue
		}

		records[messageID] = &record
	}

	return records, nil
}

func (c *Client) Close() error {
	c.client.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}
