package domain

import "time"

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// MessageKind selects the required-field set a frontmatter block is
// validated against.
type MessageKind string

const (
	KindInbound  MessageKind = "inbound"
	KindOutbound MessageKind = "outbound"
	KindDraft    MessageKind = "draft"
)

// Frontmatter field names. The producer sets the identity fields at creation
// time; everything from FieldStatus down is maintained by the pipeline only.
const (
	FieldID                = "id"
	FieldProvider          = "provider"
	FieldTimestamp         = "timestamp"
	FieldTo                = "to"
	FieldFrom              = "from"
	FieldContentType       = "content_type"
	FieldAttachments       = "attachments"
	FieldStatus            = "status"
	FieldRetryCount        = "retry_count"
	FieldNextRetryAt       = "next_retry_at"
	FieldErrorMessage      = "error_message"
	FieldSentAt            = "sent_at"
	FieldFailedAt          = "failed_at"
	FieldProviderMessageID = "provider_message_id"
)

// OutboundMessageEntry is the in-memory view of one message file in the
// outbound queue. It is derived from the file on every scan, never persisted
// separately; Frontmatter holds the full parsed map including provider
// specific passthrough fields.
type OutboundMessageEntry struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	To           string         `json:"to"`
	ContentType  string         `json:"contentType,omitempty"`
	Status       MessageStatus  `json:"status"`
	FilePath     string         `json:"filePath"`
	RetryCount   int            `json:"retryCount"`
	NextRetryAt  *time.Time     `json:"nextRetryAt,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Frontmatter  map[string]any `json:"frontmatter,omitempty"`
	Body         string         `json:"-"`
}

// NewOutboundEntry builds an entry from a parsed message file. Missing status
// defaults to pending so freshly produced files need only identity fields.
func NewOutboundEntry(path string, frontmatter map[string]any, body string) *OutboundMessageEntry {
	entry := &OutboundMessageEntry{
		ID:           StringField(frontmatter, FieldID),
		Provider:     StringField(frontmatter, FieldProvider),
		To:           StringField(frontmatter, FieldTo),
		ContentType:  StringField(frontmatter, FieldContentType),
		Status:       MessageStatus(StringField(frontmatter, FieldStatus)),
		FilePath:     path,
		RetryCount:   IntField(frontmatter, FieldRetryCount),
		ErrorMessage: StringField(frontmatter, FieldErrorMessage),
		Frontmatter:  frontmatter,
		Body:         body,
	}

	if entry.Status == "" {
		entry.Status = StatusPending
	}

	if next, ok := TimeField(frontmatter, FieldNextRetryAt); ok {
		entry.NextRetryAt = &next
	}

	return entry
}

// ClaimKey identifies the entry for in-process claim tracking. Falls back to
// the file path when the frontmatter carries no id, so id-less messages do
// not all collide on one claim.
func (e *OutboundMessageEntry) ClaimKey() string {
	if e.ID != "" {
		return e.ID
	}
	return e.FilePath
}

// SendResult is the normalized outcome of one delivery attempt. Adapter and
// dispatcher failures are encoded here as values; they never cross the
// dispatch boundary as errors.
type SendResult struct {
	MessageID         string    `json:"messageId"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	SentAt            time.Time `json:"sentAt"`
}

// SentMessageCache is the cache payload stored per successfully sent message.
type SentMessageCache struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

// WebhookRequest is the payload shape posted by the generic webhook adapter.
type WebhookRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type WebhookResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

// StringField reads a string-valued frontmatter field, tolerating absence.
func StringField(fm map[string]any, key string) string {
	if v, ok := fm[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntField reads an int-valued frontmatter field. YAML decodes integers as
// int, but rewritten files may round-trip through other tools, so the common
// numeric kinds are accepted.
func IntField(fm map[string]any, key string) int {
	switch v := fm[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// TimeField reads a timestamp field. The pipeline writes RFC-3339 strings;
// the YAML decoder may also hand back time.Time for unquoted timestamps.
func TimeField(fm map[string]any, key string) (time.Time, bool) {
	switch v := fm[key].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
