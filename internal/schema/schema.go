package schema

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mailbox-labs/courier/internal/domain"
)

// ErrMalformedFrontmatter marks files whose frontmatter block cannot be
// decoded at all. Callers match it with errors.Is.
var ErrMalformedFrontmatter = errors.New("malformed frontmatter")

const delimiter = "---"

// Limits bounds the size of a single message on disk.
type Limits struct {
	MaxMessageBytes int
	MaxAttachments  int
}

// DefaultLimits matches the configuration defaults.
var DefaultLimits = Limits{
	MaxMessageBytes: 256 * 1024,
	MaxAttachments:  10,
}

// Parse splits a message file into its YAML frontmatter and markdown body.
// The body is returned verbatim; the pipeline treats it as opaque.
func Parse(content string) (map[string]any, string, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != delimiter {
		return nil, "", fmt.Errorf("%w: missing leading %q delimiter", ErrMalformedFrontmatter, delimiter)
	}

	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == delimiter {
			closing = i
			break
		}
	}
	if closing == -1 {
		return nil, "", fmt.Errorf("%w: missing closing %q delimiter", ErrMalformedFrontmatter, delimiter)
	}

	frontmatterText := strings.Join(lines[1:closing], "\n")
	body := strings.Join(lines[closing+1:], "\n")

	var frontmatter map[string]any
	if err := yaml.Unmarshal([]byte(frontmatterText), &frontmatter); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedFrontmatter, err)
	}
	if frontmatter == nil {
		return nil, "", fmt.Errorf("%w: frontmatter is not a mapping", ErrMalformedFrontmatter)
	}

	return frontmatter, body, nil
}

// Serialize renders frontmatter and body back into the on-disk file format.
// Map keys are emitted in sorted order, so serialization is deterministic and
// parse/serialize round-trips preserve every field value.
func Serialize(frontmatter map[string]any, body string) (string, error) {
	encoded, err := yaml.Marshal(frontmatter)
	if err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")
	b.Write(encoded)
	b.WriteString(delimiter)
	b.WriteString("\n")
	b.WriteString(body)

	return b.String(), nil
}

// requiredFields per message kind. Outbound needs only identity and a
// creation timestamp; the rest of its fields are pipeline-maintained.
var requiredFields = map[domain.MessageKind][]string{
	domain.KindInbound:  {domain.FieldProvider, domain.FieldTimestamp, domain.FieldFrom},
	domain.KindOutbound: {domain.FieldProvider, domain.FieldTimestamp},
	domain.KindDraft:    {domain.FieldProvider},
}

// Validate checks the frontmatter of a message of the given kind and returns
// field-qualified problems instead of failing on the first one. An empty
// slice means the message is acceptable; callers decide whether any returned
// entry is fatal.
func Validate(frontmatter map[string]any, body string, kind domain.MessageKind, limits Limits) []string {
	var problems []string

	required, ok := requiredFields[kind]
	if !ok {
		return []string{fmt.Sprintf("kind: unknown message kind %q", kind)}
	}

	for _, field := range required {
		if v, present := frontmatter[field]; !present || v == nil {
			problems = append(problems, fmt.Sprintf("%s: required field is missing", field))
		}
	}

	provider := domain.StringField(frontmatter, domain.FieldProvider)

	if v, present := frontmatter[domain.FieldID]; present && v != nil {
		id := domain.StringField(frontmatter, domain.FieldID)
		if !validID(id, provider) {
			problems = append(problems, fmt.Sprintf("%s: must have the form provider_uid", domain.FieldID))
		}
	}

	if v, present := frontmatter[domain.FieldStatus]; present && v != nil {
		status := domain.MessageStatus(domain.StringField(frontmatter, domain.FieldStatus))
		if !status.Valid() {
			problems = append(problems, fmt.Sprintf("%s: unknown status %q", domain.FieldStatus, status))
		}
	}

	if domain.IntField(frontmatter, domain.FieldRetryCount) < 0 {
		problems = append(problems, fmt.Sprintf("%s: must not be negative", domain.FieldRetryCount))
	}

	if limits.MaxAttachments > 0 {
		if attachments, present := frontmatter[domain.FieldAttachments].([]any); present {
			if len(attachments) > limits.MaxAttachments {
				problems = append(problems, fmt.Sprintf("%s: %d attachments exceeds limit of %d",
					domain.FieldAttachments, len(attachments), limits.MaxAttachments))
			}
		}
	}

	if limits.MaxMessageBytes > 0 {
		if serialized, err := Serialize(frontmatter, body); err == nil {
			if len(serialized) > limits.MaxMessageBytes {
				problems = append(problems, fmt.Sprintf("content: serialized size %d exceeds limit of %d bytes",
					len(serialized), limits.MaxMessageBytes))
			}
		}
	}

	return problems
}

// validID checks the {provider}_{uid} convention. When the provider field is
// itself missing the id only needs a non-empty prefix and uid.
func validID(id, provider string) bool {
	if provider != "" {
		rest, found := strings.CutPrefix(id, provider+"_")
		return found && rest != ""
	}

	prefix, rest, found := strings.Cut(id, "_")
	return found && prefix != "" && rest != ""
}
