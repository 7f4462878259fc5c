// Package mailbox owns the fixed on-disk layout of the message store:
//
//	mailbox/
//	  outbound/{provider}/*.md      pending or retrying messages
//	  archive/{provider}/*.md       terminal successes
//	  .deadletter/{provider}/*.md   terminal permanent failures
//
// All mutations go through atomic rename: frontmatter rewrites land via a
// temp file renamed over the original, and terminal transitions are a single
// rename into the destination area, so a message file exists in exactly one
// area at any quiescent instant.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Area names one of the three lifecycle directories.
type Area string

const (
	AreaOutbound   Area = "outbound"
	AreaArchive    Area = "archive"
	AreaDeadletter Area = ".deadletter"
)

// Areas in lifecycle order.
var Areas = []Area{AreaOutbound, AreaArchive, AreaDeadletter}

const messageExtension = ".md"

type Mailbox struct {
	root string
}

func New(root string) *Mailbox {
	return &Mailbox{root: root}
}

func (m *Mailbox) Root() string {
	return m.root
}

// Dir returns the directory for one area/provider pair.
func (m *Mailbox) Dir(area Area, provider string) string {
	return filepath.Join(m.root, string(area), provider)
}

// EnsureProvider creates the outbound, archive and deadletter directories
// for a provider.
func (m *Mailbox) EnsureProvider(provider string) error {
	for _, area := range Areas {
		if err := os.MkdirAll(m.Dir(area, provider), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory for %s: %w", area, provider, err)
		}
	}
	return nil
}

// ListMessages returns the message file paths in one area/provider
// directory, sorted by name. A missing directory is an empty queue, not an
// error.
func (m *Mailbox) ListMessages(area Area, provider string) ([]string, error) {
	dir := m.Dir(area, provider)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), messageExtension) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}

func (m *Mailbox) ReadMessage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read message file: %w", err)
	}
	return string(data), nil
}

// WriteAtomic writes content to path via a temp file in the same directory
// followed by a rename, so a crash mid-write never leaves a half-written
// message visible to the watcher.
func (m *Mailbox) WriteAtomic(path, content string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	return nil
}

// MoveToArea renames src into the given area/provider directory, keeping the
// file name. On a name collision a numeric suffix is appended before the
// extension; existing files are never overwritten. Returns the destination
// path.
func (m *Mailbox) MoveToArea(src string, area Area, provider string) (string, error) {
	dir := m.Dir(area, provider)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	name := filepath.Base(src)
	dst := filepath.Join(dir, name)

	base := strings.TrimSuffix(name, messageExtension)
	for suffix := 1; ; suffix++ {
		_, err := os.Stat(dst)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to check %s for collisions: %w", dst, err)
		}
		dst = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, suffix, messageExtension))
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to move message to %s: %w", area, err)
	}

	return dst, nil
}

// AreaCounts holds the number of message files per lifecycle area.
type AreaCounts struct {
	Outbound     int `json:"outbound"`
	Archived     int `json:"archived"`
	Deadlettered int `json:"deadlettered"`
}

// Counts tallies message files across the given providers.
func (m *Mailbox) Counts(providers []string) (AreaCounts, error) {
	var counts AreaCounts

	for _, provider := range providers {
		for _, area := range Areas {
			paths, err := m.ListMessages(area, provider)
			if err != nil {
				return AreaCounts{}, err
			}
			switch area {
			case AreaOutbound:
				counts.Outbound += len(paths)
			case AreaArchive:
				counts.Archived += len(paths)
			case AreaDeadletter:
				counts.Deadlettered += len(paths)
			}
		}
	}

	return counts, nil
}

// NewMessageID generates an id in the {provider}_{uid} convention.
func NewMessageID(provider string) string {
	return provider + "_" + uuid.NewString()
}

// FileName builds the provider/timestamp/uid file name convention used for
// newly produced messages.
func FileName(provider, uid string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", provider, ts.UTC().Format("20060102T150405"), uid, messageExtension)
}
