package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/schema"
)

var testProviders = []string{"telegram", "slack"}

func newTestService(t *testing.T) (*QueueService, *mailbox.Mailbox) {
	t.Helper()

	mb := mailbox.New(t.TempDir())
	for _, p := range testProviders {
		if err := mb.EnsureProvider(p); err != nil {
			t.Fatalf("EnsureProvider(%s): %v", p, err)
		}
	}

	return NewQueueService(mb, testProviders, schema.DefaultLimits, nil), mb
}

func writeEntry(t *testing.T, mb *mailbox.Mailbox, area mailbox.Area, provider, uid string, fm map[string]any, body string) string {
	t.Helper()

	content, err := schema.Serialize(fm, body)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	path := filepath.Join(mb.Dir(area, provider), fmt.Sprintf("%s_%s.md", provider, uid))
	if err := mb.WriteAtomic(path, content); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	return path
}

func baseFrontmatter(provider, uid, status string) map[string]any {
	return map[string]any{
		domain.FieldID:         provider + "_" + uid,
		domain.FieldProvider:   provider,
		domain.FieldTimestamp:  "2026-08-24T10:00:00Z",
		domain.FieldTo:         "@ops",
		domain.FieldStatus:     status,
		domain.FieldRetryCount: 0,
	}
}

func TestCreateMessage(t *testing.T) {
	svc, mb := newTestService(t)

	entry, err := svc.CreateMessage("telegram", "@ops-team", "text/markdown", "Deploy finished.")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if !strings.HasPrefix(entry.ID, "telegram_") {
		t.Errorf("expected id with telegram_ prefix, got %q", entry.ID)
	}
	if entry.Status != domain.StatusPending {
		t.Errorf("expected status pending, got %q", entry.Status)
	}

	paths, err := mb.ListMessages(mailbox.AreaOutbound, "telegram")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 outbound file, got %d", len(paths))
	}

	content, err := mb.ReadMessage(paths[0])
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	fm, body, err := schema.Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if body != "Deploy finished." {
		t.Errorf("unexpected body: %q", body)
	}
	if got := domain.StringField(fm, domain.FieldStatus); got != "pending" {
		t.Errorf("expected persisted status pending, got %q", got)
	}
	if problems := schema.Validate(fm, body, domain.KindOutbound, schema.DefaultLimits); len(problems) > 0 {
		t.Errorf("created message does not validate: %v", problems)
	}
}

func TestCreateMessage_UnsupportedProvider(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateMessage("pager", "@ops", "", "hello"); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestListMessages_FiltersAndPaginates(t *testing.T) {
	svc, mb := newTestService(t)

	writeEntry(t, mb, mailbox.AreaOutbound, "telegram", "a", baseFrontmatter("telegram", "a", "pending"), "one")
	writeEntry(t, mb, mailbox.AreaOutbound, "telegram", "b", baseFrontmatter("telegram", "b", "failed"), "two")
	writeEntry(t, mb, mailbox.AreaOutbound, "slack", "c", baseFrontmatter("slack", "c", "pending"), "three")

	entries, total, err := svc.ListMessages(mailbox.AreaOutbound, "", nil, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Errorf("expected 3 messages, got total=%d len=%d", total, len(entries))
	}

	pending := domain.StatusPending
	entries, total, err = svc.ListMessages(mailbox.AreaOutbound, "", &pending, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages with status filter: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 pending messages, got %d", total)
	}

	entries, total, err = svc.ListMessages(mailbox.AreaOutbound, "telegram", nil, 1, 1)
	if err != nil {
		t.Fatalf("ListMessages with provider filter: %v", err)
	}
	if total != 2 {
		t.Errorf("expected total=2 for telegram, got %d", total)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 message on page, got %d", len(entries))
	}

	entries, _, err = svc.ListMessages(mailbox.AreaOutbound, "telegram", nil, 5, 10)
	if err != nil {
		t.Fatalf("ListMessages past the end: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty page past the end, got %d entries", len(entries))
	}
}

func TestListMessages_UnsupportedProvider(t *testing.T) {
	svc, _ := newTestService(t)

	if _, _, err := svc.ListMessages(mailbox.AreaOutbound, "pager", nil, 1, 10); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestStats(t *testing.T) {
	svc, mb := newTestService(t)
	svc.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC) }

	writeEntry(t, mb, mailbox.AreaOutbound, "telegram", "a", baseFrontmatter("telegram", "a", "pending"), "x")
	writeEntry(t, mb, mailbox.AreaArchive, "telegram", "b", baseFrontmatter("telegram", "b", "sent"), "x")
	writeEntry(t, mb, mailbox.AreaDeadletter, "slack", "c", baseFrontmatter("slack", "c", "failed"), "x")

	stats, err := svc.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Outbound != 1 || stats.Archived != 1 || stats.Deadlettered != 1 || stats.Total != 3 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	// Oldest pending was created at 10:00:00, now is 10:00:30.
	if stats.OldestPendingAgeSeconds != 30 {
		t.Errorf("expected oldest pending age 30s, got %v", stats.OldestPendingAgeSeconds)
	}
}

func TestCachedMessages_NotConfigured(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CachedMessages(context.Background()); err == nil {
		t.Fatalf("expected error when cache is not configured")
	}
}

func TestReplayDeadletter(t *testing.T) {
	svc, mb := newTestService(t)

	fm := baseFrontmatter("telegram", "dead1", "failed")
	fm[domain.FieldRetryCount] = 3
	fm[domain.FieldErrorMessage] = "connection refused"
	fm[domain.FieldFailedAt] = "2026-08-24T09:59:00Z"
	writeEntry(t, mb, mailbox.AreaDeadletter, "telegram", "dead1", fm, "retry me")

	if err := svc.ReplayDeadletter("telegram_dead1"); err != nil {
		t.Fatalf("ReplayDeadletter: %v", err)
	}

	deadPaths, _ := mb.ListMessages(mailbox.AreaDeadletter, "telegram")
	if len(deadPaths) != 0 {
		t.Errorf("expected empty deadletter, got %d files", len(deadPaths))
	}

	outPaths, _ := mb.ListMessages(mailbox.AreaOutbound, "telegram")
	if len(outPaths) != 1 {
		t.Fatalf("expected 1 outbound file, got %d", len(outPaths))
	}

	content, _ := mb.ReadMessage(outPaths[0])
	got, body, err := schema.Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if body != "retry me" {
		t.Errorf("body not preserved: %q", body)
	}
	if status := domain.StringField(got, domain.FieldStatus); status != "pending" {
		t.Errorf("expected status pending, got %q", status)
	}
	if rc := domain.IntField(got, domain.FieldRetryCount); rc != 0 {
		t.Errorf("expected retry_count reset to 0, got %d", rc)
	}
	for _, field := range []string{domain.FieldErrorMessage, domain.FieldFailedAt, domain.FieldNextRetryAt} {
		if _, present := got[field]; present {
			t.Errorf("expected %s cleared after replay", field)
		}
	}
}

func TestReplayDeadletter_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.ReplayDeadletter("telegram_missing"); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}

func TestReplayAllDeadletter(t *testing.T) {
	svc, mb := newTestService(t)

	writeEntry(t, mb, mailbox.AreaDeadletter, "telegram", "d1", baseFrontmatter("telegram", "d1", "failed"), "a")
	writeEntry(t, mb, mailbox.AreaDeadletter, "slack", "d2", baseFrontmatter("slack", "d2", "failed"), "b")

	// Unparseable file in the deadletter area is skipped, not fatal.
	badPath := filepath.Join(mb.Dir(mailbox.AreaDeadletter, "slack"), "slack_bad.md")
	if err := os.WriteFile(badPath, []byte("no frontmatter here"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	replayed, err := svc.ReplayAllDeadletter()
	if err != nil {
		t.Fatalf("ReplayAllDeadletter: %v", err)
	}
	if replayed != 2 {
		t.Errorf("expected 2 replayed, got %d", replayed)
	}

	tgOut, _ := mb.ListMessages(mailbox.AreaOutbound, "telegram")
	slOut, _ := mb.ListMessages(mailbox.AreaOutbound, "slack")
	if len(tgOut) != 1 || len(slOut) != 1 {
		t.Errorf("expected replayed files in outbound, got telegram=%d slack=%d", len(tgOut), len(slOut))
	}
}
