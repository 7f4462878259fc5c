package courier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/processor"
)

// fakeSource is a test double for the watcher.
type fakeSource struct {
	mu      sync.Mutex
	entries []*domain.OutboundMessageEntry
	claimed map[string]struct{}

	claimCalls   []string
	releaseCalls []string
}

func newFakeSource(entries ...*domain.OutboundMessageEntry) *fakeSource {
	return &fakeSource{entries: entries, claimed: map[string]struct{}{}}
}

func (s *fakeSource) Scan() []*domain.OutboundMessageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*domain.OutboundMessageEntry
	for _, e := range s.entries {
		if _, ok := s.claimed[e.ClaimKey()]; !ok {
			eligible = append(eligible, e)
		}
	}
	return eligible
}

func (s *fakeSource) MarkProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claimed[id]; ok {
		return false
	}
	s.claimed[id] = struct{}{}
	s.claimCalls = append(s.claimCalls, id)
	return true
}

func (s *fakeSource) MarkDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
	s.releaseCalls = append(s.releaseCalls, id)
}

// fakeDispatcher returns a canned result per message id.
type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string]domain.SendResult
	calls   []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, entry *domain.OutboundMessageEntry) domain.SendResult {
	d.mu.Lock()
	d.calls = append(d.calls, entry.ID)
	d.mu.Unlock()

	if r, ok := d.results[entry.ID]; ok {
		return r
	}
	return domain.SendResult{MessageID: entry.ID, Success: true, SentAt: time.Now()}
}

// fakeProcessor records which path each entry took.
type fakeProcessor struct {
	mu             sync.Mutex
	successCalls   []string
	failureCalls   []string
	failureOutcome processor.Outcome
}

func (p *fakeProcessor) ProcessSuccess(entry *domain.OutboundMessageEntry, result domain.SendResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successCalls = append(p.successCalls, entry.ID)
	return nil
}

func (p *fakeProcessor) ProcessFailure(entry *domain.OutboundMessageEntry, result domain.SendResult) (processor.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCalls = append(p.failureCalls, entry.ID)

	outcome := p.failureOutcome
	if outcome == "" {
		outcome = processor.OutcomeRetryScheduled
	}
	return outcome, nil
}

type fakeCache struct {
	mu      sync.Mutex
	records map[string]string
}

func (c *fakeCache) CacheSentMessage(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records == nil {
		c.records = map[string]string{}
	}
	c.records[messageID] = providerMessageID
	return nil
}

func entry(id string) *domain.OutboundMessageEntry {
	return &domain.OutboundMessageEntry{ID: id, Provider: "telegram", Status: domain.StatusPending}
}

func TestProcessCycle_MixedResults(t *testing.T) {
	source := newFakeSource(entry("telegram_a"), entry("telegram_b"), entry("telegram_c"))
	dispatcher := &fakeDispatcher{results: map[string]domain.SendResult{
		"telegram_a": {MessageID: "telegram_a", Success: true, ProviderMessageID: "r1", SentAt: time.Now()},
		"telegram_b": {MessageID: "telegram_b", Success: false, Error: "boom"},
		"telegram_c": {MessageID: "telegram_c", Success: true, ProviderMessageID: "r3", SentAt: time.Now()},
	}}
	proc := &fakeProcessor{}
	cache := &fakeCache{}

	c := New(source, dispatcher, proc, cache, Config{
		Interval:       time.Minute,
		SendTimeout:    time.Second,
		AlertThreshold: 3,
	})

	c.processCycle(context.Background())

	status := c.GetStatus()
	if status.MessagesSent != 2 {
		t.Errorf("expected MessagesSent=2, got %d", status.MessagesSent)
	}
	if status.RunsCount != 1 {
		t.Errorf("expected RunsCount=1, got %d", status.RunsCount)
	}
	if status.ConsecutiveAllFailCount != 0 {
		t.Errorf("expected ConsecutiveAllFailCount=0, got %d", status.ConsecutiveAllFailCount)
	}

	if len(proc.successCalls) != 2 {
		t.Errorf("expected 2 success paths, got %v", proc.successCalls)
	}
	if len(proc.failureCalls) != 1 || proc.failureCalls[0] != "telegram_b" {
		t.Errorf("expected failure path for telegram_b, got %v", proc.failureCalls)
	}

	// Successful sends land in the cache with their provider message id.
	if cache.records["telegram_a"] != "r1" || cache.records["telegram_c"] != "r3" {
		t.Errorf("unexpected cache contents: %v", cache.records)
	}

	// Every claim must be released.
	if len(source.claimCalls) != 3 || len(source.releaseCalls) != 3 {
		t.Errorf("claims not balanced: %d claimed, %d released",
			len(source.claimCalls), len(source.releaseCalls))
	}
}

func TestProcessCycle_AllFailIncrementsCounter(t *testing.T) {
	source := newFakeSource(entry("telegram_a"), entry("telegram_b"))
	dispatcher := &fakeDispatcher{results: map[string]domain.SendResult{
		"telegram_a": {MessageID: "telegram_a", Success: false, Error: "down"},
		"telegram_b": {MessageID: "telegram_b", Success: false, Error: "down"},
	}}
	proc := &fakeProcessor{}

	c := New(source, dispatcher, proc, nil, Config{
		Interval:       time.Minute,
		SendTimeout:    time.Second,
		AlertThreshold: 5,  // high enough so sendAlert is not triggered
		AlertWebhook:   "", // also prevents HTTP calls
	})

	c.processCycle(context.Background())

	status := c.GetStatus()
	if status.MessagesSent != 0 {
		t.Errorf("expected MessagesSent=0, got %d", status.MessagesSent)
	}
	if status.ConsecutiveAllFailCount != 1 {
		t.Errorf("expected ConsecutiveAllFailCount=1, got %d", status.ConsecutiveAllFailCount)
	}
}

func TestProcessCycle_CountsDeadlettered(t *testing.T) {
	source := newFakeSource(entry("telegram_a"))
	dispatcher := &fakeDispatcher{results: map[string]domain.SendResult{
		"telegram_a": {MessageID: "telegram_a", Success: false, Error: "permanent"},
	}}
	proc := &fakeProcessor{failureOutcome: processor.OutcomeDeadlettered}

	c := New(source, dispatcher, proc, nil, Config{Interval: time.Minute, SendTimeout: time.Second})

	c.processCycle(context.Background())

	if status := c.GetStatus(); status.MessagesDeadlettered != 1 {
		t.Errorf("expected MessagesDeadlettered=1, got %d", status.MessagesDeadlettered)
	}
}

func TestProcessCycle_IdlessEntriesProcessedSeparately(t *testing.T) {
	a := &domain.OutboundMessageEntry{Provider: "telegram", Status: domain.StatusPending, FilePath: "/mb/outbound/telegram/a.md"}
	b := &domain.OutboundMessageEntry{Provider: "telegram", Status: domain.StatusPending, FilePath: "/mb/outbound/telegram/b.md"}
	source := newFakeSource(a, b)
	dispatcher := &fakeDispatcher{}
	proc := &fakeProcessor{}

	c := New(source, dispatcher, proc, nil, Config{Interval: time.Minute, SendTimeout: time.Second})

	c.processCycle(context.Background())

	// Both id-less entries claim distinct keys and get dispatched.
	if len(dispatcher.calls) != 2 {
		t.Errorf("expected both id-less entries dispatched, got %d", len(dispatcher.calls))
	}
	if len(source.claimCalls) != 2 || len(source.releaseCalls) != 2 {
		t.Errorf("claims not balanced: %d claimed, %d released",
			len(source.claimCalls), len(source.releaseCalls))
	}
}

func TestProcessCycle_EmptyScanDoesNothing(t *testing.T) {
	source := newFakeSource()
	dispatcher := &fakeDispatcher{}
	proc := &fakeProcessor{}

	c := New(source, dispatcher, proc, nil, Config{Interval: time.Minute, SendTimeout: time.Second})

	c.processCycle(context.Background())

	if len(dispatcher.calls) != 0 {
		t.Errorf("expected no dispatches on empty scan, got %v", dispatcher.calls)
	}
	if status := c.GetStatus(); status.RunsCount != 1 {
		t.Errorf("expected RunsCount=1, got %d", status.RunsCount)
	}
}

func TestStartAndStopToggleRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(newFakeSource(), &fakeDispatcher{}, &fakeProcessor{}, nil, Config{
		Interval:    10 * time.Millisecond,
		SendTimeout: time.Second,
	})

	if c.IsRunning() {
		t.Fatalf("expected courier to be not running initially")
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if !c.IsRunning() {
		t.Fatalf("expected courier to be running after Start")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	if c.IsRunning() {
		t.Fatalf("expected courier to be not running after Stop")
	}
}
