package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	outboxStore "courtbook/internal/adapters/storage/outbox"
	domain "courtbook/internal/domain/outbox"
)

// ErrNoExecutor reports an entry whose action type has no registered executor.
var ErrNoExecutor = errors.New("no executor registered for action type")

// ActionExecutor executes a specific type of external action.
type ActionExecutor interface {
	// Execute runs the external action with the given payload.
	// Returns the external ID (e.g. the broker message id) and any error.
	Execute(ctx context.Context, payload string) (string, error)
}

// OutboxProcessor delivers pending outbox entries with exponential backoff.
type OutboxProcessor struct {
	store     outboxStore.Store
	executors map[string]ActionExecutor
	baseDelay time.Duration
	maxDelay  time.Duration
	batchSize int
	now       func() time.Time
}

// NewOutboxProcessor creates a new outbox processor.
func NewOutboxProcessor(store outboxStore.Store, executors map[string]ActionExecutor) *OutboxProcessor {
	return &OutboxProcessor{
		store:     store,
		executors: executors,
		baseDelay: 30 * time.Second,
		maxDelay:  1 * time.Hour,
		batchSize: 50,
		now:       time.Now,
	}
}

// WithClock replaces the processor's clock. Used by tests.
func (p *OutboxProcessor) WithClock(now func() time.Time) *OutboxProcessor {
	p.now = now
	return p
}

// ProcessPending processes due pending entries, oldest first.
// PRE: Context is valid
// POST: each due entry is attempted once and saved with its new status
func (p *OutboxProcessor) ProcessPending(ctx context.Context) (int, error) {
	entries, err := p.store.ListPending(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox entries: %w", err)
	}

	attempted := 0
	for _, entry := range entries {
		if !entry.Due(p.now(), p.baseDelay, p.maxDelay) {
			continue
		}
		attempted++
		if err := p.attempt(ctx, &entry); err != nil {
			slog.Error("outbox_process_failed", "entry_id", entry.ID, "action_type", entry.ActionType, "error", err.Error())
		}
	}
	return attempted, nil
}

// ProcessSingle retries one entry immediately, resetting its attempt budget.
// PRE: entryID is non-empty
// POST: Entry is attempted once, status updated
func (p *OutboxProcessor) ProcessSingle(ctx context.Context, entryID string) (domain.Entry, error) {
	entry, err := p.store.GetByID(ctx, entryID)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("get outbox entry: %w", err)
	}
	if err := entry.Reset(); err != nil {
		return entry, fmt.Errorf("entry %s: %w", entryID, err)
	}
	if err := p.attempt(ctx, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// AbandonEntry marks an entry as abandoned by admin.
// PRE: entryID is non-empty
// POST: Entry status set to abandoned
func (p *OutboxProcessor) AbandonEntry(ctx context.Context, entryID string) error {
	entry, err := p.store.GetByID(ctx, entryID)
	if err != nil {
		return fmt.Errorf("get outbox entry: %w", err)
	}
	if entry.Status == domain.StatusDone {
		return fmt.Errorf("entry %s: %w", entryID, domain.ErrTerminal)
	}
	entry.MarkAbandoned()
	slog.Info("outbox_entry_abandoned", "entry_id", entryID)
	return p.store.Save(ctx, entry)
}

func (p *OutboxProcessor) attempt(ctx context.Context, entry *domain.Entry) error {
	entry.MarkAttempt(p.now())
	executor, ok := p.executors[entry.ActionType]
	if !ok {
		entry.Attempts = entry.MaxAttempts
		entry.MarkFailed(fmt.Errorf("%w: %s", ErrNoExecutor, entry.ActionType))
		return p.store.Save(ctx, *entry)
	}

	externalID, err := executor.Execute(ctx, entry.Payload)
	if err != nil {
		entry.MarkFailed(err)
		slog.Warn("outbox_action_failed", "entry_id", entry.ID, "attempt", entry.Attempts, "status", entry.Status, "error", err.Error())
	} else {
		entry.MarkSuccess(externalID)
		slog.Info("outbox_action_succeeded", "entry_id", entry.ID, "action_type", entry.ActionType, "external_id", externalID)
	}
	return p.store.Save(ctx, *entry)
}

// StartBackgroundWorker periodically processes pending outbox entries until ctx is done.
// The returned channel closes once the worker has stopped.
// PRE: interval > 0
func StartBackgroundWorker(ctx context.Context, processor *OutboxProcessor, interval time.Duration) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
				if _, err := processor.ProcessPending(runCtx); err != nil {
					slog.Error("outbox_background_process_failed", "error", err.Error())
				}
				cancel()
			case <-ctx.Done():
				slog.Info("outbox_background_worker_stopped")
				return
			}
		}
	}()
	return stopped
}
