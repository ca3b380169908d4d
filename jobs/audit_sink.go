package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kompasshq/kompass/internal/audit"
	jobmetrics "github.com/kompasshq/kompass/internal/jobs"
)

// EntryInserter is the slice of the audit repository the sink needs.
type EntryInserter interface {
	Insert(ctx context.Context, entry audit.Entry) error
}

// AuditSinkJob persists enqueued audit entries. The insert is idempotent on
// the entry id, so retried tasks never duplicate rows.
type AuditSinkJob struct {
	Repo    EntryInserter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes one audit:record task.
func (j *AuditSinkJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.Metrics.Track("audit_sink")

	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		j.Logger.Error("audit sink: malformed payload", slog.Any("error", err))
		return tracker.End(fmt.Errorf("audit sink: decode: %w", asynq.SkipRetry))
	}
	if err := entry.Validate(); err != nil {
		// A payload that fails validation will fail identically on retry.
		j.Logger.Error("audit sink: rejected entry",
			slog.String("entry_id", entry.ID),
			slog.Any("error", err))
		return tracker.End(fmt.Errorf("audit sink: %v: %w", err, asynq.SkipRetry))
	}

	if err := j.Repo.Insert(ctx, entry); err != nil {
		j.Logger.Error("audit sink: insert failed",
			slog.String("entry_id", entry.ID),
			slog.Int64("tenant_id", entry.TenantID),
			slog.Any("error", err))
		return tracker.End(err)
	}

	j.Logger.Debug("audit sink: stored entry",
		slog.String("entry_id", entry.ID),
		slog.Int64("tenant_id", entry.TenantID),
		slog.String("action", entry.Action))
	return tracker.End(nil)
}
