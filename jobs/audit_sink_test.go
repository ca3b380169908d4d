package jobs

import (
	"context"
	"encoding/json"
	"io"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kompasshq/kompass/internal/audit"
)

type stubInserter struct {
	entries []audit.Entry
	err     error
}

func (s *stubInserter) Insert(_ context.Context, entry audit.Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func recordTask(t *testing.T, entry audit.Entry) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return asynq.NewTask(audit.TaskRecord, data)
}

func validEntry() audit.Entry {
	return audit.Entry{
		ID:       "0f2c1d34",
		TenantID: 2,
		ActorID:  10,
		Action:   audit.ActionRoleChange,
		TargetID: "20",
		After:    map[string]any{"role": "MID"},
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestAuditSinkStoresEntry(t *testing.T) {
	repo := &stubInserter{}
	job := &AuditSinkJob{Repo: repo, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	if err := job.Handle(context.Background(), recordTask(t, validEntry())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(repo.entries))
	}
	if repo.entries[0].ID != "0f2c1d34" || repo.entries[0].Action != audit.ActionRoleChange {
		t.Fatalf("stored entry mismatch: %+v", repo.entries[0])
	}
}

func TestAuditSinkSkipsRetryOnMalformedPayload(t *testing.T) {
	repo := &stubInserter{}
	job := &AuditSinkJob{Repo: repo, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	task := asynq.NewTask(audit.TaskRecord, []byte("{not json"))
	err := job.Handle(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(repo.entries) != 0 {
		t.Fatalf("expected no stored entries, got %d", len(repo.entries))
	}
}

func TestAuditSinkSkipsRetryOnInvalidEntry(t *testing.T) {
	repo := &stubInserter{}
	job := &AuditSinkJob{Repo: repo, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	entry := validEntry()
	entry.Action = ""
	err := job.Handle(context.Background(), recordTask(t, entry))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestAuditSinkPropagatesStorageError(t *testing.T) {
	sentinel := errors.New("connection reset")
	repo := &stubInserter{err: sentinel}
	job := &AuditSinkJob{Repo: repo, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	err := job.Handle(context.Background(), recordTask(t, validEntry()))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected storage error to surface for retry, got %v", err)
	}
}
