package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskRecord is the asynq task type carrying one audit entry to the worker.
const TaskRecord = "audit:record"

// Enqueuer is the slice of asynq.Client the recorder needs.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsyncRecorder hands entries to the background worker through the task
// queue. Failures are logged and dropped: audit emission must never block
// or roll back the mutation it describes.
type AsyncRecorder struct {
	client Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewAsyncRecorder constructs an AsyncRecorder.
func NewAsyncRecorder(client Enqueuer, logger *slog.Logger) *AsyncRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncRecorder{client: client, logger: logger, now: time.Now}
}

// Record enqueues the entry, stamping id and time when absent.
func (r *AsyncRecorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.client == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = r.now().UTC()
	}
	if err := entry.Validate(); err != nil {
		r.logger.Warn("audit entry dropped", slog.Any("error", err), slog.String("action", entry.Action))
		return
	}
	task, err := NewRecordTask(entry)
	if err != nil {
		r.logger.Warn("audit entry encode", slog.Any("error", err), slog.String("action", entry.Action))
		return
	}
	if _, err := r.client.Enqueue(task, asynq.MaxRetry(5), asynq.Timeout(30*time.Second)); err != nil {
		r.logger.Warn("audit entry enqueue", slog.Any("error", err), slog.String("action", entry.Action))
	}
}

// NewRecordTask builds the asynq task for one entry.
func NewRecordTask(entry Entry) (*asynq.Task, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRecord, data), nil
}

// NopRecorder discards every entry. Used where no sink is wired.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Entry) {}
