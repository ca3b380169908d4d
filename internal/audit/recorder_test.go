package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestAsyncRecorderStampsAndEnqueues(t *testing.T) {
	enq := &stubEnqueuer{}
	rec := NewAsyncRecorder(enq, nil)
	rec.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }

	rec.Record(context.Background(), Entry{
		TenantID: 2,
		ActorID:  5,
		Action:   ActionRoleChange,
		TargetID: "12",
		Before:   map[string]any{"role": "MID"},
		After:    map[string]any{"role": "BASE"},
	})

	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskRecord, enq.tasks[0].Type())

	var got Entry
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &got))
	require.NotEmpty(t, got.ID)
	require.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), got.At)
	require.Equal(t, "MID", got.Before["role"])
}

func TestAsyncRecorderDropsInvalidEntry(t *testing.T) {
	enq := &stubEnqueuer{}
	rec := NewAsyncRecorder(enq, nil)

	rec.Record(context.Background(), Entry{TenantID: 2})

	require.Empty(t, enq.tasks)
}

func TestAsyncRecorderNeverPropagatesSinkFailure(t *testing.T) {
	enq := &stubEnqueuer{err: errors.New("redis down")}
	rec := NewAsyncRecorder(enq, nil)

	// Must not panic or block; failure is logged and dropped.
	rec.Record(context.Background(), Entry{TenantID: 2, ActorID: 5, Action: ActionModuleToggle, TargetID: "invoices"})
}
