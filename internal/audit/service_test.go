package audit

import (
	"context"
	"testing"
	"time"
)

type stubTimelineRepo struct {
	rows     []TimelineRow
	lastCall TimelineWindowParams
}

func (s *stubTimelineRepo) TimelineWindow(ctx context.Context, arg TimelineWindowParams) ([]TimelineRow, error) {
	s.lastCall = arg
	return s.rows, nil
}

func mockRow(ts string, actor int64, action, target string) TimelineRow {
	tval, _ := time.Parse(time.RFC3339, ts)
	return TimelineRow{TenantID: 2, ActorID: actor, Action: action, TargetID: target, At: tval}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{
		rows: []TimelineRow{
			mockRow("2025-06-10T10:00:00Z", 5, ActionRoleChange, "12"),
			mockRow("2025-06-09T09:00:00Z", 5, ActionStatusChange, "13"),
			mockRow("2025-06-08T08:00:00Z", 6, ActionSupervisorChange, "14"),
		},
	}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		TenantID: 2,
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext {
		t.Fatalf("expected hasNext true")
	}
	if repo.lastCall.LimitRows != 3 {
		t.Fatalf("expected limitRows 3, got %d", repo.lastCall.LimitRows)
	}
	if repo.lastCall.OffsetRows != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastCall.OffsetRows)
	}
}

func TestServiceTimelineRequiresTenant(t *testing.T) {
	svc := NewService(&stubTimelineRepo{})
	if _, err := svc.Timeline(context.Background(), TimelineFilters{}); err == nil {
		t.Fatal("expected error for missing tenant id")
	}
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	if _, err := svc.Timeline(context.Background(), TimelineFilters{TenantID: 2, PageSize: 500}); err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if repo.lastCall.LimitRows != 51 {
		t.Fatalf("expected clamped limit 51, got %d", repo.lastCall.LimitRows)
	}
}
