package audit

import (
	"context"
	"fmt"
	"time"
)

// TimelineReader provides the stored-entry queries the service needs.
type TimelineReader interface {
	TimelineWindow(ctx context.Context, arg TimelineWindowParams) ([]TimelineRow, error)
}

// TimelineFilters narrows the timeline listing.
type TimelineFilters struct {
	TenantID int64
	ActorID  int64
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PagingInfo describes the returned window.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles timeline rows with paging information.
type Result struct {
	Rows   []TimelineRow
	Paging PagingInfo
}

// Service coordinates audit timeline reads.
type Service struct {
	repo TimelineReader
}

// NewService constructs a timeline service.
func NewService(repo TimelineReader) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of a tenant's audit history, newest first. It
// fetches one row beyond the page to detect whether more follow.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if filters.TenantID == 0 {
		return Result{}, fmt.Errorf("audit: tenant id required")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.TimelineWindow(ctx, TimelineWindowParams{
		TenantID:   filters.TenantID,
		ActorID:    OptionalInt8(filters.ActorID),
		Action:     OptionalText(filters.Action),
		FromAt:     OptionalTime(filters.From),
		ToAt:       OptionalTime(filters.To),
		OffsetRows: int32(offset),
		LimitRows:  int32(pageSize + 1),
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
