package audit

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	maxExportRows   = 5000
)

// Repository membaca baris audit_logs.
type Repository interface {
	TimelineWindow(ctx context.Context, params WindowParams) ([]TimelineRow, error)
	TimelineAll(ctx context.Context, filters TimelineFilters, limit int) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging, terbaru lebih dulu.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	filters.Page, filters.PageSize = page, pageSize
	rows, err := s.repo.TimelineWindow(ctx, WindowParams{
		TimelineFilters: normalise(filters),
		Offset:          (page - 1) * pageSize,
		Limit:           pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	for i := range rows {
		decorate(&rows[i])
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

// Export mengambil seluruh data timeline tanpa paging, dibatasi maxExportRows.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	rows, err := s.repo.TimelineAll(ctx, normalise(filters), maxExportRows)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		decorate(&rows[i])
	}
	return rows, nil
}

func normalise(f TimelineFilters) TimelineFilters {
	f.Entity = strings.ToLower(strings.TrimSpace(f.Entity))
	f.EntityID = strings.TrimSpace(f.EntityID)
	f.Action = strings.TrimSpace(f.Action)
	return f
}

// decorate lifts the from/to of status transitions out of meta.
func decorate(row *TimelineRow) {
	if row.Meta == nil {
		return
	}
	if v, ok := row.Meta["from"].(string); ok {
		row.From = v
	}
	if v, ok := row.Meta["to"].(string); ok {
		row.To = v
	}
}
