package catalog

import (
	"slices"

	"bookclub/pkg/domain"
)

// Pagination is the page metadata returned with list results.
type Pagination struct {
	CurrentPage     int  `json:"currentPage"`
	TotalPages      int  `json:"totalPages"`
	TotalItems      int  `json:"totalItems"`
	ItemsPerPage    int  `json:"itemsPerPage"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// NewPagination computes page metadata for total matching items.
func NewPagination(page, limit, total int) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{
		CurrentPage:     page,
		TotalPages:      totalPages,
		TotalItems:      total,
		ItemsPerPage:    limit,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}
}

// Apply filters, sorts and pages books in memory. It returns the page and
// the number of matching books before paging.
func (q Query) Apply(books []domain.Book) ([]domain.Book, int) {
	matched := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if q.Matches(b) {
			matched = append(matched, b)
		}
	}
	slices.SortFunc(matched, q.Compare)
	total := len(matched)
	if q.Limit <= 0 {
		return matched, total
	}
	start := min(q.Offset(), total)
	end := min(start+q.Limit, total)
	return matched[start:end], total
}
