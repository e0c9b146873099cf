// Package catalog turns catalog request parameters into a normalized query
// that can be rendered as SQL or evaluated against books in memory.
package catalog

import (
	"cmp"
	"math"
	"net/url"
	"strconv"
	"strings"

	"bookclub/internal/validator"
	"bookclub/pkg/domain"
)

const (
	DefaultLimit       = 10
	DefaultSearchLimit = 20
	MaxLimit           = 100
	MaxPage            = 1_000_000
	DefaultSortBy      = "createdAt"
)

// SortKey orders by one sortable field.
type SortKey struct {
	Field string
	Desc  bool
}

// Query is a validated catalog request. Zero-valued filters are unconstrained.
type Query struct {
	Genre     string
	Author    string
	Status    domain.BookStatus
	MinRating *float64
	MaxRating *float64
	Search    string
	Sort      []SortKey
	Page      int
	Limit     int
}

// sortField pairs a column with its in-memory comparison. Text columns
// compare byte-wise in memory, so SQL orders them with the "C" collation to
// produce the same order.
type sortField struct {
	column  string
	text    bool
	compare func(a, b domain.Book) int
}

func numericField(column string, compare func(a, b domain.Book) int) sortField {
	return sortField{column: column, compare: compare}
}

func textField(column string, value func(domain.Book) string) sortField {
	return sortField{column: column, text: true, compare: func(a, b domain.Book) int {
		return strings.Compare(value(a), value(b))
	}}
}

var sortFields = map[string]sortField{
	"createdAt":       numericField("created_at", func(a, b domain.Book) int { return a.CreatedAt.Compare(b.CreatedAt) }),
	"updatedAt":       numericField("updated_at", func(a, b domain.Book) int { return a.UpdatedAt.Compare(b.UpdatedAt) }),
	"rating":          numericField("rating", func(a, b domain.Book) int { return cmp.Compare(a.Rating, b.Rating) }),
	"publicationYear": numericField("publication_year", func(a, b domain.Book) int { return cmp.Compare(a.PublicationYear, b.PublicationYear) }),
	"totalPages":      numericField("total_pages", func(a, b domain.Book) int { return cmp.Compare(a.TotalPages, b.TotalPages) }),
	"title":           textField("title", func(b domain.Book) string { return b.Title }),
	"author":          textField("author", func(b domain.Book) string { return b.Author }),
	"genre":           textField("genre", func(b domain.Book) string { return b.Genre }),
	"status":          textField("status", func(b domain.Book) string { return string(b.Status) }),
}

// tieBreak makes every ordering total.
var tieBreak = textField("id", func(b domain.Book) string { return b.ID })

// SortableFields lists accepted sortBy values.
func SortableFields() []string {
	return []string{"createdAt", "updatedAt", "title", "author", "genre", "publicationYear", "rating", "totalPages", "status"}
}

// ParseListQuery reads the list endpoint parameters.
func ParseListQuery(values url.Values) (Query, error) {
	v := validator.New()
	q := parseFilters(v, values)
	q.Page, q.Limit = parsePaging(v, values, DefaultLimit)

	sortBy := strings.TrimSpace(values.Get("sortBy"))
	if sortBy == "" {
		sortBy = DefaultSortBy
	}
	if _, ok := sortFields[sortBy]; !ok {
		v.AddError("sortBy", "sortBy must be one of: "+strings.Join(SortableFields(), ", "))
	}
	sortOrder := strings.ToLower(strings.TrimSpace(values.Get("sortOrder")))
	if sortOrder == "" {
		sortOrder = "desc"
	}
	v.Check(validator.In(sortOrder, "asc", "desc"), "sortOrder", "sortOrder must be asc or desc")
	q.Sort = []SortKey{{Field: sortBy, Desc: sortOrder == "desc"}}

	if err := domain.NewValidationError(v.Errors); err != nil {
		return Query{}, err
	}
	return q, nil
}

// ParseSearchQuery reads the free-text search endpoint parameters. The
// search term comes from the path and ordering is fixed to rating desc,
// title asc.
func ParseSearchQuery(term string, values url.Values) (Query, error) {
	v := validator.New()
	q := parseFilters(v, values)
	q.Search = strings.TrimSpace(term)
	v.Check(q.Search != "", "query", "Search query is required")
	q.Page, q.Limit = parsePaging(v, values, DefaultSearchLimit)
	q.Sort = []SortKey{{Field: "rating", Desc: true}, {Field: "title"}}
	if err := domain.NewValidationError(v.Errors); err != nil {
		return Query{}, err
	}
	return q, nil
}

func parseFilters(v *validator.Validator, values url.Values) Query {
	q := Query{
		Genre:  strings.TrimSpace(values.Get("genre")),
		Author: strings.TrimSpace(values.Get("author")),
		Search: strings.TrimSpace(values.Get("search")),
	}
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, ok := domain.ParseBookStatus(raw)
		v.Check(ok, "status", "Status must be one of: available, checked_out, reserved, maintenance")
		q.Status = status
	}
	q.MinRating = parseRating(v, values, "minRating")
	q.MaxRating = parseRating(v, values, "maxRating")
	if q.MinRating != nil && q.MaxRating != nil {
		v.Check(*q.MinRating <= *q.MaxRating, "minRating", "minRating cannot exceed maxRating")
	}
	return q
}

func parseRating(v *validator.Validator, values url.Values, key string) *float64 {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n < 0 || n > 5 {
		v.AddError(key, key+" must be a number between 0 and 5")
		return nil
	}
	return &n
}

// parsePaging clamps limit to MaxLimit; other out-of-range values, including
// pages past MaxPage, are errors.
func parsePaging(v *validator.Validator, values url.Values, defaultLimit int) (int, int) {
	page, limit := 1, defaultLimit
	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxPage {
			v.AddError("page", "page must be a positive integer no greater than "+strconv.Itoa(MaxPage))
		} else {
			page = n
		}
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			v.AddError("limit", "limit must be a positive integer")
		} else {
			limit = min(n, MaxLimit)
		}
	}
	return page, limit
}

// Offset is the number of matching rows skipped before the page.
func (q Query) Offset() int {
	if q.Page < 1 || q.Limit < 1 {
		return 0
	}
	if q.Page-1 > math.MaxInt32/q.Limit {
		return math.MaxInt32
	}
	return (q.Page - 1) * q.Limit
}

// Matches reports whether b satisfies every filter of q.
func (q Query) Matches(b domain.Book) bool {
	if q.Genre != "" && !containsFold(b.Genre, q.Genre) {
		return false
	}
	if q.Author != "" && !containsFold(b.Author, q.Author) {
		return false
	}
	if q.Status != "" && b.Status != q.Status {
		return false
	}
	if q.MinRating != nil && b.Rating < *q.MinRating {
		return false
	}
	if q.MaxRating != nil && b.Rating > *q.MaxRating {
		return false
	}
	if q.Search != "" {
		if !containsFold(b.Title, q.Search) && !containsFold(b.Author, q.Search) && !containsFold(b.Description, q.Search) {
			return false
		}
	}
	return true
}

// Compare orders a and b by q's sort keys, then by id.
func (q Query) Compare(a, b domain.Book) int {
	for _, key := range q.Sort {
		field, ok := sortFields[key.Field]
		if !ok {
			continue
		}
		if c := field.compare(a, b); c != 0 {
			if key.Desc {
				return -c
			}
			return c
		}
	}
	return tieBreak.compare(a, b)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
