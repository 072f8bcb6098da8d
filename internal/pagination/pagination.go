// Package pagination reads paging, sorting and filtering parameters for the
// message list from URL query strings. Invalid values fall back to defaults
// instead of failing the request.
package pagination

import (
	"net/url"
	"strconv"
	"strings"
)

// Params are the list parameters of one request.
type Params struct {
	Page    int    // 1-based page number
	Limit   int    // items per page, at most MaxLimit
	Offset  int    // rows to skip, derived from Page and Limit
	Sort    string // "newest", "oldest", "asc" or "desc"
	ShowNew bool   // only messages not yet seen by a refresh
}

const (
	MaxLimit     = 100
	DefaultPage  = 1
	DefaultLimit = 20
	DefaultSort  = "newest"
)

func calculateOffset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest", "asc", "desc":
		return true
	default:
		return false
	}
}

// Option adjusts the defaults before the query is applied.
type Option func(*Params)

// WithDefaultLimit sets the page size used when the query has none.
// Non-positive values are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort sets the sort order used when the query has none. An
// unknown order is ignored.
func WithDefaultSort(sort string) Option {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// Parse extracts page, limit, sort and show_new from q.
func Parse(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if val, err := strconv.Atoi(q.Get("page")); err == nil && val > 0 {
		params.Page = val
	}
	if val, err := strconv.Atoi(q.Get("limit")); err == nil && val > 0 {
		params.Limit = val
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	params.Offset = calculateOffset(params.Page, params.Limit)

	if sort := strings.ToLower(q.Get("sort")); isValidSort(sort) {
		params.Sort = sort
	}
	params.ShowNew = parseBool(q.Get("show_new"))

	return params
}

// HasNext reports whether rows remain after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// TotalPages is the number of pages needed for total rows, at least one.
func (p Params) TotalPages(total int) int {
	if total <= 0 || p.Limit <= 0 {
		return 1
	}
	return (total + p.Limit - 1) / p.Limit
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
