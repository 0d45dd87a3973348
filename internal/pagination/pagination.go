// Package pagination extracts page, limit and sort parameters from list
// request query strings and computes the matching database offset.
package pagination

import (
	"net/url"
	"strconv"
)

// Params is one validated page request. Offset is derived from Page and
// Limit and is what the repository queries consume.
type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string
}

const (
	// MaxLimit caps the page size a client may request.
	MaxLimit int32 = 100
	// DefaultLimit is the page size when the query does not name one.
	DefaultLimit int32 = 10
	// DefaultSort orders newest records first.
	DefaultSort = "newest"
)

// Option adjusts the defaults before the query string is applied.
type Option func(*Params)

// WithDefaultLimit overrides the default page size. Non-positive values
// are ignored.
func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort overrides the default sort order. Unknown orders are
// ignored.
func WithDefaultSort(sort string) Option {
	return func(p *Params) {
		if isValidSort(sort) {
			p.Sort = sort
		}
	}
}

// FromQuery reads page, limit and sort from the query values, applying
// options first and clamping the result to sane bounds.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:  1,
		Limit: DefaultLimit,
		Sort:  DefaultSort,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if raw := q.Get("page"); raw != "" {
		if val, err := strconv.ParseInt(raw, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if val, err := strconv.ParseInt(raw, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if raw := q.Get("sort"); isValidSort(raw) {
		params.Sort = raw
	}

	params.Offset = (params.Page - 1) * params.Limit
	return params
}

// HasNext reports whether records remain beyond this page.
func (p Params) HasNext(total int32) bool {
	return p.Offset+p.Limit < total
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest":
		return true
	}
	return false
}
