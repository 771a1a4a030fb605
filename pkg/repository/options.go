// Package repository holds listing options shared by SQL repositories.
package repository

import (
	"errors"
	"strings"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// ListOptions pages, sorts and filters a listing query.
// Field names are checked against a column whitelist before they reach SQL.
type ListOptions struct {
	Offset    int      `json:"offset"`
	Limit     int      `json:"limit"`
	OrderBy   string   `json:"order_by"`
	OrderDesc bool     `json:"order_desc"`
	Filters   []Filter `json:"filters"`
}

// Filter is one AND-ed condition.
type Filter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Supported filter operators
const (
	OpEqual = "="
	OpIn    = "IN"
)

// ErrInvalidListOptions wraps every validation failure.
var ErrInvalidListOptions = errors.New("invalid list options")

// Validate applies defaults and rejects fields outside columns.
func (o *ListOptions) Validate(columns map[string]bool) error {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		return wrapInvalid("limit exceeds maximum")
	}
	if o.Offset < 0 {
		return wrapInvalid("offset must be non-negative")
	}
	if o.OrderBy != "" && !columns[o.OrderBy] {
		return wrapInvalid("unknown sort field: " + o.OrderBy)
	}
	for _, f := range o.Filters {
		if !columns[f.Field] {
			return wrapInvalid("unknown filter field: " + f.Field)
		}
		switch f.Operator {
		case OpEqual:
			if f.Value == nil {
				return wrapInvalid("filter value cannot be nil for " + f.Field)
			}
		case OpIn:
			values, ok := f.Value.([]string)
			if !ok || len(values) == 0 {
				return wrapInvalid("IN filter needs a non-empty list for " + f.Field)
			}
		default:
			return wrapInvalid("invalid filter operator: " + f.Operator)
		}
	}
	return nil
}

func wrapInvalid(msg string) error {
	return errors.Join(ErrInvalidListOptions, errors.New(msg))
}

// AddFilter adds an equality filter. Empty values are ignored.
func (o *ListOptions) AddFilter(field string, value string) {
	if value == "" {
		return
	}
	o.Filters = append(o.Filters, Filter{Field: field, Operator: OpEqual, Value: value})
}

// AddInFilter adds an IN filter. An empty list is ignored.
func (o *ListOptions) AddInFilter(field string, values []string) {
	if len(values) == 0 {
		return
	}
	o.Filters = append(o.Filters, Filter{Field: field, Operator: OpIn, Value: values})
}

// SetPagination converts a 1-based page into offset and limit.
func (o *ListOptions) SetPagination(page, pageSize int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultLimit
	}
	o.Offset = (page - 1) * pageSize
	o.Limit = pageSize
}

// WhereClause renders the filters with ? placeholders. It returns an empty
// string when there are none. Call Validate first.
func (o ListOptions) WhereClause() (string, []interface{}) {
	if len(o.Filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(o.Filters))
	var args []interface{}
	for _, f := range o.Filters {
		if f.Operator == OpIn {
			values := f.Value.([]string)
			parts = append(parts, f.Field+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")+")")
			for _, v := range values {
				args = append(args, v)
			}
			continue
		}
		parts = append(parts, f.Field+" = ?")
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// OrderClause renders ORDER BY, falling back to def.
func (o ListOptions) OrderClause(def string) string {
	field := o.OrderBy
	if field == "" {
		field = def
	}
	dir := "ASC"
	if o.OrderDesc {
		dir = "DESC"
	}
	return " ORDER BY " + field + " " + dir
}

// PaginationResult is one page of a listing.
type PaginationResult[T any] struct {
	Items      []*T  `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// NewPaginationResult creates a page result. opts must be validated.
func NewPaginationResult[T any](items []*T, total int64, opts ListOptions) *PaginationResult[T] {
	page := (opts.Offset / opts.Limit) + 1
	totalPages := int((total + int64(opts.Limit) - 1) / int64(opts.Limit))
	return &PaginationResult[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   opts.Limit,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}
