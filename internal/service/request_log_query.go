package service

import (
	"strconv"
	"strings"

	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

// QueryKind discriminates the parsed request-log filter.
type QueryKind int

const (
	QueryAll QueryKind = iota
	QueryFieldExact
	QueryFieldLike
	QueryStatusRange
)

// RequestLogQuery is a parsed log search expression.
type RequestLogQuery struct {
	Kind QueryKind

	Column  string
	Value   string
	Pattern string

	StatusLow  int
	StatusHigh int
}

// Queryable field aliases to request_logs columns.
var queryColumns = map[string]string{
	"key":     "key_id",
	"method":  "method",
	"path":    "request_path",
	"model":   "model",
	"url":     "upstream_url",
	"error":   "error",
	"account": "account_id",
}

// ParseRequestLogQuery parses a search expression:
//
//	"method:=POST"   exact match on a column
//	"key:key-alpha"  substring match on a column
//	"status:5xx"     status class range; "status:404" exact status
//	empty / blank    everything
func ParseRequestLogQuery(raw string) RequestLogQuery {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RequestLogQuery{Kind: QueryAll}
	}

	field, rest, found := strings.Cut(raw, ":")
	if !found {
		return RequestLogQuery{Kind: QueryAll}
	}
	field = strings.ToLower(strings.TrimSpace(field))

	if field == "status" {
		return parseStatusQuery(rest)
	}

	column, ok := queryColumns[field]
	if !ok {
		return RequestLogQuery{Kind: QueryAll}
	}
	if strings.HasPrefix(rest, "=") {
		return RequestLogQuery{Kind: QueryFieldExact, Column: column, Value: strings.TrimPrefix(rest, "=")}
	}
	return RequestLogQuery{Kind: QueryFieldLike, Column: column, Pattern: "%" + rest + "%"}
}

func parseStatusQuery(rest string) RequestLogQuery {
	rest = strings.TrimPrefix(strings.TrimSpace(rest), "=")
	lower := strings.ToLower(rest)
	if len(lower) == 3 && strings.HasSuffix(lower, "xx") {
		if class, err := strconv.Atoi(lower[:1]); err == nil && class >= 1 && class <= 5 {
			return RequestLogQuery{Kind: QueryStatusRange, StatusLow: class * 100, StatusHigh: class*100 + 99}
		}
	}
	if code, err := strconv.Atoi(lower); err == nil && code >= 100 && code <= 599 {
		return RequestLogQuery{Kind: QueryStatusRange, StatusLow: code, StatusHigh: code}
	}
	return RequestLogQuery{Kind: QueryAll}
}

// ToFilter converts the parsed query into the repository filter.
func (q RequestLogQuery) ToFilter() repository.RequestLogFilter {
	switch q.Kind {
	case QueryFieldExact:
		return repository.RequestLogFilter{Column: q.Column, Value: q.Value}
	case QueryFieldLike:
		return repository.RequestLogFilter{Column: q.Column, Pattern: q.Pattern}
	case QueryStatusRange:
		return repository.RequestLogFilter{StatusLow: q.StatusLow, StatusHigh: q.StatusHigh}
	default:
		return repository.RequestLogFilter{}
	}
}
