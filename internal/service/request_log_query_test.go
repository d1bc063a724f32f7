package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestLogQuery(t *testing.T) {
	q := ParseRequestLogQuery("method:=POST")
	require.Equal(t, QueryFieldExact, q.Kind)
	require.Equal(t, "method", q.Column)
	require.Equal(t, "POST", q.Value)

	q = ParseRequestLogQuery("key:key-alpha")
	require.Equal(t, QueryFieldLike, q.Kind)
	require.Equal(t, "key_id", q.Column)
	require.Equal(t, "%key-alpha%", q.Pattern)

	q = ParseRequestLogQuery("status:5xx")
	require.Equal(t, QueryStatusRange, q.Kind)
	require.Equal(t, 500, q.StatusLow)
	require.Equal(t, 599, q.StatusHigh)

	q = ParseRequestLogQuery("status:404")
	require.Equal(t, QueryStatusRange, q.Kind)
	require.Equal(t, 404, q.StatusLow)
	require.Equal(t, 404, q.StatusHigh)

	require.Equal(t, QueryAll, ParseRequestLogQuery("   ").Kind)
	require.Equal(t, QueryAll, ParseRequestLogQuery("no-colon").Kind)
	require.Equal(t, QueryAll, ParseRequestLogQuery("bogusfield:x").Kind)
	require.Equal(t, QueryAll, ParseRequestLogQuery("status:9xx").Kind)
	require.Equal(t, QueryAll, ParseRequestLogQuery("status:abc").Kind)

	// Field aliases map onto the real columns.
	require.Equal(t, "request_path", ParseRequestLogQuery("path:/v1/responses").Column)
	require.Equal(t, "upstream_url", ParseRequestLogQuery("url:chatgpt").Column)
	require.Equal(t, "account_id", ParseRequestLogQuery("account:=3").Column)
}

func TestRequestLogQueryToFilter(t *testing.T) {
	f := ParseRequestLogQuery("method:=POST").ToFilter()
	require.Equal(t, "method", f.Column)
	require.Equal(t, "POST", f.Value)
	require.Empty(t, f.Pattern)

	f = ParseRequestLogQuery("key:key-alpha").ToFilter()
	require.Equal(t, "key_id", f.Column)
	require.Equal(t, "%key-alpha%", f.Pattern)

	f = ParseRequestLogQuery("status:5xx").ToFilter()
	require.Equal(t, 500, f.StatusLow)
	require.Equal(t, 599, f.StatusHigh)

	require.Zero(t, ParseRequestLogQuery("").ToFilter())
}
