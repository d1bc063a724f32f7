package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRequestBodyWithPrealloc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(`{"model":"gpt-5"}`))
	body, err := ReadRequestBodyWithPrealloc(req)
	require.NoError(t, err)
	require.Equal(t, `{"model":"gpt-5"}`, string(body))

	// Hostile Content-Length hints never drive a giant allocation; the body
	// still reads fully.
	big := strings.Repeat("x", 2048)
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	req.ContentLength = 1 << 40
	body, err = ReadRequestBodyWithPrealloc(req)
	require.NoError(t, err)
	require.Len(t, body, 2048)

	require.Nil(t, mustRead(t, nil))
}

func mustRead(t *testing.T, req *http.Request) []byte {
	t.Helper()
	body, err := ReadRequestBodyWithPrealloc(req)
	require.NoError(t, err)
	return body
}

func TestReadRequestBodyMaxBytes(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	req.Body = http.MaxBytesReader(nil, req.Body, 10)

	_, err := ReadRequestBodyWithPrealloc(req)
	require.Error(t, err)

	maxErr, ok := ExtractMaxBytesError(err)
	require.True(t, ok)
	require.Equal(t, int64(10), maxErr.Limit)
}

func TestExtractMaxBytesErrorNonMatch(t *testing.T) {
	_, ok := ExtractMaxBytesError(errors.New("plain error"))
	require.False(t, ok)

	wrapped := fmt.Errorf("read body: %w", &http.MaxBytesError{Limit: 7})
	maxErr, ok := ExtractMaxBytesError(wrapped)
	require.True(t, ok)
	require.Equal(t, int64(7), maxErr.Limit)
}
