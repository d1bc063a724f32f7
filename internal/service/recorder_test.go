package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

func TestRateFor(t *testing.T) {
	r, ok := rateFor("gpt-5")
	require.True(t, ok)
	require.Equal(t, 1.25, r.input)

	r, ok = rateFor(" GPT-5 ")
	require.True(t, ok)
	require.Equal(t, 1.25, r.input)

	// Dated variants inherit the base rate.
	r, ok = rateFor("gpt-5-2025-08-07")
	require.True(t, ok)
	require.Equal(t, 1.25, r.input)

	_, ok = rateFor("some-unknown-model")
	require.False(t, ok)
	_, ok = rateFor("")
	require.False(t, ok)
}

func TestEstimateTokenStatsUpstreamUsageWins(t *testing.T) {
	// Responses-API usage shape.
	stat := EstimateTokenStats(RecordedRequest{
		Model:       "gpt-5",
		RequestBody: []byte(`{"input":"ignored"}`),
		ResponseBody: []byte(`{
			"usage": {
				"input_tokens": 1000,
				"output_tokens": 200,
				"input_tokens_details": {"cached_tokens": 400},
				"output_tokens_details": {"reasoning_tokens": 50}
			}
		}`),
	})
	require.Equal(t, int64(1000), stat.InputTokens)
	require.Equal(t, int64(200), stat.OutputTokens)
	require.Equal(t, int64(400), stat.CachedInputTokens)
	require.Equal(t, int64(50), stat.ReasoningOutputTokens)
	// (600*1.25 + 400*0.125 + 200*10) / 1e6
	require.InDelta(t, 0.0028, stat.EstimatedCostUSD, 1e-9)

	// Chat-completions usage shape.
	stat = EstimateTokenStats(RecordedRequest{
		Model:        "gpt-4o",
		ResponseBody: []byte(`{"usage":{"prompt_tokens":100,"completion_tokens":10}}`),
	})
	require.Equal(t, int64(100), stat.InputTokens)
	require.Equal(t, int64(10), stat.OutputTokens)
}

func TestEstimateTokenStatsLocalFallback(t *testing.T) {
	longText := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	stat := EstimateTokenStats(RecordedRequest{
		Model:        "gpt-5",
		RequestBody:  []byte(`{"messages":[{"role":"user","content":"` + longText + `"}]}`),
		ResponseBody: []byte(`{"choices":[{"message":{"content":"` + longText + `"}}]}`),
	})
	require.Greater(t, stat.InputTokens, int64(0))
	require.Greater(t, stat.OutputTokens, int64(0))
	require.Greater(t, stat.EstimatedCostUSD, 0.0)

	// Streamed responses have no buffered body to count.
	stat = EstimateTokenStats(RecordedRequest{
		Model:       "unknown-model",
		RequestBody: []byte(`{"prompt":"` + longText + `"}`),
		Streamed:    true,
	})
	require.Greater(t, stat.InputTokens, int64(0))
	require.Zero(t, stat.OutputTokens)
	require.Zero(t, stat.EstimatedCostUSD) // no rate for unknown models

	// Unparseable bodies degrade to zero counts.
	stat = EstimateTokenStats(RecordedRequest{RequestBody: []byte("not json")})
	require.Zero(t, stat.InputTokens)
}

func TestRecorderPersistsLog(t *testing.T) {
	db, err := repository.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	store := repository.NewStore(db)

	rec := NewRequestRecorder(store)
	status := 200
	rec.Record(RecordedRequest{
		KeyID:        "gk_1",
		Method:       "POST",
		RequestPath:  "/v1/responses",
		Model:        "gpt-5",
		UpstreamURL:  "https://chatgpt.com/backend-api/codex/responses",
		StatusCode:   &status,
		ResponseBody: []byte(`{"usage":{"input_tokens":10,"output_tokens":5}}`),
	})
	rec.Stop() // waits for the pending write

	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, stats, err := store.ListRequestLogs(context.Background(), repository.RequestLogFilter{}, 10)
		require.NoError(t, err)
		if len(logs) == 1 {
			require.Equal(t, "gk_1", logs[0].KeyID)
			require.Equal(t, int64(10), stats[0].InputTokens)
			require.Equal(t, int64(5), stats[0].OutputTokens)
			return
		}
		require.True(t, time.Now().Before(deadline), "recorder never wrote the log")
		time.Sleep(10 * time.Millisecond)
	}
}
