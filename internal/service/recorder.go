package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
)

const recorderWorkers = 2

// modelRate is USD per million tokens.
type modelRate struct {
	input       float64
	cachedInput float64
	output      float64
}

// Known model rates; cost is zero for anything unlisted.
var modelRates = map[string]modelRate{
	"gpt-5":        {input: 1.25, cachedInput: 0.125, output: 10},
	"gpt-5-mini":   {input: 0.25, cachedInput: 0.025, output: 2},
	"gpt-5-nano":   {input: 0.05, cachedInput: 0.005, output: 0.4},
	"gpt-5-codex":  {input: 1.25, cachedInput: 0.125, output: 10},
	"gpt-4o":       {input: 2.5, cachedInput: 1.25, output: 10},
	"gpt-4o-mini":  {input: 0.15, cachedInput: 0.075, output: 0.6},
	"gpt-4.1":      {input: 2, cachedInput: 0.5, output: 8},
	"gpt-4.1-mini": {input: 0.4, cachedInput: 0.1, output: 1.6},
	"o3":           {input: 2, cachedInput: 0.5, output: 8},
	"o4-mini":      {input: 1.1, cachedInput: 0.275, output: 4.4},
}

func rateFor(modelSlug string) (modelRate, bool) {
	slug := strings.ToLower(strings.TrimSpace(modelSlug))
	if r, ok := modelRates[slug]; ok {
		return r, true
	}
	// Dated variants like gpt-5-2025-08-07 share the base rate.
	for name, r := range modelRates {
		if strings.HasPrefix(slug, name+"-") {
			return r, true
		}
	}
	return modelRate{}, false
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// tokenEncoder returns the shared BPE encoder, nil when unavailable (token
// counts then fall back to a byte heuristic).
func tokenEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.L().Warn("recorder.encoder_unavailable", zap.Error(err))
			return
		}
		encoder = enc
	})
	return encoder
}

func countTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if enc := tokenEncoder(); enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	return int64(len(text) / 4)
}

// RecordedRequest is everything the recorder needs about one finished
// forward chain.
type RecordedRequest struct {
	KeyID           string
	AccountID       *int64
	Method          string
	RequestPath     string
	Model           string
	ReasoningEffort string
	UpstreamURL     string
	StatusCode      *int
	Error           string

	RequestBody []byte
	// ResponseBody is set only for buffered (non-streamed) responses.
	ResponseBody []byte
	Streamed     bool
}

// RequestRecorder appends request logs and best-effort token stats off the
// request path.
type RequestRecorder struct {
	store *repository.Store
	pool  pond.Pool
}

// NewRequestRecorder wires the recorder with its submit pool.
func NewRequestRecorder(store *repository.Store) *RequestRecorder {
	return &RequestRecorder{
		store: store,
		pool:  pond.NewPool(recorderWorkers),
	}
}

// Record submits the log write asynchronously; the caller's response is
// never blocked on bookkeeping.
func (r *RequestRecorder) Record(rec RecordedRequest) {
	r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.record(ctx, rec); err != nil {
			logger.L().Warn("recorder.write_failed",
				zap.String("key_id", rec.KeyID), zap.Error(err))
		}
	})
}

func (r *RequestRecorder) record(ctx context.Context, rec RecordedRequest) error {
	log := &model.RequestLog{
		KeyID:           rec.KeyID,
		AccountID:       rec.AccountID,
		Method:          rec.Method,
		RequestPath:     rec.RequestPath,
		Model:           rec.Model,
		ReasoningEffort: rec.ReasoningEffort,
		UpstreamURL:     rec.UpstreamURL,
		StatusCode:      rec.StatusCode,
		Error:           rec.Error,
	}
	stat := EstimateTokenStats(rec)
	_, err := r.store.InsertRequestLog(ctx, log, stat)
	return err
}

// EstimateTokenStats derives best-effort token counts and cost from the
// request body and, when buffered, the response body. Upstream-reported
// usage wins over local estimates.
func EstimateTokenStats(rec RecordedRequest) *model.RequestTokenStat {
	stat := &model.RequestTokenStat{}

	if usage := extractUpstreamUsage(rec.ResponseBody); usage != nil {
		*stat = *usage
	} else {
		stat.InputTokens = estimateRequestTokens(rec.RequestBody)
		if !rec.Streamed {
			stat.OutputTokens = estimateResponseTokens(rec.ResponseBody)
		}
	}

	if rate, ok := rateFor(rec.Model); ok {
		stat.EstimatedCostUSD = (float64(stat.InputTokens-stat.CachedInputTokens)*rate.input +
			float64(stat.CachedInputTokens)*rate.cachedInput +
			float64(stat.OutputTokens)*rate.output) / 1e6
		if stat.EstimatedCostUSD < 0 {
			stat.EstimatedCostUSD = 0
		}
	}
	return stat
}

// extractUpstreamUsage reads the usage block a buffered OpenAI-shaped
// response may carry.
func extractUpstreamUsage(body []byte) *model.RequestTokenStat {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil
	}
	stat := &model.RequestTokenStat{}
	switch {
	case usage.Get("input_tokens").Exists():
		stat.InputTokens = usage.Get("input_tokens").Int()
		stat.OutputTokens = usage.Get("output_tokens").Int()
		stat.CachedInputTokens = usage.Get("input_tokens_details.cached_tokens").Int()
		stat.ReasoningOutputTokens = usage.Get("output_tokens_details.reasoning_tokens").Int()
	case usage.Get("prompt_tokens").Exists():
		stat.InputTokens = usage.Get("prompt_tokens").Int()
		stat.OutputTokens = usage.Get("completion_tokens").Int()
		stat.CachedInputTokens = usage.Get("prompt_tokens_details.cached_tokens").Int()
		stat.ReasoningOutputTokens = usage.Get("completion_tokens_details.reasoning_tokens").Int()
	default:
		return nil
	}
	return stat
}

// estimateRequestTokens counts tokens across the prompt-bearing fields of a
// request body.
func estimateRequestTokens(body []byte) int64 {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0
	}
	parsed := gjson.ParseBytes(body)
	var total int64
	if sys := parsed.Get("system"); sys.Exists() {
		total += countTokens(sys.String())
	}
	if instr := parsed.Get("instructions"); instr.Exists() {
		total += countTokens(instr.String())
	}
	for _, field := range []string{"messages", "input"} {
		for _, msg := range parsed.Get(field).Array() {
			content := msg.Get("content")
			if content.IsArray() {
				for _, block := range content.Array() {
					total += countTokens(block.Get("text").String())
				}
			} else {
				total += countTokens(content.String())
			}
			total += 4 // per-message formatting overhead
		}
	}
	if total == 0 {
		total = countTokens(parsed.Get("prompt").String())
	}
	return total
}

// estimateResponseTokens counts tokens in a buffered response's text
// output.
func estimateResponseTokens(body []byte) int64 {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return 0
	}
	parsed := gjson.ParseBytes(body)
	var total int64
	for _, choice := range parsed.Get("choices").Array() {
		total += countTokens(choice.Get("message.content").String())
	}
	for _, item := range parsed.Get("output").Array() {
		for _, block := range item.Get("content").Array() {
			total += countTokens(block.Get("text").String())
		}
	}
	return total
}

// Stop drains pending writes on shutdown.
func (r *RequestRecorder) Stop() {
	r.pool.StopAndWait()
}
