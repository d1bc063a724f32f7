package service

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Wei-Shaw/codexmanager/internal/model"
)

// metadataParseLimit bounds the best-effort JSON inspection of the body.
const metadataParseLimit = 64 << 10

// Request shapes recognized on the front surface.
const (
	ShapeResponses       = "responses"
	ShapeChatCompletions = "chat_completions"
	ShapeMessages        = "messages"
	ShapeEmbeddings      = "embeddings"
	ShapeModels          = "models"
	ShapeOther           = "other"
)

// RequestMetadata is what the router and pipeline need to know about an
// incoming request without re-parsing the body.
type RequestMetadata struct {
	Path              string
	Shape             string
	Model             string
	ReasoningEffort   string
	IsStream          bool
	HasPromptCacheKey bool
	PromptCacheKey    string
}

// NormalizeRequestPath folds the /models spellings onto /v1/models and
// ensures a leading slash.
func NormalizeRequestPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "/models" || trimmed == "/v1/models" {
		return "/v1/models"
	}
	return path
}

func detectShape(path string) string {
	p := strings.TrimSuffix(path, "/")
	switch {
	case strings.HasSuffix(p, "/responses"):
		return ShapeResponses
	case strings.HasSuffix(p, "/chat/completions"):
		return ShapeChatCompletions
	case strings.HasSuffix(p, "/messages"):
		return ShapeMessages
	case strings.HasSuffix(p, "/embeddings"):
		return ShapeEmbeddings
	case p == "/v1/models" || strings.HasSuffix(p, "/models"):
		return ShapeModels
	default:
		return ShapeOther
	}
}

// ExtractMetadata inspects the (bounded) body plus the Accept header.
// Parsing is best-effort: a non-JSON body yields empty metadata, not an
// error.
func ExtractMetadata(path string, body []byte, acceptHeader string) RequestMetadata {
	meta := RequestMetadata{
		Path:  NormalizeRequestPath(path),
		Shape: detectShape(NormalizeRequestPath(path)),
	}
	meta.IsStream = strings.Contains(strings.ToLower(acceptHeader), "text/event-stream")

	probe := body
	if len(probe) > metadataParseLimit {
		probe = probe[:metadataParseLimit]
	}
	if !gjson.ValidBytes(probe) {
		return meta
	}
	parsed := gjson.ParseBytes(probe)
	if parsed.Get("stream").Bool() {
		meta.IsStream = true
	}
	meta.Model = parsed.Get("model").String()
	meta.ReasoningEffort = model.NormalizeReasoningEffort(parsed.Get("reasoning.effort").String())
	if pck := strings.TrimSpace(parsed.Get("prompt_cache_key").String()); pck != "" {
		meta.HasPromptCacheKey = true
		meta.PromptCacheKey = pck
	}
	return meta
}

// reasoningOverridePaths are the only paths where a key-level reasoning
// effort is injected.
var reasoningOverridePaths = map[string]bool{
	"/v1/responses":        true,
	"/v1/chat/completions": true,
}

// ApplyKeyOverrides rewrites the body with the platform key's model and
// reasoning overrides. Runs before any protocol adaptation. The returned
// metadata reflects the rewritten body.
func ApplyKeyOverrides(key *model.APIKey, path string, body []byte, meta RequestMetadata) ([]byte, RequestMetadata, error) {
	out := body

	if slug := strings.TrimSpace(key.ModelSlug); slug != "" && gjson.ValidBytes(out) {
		rewritten, err := sjson.SetBytes(out, "model", slug)
		if err != nil {
			return nil, meta, ErrBadRequest("cannot apply model override")
		}
		out = rewritten
		meta.Model = slug
	}

	if effort := model.NormalizeReasoningEffort(key.ReasoningEffort); effort != "" && reasoningOverridePaths[path] && gjson.ValidBytes(out) {
		// Clients occasionally send "reasoning" as a bare string; coerce to
		// an object before setting the effort field.
		if r := gjson.GetBytes(out, "reasoning"); r.Exists() && r.Type == gjson.String {
			rewritten, err := sjson.SetBytes(out, "reasoning", map[string]any{})
			if err != nil {
				return nil, meta, ErrBadRequest("cannot normalize reasoning field")
			}
			out = rewritten
		}
		rewritten, err := sjson.SetBytes(out, "reasoning.effort", effort)
		if err != nil {
			return nil, meta, ErrBadRequest("cannot apply reasoning override")
		}
		out = rewritten
		meta.ReasoningEffort = effort
	}

	return out, meta, nil
}

// ResponseAdapter transforms a buffered upstream response body back into the
// shape the downstream client speaks. Identity for openai_compat.
type ResponseAdapter func(status int, body []byte) (int, []byte)

func identityResponseAdapter(status int, body []byte) (int, []byte) {
	return status, body
}

// AdaptForProtocol rewrites path and body for the platform key's protocol
// and returns the inverse response adapter.
func AdaptForProtocol(protocolType, path string, body []byte) (string, []byte, ResponseAdapter, error) {
	switch protocolType {
	case model.ProtocolAnthropicNative:
		return adaptAnthropicRequest(path, body)
	case model.ProtocolAzureOpenAI:
		return adaptAzureRequest(path, body)
	default:
		return path, body, identityResponseAdapter, nil
	}
}

// adaptAnthropicRequest maps an Anthropic /v1/messages request onto the
// OpenAI chat-completions form and returns the inverse adapter.
func adaptAnthropicRequest(path string, body []byte) (string, []byte, ResponseAdapter, error) {
	if !strings.HasSuffix(strings.TrimSuffix(path, "/"), "/messages") {
		return path, body, identityResponseAdapter, nil
	}
	if !gjson.ValidBytes(body) {
		return "", nil, nil, ErrBadRequest("anthropic request body is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)

	out := []byte(`{}`)
	var err error
	if m := parsed.Get("model"); m.Exists() {
		if out, err = sjson.SetBytes(out, "model", m.String()); err != nil {
			return "", nil, nil, ErrBadRequest("cannot adapt anthropic model")
		}
	}
	if mt := parsed.Get("max_tokens"); mt.Exists() {
		if out, err = sjson.SetBytes(out, "max_tokens", mt.Int()); err != nil {
			return "", nil, nil, ErrBadRequest("cannot adapt anthropic max_tokens")
		}
	}
	if parsed.Get("stream").Bool() {
		if out, err = sjson.SetBytes(out, "stream", true); err != nil {
			return "", nil, nil, ErrBadRequest("cannot adapt anthropic stream flag")
		}
	}

	var messages []map[string]any
	if sys := parsed.Get("system"); sys.Exists() && sys.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": sys.String()})
	}
	for _, msg := range parsed.Get("messages").Array() {
		content := msg.Get("content")
		text := content.String()
		if content.IsArray() {
			var parts []string
			for _, block := range content.Array() {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
			}
			text = strings.Join(parts, "\n")
		}
		messages = append(messages, map[string]any{"role": msg.Get("role").String(), "content": text})
	}
	if len(messages) == 0 {
		return "", nil, nil, ErrBadRequest("anthropic request has no messages")
	}
	if out, err = sjson.SetBytes(out, "messages", messages); err != nil {
		return "", nil, nil, ErrBadRequest("cannot adapt anthropic messages")
	}

	return "/v1/chat/completions", out, anthropicResponseAdapter, nil
}

// anthropicResponseAdapter maps a buffered chat-completions response back
// into the Anthropic message shape. Non-2xx and unparseable bodies pass
// through untouched.
func anthropicResponseAdapter(status int, body []byte) (int, []byte) {
	if status < 200 || status >= 300 || !gjson.ValidBytes(body) {
		return status, body
	}
	parsed := gjson.ParseBytes(body)
	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		return status, body
	}

	out := []byte(`{"type":"message","role":"assistant"}`)
	out, _ = sjson.SetBytes(out, "id", parsed.Get("id").String())
	out, _ = sjson.SetBytes(out, "model", parsed.Get("model").String())
	out, _ = sjson.SetBytes(out, "content", []map[string]any{
		{"type": "text", "text": choice.Get("message.content").String()},
	})
	stopReason := "end_turn"
	if choice.Get("finish_reason").String() == "length" {
		stopReason = "max_tokens"
	}
	out, _ = sjson.SetBytes(out, "stop_reason", stopReason)
	out, _ = sjson.SetBytes(out, "usage.input_tokens", parsed.Get("usage.prompt_tokens").Int())
	out, _ = sjson.SetBytes(out, "usage.output_tokens", parsed.Get("usage.completion_tokens").Int())
	return status, out
}

// adaptAzureRequest folds the Azure deployments path onto the OpenAI form:
// /openai/deployments/{deployment}/chat/completions → /v1/chat/completions
// with model = deployment. Body shape is already OpenAI-compatible.
func adaptAzureRequest(path string, body []byte) (string, []byte, ResponseAdapter, error) {
	const prefix = "/openai/deployments/"
	if !strings.HasPrefix(path, prefix) {
		return path, body, identityResponseAdapter, nil
	}
	rest := strings.TrimPrefix(path, prefix)
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return "", nil, nil, ErrBadRequest("azure path missing deployment segment")
	}
	deployment := rest[:slash]
	tail := rest[slash:]
	if i := strings.IndexByte(tail, '?'); i >= 0 {
		tail = tail[:i]
	}

	newPath := "/v1" + tail
	out := body
	if gjson.ValidBytes(out) && !gjson.GetBytes(out, "model").Exists() {
		rewritten, err := sjson.SetBytes(out, "model", deployment)
		if err != nil {
			return "", nil, nil, ErrBadRequest("cannot set azure deployment model")
		}
		out = rewritten
	}
	return newPath, out, identityResponseAdapter, nil
}
