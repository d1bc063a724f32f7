package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
	"github.com/Wei-Shaw/codexmanager/internal/service"
)

const defaultLogListLimit = 100

// RPCHandler is the local control surface consumed by the UI/CLI.
type RPCHandler struct {
	store *repository.Store
	state *service.GatewayState
}

// NewRPCHandler wires the control surface.
func NewRPCHandler(store *repository.Store, state *service.GatewayState) *RPCHandler {
	return &RPCHandler{store: store, state: state}
}

type rpcRequest struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func rpcError(c *gin.Context, id any, code int, msg string) {
	c.JSON(http.StatusOK, gin.H{
		"jsonrpc": "2.0", "id": id,
		"error": gin.H{"code": code, "message": msg},
	})
}

func rpcResult(c *gin.Context, id any, result any) {
	c.JSON(http.StatusOK, gin.H{"jsonrpc": "2.0", "id": id, "result": result})
}

// Handle dispatches one RPC call.
func (h *RPCHandler) Handle(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpcError(c, nil, -32700, "parse error")
		return
	}
	ctx := c.Request.Context()
	params := gjson.ParseBytes(req.Params)

	switch req.Method {
	case "accounts.list":
		accounts, err := h.store.ListAccounts(ctx)
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		out := make([]gin.H, 0, len(accounts))
		for _, a := range accounts {
			entry := gin.H{
				"id": a.ID, "chatgpt_account_id": a.ChatGPTAccountID,
				"workspace_id": a.WorkspaceID, "sort_order": a.SortOrder,
				"status": a.Status, "created_at": a.CreatedAt,
			}
			if snap, err := h.store.LatestUsageSnapshot(ctx, a.ID); err == nil {
				entry["availability"] = string(service.ClassifyAvailability(snap))
			}
			out = append(out, entry)
		}
		rpcResult(c, req.ID, out)

	case "accounts.setStatus":
		changed, err := h.store.UpdateAccountStatusIfChanged(ctx,
			params.Get("account_id").Int(), params.Get("status").String())
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, gin.H{"changed": changed})

	case "accounts.setPin":
		h.state.SetManualPin(params.Get("account_id").Int())
		rpcResult(c, req.ID, gin.H{"pinned": h.state.ManualPin()})

	case "apikeys.list":
		keys, err := h.store.ListAPIKeys(ctx)
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, keys)

	case "apikeys.create":
		h.createAPIKey(c, req.ID, params)

	case "apikeys.setStatus":
		if err := h.store.UpdateAPIKeyStatus(ctx,
			params.Get("key_id").String(), params.Get("status").String()); err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, gin.H{"ok": true})

	case "logs.list":
		query := service.ParseRequestLogQuery(params.Get("query").String())
		limit := int(params.Get("limit").Int())
		if limit <= 0 {
			limit = defaultLogListLimit
		}
		logs, stats, err := h.store.ListRequestLogs(ctx, query.ToFilter(), limit)
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, gin.H{"logs": logs, "stats": stats})

	case "logs.summarize":
		start := time.Unix(params.Get("start").Int(), 0)
		end := time.Unix(params.Get("end").Int(), 0)
		summary, err := h.store.SummarizeRequestTokenStatsBetween(ctx, start, end)
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, summary)

	case "logs.clear":
		if err := h.store.ClearRequestLogs(ctx); err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, gin.H{"ok": true})

	case "usage.list":
		snaps, err := h.store.ListUsageSnapshots(ctx,
			params.Get("account_id").Int(), defaultLogListLimit)
		if err != nil {
			rpcError(c, req.ID, -32000, err.Error())
			return
		}
		rpcResult(c, req.ID, snaps)

	default:
		rpcError(c, req.ID, -32601, "method not found")
	}
}

// createAPIKey mints a gk_ platform key, storing only the hash on the key
// row and the plaintext in the secrets table.
func (h *RPCHandler) createAPIKey(c *gin.Context, id any, params gjson.Result) {
	protocolType := params.Get("protocol_type").String()
	if protocolType == "" {
		protocolType = model.ProtocolOpenAICompat
	}
	authScheme := params.Get("auth_scheme").String()
	if authScheme == "" {
		authScheme = model.AuthSchemeAuthorizationBearer
	}
	if !model.ValidProtocolAuthPair(protocolType, authScheme) {
		rpcError(c, id, -32602, "invalid protocol/auth pair")
		return
	}

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		rpcError(c, id, -32000, "cannot generate secret")
		return
	}
	secret := "gk_" + hex.EncodeToString(secretBytes)

	key := &model.APIKey{
		ID:                "gk_" + uuid.NewString(),
		Name:              params.Get("name").String(),
		ModelSlug:         params.Get("model_slug").String(),
		ReasoningEffort:   model.NormalizeReasoningEffort(params.Get("reasoning_effort").String()),
		ClientType:        params.Get("client_type").String(),
		ProtocolType:      protocolType,
		AuthScheme:        authScheme,
		UpstreamBaseURL:   params.Get("upstream_base_url").String(),
		StaticHeadersJSON: params.Get("static_headers_json").String(),
		KeyHash:           HashPlatformKey(secret),
	}
	if err := h.store.CreateAPIKey(c.Request.Context(), key, secret); err != nil {
		rpcError(c, id, -32000, err.Error())
		return
	}
	rpcResult(c, id, gin.H{"id": key.ID, "secret": secret})
}
