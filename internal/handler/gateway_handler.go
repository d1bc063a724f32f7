// Package handler exposes the front HTTP surface: the catch-all gateway
// forwarder and the local RPC control endpoint.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codexmanager/internal/config"
	"github.com/Wei-Shaw/codexmanager/internal/model"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/httputil"
	"github.com/Wei-Shaw/codexmanager/internal/pkg/logger"
	"github.com/Wei-Shaw/codexmanager/internal/repository"
	"github.com/Wei-Shaw/codexmanager/internal/service"
)

// Response headers never copied back to the client.
var blockedResponseHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
	"set-cookie":          true,
}

// GatewayHandler is the front proxy: platform-key validation, request
// adaptation, and dispatch into the attempt pipeline.
type GatewayHandler struct {
	cfg      *config.Config
	store    *repository.Store
	gateway  *service.GatewayService
	recorder *service.RequestRecorder
}

// NewGatewayHandler wires the front proxy.
func NewGatewayHandler(cfg *config.Config, store *repository.Store, gateway *service.GatewayService, recorder *service.RequestRecorder) *GatewayHandler {
	return &GatewayHandler{cfg: cfg, store: store, gateway: gateway, recorder: recorder}
}

// HashPlatformKey computes the stored hash of a presented plaintext key.
func HashPlatformKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// extractPlatformKey pulls the presented secret from whichever auth header
// the client used.
func extractPlatformKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return strings.TrimSpace(k)
	}
	return strings.TrimSpace(r.Header.Get("api-key"))
}

func writeGatewayError(c *gin.Context, gerr *service.GatewayError) {
	c.JSON(gerr.StatusCode, gin.H{
		"error": gin.H{
			"type":    gerr.Type,
			"message": gerr.Message,
		},
	})
}

// writeStreamError emits an SSE error event when headers already went out.
func writeStreamError(c *gin.Context, gerr *service.GatewayError) {
	_, _ = c.Writer.WriteString("event: error\ndata: {\"error\":{\"type\":\"" +
		gerr.Type + "\",\"message\":\"" + gerr.Message + "\"}}\n\n")
	c.Writer.Flush()
}

// Handle is the catch-all gateway entry point.
func (h *GatewayHandler) Handle(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodConnect, http.MethodTrace:
		writeGatewayError(c, service.ErrMethodNotAllowed("method not supported"))
		return
	}

	plaintext := extractPlatformKey(c.Request)
	if plaintext == "" {
		writeGatewayError(c, service.ErrUnauthorized("missing platform key"))
		return
	}
	key, err := h.store.GetAPIKeyByHash(c.Request.Context(), HashPlatformKey(plaintext))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeGatewayError(c, service.ErrForbidden("unknown platform key"))
			return
		}
		writeGatewayError(c, service.ErrBadGateway("storage unavailable"))
		return
	}
	if !key.IsActive() {
		writeGatewayError(c, service.ErrForbidden("platform key disabled"))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.FrontProxyMaxBodyBytes)
	body, err := httputil.ReadRequestBodyWithPrealloc(c.Request)
	if err != nil {
		if _, ok := httputil.ExtractMaxBytesError(err); ok {
			writeGatewayError(c, service.ErrPayloadTooLarge("request body too large"))
			return
		}
		writeGatewayError(c, service.ErrBadRequest("cannot read request body"))
		return
	}

	path := service.NormalizeRequestPath(c.Request.URL.Path)
	meta := service.ExtractMetadata(path, body, c.GetHeader("Accept"))

	body, meta, gerr := applyOverrides(key, path, body, meta)
	if gerr != nil {
		writeGatewayError(c, gerr)
		return
	}
	upstreamPath, adaptedBody, respAdapter, err := service.AdaptForProtocol(key.ProtocolType, meta.Path, body)
	if err != nil {
		var ge *service.GatewayError
		if errors.As(err, &ge) {
			writeGatewayError(c, ge)
		} else {
			writeGatewayError(c, service.ErrBadRequest(err.Error()))
		}
		h.record(key, c, meta, nil, "", err.Error(), body, nil, false)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.TouchAPIKeyLastUsed(ctx, key.ID); err != nil {
			logger.L().Debug("gateway.touch_key_failed", zap.String("key_id", key.ID), zap.Error(err))
		}
	}()

	result, err := h.gateway.Forward(c.Request.Context(), &service.ForwardRequest{
		Key:            key,
		Method:         c.Request.Method,
		Path:           upstreamPath,
		Body:           adaptedBody,
		IncomingHeader: c.Request.Header,
		Meta:           meta,
	})
	if err != nil {
		ge := asGatewayError(err)
		writeGatewayError(c, ge)
		h.record(key, c, meta, nil, "", ge.Message, adaptedBody, nil, false)
		return
	}
	defer result.Body.Close()

	h.respond(c, key, meta, result, respAdapter, adaptedBody)
}

func applyOverrides(key *model.APIKey, path string, body []byte, meta service.RequestMetadata) ([]byte, service.RequestMetadata, *service.GatewayError) {
	out, meta, err := service.ApplyKeyOverrides(key, path, body, meta)
	if err != nil {
		var ge *service.GatewayError
		if errors.As(err, &ge) {
			return nil, meta, ge
		}
		return nil, meta, service.ErrBadRequest(err.Error())
	}
	return out, meta, nil
}

func asGatewayError(err error) *service.GatewayError {
	var ge *service.GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return service.ErrBadGateway(err.Error())
}

// respond streams or buffers the upstream response back to the client.
func (h *GatewayHandler) respond(c *gin.Context, key *model.APIKey, meta service.RequestMetadata, result *service.ForwardResult, adapter service.ResponseAdapter, requestBody []byte) {
	for name, values := range result.Header {
		if blockedResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}

	var responseBody []byte
	if result.Streamed {
		c.Status(result.Status)
		c.Writer.Flush()
		if err := streamCopy(c, result.Body); err != nil {
			logger.L().Debug("gateway.stream_aborted",
				zap.String("key_id", key.ID), zap.Error(err))
		}
	} else {
		buffered, err := io.ReadAll(result.Body)
		if err != nil {
			writeStreamError(c, service.ErrBadGateway("upstream read error"))
			return
		}
		status := result.Status
		status, buffered = adapter(status, buffered)
		responseBody = buffered
		c.Data(status, result.Header.Get("Content-Type"), buffered)
	}

	h.record(key, c, meta, &result.AccountID, result.UpstreamURL, result.ErrorMessage,
		requestBody, responseBody, result.Streamed)
}

// streamCopy pumps SSE bytes to the client, flushing per chunk and stopping
// on client disconnect.
func streamCopy(c *gin.Context, body io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return werr
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (h *GatewayHandler) record(key *model.APIKey, c *gin.Context, meta service.RequestMetadata, accountID *int64, upstreamURL, errMsg string, requestBody, responseBody []byte, streamed bool) {
	rec := service.RecordedRequest{
		KeyID:           key.ID,
		AccountID:       accountID,
		Method:          c.Request.Method,
		RequestPath:     meta.Path,
		Model:           meta.Model,
		ReasoningEffort: meta.ReasoningEffort,
		UpstreamURL:     upstreamURL,
		Error:           errMsg,
		RequestBody:     requestBody,
		ResponseBody:    responseBody,
		Streamed:        streamed,
	}
	if status := c.Writer.Status(); status != 0 {
		rec.StatusCode = &status
	}
	h.recorder.Record(rec)
}
