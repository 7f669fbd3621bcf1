package dispatcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestWriteErrorRetryAfterRateLimitedBodyShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeErrorRetryAfter(ctx, fasthttp.StatusTooManyRequests, "rate_limited", "rate limit exceeded", 12.5)

	require.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())

	var body map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	require.Equal(t, "rate_limited", body["error"])
	require.Equal(t, "rate limit exceeded", body["detail"])
	require.Equal(t, 12.5, body["retry_after"])
}

func TestWriteErrorOtherKindsUseAPIErrEnvelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeError(ctx, fasthttp.StatusBadRequest, "invalid_request", "message and provider are required")

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	require.Equal(t, "message and provider are required", body["error"]["message"])
	require.Contains(t, body["error"], "type")
	require.Contains(t, body["error"], "code")
	require.NotContains(t, body["error"], "retry_after")
}
