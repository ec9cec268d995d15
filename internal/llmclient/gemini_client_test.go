package llmclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server, config.LLMModelConfig, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")
	client.httpClient.Timeout = 5 * time.Second
	client.backoffFactory = fastBackoff

	t.Cleanup(server.Close)
	return client, server, cfg, observedLogs
}

func writeGeminiResponse(t *testing.T, w http.ResponseWriter, payload GeminiResponsePayload) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

// -- Initialization --

func TestNewGeminiClient_Success(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, cfg.APIKey, client.apiKey)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	assert.Equal(t, fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model), client.endpoint)
	assert.NotNil(t, client.backoffFactory)
	assert.NoError(t, client.Close())
}

func TestNewGeminiClient_Failure_MissingAPIKey(t *testing.T) {
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Gemini API Key is required")
}

// -- Payload construction --

func TestBuildRequestPayload_Standard(t *testing.T) {
	client, _, _, _ := setupGeminiClient(t, nil)
	client.config.MaxTokens = 2048
	client.config.SafetyFilters = map[string]string{"CAT_A": "BLOCK_LOW", "CAT_B": "BLOCK_HIGH"}

	req := createTestRequest()
	payload := client.buildRequestPayload(req)

	require.NotNil(t, payload.SystemInstruction)
	require.Len(t, payload.Contents, 1)
	assert.Equal(t, req.SystemPrompt, payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, req.UserPrompt, payload.Contents[0].Parts[0].Text)

	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
	assert.Equal(t, float32(0.9), payload.GenerationConfig.TopP)
	assert.Equal(t, 50, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	assert.Empty(t, payload.GenerationConfig.ResponseMimeType)
	assert.Nil(t, payload.GenerationConfig.ResponseJSONSchema)

	actualSafety := make(map[string]string)
	for _, setting := range payload.SafetySettings {
		actualSafety[setting.Category] = setting.Threshold
	}
	assert.Equal(t, client.config.SafetyFilters, actualSafety)
}

func TestBuildRequestPayload_ForceJSONWithSchema(t *testing.T) {
	client, _, _, _ := setupGeminiClient(t, nil)

	req := createTestRequest()
	req.SystemPrompt = ""
	req.Options.Temperature = 0
	req.Options.ForceJSONFormat = true
	req.Options.ResponseSchema = map[string]interface{}{"type": "object"}

	payload := client.buildRequestPayload(req)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
	assert.Equal(t, req.Options.ResponseSchema, payload.GenerationConfig.ResponseJSONSchema)
	assert.Nil(t, payload.SystemInstruction, "empty system prompt is omitted")
	assert.InDelta(t, 0.7, payload.GenerationConfig.Temperature, 1e-6, "model temperature applies when the request leaves it unset")
}

// -- Generate --

func TestGeminiGenerate_Success(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, createTestRequest().UserPrompt, payload.Contents[0].Parts[0].Text)

		writeGeminiResponse(t, w, GeminiResponsePayload{
			Candidates: []GeminiCandidate{{
				Content:      GeminiContent{Parts: []GeminiPart{{Text: "This is "}, {Text: "the answer."}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: GeminiUsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 50, TotalTokenCount: 150},
		})
	}

	client, _, _, observedLogs := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.NoError(t, err)
	assert.Equal(t, "This is the answer.", response)

	require.Equal(t, 1, observedLogs.Len())
	entry := observedLogs.All()[0]
	assert.Equal(t, "LLM generation complete (Gemini)", entry.Message)
	assert.Equal(t, int64(100), entry.ContextMap()["prompt_tokens"])
	assert.Equal(t, int64(50), entry.ContextMap()["completion_tokens"])
}

func TestGeminiGenerate_RetryOnTransientErrors(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable."))
			return
		}
		writeGeminiResponse(t, w, GeminiResponsePayload{
			Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: "Success after retry"}}}}},
		})
	}

	client, _, _, observedLogs := setupGeminiClient(t, handler)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response, err := client.Generate(ctx, createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "Success after retry", response)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 2, observedLogs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestGeminiGenerate_RetryOnNetworkError(t *testing.T) {
	client, server, _, observedLogs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, createTestRequest())
	require.Error(t, err)

	var permanentErr *backoff.PermanentError
	assert.False(t, errors.As(err, &permanentErr), "Network errors should be treated as transient and retried")

	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	require.Greater(t, warnLogs.Len(), 1)
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during LLM request, retrying...")
}

func TestGeminiGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("API Key Invalid"))
	}

	client, _, _, observedLogs := setupGeminiClient(t, handler)
	response, err := client.Generate(context.Background(), createTestRequest())

	require.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API error: status 403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "Permanent errors must not trigger retries")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	require.Equal(t, 1, errorLogs.Len())
	assert.Equal(t, int64(403), errorLogs.All()[0].ContextMap()["status"])
}

func TestGeminiGenerate_PermanentPayloadFailures(t *testing.T) {
	tests := []struct {
		name        string
		write       func(t *testing.T, w http.ResponseWriter)
		errContains string
	}{
		{
			name: "safety block",
			write: func(t *testing.T, w http.ResponseWriter) {
				writeGeminiResponse(t, w, GeminiResponsePayload{Candidates: []GeminiCandidate{{FinishReason: "SAFETY"}}})
			},
			errContains: "gemini API blocked the request (Reason: SAFETY)",
		},
		{
			name: "no candidates",
			write: func(t *testing.T, w http.ResponseWriter) {
				writeGeminiResponse(t, w, GeminiResponsePayload{})
			},
			errContains: "gemini API returned no candidates",
		},
		{
			name: "corrupt json",
			write: func(t *testing.T, w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("{invalid json:"))
			},
			errContains: "failed to decode response payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			client, _, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				tt.write(t, w)
			})

			response, err := client.Generate(context.Background(), createTestRequest())
			require.Error(t, err)
			assert.Empty(t, response)
			assert.Contains(t, err.Error(), tt.errContains)
			assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
		})
	}
}

func TestGeminiGenerate_ContextCancellation(t *testing.T) {
	client, _, _, _ := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	response, err := client.Generate(ctx, createTestRequest())

	require.Error(t, err)
	assert.Empty(t, response)
	assert.True(t, errors.Is(err, context.Canceled), "got: %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isTransientStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404} {
		assert.False(t, isTransientStatus(code), "status %d", code)
	}
}
