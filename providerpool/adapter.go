package providerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/types"
)

// BaseAdapter is the shared HTTP plumbing every concrete adapter embeds,
// grounded on ai/providers/base.go's BaseClient: a traced HTTP client
// (wired here via otelhttp, since the council's per-call spans are part of
// the ambient stack — SPEC_FULL.md §3 Domain Stack), default generation
// parameters, and status-code classification. Per spec §4.3, BaseAdapter
// itself never retries; that's the Pool's job.
type BaseAdapter struct {
	HTTPClient          *http.Client
	Logger              core.Logger
	DefaultTemperature  float32
	DefaultMaxTokens    int
}

// NewBaseAdapter creates shared adapter plumbing with an otelhttp-wrapped
// transport so every provider call produces a traced span (mirrors the
// teacher's telemetry.NewTracedHTTPClient).
func NewBaseAdapter(logger core.Logger) BaseAdapter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return BaseAdapter{
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:             logger,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1000,
	}
}

// classifyStatus maps an HTTP status/body to spec §4.3's ErrorCode table.
func classifyStatus(status int, body string) types.ErrorCode {
	lower := strings.ToLower(body)
	switch {
	case status == 401 || status == 403:
		return types.ErrorCodeAuthError
	case status == 429 || strings.Contains(lower, "rate limit"):
		return types.ErrorCodeRateLimit
	case status == 503 || strings.Contains(lower, "service unavailable"):
		return types.ErrorCodeServiceUnavailable
	default:
		return types.ErrorCodeUnknown
	}
}

// retryAfterSeconds parses the Retry-After header (integer seconds or an
// HTTP-date) per spec §4.3.
func retryAfterSeconds(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return int(d.Seconds())
	}
	return 0
}

// doJSON posts a JSON body and returns the raw response bytes, status, and
// headers, never retrying (the Pool owns retries).
func (b BaseAdapter) doJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) ([]byte, int, http.Header, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return body, resp.StatusCode, resp.Header, nil
}

// errorResponse builds the canonical failure ProviderResponse, encoding a
// Retry-After hint (when present) in the Error string using the
// "retry-after-seconds:N" convention Pool.retryAfterDelay parses.
func errorResponse(status int, body string, header http.Header) types.ProviderResponse {
	code := classifyStatus(status, body)
	msg := fmt.Sprintf("status %d: %s", status, body)
	if code == types.ErrorCodeRateLimit {
		if secs := retryAfterSeconds(header); secs > 0 {
			msg = fmt.Sprintf("retry-after-seconds:%d", secs)
		}
	}
	return types.ProviderResponse{Success: false, ErrorCode: code, Error: msg}
}

// --- OpenAI-shaped adapter ---

// OpenAIAdapter speaks the OpenAI chat/completions wire format (spec §6:
// Authorization: Bearer ...).
type OpenAIAdapter struct {
	BaseAdapter
	BaseURL string
	APIKey  string
}

// NewOpenAIAdapter creates an adapter for OpenAI-shaped APIs.
func NewOpenAIAdapter(baseURL, apiKey string, logger core.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{BaseAdapter: NewBaseAdapter(logger), BaseURL: baseURL, APIKey: apiKey}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float32         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func buildMessages(prompt string, convoContext []types.ConversationTurn) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(convoContext)+1)
	for _, turn := range convoContext {
		msgs = append(msgs, openAIMessage{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: prompt})
	return msgs
}

// Send implements ProviderAdapter.
func (a *OpenAIAdapter) Send(ctx context.Context, member types.CouncilMember, prompt string, convoContext []types.ConversationTurn) (types.ProviderResponse, error) {
	start := time.Now()
	reqBody := openAIRequest{
		Model:       member.Model,
		Messages:    buildMessages(prompt, convoContext),
		Temperature: a.DefaultTemperature,
		MaxTokens:   a.DefaultMaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + a.APIKey}

	body, status, header, err := a.doJSON(ctx, a.BaseURL+"/chat/completions", headers, reqBody)
	if err != nil {
		return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeNetworkError, Error: err.Error()}, err
	}
	if status >= 400 {
		return errorResponse(status, string(body), header), nil
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeUnknown, Error: err.Error()}, err
	}

	content := ""
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}

	return types.ProviderResponse{
		Content: content,
		Usage: types.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Latency: time.Since(start),
		Success: true,
	}, nil
}

// Health implements ProviderAdapter with a cheap reachability probe.
func (a *OpenAIAdapter) Health(ctx context.Context) (bool, time.Duration) {
	return probeHealth(ctx, a.HTTPClient, a.BaseURL)
}

// --- Anthropic-shaped adapter ---

// AnthropicAdapter speaks the Claude messages wire format (spec §6:
// x-api-key + anthropic-version: 2023-06-01).
type AnthropicAdapter struct {
	BaseAdapter
	BaseURL string
	APIKey  string
}

// NewAnthropicAdapter creates an adapter for Claude-shaped APIs.
func NewAnthropicAdapter(baseURL, apiKey string, logger core.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{BaseAdapter: NewBaseAdapter(logger), BaseURL: baseURL, APIKey: apiKey}
}

type anthropicRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Send implements ProviderAdapter.
func (a *AnthropicAdapter) Send(ctx context.Context, member types.CouncilMember, prompt string, convoContext []types.ConversationTurn) (types.ProviderResponse, error) {
	start := time.Now()
	reqBody := anthropicRequest{
		Model:     member.Model,
		Messages:  buildMessages(prompt, convoContext),
		MaxTokens: a.DefaultMaxTokens,
	}
	headers := map[string]string{
		"x-api-key":         a.APIKey,
		"anthropic-version": "2023-06-01",
	}

	body, status, header, err := a.doJSON(ctx, a.BaseURL+"/v1/messages", headers, reqBody)
	if err != nil {
		return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeNetworkError, Error: err.Error()}, err
	}
	if status >= 400 {
		return errorResponse(status, string(body), header), nil
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.ProviderResponse{Success: false, ErrorCode: types.ErrorCodeUnknown, Error: err.Error()}, err
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}

	return types.ProviderResponse{
		Content: content,
		Usage: types.TokenUsage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Latency: time.Since(start),
		Success: true,
	}, nil
}

// Health implements ProviderAdapter.
func (a *AnthropicAdapter) Health(ctx context.Context) (bool, time.Duration) {
	return probeHealth(ctx, a.HTTPClient, a.BaseURL)
}

// --- Bedrock-shaped and Gemini-shaped adapters ---
//
// Both speak OpenAI-compatible JSON over a provider-specific base URL and
// auth header once fronted by their respective gateway APIs (Bedrock's
// InvokeModel REST front door, Gemini's generateContent endpoint); the
// council proxy normalizes both down to the same request/response shape
// used by OpenAIAdapter rather than duplicating the marshaling logic. Both
// embed OpenAIAdapter unchanged, so they send the same Bearer auth header
// to the same /chat/completions path and differ only in the base URL and
// key they are built with — this is the "interface + shared composition,
// not class hierarchy" pattern from spec §9 carried one step further.

// BedrockAdapter speaks a Bedrock-fronted chat completions format.
type BedrockAdapter struct {
	OpenAIAdapter
}

// NewBedrockAdapter creates an adapter for Bedrock-shaped APIs, authenticated
// via a pre-signed gateway API key rather than raw SigV4 (the council proxy
// sits behind a gateway that performs SigV4 signing upstream).
func NewBedrockAdapter(baseURL, apiKey string, logger core.Logger) *BedrockAdapter {
	return &BedrockAdapter{OpenAIAdapter: *NewOpenAIAdapter(baseURL, apiKey, logger)}
}

// GeminiAdapter speaks a Gemini-fronted chat completions format.
type GeminiAdapter struct {
	OpenAIAdapter
}

// NewGeminiAdapter creates an adapter for Gemini-shaped APIs.
func NewGeminiAdapter(baseURL, apiKey string, logger core.Logger) *GeminiAdapter {
	return &GeminiAdapter{OpenAIAdapter: *NewOpenAIAdapter(baseURL, apiKey, logger)}
}

// probeHealth performs a cheap HEAD-style reachability check.
func probeHealth(ctx context.Context, client *http.Client, baseURL string) (bool, time.Duration) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return false, 0
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, time.Since(start)
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500, time.Since(start)
}
