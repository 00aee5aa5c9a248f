// Package toolengine exposes a registry of callable tools to council
// members: parameter validation, adapter dispatch, per-call timeout, and
// usage persistence (spec §4.6). The parallel-execution shape — a
// semaphore-bounded goroutine per call, panic recovery converting to a
// failed result, order-preserving collection — is grounded on
// orchestration/executor.go's SmartExecutor.Execute fan-out, trimmed of
// its dependency-graph/template-interpolation machinery the council's flat
// tool-call list doesn't need.
package toolengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/types"
)

// defaultTimeout is spec §4.6's "30s default, configurable" per-call
// timeout.
const defaultTimeout = 30 * time.Second

// defaultConcurrency bounds how many tool calls run at once within one
// executeParallel batch, mirroring SmartExecutor's semaphore.
const defaultConcurrency = 8

// FunctionHandler is the in-process adapter shape for AdapterFunction
// tools: an async function from params to a JSON-able result.
type FunctionHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// UsageRecorder persists a ToolResult to the tool_usage log keyed by
// requestId (spec §6's `tool_usage` table). Failures here MUST NOT fail
// the tool call (spec §4.6 "Persistence") — Engine only logs them.
type UsageRecorder interface {
	RecordToolUsage(ctx context.Context, requestID, memberID string, call types.ToolCall, result types.ToolResult) error
}

// NoOpUsageRecorder discards usage records, for callers that haven't
// wired an audit store yet.
type NoOpUsageRecorder struct{}

func (NoOpUsageRecorder) RecordToolUsage(ctx context.Context, requestID, memberID string, call types.ToolCall, result types.ToolResult) error {
	return nil
}

// Engine is the tool registry plus execution pipeline (spec §4.6).
type Engine struct {
	mu       sync.RWMutex
	tools    map[string]types.ToolDefinition
	handlers map[string]FunctionHandler

	httpClient *http.Client
	recorder   UsageRecorder
	logger     core.Logger
	timeout    time.Duration
	semaphore  chan struct{}
}

// New creates a tool engine with spec defaults (30s per-call timeout,
// a no-op usage recorder until one is wired).
func New(logger core.Logger, recorder UsageRecorder) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = NoOpUsageRecorder{}
	}
	return &Engine{
		tools:      make(map[string]types.ToolDefinition),
		handlers:   make(map[string]FunctionHandler),
		httpClient: &http.Client{},
		recorder:   recorder,
		logger:     logger,
		timeout:    defaultTimeout,
		semaphore:  make(chan struct{}, defaultConcurrency),
	}
}

// SetTimeout overrides the per-call timeout (spec §4.6 "configurable").
func (e *Engine) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// RegisterTool installs def, replacing any prior definition with the same
// name (spec §4.6 registerTool).
func (e *Engine) RegisterTool(def types.ToolDefinition, handler FunctionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Name] = def
	if def.Adapter == types.AdapterFunction && handler != nil {
		e.handlers[def.Name] = handler
	}
}

// GetAvailableTools returns every registered tool definition (spec §4.6
// getAvailableTools).
func (e *Engine) GetAvailableTools() []types.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(e.tools))
	for _, d := range e.tools {
		out = append(out, d)
	}
	return out
}

// ExecuteTool runs the lookup -> validate -> execute -> persist -> return
// pipeline for one call (spec §4.6 executeTool).
func (e *Engine) ExecuteTool(ctx context.Context, call types.ToolCall) types.ToolResult {
	start := time.Now()

	e.mu.RLock()
	def, ok := e.tools[call.Name]
	handler := e.handlers[call.Name]
	e.mu.RUnlock()

	if !ok {
		return e.finish(ctx, call, types.ToolResult{
			Name: call.Name, Success: false, Error: fmt.Sprintf("unknown tool %q", call.Name),
			Latency: time.Since(start), Timestamp: time.Now(),
		})
	}

	if err := validateParams(def, call.Params); err != nil {
		return e.finish(ctx, call, types.ToolResult{
			Name: call.Name, Success: false, Error: err.Error(),
			Latency: time.Since(start), Timestamp: time.Now(),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := e.invoke(callCtx, def, handler, call.Params)
	latency := time.Since(start)

	result := types.ToolResult{Name: call.Name, Timestamp: time.Now(), Latency: latency}
	if err != nil {
		result.Success = false
		if callCtx.Err() != nil {
			result.Error = fmt.Sprintf("timeout: %v", err)
		} else {
			result.Error = err.Error()
		}
	} else {
		result.Success = true
		result.Output = output
	}

	return e.finish(ctx, call, result)
}

func (e *Engine) finish(ctx context.Context, call types.ToolCall, result types.ToolResult) types.ToolResult {
	if err := e.recorder.RecordToolUsage(ctx, call.RequestID, call.MemberID, call, result); err != nil {
		e.logger.Warn("toolengine: failed to persist tool usage", map[string]interface{}{
			"tool": call.Name, "requestId": call.RequestID, "error": err.Error(),
		})
	}
	return result
}

func (e *Engine) invoke(ctx context.Context, def types.ToolDefinition, handler FunctionHandler, params map[string]interface{}) (output interface{}, err error) {
	switch def.Adapter {
	case types.AdapterFunction:
		if handler == nil {
			return nil, fmt.Errorf("no handler registered for function tool %q", def.Name)
		}
		return handler(ctx, params)
	case types.AdapterHTTP:
		return e.invokeHTTP(ctx, def, params)
	default:
		return nil, fmt.Errorf("unknown adapter tag %q", def.Adapter)
	}
}

func (e *Engine) invokeHTTP(ctx context.Context, def types.ToolDefinition, params map[string]interface{}) (interface{}, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool endpoint returned status %d", resp.StatusCode)
	}

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// ExecuteParallel executes every call concurrently, preserving input
// order in the result slice; one call's failure never cancels the others
// (spec §4.6 executeParallel).
func (e *Engine) ExecuteParallel(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			e.semaphore <- struct{}{}
			defer func() {
				<-e.semaphore
				if r := recover(); r != nil {
					e.logger.Error("toolengine: tool call panicked", map[string]interface{}{
						"tool": call.Name, "panic": fmt.Sprintf("%v", r),
					})
					results[i] = types.ToolResult{
						Name: call.Name, Success: false,
						Error:     fmt.Sprintf("panic during execution: %v", r),
						Timestamp: time.Now(),
					}
				}
				wg.Done()
			}()
			results[i] = e.ExecuteTool(ctx, call)
		}(i, call)
	}

	wg.Wait()
	return results
}
