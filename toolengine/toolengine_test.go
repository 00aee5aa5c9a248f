package toolengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/council-proxy/council/types"
)

func addTool() types.ToolDefinition {
	return types.ToolDefinition{
		Name:    "add",
		Adapter: types.AdapterFunction,
		Parameters: []types.ParamSpec{
			{Name: "a", Type: types.ParamNumber, Required: true},
			{Name: "b", Type: types.ParamNumber, Required: true},
		},
	}
}

func TestExecuteTool_FunctionAdapterHappyPath(t *testing.T) {
	engine := New(nil, nil)
	engine.RegisterTool(addTool(), func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		a := params["a"].(float64)
		b := params["b"].(float64)
		return a + b, nil
	})

	result := engine.ExecuteTool(context.Background(), types.ToolCall{
		Name: "add", Params: map[string]interface{}{"a": 2.0, "b": 3.0},
	})
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Output != 5.0 {
		t.Errorf("Output = %v, want 5.0", result.Output)
	}
}

func TestExecuteTool_MissingRequiredParameterFailsValidation(t *testing.T) {
	engine := New(nil, nil)
	engine.RegisterTool(addTool(), func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		t.Fatal("handler should not run when validation fails")
		return nil, nil
	})

	result := engine.ExecuteTool(context.Background(), types.ToolCall{
		Name: "add", Params: map[string]interface{}{"a": 2.0},
	})
	if result.Success {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(result.Error, "b") {
		t.Errorf("Error = %q, want it to name the missing parameter", result.Error)
	}
}

func TestExecuteTool_TypeMismatchFailsValidation(t *testing.T) {
	engine := New(nil, nil)
	engine.RegisterTool(addTool(), func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		t.Fatal("handler should not run when validation fails")
		return nil, nil
	})

	result := engine.ExecuteTool(context.Background(), types.ToolCall{
		Name: "add", Params: map[string]interface{}{"a": "not a number", "b": 3.0},
	})
	if result.Success {
		t.Fatal("expected type-mismatch failure")
	}
}

func TestExecuteTool_UnknownToolFails(t *testing.T) {
	engine := New(nil, nil)
	result := engine.ExecuteTool(context.Background(), types.ToolCall{Name: "nope"})
	if result.Success {
		t.Fatal("expected failure for unregistered tool")
	}
}

func TestExecuteTool_TimeoutIsCancellableAndReported(t *testing.T) {
	engine := New(nil, nil)
	engine.SetTimeout(50 * time.Millisecond)
	engine.RegisterTool(types.ToolDefinition{Name: "slow", Adapter: types.AdapterFunction},
		func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	result := engine.ExecuteTool(context.Background(), types.ToolCall{Name: "slow"})
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Error, "timeout") {
		t.Errorf("Error = %q, want it to contain 'timeout'", result.Error)
	}
}

func TestExecuteTool_HTTPAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]interface{}{"echo": body})
	}))
	defer server.Close()

	engine := New(nil, nil)
	engine.RegisterTool(types.ToolDefinition{Name: "http-tool", Adapter: types.AdapterHTTP, Endpoint: server.URL}, nil)

	result := engine.ExecuteTool(context.Background(), types.ToolCall{
		Name: "http-tool", Params: map[string]interface{}{"x": 1.0},
	})
	if !result.Success {
		t.Fatalf("expected success, got: %s", result.Error)
	}
}

func TestExecuteTool_HTTPAdapterNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	engine := New(nil, nil)
	engine.RegisterTool(types.ToolDefinition{Name: "http-tool", Adapter: types.AdapterHTTP, Endpoint: server.URL}, nil)

	result := engine.ExecuteTool(context.Background(), types.ToolCall{Name: "http-tool"})
	if result.Success {
		t.Fatal("expected failure on non-2xx response")
	}
}

func TestExecuteParallel_PreservesOrderAndIsolatesFailures(t *testing.T) {
	engine := New(nil, nil)
	engine.RegisterTool(types.ToolDefinition{Name: "ok", Adapter: types.AdapterFunction},
		func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return "ok", nil })
	engine.RegisterTool(types.ToolDefinition{Name: "panics", Adapter: types.AdapterFunction},
		func(ctx context.Context, params map[string]interface{}) (interface{}, error) { panic("boom") })

	calls := []types.ToolCall{
		{Name: "ok"},
		{Name: "panics"},
		{Name: "ok"},
		{Name: "unknown-tool"},
	}
	results := engine.ExecuteParallel(context.Background(), calls)

	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}
	if !results[0].Success || results[0].Output != "ok" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Success {
		t.Errorf("expected the panicking call to surface as a failure, got %+v", results[1])
	}
	if !results[2].Success {
		t.Errorf("results[2] should have succeeded independently of the panic: %+v", results[2])
	}
	if results[3].Success {
		t.Errorf("results[3] (unknown tool) should have failed")
	}
}

type recordingRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingRecorder) RecordToolUsage(ctx context.Context, requestID, memberID string, call types.ToolCall, result types.ToolResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func TestExecuteTool_PersistsUsageEvenOnFailure(t *testing.T) {
	recorder := &recordingRecorder{}
	engine := New(nil, recorder)

	engine.ExecuteTool(context.Background(), types.ToolCall{Name: "unknown"})
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.calls != 1 {
		t.Errorf("calls = %d, want 1 (usage recorded even for a failed call)", recorder.calls)
	}
}
