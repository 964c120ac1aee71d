package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/sandbox"
	"github.com/kristerhedfors/funcall/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(t *testing.T, external Handler) (*Processor, *registry.Store) {
	t.Helper()
	store := registry.New(nil, testLogger())
	exec := sandbox.NewExecutor(store, sandbox.Config{Logger: testLogger()})
	return New(store, exec, external, testLogger()), store
}

func registerEnabled(t *testing.T, store *registry.Store, name, source string) {
	t.Helper()
	sch := schema.Generate(source)
	if sch == nil {
		t.Fatalf("Generate(%q) = nil", name)
	}
	sch.Name = name
	if !store.Add(registry.Definition{Name: name, Source: source, Schema: sch}, nil) {
		t.Fatalf("Add(%q) = false", name)
	}
	if !store.Enable(name) {
		t.Fatalf("Enable(%q) = false", name)
	}
}

func call(id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:   id,
		Type: "function",
		Function: openai.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func errorPayload(t *testing.T, res Result) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("content %q is not a JSON object: %v", res.Content, err)
	}
	return payload
}

func TestProcessRoundTrip(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":2,"b":3}`),
	}, nil)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	got := results[0]
	want := Result{ToolCallID: "1", Role: "tool", Name: "sum", Content: "5", Succeeded: true}
	if got != want {
		t.Errorf("result = %+v, want %+v", got, want)
	}
}

func TestProcessResultWireShape(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("abc", "sum", `{"a":1,"b":1}`),
	}, nil)

	data, err := json.Marshal(results[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"tool_call_id":"abc","role":"tool","name":"sum","content":"2"}`
	if string(data) != want {
		t.Errorf("wire = %s, want %s", data, want)
	}
}

func TestProcessBatchPartialFailure(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":1,"b":2}`),
		call("2", "nope", `{}`),
		call("3", "sum", `{"a":3,"b":4}`),
	}, nil)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if !results[0].Succeeded || results[0].Content != "3" {
		t.Errorf("first = %+v", results[0])
	}
	if results[1].Succeeded {
		t.Error("second succeeded, want failure")
	}
	payload := errorPayload(t, results[1])
	if payload["status"] != "error" || payload["error"] == "" || payload["timestamp"] == "" {
		t.Errorf("error payload = %v", payload)
	}
	if !results[2].Succeeded || results[2].Content != "7" {
		t.Errorf("third = %+v", results[2])
	}
	for i, id := range []string{"1", "2", "3"} {
		if results[i].ToolCallID != id {
			t.Errorf("results[%d].ToolCallID = %q, want %q", i, results[i].ToolCallID, id)
		}
	}
}

func TestProcessRefusesDisabledTool(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)
	store.Disable("sum")

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":1,"b":2}`),
	}, nil)

	if results[0].Succeeded {
		t.Fatal("disabled tool executed")
	}
	payload := errorPayload(t, results[0])
	if !strings.Contains(payload["error"], "not registered or not enabled") {
		t.Errorf("error = %q", payload["error"])
	}
}

func TestProcessMissingName(t *testing.T) {
	p, _ := newTestProcessor(t, nil)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "", `{}`),
	}, nil)

	if results[0].Succeeded {
		t.Fatal("nameless call succeeded")
	}
	payload := errorPayload(t, results[0])
	if !strings.Contains(payload["error"], "no function name") {
		t.Errorf("error = %q", payload["error"])
	}
}

func TestProcessMissingArguments(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", "   "),
	}, nil)

	if results[0].Succeeded {
		t.Fatal("argument-less call succeeded")
	}
}

func TestProcessPositionalFallback(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "join", `function join(left, right) { return left + "-" + right; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "join", `"hello there" world`),
	}, nil)

	if !results[0].Succeeded {
		t.Fatalf("fallback failed: %s", results[0].Content)
	}
	if results[0].Content != `"hello there-world"` {
		t.Errorf("content = %s", results[0].Content)
	}
}

func TestProcessFallbackFailsCleanly(t *testing.T) {
	// No parseable signature parameters to zip against.
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "now", `function now() { return 1; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "now", `not json at all`),
	}, nil)

	if results[0].Succeeded {
		t.Fatal("unparseable arguments succeeded")
	}
	payload := errorPayload(t, results[0])
	if !strings.Contains(payload["error"], "parsing arguments") {
		t.Errorf("error = %q", payload["error"])
	}
}

type stubHandler struct {
	got     []openai.ToolCall
	results []Result
}

func (h *stubHandler) Process(_ context.Context, calls []openai.ToolCall) []Result {
	h.got = calls
	return h.results
}

func TestProcessRoutesUnknownNamesExternally(t *testing.T) {
	ext := &stubHandler{results: []Result{
		{ToolCallID: "2", Role: "tool", Name: "remote_search", Content: `"found"`, Succeeded: true},
	}}
	p, store := newTestProcessor(t, ext)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":1,"b":1}`),
		call("2", "remote_search", `{"q":"x"}`),
	}, nil)

	if len(ext.got) != 1 || ext.got[0].Function.Name != "remote_search" {
		t.Fatalf("external handler got %+v", ext.got)
	}
	if results[0].Content != "2" || !results[0].Succeeded {
		t.Errorf("local result = %+v", results[0])
	}
	if results[1].Content != `"found"` || !results[1].Succeeded {
		t.Errorf("external result = %+v", results[1])
	}
}

func TestProcessShortExternalResponse(t *testing.T) {
	ext := &stubHandler{results: nil}
	p, _ := newTestProcessor(t, ext)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "remote_only", `{}`),
	}, nil)

	if results[0].Succeeded {
		t.Fatal("missing external result marked succeeded")
	}
	payload := errorPayload(t, results[0])
	if !strings.Contains(payload["error"], "no result") {
		t.Errorf("error = %q", payload["error"])
	}
}

func TestProcessOverlongExternalResponse(t *testing.T) {
	ext := &stubHandler{results: []Result{
		{ToolCallID: "1", Role: "tool", Name: "remote_only", Content: `"ok"`, Succeeded: true},
		{ToolCallID: "bogus", Role: "tool", Name: "remote_only", Content: `"excess"`, Succeeded: true},
	}}
	p, _ := newTestProcessor(t, ext)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "remote_only", `{}`),
	}, nil)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Content != `"ok"` || !results[0].Succeeded {
		t.Errorf("result = %+v, want the first external result", results[0])
	}
}

func TestProcessNotify(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)
	registerEnabled(t, store, "boom", `function boom() { throw new Error("x"); }`)

	var events []string
	notify := func(callID, name, stage string) {
		events = append(events, name+":"+stage)
	}

	p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":1,"b":1}`),
		call("2", "boom", `{}`),
	}, notify)

	want := []string{"sum:started", "sum:succeeded", "boom:started", "boom:failed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestMessagesTranscriptShape(t *testing.T) {
	p, store := newTestProcessor(t, nil)
	registerEnabled(t, store, "sum", `function sum(a, b) { return a + b; }`)

	results := p.Process(context.Background(), []openai.ToolCall{
		call("1", "sum", `{"a":2,"b":3}`),
		call("2", "nope", `{}`),
	}, nil)

	msgs := Messages(results)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "tool" || msgs[0].ToolCallID != "1" || msgs[0].Name != "sum" || msgs[0].Content != "5" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	// Failures still produce a transcript turn so the model can react.
	if msgs[1].Role != "tool" || msgs[1].ToolCallID != "2" || !strings.Contains(msgs[1].Content, `"status":"error"`) {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestSplitTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`a b c`, []string{"a", "b", "c"}},
		{`"a b" c`, []string{"a b", "c"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
		{`"only"`, []string{"only"}},
		{`""`, []string{""}},
	}
	for _, tc := range tests {
		got := splitTokens(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("splitTokens(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("splitTokens(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}
