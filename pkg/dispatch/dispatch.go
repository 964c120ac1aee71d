// Package dispatch routes model-issued tool calls to the right execution
// path and assembles per-call result records.
//
// A batch never fails as a whole: each call produces exactly one result, in
// input order, whether it succeeded or not, so the model always gets a
// conversation-visible turn to react to.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/sandbox"
	"github.com/kristerhedfors/funcall/pkg/schema"
)

// Result is one tool call's outcome, shaped exactly as the model API expects
// it appended to the transcript.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Role       string `json:"role"`
	Name       string `json:"name"`
	Content    string `json:"content"`

	// Succeeded is internal bookkeeping, never serialized.
	Succeeded bool `json:"-"`
}

// Handler is the external tool path: any call whose name is not enabled
// locally is handed to it as a batch. Implementations return one Result per
// call, in order.
type Handler interface {
	Process(ctx context.Context, calls []openai.ToolCall) []Result
}

// Stage values passed to a Notify callback.
const (
	StageStarted   = "started"
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
)

// Notify observes per-call progress. May be nil.
type Notify func(callID, name, stage string)

// Processor classifies and executes tool calls.
type Processor struct {
	store    *registry.Store
	exec     *sandbox.Executor
	external Handler
	logger   *slog.Logger
}

// New creates a Processor. external may be nil: calls that would route
// externally then fail individually instead.
func New(store *registry.Store, exec *sandbox.Executor, external Handler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, exec: exec, external: external, logger: logger}
}

// Process handles one batch of tool calls. Results come back in input order,
// one per call, regardless of which path served each call or whether it
// failed.
func (p *Processor) Process(ctx context.Context, calls []openai.ToolCall, notify Notify) []Result {
	results := make([]Result, len(calls))

	// Classify first so the external batch goes out as one request, then
	// splice its results back into their original positions.
	var externalCalls []openai.ToolCall
	var externalIdx []int
	localIdx := make([]bool, len(calls))

	for i, call := range calls {
		switch {
		case call.Function.Name == "":
			results[i] = p.failed(call, "tool call has no function name")
		case p.store.IsEnabled(call.Function.Name):
			localIdx[i] = true
		case p.external != nil:
			externalCalls = append(externalCalls, call)
			externalIdx = append(externalIdx, i)
		default:
			results[i] = p.failed(call, fmt.Sprintf("tool %q is not registered or not enabled", call.Function.Name))
		}
	}

	if len(externalCalls) > 0 {
		external := p.external.Process(ctx, externalCalls)
		if excess := len(external) - len(externalCalls); excess > 0 {
			// A misbehaving handler must not take the batch down with it.
			p.logger.Warn("external tool handler returned more results than calls, dropping excess",
				"calls", len(externalCalls), "results", len(external))
			external = external[:len(externalCalls)]
		}
		for _, res := range external {
			i := externalIdx[0]
			externalIdx = externalIdx[1:]
			results[i] = res
		}
		// A short external response leaves the remaining slots failed.
		for _, i := range externalIdx {
			results[i] = p.failed(calls[i], "external tool handler returned no result")
		}
	}

	// Local calls run one at a time, in order. Batches are not assumed to be
	// independent enough to parallelize: two units sharing helper names would
	// race on compilation-unit assembly.
	for i, call := range calls {
		if !localIdx[i] {
			continue
		}
		if notify != nil {
			notify(call.ID, call.Function.Name, StageStarted)
		}
		results[i] = p.runLocal(ctx, call)
		if notify != nil {
			stage := StageSucceeded
			if !results[i].Succeeded {
				stage = StageFailed
			}
			notify(call.ID, call.Function.Name, stage)
		}
	}

	return results
}

// runLocal parses one call's arguments and executes it in the sandbox.
func (p *Processor) runLocal(ctx context.Context, call openai.ToolCall) Result {
	name := call.Function.Name

	args, err := p.parseArguments(name, call.Function.Arguments)
	if err != nil {
		return p.failed(call, err.Error())
	}

	out, err := p.exec.Execute(ctx, name, args)
	if err != nil {
		p.logger.Warn("tool call failed", "tool", name, "call_id", call.ID, "error", err)
		return p.failed(call, err.Error())
	}

	content, err := json.Marshal(out.Result)
	if err != nil {
		// Execute already verified serializability; this covers a logic error
		// between the two marshals.
		return p.failed(call, fmt.Sprintf("serializing result: %v", err))
	}

	p.logger.Debug("tool call complete", "tool", name, "call_id", call.ID, "duration_ms", out.DurationMS)
	return Result{
		ToolCallID: call.ID,
		Role:       "tool",
		Name:       name,
		Content:    string(content),
		Succeeded:  true,
	}
}

// parseArguments decodes the arguments text as a JSON object, falling back to
// positional token assignment against the tool's declared parameter order.
func (p *Processor) parseArguments(name, raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("tool call has no arguments text")
	}

	var args map[string]any
	jsonErr := json.Unmarshal([]byte(trimmed), &args)
	if jsonErr == nil && args != nil {
		return args, nil
	}
	if jsonErr == nil {
		jsonErr = fmt.Errorf("arguments decode to %q, not an object", trimmed)
	}

	// Positional fallback: zip space-separated tokens (double quotes group)
	// against the declared parameter order. Heuristic: tokens emitted out of
	// declaration order are silently misassigned, hence the warning.
	def := p.store.Get(name)
	if def == nil {
		return nil, fmt.Errorf("parsing arguments: %v", jsonErr)
	}
	params := schema.ParamNames(def.Source)
	tokens := splitTokens(trimmed)
	if len(params) == 0 || len(tokens) == 0 {
		return nil, fmt.Errorf("parsing arguments: %v (positional fallback found no parameters to assign)", jsonErr)
	}

	p.logger.Warn("tool call arguments are not valid JSON, using positional fallback",
		"tool", name, "json_error", jsonErr, "tokens", len(tokens), "params", len(params))

	args = make(map[string]any, len(params))
	for i, param := range params {
		if i >= len(tokens) {
			break
		}
		args[param] = tokens[i]
	}
	return args, nil
}

// failed synthesizes the uniform error payload for one call.
func (p *Processor) failed(call openai.ToolCall, message string) Result {
	return FailedResult(call.ID, call.Function.Name, message)
}

// Messages converts a result batch into the "tool" role messages appended to
// the conversation transcript, in the same order.
func Messages(results []Result) []openai.Message {
	msgs := make([]openai.Message, len(results))
	for i, res := range results {
		msgs[i] = openai.NewToolResultMessage(res.ToolCallID, res.Name, res.Content)
	}
	return msgs
}

// FailedResult builds the uniform error-payload result for one call. External
// handlers use it too, so every failure in the transcript has the same shape.
func FailedResult(callID, name, message string) Result {
	payload, err := json.Marshal(map[string]string{
		"error":     message,
		"status":    "error",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		payload = []byte(`{"error":"internal error","status":"error"}`)
	}
	return Result{
		ToolCallID: callID,
		Role:       "tool",
		Name:       name,
		Content:    string(payload),
		Succeeded:  false,
	}
}

// splitTokens splits raw into space-separated tokens, keeping double-quoted
// substrings together (quotes stripped).
func splitTokens(raw string) []string {
	var tokens []string
	var sb strings.Builder
	inQuote := false

	flush := func() {
		if sb.Len() > 0 {
			tokens = append(tokens, sb.String())
			sb.Reset()
		}
	}

	for _, r := range raw {
		switch {
		case r == '"':
			if inQuote {
				// Closing quote ends the token even without a trailing space.
				tokens = append(tokens, sb.String())
				sb.Reset()
				inQuote = false
			} else {
				inQuote = true
			}
		case !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return tokens
}
