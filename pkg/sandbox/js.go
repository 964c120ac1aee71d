package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
)

// unit is one assembled compilation unit, ready to run: auxiliary helper
// sources concatenated ahead of the target, plus the synthesized call
// information.
type unit struct {
	tool   string         // registry key, used in error messages
	source string         // helpers + target source text
	entry  string         // declared identifier to invoke
	params []string       // ordered parameter names; nil → pass args as one value
	args   map[string]any // incoming arguments mapping
}

// runJSUnit executes a JavaScript unit in a fresh goja VM exposing only the
// sandbox capability allow-list. The VM is interrupted when ctx is cancelled;
// goja checks for interrupts between operations, so a busy loop stops at the
// next check rather than immediately.
func runJSUnit(ctx context.Context, u unit, fetcher *Fetcher, logger *slog.Logger) (any, error) {
	vm := goja.New()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	installJSCapabilities(ctx, vm, u.tool, fetcher, logger)

	if _, err := vm.RunString(u.source); err != nil {
		return nil, classifyJS(u.tool, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(u.entry))
	if !ok {
		return nil, &RuntimeError{
			Tool:     u.tool,
			Category: CategoryReference,
			Err:      fmt.Errorf("declared identifier %q is not a function after compilation", u.entry),
		}
	}

	// Synthesize the call: each declared parameter is extracted by name from
	// the arguments mapping and passed positionally. With no parseable
	// parameter list, the whole mapping is passed as one argument.
	var callArgs []goja.Value
	if u.params == nil {
		callArgs = []goja.Value{vm.ToValue(u.args)}
	} else {
		callArgs = make([]goja.Value, len(u.params))
		for i, p := range u.params {
			// An absent argument is undefined, not null, so declared default
			// values still apply.
			if v, ok := u.args[p]; ok {
				callArgs[i] = vm.ToValue(v)
			} else {
				callArgs[i] = goja.Undefined()
			}
		}
	}

	value, err := fn(goja.Undefined(), callArgs...)
	if err != nil {
		return nil, classifyJS(u.tool, err)
	}

	// Await completion: an async unit produces a promise, and a sync unit may
	// still return one. All capabilities resolve synchronously, so a promise
	// still pending here can never settle (there is no event loop).
	for {
		p, isPromise := value.Export().(*goja.Promise)
		if !isPromise {
			break
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			value = p.Result()
		case goja.PromiseStateRejected:
			return nil, classifyJS(u.tool, fmt.Errorf("%s", p.Result().String()))
		default:
			return nil, &RuntimeError{
				Tool:     u.tool,
				Category: CategoryOther,
				Err:      errors.New("asynchronous result never settled"),
			}
		}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// installJSCapabilities wires the fixed host allow-list into the VM: console
// (captured to the debug log), sleep, fetch, and nothing else. Globals that
// would reach outside the sandbox are explicitly undefined.
func installJSCapabilities(ctx context.Context, vm *goja.Runtime, tool string, fetcher *Fetcher, logger *slog.Logger) {
	// ── console → debug log ──────────────────────────────────────────────
	consolePrint := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprintf("%v", arg)
			}
			logger.Debug("sandbox console", "tool", tool, "level", level, "message", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, consolePrint(name))
	}
	_ = vm.Set("console", console)

	// ── sleep(ms) — the time-delay primitive ─────────────────────────────
	// Blocks the unit; returns early on cancellation and lets the interrupt
	// stop further execution.
	_ = vm.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		if ms <= 0 {
			return goja.Undefined()
		}
		sleepFor(ctx, ms)
		return goja.Undefined()
	})

	// ── fetch(url, opts) — the network primitive ─────────────────────────
	// Synchronous: the value is returned directly, no promise.
	_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		rawURL := call.Argument(0).String()
		var opts FetchOptions
		if optObj, ok := call.Argument(1).Export().(map[string]any); ok {
			if v, ok := optObj["method"].(string); ok {
				opts.Method = v
			}
			if v, ok := optObj["body"].(string); ok {
				opts.Body = v
			}
			if v, ok := optObj["as"].(string); ok {
				opts.As = v
			}
			if hdrs, ok := optObj["headers"].(map[string]any); ok {
				opts.Headers = make(map[string]string, len(hdrs))
				for k, hv := range hdrs {
					opts.Headers[k] = fmt.Sprintf("%v", hv)
				}
			}
		}
		resp, err := fetcher.Fetch(ctx, rawURL, opts)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		// Round-trip through JSON so the unit sees a plain object with the
		// wire field names, not a reflected Go struct.
		data, err := json.Marshal(resp)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		var plain any
		_ = json.Unmarshal(data, &plain)
		return vm.ToValue(plain)
	})

	// ── block everything outside the allow-list ──────────────────────────
	for _, blocked := range []string{
		"XMLHttpRequest", "WebSocket", "require", "process", "__dirname", "__filename",
	} {
		_ = vm.Set(blocked, goja.Undefined())
	}
}

// classifyJS wraps an engine error with its originating category and the
// tool name.
func classifyJS(tool string, err error) error {
	msg := err.Error()
	category := CategoryOther
	switch {
	case strings.Contains(msg, "SyntaxError"):
		category = CategorySyntax
	case strings.Contains(msg, "ReferenceError"):
		category = CategoryReference
	case strings.Contains(msg, "TypeError"):
		category = CategoryType
	}
	return &RuntimeError{Tool: tool, Category: category, Err: err}
}
