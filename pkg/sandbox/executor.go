// Package sandbox executes registered functions inside a restricted,
// cancellable execution context.
//
// Each call builds a fresh compilation unit — every other known definition in
// the same language (auxiliary helpers the target may call) followed by the
// target's own source — and runs it in a new interpreter instance exposing
// only a fixed capability allow-list: a time-delay primitive (sleep), a
// network-fetch primitive (fetch), and structured-data encode/decode. No
// state survives between invocations.
//
// JavaScript units run on goja; Lua units run on gopher-lua. Execution races
// a wall-clock timer: if the timer wins, the unit is abandoned (interrupted,
// not forcibly terminated) and its eventual result discarded.
//
// This is a cooperative isolation boundary, not a security boundary against a
// malicious author.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/schema"
)

// DefaultTimeout bounds one execution unless configured otherwise.
const DefaultTimeout = 30 * time.Second

// Config tunes an Executor.
type Config struct {
	// Timeout is the wall-clock bound per execution. Zero means DefaultTimeout.
	Timeout time.Duration

	// FetchMaxBytes caps the body size of one sandboxed fetch. Zero means the
	// fetcher's default.
	FetchMaxBytes int64

	// Logger receives per-stage diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Executor runs registered functions. The definition store is injected, never
// looked up ambiently, so tests can run against isolated stores.
type Executor struct {
	store    *registry.Store
	defaults map[string]registry.Definition
	timeout  time.Duration
	fetcher  *Fetcher
	logger   *slog.Logger
}

// Outcome is a successful execution's result.
type Outcome struct {
	Result     any
	DurationMS int64
}

// NewExecutor creates an Executor over the given store. The bundled default
// function sources are available as resolution targets behind any
// user-registered definition of the same name.
func NewExecutor(store *registry.Store, cfg Config) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := make(map[string]registry.Definition)
	for _, def := range DefaultDefinitions() {
		defaults[def.Name] = def
	}
	return &Executor{
		store:    store,
		defaults: defaults,
		timeout:  timeout,
		fetcher:  NewFetcher(cfg.FetchMaxBytes),
		logger:   logger,
	}
}

// Execute resolves name, builds its compilation unit, and runs it under the
// timeout race. Failures are always one of the typed errors in this package.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (*Outcome, error) {
	start := time.Now()

	// 1. Resolution: user-registered first, bundled defaults second.
	def := e.resolve(name)
	if def == nil || strings.TrimSpace(def.Source) == "" {
		return nil, &NotFoundError{Tool: name}
	}

	// 2. Argument validation.
	if args == nil {
		return nil, &InvalidArgumentsError{Tool: name, Reason: "arguments mapping is required"}
	}

	// 3. Unit construction: auxiliary helpers first, target last. The helper
	// snapshot is taken under the store lock, so a tool mutating the store
	// mid-flight cannot corrupt this unit.
	var sb strings.Builder
	if e.store != nil {
		for _, src := range e.store.CompanionSources(name) {
			sb.WriteString(src)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString(def.Source)

	// The invoked identifier is the one declared in the source, fixed at
	// registration time; it may differ from the registry key.
	entry := def.DeclaredName
	if entry == "" {
		sig, ok := schema.ParseSignature(def.Source)
		if !ok {
			return nil, &RuntimeError{Tool: name, Category: CategorySyntax, Err: errNoSignature}
		}
		entry = sig.Name
	}

	// 4. Call-site synthesis: nil params selects the whole-mapping fallback.
	params := schema.ParamNames(def.Source)

	u := unit{
		tool:   name,
		source: sb.String(),
		entry:  entry,
		params: params,
		args:   args,
	}

	e.logger.Debug("executing sandboxed unit",
		"tool", name,
		"language", def.Language,
		"entry", entry,
		"async", def.Async,
		"unit_bytes", len(u.source),
	)

	// 5–7. Run the unit racing the wall-clock timer. The loser is abandoned:
	// cancellation stops the wait, not the underlying work.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type runOut struct {
		value any
		err   error
	}
	done := make(chan runOut, 1)
	go func() {
		var value any
		var err error
		if def.Language == schema.LangLua {
			value, err = runLuaUnit(runCtx, u, e.fetcher, e.logger)
		} else {
			value, err = runJSUnit(runCtx, u, e.fetcher, e.logger)
		}
		done <- runOut{value, err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			e.logger.Debug("sandboxed unit failed", "tool", name, "error", out.err)
			return nil, out.err
		}
		// 8. Serializability: the value must survive the same encoding used
		// for transport to the model.
		if out.value != nil {
			if _, err := json.Marshal(out.value); err != nil {
				return nil, &SerializationError{Tool: name, Err: err}
			}
		}
		duration := time.Since(start).Milliseconds()
		e.logger.Debug("sandboxed unit complete", "tool", name, "duration_ms", duration)
		return &Outcome{Result: out.value, DurationMS: duration}, nil

	case <-timer.C:
		cancel()
		return nil, &TimeoutError{Tool: name, Timeout: e.timeout}

	case <-ctx.Done():
		cancel()
		return nil, &RuntimeError{Tool: name, Category: CategoryOther, Err: ctx.Err()}
	}
}

// resolve looks the name up in the store, then in the bundled defaults.
func (e *Executor) resolve(name string) *registry.Definition {
	if e.store != nil {
		if def := e.store.Get(name); def != nil {
			return def
		}
	}
	if def, ok := e.defaults[name]; ok {
		return &def
	}
	return nil
}

// errNoSignature covers stored definitions whose source lost its signature
// (hand-edited persistence, older versions).
var errNoSignature = &noSignatureError{}

type noSignatureError struct{}

func (*noSignatureError) Error() string { return "source text has no function signature" }

// sleepFor blocks for ms milliseconds or until ctx is cancelled. Both engines
// use it for their time-delay primitive.
func sleepFor(ctx context.Context, ms int64) {
	if ms <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
	}
}
