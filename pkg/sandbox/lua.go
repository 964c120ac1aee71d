package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// runLuaUnit executes a Lua unit in a fresh LState with the same capability
// allow-list as the JavaScript engine. The state carries ctx, so cancellation
// aborts the running chunk.
func runLuaUnit(ctx context.Context, u unit, fetcher *Fetcher, logger *slog.Logger) (any, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	// Open only the safe libraries: no io, no os.
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return nil, &RuntimeError{Tool: u.tool, Category: CategoryOther, Err: fmt.Errorf("opening lua lib %s: %w", lib.name, err)}
		}
	}

	// The base and package libs define file loaders. Scrub them so the unit
	// cannot reach the host filesystem, mirroring the JS blocked-globals list.
	for _, name := range []string{"loadfile", "dofile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	installLuaCapabilities(ctx, L, u.tool, fetcher, logger)

	if err := L.DoString(u.source); err != nil {
		return nil, classifyLua(u.tool, err)
	}

	fn := L.GetGlobal(u.entry)
	if fn.Type() != lua.LTFunction {
		return nil, &RuntimeError{
			Tool:     u.tool,
			Category: CategoryReference,
			Err:      fmt.Errorf("declared identifier %q is not a function after compilation", u.entry),
		}
	}

	var callArgs []lua.LValue
	if u.params == nil {
		callArgs = []lua.LValue{goToLua(L, mapToAny(u.args))}
	} else {
		callArgs = make([]lua.LValue, len(u.params))
		for i, p := range u.params {
			callArgs[i] = goToLua(L, u.args[p])
		}
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, callArgs...); err != nil {
		return nil, classifyLua(u.tool, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

// installLuaCapabilities registers the sandbox allow-list: sleep, fetch, and
// a json encode/decode module.
func installLuaCapabilities(ctx context.Context, L *lua.LState, tool string, fetcher *Fetcher, logger *slog.Logger) {
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		sleepFor(ctx, int64(L.ToNumber(1)))
		return 0
	}))

	L.SetGlobal("fetch", L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		var opts FetchOptions
		if L.GetTop() >= 2 {
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				if v, ok := luaToGo(tbl).(map[string]any); ok {
					if s, ok := v["method"].(string); ok {
						opts.Method = s
					}
					if s, ok := v["body"].(string); ok {
						opts.Body = s
					}
					if s, ok := v["as"].(string); ok {
						opts.As = s
					}
					if hdrs, ok := v["headers"].(map[string]any); ok {
						opts.Headers = make(map[string]string, len(hdrs))
						for k, hv := range hdrs {
							opts.Headers[k] = fmt.Sprintf("%v", hv)
						}
					}
				}
			}
		}
		resp, err := fetcher.Fetch(ctx, rawURL, opts)
		if err != nil {
			L.RaiseError("fetch: %s", err.Error())
			return 0
		}
		// Round-trip through JSON to hand the unit a plain table.
		data, err := json.Marshal(resp)
		if err != nil {
			L.RaiseError("fetch: encoding response: %s", err.Error())
			return 0
		}
		var plain any
		_ = json.Unmarshal(data, &plain)
		L.Push(goToLua(L, plain))
		return 1
	}))

	jsonMod := L.NewTable()
	L.SetField(jsonMod, "encode", L.NewFunction(func(L *lua.LState) int {
		data, err := json.Marshal(luaToGo(L.Get(1)))
		if err != nil {
			L.RaiseError("json.encode: %s", err.Error())
			return 0
		}
		L.Push(lua.LString(data))
		return 1
	}))
	L.SetField(jsonMod, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.RaiseError("json.decode: %s", err.Error())
			return 0
		}
		L.Push(goToLua(L, v))
		return 1
	}))
	L.SetGlobal("json", jsonMod)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, fmt.Sprintf("%v", luaToGo(L.Get(i))))
		}
		logger.Debug("sandbox log", "tool", tool, "message", strings.Join(parts, " "))
		return 0
	}))
}

// classifyLua maps a gopher-lua error to its failure category.
func classifyLua(tool string, err error) error {
	category := CategoryOther
	msg := err.Error()

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorSyntax {
		category = CategorySyntax
	} else {
		switch {
		case strings.Contains(msg, "parse error") || strings.Contains(msg, "syntax error"):
			category = CategorySyntax
		case strings.Contains(msg, "attempt to call a non-function") || strings.Contains(msg, "attempt to call a nil value") || strings.Contains(msg, "undefined"):
			category = CategoryReference
		case strings.Contains(msg, "attempt to perform arithmetic") || strings.Contains(msg, "attempt to concatenate") || strings.Contains(msg, "attempt to index"):
			category = CategoryType
		}
	}
	return &RuntimeError{Tool: tool, Category: category, Err: err}
}

// --- value conversion ---

// mapToAny widens a string-keyed map so goToLua's table path handles it.
func mapToAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// goToLua converts a JSON-shaped Go value to its Lua counterpart.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to its JSON-shaped Go counterpart. Tables with
// a contiguous 1..n integer index become slices; everything else becomes a
// string-keyed map.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		maxn := val.MaxN()
		if maxn == 0 {
			m := make(map[string]any)
			val.ForEach(func(k, item lua.LValue) {
				m[fmt.Sprintf("%v", luaToGo(k))] = luaToGo(item)
			})
			if len(m) == 0 {
				return []any{} // empty table: serialize as an empty array
			}
			return m
		}
		arr := make([]any, 0, maxn)
		for i := 1; i <= maxn; i++ {
			arr = append(arr, luaToGo(val.RawGetInt(i)))
		}
		return arr
	default:
		return fmt.Sprintf("%v", val)
	}
}
