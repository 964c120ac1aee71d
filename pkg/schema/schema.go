// Package schema derives LLM tool-calling schemas from function source text.
//
// Authors register plain functions — JavaScript in the common case, Lua for
// connectors that prefer it — and the generator infers the calling contract
// from the signature: parameter names, types, and required-ness. A structured
// doc comment (JSDoc block for JavaScript, `---`-style lines for Lua) lets
// precise authors override the generic inference without making doc comments
// mandatory.
//
// Generation is attempted speculatively on arbitrary pasted text, so failure
// is reported as a nil schema, never an error.
package schema

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Language identifies the authoring language of a function source.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangLua        Language = "lua"
)

// Tool is the derived calling schema for one function.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

// Parameters is the JSON Schema object describing the arguments mapping.
type Parameters struct {
	Type       string              `json:"type"` // always "object"
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// Property describes a single named parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Param is one declared parameter, in declaration order.
type Param struct {
	Name       string
	HasDefault bool
}

// Signature is the parsed head of a function definition.
type Signature struct {
	Name   string
	Params []Param
	Async  bool
}

// signatureRe matches the first function declaration head in a source text.
// It covers `function name(...)`, `async function name(...)` (JavaScript) and
// `function name(...)` / `local function name(...)` (Lua).
var signatureRe = regexp.MustCompile(`(?m)^[ \t]*(?:local[ \t]+)?(async[ \t]+)?function[ \t]+([A-Za-z_$][A-Za-z0-9_$]*)[ \t]*\(([^)]*)\)`)

// identRe validates a bare identifier after default/annotation stripping.
var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ParseSignature extracts the declared name, ordered parameter list, and
// async-ness from the first function declaration in source. Returns false if
// no declaration can be located.
func ParseSignature(source string) (Signature, bool) {
	m := signatureRe.FindStringSubmatch(source)
	if m == nil {
		return Signature{}, false
	}
	return Signature{
		Name:   m[2],
		Params: parseParams(m[3]),
		Async:  m[1] != "",
	}, true
}

// ParamNames returns the ordered declared parameter names, or nil if no
// signature can be located. The dispatch layer uses this for its positional
// argument fallback.
func ParamNames(source string) []string {
	sig, ok := ParseSignature(source)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(sig.Params))
	for _, p := range sig.Params {
		names = append(names, p.Name)
	}
	return names
}

// parseParams splits a raw parameter list into bare identifiers.
// Handled forms, each stripped to the identifier:
//
//	a = 1          default-value suffix (marks the parameter optional)
//	{a, b}         destructured object parameter
//	a: string      trailing type annotation
//	...rest        rest parameter
func parseParams(raw string) []Param {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	// Destructured form: treat the object keys as the parameter list.
	if strings.HasPrefix(raw, "{") {
		raw = strings.TrimPrefix(raw, "{")
		if i := strings.LastIndex(raw, "}"); i >= 0 {
			raw = raw[:i]
		}
	}

	var params []Param
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hasDefault := false
		if name, _, found := strings.Cut(part, "="); found {
			part = strings.TrimSpace(name)
			hasDefault = true
		}
		if name, _, found := strings.Cut(part, ":"); found {
			part = strings.TrimSpace(name)
		}
		part = strings.TrimPrefix(part, "...")
		if !identRe.MatchString(part) {
			continue
		}
		params = append(params, Param{Name: part, HasDefault: hasDefault})
	}
	return params
}

// docTypeMap is the fixed doc-comment type override table. Anything not in
// the table falls back to "string".
var docTypeMap = map[string]string{
	"string":    "string",
	"number":    "number",
	"boolean":   "boolean",
	"object":    "object",
	"array":     "array",
	"null":      "null",
	"undefined": "null",
}

func mapDocType(t string) string {
	if mapped, ok := docTypeMap[strings.ToLower(strings.TrimSpace(t))]; ok {
		return mapped
	}
	return "string"
}

// Generate derives a Tool schema from function source text.
//
// Every declared parameter defaults to type "string" and is required unless
// it carries a default value. A doc comment, when present, overrides the
// description and per-parameter types/descriptions.
//
// Returns nil if no function signature can be located — the caller must treat
// this as "cannot be registered as a tool", not as a hard error.
func Generate(source string) *Tool {
	sig, ok := ParseSignature(source)
	if !ok {
		return nil
	}

	tool := &Tool{
		Name:        sig.Name,
		Description: "Function " + sig.Name,
		Parameters: Parameters{
			Type:       "object",
			Properties: make(map[string]Property, len(sig.Params)),
			Required:   []string{},
		},
	}
	for _, p := range sig.Params {
		tool.Parameters.Properties[p.Name] = Property{
			Type:        "string",
			Description: "Parameter " + p.Name,
		}
		if !p.HasDefault {
			tool.Parameters.Required = append(tool.Parameters.Required, p.Name)
		}
	}

	doc := parseDocComment(source)
	if doc == nil {
		return tool
	}
	if doc.description != "" {
		tool.Description = doc.description
	}
	for name, over := range doc.params {
		prop, exists := tool.Parameters.Properties[name]
		if !exists {
			continue // doc names a parameter the signature doesn't declare
		}
		if over.typ != "" {
			prop.Type = mapDocType(over.typ)
		}
		if over.desc != "" {
			prop.Description = over.desc
		}
		tool.Parameters.Properties[name] = prop
	}
	return tool
}

// ParametersJSON marshals the parameters object for embedding in an LLM tool
// declaration. The schema is built from plain maps and slices, so marshaling
// cannot fail in practice.
func (t *Tool) ParametersJSON() json.RawMessage {
	data, err := json.Marshal(t.Parameters)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// Validate reports whether the schema is structurally sound: a non-empty
// name, an "object" parameters type, and every required name present in
// properties. The definition store refuses registration otherwise.
func (t *Tool) Validate() bool {
	if t == nil || t.Name == "" {
		return false
	}
	if t.Parameters.Type != "object" {
		return false
	}
	for _, req := range t.Parameters.Required {
		if _, ok := t.Parameters.Properties[req]; !ok {
			return false
		}
	}
	return true
}

// --- doc comment parsing ---

type paramOverride struct {
	typ  string
	desc string
}

type docComment struct {
	description string
	params      map[string]paramOverride
}

// jsdocBlockRe captures the first /** ... */ block.
var jsdocBlockRe = regexp.MustCompile(`(?s)/\*\*(.*?)\*/`)

// jsdocParamRe matches `@param {type} name description` with the braced type
// and the description both optional. Square brackets around the name (JSDoc's
// optional-parameter notation) are tolerated and stripped.
var jsdocParamRe = regexp.MustCompile(`@param[ \t]+(?:\{([^}]*)\}[ \t]*)?\[?([A-Za-z_$][A-Za-z0-9_$]*)\]?[ \t]*-?[ \t]*(.*)`)

// luaParamRe matches `@param name type description` in ---/-- comment lines.
var luaParamRe = regexp.MustCompile(`@param[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]+([A-Za-z]+)[ \t]*(.*)`)

// parseDocComment extracts the structured doc comment preceding the
// signature: a JSDoc block for JavaScript sources, `--`-prefixed lines for
// Lua. Returns nil when the source carries neither.
func parseDocComment(source string) *docComment {
	if m := jsdocBlockRe.FindStringSubmatch(source); m != nil {
		return parseJSDoc(m[1])
	}
	if strings.Contains(source, "--") {
		return parseLuaDoc(source)
	}
	return nil
}

func parseJSDoc(body string) *docComment {
	doc := &docComment{params: make(map[string]paramOverride)}
	var descLines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*"))
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "@description"):
			doc.description = strings.TrimSpace(strings.TrimPrefix(line, "@description"))
		case strings.HasPrefix(line, "@param"):
			if m := jsdocParamRe.FindStringSubmatch(line); m != nil {
				doc.params[m[2]] = paramOverride{typ: m[1], desc: strings.TrimSpace(m[3])}
			}
		case strings.HasPrefix(line, "@"):
			// @returns, @callable, @example — not schema-bearing.
		default:
			descLines = append(descLines, line)
		}
	}
	if doc.description == "" && len(descLines) > 0 {
		doc.description = strings.Join(descLines, " ")
	}
	return doc
}

func parseLuaDoc(source string) *docComment {
	doc := &docComment{params: make(map[string]paramOverride)}
	var descLines []string
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "--") {
			if strings.HasPrefix(line, "function") || strings.HasPrefix(line, "local") {
				break // comments after the signature document the body, not the contract
			}
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-"))
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "@param"):
			if m := luaParamRe.FindStringSubmatch(line); m != nil {
				doc.params[m[1]] = paramOverride{typ: m[2], desc: strings.TrimSpace(m[3])}
			}
		case strings.HasPrefix(line, "@"):
			// @return and friends — ignored.
		default:
			descLines = append(descLines, line)
		}
	}
	if len(descLines) == 0 && len(doc.params) == 0 {
		return nil
	}
	if len(descLines) > 0 {
		doc.description = strings.Join(descLines, " ")
	}
	return doc
}
