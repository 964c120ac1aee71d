package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kristerhedfors/funcall/pkg/auth"
	"github.com/kristerhedfors/funcall/pkg/dispatch"
	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/registry"
	schemapkg "github.com/kristerhedfors/funcall/pkg/schema"
)

// APIHandler serves the management and dispatch API under /v1/.
//
// All endpoints require Bearer token authentication with the API key, except
// /health.
//
// Routes:
//
//	GET    /health                        liveness (no auth)
//	GET    /v1/functions                  list all definitions
//	POST   /v1/functions                  register a function
//	GET    /v1/functions/{name}           fetch one definition
//	DELETE /v1/functions/{name}           remove (cascades to its collection)
//	POST   /v1/functions/{name}/enable    mark callable
//	POST   /v1/functions/{name}/disable   mark not callable
//	GET    /v1/tools                      model-facing schemas (local enabled + connector remote)
//	POST   /v1/dispatch                   run a batch of tool calls
type APIHandler struct {
	verifier  *auth.Verifier
	store     *registry.Store
	processor *dispatch.Processor
	hub       *ConnectorHub
	logger    *slog.Logger
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(verifier *auth.Verifier, store *registry.Store, processor *dispatch.Processor, hub *ConnectorHub, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		verifier:  verifier,
		store:     store,
		processor: processor,
		hub:       hub,
		logger:    logger,
	}
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		h.handleHealth(w, r)
		return
	}

	if !h.requireAuth(w, r) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1")
	switch {
	case path == "/functions":
		switch r.Method {
		case http.MethodGet:
			h.handleListFunctions(w, r)
		case http.MethodPost:
			h.handleRegisterFunction(w, r)
		default:
			writeErrorJSON(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		}

	case strings.HasPrefix(path, "/functions/"):
		h.routeFunction(w, r, strings.TrimPrefix(path, "/functions/"))

	case path == "/tools":
		if r.Method != http.MethodGet {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
			return
		}
		h.handleListTools(w, r)

	case path == "/dispatch":
		if r.Method != http.MethodPost {
			writeErrorJSON(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
			return
		}
		h.handleDispatch(w, r)

	default:
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	}
}

// routeFunction handles /v1/functions/{name} and its enable/disable actions.
func (h *APIHandler) routeFunction(w http.ResponseWriter, r *http.Request, rest string) {
	name := rest
	action := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		name, action = rest[:i], rest[i+1:]
	}
	if name == "" {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "function name required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGetFunction(w, name)
	case action == "" && r.Method == http.MethodDelete:
		h.handleRemoveFunction(w, name)
	case action == "enable" && r.Method == http.MethodPost:
		h.handleSetEnabled(w, name, true)
	case action == "disable" && r.Method == http.MethodPost:
		h.handleSetEnabled(w, name, false)
	default:
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	}
}

// requireAuth checks the Bearer token and returns true if authorized.
func (h *APIHandler) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	key := extractBearerToken(r)
	if key == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "missing Bearer token")
		return false
	}
	valid, err := h.verifier.VerifyAPIKey(key)
	if err != nil || !valid {
		writeErrorJSON(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
		return false
	}
	return true
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"functions":  len(h.store.List()),
		"enabled":    len(h.store.ListEnabled()),
		"connectors": h.hub.ConnectedCount(),
	})
}

// registerRequest is the POST /v1/functions body. Schema is optional: when
// absent it is generated from the source text.
type registerRequest struct {
	Name         string                       `json:"name"`
	Source       string                       `json:"source"`
	Language     string                       `json:"language,omitempty"`
	CollectionID string                       `json:"collection_id,omitempty"`
	Metadata     *registry.CollectionMetadata `json:"metadata,omitempty"`
	Schema       *schemapkg.Tool              `json:"schema,omitempty"`
	Enabled      bool                         `json:"enabled,omitempty"`
}

func (h *APIHandler) handleRegisterFunction(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}

	sch := req.Schema
	if sch == nil {
		sch = schemapkg.Generate(req.Source)
		if sch == nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error",
				"source has no parseable function signature")
			return
		}
	}
	if req.Name != "" {
		sch.Name = req.Name
	} else {
		req.Name = sch.Name
	}

	def := registry.Definition{
		Name:         req.Name,
		Source:       req.Source,
		Language:     schemapkg.Language(req.Language),
		Schema:       sch,
		CollectionID: req.CollectionID,
	}
	if !h.store.Add(def, req.Metadata) {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error",
			"registration rejected: name, source, and a valid schema are required")
		return
	}
	if req.Enabled {
		h.store.Enable(req.Name)
	}

	stored := h.store.Get(req.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"function": stored,
		"enabled":  h.store.IsEnabled(req.Name),
	})
}

func (h *APIHandler) handleListFunctions(w http.ResponseWriter, _ *http.Request) {
	defs := h.store.List()
	type entry struct {
		registry.Definition
		Enabled bool `json:"enabled"`
	}
	out := make([]entry, len(defs))
	for i, def := range defs {
		out[i] = entry{Definition: def, Enabled: h.store.IsEnabled(def.Name)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"functions":   out,
		"collections": h.store.Collections(),
	})
}

func (h *APIHandler) handleGetFunction(w http.ResponseWriter, name string) {
	def := h.store.Get(name)
	if def == nil {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "function not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"function": def,
		"enabled":  h.store.IsEnabled(name),
	})
}

func (h *APIHandler) handleRemoveFunction(w http.ResponseWriter, name string) {
	def := h.store.Get(name)
	if def == nil {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "function not found: "+name)
		return
	}
	removed := h.store.MembersOfCollection(def.CollectionID)
	h.store.Remove(name)
	h.logger.Info("functions removed", "collection", def.CollectionID, "count", len(removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"removed":    removed,
		"collection": def.CollectionID,
	})
}

func (h *APIHandler) handleSetEnabled(w http.ResponseWriter, name string, enabled bool) {
	var ok bool
	if enabled {
		ok = h.store.Enable(name)
	} else {
		ok = h.store.Disable(name)
	}
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "function not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

// handleListTools merges the locally enabled schemas with the connector
// remote tools, the exact declaration list to hand a model.
func (h *APIHandler) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := h.store.SchemasForEnabled()
	tools = append(tools, h.hub.RemoteSchemas()...)
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// dispatchRequest is the POST /v1/dispatch body: the tool_calls array as the
// model emitted it.
type dispatchRequest struct {
	ToolCalls []openai.ToolCall `json:"tool_calls"`
}

func (h *APIHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}
	if len(req.ToolCalls) == 0 {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request_error", "tool_calls array is required")
		return
	}

	start := time.Now()
	results := h.processor.Process(r.Context(), req.ToolCalls, nil)
	h.logger.Info("dispatch complete",
		"calls", len(req.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"messages": dispatch.Messages(results),
	})
}

// extractBearerToken pulls the Bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// writeErrorJSON writes an OpenAI-compatible error response.
func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openai.NewErrorResponse(message, errType, ""))
}

// writeJSON writes a success response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
