package service

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kristerhedfors/funcall/pkg/auth"
	"github.com/kristerhedfors/funcall/pkg/dispatch"
	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/protocol"
	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/sandbox"
)

// Argon2id hashing is slow, so every test shares one key pair.
var (
	keysOnce     sync.Once
	apiKey       string
	connectorKey string
	apiHash      string
	connHash     string
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keysOnce.Do(func() {
		api, err := auth.GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey: %v", err)
		}
		conn, err := auth.GenerateConnectorKey()
		if err != nil {
			t.Fatalf("GenerateConnectorKey: %v", err)
		}
		apiKey, apiHash = api.Key, api.Hash
		connectorKey, connHash = conn.Key, conn.Hash
	})
	return apiKey, connectorKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv   *httptest.Server
	store *registry.Store
	hub   *ConnectorHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	testKeys(t)

	logger := testLogger()
	store := registry.New(nil, logger)
	verifier := auth.NewVerifier(apiHash, connHash, time.Minute)
	exec := sandbox.NewExecutor(store, sandbox.Config{Logger: logger})
	hub := NewConnectorHub(verifier, store, 5*time.Second, logger)
	processor := dispatch.New(store, exec, hub, logger)
	api := NewAPIHandler(verifier, store, processor, hub, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/health", api)
	mux.Handle("/v1/", api)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, hub: hub}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/functions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/functions", nil)
	req.Header.Set("Authorization", "Bearer fnc_not_the_key")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with bad key: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp2.StatusCode)
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodPost, "/v1/functions", map[string]any{
		"name":    "sum",
		"source":  "function sum(a, b) { return a + b; }",
		"enabled": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %s", resp.StatusCode, body)
	}

	resp, body = env.request(t, http.MethodGet, "/v1/tools", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools status = %d", resp.StatusCode)
	}
	var tools struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	found := false
	for _, tool := range tools.Tools {
		if tool.Function.Name == "sum" {
			found = true
			if tool.Type != "function" {
				t.Errorf("type = %q, want function", tool.Type)
			}
		}
	}
	if !found {
		t.Fatalf("sum missing from tools: %s", body)
	}

	resp, body = env.request(t, http.MethodPost, "/v1/dispatch", map[string]any{
		"tool_calls": []map[string]any{{
			"id":   "1",
			"type": "function",
			"function": map[string]any{
				"name":      "sum",
				"arguments": `{"a":2,"b":3}`,
			},
		}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Results []struct {
			ToolCallID string `json:"tool_call_id"`
			Role       string `json:"role"`
			Name       string `json:"name"`
			Content    string `json:"content"`
		} `json:"results"`
		Messages []openai.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(out.Results))
	}
	res := out.Results[0]
	if res.ToolCallID != "1" || res.Role != "tool" || res.Name != "sum" || res.Content != "5" {
		t.Errorf("result = %+v", res)
	}
	// Transcript-ready messages mirror the results.
	if len(out.Messages) != 1 {
		t.Fatalf("len(messages) = %d, want 1", len(out.Messages))
	}
	msg := out.Messages[0]
	if msg.Role != "tool" || msg.ToolCallID != "1" || msg.Name != "sum" || msg.Content != "5" {
		t.Errorf("message = %+v", msg)
	}
}

func TestEnableDisable(t *testing.T) {
	env := newTestEnv(t)

	env.request(t, http.MethodPost, "/v1/functions", map[string]any{
		"name":   "sum",
		"source": "function sum(a, b) { return a + b; }",
	})

	if env.store.IsEnabled("sum") {
		t.Fatal("registered without enabled flag but enabled")
	}

	resp, _ := env.request(t, http.MethodPost, "/v1/functions/sum/enable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}
	if !env.store.IsEnabled("sum") {
		t.Error("not enabled after enable call")
	}

	resp, _ = env.request(t, http.MethodPost, "/v1/functions/sum/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	if env.store.IsEnabled("sum") {
		t.Error("still enabled after disable call")
	}

	resp, _ = env.request(t, http.MethodPost, "/v1/functions/ghost/enable", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("enable unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestRemoveCascades(t *testing.T) {
	env := newTestEnv(t)

	for _, name := range []string{"first", "second"} {
		resp, body := env.request(t, http.MethodPost, "/v1/functions", map[string]any{
			"name":          name,
			"source":        "function " + name + "() { return 1; }",
			"collection_id": "pair",
			"enabled":       true,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: %d %s", name, resp.StatusCode, body)
		}
	}

	resp, body := env.request(t, http.MethodDelete, "/v1/functions/first", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Removed []string `json:"removed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Removed) != 2 {
		t.Errorf("removed = %v, want both members", out.Removed)
	}
	if env.store.Get("second") != nil {
		t.Error("second survived the cascade")
	}
}

func TestRegisterRejectsUnparseableSource(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/v1/functions", map[string]any{
		"name":   "bad",
		"source": "this is not a function",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// dialConnector opens a websocket session and completes the hello handshake.
func dialConnector(t *testing.T, env *testEnv, hello protocol.HelloMessage) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	data, err := protocol.MarshalMessage(hello)
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	_, ackData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading hello_ack: %v", err)
	}
	msg, err := protocol.ParseMessage(ackData)
	if err != nil {
		t.Fatalf("parsing hello_ack: %v", err)
	}
	ack, ok := msg.(protocol.HelloAckMessage)
	if !ok {
		t.Fatalf("got %T, want HelloAckMessage", msg)
	}
	if !ack.Success {
		t.Fatalf("hello rejected: %s", ack.Error)
	}
	return conn
}

func TestConnectorRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := protocol.MarshalMessage(protocol.HelloMessage{
		Type:         protocol.TypeHello,
		ConnectorKey: "cnk_wrong",
		Name:         "evil",
	})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ackData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.ParseMessage(ackData)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ack := msg.(protocol.HelloAckMessage); ack.Success {
		t.Error("bad key accepted")
	}
}

func TestConnectorLifecycle(t *testing.T) {
	env := newTestEnv(t)

	conn := dialConnector(t, env, protocol.HelloMessage{
		Type:         protocol.TypeHello,
		ConnectorKey: connectorKey,
		Name:         "acme",
		Tools: []protocol.ToolAdvertisement{
			{
				Name:        "remote_echo",
				Description: "Echoes its arguments",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			},
			{
				Name:   "acme_shout",
				Source: `function acme_shout(text) { return text.toUpperCase(); }`,
			},
		},
	})

	// Both universes visible: the script tool in the registry, the remote
	// tool hub-side.
	if env.store.Get("acme_shout") == nil || !env.store.IsEnabled("acme_shout") {
		t.Fatal("script tool not registered and enabled")
	}
	remotes := env.hub.RemoteSchemas()
	if len(remotes) != 1 || remotes[0].Function.Name != "remote_echo" {
		t.Fatalf("remote schemas = %+v", remotes)
	}

	// The connector answers tool jobs in the background.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			if job, ok := msg.(protocol.ToolJobMessage); ok {
				reply, _ := protocol.MarshalMessage(protocol.ToolResultMessage{
					Type:    protocol.TypeToolResult,
					JobID:   job.JobID,
					CallID:  job.CallID,
					Name:    job.Name,
					Content: `"echo:" ` + job.Arguments,
					Success: true,
				})
				_ = conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}()

	// Dispatch one local script call and one remote call in a single batch.
	resp, body := env.request(t, http.MethodPost, "/v1/dispatch", map[string]any{
		"tool_calls": []map[string]any{
			{"id": "1", "type": "function", "function": map[string]any{
				"name": "acme_shout", "arguments": `{"text":"hi"}`,
			}},
			{"id": "2", "type": "function", "function": map[string]any{
				"name": "remote_echo", "arguments": `{"text":"hi"}`,
			}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Results []struct {
			ToolCallID string `json:"tool_call_id"`
			Content    string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(out.Results))
	}
	if out.Results[0].ToolCallID != "1" || out.Results[0].Content != `"HI"` {
		t.Errorf("script result = %+v", out.Results[0])
	}
	if out.Results[1].ToolCallID != "2" || !strings.Contains(out.Results[1].Content, "echo:") {
		t.Errorf("remote result = %+v", out.Results[1])
	}

	// Disconnect retracts the whole tool set as one unit.
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.store.Get("acme_shout") == nil && len(env.hub.RemoteSchemas()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.store.Get("acme_shout") != nil {
		t.Error("script tool survived disconnect")
	}
	if len(env.hub.RemoteSchemas()) != 0 {
		t.Error("remote tool survived disconnect")
	}
}

func TestSeedDefaults(t *testing.T) {
	store := registry.New(nil, testLogger())
	seedDefaults(store, testLogger())

	if store.Get("word_count") == nil {
		t.Fatal("bundled word_count not seeded")
	}
	if !store.IsEnabled("get_current_time") {
		t.Error("bundled tool not enabled")
	}

	// Re-seeding must not clobber an existing definition.
	custom := store.Get("word_count")
	custom.Source = `function word_count(text) { return 0; }`
	store.Add(*custom, nil)
	seedDefaults(store, testLogger())
	if got := store.Get("word_count"); got == nil || !strings.Contains(got.Source, "return 0") {
		t.Error("seeding overwrote a user definition")
	}
}
