package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kristerhedfors/funcall/pkg/auth"
	"github.com/kristerhedfors/funcall/pkg/dispatch"
	"github.com/kristerhedfors/funcall/pkg/openai"
	"github.com/kristerhedfors/funcall/pkg/protocol"
	"github.com/kristerhedfors/funcall/pkg/registry"
	schemapkg "github.com/kristerhedfors/funcall/pkg/schema"
)

// newConnectorID generates a random hex ID for a connector session.
func newConnectorID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// connectorConn tracks one connected tool connector.
type connectorConn struct {
	id   string
	name string
	conn *websocket.Conn
	mu   sync.Mutex // protects writes to conn (WebSocket writes are not thread-safe)

	remoteNames      []string // remote tools this connector owns
	scriptCollection string   // registry collection for its script tools, "" if none
}

// sendMessage marshals and sends a server message to the connector.
func (cc *connectorConn) sendMessage(msg any) error {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

// ConnectorHub owns all connector sessions. It is both the /ws HTTP handler
// and the external tool path for the dispatch processor: calls naming a
// connector-advertised remote tool become tool_job messages, answered by
// tool_result.
type ConnectorHub struct {
	verifier   *auth.Verifier
	store      *registry.Store
	jobTimeout time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	connectors  map[string]*connectorConn // connector ID → session
	remoteTools map[string]remoteTool     // tool name → owner + schema

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ToolResultMessage // job ID → waiter
}

// remoteTool is one connector-executed tool the hub can dispatch to.
type remoteTool struct {
	connectorID string
	tool        openai.Tool
}

// NewConnectorHub creates the hub. Script tools advertised by connectors are
// registered into store; remote tools are tracked hub-side only.
func NewConnectorHub(verifier *auth.Verifier, store *registry.Store, jobTimeout time.Duration, logger *slog.Logger) *ConnectorHub {
	if jobTimeout <= 0 {
		jobTimeout = 60 * time.Second
	}
	return &ConnectorHub{
		verifier:    verifier,
		store:       store,
		jobTimeout:  jobTimeout,
		logger:      logger,
		connectors:  make(map[string]*connectorConn),
		remoteTools: make(map[string]remoteTool),
		pending:     make(map[string]chan protocol.ToolResultMessage),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and enters the connector message loop.
func (h *ConnectorHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// First message must be a hello.
	_, msgData, err := conn.ReadMessage()
	if err != nil {
		h.logger.Error("reading hello message", "error", err)
		return
	}
	msg, err := protocol.ParseMessage(msgData)
	if err != nil {
		h.logger.Error("parsing hello message", "error", err)
		return
	}
	hello, ok := msg.(protocol.HelloMessage)
	if !ok {
		h.logger.Error("first message was not hello", "type", fmt.Sprintf("%T", msg))
		return
	}

	valid, err := h.verifier.VerifyConnectorKey(hello.ConnectorKey)
	if err != nil || !valid {
		h.logger.Warn("connector authentication failed", "name", hello.Name, "error", err)
		ack := protocol.HelloAckMessage{
			Type:               protocol.TypeHelloAck,
			Success:            false,
			Error:              "invalid connector key",
			ReconnectInSeconds: 30,
		}
		data, _ := protocol.MarshalMessage(ack)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		return
	}

	cc := &connectorConn{
		id:   newConnectorID(),
		name: hello.Name,
		conn: conn,
	}

	if err := h.register(cc, hello.Tools); err != nil {
		h.logger.Warn("connector registration rejected", "name", hello.Name, "error", err)
		_ = cc.sendMessage(protocol.HelloAckMessage{
			Type:    protocol.TypeHelloAck,
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	defer h.unregister(cc)

	if err := cc.sendMessage(protocol.HelloAckMessage{
		Type:        protocol.TypeHelloAck,
		Success:     true,
		ConnectorID: cc.id,
	}); err != nil {
		h.logger.Error("sending hello_ack", "connector", cc.name, "error", err)
		return
	}

	h.logger.Info("connector connected",
		"connector", cc.name,
		"connector_id", cc.id,
		"remote_tools", len(cc.remoteNames),
		"script_collection", cc.scriptCollection,
	)

	h.readLoop(cc)
}

// register installs a connector's tool set. Remote tools go into the hub
// table; script tools are added to the registry as one collection and
// enabled. The whole set is retracted together on disconnect.
func (h *ConnectorHub) register(cc *connectorConn, tools []protocol.ToolAdvertisement) error {
	var scripts []registry.Definition
	var remotes []openai.Tool

	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("tool advertisement without a name")
		}
		if t.Source != "" {
			sch := schemapkg.Generate(t.Source)
			if sch == nil {
				return fmt.Errorf("tool %q: source has no parseable signature", t.Name)
			}
			sch.Name = t.Name
			if t.Description != "" {
				sch.Description = t.Description
			}
			scripts = append(scripts, registry.Definition{
				Name:     t.Name,
				Source:   t.Source,
				Language: schemapkg.Language(t.Language),
				Schema:   sch,
			})
			continue
		}
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		remotes = append(remotes, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, rt := range remotes {
		if _, taken := h.remoteTools[rt.Function.Name]; taken {
			return fmt.Errorf("tool %q is already advertised by another connector", rt.Function.Name)
		}
	}
	for _, rt := range remotes {
		h.remoteTools[rt.Function.Name] = remoteTool{connectorID: cc.id, tool: rt}
		cc.remoteNames = append(cc.remoteNames, rt.Function.Name)
	}

	if len(scripts) > 0 {
		collectionID := "connector:" + cc.name
		meta := &registry.CollectionMetadata{
			Name:      cc.name,
			CreatedAt: time.Now().UTC(),
			Source:    "connector",
		}
		for _, def := range scripts {
			def.CollectionID = collectionID
			if !h.store.Add(def, meta) {
				// Roll back what this hello installed so a half-registered
				// connector never serves traffic.
				h.removeToolsLocked(cc)
				return fmt.Errorf("tool %q: registration rejected", def.Name)
			}
			h.store.Enable(def.Name)
			cc.scriptCollection = collectionID
		}
	}

	h.connectors[cc.id] = cc
	return nil
}

// unregister retracts everything a connector installed, as one unit.
func (h *ConnectorHub) unregister(cc *connectorConn) {
	h.mu.Lock()
	h.removeToolsLocked(cc)
	delete(h.connectors, cc.id)
	h.mu.Unlock()

	h.logger.Info("connector disconnected", "connector", cc.name, "connector_id", cc.id)
}

func (h *ConnectorHub) removeToolsLocked(cc *connectorConn) {
	for _, name := range cc.remoteNames {
		if rt, ok := h.remoteTools[name]; ok && rt.connectorID == cc.id {
			delete(h.remoteTools, name)
		}
	}
	cc.remoteNames = nil

	if cc.scriptCollection != "" {
		// Removing any member cascades to the whole collection.
		if members := h.store.MembersOfCollection(cc.scriptCollection); len(members) > 0 {
			h.store.Remove(members[0])
		}
		cc.scriptCollection = ""
	}
}

// readLoop pumps connector messages until the connection drops.
func (h *ConnectorHub) readLoop(cc *connectorConn) {
	for {
		_, data, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			h.logger.Warn("unparseable connector message", "connector", cc.name, "error", err)
			continue
		}

		switch m := msg.(type) {
		case protocol.HeartbeatMessage:
			_ = cc.sendMessage(protocol.HeartbeatAckMessage{Type: protocol.TypeHeartbeatAck})

		case protocol.ToolResultMessage:
			h.deliver(m)

		case protocol.ErrorMessage:
			h.logger.Warn("connector reported error", "connector", cc.name, "error", m.Error, "details", m.Details)
			if m.JobID != "" {
				h.deliver(protocol.ToolResultMessage{
					Type:    protocol.TypeToolResult,
					JobID:   m.JobID,
					Content: m.Error,
					Success: false,
				})
			}

		default:
			h.logger.Warn("unexpected connector message", "connector", cc.name, "type", fmt.Sprintf("%T", m))
		}
	}
}

// deliver hands a tool result to the waiter for its job, if any.
func (h *ConnectorHub) deliver(res protocol.ToolResultMessage) {
	h.pendingMu.Lock()
	ch, ok := h.pending[res.JobID]
	if ok {
		delete(h.pending, res.JobID)
	}
	h.pendingMu.Unlock()
	if !ok {
		// Late result after the waiter timed out: drop it.
		h.logger.Debug("tool result for unknown job", "job_id", res.JobID)
		return
	}
	ch <- res
}

// Process implements the external tool path: each call is sent to the
// connector owning its tool and awaited, one at a time, in order.
func (h *ConnectorHub) Process(ctx context.Context, calls []openai.ToolCall) []dispatch.Result {
	results := make([]dispatch.Result, len(calls))
	for i, call := range calls {
		results[i] = h.processOne(ctx, call)
	}
	return results
}

func (h *ConnectorHub) processOne(ctx context.Context, call openai.ToolCall) dispatch.Result {
	name := call.Function.Name

	h.mu.RLock()
	rt, ok := h.remoteTools[name]
	cc := h.connectors[rt.connectorID]
	h.mu.RUnlock()
	if !ok || cc == nil {
		return dispatch.FailedResult(call.ID, name, fmt.Sprintf("tool %q is not registered or not enabled", name))
	}

	jobID := newConnectorID()
	ch := make(chan protocol.ToolResultMessage, 1)
	h.pendingMu.Lock()
	h.pending[jobID] = ch
	h.pendingMu.Unlock()

	job := protocol.ToolJobMessage{
		Type:      protocol.TypeToolJob,
		JobID:     jobID,
		CallID:    call.ID,
		Name:      name,
		Arguments: call.Function.Arguments,
	}
	if err := cc.sendMessage(job); err != nil {
		h.pendingMu.Lock()
		delete(h.pending, jobID)
		h.pendingMu.Unlock()
		return dispatch.FailedResult(call.ID, name, fmt.Sprintf("sending job to connector %q: %v", cc.name, err))
	}

	timer := time.NewTimer(h.jobTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.Success {
			msg := res.Content
			if msg == "" {
				msg = "connector reported failure"
			}
			return dispatch.FailedResult(call.ID, name, msg)
		}
		return dispatch.Result{
			ToolCallID: call.ID,
			Role:       "tool",
			Name:       name,
			Content:    res.Content,
			Succeeded:  true,
		}

	case <-timer.C:
		h.pendingMu.Lock()
		delete(h.pending, jobID)
		h.pendingMu.Unlock()
		return dispatch.FailedResult(call.ID, name, fmt.Sprintf("connector %q did not answer within %s", cc.name, h.jobTimeout))

	case <-ctx.Done():
		h.pendingMu.Lock()
		delete(h.pending, jobID)
		h.pendingMu.Unlock()
		return dispatch.FailedResult(call.ID, name, ctx.Err().Error())
	}
}

// RemoteSchemas returns the model-facing declarations of every
// connector-executed tool, sorted by name.
func (h *ConnectorHub) RemoteSchemas() []openai.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tools := make([]openai.Tool, 0, len(h.remoteTools))
	for _, rt := range h.remoteTools {
		tools = append(tools, rt.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Function.Name < tools[j].Function.Name })
	return tools
}

// ConnectedCount reports how many connectors are currently attached.
func (h *ConnectorHub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connectors)
}
