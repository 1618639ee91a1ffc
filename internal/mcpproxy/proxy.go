// Package mcpproxy is the single reverse-proxy HTTP endpoint every
// container's MCP clients are pointed at. Every tool call is interposed
// here so the security gate and untrusted-content fencing apply without
// trusting the agent (spec §4.6).
package mcpproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/crypdick/pynchy/internal/security"
	"go.uber.org/zap"
)

// GateLookup resolves the security gate for a (workspace, invocation_ts)
// pair. Implemented by security.GateRegistry.
type GateLookup interface {
	GetGate(folder, invocationTS string) (*security.Gate, bool)
}

// InboundInspector is the narrow Cop capability the proxy needs.
type InboundInspector interface {
	InspectInbound(ctx context.Context, source, content string) security.CopVerdict
}

// Route is one backend the proxy can forward to, plus whether its
// content should be treated as untrusted (public_source=true).
type Route struct {
	BackendURL    string
	PublicSource  bool
}

// fencedPrefix/suffix wrap untrusted MCP text content so the agent's
// system prompt can instruct it to distrust anything between them.
const (
	fencedOpenFmt  = "<EXTERNAL_UNTRUSTED_CONTENT source=%q>"
	fencedClose    = "</EXTERNAL_UNTRUSTED_CONTENT>"
	blockedMessage = "[blocked by security policy]"
)

// Proxy is bound to an OS-assigned localhost port; its route/trust map
// is a single mutex-guarded structure mutated in place so in-flight
// requests observe updates without a restart (spec §5).
type Proxy struct {
	gates     GateLookup
	cop       InboundInspector
	logger    *logger.Logger
	client    *http.Client

	mu     sync.RWMutex
	routes map[string]Route // keyed by instance id

	httpServer *http.Server
	port       int
}

func New(gates GateLookup, cop InboundInspector, log *logger.Logger) *Proxy {
	return &Proxy{
		gates:  gates,
		cop:    cop,
		logger: log.WithFields(zap.String("component", "mcp_proxy")),
		client: &http.Client{},
		routes: make(map[string]Route),
	}
}

// UpdateRoutes replaces the instance routing table. Called by the MCP
// manager as instances come and go; safe to call while requests are
// in-flight.
func (p *Proxy) UpdateRoutes(routes map[string]Route) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = routes
}

func (p *Proxy) routeFor(instanceID string) (Route, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routes[instanceID]
	return r, ok
}

// Start binds an OS-assigned localhost port and serves until ctx is done.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/", p.handle)
	p.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := p.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.logger.Error("mcp proxy server error", zap.Error(err))
		}
	}()

	p.logger.Info("mcp proxy listening", zap.Int("port", p.port))
	return nil
}

// Port returns the bound port, to inject into container MCP configs.
func (p *Proxy) Port() int { return p.port }

func (p *Proxy) Stop(ctx context.Context) error {
	if p.httpServer == nil {
		return nil
	}
	return p.httpServer.Shutdown(ctx)
}

// handle implements routing: POST /mcp/<workspace>/<invocation_ts>/<instance_id>
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/mcp/"), "/", 3)
	if len(parts) != 3 {
		http.Error(w, "malformed MCP proxy path", http.StatusBadRequest)
		return
	}
	workspace, invocationTS, instanceID := parts[0], parts[1], parts[2]

	gate, ok := p.gates.GetGate(workspace, invocationTS)
	if !ok {
		http.Error(w, "no active gate for invocation", http.StatusForbidden)
		return
	}

	route, ok := p.routeFor(instanceID)
	if !ok {
		http.Error(w, "unknown MCP instance", http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	respBody, status, err := p.forward(r.Context(), route.BackendURL, r.Header, body)
	if err != nil {
		p.logger.Error("mcp backend request failed", zap.String("instance", instanceID), zap.Error(err))
		http.Error(w, "backend error", http.StatusBadGateway)
		return
	}

	if route.PublicSource {
		decision := gate.EvaluateRead(instanceID)
		if decision.NeedsDeputy {
			respBody = p.fenceContent(r.Context(), instanceID, respBody)
		}
	}

	w.WriteHeader(status)
	w.Write(respBody)
}

var hopByHopHeaders = map[string]bool{
	"Connection": true, "Keep-Alive": true, "Proxy-Authenticate": true,
	"Proxy-Authorization": true, "Te": true, "Trailers": true,
	"Transfer-Encoding": true, "Upgrade": true, "Host": true,
}

func (p *Proxy) forward(ctx context.Context, backendURL string, hdr http.Header, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	for k, vv := range hdr {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return out, resp.StatusCode, nil
}

// fenceContent inspects each result.content[] text block with the Cop
// and either replaces flagged text with a fixed block message or wraps
// it in EXTERNAL_UNTRUSTED_CONTENT fence markers. It walks the envelope
// as a generic map rather than a fixed struct so unrelated top-level
// fields (jsonrpc, id, ...) pass through unmodified.
func (p *Proxy) fenceContent(ctx context.Context, instanceID string, raw []byte) []byte {
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}

	result, ok := env["result"].(map[string]any)
	if !ok {
		return raw
	}
	content, ok := result["content"].([]any)
	if !ok {
		return raw
	}

	changed := false
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok || block["type"] != "text" {
			continue
		}
		text, _ := block["text"].(string)
		verdict := p.cop.InspectInbound(ctx, "mcp:"+instanceID, text)
		changed = true
		if verdict.Flagged {
			block["text"] = blockedMessage
		} else {
			block["text"] = fmt.Sprintf(fencedOpenFmt, instanceID) + text + fencedClose
		}
	}
	if !changed {
		return raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return raw
	}
	return out
}
