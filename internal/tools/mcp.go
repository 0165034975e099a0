package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPTransport selects how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio          MCPTransport = "stdio"
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// MCPServerConfig describes one MCP server whose tools are exposed to the
// agents.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport MCPTransport      `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"` // stdio
	URL       string            `yaml:"url,omitempty"`     // streamable-http
	Env       map[string]string `yaml:"env,omitempty"`
}

// MCPConnector maintains sessions to external MCP servers and registers
// their tools as handlers. One connector is shared by all calls; the
// official SDK client multiplexes sessions.
type MCPConnector struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPConnector creates an empty connector.
func NewMCPConnector() *MCPConnector {
	return &MCPConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "cenanivoice-bridge", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Connect dials the server described by cfg, lists its tools, and registers
// each of them into reg under its own name.
func (c *MCPConnector) Connect(ctx context.Context, cfg MCPServerConfig, reg *Registry) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case MCPTransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: mcp stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: mcp streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("tools: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		names = append(names, tool.Name)
		reg.Register(tool.Name, &mcpToolHandler{session: session, tool: tool.Name})
	}
	if len(names) == 0 {
		_ = session.Close()
		return fmt.Errorf("tools: mcp server %q exposes no tools", cfg.Name)
	}

	c.mu.Lock()
	if old, ok := c.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	c.sessions[cfg.Name] = session
	c.mu.Unlock()

	return nil
}

// Close shuts down every server session.
func (c *MCPConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(c.sessions, name)
	}
	return firstErr
}

// mcpToolHandler proxies one tool to its MCP session.
type mcpToolHandler struct {
	session *mcpsdk.ClientSession
	tool    string
}

var _ Handler = (*mcpToolHandler)(nil)

func (h *mcpToolHandler) Handle(ctx context.Context, argsJSON string) (string, error) {
	var argsMap map[string]any
	if argsJSON != "" && argsJSON != "{}" {
		if err := json.Unmarshal([]byte(argsJSON), &argsMap); err != nil {
			return "", fmt.Errorf("tools: invalid args for mcp tool %q: %w", h.tool, err)
		}
	}

	result, err := h.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      h.tool,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("tools: mcp tool %q: %w", h.tool, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("tools: mcp tool %q: %s", h.tool, sb.String())
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return `{"status":"ok"}`, nil
	}
	if json.Valid([]byte(out)) {
		return out, nil
	}
	wrapped, _ := json.Marshal(map[string]string{"output": out})
	return string(wrapped), nil
}
