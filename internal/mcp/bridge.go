package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/nugget/relay/internal/config"
	"github.com/nugget/relay/internal/tools"
)

// DiscoveredAction is the action name given to every discovered tool.
const DiscoveredAction = "call"

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Discover lists the tools of every server configured with discover and
// registers them on registry. Each discovered tool gets one action,
// "call", whose schema is the tool's inputSchema. It returns the number
// of tools registered.
func Discover(ctx context.Context, pool *Pool, registry *tools.Registry, servers []config.MCPServerConfig, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	total := 0
	for _, sc := range servers {
		if !sc.Discover {
			continue
		}
		n, err := discoverServer(ctx, pool, registry, sc, logger)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func discoverServer(ctx context.Context, pool *Pool, registry *tools.Registry, sc config.MCPServerConfig, logger *slog.Logger) (int, error) {
	client, ok := pool.Client(sc.Name)
	if !ok {
		return 0, fmt.Errorf("discover %s: server not in pool", sc.Name)
	}

	sessions := pool.NewSessions()
	defer sessions.Close(ctx)

	sess, err := sessions.Session(ctx, sc.Name)
	if err != nil {
		return 0, fmt.Errorf("discover %s: %w", sc.Name, err)
	}
	defs, err := client.ListTools(ctx, sess)
	if err != nil {
		return 0, fmt.Errorf("discover %s: %w", sc.Name, err)
	}

	include := toSet(sc.Include)
	exclude := toSet(sc.Exclude)

	count := 0
	for _, td := range defs {
		if len(include) > 0 {
			if !include[td.Name] {
				continue
			}
		} else if exclude[td.Name] {
			continue
		}

		name := ToolName(sc.Name, td.Name)
		if err := registry.Register(bridgeTool(sc, name, td)); err != nil {
			return count, fmt.Errorf("discover %s: %w", sc.Name, err)
		}
		count++

		logger.Debug("registered discovered MCP tool",
			"mcp_name", td.Name,
			"relay_name", name,
			"server", sc.Name,
		)
	}
	logger.Info("MCP tools discovered", "server", sc.Name, "registered", count, "listed", len(defs))
	return count, nil
}

// ToolName generates a namespaced tool name from a server name and an
// MCP tool name, both sanitized to lowercase alphanumerics and
// underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func bridgeTool(sc config.MCPServerConfig, name string, td ToolDefinition) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Category:    sc.Category,
		Server:      sc.Name,
		Actions: []*tools.Action{{
			Name:        DiscoveredAction,
			RemoteName:  td.Name,
			Description: td.Description,
			Intents:     slices.Clone(sc.Intents),
			QueryArg:    queryArg(td.InputSchema),
			Schema:      td.InputSchema,
		}},
	}
}

// queryArg picks the argument that should receive the request text:
// "query" when declared, else the first required string property.
func queryArg(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["query"]; ok {
		return "query"
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if p, ok := props[name].(map[string]any); ok && p["type"] == "string" {
			return name
		}
	}
	return ""
}

// sanitize lowercases name, maps other characters to underscores,
// collapses runs and trims the ends.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
