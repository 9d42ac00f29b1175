package mcp

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/tabkeep/internal/config"
	"github.com/hpungsan/tabkeep/internal/workbench"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"capability", "session", "item"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"capability_list": {
		def:     capabilityListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCapabilityList },
	},
	"capability_remove": {
		def:     capabilityRemoveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCapabilityRemove },
	},
	"session_list": {
		def:     sessionListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionList },
	},
	"session_restore": {
		def:     sessionRestoreToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionRestore },
	},
	"item_save": {
		def:     itemSaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleItemSave },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns a list of unknown type names from the given list.
func ValidateDisabledTypes(names []string) []string {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}

	unknown := make([]string, 0)
	for _, name := range names {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name.
// Tool names follow the pattern "type_action" (e.g., "item_save" → "item").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if typeSet[GetTypeForTool(name)] {
			tools = append(tools, name)
		}
	}
	return tools
}

// enabledTools returns the registered tool names left after applying
// cfg.DisabledTypes and cfg.DisabledTools.
func enabledTools(cfg *config.Config) map[string]toolEntry {
	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	enabled := make(map[string]toolEntry, len(toolRegistry))
	for name, entry := range toolRegistry {
		if !disabled[name] {
			enabled[name] = entry
		}
	}
	return enabled
}

// NewServer creates an MCP server exposing wb's capabilities and session.
// Tools listed in cfg.DisabledTools or belonging to cfg.DisabledTypes
// are excluded from registration.
func NewServer(wb *workbench.Workbench, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tabkeep",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(wb)
	for _, entry := range enabledTools(cfg) {
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run starts the MCP server using stdio transport. The workbench keeps
// watching for other contexts' snapshots and permission changes until the
// server exits.
func Run(ctx context.Context, wb *workbench.Workbench, cfg *config.Config, version string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = wb.Watch(ctx) }()

	return server.ServeStdio(NewServer(wb, cfg, version))
}
