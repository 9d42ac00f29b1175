package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/conflict"
)

func choiceNames() []string {
	names := make([]string, 0, len(conflict.Choices))
	for _, c := range conflict.Choices {
		names = append(names, c.String())
	}
	return names
}

var capabilityListToolDef = mcp.NewTool("capability_list",
	mcp.WithDescription("List stored file and directory capabilities with their current read and readwrite permission state."),
	mcp.WithString("scope",
		mcp.Description("Only list capabilities of this scope."),
		mcp.Enum(string(capability.ScopeFile), string(capability.ScopeDirectory)),
	),
	mcp.WithReadOnlyHintAnnotation(true),
)

var capabilityRemoveToolDef = mcp.NewTool("capability_remove",
	mcp.WithDescription("Remove a stored capability. Items bound to a removed file capability stay open but become unbound."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Capability id.")),
	mcp.WithString("scope",
		mcp.Description("Capability scope (default: file)."),
		mcp.Enum(string(capability.ScopeFile), string(capability.ScopeDirectory)),
	),
	mcp.WithDestructiveHintAnnotation(true),
)

var sessionListToolDef = mcp.NewTool("session_list",
	mcp.WithDescription("List the open session items with their status in this context."),
	mcp.WithBoolean("include_content", mcp.Description("Include each item's content.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var sessionRestoreToolDef = mcp.NewTool("session_restore",
	mcp.WithDescription("Reconcile every stored capability with its resource: register readable files, evict deleted ones and report what needs reauthorization."),
)

var itemSaveToolDef = mcp.NewTool("item_save",
	mcp.WithDescription("Save an item to its file now. If the file changed on disk since it was read, the conflict is returned unless a choice is given to resolve it."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Item id.")),
	mcp.WithString("choice",
		mcp.Description("How to resolve a conflict if one is found."),
		mcp.Enum(choiceNames()...),
	),
	mcp.WithString("path", mcp.Description("Destination path when choice is save-as.")),
)
