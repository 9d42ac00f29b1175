package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/tabkeep/internal/capability"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/errors"
	"github.com/hpungsan/tabkeep/internal/workbench"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	wb *workbench.Workbench
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(wb *workbench.Workbench) *Handlers {
	return &Handlers{wb: wb}
}

// CapabilityListRequest represents the arguments for capability_list.
type CapabilityListRequest struct {
	Scope string `json:"scope,omitempty"`
}

// CapabilityRemoveRequest represents the arguments for capability_remove.
type CapabilityRemoveRequest struct {
	ID    string `json:"id"`
	Scope string `json:"scope,omitempty"`
}

// SessionListRequest represents the arguments for session_list.
type SessionListRequest struct {
	IncludeContent bool `json:"include_content,omitempty"`
}

// ItemSaveRequest represents the arguments for item_save.
type ItemSaveRequest struct {
	ID     string `json:"id"`
	Choice string `json:"choice,omitempty"`
	Path   string `json:"path,omitempty"`
}

// CapabilityListOutput is the result of capability_list.
type CapabilityListOutput struct {
	Capabilities []workbench.CapabilityView `json:"capabilities"`
}

// SessionListOutput is the result of session_list.
type SessionListOutput struct {
	ActiveID string               `json:"active_id,omitempty"`
	Items    []workbench.ItemView `json:"items"`
}

// ItemSaveOutput is the result of item_save.
type ItemSaveOutput struct {
	Saved      bool               `json:"saved"`
	Failure    string             `json:"failure,omitempty"`
	Message    string             `json:"message,omitempty"`
	Conflict   *conflict.Record   `json:"conflict,omitempty"`
	Resolution string             `json:"resolution,omitempty"`
	Item       workbench.ItemView `json:"item"`
}

func parseScope(s string) (capability.Scope, error) {
	if s == "" {
		return capability.ScopeFile, nil
	}
	scope := capability.Scope(s)
	if !scope.Valid() {
		return "", errors.NewInvalidRequest("unknown scope: " + s)
	}
	return scope, nil
}

// HandleCapabilityList handles the capability_list tool call.
func (h *Handlers) HandleCapabilityList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CapabilityListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	var filter capability.Scope
	if input.Scope != "" {
		if filter, err = parseScope(input.Scope); err != nil {
			return errorResult(err), nil
		}
	}

	views, err := h.wb.Capabilities(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	out := CapabilityListOutput{Capabilities: make([]workbench.CapabilityView, 0, len(views))}
	for _, v := range views {
		if filter == "" || v.Scope == filter {
			out.Capabilities = append(out.Capabilities, v)
		}
	}
	return successResult(out)
}

// HandleCapabilityRemove handles the capability_remove tool call.
func (h *Handlers) HandleCapabilityRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CapabilityRemoveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID == "" {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}
	scope, err := parseScope(input.Scope)
	if err != nil {
		return errorResult(err), nil
	}

	if err := h.wb.RemoveCapability(ctx, scope, input.ID); err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"id": input.ID, "scope": scope, "removed": true})
}

// HandleSessionList handles the session_list tool call.
func (h *Handlers) HandleSessionList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return successResult(SessionListOutput{
		ActiveID: h.wb.Session().Active(),
		Items:    h.wb.Views(input.IncludeContent),
	})
}

// HandleSessionRestore handles the session_restore tool call.
func (h *Handlers) HandleSessionRestore(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := h.wb.Restore(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"summary": summary,
		"message": summary.Message(),
		"sources": h.wb.Sources(),
	})
}

// HandleItemSave handles the item_save tool call.
func (h *Handlers) HandleItemSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ItemSaveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID == "" {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}
	choice, err := conflict.ParseChoice(input.Choice)
	if err != nil {
		return errorResult(err), nil
	}
	if choice == conflict.SaveAs && input.Path == "" {
		return errorResult(errors.NewInvalidRequest("path is required for save-as")), nil
	}

	res, err := h.wb.Save(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	out := ItemSaveOutput{
		Saved:      res.Saved,
		Failure:    string(res.Failure),
		Message:    res.Message,
		Conflict:   res.Conflict,
		Resolution: res.Resolution,
		Item:       h.wb.View(res.Item, false),
	}

	if res.Conflict != nil && res.Resolution == "" && choice != conflict.Cancel {
		item, err := h.wb.Resolve(ctx, res.Conflict, choice, input.Path)
		if err != nil {
			return errorResult(err), nil
		}
		out.Resolution = choice.String()
		out.Saved = choice == conflict.Overwrite || choice == conflict.SaveAs
		out.Item = h.wb.View(item, false)
	}
	return successResult(out)
}

// errorResult creates an MCP error result from any error.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if tErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    tErr.Code,
			"message": tErr.Message,
			"status":  tErr.Status,
		}
		if tErr.Code != errors.ErrInternal && tErr.Details != nil {
			errorObj["details"] = tErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
