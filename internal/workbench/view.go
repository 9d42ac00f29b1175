package workbench

import "github.com/hpungsan/tabkeep/internal/session"

// ItemView is an item as reported to the CLI and MCP clients, including the
// transient state this context holds for it.
type ItemView struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Active                bool           `json:"active"`
	IsDirty               bool           `json:"is_dirty"`
	CapabilityID          string         `json:"capability_id,omitempty"`
	Status                session.Status `json:"status,omitempty"`
	LastError             string         `json:"last_error,omitempty"`
	HasWritePermission    bool           `json:"has_write_permission"`
	LastWriteTimestamp    *int64         `json:"last_write_timestamp,omitempty"`
	DiskModifiedTimestamp *int64         `json:"disk_modified_timestamp,omitempty"`
	Size                  int            `json:"size"`
	Content               *string        `json:"content,omitempty"`
}

// View projects it. Content is included only when asked for.
func (w *Workbench) View(it session.Item, includeContent bool) ItemView {
	v := ItemView{
		ID:                    it.ID,
		Name:                  it.Name,
		Active:                it.ID == w.sess.Active(),
		IsDirty:               it.IsDirty,
		CapabilityID:          it.CapabilityID,
		Status:                it.Status,
		LastError:             it.LastError,
		HasWritePermission:    it.HasWritePermission,
		LastWriteTimestamp:    it.LastWriteTimestamp,
		DiskModifiedTimestamp: it.DiskModifiedTimestamp,
		Size:                  len(it.Content),
	}
	if includeContent {
		content := it.Content
		v.Content = &content
	}
	return v
}

// Views projects every open item in session order.
func (w *Workbench) Views(includeContent bool) []ItemView {
	items := w.sess.Items()
	views := make([]ItemView, 0, len(items))
	for _, it := range items {
		views = append(views, w.View(it, includeContent))
	}
	return views
}
