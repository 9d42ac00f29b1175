// Package session holds the logical workbench session: a small, bounded,
// ordered collection of open items shared by every context.
package session

// Status is the transient health of an item's capability in this context.
type Status string

const (
	StatusUnbound              Status = ""
	StatusHealthy              Status = "healthy"
	StatusNeedsReauthorization Status = "needs-reauthorization"
	StatusFailed               Status = "failed"
	StatusConflict             Status = "conflict"
)

// Item is one open query tab.
type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsDirty bool   `json:"is_dirty"`

	// CapabilityID links the item to a stored file capability, if any.
	CapabilityID string `json:"capability_id,omitempty"`

	// LastWriteTimestamp is the Unix millisecond time the item was last
	// edited or saved by any context. It orders items for merging.
	LastWriteTimestamp *int64 `json:"last_write_timestamp,omitempty"`

	// DiskModifiedTimestamp is the resource modification time this item
	// last observed (on open, reload or successful save).
	DiskModifiedTimestamp *int64 `json:"disk_modified_timestamp,omitempty"`

	// Transient fields, never persisted or broadcast.
	Status             Status `json:"-"`
	LastError          string `json:"-"`
	HasWritePermission bool   `json:"-"`
	Result             string `json:"-"`
}

// HasCapability reports whether the item is bound to a capability.
func (it Item) HasCapability() bool {
	return it.CapabilityID != ""
}

// Strip returns a copy with every transient field cleared.
func (it Item) Strip() Item {
	it.Status = StatusUnbound
	it.LastError = ""
	it.HasWritePermission = false
	it.Result = ""
	return it
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	it.LastWriteTimestamp = copyInt64(it.LastWriteTimestamp)
	it.DiskModifiedTimestamp = copyInt64(it.DiskModifiedTimestamp)
	return it
}

// MarkSaved records a successful write observed at diskModified.
func (it *Item) MarkSaved(diskModified, now int64) {
	it.IsDirty = false
	it.HasWritePermission = true
	it.DiskModifiedTimestamp = Int64(diskModified)
	it.LastWriteTimestamp = Int64(now)
	it.Status = StatusHealthy
	it.LastError = ""
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Value dereferences p, returning 0 for nil.
func Value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
