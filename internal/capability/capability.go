// Package capability defines the durable reference to an externally-granted resource handle.
package capability

import "github.com/hpungsan/tabkeep/internal/access"

// Scope separates single-resource capabilities from container-scoped ones.
// Each scope is persisted in its own table with an identical shape.
type Scope string

const (
	ScopeFile      Scope = "file"
	ScopeDirectory Scope = "directory"
)

// Scopes lists every scope in restore order.
var Scopes = []Scope{ScopeFile, ScopeDirectory}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeFile || s == ScopeDirectory
}

// Capability is a persisted handle under a caller-chosen logical id.
type Capability struct {
	// ID is the logical key, usually the owning session item's id.
	ID string `json:"id"`

	// Name is a human label. It is not unique.
	Name string `json:"name"`

	// Scope is the table this capability lives in.
	Scope Scope `json:"scope"`

	// Handle is opaque to everything except the access layer that minted it.
	Handle access.Handle `json:"-"`

	// LastAccessed is the Unix millisecond timestamp of the last successful access.
	LastAccessed int64 `json:"last_accessed"`
}
