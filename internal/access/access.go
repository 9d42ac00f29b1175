// Package access is the native resource-access layer: it mints opaque handles
// for local resources, answers permission queries about them, and resolves
// them into readable/writable resources.
//
// Nothing outside this package may interpret a Handle's bytes.
package access

import (
	"context"
	"fmt"
)

// Handle is an opaque, persistable token for one resource.
type Handle []byte

// Mode is the access mode a permission applies to.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "readwrite"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRead || m == ModeReadWrite
}

// PermissionState is the answer the access layer gives about a handle.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionPrompt
	PermissionGranted
	PermissionDenied
)

// String returns the lowercase name used in logs and JSON output.
func (s PermissionState) String() string {
	switch s {
	case PermissionUnknown:
		return "unknown"
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return fmt.Sprintf("PermissionState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PermissionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Resource is a resolved handle. Every method is a suspension point.
type Resource interface {
	Name() string
	Kind() Kind
	ReadBytes(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// ModifiedAt returns the resource's modification time in Unix milliseconds.
	ModifiedAt(ctx context.Context) (int64, error)
	// List returns entry names for directories.
	List(ctx context.Context) ([]string, error)
}

// Provider resolves handles and answers permission questions about them.
type Provider interface {
	Resolve(ctx context.Context, h Handle) (Resource, error)
	QueryPermission(ctx context.Context, h Handle, mode Mode) (PermissionState, error)
	// RequestPermission may show a blocking prompt; call it from a user gesture.
	RequestPermission(ctx context.Context, h Handle, mode Mode) (PermissionState, error)
}

// Describer is implemented by providers that can report which resource a
// handle refers to. Two handles with the same location are the same resource.
type Describer interface {
	Describe(h Handle) (Kind, string, error)
}

// Prompter asks the user whether to allow access. It stands in for the
// user gesture a native permission dialog requires.
type Prompter interface {
	ConfirmAccess(ctx context.Context, name string, mode Mode) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, name string, mode Mode) (bool, error)

// ConfirmAccess calls f.
func (f PrompterFunc) ConfirmAccess(ctx context.Context, name string, mode Mode) (bool, error) {
	return f(ctx, name, mode)
}
