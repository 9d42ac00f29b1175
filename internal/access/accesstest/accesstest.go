// Package accesstest provides an in-memory access.Provider for tests.
package accesstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/errors"
)

// File is one in-memory resource. Fields may be changed between calls to
// simulate out-of-band changes; hold Provider.Lock when the provider is in use
// from other goroutines.
type File struct {
	Name     string
	Data     []byte
	Modified int64
	Dir      bool
	Entries  []string

	// Path is the location reported by Describe. Empty means unknown.
	Path string

	// Missing makes every access fail with RESOURCE_NOT_FOUND.
	Missing bool

	// Permission per mode. Missing entries mean prompt.
	Permission map[access.Mode]access.PermissionState

	// Injected failures.
	ResolveErr error
	ReadErr    error
	WriteErr   error
	StatErr    error

	Writes int
}

// Provider is an in-memory access.Provider.
type Provider struct {
	mu    sync.Mutex
	files map[string]*File
	next  int
	tick  int64

	// Prompt answers RequestPermission when the state is not already granted.
	// Nil means no user gesture is available.
	Prompt func(name string, mode access.Mode) bool

	QueryCalls   int
	RequestCalls int
	ResolveCalls int
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{files: make(map[string]*File), tick: 1_000_000}
}

// Lock exposes the provider mutex for tests mutating a File concurrently.
func (p *Provider) Lock() { p.mu.Lock() }

// Unlock releases the provider mutex.
func (p *Provider) Unlock() { p.mu.Unlock() }

// AddFile registers a file and returns its handle. Read access is granted,
// as after picking a file.
func (p *Provider) AddFile(name, data string, modified int64) (access.Handle, *File) {
	return p.add(&File{
		Name:       name,
		Data:       []byte(data),
		Modified:   modified,
		Permission: map[access.Mode]access.PermissionState{access.ModeRead: access.PermissionGranted},
	})
}

// AddDirectory registers a directory with read access granted.
func (p *Provider) AddDirectory(name string, entries ...string) (access.Handle, *File) {
	return p.add(&File{
		Name:       name,
		Dir:        true,
		Entries:    entries,
		Permission: map[access.Mode]access.PermissionState{access.ModeRead: access.PermissionGranted},
	})
}

func (p *Provider) add(f *File) (access.Handle, *File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	key := fmt.Sprintf("mem:%d", p.next)
	p.files[key] = f
	return access.Handle(key), f
}

// Grant sets the permission state for a handle.
func (p *Provider) Grant(h access.Handle, mode access.Mode, state access.PermissionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.files[string(h)]; ok {
		f.Permission[mode] = state
	}
}

func (p *Provider) lookup(h access.Handle) (*File, error) {
	f, ok := p.files[string(h)]
	if !ok {
		return nil, errors.NewInvalidRequest("unknown handle")
	}
	return f, nil
}

func stateOf(f *File, mode access.Mode) access.PermissionState {
	if s := f.Permission[access.ModeReadWrite]; s == access.PermissionGranted {
		return s
	}
	if s, ok := f.Permission[mode]; ok {
		return s
	}
	return access.PermissionPrompt
}

// QueryPermission implements access.Provider.
func (p *Provider) QueryPermission(_ context.Context, h access.Handle, mode access.Mode) (access.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.QueryCalls++
	f, err := p.lookup(h)
	if err != nil {
		return access.PermissionUnknown, err
	}
	return stateOf(f, mode), nil
}

// RequestPermission implements access.Provider.
func (p *Provider) RequestPermission(_ context.Context, h access.Handle, mode access.Mode) (access.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RequestCalls++
	f, err := p.lookup(h)
	if err != nil {
		return access.PermissionUnknown, err
	}
	state := stateOf(f, mode)
	if state == access.PermissionGranted || p.Prompt == nil {
		return state, nil
	}
	if p.Prompt(f.Name, mode) {
		f.Permission[mode] = access.PermissionGranted
	} else {
		f.Permission[mode] = access.PermissionDenied
	}
	return f.Permission[mode], nil
}

// Describe implements access.Describer.
func (p *Provider) Describe(h access.Handle) (access.Kind, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.lookup(h)
	if err != nil {
		return "", "", err
	}
	if f.Path == "" {
		return "", "", errors.NewInvalidRequest("no location for " + f.Name)
	}
	if f.Dir {
		return access.KindDirectory, f.Path, nil
	}
	return access.KindFile, f.Path, nil
}

// Resolve implements access.Provider.
func (p *Provider) Resolve(_ context.Context, h access.Handle) (access.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResolveCalls++
	f, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	if f.Missing {
		return nil, errors.NewResourceNotFound(f.Name, nil)
	}
	if stateOf(f, access.ModeRead) != access.PermissionGranted {
		return nil, errors.NewPermissionDenied(f.Name)
	}
	return &resource{p: p, f: f}, nil
}

type resource struct {
	p *Provider
	f *File
}

func (r *resource) Name() string { return r.f.Name }

func (r *resource) Kind() access.Kind {
	if r.f.Dir {
		return access.KindDirectory
	}
	return access.KindFile
}

func (r *resource) ReadBytes(context.Context) ([]byte, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if r.f.Missing {
		return nil, errors.NewResourceNotFound(r.f.Name, nil)
	}
	if r.f.ReadErr != nil {
		return nil, r.f.ReadErr
	}
	if stateOf(r.f, access.ModeRead) != access.PermissionGranted {
		return nil, errors.NewPermissionDenied(r.f.Name)
	}
	return append([]byte(nil), r.f.Data...), nil
}

// Write stores data and advances Modified past every earlier timestamp.
func (r *resource) Write(_ context.Context, data []byte) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if r.f.Missing {
		return errors.NewResourceNotFound(r.f.Name, nil)
	}
	if r.f.WriteErr != nil {
		return r.f.WriteErr
	}
	if stateOf(r.f, access.ModeReadWrite) != access.PermissionGranted {
		return errors.NewPermissionDenied(r.f.Name)
	}
	r.f.Data = append([]byte(nil), data...)
	r.p.tick += 1000
	if r.p.tick <= r.f.Modified {
		r.p.tick = r.f.Modified + 1000
	}
	r.f.Modified = r.p.tick
	r.f.Writes++
	return nil
}

func (r *resource) ModifiedAt(context.Context) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if r.f.Missing {
		return 0, errors.NewResourceNotFound(r.f.Name, nil)
	}
	if r.f.StatErr != nil {
		return 0, r.f.StatErr
	}
	return r.f.Modified, nil
}

func (r *resource) List(context.Context) ([]string, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if !r.f.Dir {
		return nil, errors.NewInvalidRequest("not a directory: " + r.f.Name)
	}
	if r.f.Missing {
		return nil, errors.NewResourceNotFound(r.f.Name, nil)
	}
	return append([]string(nil), r.f.Entries...), nil
}

// CreateFile registers an empty file at path with readwrite granted, as after
// a save picker. A present file with the same Path is refused unless
// overwrite is set.
func (p *Provider) CreateFile(path string, overwrite bool) (access.Handle, error) {
	p.mu.Lock()
	if !overwrite {
		for _, f := range p.files {
			if f.Path == path && !f.Missing {
				p.mu.Unlock()
				return nil, errors.NewInvalidRequest("file already exists: " + path)
			}
		}
	}
	p.tick += 1000
	modified := p.tick
	p.mu.Unlock()

	h, _ := p.add(&File{
		Name:     path,
		Path:     path,
		Modified: modified,
		Permission: map[access.Mode]access.PermissionState{
			access.ModeRead:      access.PermissionGranted,
			access.ModeReadWrite: access.PermissionGranted,
		},
	})
	return h, nil
}

// Lookup returns the file registered under h.
func (p *Provider) Lookup(h access.Handle) *File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[string(h)]
}
