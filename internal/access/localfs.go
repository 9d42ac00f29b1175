package access

import (
	"context"
	"crypto/rand"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/tabkeep/internal/errors"
)

const handleVersion = 1

// handleToken is the decoded form of a LocalFS handle.
type handleToken struct {
	V     int    `json:"v"`
	Kind  Kind   `json:"kind"`
	Path  string `json:"path"`
	Token string `json:"token"`
}

// grant records the outcome of permission requests for one handle token.
// Grants live only in memory: a new process starts a new grant session.
type grant struct {
	read      bool
	readWrite bool
	denied    map[Mode]bool
}

func (g grant) allows(mode Mode) bool {
	if mode == ModeRead {
		return g.read || g.readWrite
	}
	return g.readWrite
}

// LocalFS is a Provider over the local filesystem.
type LocalFS struct {
	mu       sync.Mutex
	grants   map[string]*grant
	prompter Prompter

	// checkAccess reports whether the OS currently allows mode on path.
	checkAccess func(path string, mode Mode) error
}

// LocalFSOption configures a LocalFS.
type LocalFSOption func(*LocalFS)

// WithPrompter sets the prompter consulted by RequestPermission.
// Without one, requests cannot be upgraded beyond the current grant session.
func WithPrompter(p Prompter) LocalFSOption {
	return func(l *LocalFS) { l.prompter = p }
}

// WithAccessCheck overrides the OS access check.
func WithAccessCheck(check func(path string, mode Mode) error) LocalFSOption {
	return func(l *LocalFS) { l.checkAccess = check }
}

// NewLocalFS creates a provider with an empty grant session.
func NewLocalFS(opts ...LocalFSOption) *LocalFS {
	l := &LocalFS{
		grants:      make(map[string]*grant),
		checkAccess: osAccess,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenFile mints a handle for an existing regular file and grants read access,
// mirroring what a file picker does.
func (l *LocalFS) OpenFile(path string) (Handle, error) {
	return l.open(path, KindFile, ModeRead)
}

// OpenDirectory mints a handle for an existing directory and grants read access.
func (l *LocalFS) OpenDirectory(path string) (Handle, error) {
	return l.open(path, KindDirectory, ModeRead)
}

// CreateFile creates a file and grants readwrite access, mirroring a save
// picker. An existing file is only truncated when overwrite is set.
func (l *LocalFS) CreateFile(path string, overwrite bool) (Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if err := createNoFollow(abs, overwrite); err != nil {
		return nil, err
	}
	return l.open(abs, KindFile, ModeReadWrite)
}

func (l *LocalFS) open(path string, kind Kind, mode Mode) (Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, mapFSError(abs, err)
	}
	if kind == KindDirectory && !info.IsDir() {
		return nil, errors.NewInvalidRequest("not a directory: " + abs)
	}
	if kind == KindFile && !info.Mode().IsRegular() {
		return nil, errors.NewInvalidRequest("not a regular file: " + abs)
	}

	token, err := newToken()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	h, err := json.Marshal(handleToken{V: handleVersion, Kind: kind, Path: abs, Token: token})
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	l.mu.Lock()
	l.grantLocked(token, mode)
	l.mu.Unlock()

	return h, nil
}

// Revoke drops every grant for h, as the browser or OS may do out-of-band.
func (l *LocalFS) Revoke(h Handle) {
	tok, err := decodeHandle(h)
	if err != nil {
		return
	}
	l.mu.Lock()
	delete(l.grants, tok.Token)
	l.mu.Unlock()
}

// Describe returns the kind and path a handle refers to.
func (l *LocalFS) Describe(h Handle) (Kind, string, error) {
	tok, err := decodeHandle(h)
	if err != nil {
		return "", "", err
	}
	return tok.Kind, tok.Path, nil
}

// QueryPermission implements Provider.
func (l *LocalFS) QueryPermission(_ context.Context, h Handle, mode Mode) (PermissionState, error) {
	tok, err := decodeHandle(h)
	if err != nil {
		return PermissionUnknown, err
	}
	if !mode.Valid() {
		return PermissionUnknown, errors.NewInvalidRequest("unknown mode: " + string(mode))
	}
	return l.query(tok, mode), nil
}

func (l *LocalFS) query(tok *handleToken, mode Mode) PermissionState {
	l.mu.Lock()
	g, ok := l.grants[tok.Token]
	var allowed, denied bool
	if ok {
		allowed = g.allows(mode)
		denied = g.denied[mode]
	}
	l.mu.Unlock()

	if allowed {
		// The OS may have revoked access since the grant; demote to prompt.
		if err := l.checkAccess(tok.Path, mode); err != nil && stderrors.Is(err, fs.ErrPermission) {
			l.mu.Lock()
			if g, ok := l.grants[tok.Token]; ok {
				g.readWrite = false
				if mode == ModeRead {
					g.read = false
				}
			}
			l.mu.Unlock()
			return PermissionPrompt
		}
		return PermissionGranted
	}
	if denied {
		return PermissionDenied
	}
	return PermissionPrompt
}

// RequestPermission implements Provider.
func (l *LocalFS) RequestPermission(ctx context.Context, h Handle, mode Mode) (PermissionState, error) {
	tok, err := decodeHandle(h)
	if err != nil {
		return PermissionUnknown, err
	}
	if !mode.Valid() {
		return PermissionUnknown, errors.NewInvalidRequest("unknown mode: " + string(mode))
	}

	state := l.query(tok, mode)
	if state == PermissionGranted || l.prompter == nil {
		return state, nil
	}

	ok, err := l.prompter.ConfirmAccess(ctx, filepath.Base(tok.Path), mode)
	if err != nil {
		return state, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !ok {
		l.denyLocked(tok.Token, mode)
		return PermissionDenied, nil
	}
	if err := l.checkAccess(tok.Path, mode); err != nil && stderrors.Is(err, fs.ErrPermission) {
		l.denyLocked(tok.Token, mode)
		return PermissionDenied, nil
	}
	l.grantLocked(tok.Token, mode)
	return PermissionGranted, nil
}

func (l *LocalFS) grantLocked(token string, mode Mode) {
	g, ok := l.grants[token]
	if !ok {
		g = &grant{denied: make(map[Mode]bool)}
		l.grants[token] = g
	}
	if mode == ModeReadWrite {
		g.readWrite = true
	} else {
		g.read = true
	}
	delete(g.denied, mode)
}

func (l *LocalFS) denyLocked(token string, mode Mode) {
	g, ok := l.grants[token]
	if !ok {
		g = &grant{denied: make(map[Mode]bool)}
		l.grants[token] = g
	}
	g.denied[mode] = true
}

// Resolve implements Provider. The resource must currently exist and be readable.
func (l *LocalFS) Resolve(_ context.Context, h Handle) (Resource, error) {
	tok, err := decodeHandle(h)
	if err != nil {
		return nil, err
	}
	if l.query(tok, ModeRead) != PermissionGranted {
		return nil, errors.NewPermissionDenied(tok.Path)
	}
	info, err := os.Stat(tok.Path)
	if err != nil {
		return nil, mapFSError(tok.Path, err)
	}
	if (tok.Kind == KindDirectory) != info.IsDir() {
		// The path now names something else entirely.
		return nil, errors.NewResourceNotFound(tok.Path, nil)
	}
	return &localResource{fs: l, tok: *tok}, nil
}

type localResource struct {
	fs  *LocalFS
	tok handleToken
}

func (r *localResource) Name() string { return filepath.Base(r.tok.Path) }

func (r *localResource) Kind() Kind { return r.tok.Kind }

func (r *localResource) require(mode Mode) error {
	if r.fs.query(&r.tok, mode) != PermissionGranted {
		return errors.NewPermissionDenied(r.tok.Path)
	}
	return nil
}

func (r *localResource) ReadBytes(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.tok.Kind != KindFile {
		return nil, errors.NewInvalidRequest("cannot read a directory: " + r.tok.Path)
	}
	if err := r.require(ModeRead); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.tok.Path)
	if err != nil {
		return nil, mapFSError(r.tok.Path, err)
	}
	return data, nil
}

func (r *localResource) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.tok.Kind != KindFile {
		return errors.NewInvalidRequest("cannot write a directory: " + r.tok.Path)
	}
	if err := r.require(ModeReadWrite); err != nil {
		return err
	}
	// Replace the link target, not a symlink the user opened.
	target := r.tok.Path
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	perm := fs.FileMode(0644)
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode().Perm()
	}
	if err := WriteAtomic(target, data, perm); err != nil {
		return mapFSError(r.tok.Path, err)
	}
	return nil
}

func (r *localResource) ModifiedAt(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := os.Stat(r.tok.Path)
	if err != nil {
		return 0, mapFSError(r.tok.Path, err)
	}
	return info.ModTime().UnixMilli(), nil
}

func (r *localResource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.tok.Kind != KindDirectory {
		return nil, errors.NewInvalidRequest("not a directory: " + r.tok.Path)
	}
	if err := r.require(ModeRead); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.tok.Path)
	if err != nil {
		return nil, mapFSError(r.tok.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func decodeHandle(h Handle) (*handleToken, error) {
	if len(h) == 0 {
		return nil, errors.NewInvalidRequest("empty handle")
	}
	var tok handleToken
	if err := json.Unmarshal(h, &tok); err != nil {
		return nil, errors.NewInvalidRequest("handle was not minted by this provider")
	}
	if tok.V != handleVersion || tok.Path == "" || tok.Token == "" {
		return nil, errors.NewInvalidRequest("handle was not minted by this provider")
	}
	return &tok, nil
}

// mapFSError converts filesystem errors into the error taxonomy.
func mapFSError(path string, err error) error {
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return errors.NewResourceNotFound(path, err)
	case stderrors.Is(err, fs.ErrPermission):
		e := errors.NewPermissionDenied(path)
		e.Err = err
		return e
	default:
		return errors.NewTransientIO(path, err)
	}
}

func newToken() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
