package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

// ExecFunc scripts what an execution does inside a fake sandbox. It may call
// PutFile on the runtime to simulate files the code writes.
type ExecFunc func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error)

type fakeFile struct {
	data    []byte
	modTime time.Time
}

type fakeContainer struct {
	handle runtime.Handle
	files  map[string]fakeFile
}

// FakeRuntime is an in-memory runtime.Driver. Each container has a flat file
// map standing in for its data directory.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	seq        int
	tick       int

	createErr   error
	destroyErr  error
	listErr     error
	discoverErr error
	execFn      ExecFunc
	createHook  func(sessionID string)

	createCalls  int
	destroyCalls int
	listCalls    int
	destroyed    []runtime.Handle
}

var _ runtime.Driver = (*FakeRuntime)(nil)

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

// SetExec installs the function run for every Exec call.
func (f *FakeRuntime) SetExec(fn ExecFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execFn = fn
}

// SetCreateHook installs a function called at the start of every Create, before
// any state is touched. Tests use it to hold a creation open.
func (f *FakeRuntime) SetCreateHook(fn func(sessionID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createHook = fn
}

func (f *FakeRuntime) Create(ctx context.Context, sessionID string) (runtime.Handle, error) {
	f.mu.Lock()
	hook := f.createHook
	f.mu.Unlock()
	if hook != nil {
		hook(sessionID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return runtime.Handle{}, fmt.Errorf("%w: %w", runtime.ErrCreateFailed, f.createErr)
	}
	return f.addLocked(sessionID), nil
}

// AddOrphan registers a container the registry does not know about, as if left
// behind by an earlier process.
func (f *FakeRuntime) AddOrphan(sessionID string) runtime.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(sessionID)
}

func (f *FakeRuntime) addLocked(sessionID string) runtime.Handle {
	f.seq++
	h := runtime.Handle{
		ID:        fmt.Sprintf("ctr-%d", f.seq),
		SessionID: sessionID,
		Name:      "codesandbox-" + sessionID,
	}
	f.containers[h.ID] = &fakeContainer{handle: h, files: make(map[string]fakeFile)}
	return h
}

func (f *FakeRuntime) Exec(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	f.mu.Lock()
	_, ok := f.containers[h.ID]
	fn := f.execFn
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no container %s", runtime.ErrExecFailed, h.ID)
	}
	if fn == nil {
		return &runtime.ExecResult{}, nil
	}
	return fn(ctx, h, req)
}

// PutFile writes a file with a fresh modification time.
func (f *FakeRuntime) PutFile(h runtime.Handle, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(h, name, data)
}

func (f *FakeRuntime) putLocked(h runtime.Handle, name string, data []byte) {
	c, ok := f.containers[h.ID]
	if !ok {
		return
	}
	f.tick++
	c.files[name] = fakeFile{
		data:    append([]byte(nil), data...),
		modTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.tick) * time.Second),
	}
}

// RemoveFile deletes a file from the container's data directory.
func (f *FakeRuntime) RemoveFile(h runtime.Handle, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[h.ID]; ok {
		delete(c.files, name)
	}
}

func (f *FakeRuntime) WriteFile(ctx context.Context, h runtime.Handle, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[h.ID]; !ok {
		return fmt.Errorf("%w: no container %s", runtime.ErrWriteFailed, h.ID)
	}
	f.putLocked(h, name, data)
	return nil
}

func (f *FakeRuntime) StatFile(ctx context.Context, h runtime.Handle, name string) (runtime.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[h.ID]
	if !ok {
		return runtime.FileInfo{}, fmt.Errorf("%w: no container %s", runtime.ErrReadFailed, h.ID)
	}
	file, ok := c.files[name]
	if !ok {
		return runtime.FileInfo{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	return runtime.FileInfo{Name: name, Size: int64(len(file.data)), ModTime: file.modTime}, nil
}

func (f *FakeRuntime) ReadFile(ctx context.Context, h runtime.Handle, name string, limit int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no container %s", runtime.ErrReadFailed, h.ID)
	}
	file, ok := c.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	if int64(len(file.data)) > limit {
		return nil, fmt.Errorf("%w: %s", runtime.ErrTooLarge, name)
	}
	return append([]byte(nil), file.data...), nil
}

func (f *FakeRuntime) ListDir(ctx context.Context, h runtime.Handle) ([]runtime.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, fmt.Errorf("%w: %w", runtime.ErrReadFailed, f.listErr)
	}
	c, ok := f.containers[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no container %s", runtime.ErrReadFailed, h.ID)
	}
	files := make([]runtime.FileInfo, 0, len(c.files))
	for name, file := range c.files {
		files = append(files, runtime.FileInfo{Name: name, Size: int64(len(file.data)), ModTime: file.modTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (f *FakeRuntime) Destroy(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.containers, h.ID)
	f.destroyed = append(f.destroyed, h)
	return nil
}

func (f *FakeRuntime) DiscoverOrphans(ctx context.Context) ([]runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	out := make([]runtime.Handle, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *FakeRuntime) Close() error { return nil }

// Live returns the number of containers that have not been destroyed.
func (f *FakeRuntime) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Destroyed returns the handles destroyed so far, in order.
func (f *FakeRuntime) Destroyed() []runtime.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Handle(nil), f.destroyed...)
}

// Fail makes the runtime's mutating calls fail with err; nil restores them.
func (f *FakeRuntime) Fail(create, destroy error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = create
	f.destroyErr = destroy
}

// FailList makes ListDir fail with err; nil restores it.
func (f *FakeRuntime) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailDiscover makes DiscoverOrphans fail with err; nil restores it.
func (f *FakeRuntime) FailDiscover(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErr = err
}

// Calls reports how often Create and Destroy were invoked.
func (f *FakeRuntime) Calls() (create, destroy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.destroyCalls
}

// ListCalls reports how often ListDir was invoked.
func (f *FakeRuntime) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// ErrInjected is a generic error for scripted failures.
var ErrInjected = errors.New("injected failure")
