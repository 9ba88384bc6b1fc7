package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
)

// Object is a committed object held by a Memory store.
type Object struct {
	Data        []byte
	ContentType string
	Resumable   bool
}

// Faults injects failures and stalls into a Memory store.
type Faults struct {
	OpenErr     error
	FinalizeErr error

	// WriteErr is returned once FailAfter bytes have been accepted by a sink.
	WriteErr  error
	FailAfter int64

	// Gate, when set, makes every Write wait for a receive before it
	// accepts data.
	Gate <-chan struct{}
}

// Memory is an in-process Store. Objects only become visible once their
// sink was finalized.
type Memory struct {
	bucket string

	mu         sync.RWMutex // protects all fields below
	objects    map[string]Object
	opened     []WriteRequest
	aborted    int
	maxWrite   int
	faults     Faults
	pathFaults map[string]Faults
}

func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:     bucket,
		objects:    make(map[string]Object),
		pathFaults: make(map[string]Faults),
	}
}

func (m *Memory) Bucket() string {
	return m.bucket
}

func (m *Memory) Close() error {
	return nil
}

// SetFaults replaces the injected faults for sinks opened afterwards.
func (m *Memory) SetFaults(f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = f
}

// SetPathFaults injects faults into sinks opened afterwards for path only.
// They take precedence over the faults set with SetFaults.
func (m *Memory) SetPathFaults(path string, f Faults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pathFaults[path] = f
}

func (m *Memory) OpenWrite(ctx context.Context, req WriteRequest) (Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	faults, ok := m.pathFaults[req.Path]
	if !ok {
		faults = m.faults
	}
	if faults.OpenErr != nil {
		return nil, faults.OpenErr
	}
	m.opened = append(m.opened, req)

	return &memorySink{
		store:   m,
		req:     req,
		faults:  faults,
		ctx:     ctx,
		aborted: make(chan struct{}),
	}, nil
}

// Object returns the committed object at path.
func (m *Memory) Object(path string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	return obj, ok
}

// Paths lists all committed object paths in lexical order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Opened returns every write request seen so far.
func (m *Memory) Opened() []WriteRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]WriteRequest(nil), m.opened...)
}

// Aborted returns the number of sinks that were aborted.
func (m *Memory) Aborted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aborted
}

// MaxWrite returns the largest single Write any sink received.
func (m *Memory) MaxWrite() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxWrite
}

type memorySink struct {
	store  *Memory
	req    WriteRequest
	faults Faults
	ctx    context.Context

	buf       bytes.Buffer
	done      bool // guarded by store.mu
	abortOnce sync.Once
	aborted   chan struct{}
}

func (s *memorySink) Write(p []byte) (int, error) {
	if s.faults.Gate != nil {
		select {
		case <-s.faults.Gate:
		case <-s.aborted:
			return 0, ErrAborted
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}

	select {
	case <-s.aborted:
		return 0, ErrAborted
	default:
	}

	if s.faults.WriteErr != nil && int64(s.buf.Len()+len(p)) > s.faults.FailAfter {
		return 0, s.faults.WriteErr
	}

	s.store.mu.Lock()
	if len(p) > s.store.maxWrite {
		s.store.maxWrite = len(p)
	}
	s.store.mu.Unlock()

	return s.buf.Write(p)
}

func (s *memorySink) Finalize() (string, error) {
	if s.faults.FinalizeErr != nil {
		return "", s.faults.FinalizeErr
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	select {
	case <-s.aborted:
		return "", ErrAborted
	default:
	}
	if s.done {
		return "", fmt.Errorf("object %q already finalized", s.req.Path)
	}
	s.store.objects[s.req.Path] = Object{
		Data:        bytes.Clone(s.buf.Bytes()),
		ContentType: s.req.ContentType,
		Resumable:   s.req.Resumable,
	}
	s.done = true
	return s.req.Path, nil
}

func (s *memorySink) Abort() {
	s.abortOnce.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		close(s.aborted)
		if !s.done {
			s.store.aborted++
		}
	})
}

// MemoryBackend hands out one Memory store per bucket, accepting any
// credential of its kind.
type MemoryBackend struct {
	kind string

	mu     sync.Mutex
	stores map[string]*Memory
}

func NewMemoryBackend(kind string) *MemoryBackend {
	return &MemoryBackend{
		kind:   kind,
		stores: make(map[string]*Memory),
	}
}

func (b *MemoryBackend) CredentialKind() string {
	return b.kind
}

func (b *MemoryBackend) Connect(ctx context.Context, bucket string, credential []byte) (Store, error) {
	return b.Store(bucket), nil
}

// Store returns the store for bucket, creating it on first use.
func (b *MemoryBackend) Store(bucket string) *Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.stores[bucket]
	if !ok {
		m = NewMemory(bucket)
		b.stores[bucket] = m
	}
	return m
}
