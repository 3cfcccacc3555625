package sched

import (
	"sync"

	"github.com/google/uuid"
)

// Process is spec.md §3's "Process": unique id, address-space handle,
// handle table guarded by its own mutex, list of threads, current
// working directory handle.
//
// AddressSpace and Cwd are untyped (any) here rather than concrete
// *vm.Map / *namecache.Handle references, to keep pkg/sched from depending
// on pkg/vm or pkg/namecache — pkg/executive, which wires every subsystem
// together, is what gives them concrete types.
type Process struct {
	ID            uuid.UUID
	AddressSpace  any
	Cwd           any
	handleMu      sync.Mutex
	handles       map[int]any
	nextHandle    int
	threadsMu     sync.Mutex
	threads       []*Thread
}

// NewProcess creates a process with an empty handle table and thread list.
func NewProcess(addressSpace any) *Process {
	return &Process{
		ID:           uuid.New(),
		AddressSpace: addressSpace,
		handles:      make(map[int]any),
	}
}

func (p *Process) addThread(t *Thread) {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	p.threads = append(p.threads, t)
}

// Threads returns a snapshot of the process's thread list.
func (p *Process) Threads() []*Thread {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

// AddHandle inserts obj into the process's handle table under the
// per-process handle-table mutex (spec.md §5 lock hierarchy outermost
// lock) and returns its handle number.
func (p *Process) AddHandle(obj any) int {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	h := p.nextHandle
	p.nextHandle++
	p.handles[h] = obj
	return h
}

// Handle looks up a handle number, returning (nil, false) if absent.
func (p *Process) Handle(h int) (any, bool) {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	v, ok := p.handles[h]
	return v, ok
}

// CloseHandle removes a handle from the table.
func (p *Process) CloseHandle(h int) {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()
	delete(p.handles, h)
}

// Fork creates a child process that is a fork-style duplication of p:
// childAddressSpace as its address space (pkg/executive's fork glue
// builds it with vm.Map.Fork before calling here), the parent's Cwd
// value, a copy of the handle table, and no threads of its own yet (the
// caller creates the child's initial thread).
func (p *Process) Fork(childAddressSpace any) *Process {
	p.handleMu.Lock()
	handles := make(map[int]any, len(p.handles))
	for k, v := range p.handles {
		handles[k] = v
	}
	next := p.nextHandle
	p.handleMu.Unlock()

	return &Process{
		ID:           uuid.New(),
		AddressSpace: childAddressSpace,
		Cwd:          p.Cwd,
		handles:      handles,
		nextHandle:   next,
	}
}
