package executive

import (
	"sync"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/iop"
	"github.com/keyronex/kernel/pkg/namecache"
	"github.com/keyronex/kernel/pkg/pfn"
)

// memVnode is an in-memory vnode backing the root filesystem a Machine
// wires into pkg/namecache and pkg/vfs. It exists only to give this
// core's own demo harness and scenario tests a root to resolve paths
// against — not a filesystem driver, which spec.md's Non-goals
// explicitly leave unimplemented.
type memVnode struct {
	typ      namecache.VnodeType
	target   string // symlink target
	mu       sync.Mutex
	children map[string]*memVnode
	data     []byte // file content, for TypeRegular
}

func newMemDir(children map[string]*memVnode) *memVnode {
	if children == nil {
		children = make(map[string]*memVnode)
	}
	return &memVnode{typ: namecache.TypeDir, children: children}
}

func newMemFile(data []byte) *memVnode {
	return &memVnode{typ: namecache.TypeRegular, data: data}
}

func (v *memVnode) Type() namecache.VnodeType { return v.typ }

func (v *memVnode) Lookup(name string) (namecache.Vnode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if child, ok := v.children[name]; ok {
		return child, nil
	}
	return nil, errkind.Err(errkind.NotFound)
}

func (v *memVnode) Readlink() (string, error) {
	if v.typ != namecache.TypeLink {
		return "", errkind.New("executive: not a symlink")
	}
	return v.target, nil
}

// Dispatch satisfies iop.Vnode trivially: the demo harness never routes
// a real read/write IOP at the in-memory filesystem, only at
// ReadPage below (the VADObject path a mapped file fault takes).
func (v *memVnode) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result { return iop.ResultCompleted }
func (v *memVnode) Complete(p *iop.IOP, f *iop.Frame) iop.Result { return iop.ResultCompleted }

// ReadPage implements vm.VADObject: a private or shared mapping of this
// vnode reads through to its in-memory backing data on a fault miss,
// per spec.md §4.6.3's "miss/with-object-parent" branch.
func (v *memVnode) ReadPage(pageOffset uint64, dst []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := pageOffset * pfn.PageSize
	for i := range dst {
		dst[i] = 0
	}
	if start >= uint64(len(v.data)) {
		return nil
	}
	n := copy(dst, v.data[start:])
	_ = n
	return nil
}

// WritePage implements vm.VADWriter: a shared mapping's explicit Sync
// call lands here, growing the backing data if the write extends past
// its current length.
func (v *memVnode) WritePage(pageOffset uint64, src []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	start := pageOffset * pfn.PageSize
	end := start + uint64(len(src))
	if end > uint64(len(v.data)) {
		grown := make([]byte, end)
		copy(grown, v.data)
		v.data = grown
	}
	copy(v.data[start:end], src)
	return nil
}

type memfsOps struct{ root *memVnode }

func (o memfsOps) Root() (namecache.Vnode, error) { return o.root, nil }
