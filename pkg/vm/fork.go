package vm

import (
	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

// Fork implements vm_map_fork (spec.md §4.6.4): the child gets a new
// Map whose VADs mirror the parent's. InheritShare VADs are installed
// directly against the same amap (both processes observe each other's
// writes). InheritCopy and InheritStack VADs get a cloned amap whose
// anons are retained, not duplicated, and the parent's existing
// resident mappings of those pages are demoted to read-only so the next
// write on either side takes the copy-on-write fault path — spec.md's
// "deferred copy" contract.
func (m *Map) Fork(cpu *ipl.CPU, kernel *pmap.Map, store swap.Store) *Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	child := NewMap(kernel, m.pfndb, store, m.log)

	for _, v := range m.vads.All() {
		switch v.Inherit {
		case InheritShare:
			child.installShared(v)
		case InheritCopy, InheritStack:
			m.installCopyOnWriteChild(cpu, child, v)
		}
	}
	return child
}

func (child *Map) installShared(v *VAD) {
	cv := &VAD{
		Start:       v.Start,
		End:         v.End,
		Prot:        v.Prot,
		Inherit:     InheritShare,
		Object:      v.Object,
		ObjectPgOff: v.ObjectPgOff,
		Amap:        v.Amap,
		Private:     v.Private,
	}
	child.vads.Insert(cv)
	child.vmem.AllocAt(v.Start, v.Len())
}

// installCopyOnWriteChild clones v's amap into the child (retaining
// every anon's refcount) and demotes every one of the parent's existing
// resident mappings of those pages to read-only, per the PV-list walk
// spec.md §4.6.4 describes.
func (m *Map) installCopyOnWriteChild(cpu *ipl.CPU, child *Map, v *VAD) {
	clonedAmap := v.Amap.Clone()

	cv := &VAD{
		Start:       v.Start,
		End:         v.End,
		Prot:        v.Prot,
		Inherit:     v.Inherit,
		Object:      v.Object,
		ObjectPgOff: v.ObjectPgOff,
		Amap:        clonedAmap,
		Private:     v.Private,
	}
	child.vads.Insert(cv)
	child.vmem.AllocAt(v.Start, v.Len())

	clonedAmap.ForEach(func(pageIdx uint64, anon *Anon) {
		if !anon.Resident() {
			return
		}
		m.pfndb.ForEachPVAddr(cpu, anon.frame, m.pmap, func(vaddr uintptr) {
			m.pmap.ProtectRange(cpu, vaddr, vaddr+pfn.PageSize, v.Prot&^pmap.ProtWrite)
		})
	})
}
