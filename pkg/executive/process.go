package executive

import (
	"github.com/keyronex/kernel/pkg/namecache"
	"github.com/keyronex/kernel/pkg/sched"
	"github.com/keyronex/kernel/pkg/vm"
)

// NewProcess creates a process whose address space is a concrete
// *vm.Map sharing this machine's kernel pmap, PFN database, and swap
// store, and whose current working directory is cwd (retained once on
// the process's behalf; the caller keeps its own reference). If cwd is
// nil the machine's root is used.
func (m *Machine) NewProcess(cwd *namecache.Handle) (*sched.Process, error) {
	if cwd == nil {
		cwd = m.Root
	}
	dir, err := cloneHandle(cwd)
	if err != nil {
		return nil, err
	}

	space := m.NewAddressSpace()
	proc := sched.NewProcess(space)
	proc.Cwd = dir
	return proc, nil
}

// cloneHandle mirrors pkg/vfs's unexported helper of the same shape:
// retaining both halves of a namecache.Handle so the clone is an
// independent reference.
func cloneHandle(h *namecache.Handle) (*namecache.Handle, error) {
	clone := &namecache.Handle{Entry: h.Entry, VFS: h.VFS}
	if err := clone.Retain(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Fork creates a child process from parent: a new address space built
// by vm.Map.Fork (spec.md §4.6.4's deferred-copy contract), the parent's
// handle table duplicated, and the same cwd (retained again for the
// child).
func (m *Machine) Fork(cpu *sched.CPU, parent *sched.Process) (*sched.Process, error) {
	parentSpace := parent.AddressSpace.(*vm.Map)
	childSpace := parentSpace.Fork(cpu.IPL(), m.Kernel, m.Swap)

	child := parent.Fork(childSpace)
	if cwd, ok := parent.Cwd.(*namecache.Handle); ok && cwd != nil {
		dir, err := cloneHandle(cwd)
		if err != nil {
			return nil, err
		}
		child.Cwd = dir
	}
	return child, nil
}
