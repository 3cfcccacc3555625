// Package executive is the wiring layer spec.md's other packages are
// explicitly built to leave untyped: the ambient "current CPU / current
// address space / current working directory" handles that a real kernel
// carries per-thread, assembled here into a Machine that owns one PFN
// database, one kernel pmap, one namecache plus root filesystem, and N
// simulated CPUs, and that gives sched.Process.AddressSpace and
// sched.Process.Cwd their concrete types (*vm.Map and
// *namecache.Handle, respectively).
package executive

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/keyronex/kernel/pkg/namecache"
	"github.com/keyronex/kernel/pkg/object"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/sched"
	"github.com/keyronex/kernel/pkg/vm"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

// Kernel wired-arena address range. wiredBase equals vm.UserLimit, the
// exclusive end of every user map's range, so the two never collide in
// this simulation's flat address space. The arena takes
// Config.WiredPages pages from wiredBase, capped at wiredLimit.
const (
	wiredBase  = 0x0000_8000_0000_0000
	wiredLimit = 0x0000_8000_1000_0000
)

// Config parameterizes a Machine. Zero values pick small but usable
// defaults, convenient for tests; cmd/keyronex exposes most of these as
// flags.
type Config struct {
	CPUCount           int
	PFNPages           int
	WiredPages         int
	NamecacheHighWater int
	SwapDir            string
	Log                logr.Logger
}

func (c Config) withDefaults() Config {
	if c.CPUCount <= 0 {
		c.CPUCount = 1
	}
	if c.PFNPages <= 0 {
		c.PFNPages = 4096
	}
	if c.WiredPages <= 0 {
		c.WiredPages = 64
	}
	if c.NamecacheHighWater <= 0 {
		c.NamecacheHighWater = 256
	}
	if c.Log.GetSink() == nil {
		c.Log = logr.Discard()
	}
	return c
}

// Machine is one assembled instance of every subsystem spec.md
// describes, the "whole kernel" this core simulates. Its fields are the
// dependency-injection root: every Process, Thread, and IOP built on
// top of it is constructed from these shared resources.
type Machine struct {
	Log logr.Logger

	PFN    *pfn.DB
	Kernel *pmap.Map
	Wired  *vm.WiredArena
	Swap   swap.Store

	Cache   *namecache.Cache
	RootVFS *namecache.VFS
	Root    *namecache.Handle

	Objects *object.Directory

	CPUs []*sched.CPU
}

// NewMachine assembles a Machine per cfg. The root filesystem is backed
// by a small in-memory vnode tree (memVnode) — enough to exercise
// namecache and vfs wiring end to end, not a filesystem driver in its
// own right.
func NewMachine(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	log := cfg.Log

	pfndb := pfn.New(cfg.PFNPages, log)
	kernel := pmap.New(pmap.DefaultLayout, nil, pfndb, log)
	wiredEnd := uintptr(wiredBase) + uintptr(cfg.WiredPages)*pfn.PageSize
	if wiredEnd > wiredLimit {
		wiredEnd = wiredLimit
	}
	wired := vm.NewWiredArena(wiredBase, wiredEnd, kernel, pfndb, log)

	var store swap.Store
	if cfg.SwapDir != "" {
		bs, err := swap.NewBadgerStore(cfg.SwapDir, log)
		if err != nil {
			return nil, err
		}
		store = bs
	} else {
		store = swap.NewMemStore()
	}

	cache := namecache.NewCache(cfg.NamecacheHighWater, log)
	rootDir := newMemDir(nil)
	rootVFS, err := namecache.NewVFS(cache, memfsOps{root: rootDir}, nil, "rootfs")
	if err != nil {
		return nil, err
	}
	root := &namecache.Handle{Entry: rootVFS.Root, VFS: rootVFS}
	if err := root.Retain(); err != nil {
		return nil, err
	}

	objects := object.NewDirectory()
	if err := objects.Insert(rootVFS.Header); err != nil {
		return nil, err
	}

	cpus := make([]*sched.CPU, cfg.CPUCount)
	for i := range cpus {
		cpus[i] = sched.NewCPU(i, log)
	}

	return &Machine{
		Log:     log,
		PFN:     pfndb,
		Kernel:  kernel,
		Wired:   wired,
		Swap:    store,
		Cache:   cache,
		RootVFS: rootVFS,
		Root:    root,
		Objects: objects,
		CPUs:    cpus,
	}, nil
}

// NewAddressSpace creates a fresh process address space sharing this
// machine's kernel pmap, PFN database, and swap store.
func (m *Machine) NewAddressSpace() *vm.Map {
	return vm.NewMap(m.Kernel, m.PFN, m.Swap, m.Log)
}

// Run drives every CPU's scheduler loop until ctx is cancelled or one
// of them returns an error, using errgroup to supervise the fleet of
// per-CPU driver goroutines and propagate the first failure — the
// demo harness's top-level shape.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range m.CPUs {
		cpu := cpu
		g.Go(func() error {
			cpu.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Close releases machine-wide resources (currently just the swap
// store) that outlive any single process.
func (m *Machine) Close() error {
	return m.Swap.Close()
}
