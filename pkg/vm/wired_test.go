package vm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm"
)

func TestWiredArenaAllocWritesAndFrees(t *testing.T) {
	cpu := ipl.NewCPU()
	pfndb := pfn.New(16, logr.Discard())
	kmap := pmap.New(pmap.DefaultLayout, nil, pfndb, logr.Discard())
	arena := vm.NewWiredArena(0xffff_8000_0000_0000, 0xffff_8000_0001_0000, kmap, pfndb, logr.Discard())

	before := pfndb.FreeCount(cpu)
	addr, err := arena.Alloc(cpu, 2)
	require.NoError(t, err)
	assert.Equal(t, before-2, pfndb.FreeCount(cpu))

	phys, ok := kmap.Translate(addr)
	require.True(t, ok)
	assert.Equal(t, pfn.UseWired, pfndb.Frame(uint64(phys/pfn.PageSize)).Use)

	arena.Free(cpu, addr, 2)
	assert.Equal(t, before, pfndb.FreeCount(cpu))
}

func TestWiredArenaExhaustionReturnsError(t *testing.T) {
	cpu := ipl.NewCPU()
	pfndb := pfn.New(16, logr.Discard())
	kmap := pmap.New(pmap.DefaultLayout, nil, pfndb, logr.Discard())
	arena := vm.NewWiredArena(0xffff_8000_0000_0000, 0xffff_8000_0000_2000, kmap, pfndb, logr.Discard())

	_, err := arena.Alloc(cpu, 2)
	require.NoError(t, err)

	_, err = arena.Alloc(cpu, 1)
	assert.Error(t, err)
}
