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
	"github.com/keyronex/kernel/pkg/vm/swap"
)

func newTestMap(t *testing.T) (*vm.Map, *pfn.DB, *ipl.CPU) {
	t.Helper()
	cpu := ipl.NewCPU()
	pfndb := pfn.New(64, logr.Discard())
	kmap := pmap.New(pmap.DefaultLayout, nil, pfndb, logr.Discard())
	m := vm.NewMap(kmap, pfndb, swap.NewMemStore(), logr.Discard())
	return m, pfndb, cpu
}

func TestMapAnonChoosesNonOverlappingAddresses(t *testing.T) {
	m, _, _ := newTestMap(t)

	a, err := m.MapAnon(0, 0x2000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	b, err := m.MapAnon(0, 0x2000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, b >= a+0x2000 || a >= b+0x2000)
}

func TestMapAnonFixedAddressRejectsOverlap(t *testing.T) {
	m, _, _ := newTestMap(t)

	base, err := m.MapAnon(0x10000, 0x2000, pmap.ProtRead, vm.InheritCopy)
	require.NoError(t, err)

	_, err = m.MapAnon(base, 0x1000, pmap.ProtRead, vm.InheritCopy)
	assert.Error(t, err)
}

func TestLookupFindsContainingVAD(t *testing.T) {
	m, _, _ := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead, vm.InheritCopy)
	require.NoError(t, err)

	v := m.Lookup(base)
	require.NotNil(t, v)
	assert.True(t, v.Contains(base))

	assert.Nil(t, m.Lookup(base+0x1000))
}

func TestUnmapReturnsAddressSpaceAndFreesResidentPages(t *testing.T) {
	m, pfndb, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, false)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	before := pfndb.FreeCount(cpu)
	m.Unmap(cpu, base, 0x1000)
	assert.Equal(t, before+1, pfndb.FreeCount(cpu))
	assert.Nil(t, m.Lookup(base))
}
