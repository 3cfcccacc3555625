package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/vm"
)

func TestVmemAllocFirstFit(t *testing.T) {
	a := vm.NewVmem(0x1000, 0x4000)
	base, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, base)

	base2, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, base2)
}

func TestVmemAllocExhaustionReturnsErrNoSpace(t *testing.T) {
	a := vm.NewVmem(0x1000, 0x2000)
	_, err := a.Alloc(0x1000)
	require.NoError(t, err)

	_, err = a.Alloc(0x1000)
	assert.ErrorIs(t, err, vm.ErrNoSpace)
}

func TestVmemFreeCoalescesAdjacentRanges(t *testing.T) {
	a := vm.NewVmem(0x1000, 0x3000)
	base, err := a.Alloc(0x2000)
	require.NoError(t, err)

	a.Free(base, 0x1000)
	a.Free(base+0x1000, 0x1000)

	// the whole range should be free again as one span
	got, err := a.Alloc(0x2000)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestVmemAllocAtRemovesExactRange(t *testing.T) {
	a := vm.NewVmem(0x1000, 0x4000)
	require.NoError(t, a.AllocAt(0x2000, 0x1000))

	_, err := a.Alloc(0x3000)
	assert.ErrorIs(t, err, vm.ErrNoSpace)

	base, err := a.Alloc(0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, base)
}
