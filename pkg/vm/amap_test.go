package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/vm"
)

func TestAmapInsertLookupRemove(t *testing.T) {
	a := vm.NewAmap()
	assert.Nil(t, a.Lookup(7))

	anon := vm.NewResidentAnon(&pfn.Frame{Number: 1})
	a.Insert(7, anon)
	assert.Same(t, anon, a.Lookup(7))

	a.Remove(7)
	assert.Nil(t, a.Lookup(7))
}

func TestAmapLazyAllocatesSparsely(t *testing.T) {
	a := vm.NewAmap()
	a.Insert(0, vm.NewResidentAnon(&pfn.Frame{Number: 1}))
	a.Insert(1_000_000, vm.NewResidentAnon(&pfn.Frame{Number: 2}))

	count := 0
	a.ForEach(func(uint64, *vm.Anon) { count++ })
	assert.Equal(t, 2, count)
}

func TestAmapCloneRetainsEveryAnon(t *testing.T) {
	a := vm.NewAmap()
	anon := vm.NewResidentAnon(&pfn.Frame{Number: 1})
	a.Insert(3, anon)

	clone := a.Clone()
	require.Same(t, anon, clone.Lookup(3))
	assert.EqualValues(t, 2, anon.Refcount())

	// the clone shares the same anon pointer, not a copy
	assert.Same(t, a.Lookup(3), clone.Lookup(3))
}
