package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/vm"
)

func TestNewResidentAnonStartsAtRefcountOne(t *testing.T) {
	f := &pfn.Frame{Number: 4}
	a := vm.NewResidentAnon(f)
	assert.EqualValues(t, 1, a.Refcount())
	assert.True(t, a.Resident())
	assert.Same(t, f, a.Frame())
}
