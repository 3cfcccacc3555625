package executive_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/keyronex/kernel/pkg/executive"
)

// TestScenarios runs every concrete integration scenario spec.md §8
// names, each as its own subtest so a single regression doesn't hide
// the rest.
func TestScenarios(t *testing.T) {
	for _, sc := range executive.Scenarios {
		sc := sc
		t.Run(sc.Name, func(t *testing.T) {
			assert.NoError(t, sc.Run(logr.Discard()))
		})
	}
}

// TestProperties runs every entry of executive.Properties (round-trip,
// idempotence, fork isolation, nested VFS lookup, object-directory
// publication): properties that hold across the whole assembled machine
// rather than one named scenario.
func TestProperties(t *testing.T) {
	for _, p := range executive.Properties {
		p := p
		t.Run(p.Name, func(t *testing.T) {
			assert.NoError(t, p.Run(logr.Discard()))
		})
	}
}

func TestNewMachineWiresSubsystems(t *testing.T) {
	m, err := executive.NewMachine(executive.Config{CPUCount: 2, Log: logr.Discard()})
	assert.NoError(t, err)
	defer m.Close()

	assert.Len(t, m.CPUs, 2)
	assert.NotNil(t, m.PFN)
	assert.NotNil(t, m.Kernel)
	assert.NotNil(t, m.Wired)
	assert.NotNil(t, m.Swap)
	assert.NotNil(t, m.Cache)
	assert.NotNil(t, m.RootVFS)
	assert.NotNil(t, m.Root)
	assert.NotNil(t, m.Objects)
}

func TestNewProcessDefaultsToMachineRoot(t *testing.T) {
	m, err := executive.NewMachine(executive.Config{Log: logr.Discard()})
	assert.NoError(t, err)
	defer m.Close()

	proc, err := m.NewProcess(nil)
	assert.NoError(t, err)
	assert.NotNil(t, proc.AddressSpace)
	assert.NotNil(t, proc.Cwd)
}
