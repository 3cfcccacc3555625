package pfn_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/errkind"
	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
)

func TestAllocZeroesAndSetsWireCount(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(4, logr.Discard())

	f, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), f.WireCount)
	assert.Equal(t, pfn.UseAnonymous, f.Use)
	assert.Equal(t, pfn.StatusActive, f.Status)
	for _, b := range f.Data {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, 3, db.FreeCount(cpu))
}

func TestAllocExhaustionReturnsRetryablePageShortage(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(1, logr.Discard())

	_, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)

	_, err = db.Alloc(cpu, pfn.UseAnonymous)
	require.Error(t, err)
	assert.ErrorIs(t, err, pfn.ErrPageShortage)
	assert.True(t, errkind.Retryable(err))
}

func TestFreeRequiresZeroWireCount(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(2, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)

	assert.Panics(t, func() {
		db.Free(cpu, f)
	})

	db.Unwire(cpu, f)
	assert.NotPanics(t, func() {
		db.Free(cpu, f)
	})
	assert.Equal(t, 2, db.FreeCount(cpu))
}

func TestFreeRequiresNoLivePV(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(2, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)

	type space struct{}
	var s space
	db.InsertPV(cpu, f, &s, 0x1000)
	db.Unwire(cpu, f)

	assert.Panics(t, func() {
		db.Free(cpu, f)
	})

	assert.True(t, db.RemovePV(cpu, f, &s, 0x1000))
	assert.NotPanics(t, func() {
		db.Free(cpu, f)
	})
}

func TestWireUnwireRoundTrip(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(1, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseWired)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), f.WireCount)

	db.Wire(cpu, f)
	assert.Equal(t, uint16(2), f.WireCount)
	assert.Equal(t, pfn.StatusWired, f.Status)

	db.Unwire(cpu, f)
	assert.Equal(t, uint16(1), f.WireCount)

	db.Unwire(cpu, f)
	assert.Equal(t, uint16(0), f.WireCount)
	assert.Equal(t, pfn.StatusActive, f.Status)
}

func TestUnwireBelowZeroPanics(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(1, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseWired)
	require.NoError(t, err)
	db.Unwire(cpu, f)

	assert.Panics(t, func() {
		db.Unwire(cpu, f)
	})
}

func TestPVInsertRemoveRoundTripLeavesListUnchanged(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(1, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)

	type space struct{}
	var s1, s2 space
	db.InsertPV(cpu, f, &s1, 0x1000)
	db.InsertPV(cpu, f, &s2, 0x2000)
	assert.Equal(t, 2, db.PVCount(cpu, f))

	require.True(t, db.RemovePV(cpu, f, &s1, 0x1000))
	assert.Equal(t, 1, db.PVCount(cpu, f))
	assert.False(t, db.RemovePV(cpu, f, &s1, 0x1000))

	require.True(t, db.RemovePV(cpu, f, &s2, 0x2000))
	assert.Equal(t, 0, db.PVCount(cpu, f))
}

func TestForEachPVAddrOnlyMatchesSpace(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(1, logr.Discard())
	f, err := db.Alloc(cpu, pfn.UseAnonymous)
	require.NoError(t, err)

	type space struct{}
	var s1, s2 space
	db.InsertPV(cpu, f, &s1, 0x1000)
	db.InsertPV(cpu, f, &s1, 0x3000)
	db.InsertPV(cpu, f, &s2, 0x2000)

	var got []uintptr
	db.ForEachPVAddr(cpu, f, &s1, func(v uintptr) { got = append(got, v) })
	assert.ElementsMatch(t, []uintptr{0x1000, 0x3000}, got)
}

func TestInvariantHoldsAcrossAllocFreeCycles(t *testing.T) {
	cpu := ipl.NewCPU()
	db := pfn.New(8, logr.Discard())
	require.NoError(t, db.Invariant(cpu))

	var live []*pfn.Frame
	for i := 0; i < 5; i++ {
		f, err := db.Alloc(cpu, pfn.UseAnonymous)
		require.NoError(t, err)
		live = append(live, f)
	}
	require.NoError(t, db.Invariant(cpu))

	for _, f := range live {
		db.Unwire(cpu, f)
		db.Free(cpu, f)
	}
	require.NoError(t, db.Invariant(cpu))
	assert.Equal(t, 8, db.FreeCount(cpu))
}

func TestConcurrentAllocFreeUnderContention(t *testing.T) {
	db := pfn.New(16, logr.Discard())

	// Each goroutine stands in for a distinct simulated CPU, so each
	// gets its own *ipl.CPU handle; the PFN lock inside db is what
	// serializes them.
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			cpu := ipl.NewCPU()
			for j := 0; j < 100; j++ {
				f, err := db.Alloc(cpu, pfn.UseAnonymous)
				if err != nil {
					continue
				}
				db.Unwire(cpu, f)
				db.Free(cpu, f)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	cpu := ipl.NewCPU()
	require.NoError(t, db.Invariant(cpu))
	assert.Equal(t, 16, db.FreeCount(cpu))
}
