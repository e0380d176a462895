package mem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapArenaAllocAndResolve(t *testing.T) {
	a := NewHeapArena()

	cpu, dev, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Len(t, cpu, 64)
	assert.NotZero(t, dev)
	assert.Equal(t, 1, a.Live())

	// Slice resolves the device address back to the same backing memory.
	cpu[0] = 0xAB
	view, err := a.Slice(dev, 64)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), view[0])

	a.Free(cpu, dev, 64)
	assert.Zero(t, a.Live())

	_, err = a.Slice(dev, 64)
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestHeapArenaWordAlignment(t *testing.T) {
	a := NewHeapArena()

	// Odd sizes still get word-aligned backing for atomic descriptor access.
	for _, size := range []int{1, 3, 16, 17, 1518} {
		cpu, _, err := a.Alloc(size)
		require.NoError(t, err)
		assert.Zero(t, uintptr(unsafe.Pointer(&cpu[0]))%4, "size %d not aligned", size)
	}
}

func TestHeapArenaDistinctAddresses(t *testing.T) {
	a := NewHeapArena()

	_, d1, err := a.Alloc(16)
	require.NoError(t, err)
	_, d2, err := a.Alloc(16)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.NotZero(t, d1, "device address zero would alias a cleared descriptor")
}

func TestHeapArenaBadRequests(t *testing.T) {
	a := NewHeapArena()

	_, _, err := a.Alloc(0)
	assert.ErrorIs(t, err, ErrBadAddress)

	cpu, dev, err := a.Alloc(32)
	require.NoError(t, err)

	_, err = a.Slice(dev, 33)
	assert.ErrorIs(t, err, ErrBadAddress, "oversized view must be refused")

	// Freeing an unknown address must not panic; teardown paths rely on it.
	a.Free(nil, 0xDEAD, 32)
	a.Free(cpu, dev, 32)
	a.Free(cpu, dev, 32)
	assert.Zero(t, a.Live())
}

func TestHeapArenaFailAllocationHook(t *testing.T) {
	a := NewHeapArena()
	a.FailAllocation(2)

	_, _, err := a.Alloc(16)
	require.NoError(t, err)
	_, _, err = a.Alloc(16)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, _, err = a.Alloc(16)
	assert.NoError(t, err, "only the nth allocation fails")
}
