package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageHandleAddressSurvivesDeath(t *testing.T) {
	alive := true
	h := NewStorageHandle(Address(0x1000), func() bool { return alive })

	assert.True(t, h.IsLive())
	assert.Equal(t, Address(0x1000), h.Address())

	alive = false
	assert.False(t, h.IsLive())
	assert.Equal(t, Address(0x1000), h.Address(), "address is readable even after the storage is freed")
}

func TestStorageHandleLivenessIsMonotonic(t *testing.T) {
	// Once a resolver reports death, IsLive must never again consult it,
	// even if the caller's resolver function would flip back to true
	// (e.g. the address got reused by an unrelated, later allocation).
	calls := 0
	alive := false
	h := NewStorageHandle(Address(42), func() bool {
		calls++
		return alive
	})

	assert.False(t, h.IsLive())
	alive = true
	assert.False(t, h.IsLive(), "liveness must not resurrect")
	assert.Equal(t, 1, calls, "resolver must not be consulted again once dead")
}

func TestNilStorageHandle(t *testing.T) {
	var h *StorageHandle
	assert.False(t, h.IsLive())
	assert.Equal(t, Nil, h.Address())
}

func TestAddressAligned(t *testing.T) {
	testCases := []struct {
		addr     Address
		boundary uint64
		want     bool
	}{
		{0, 16, true},
		{16, 16, true},
		{17, 16, false},
		{32, 16, true},
	}
	for _, tc := range testCases {
		if got := tc.addr.Aligned(tc.boundary); got != tc.want {
			t.Errorf("Address(%d).Aligned(%d) = %v, want %v", tc.addr, tc.boundary, got, tc.want)
		}
	}
}
