package storage

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_Get(t *testing.T) {
	store, clean := disposableDiskStore(t)
	defer clean()
	key, err := RandomKey(32)
	require.NoError(t, err)
	value := Value("some value")
	err = store.Put(key, value)
	require.Nil(t, err)
	actual, err := store.Get(key)
	assert.Nil(t, err)
	assert.Equal(t, value, actual)
}

func TestDiskStore_Delete(t *testing.T) {
	store, clean := disposableDiskStore(t)
	defer clean()
	key, err := RandomKey(32)
	require.NoError(t, err)
	err = store.Put(key, Value("irrelevant"))
	require.Nil(t, err)
	err = store.Delete(key)
	require.Nil(t, err)
	value, err := store.Get(key)
	assert.Nil(t, value)
	assert.NotNil(t, err)
}

func TestDiskStore_ForEach(t *testing.T) {
	store, clean := disposableDiskStore(t)
	defer clean()
	value := []byte("irrelevant contents")
	for i := 0; i < 20; i++ {
		key, err := RandomKey(32)
		require.NoError(t, err)
		require.Nil(t, store.Put(key, value))
	}
	deleteHalf(t, store, 20)
	deleteHalf(t, store, 10)
	deleteHalf(t, store, 5)
}

func TestDiskStore_Contains(t *testing.T) {
	store, clean := disposableDiskStore(t)
	defer clean()
	f := func(key [32]byte, value Value) bool {
		hex := Key(bytesToHex(key[:]))
		contains, err := store.Contains(hex)
		if err != nil || contains {
			return false
		}
		if err := store.Put(hex, value); err != nil {
			return false
		}
		contains, err = store.Contains(hex)
		return err == nil && contains
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestDiskStore_PathFor(t *testing.T) {
	store := NewDiskStore("dir")
	for i := 0; i < 100; i++ {
		key, err := RandomKey(32)
		require.NoError(t, err)
		// 3 (dir) + 1 (slash) + 2 (first two hex digits) + 1 (slash) + 64 (hex digits)
		assert.Len(t, store.pathFor(key), 71)
	}
}

func deleteHalf(t *testing.T, store *DiskStore, expectedKeysCount int) {
	actualKeysCount := 0
	require.Nil(t, store.ForEach(func(k Key) error {
		if actualKeysCount%2 == 0 {
			require.Nil(t, store.Delete(k))
		}
		actualKeysCount++
		return nil
	}))
	assert.Equal(t, expectedKeysCount, actualKeysCount)
}

func disposableDiskStore(t *testing.T) (store *DiskStore, cleanup func()) {
	dir := t.TempDir()
	return NewDiskStore(dir), func() {}
}

func bytesToHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[2*i] = hexDigits[v>>4]
		out[2*i+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
