// Package storage is a small key/value abstraction over wherever journal
// entries end up: local disk, S3, or nowhere at all. It has no notion of
// trees, nodes, or tensors; the journal package is what gives the keys
// and values meaning.
package storage

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/nicolagi/cudagraphtrees/config"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
)

type Key string

// RandomKey generates a random sequence of length bytes and converts it to a
// key in hex (byte length of the key will then be double the requested length).
func RandomKey(length uint8) (Key, error) {
	if length == 0 {
		return "", nil
	}
	b := make([]byte, length)
	n, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	if n != int(length) {
		return "", fmt.Errorf("key of length %d required, got only %d bytes", length, n)
	}
	return Key(fmt.Sprintf("%x", b)), nil
}

type Value []byte

type Store interface {
	Get(Key) (Value, error)
	Put(Key, Value) error
	Delete(Key) error
}

type Lister interface {
	List() (keys chan string, err error)
}

type Enumerable interface {
	Store
	Contains(Key) (bool, error)
	ForEach(func(Key) error) error
}

// NewStore builds the Store named by c's journal configuration: a disk
// store rooted at c.JournalDir if set, an S3 store if c.JournalBucket is
// set, or a NullStore (journaling disabled) otherwise. At most one of
// JournalDir/JournalBucket is expected to be set; JournalDir wins if both
// are, so local debugging never silently depends on network access.
func NewStore(c *config.C) (Store, error) {
	switch {
	case c.JournalDir != "":
		return NewDiskStore(c.JournalDir), nil
	case c.JournalBucket != "":
		return newS3Store(c)
	default:
		return NullStore{}, nil
	}
}
