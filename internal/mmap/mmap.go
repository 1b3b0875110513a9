// Package mmap provides read-only memory mapping of index artifact files,
// giving the local blobstore zero-copy access to partition blocks.
package mmap

import (
	"errors"
	"sync/atomic"
)

// ErrClosed is returned when the mapping was already closed.
var ErrClosed = errors.New("mmap: closed")

// Mapping is a read-only mapped file. Safe for concurrent reads; callers
// must ensure no access to Bytes() after Close.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Close releases the mapping. Idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return m.unmap(data)
}
