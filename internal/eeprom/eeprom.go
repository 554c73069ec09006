// Package eeprom provides the persistent byte store behind flash-backed
// tables and the realtime broadcast control block.
package eeprom

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Erased is the value of a never-written byte.
const Erased byte = 0xFF

// ErrOutOfRange is returned for offsets outside the store.
var ErrOutOfRange = errors.New("eeprom: offset out of range")

// Store is byte-addressable persistent memory.
type Store interface {
	ReadByteAt(off int) (byte, error)
	WriteByteAt(off int, b byte) error
	Size() int
}

// Mem is an in-memory Store. It counts writes so callers can check wear.
type Mem struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// NewMem returns an erased store of size bytes.
func NewMem(size int) *Mem {
	m := &Mem{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

func (m *Mem) Size() int { return len(m.data) }

func (m *Mem) ReadByteAt(off int) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= len(m.data) {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, off)
	}
	return m.data[off], nil
}

func (m *Mem) WriteByteAt(off int, b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= len(m.data) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, off)
	}
	m.data[off] = b
	m.writes++
	return nil
}

// Writes returns the number of successful byte writes.
func (m *Mem) Writes() int { m.mu.Lock(); defer m.mu.Unlock(); return m.writes }

// ResetWrites zeroes the write counter.
func (m *Mem) ResetWrites() { m.mu.Lock(); m.writes = 0; m.mu.Unlock() }

// Bytes returns a copy of the contents.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// File is a Store backed by a regular file of fixed size.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size int
}

// OpenFile opens path as a store of size bytes. A missing or short file is
// extended with erased bytes.
func OpenFile(path string, size int) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("eeprom: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eeprom open: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("eeprom stat: %w", err)
	}
	if cur := int(st.Size()); cur < size {
		pad := make([]byte, size-cur)
		for i := range pad {
			pad[i] = Erased
		}
		if _, err := f.WriteAt(pad, int64(cur)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("eeprom extend: %w", err)
		}
	}
	return &File{f: f, size: size}, nil
}

func (s *File) Size() int { return s.size }

func (s *File) ReadByteAt(off int) (byte, error) {
	if off < 0 || off >= s.size {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, off)
	}
	var b [1]byte
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.ReadAt(b[:], int64(off)); err != nil {
		return 0, fmt.Errorf("eeprom read %d: %w", off, err)
	}
	return b[0], nil
}

func (s *File) WriteByteAt(off int, v byte) error {
	if off < 0 || off >= s.size {
		return fmt.Errorf("%w: %d", ErrOutOfRange, off)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt([]byte{v}, int64(off)); err != nil {
		return fmt.Errorf("eeprom write %d: %w", off, err)
	}
	return nil
}

// Sync flushes written bytes to stable storage.
func (s *File) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close syncs and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
