package hal

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrFlashWriteRequiresErase = errors.New("flash write requires erase")

// SimFlash is an in-memory NOR image: reads are unrestricted, writes
// may only clear bits of erased (0xFF) cells, erase works on page
// multiples. It backs a node's own program space, and the flash and
// EEPROM images of the target chip behind the programming pins.
type SimFlash struct {
	mu   sync.Mutex
	page uint32
	data []byte
}

// NewSimFlash returns an erased image of the given geometry.
func NewSimFlash(size, page uint32) *SimFlash {
	f := &SimFlash{page: page, data: make([]byte, size)}
	for i := range f.data {
		f.data[i] = 0xFF
	}
	return f
}

func (f *SimFlash) SizeBytes() uint32 { return uint32(len(f.data)) }
func (f *SimFlash) PageBytes() uint32 { return f.page }

func (f *SimFlash) ReadAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.data)) {
		return 0, fmt.Errorf("flash read at %d: %w", off, os.ErrInvalid)
	}
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *SimFlash) WriteAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.data)) || off+uint32(len(p)) > uint32(len(f.data)) {
		return 0, fmt.Errorf("flash write at %d: %w", off, os.ErrInvalid)
	}
	for i, b := range p {
		if f.data[off+uint32(i)]&b != b {
			return 0, ErrFlashWriteRequiresErase
		}
	}
	copy(f.data[off:], p)
	return len(p), nil
}

// Program writes without an erase check, clearing bits only: the NOR
// physics of programming a cell that was never erased. The target chip
// behind the programming pins writes its pages this way.
func (f *SimFlash) Program(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.data)) || off+uint32(len(p)) > uint32(len(f.data)) {
		return 0, fmt.Errorf("flash program at %d: %w", off, os.ErrInvalid)
	}
	for i, b := range p {
		f.data[off+uint32(i)] &= b
	}
	return len(p), nil
}

// Overwrite replaces cells outright, the auto-erase-per-byte behaviour
// of EEPROM.
func (f *SimFlash) Overwrite(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint32(len(f.data)) || off+uint32(len(p)) > uint32(len(f.data)) {
		return 0, fmt.Errorf("eeprom write at %d: %w", off, os.ErrInvalid)
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *SimFlash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size == 0 {
		return nil
	}
	if off%f.page != 0 || size%f.page != 0 {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	if off >= uint32(len(f.data)) || off+size > uint32(len(f.data)) {
		return fmt.Errorf("flash erase off=%d size=%d: %w", off, size, os.ErrInvalid)
	}
	for i := off; i < off+size; i++ {
		f.data[i] = 0xFF
	}
	return nil
}
