// Package msgbox implements the restart-request channel between workers and
// the manager: a bounded FIFO queue of fixed-size StopMessage records living
// in a file-backed shared memory mapping. Any worker process that maps the
// same file can push; only the manager pops. A single CAS word in the header
// serialises access across processes.
package msgbox

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ChuLiYu/otterd/pkg/types"
)

var (
	// ErrFull is returned by Push when the ring has no free slot.
	ErrFull = errors.New("msgbox: channel full")
	// ErrCorrupt is returned by Open when the file is not a message box.
	ErrCorrupt = errors.New("msgbox: bad magic")
)

const (
	magic = 0x4f545242 // "OTRB"

	offMagic = 0
	offCap   = 4
	offHead  = 8
	offTail  = 12
	offCount = 16
	offLock  = 20
	hdrSize  = 32

	slotSize = 4
)

// Box is one mapped end of the channel. The manager creates it; workers open
// the same path.
type Box struct {
	f   *os.File
	mem []byte
	cap uint32
}

// Create makes a new message box file at path with room for capacity
// messages, replacing any previous file.
func Create(path string, capacity int) (*Box, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("msgbox: capacity %d out of range", capacity)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("msgbox: create %s: %w", path, err)
	}
	size := hdrSize + capacity*slotSize
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("msgbox: truncate: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msgbox: mmap: %w", err)
	}
	b := &Box{f: f, mem: mem, cap: uint32(capacity)}
	b.put32(offCap, uint32(capacity))
	b.put32(offHead, 0)
	b.put32(offTail, 0)
	b.put32(offCount, 0)
	b.put32(offLock, 0)
	atomic.StoreUint32(b.word(offMagic), magic)
	return b, nil
}

// Open maps an existing message box created by the manager.
func Open(path string) (*Box, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("msgbox: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msgbox: stat: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msgbox: mmap: %w", err)
	}
	b := &Box{f: f, mem: mem}
	if atomic.LoadUint32(b.word(offMagic)) != magic {
		b.Close()
		return nil, ErrCorrupt
	}
	b.cap = b.get32(offCap)
	return b, nil
}

// Push appends msg to the ring. Returns ErrFull when the ring is at capacity.
func (b *Box) Push(msg types.StopMessage) error {
	b.lock()
	defer b.unlock()
	if b.get32(offCount) == b.cap {
		return ErrFull
	}
	tail := b.get32(offTail)
	b.put32(hdrSize+int(tail)*slotSize, msg.WorkerID)
	b.put32(offTail, (tail+1)%b.cap)
	b.put32(offCount, b.get32(offCount)+1)
	return nil
}

// Pop removes the oldest message. The second return is false when the ring is
// empty.
func (b *Box) Pop() (types.StopMessage, bool) {
	b.lock()
	defer b.unlock()
	if b.get32(offCount) == 0 {
		return types.StopMessage{}, false
	}
	head := b.get32(offHead)
	id := b.get32(hdrSize + int(head)*slotSize)
	b.put32(offHead, (head+1)%b.cap)
	b.put32(offCount, b.get32(offCount)-1)
	return types.StopMessage{WorkerID: id}, true
}

// Len reports the number of queued messages.
func (b *Box) Len() int {
	b.lock()
	defer b.unlock()
	return int(b.get32(offCount))
}

// Close unmaps the ring and closes the backing file. The file itself is left
// in place for other processes.
func (b *Box) Close() error {
	var first error
	if b.mem != nil {
		first = unix.Munmap(b.mem)
		b.mem = nil
	}
	if err := b.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// RequestRestart pushes a restart request for workerID and pokes the manager
// with SIGIO so it drains the box on its next wake. This is the worker-side
// producer path.
func RequestRestart(b *Box, workerID uint32, managerPid int) error {
	if err := b.Push(types.StopMessage{WorkerID: workerID}); err != nil {
		return err
	}
	return unix.Kill(managerPid, unix.SIGIO)
}

// word returns the mapped uint32 at byte offset off. The mapping is
// page-aligned and all offsets are multiples of 4, so atomic access is valid.
func (b *Box) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *Box) get32(off int) uint32 { return atomic.LoadUint32(b.word(off)) }

func (b *Box) put32(off int, v uint32) { atomic.StoreUint32(b.word(off), v) }

// lock spins on the header CAS word. Critical sections are a handful of
// loads and stores, so contention windows are tiny even across processes.
func (b *Box) lock() {
	for !atomic.CompareAndSwapUint32(b.word(offLock), 0, 1) {
		runtime.Gosched()
	}
}

func (b *Box) unlock() {
	atomic.StoreUint32(b.word(offLock), 0)
}
