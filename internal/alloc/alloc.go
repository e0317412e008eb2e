// Package alloc implements the allocator bridge external task code
// allocates task payloads against: a generic alloc/addr/free interface
// over five modes (System, Default, Static, Frame, DFrame). The
// scheduler package does not reference the bridge; task code that hands
// bridge handles to the scheduler as payloads relies only on its shape —
// task payload allocations outlive the task's execution, and the
// allocator is safe to call from any worker goroutine — not on any
// particular mode's internals.
package alloc

import (
	"errors"
	"sync"
)

// Mode selects which backing allocator Alloc uses.
type Mode int

const (
	// System is a malloc/free passthrough: every Alloc is its own
	// allocation, freed individually.
	System Mode = iota
	// Default is a handle-based general-purpose allocator whose freed
	// entries are swept by CompactDefault.
	Default
	// Static is a single fixed-capacity arena shared by every caller of
	// the Bridge. Individual allocations are never freed and nothing in
	// the Bridge clears it; once it is full, Alloc returns
	// ErrOutOfCapacity.
	Static
	// Frame is cleared wholesale once per frame via ClearFrame.
	Frame
	// DFrame is double-buffered: ClearFrame alternates which of two
	// backing arenas is live, so the previous frame's data remains
	// valid for one more frame before being clobbered.
	DFrame
)

// Handle identifies a live allocation. The zero Handle is never valid.
type Handle uint64

// ErrOutOfCapacity is returned when a Static/Frame/DFrame region has no
// room left. This is treated as fatal for the current task only, not
// for the pool as a whole.
var ErrOutOfCapacity = errors.New("alloc: region out of capacity")

// ErrInvalidHandle is returned by Addr/Free for a handle the Allocator
// does not recognize (already freed, or from a different mode/region).
var ErrInvalidHandle = errors.New("alloc: invalid handle")

// Allocator is the bridge contract task code allocates payloads against.
type Allocator interface {
	Alloc(size int, mode Mode) (Handle, error)
	Addr(h Handle) ([]byte, error)
	Free(h Handle, mode Mode) error
}

// region backs the Static/Frame/DFrame arenas: a single growable byte
// slice handed out in slices, never individually freed.
type region struct {
	mu   sync.Mutex
	buf  []byte
	used int
	cap  int
}

func newRegion(capacity int) *region {
	return &region{buf: make([]byte, 0, capacity), cap: capacity}
}

func (r *region) alloc(size int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used+size > r.cap {
		return nil, ErrOutOfCapacity
	}
	offset := r.used
	r.buf = r.buf[:r.used+size]
	r.used += size
	out := r.buf[offset : offset+size]
	// A cleared region reuses its backing array; zero the bytes handed
	// out so a new allocation never exposes the previous frame's data.
	for i := range out {
		out[i] = 0
	}
	return out, nil
}

func (r *region) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.used = 0
}

// systemEntry is a System-mode live allocation.
type systemEntry struct {
	buf []byte
}

// defaultEntry is a Default-mode live allocation; live entries are kept
// in a map and swept by CompactDefault.
type defaultEntry struct {
	buf  []byte
	live bool
}

// Bridge is the default Allocator implementation, constructed with the
// region sizes its caller needs for Static/Frame/DFrame mode.
type Bridge struct {
	mu      sync.Mutex
	nextH   uint64
	system  map[Handle]*systemEntry
	def     map[Handle]*defaultEntry
	static  *region
	frame   *region
	dframe  [2]*region
	dActive int
}

// NewBridge creates a Bridge. staticCap/frameCap/dframeCap size the
// Static, Frame, and (each half of) DFrame regions respectively; pass 0
// for a mode the caller never uses.
func NewBridge(staticCap, frameCap, dframeCap int) *Bridge {
	b := &Bridge{
		system: make(map[Handle]*systemEntry),
		def:    make(map[Handle]*defaultEntry),
		static: newRegion(staticCap),
		frame:  newRegion(frameCap),
	}
	b.dframe[0] = newRegion(dframeCap)
	b.dframe[1] = newRegion(dframeCap)
	return b
}

func (b *Bridge) newHandle() Handle {
	b.mu.Lock()
	b.nextH++
	h := Handle(b.nextH)
	b.mu.Unlock()
	return h
}

// Alloc returns a handle to a zeroed, size-byte allocation backed by the
// given mode.
func (b *Bridge) Alloc(size int, mode Mode) (Handle, error) {
	switch mode {
	case System:
		h := b.newHandle()
		b.mu.Lock()
		b.system[h] = &systemEntry{buf: make([]byte, size)}
		b.mu.Unlock()
		return h, nil

	case Default:
		h := b.newHandle()
		b.mu.Lock()
		b.def[h] = &defaultEntry{buf: make([]byte, size), live: true}
		b.mu.Unlock()
		return h, nil

	case Static:
		return b.allocRegion(b.static, size)

	case Frame:
		return b.allocRegion(b.frame, size)

	case DFrame:
		b.mu.Lock()
		active := b.dframe[b.dActive]
		b.mu.Unlock()
		return b.allocRegion(active, size)

	default:
		return 0, errors.New("alloc: unknown mode")
	}
}

// allocRegion hands out a region-backed handle. The returned slice
// already aliases the region's backing array at the right offset, so
// Addr can serve it from the same table System handles use.
func (b *Bridge) allocRegion(r *region, size int) (Handle, error) {
	buf, err := r.alloc(size)
	if err != nil {
		return 0, err
	}
	h := b.newHandle()
	b.mu.Lock()
	b.system[h] = &systemEntry{buf: buf}
	b.mu.Unlock()
	return h, nil
}

// Addr resolves a handle to its backing bytes.
func (b *Bridge) Addr(h Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.system[h]; ok {
		return e.buf, nil
	}
	if e, ok := b.def[h]; ok && e.live {
		return e.buf, nil
	}
	return nil, ErrInvalidHandle
}

// Free releases a handle. System and Default handles are freed
// individually; Static/Frame/DFrame handles are no-ops here, consistent
// with those modes' arena-lifetime semantics: Frame and DFrame space is
// reclaimed wholesale by ClearFrame, and Static space is never reclaimed.
func (b *Bridge) Free(h Handle, mode Mode) error {
	switch mode {
	case System:
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.system[h]; !ok {
			return ErrInvalidHandle
		}
		delete(b.system, h)
		return nil

	case Default:
		b.mu.Lock()
		defer b.mu.Unlock()
		e, ok := b.def[h]
		if !ok {
			return ErrInvalidHandle
		}
		e.live = false
		return nil

	case Static, Frame, DFrame:
		return nil

	default:
		return errors.New("alloc: unknown mode")
	}
}

// CompactDefault sweeps the Default-mode table, dropping entries marked
// not-live by Free. A mark-and-compact allocator normally also needs a
// compaction half to reclaim and coalesce the underlying storage; this
// implementation only needs the sweep half since Go's own garbage
// collector already reclaims the dropped byte slices.
func (b *Bridge) CompactDefault() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, e := range b.def {
		if !e.live {
			delete(b.def, h)
		}
	}
}

// ClearFrame wholesale-clears the Frame region, and for DFrame flips
// which of the two backing regions is active (so the frame just
// finished remains readable for one more cycle via handles taken from
// it, while new allocations land in the other half).
func (b *Bridge) ClearFrame() {
	b.frame.clear()

	b.mu.Lock()
	next := 1 - b.dActive
	b.dActive = next
	b.mu.Unlock()
	b.dframe[next].clear()
}
