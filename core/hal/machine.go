package hal

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
)

// MachineConfig sizes a simulated machine.
type MachineConfig struct {
	PhysicalBase PhysAddr `yaml:"physical_base"`
	// Frames is the number of physical pages handed to the untyped allocator.
	Frames int `yaml:"frames"`
	// PageTables bounds the number of second-level table objects.
	PageTables int `yaml:"page_tables"`
	// CapSlots bounds the number of live capabilities. Zero means unbounded.
	CapSlots int `yaml:"cap_slots"`
}

type capKind uint8

const (
	capPage capKind = iota + 1
	capPageTable
	capPageDirectory
)

type capability struct {
	kind capKind
	phys PhysAddr

	// For pages: the mapping, if any. For tables: the owning directory and
	// the table-aligned base address.
	dir    Cap
	vaddr  uint64
	mapped bool
	rights Rights
	attrs  VMAttributes
}

type pageTable struct {
	cap     Cap
	entries map[uint64]Cap
}

type pageDirectory struct {
	tables map[uint64]*pageTable
}

// MachineStats is a snapshot of the simulated kernel's resources.
type MachineStats struct {
	TotalFrames int `json:"total_frames"`
	FreeFrames  int `json:"free_frames"`
	LiveCaps    int `json:"live_caps"`
	PageTables  int `json:"page_tables"`
}

// Machine is an in-process implementation of Platform. Physical memory is a
// byte slice and capabilities are entries in a table, which makes every
// leak or double free observable.
type Machine struct {
	mu     sync.Mutex
	logger *zap.Logger
	config MachineConfig

	memory   []byte
	free     *bitset.BitSet // set bit = frame available to the untyped allocator
	hint     uint
	caps     map[Cap]*capability
	nextCap  Cap
	physRefs map[PhysAddr]int
	dirs     map[Cap]*pageDirectory
	tables   int

	failMaps int
}

// NewMachine creates a machine with config.Frames pages of zeroed memory.
func NewMachine(config MachineConfig, logger *zap.Logger) (*Machine, error) {
	if config.Frames <= 0 {
		return nil, fmt.Errorf("machine needs at least one frame, got %d", config.Frames)
	}
	if config.PhysicalBase%PageSize != 0 {
		return nil, fmt.Errorf("physical base 0x%x is not page aligned", config.PhysicalBase)
	}
	if config.PageTables <= 0 {
		config.PageTables = 4096
	}
	free := bitset.New(uint(config.Frames))
	for i := uint(0); i < uint(config.Frames); i++ {
		free.Set(i)
	}
	return &Machine{
		logger:   logger.Named("hal"),
		config:   config,
		memory:   make([]byte, config.Frames*PageSize),
		free:     free,
		caps:     make(map[Cap]*capability),
		nextCap:  1,
		physRefs: make(map[PhysAddr]int),
		dirs:     make(map[Cap]*pageDirectory),
	}, nil
}

func (m *Machine) MemoryRange() (PhysAddr, PhysAddr) {
	return m.config.PhysicalBase, m.config.PhysicalBase + PhysAddr(m.config.Frames*PageSize)
}

// InjectMapFailures makes the next n MapPage calls fail.
func (m *Machine) InjectMapFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMaps = n
}

func (m *Machine) Stats() MachineStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MachineStats{
		TotalFrames: m.config.Frames,
		FreeFrames:  int(m.free.Count()),
		LiveCaps:    len(m.caps),
		PageTables:  m.tables,
	}
}

func (m *Machine) frameIndex(phys PhysAddr) (uint, error) {
	start, end := m.MemoryRange()
	if phys < start || phys >= end || phys%PageSize != 0 {
		return 0, fmt.Errorf("%w: physical address 0x%x outside managed memory", ErrInvalidCap, phys)
	}
	return uint((phys - start) / PageSize), nil
}

func (m *Machine) UntypedAlloc() (PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.free.NextSet(m.hint)
	if !ok {
		idx, ok = m.free.NextSet(0)
	}
	if !ok {
		return 0, ErrUntypedExhausted
	}
	m.free.Clear(idx)
	m.hint = idx + 1
	return m.config.PhysicalBase + PhysAddr(idx*PageSize), nil
}

func (m *Machine) UntypedFree(phys PhysAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.frameIndex(phys)
	if err != nil {
		return err
	}
	if m.free.Test(idx) {
		return fmt.Errorf("%w: frame 0x%x freed twice", ErrInvalidCap, phys)
	}
	if m.physRefs[phys] > 0 {
		return fmt.Errorf("%w: 0x%x has %d", ErrCapsOutstanding, phys, m.physRefs[phys])
	}
	m.free.Set(idx)
	return nil
}

// newCap must be called with m.mu held.
func (m *Machine) newCap(c *capability) (Cap, error) {
	if m.config.CapSlots > 0 && len(m.caps) >= m.config.CapSlots {
		return NullCap, ErrNoCapSlots
	}
	id := m.nextCap
	m.nextCap++
	m.caps[id] = c
	if c.kind == capPage {
		m.physRefs[c.phys]++
	}
	return id, nil
}

// RetypePage turns an allocated untyped frame into a page object. The frame
// is zeroed.
func (m *Machine) RetypePage(phys PhysAddr) (Cap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.frameIndex(phys)
	if err != nil {
		return NullCap, err
	}
	if m.free.Test(idx) {
		return NullCap, fmt.Errorf("%w: frame 0x%x is not allocated", ErrInvalidCap, phys)
	}
	off := int(idx) * PageSize
	clear(m.memory[off : off+PageSize])
	return m.newCap(&capability{kind: capPage, phys: phys})
}

func (m *Machine) CopyCap(c Cap) (Cap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.caps[c]
	if !ok || src.kind != capPage {
		return NullCap, fmt.Errorf("%w: copy of %d", ErrInvalidCap, c)
	}
	return m.newCap(&capability{kind: capPage, phys: src.phys})
}

func (m *Machine) DeleteCap(c Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.caps[c]
	if !ok || obj.kind != capPage {
		return fmt.Errorf("%w: delete of %d", ErrInvalidCap, c)
	}
	if obj.mapped {
		m.unmapLocked(c, obj)
	}
	delete(m.caps, c)
	m.physRefs[obj.phys]--
	if m.physRefs[obj.phys] == 0 {
		delete(m.physRefs, obj.phys)
	}
	return nil
}

func (m *Machine) NewPageDirectory() (Cap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.newCap(&capability{kind: capPageDirectory})
	if err != nil {
		return NullCap, err
	}
	m.dirs[c] = &pageDirectory{tables: make(map[uint64]*pageTable)}
	return c, nil
}

func (m *Machine) DeletePageDirectory(dir Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dirs[dir]
	if !ok {
		return fmt.Errorf("%w: directory %d", ErrInvalidCap, dir)
	}
	for _, t := range d.tables {
		m.deleteTableLocked(d, t)
	}
	delete(m.dirs, dir)
	delete(m.caps, dir)
	return nil
}

func (m *Machine) NewPageTable(dir Cap, vaddr uint64) (Cap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dirs[dir]
	if !ok {
		return NullCap, fmt.Errorf("%w: directory %d", ErrInvalidCap, dir)
	}
	slot := vaddr >> PageTableBits
	if _, exists := d.tables[slot]; exists {
		return NullCap, fmt.Errorf("%w: table for 0x%x", ErrDeleteFirst, vaddr)
	}
	if m.tables >= m.config.PageTables {
		return NullCap, ErrNoPageTables
	}
	c, err := m.newCap(&capability{kind: capPageTable, dir: dir, vaddr: slot << PageTableBits})
	if err != nil {
		return NullCap, err
	}
	d.tables[slot] = &pageTable{cap: c, entries: make(map[uint64]Cap)}
	m.tables++
	return c, nil
}

func (m *Machine) DeletePageTable(table Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.caps[table]
	if !ok || obj.kind != capPageTable {
		return fmt.Errorf("%w: table %d", ErrInvalidCap, table)
	}
	if d, ok := m.dirs[obj.dir]; ok {
		if t, ok := d.tables[obj.vaddr>>PageTableBits]; ok && t.cap == table {
			m.deleteTableLocked(d, t)
			return nil
		}
	}
	delete(m.caps, table)
	m.tables--
	return nil
}

// deleteTableLocked unmaps every page still in t. Must be called with m.mu
// held.
func (m *Machine) deleteTableLocked(d *pageDirectory, t *pageTable) {
	for _, pc := range t.entries {
		if obj, ok := m.caps[pc]; ok {
			obj.mapped = false
		}
	}
	obj := m.caps[t.cap]
	delete(d.tables, obj.vaddr>>PageTableBits)
	delete(m.caps, t.cap)
	m.tables--
}

func (m *Machine) MapPage(page, dir Cap, vaddr uint64, rights Rights, attrs VMAttributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failMaps > 0 {
		m.failMaps--
		return fmt.Errorf("%w: map of 0x%x", ErrInjected, vaddr)
	}
	obj, ok := m.caps[page]
	if !ok || obj.kind != capPage {
		return fmt.Errorf("%w: page %d", ErrInvalidCap, page)
	}
	if obj.mapped {
		return fmt.Errorf("%w: page %d already mapped at 0x%x", ErrDeleteFirst, page, obj.vaddr)
	}
	if vaddr%PageSize != 0 {
		return fmt.Errorf("%w: unaligned vaddr 0x%x", ErrInvalidCap, vaddr)
	}
	d, ok := m.dirs[dir]
	if !ok {
		return fmt.Errorf("%w: directory %d", ErrInvalidCap, dir)
	}
	t, ok := d.tables[vaddr>>PageTableBits]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrFailedLookup, vaddr)
	}
	if _, taken := t.entries[vaddr>>PageBits]; taken {
		return fmt.Errorf("%w: 0x%x", ErrDeleteFirst, vaddr)
	}
	t.entries[vaddr>>PageBits] = page
	obj.dir, obj.vaddr, obj.mapped = dir, vaddr, true
	obj.rights, obj.attrs = rights, attrs
	return nil
}

func (m *Machine) UnmapPage(page Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.caps[page]
	if !ok || obj.kind != capPage {
		return fmt.Errorf("%w: page %d", ErrInvalidCap, page)
	}
	if obj.mapped {
		m.unmapLocked(page, obj)
	}
	return nil
}

// unmapLocked must be called with m.mu held.
func (m *Machine) unmapLocked(page Cap, obj *capability) {
	if d, ok := m.dirs[obj.dir]; ok {
		if t, ok := d.tables[obj.vaddr>>PageTableBits]; ok && t.entries[obj.vaddr>>PageBits] == page {
			delete(t.entries, obj.vaddr>>PageBits)
		}
	}
	obj.mapped = false
}

// translate must be called with m.mu held.
func (m *Machine) translate(dir Cap, vaddr uint64, write bool) (int, error) {
	d, ok := m.dirs[dir]
	if !ok {
		return 0, fmt.Errorf("%w: directory %d", ErrInvalidCap, dir)
	}
	fault := &Fault{Addr: vaddr, Write: write}
	t, ok := d.tables[vaddr>>PageTableBits]
	if !ok {
		return 0, fault
	}
	pc, ok := t.entries[vaddr>>PageBits]
	if !ok {
		return 0, fault
	}
	obj := m.caps[pc]
	fault.Present = true
	if write && obj.rights&RightWrite == 0 {
		return 0, fault
	}
	if !write && obj.rights&(RightRead|RightWrite) == 0 {
		return 0, fault
	}
	idx, err := m.frameIndex(obj.phys)
	if err != nil {
		return 0, err
	}
	return int(idx)*PageSize + int(vaddr%PageSize), nil
}

func (m *Machine) access(dir Cap, vaddr uint64, p []byte, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for done := 0; done < len(p); {
		va := vaddr + uint64(done)
		off, err := m.translate(dir, va, write)
		if err != nil {
			return err
		}
		n := min(len(p)-done, PageSize-int(va%PageSize))
		if write {
			copy(m.memory[off:off+n], p[done:done+n])
		} else {
			copy(p[done:done+n], m.memory[off:off+n])
		}
		done += n
	}
	return nil
}

func (m *Machine) Read(dir Cap, vaddr uint64, p []byte) error {
	return m.access(dir, vaddr, p, false)
}

func (m *Machine) Write(dir Cap, vaddr uint64, p []byte) error {
	return m.access(dir, vaddr, p, true)
}

var _ Platform = (*Machine)(nil)
