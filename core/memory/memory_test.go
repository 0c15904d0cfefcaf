package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/storage_engine/pagefile"
	"go.uber.org/zap"
)

const userBase memory.VirtAddr = 0x20000000

// testSpace hands out consecutive ranges of the server directory.
type testSpace struct {
	dir  *memory.PageDirectory
	next memory.VirtAddr
}

func (s *testSpace) Directory() *memory.PageDirectory {
	return s.dir
}

func (s *testSpace) Reserve(pages int, _ memory.Permissions, _ bool) (memory.Reservation, error) {
	r := &testReservation{dir: s.dir, start: s.next, pages: pages}
	s.next += memory.VirtAddr(memory.PagesToBytes(pages))
	return r, nil
}

type testReservation struct {
	dir   *memory.PageDirectory
	start memory.VirtAddr
	pages int
}

func (r *testReservation) Start() memory.VirtAddr { return r.start }
func (r *testReservation) Pages() int             { return r.pages }
func (r *testReservation) Release()               { r.dir = nil }

func (r *testReservation) Close() error {
	if r.dir != nil {
		r.dir.UnmapRange(r.start, r.pages)
		r.dir = nil
	}
	return nil
}

type vm struct {
	machine *hal.Machine
	frames  *memory.FrameTable
	swap    *memory.Swap
	user    *memory.PageDirectory
}

// setupVM boots a machine with the given number of frames, a frame table
// whose metadata takes the first frame, a swap and one user directory.
func setupVM(t *testing.T, frames int) *vm {
	t.Helper()
	logger := zap.NewNop()
	m, err := hal.NewMachine(hal.MachineConfig{PhysicalBase: 0x100000, Frames: frames, PageTables: 64}, logger)
	require.NoError(t, err)

	ft := memory.NewFrameTable(m, logger, nil)
	server, err := memory.NewPageDirectory(m, ft, logger)
	require.NoError(t, err)
	space := &testSpace{dir: server, next: memory.MmapStart}
	require.NoError(t, ft.Init(space))

	swap, err := memory.NewSwap(ft, space, logger, nil)
	require.NoError(t, err)
	user, err := memory.NewPageDirectory(m, ft, logger)
	require.NoError(t, err)
	return &vm{machine: m, frames: ft, swap: swap, user: user}
}

func pageAddr(i int) memory.VirtAddr {
	return userBase + memory.VirtAddr(i*memory.PageSize)
}

// settled requires f to have completed and returns its outcome.
func settled[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	require.True(t, f.Done(), "future is still pending")
	return f.Result()
}

// touch makes page i resident in the user directory and stores a marker.
func (v *vm) touch(t *testing.T, i int) *memory.MappedPage {
	t.Helper()
	mp, err := settled(t, v.user.MakeResident(pageAddr(i), memory.ReadWrite, false))
	require.NoError(t, err)
	require.NoError(t, v.machine.Write(v.user.Cap(), uint64(pageAddr(i)), []byte{byte(i + 1), 0xaa}))
	return mp
}

// load reads the marker of page i back through the hardware mapping.
func (v *vm) load(t *testing.T, i int) []byte {
	t.Helper()
	_, err := settled(t, v.user.MakeResident(pageAddr(i), memory.ReadWrite, false))
	require.NoError(t, err)
	out := make([]byte, 2)
	require.NoError(t, v.machine.Read(v.user.Cap(), uint64(pageAddr(i)), out))
	return out
}

func status(t *testing.T, v *vm, i int) memory.Status {
	t.Helper()
	mp, ok := v.user.Lookup(pageAddr(i))
	require.True(t, ok)
	return mp.Page().Status()
}

func TestFrameTableInit(t *testing.T) {
	v := setupVM(t, 16)

	stats := v.frames.Stats()
	require.Equal(t, 16, stats.Total)
	require.Equal(t, 1, stats.Metadata)
	require.Equal(t, 1, stats.Used)
	require.Equal(t, 1, stats.Locked, "the metadata frame is pinned")

	used, total := v.frames.Usage()
	require.EqualValues(t, 1, used)
	require.EqualValues(t, 16, total)
}

func TestPageLifecycle(t *testing.T) {
	v := setupVM(t, 8)

	// 1. A fresh page is UNMAPPED and owns one frame.
	page, err := settled(t, v.frames.Alloc())
	require.NoError(t, err)
	require.Equal(t, memory.StatusUnmapped, page.Status())
	require.True(t, page.IsResident())
	require.Equal(t, 2, v.frames.Used())

	// 2. Mapping makes it REFERENCED; a locked mapping would pin it.
	mp, err := v.user.Map(page, pageAddr(0), memory.ReadWrite, false)
	require.NoError(t, err)
	require.Equal(t, memory.StatusReferenced, page.Status())
	require.False(t, mp.Locked())

	// 3. Copies alias the same frame.
	cp, err := page.Copy()
	require.NoError(t, err)
	require.Equal(t, memory.StatusUnmapped, cp.Status())
	require.Equal(t, 2, page.Copies())
	f1, _ := page.Frame()
	f2, _ := cp.Frame()
	require.Equal(t, f1, f2)

	// 4. The frame goes back with the last copy.
	require.NoError(t, v.user.Unmap(pageAddr(0)))
	require.Equal(t, 2, v.frames.Used())
	cp.Release()
	require.Equal(t, memory.StatusInvalid, cp.Status())
	require.Equal(t, 1, v.frames.Used())

	// Releasing twice is harmless, copying an invalid page is not.
	cp.Release()
	_, err = cp.Copy()
	require.ErrorIs(t, err, memory.ErrInvalidPage)
}

func TestMapRejectsBadInput(t *testing.T) {
	v := setupVM(t, 8)

	page, err := settled(t, v.frames.Alloc())
	require.NoError(t, err)
	_, err = v.user.Map(page, pageAddr(0)+1, memory.ReadWrite, false)
	require.ErrorIs(t, err, memory.ErrInvalidArgument)
	require.Equal(t, memory.StatusInvalid, page.Status(), "Map releases the page it rejects")

	_, err = v.user.Map(page, pageAddr(0), memory.ReadWrite, false)
	require.ErrorIs(t, err, memory.ErrInvalidPage)

	v.touch(t, 0)
	page, err = settled(t, v.frames.Alloc())
	require.NoError(t, err)
	_, err = v.user.Map(page, pageAddr(0), memory.ReadWrite, false)
	require.ErrorIs(t, err, memory.ErrAlreadyMapped)
	require.Equal(t, 2, v.frames.Used())
}

func TestMakeResidentAllocatesOnFirstTouch(t *testing.T) {
	v := setupVM(t, 8)

	mp := v.touch(t, 3)
	require.Equal(t, pageAddr(3), mp.Address())
	require.Equal(t, memory.StatusReferenced, mp.Page().Status())
	require.Equal(t, []byte{4, 0xaa}, v.load(t, 3))
	require.Equal(t, 1, v.user.Resident())
	require.Equal(t, 1, v.user.Tables())

	// Same address, same permissions: nothing changes.
	again, err := settled(t, v.user.MakeResident(pageAddr(3)+10, memory.ReadWrite, false))
	require.NoError(t, err)
	require.Same(t, mp, again)

	_, err = settled(t, v.user.MakeResident(pageAddr(3), memory.Permissions{Read: true}, false))
	require.ErrorIs(t, err, memory.ErrNotImplemented)
}

func TestUnmapRangeDropsEmptyTables(t *testing.T) {
	v := setupVM(t, 8)
	for i := 0; i < 3; i++ {
		v.touch(t, i)
	}
	require.Equal(t, 4, v.frames.Used())

	v.user.UnmapRange(pageAddr(0), 3)
	require.Equal(t, 0, v.user.Resident())
	require.Equal(t, 0, v.user.Tables())
	require.Equal(t, 1, v.frames.Used())

	require.ErrorIs(t, v.user.Unmap(pageAddr(0)), memory.ErrNotMapped)
}

func TestAllocFailsWithoutSwap(t *testing.T) {
	v := setupVM(t, 2)
	v.touch(t, 0)

	_, err := settled(t, v.user.MakeResident(pageAddr(1), memory.ReadWrite, false))
	require.ErrorIs(t, err, memory.ErrNoMemory)
	require.ErrorIs(t, err, memory.ErrNoBackingStore)

	// Failed first touches in new ranges leave no page tables behind.
	tables := v.machine.Stats().PageTables
	for i := 1; i <= 5; i++ {
		addr := userBase + memory.VirtAddr(i)*memory.PageTableSpan
		_, err := settled(t, v.user.MakeResident(addr, memory.ReadWrite, false))
		require.ErrorIs(t, err, memory.ErrNoMemory)
	}
	require.Equal(t, 1, v.user.Tables())
	require.Equal(t, tables, v.machine.Stats().PageTables)
}

func TestSwapRoundTrip(t *testing.T) {
	v := setupVM(t, 4)
	store := pagefile.NewMemStore(4*memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))

	// 1. Fill physical memory: the metadata frame plus three user pages.
	for i := 0; i < 3; i++ {
		v.touch(t, i)
	}
	require.Equal(t, 4, v.frames.Used())

	// 2. The fourth page forces the clock to evict all three.
	v.touch(t, 3)
	for i := 0; i < 3; i++ {
		require.Equal(t, memory.StatusSwapped, status(t, v, i))
	}
	stats := v.swap.Stats()
	require.Equal(t, 3, stats.Entries)
	require.Equal(t, 1, stats.UsedSlots)
	require.Equal(t, 2, v.frames.Used())
	_, writes := store.Transfers()
	require.Equal(t, 1, writes, "a batch is written with one transfer")

	// 3. Touching a swapped page reads it back.
	require.Equal(t, []byte{1, 0xaa}, v.load(t, 0))
	require.Equal(t, memory.StatusReferenced, status(t, v, 0))
	require.Equal(t, 2, v.swap.Stats().Entries)

	// 4. Releasing the remaining swapped pages frees the slot.
	v.user.UnmapRange(pageAddr(1), 2)
	stats = v.swap.Stats()
	require.Equal(t, 0, stats.Entries)
	require.Equal(t, 0, stats.UsedSlots)
}

func TestSwapOutFailureEvictsNothing(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*pagefile.MemStore)
	}{
		{name: "failed write", inject: func(s *pagefile.MemStore) { s.FailWrites(1) }},
		{name: "short write", inject: func(s *pagefile.MemStore) { s.ShortWrites(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := setupVM(t, 4)
			store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
			require.NoError(t, v.swap.AddBackingStore(store, store.Size()))
			for i := 0; i < 3; i++ {
				v.touch(t, i)
			}
			tt.inject(store)

			_, err := settled(t, v.user.MakeResident(pageAddr(3), memory.ReadWrite, false))
			require.ErrorIs(t, err, memory.ErrNoMemory)
			require.ErrorIs(t, err, memory.ErrIO)

			// Every page is still resident with its contents.
			require.Equal(t, 0, v.swap.Stats().Entries)
			require.Equal(t, 0, v.swap.Stats().UsedSlots)
			require.Equal(t, 4, v.frames.Used())
			for i := 0; i < 3; i++ {
				require.NotEqual(t, memory.StatusSwapped, status(t, v, i))
				require.Equal(t, []byte{byte(i + 1), 0xaa}, v.load(t, i))
			}
		})
	}
}

func TestSwapOutAbortsWhenPageTouchedDuringWrite(t *testing.T) {
	v := setupVM(t, 4)
	loop := async.NewLoop(zap.NewNop(), 64)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, loop)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))
	for i := 0; i < 3; i++ {
		v.touch(t, i)
	}

	// 1. The eviction is now waiting for the write.
	f := v.user.MakeResident(pageAddr(3), memory.ReadWrite, false)
	require.False(t, f.Done())

	// 2. The thread touches page 1 while the write is in flight.
	require.Equal(t, memory.StatusUnreferenced, status(t, v, 1))
	require.Equal(t, []byte{2, 0xaa}, v.load(t, 1))

	// 3. The written batch is stale, so nothing is swapped.
	loop.Drain()
	_, err := settled(t, f)
	require.ErrorIs(t, err, memory.ErrNoMemory)
	require.Equal(t, 0, v.swap.Stats().Entries)
	for i := 0; i < 3; i++ {
		require.Equal(t, []byte{byte(i + 1), 0xaa}, v.load(t, i))
	}
}

func TestPageReleasedDuringSwapOut(t *testing.T) {
	v := setupVM(t, 4)
	loop := async.NewLoop(zap.NewNop(), 64)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, loop)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))
	for i := 0; i < 3; i++ {
		v.touch(t, i)
	}

	f := v.user.MakeResident(pageAddr(3), memory.ReadWrite, false)
	require.False(t, f.Done())
	require.NoError(t, v.user.Unmap(pageAddr(1)))

	loop.Drain()
	_, err := settled(t, f)
	require.NoError(t, err)

	stats := v.swap.Stats()
	require.Equal(t, 2, stats.Entries, "the released page is not committed")
	require.Equal(t, memory.StatusSwapped, status(t, v, 0))
	require.Equal(t, memory.StatusSwapped, status(t, v, 2))
	require.Equal(t, 2, v.frames.Used())
}

func TestEvictionBatchIsBounded(t *testing.T) {
	v := setupVM(t, 13)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))

	for i := 0; i < 12; i++ {
		v.touch(t, i)
	}
	require.Equal(t, 13, v.frames.Used())

	v.touch(t, 12)
	stats := v.swap.Stats()
	require.Equal(t, memory.ParallelSwaps, stats.Entries)
	require.Equal(t, 1, stats.UsedSlots)
	require.Equal(t, 13-memory.ParallelSwaps+1, v.frames.Used())

	// 2. With the only slot taken the next eviction has nowhere to go.
	for i := 13; v.frames.Used() < 13; i++ {
		v.touch(t, i)
	}
	_, err := settled(t, v.user.MakeResident(pageAddr(100), memory.ReadWrite, false))
	require.ErrorIs(t, err, memory.ErrNoMemory)
	require.Equal(t, 1, v.swap.Stats().UsedSlots)
}

func TestLockedPageIsNeverEvicted(t *testing.T) {
	v := setupVM(t, 4)
	store := pagefile.NewMemStore(4*memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))

	// 1. Pin page 0 and fill the rest of memory.
	pinned, err := settled(t, v.user.MakeResident(pageAddr(0), memory.ReadWrite, true))
	require.NoError(t, err)
	require.Equal(t, memory.StatusLocked, pinned.Page().Status())
	v.touch(t, 1)
	v.touch(t, 2)
	require.Equal(t, 4, v.frames.Used())

	// 2. The clock passes the pinned frame over twice.
	v.touch(t, 3)
	require.Equal(t, memory.StatusLocked, status(t, v, 0))
	require.Equal(t, memory.StatusSwapped, status(t, v, 1))
	require.Equal(t, memory.StatusSwapped, status(t, v, 2))
	require.Equal(t, 2, v.swap.Stats().Entries)

	// 3. Further pressure keeps evicting around it.
	v.touch(t, 4)
	v.touch(t, 5)
	require.Equal(t, 4, v.swap.Stats().Entries)
	require.Equal(t, memory.StatusLocked, status(t, v, 0))
	_, ok := pinned.Page().SwapID()
	require.False(t, ok, "the pinned page was never staged")
}

func TestSwapOutSkipsLockedAndReferencedFrames(t *testing.T) {
	v := setupVM(t, 8)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))

	locked, err := settled(t, v.user.MakeResident(pageAddr(0), memory.ReadWrite, true))
	require.NoError(t, err)
	referenced := v.touch(t, 1)
	require.Equal(t, memory.StatusReferenced, referenced.Page().Status())
	lockedID, ok := locked.Page().Frame()
	require.True(t, ok)
	referencedID, ok := referenced.Page().Frame()
	require.True(t, ok)

	_, err = settled(t, v.swap.SwapOut([]memory.FrameID{lockedID, referencedID}))
	require.ErrorIs(t, err, memory.ErrNoMemory)
	require.ErrorContains(t, err, "no evictable frame")

	require.Equal(t, memory.StatusLocked, status(t, v, 0))
	require.Equal(t, memory.StatusReferenced, status(t, v, 1))
	require.Equal(t, 0, v.swap.Stats().UsedSlots)
	_, writes := store.Transfers()
	require.Equal(t, 0, writes)
}

func TestSwapInRestoresEveryCopy(t *testing.T) {
	v := setupVM(t, 4)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))
	for i := 0; i < 4; i++ {
		v.touch(t, i)
	}
	mp, ok := v.user.Lookup(pageAddr(0))
	require.True(t, ok)
	require.Equal(t, memory.StatusSwapped, mp.Page().Status())

	// 1. A copy of a swapped page joins the same entry.
	cp, err := mp.Page().Copy()
	require.NoError(t, err)
	require.Equal(t, memory.StatusSwapped, cp.Status())
	id, ok := cp.SwapID()
	require.True(t, ok)
	orig, _ := mp.Page().SwapID()
	require.Equal(t, orig, id)

	// 2. Swapping in restores both onto one frame, unreferenced.
	_, err = settled(t, v.swap.SwapIn(mp.Page()))
	require.NoError(t, err)
	require.Equal(t, memory.StatusUnreferenced, cp.Status())
	require.Equal(t, memory.StatusUnreferenced, mp.Page().Status())
	f1, ok := cp.Frame()
	require.True(t, ok)
	f2, _ := mp.Page().Frame()
	require.Equal(t, f1, f2)

	cp.Release()
	require.Equal(t, []byte{1, 0xaa}, v.load(t, 0))
}

func TestSwapInFailureKeepsPageSwapped(t *testing.T) {
	v := setupVM(t, 4)
	store := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(store, store.Size()))
	for i := 0; i < 4; i++ {
		v.touch(t, i)
	}

	store.ShortReads(1)
	_, err := settled(t, v.user.MakeResident(pageAddr(0), memory.ReadWrite, false))
	require.ErrorIs(t, err, memory.ErrIO)
	require.Equal(t, memory.StatusSwapped, status(t, v, 0))

	require.Equal(t, []byte{1, 0xaa}, v.load(t, 0))
}

func TestAddBackingStoreValidation(t *testing.T) {
	v := setupVM(t, 4)
	store := pagefile.NewMemStore(memory.PageSize, nil)

	require.ErrorIs(t, v.swap.AddBackingStore(store, 100), memory.ErrInvalidArgument)
	require.ErrorIs(t, v.swap.AddBackingStore(store, memory.PageSize), memory.ErrInvalidArgument)

	big := pagefile.NewMemStore(memory.ParallelSwaps*memory.PageSize, nil)
	require.NoError(t, v.swap.AddBackingStore(big, big.Size()))
	require.ErrorIs(t, v.swap.AddBackingStore(big, big.Size()), memory.ErrInvalidArgument)
}

func TestPermissionsCheck(t *testing.T) {
	tests := []struct {
		perms  memory.Permissions
		access memory.Access
		ok     bool
	}{
		{memory.ReadWrite, memory.AccessRead, true},
		{memory.ReadWrite, memory.AccessWrite, true},
		{memory.ReadWrite, memory.AccessExecute, false},
		{memory.Permissions{Read: true}, memory.AccessWrite, false},
		{memory.Permissions{}, memory.AccessRead, false},
		{memory.Permissions{}, 0, true},
	}
	for _, tt := range tests {
		err := tt.perms.Check(tt.access)
		if tt.ok {
			require.NoError(t, err, "%s %s", tt.perms, tt.access)
		} else {
			require.ErrorIs(t, err, memory.ErrAccessViolation, "%s %s", tt.perms, tt.access)
		}
	}
	require.Equal(t, "rw-", memory.ReadWrite.String())
	require.Equal(t, "read|write", (memory.AccessRead | memory.AccessWrite).String())
}

func TestLayoutHelpers(t *testing.T) {
	require.Equal(t, 0, memory.BytesToPages(0))
	require.Equal(t, 1, memory.BytesToPages(1))
	require.Equal(t, 2, memory.BytesToPages(memory.PageSize+1))
	require.Equal(t, memory.VirtAddr(0x1000), memory.PageAlign(0x1fff))
	require.Equal(t, memory.VirtAddr(0x100000), memory.PageTableAlign(0x1fffff))
	require.True(t, memory.IsPageAligned(0x2000))
}
