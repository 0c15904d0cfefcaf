// Package syscall implements the memory system calls on top of a process's
// mapping table. Arguments use the Linux encodings from golang.org/x/sys/unix.
package syscall

import (
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/mappings"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	"golang.org/x/sys/unix"
)

const (
	knownProt  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	knownFlags = unix.MAP_SHARED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
)

func checkRange(addr memory.VirtAddr, length uint64) error {
	if !memory.IsPageAligned(addr) || length%memory.PageSize != 0 {
		return fmt.Errorf("%w: 0x%x+0x%x is not page aligned", memory.ErrInvalidArgument, addr, length)
	}
	if length == 0 {
		return fmt.Errorf("%w: zero length", memory.ErrInvalidArgument)
	}
	return nil
}

// Mmap2 maps an anonymous region and returns its start. Mappings made by
// the server process are locked and faulted in before Mmap2 returns, since
// the server cannot take faults on itself.
func Mmap2(proc *process.Process, addr memory.VirtAddr, length uint64, prot, flags, fd int, offset int64) (memory.VirtAddr, error) {
	if err := checkRange(addr, length); err != nil {
		return 0, err
	}
	if prot&^knownProt != 0 {
		return 0, fmt.Errorf("%w: unknown protection bits 0x%x", memory.ErrInvalidArgument, prot&^knownProt)
	}
	if flags&^knownFlags != 0 {
		return 0, fmt.Errorf("%w: mmap flags 0x%x", memory.ErrNotImplemented, flags&^knownFlags)
	}
	shared, private := flags&unix.MAP_SHARED != 0, flags&unix.MAP_PRIVATE != 0
	if shared == private {
		return 0, fmt.Errorf("%w: exactly one of MAP_SHARED and MAP_PRIVATE is required", memory.ErrInvalidArgument)
	}
	if flags&unix.MAP_ANONYMOUS == 0 {
		return 0, fmt.Errorf("%w: file mappings (fd %d, offset %d)", memory.ErrNotImplemented, fd, offset)
	}

	perms := memory.Permissions{
		Read:    prot&unix.PROT_READ != 0,
		Write:   prot&unix.PROT_WRITE != 0,
		Execute: prot&unix.PROT_EXEC != 0,
	}
	mflags := mappings.Flags{
		Shared: shared,
		Fixed:  flags&unix.MAP_FIXED != 0,
		Locked: proc.IsServer(),
	}
	pages := int(length / memory.PageSize)
	scoped, err := proc.Mappings().Insert(addr, pages, perms, mflags, nil)
	if err != nil {
		return 0, err
	}
	if proc.IsServer() {
		if err := proc.PageFaultMultiple(scoped.Start(), pages, 0).Err(); err != nil {
			return 0, errors.Join(err, scoped.Close())
		}
	}
	scoped.Release()
	return scoped.Start(), nil
}

// Munmap removes [addr, addr+length) from the address space. Unmapped holes
// in the range are ignored.
func Munmap(proc *process.Process, addr memory.VirtAddr, length uint64) error {
	if err := checkRange(addr, length); err != nil {
		return err
	}
	return proc.Mappings().Erase(addr, int(length/memory.PageSize))
}

// Brk is not supported; allocators use Mmap2 instead.
func Brk(*process.Process, memory.VirtAddr) (memory.VirtAddr, error) {
	return 0, fmt.Errorf("%w: brk", memory.ErrNotImplemented)
}
