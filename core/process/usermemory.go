package process

import (
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
)

// maxResidencyRetries bounds how often a user copy re-faults pages that
// were evicted again before the copy could start.
const maxResidencyRetries = 4

// UserMemory is a byte range in a process's address space that the server
// reads or writes on the process's behalf.
type UserMemory struct {
	proc *Process
	addr memory.VirtAddr
}

// UserMemory returns a handle to the memory at addr.
func (p *Process) UserMemory(addr memory.VirtAddr) UserMemory {
	return UserMemory{proc: p, addr: addr}
}

func (u UserMemory) Address() memory.VirtAddr {
	return u.addr
}

// Read copies n bytes out of the process.
func (u UserMemory) Read(n int) *async.Future[[]byte] {
	buf := make([]byte, n)
	return async.Map(u.copy(buf, memory.AccessRead, false), func(struct{}) ([]byte, error) {
		return buf, nil
	})
}

// Write copies data into the process. The range must be writable.
func (u UserMemory) Write(data []byte) *async.Future[struct{}] {
	return u.copy(data, memory.AccessWrite, true)
}

// Load is Write without the permission check, for populating read-only or
// executable regions.
func (u UserMemory) Load(data []byte) *async.Future[struct{}] {
	return u.copy(data, 0, true)
}

func (u UserMemory) copy(buf []byte, access memory.Access, toUser bool) *async.Future[struct{}] {
	if len(buf) == 0 {
		return async.Ready(struct{}{})
	}
	end := uint64(u.addr) + uint64(len(buf))
	if end > uint64(memory.AddressSpaceEnd) {
		return async.Fail[struct{}](fmt.Errorf("%w: 0x%x + %d runs past the address space", memory.ErrAccessViolation, u.addr, len(buf)))
	}
	first := memory.PageAlign(u.addr)
	pages := memory.BytesToPages(end - uint64(first))
	return u.copyAttempt(buf, access, toUser, first, pages, maxResidencyRetries)
}

func (u UserMemory) copyAttempt(buf []byte, access memory.Access, toUser bool, first memory.VirtAddr, pages, retries int) *async.Future[struct{}] {
	p := u.proc
	return async.Then(p.PageFaultMultiple(first, pages, access), func(struct{}) *async.Future[struct{}] {
		// Earlier pages of the run may have been evicted while later ones
		// were being brought in.
		resident, err := p.residentPages(first, pages)
		if errors.Is(err, errEvicted) {
			if retries == 0 {
				return async.Fail[struct{}](fmt.Errorf("%w: user range at 0x%x keeps getting evicted", memory.ErrNoMemory, u.addr))
			}
			return u.copyAttempt(buf, access, toUser, first, pages, retries-1)
		}
		if err != nil {
			return async.Fail[struct{}](err)
		}

		w, err := p.table.openWindow(resident)
		if err != nil {
			return async.Fail[struct{}](err)
		}
		off := int(u.addr - first)
		if toUser {
			err = w.write(off, buf)
		} else {
			err = w.read(off, buf)
		}
		if cerr := w.Close(); cerr != nil {
			p.logger.Warn("failed to close user copy window", zap.Error(cerr))
		}
		if err != nil {
			return async.Fail[struct{}](fmt.Errorf("copying user memory at 0x%x: %w", u.addr, err))
		}
		return async.Ready(struct{}{})
	})
}

var errEvicted = errors.New("page evicted")

func (p *Process) residentPages(first memory.VirtAddr, pages int) ([]*memory.Page, error) {
	out := make([]*memory.Page, 0, pages)
	for i := 0; i < pages; i++ {
		addr := first + memory.VirtAddr(memory.PagesToBytes(i))
		mp, ok := p.dir.Lookup(addr)
		if !ok {
			return nil, fmt.Errorf("%w: 0x%x", memory.ErrNotMapped, addr)
		}
		if !mp.Page().IsResident() {
			return nil, errEvicted
		}
		out = append(out, mp.Page())
	}
	return out, nil
}
