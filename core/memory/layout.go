package memory

import (
	commonutils "github.com/sushant-115/rootd/internal/common_utils"
)

// VirtAddr is an address in a 32-bit user address space. It is kept 64 bits
// wide so range arithmetic near the top of the space never wraps.
type VirtAddr uint64

const (
	PageBits = 12
	PageSize = 1 << PageBits

	// A second-level table covers 1 MiB of virtual address space.
	PageTableBits = 20
	PageTableSpan = 1 << PageTableBits

	AddressSpaceEnd VirtAddr = 1 << 32

	MmapStart      VirtAddr = 0x10000000
	MmapEnd        VirtAddr = 0xd0000000
	MmapStackStart VirtAddr = 0xd0000000
	MmapStackEnd   VirtAddr = 0xe0000000
	KernelStart    VirtAddr = 0xe0000000

	// The server's static image and its initial heap live below this.
	ServerBrkStart     VirtAddr = 0x900000
	ServerInitAreaSize          = 0x400000

	StackPages       = 256
	MmapRandAttempts = 4

	// ParallelSwaps is the width of a swap slot and of the staging window.
	ParallelSwaps = 8
)

// PageAlign rounds addr down to a page boundary.
func PageAlign(addr VirtAddr) VirtAddr {
	return commonutils.AlignDown(addr, PageSize)
}

func IsPageAligned(addr VirtAddr) bool {
	return addr&(PageSize-1) == 0
}

// PageTableAlign rounds addr down to the start of the second-level table
// covering it.
func PageTableAlign(addr VirtAddr) VirtAddr {
	return commonutils.AlignDown(addr, PageTableSpan)
}

// BytesToPages returns the number of pages needed to hold n bytes.
func BytesToPages(n uint64) int {
	return int(commonutils.AlignUp(n, PageSize) >> PageBits)
}

// PagesToBytes is the inverse of BytesToPages for whole pages.
func PagesToBytes(pages int) uint64 {
	return uint64(pages) << PageBits
}
