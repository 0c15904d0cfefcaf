package commonutils

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID returns the id of the calling goroutine, or -1 if it cannot be
// parsed. It is only used for loop affinity checks.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T ~uint64 | ~uint32 | ~uint](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp[T ~uint64 | ~uint32 | ~uint](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}
