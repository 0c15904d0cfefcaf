package process

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrBadFD        = errors.New("bad file descriptor")
	ErrTooManyFiles = errors.New("too many open files")
)

// File is anything a descriptor can refer to.
type File interface {
	Write(p []byte) (int, error)
	Close() error
}

// FDTable maps descriptors to open files. The lowest free descriptor is
// handed out first.
type FDTable struct {
	files map[int]File
	max   int
}

func NewFDTable(max int) *FDTable {
	return &FDTable{files: make(map[int]File), max: max}
}

func (t *FDTable) Insert(f File) (int, error) {
	for fd := 0; fd < t.max; fd++ {
		if _, taken := t.files[fd]; !taken {
			t.files[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTooManyFiles
}

func (t *FDTable) Get(fd int) (File, error) {
	f, ok := t.files[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return f, nil
}

func (t *FDTable) Close(fd int) error {
	f, ok := t.files[fd]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	delete(t.files, fd)
	return f.Close()
}

func (t *FDTable) Len() int {
	return len(t.files)
}

// Clear closes every descriptor.
func (t *FDTable) Clear() error {
	var err error
	for fd, f := range t.files {
		delete(t.files, fd)
		err = multierr.Append(err, f.Close())
	}
	return err
}

// console sends a process's output to the server log.
type console struct {
	logger *zap.Logger
}

func newConsole(logger *zap.Logger, stream string) *console {
	return &console{logger: logger.With(zap.String("stream", stream))}
}

func (c *console) Write(p []byte) (int, error) {
	c.logger.Info("console", zap.ByteString("data", p))
	return len(p), nil
}

func (c *console) Close() error {
	return nil
}
