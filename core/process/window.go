package process

import (
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/memory"
)

// serverWindow maps copies of pages into a fresh range of the server
// address space so their contents can be read and written through the
// server's own translation. While the window is open the copies are
// LOCKED, which pins the frames.
type serverWindow struct {
	table *Table
	res   memory.Reservation
}

func (t *Table) openWindow(pages []*memory.Page) (*serverWindow, error) {
	s := t.server
	if s == nil || s.zombie {
		return nil, fmt.Errorf("%w: no server address space", memory.ErrInvalidArgument)
	}
	res, err := s.Reserve(len(pages), memory.ReadWrite, true)
	if err != nil {
		return nil, fmt.Errorf("reserving server window: %w", err)
	}
	for i, page := range pages {
		cp, err := page.Copy()
		if err == nil {
			_, err = s.dir.Map(cp, res.Start()+memory.VirtAddr(memory.PagesToBytes(i)), memory.ReadWrite, true)
		}
		if err != nil {
			return nil, errors.Join(err, res.Close())
		}
	}
	return &serverWindow{table: t, res: res}, nil
}

func (w *serverWindow) read(off int, p []byte) error {
	return w.table.opts.Platform.Read(w.table.server.dir.Cap(), uint64(w.res.Start())+uint64(off), p)
}

func (w *serverWindow) write(off int, p []byte) error {
	return w.table.opts.Platform.Write(w.table.server.dir.Cap(), uint64(w.res.Start())+uint64(off), p)
}

// Close unmaps the window, which releases the page copies.
func (w *serverWindow) Close() error {
	return w.res.Close()
}
