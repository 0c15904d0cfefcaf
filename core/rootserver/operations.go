package rootserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	"github.com/sushant-115/rootd/core/syscall"
	"go.uber.org/zap"
)

// maxTouchAttempts bounds the access, fault, retry cycle of Touch. A
// resumed fault normally succeeds on the next attempt.
const maxTouchAttempts = 4

// ErrKilled is returned by Touch when the access killed the process.
var ErrKilled = errors.New("process killed by fault")

// Spawn creates a child of parent. Spawning from the server PID creates an
// orphan-style child of the server.
func (s *Server) Spawn(ctx context.Context, parent process.PID) (process.PID, error) {
	return do(ctx, s, func() (process.PID, error) {
		p, err := s.process(parent)
		if err != nil {
			return 0, err
		}
		child, err := s.procs.Spawn(p)
		if err != nil {
			return 0, err
		}
		return child.PID(), nil
	})
}

// Exit terminates pid with status.
func (s *Server) Exit(ctx context.Context, pid process.PID, status int) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		if pid == process.ServerPID {
			return struct{}{}, fmt.Errorf("%w: the server cannot exit", memory.ErrInvalidArgument)
		}
		p, err := s.process(pid)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, p.Exit(status)
	})
	return err
}

// Wait blocks until a child of parent (or the given child) exits and
// reaps it.
func (s *Server) Wait(ctx context.Context, parent, child process.PID) (process.ExitInfo, error) {
	return Do(ctx, s, func() *async.Future[process.ExitInfo] {
		p, err := s.process(parent)
		if err != nil {
			return async.Fail[process.ExitInfo](err)
		}
		return p.WaitChild(child)
	})
}

// Mmap maps an anonymous region into pid with Linux prot and flags.
func (s *Server) Mmap(ctx context.Context, pid process.PID, addr memory.VirtAddr, length uint64, prot, flags int) (memory.VirtAddr, error) {
	return do(ctx, s, func() (memory.VirtAddr, error) {
		p, err := s.process(pid)
		if err != nil {
			return 0, err
		}
		return syscall.Mmap2(p, addr, length, prot, flags, -1, 0)
	})
}

// Munmap removes a range from pid.
func (s *Server) Munmap(ctx context.Context, pid process.PID, addr memory.VirtAddr, length uint64) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		p, err := s.process(pid)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, syscall.Munmap(p, addr, length)
	})
	return err
}

// TouchRequest is one simulated access by a process's thread.
type TouchRequest struct {
	Addr  memory.VirtAddr `json:"addr"`
	Write bool            `json:"write"`
	// Data is stored for writes.
	Data []byte `json:"data,omitempty"`
	// Length is the number of bytes loaded by reads.
	Length int `json:"length,omitempty"`
}

// TouchResult reports what the access did.
type TouchResult struct {
	Data    []byte `json:"data,omitempty"`
	Faults  int    `json:"faults"`
	Outcome string `json:"outcome"`
}

// Touch performs an access the way a user thread would: the hardware
// access is attempted and every fault it raises is handled before the
// access is retried.
func (s *Server) Touch(ctx context.Context, pid process.PID, req TouchRequest) (TouchResult, error) {
	return Do(ctx, s, func() *async.Future[TouchResult] {
		p, err := s.process(pid)
		if err != nil {
			return async.Fail[TouchResult](err)
		}
		buf := req.Data
		if !req.Write {
			buf = make([]byte, req.Length)
		}
		return s.touch(p, req, buf, TouchResult{}, maxTouchAttempts)
	})
}

func (s *Server) touch(p *process.Process, req TouchRequest, buf []byte, res TouchResult, attempts int) *async.Future[TouchResult] {
	var err error
	if req.Write {
		err = s.machine.Write(p.Directory().Cap(), uint64(req.Addr), buf)
	} else {
		err = s.machine.Read(p.Directory().Cap(), uint64(req.Addr), buf)
	}
	var fault *hal.Fault
	if err == nil {
		if !req.Write {
			res.Data = buf
		}
		res.Outcome = process.FaultResumed.String()
		return async.Ready(res)
	}
	if !errors.As(err, &fault) {
		return async.Fail[TouchResult](err)
	}
	if attempts == 0 {
		return async.Fail[TouchResult](fmt.Errorf("%w: access at 0x%x still faulting after %d faults", memory.ErrNoMemory, fault.Addr, res.Faults))
	}

	access := memory.AccessRead
	if fault.Write {
		access = memory.AccessWrite
	}
	res.Faults++
	return async.Then(p.Thread().HandleFault(memory.VirtAddr(fault.Addr), access), func(outcome process.FaultOutcome) *async.Future[TouchResult] {
		if outcome != process.FaultResumed {
			res.Outcome = outcome.String()
			s.logger.Debug("touch ended the thread", zap.Int32("pid", int32(p.PID())), zap.Stringer("outcome", outcome))
			return async.Fail[TouchResult](fmt.Errorf("%w: pid %d status %d", ErrKilled, p.PID(), p.ExitStatus()))
		}
		return s.touch(p, req, buf, res, attempts-1)
	})
}

// ReadUser copies n bytes out of pid through a server window.
func (s *Server) ReadUser(ctx context.Context, pid process.PID, addr memory.VirtAddr, n int) ([]byte, error) {
	return Do(ctx, s, func() *async.Future[[]byte] {
		p, err := s.process(pid)
		if err != nil {
			return async.Fail[[]byte](err)
		}
		return p.UserMemory(addr).Read(n)
	})
}

// WriteUser copies data into pid through a server window.
func (s *Server) WriteUser(ctx context.Context, pid process.PID, addr memory.VirtAddr, data []byte) error {
	_, err := Do(ctx, s, func() *async.Future[struct{}] {
		p, err := s.process(pid)
		if err != nil {
			return async.Fail[struct{}](err)
		}
		return p.UserMemory(addr).Write(data)
	})
	return err
}

// ProcessInfo describes one process.
type ProcessInfo struct {
	PID      process.PID   `json:"pid"`
	Parent   process.PID   `json:"parent"`
	Server   bool          `json:"server,omitempty"`
	Zombie   bool          `json:"zombie,omitempty"`
	Status   int           `json:"status,omitempty"`
	Regions  int           `json:"regions"`
	Resident int           `json:"resident_pages"`
	Children []process.PID `json:"children,omitempty"`
}

// Stats is a snapshot of the whole root task.
type Stats struct {
	Frames    memory.FrameStats `json:"frames"`
	Swap      memory.SwapStats  `json:"swap"`
	Machine   hal.MachineStats  `json:"machine"`
	Processes []ProcessInfo     `json:"processes"`
}

func (s *Server) Stats(ctx context.Context) (Stats, error) {
	return do(ctx, s, func() (Stats, error) {
		if s.closed {
			return Stats{}, ErrClosed
		}
		st := Stats{
			Frames:  s.frames.Stats(),
			Swap:    s.swap.Stats(),
			Machine: s.machine.Stats(),
		}
		for _, pid := range s.procs.PIDs() {
			p, _ := s.procs.Get(pid)
			info := ProcessInfo{
				PID:      pid,
				Server:   p.IsServer(),
				Zombie:   p.IsZombie(),
				Status:   p.ExitStatus(),
				Regions:  p.Mappings().Len(),
				Resident: p.Directory().Resident(),
				Children: p.Children(),
			}
			if parent, ok := p.Parent(); ok {
				info.Parent = parent.PID()
			}
			st.Processes = append(st.Processes, info)
		}
		return st, nil
	})
}
