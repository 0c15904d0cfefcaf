// Package admin is the JSON-over-HTTP control surface of a running root
// task.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	"github.com/sushant-115/rootd/core/rootserver"
	"github.com/sushant-115/rootd/core/syscall"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const requestTimeout = 30 * time.Second

// Response statuses.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// APIResponse is the envelope of every reply.
type APIResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type SpawnRequest struct {
	Parent process.PID `json:"parent"`
}

type SpawnResponse struct {
	PID process.PID `json:"pid"`
}

type WaitRequest struct {
	Child process.PID `json:"child"`
}

// MmapRequest uses the Linux prot and flags encodings. Zero flags mean
// MAP_PRIVATE|MAP_ANONYMOUS.
type MmapRequest struct {
	Addr   memory.VirtAddr `json:"addr"`
	Length uint64          `json:"length"`
	Prot   int             `json:"prot"`
	Flags  int             `json:"flags"`
}

type MmapResponse struct {
	Addr memory.VirtAddr `json:"addr"`
}

type MunmapRequest struct {
	Addr   memory.VirtAddr `json:"addr"`
	Length uint64          `json:"length"`
}

type ReadRequest struct {
	Addr   memory.VirtAddr `json:"addr"`
	Length int             `json:"length"`
}

type WriteRequest struct {
	Addr memory.VirtAddr `json:"addr"`
	Data []byte          `json:"data"`
}

// Handler serves the admin API.
type Handler struct {
	server *rootserver.Server
	logger *zap.Logger
	mux    *http.ServeMux
}

// New builds the handler. metrics, if not nil, is mounted at /metrics.
func New(server *rootserver.Server, metrics http.Handler, logger *zap.Logger) *Handler {
	h := &Handler{server: server, logger: logger.Named("admin"), mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("POST /api/processes", h.handleSpawn)
	h.mux.HandleFunc("DELETE /api/processes/{pid}", h.handleExit)
	h.mux.HandleFunc("POST /api/processes/{pid}/wait", h.handleWait)
	h.mux.HandleFunc("POST /api/processes/{pid}/mmap", h.handleMmap)
	h.mux.HandleFunc("POST /api/processes/{pid}/munmap", h.handleMunmap)
	h.mux.HandleFunc("POST /api/processes/{pid}/touch", h.handleTouch)
	h.mux.HandleFunc("POST /api/processes/{pid}/read", h.handleRead)
	h.mux.HandleFunc("POST /api/processes/{pid}/write", h.handleWrite)
	if metrics != nil {
		h.mux.Handle("GET /metrics", metrics)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	stats, err := h.server.Stats(ctx)
	h.reply(w, stats, err)
}

func (h *Handler) handleSpawn(w http.ResponseWriter, r *http.Request) {
	req := SpawnRequest{Parent: process.InitPID}
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	pid, err := h.server.Spawn(ctx, req.Parent)
	h.reply(w, SpawnResponse{PID: pid}, err)
}

func (h *Handler) handleExit(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	status := 0
	if s := r.URL.Query().Get("status"); s != "" {
		var err error
		if status, err = strconv.Atoi(s); err != nil {
			h.fail(w, http.StatusBadRequest, fmt.Errorf("bad status %q", s))
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	h.reply(w, nil, h.server.Exit(ctx, pid, status))
}

func (h *Handler) handleWait(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	req := WaitRequest{Child: process.AnyChild}
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	info, err := h.server.Wait(ctx, pid, req.Child)
	h.reply(w, info, err)
}

func (h *Handler) handleMmap(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	var req MmapRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Flags == 0 {
		req.Flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	addr, err := h.server.Mmap(ctx, pid, req.Addr, req.Length, req.Prot, req.Flags)
	h.reply(w, MmapResponse{Addr: addr}, err)
}

func (h *Handler) handleMunmap(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	var req MunmapRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	h.reply(w, nil, h.server.Munmap(ctx, pid, req.Addr, req.Length))
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	var req rootserver.TouchRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := h.server.Touch(ctx, pid, req)
	h.reply(w, res, err)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	data, err := h.server.ReadUser(ctx, pid, req.Addr, req.Length)
	h.reply(w, data, err)
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pid(w, r)
	if !ok {
		return
	}
	var req WriteRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	h.reply(w, nil, h.server.WriteUser(ctx, pid, req.Addr, req.Data))
}

func (h *Handler) pid(w http.ResponseWriter, r *http.Request) (process.PID, bool) {
	raw := r.PathValue("pid")
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("bad pid %q", raw))
		return 0, false
	}
	return process.PID(pid), true
}

// decode reads an optional JSON body into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func (h *Handler) reply(w http.ResponseWriter, data any, err error) {
	if err != nil {
		h.fail(w, statusCode(err), err)
		return
	}
	resp := APIResponse{Status: StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.fail(w, http.StatusInternalServerError, err)
			return
		}
		resp.Data = raw
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.logger.Error("admin request failed", zap.Int("code", code), zap.Error(err))
	}
	msg := err.Error()
	if errno := syscall.Errno(err); errno != 0 && code != http.StatusBadRequest {
		msg = fmt.Sprintf("%s (%s)", msg, unix.ErrnoName(errno))
	}
	h.write(w, code, APIResponse{Status: StatusError, Message: msg})
}

func (h *Handler) write(w http.ResponseWriter, code int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to write admin response", zap.Error(err))
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, process.ErrNoSuchProcess), errors.Is(err, process.ErrNoChild):
		return http.StatusNotFound
	case errors.Is(err, rootserver.ErrKilled), errors.Is(err, memory.ErrAccessViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, memory.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, memory.ErrNoMemory):
		return http.StatusInsufficientStorage
	case errors.Is(err, memory.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rootserver.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
