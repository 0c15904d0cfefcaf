// Command rootd_cli drives a running rootd through its admin API, either
// one command from the arguments or as an interactive shell.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/rootd/api/admin"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	"github.com/sushant-115/rootd/core/rootserver"
	"golang.org/x/sys/unix"
)

const clientTimeout = 60 * time.Second

var baseURL = flag.String("addr", "http://127.0.0.1:8090", "rootd admin API base URL")

var httpClient = &http.Client{Timeout: clientTimeout}

// performRequest sends body as JSON and prints the response envelope. The
// decoded data is returned for commands that post-process it.
func performRequest(method, path string, body any) (json.RawMessage, bool) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Printf("Error marshalling request: %v", err)
			return nil, false
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, *baseURL+path, reader)
	if err != nil {
		log.Printf("Error creating request: %v", err)
		return nil, false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Printf("Error sending request to rootd: %v", err)
		return nil, false
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return nil, false
	}
	var apiResp admin.APIResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		log.Printf("Error unmarshalling response: %v. Raw response: %s", err, string(bodyBytes))
		return nil, false
	}
	if apiResp.Status != admin.StatusOK {
		fmt.Printf("Response: Status=%s, Message='%s'\n", apiResp.Status, apiResp.Message)
		return nil, false
	}
	return apiResp.Data, true
}

// printData pretty-prints a response payload.
func printData(data json.RawMessage) {
	if len(data) == 0 {
		fmt.Println("Response: Status=OK")
		return
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Printf("Response: Status=OK, Data=%s\n", data)
		return
	}
	fmt.Printf("Response: Status=OK\n%s\n", out.String())
}

// parseNumber accepts decimal and 0x-prefixed hexadecimal.
func parseNumber(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func parsePID(s string) (int, error) {
	pid, err := strconv.ParseInt(s, 10, 32)
	return int(pid), err
}

// parseProt turns "rw", "r", "rwx" or "none" into PROT_ bits.
func parseProt(s string) (int, error) {
	if s == "none" {
		return unix.PROT_NONE, nil
	}
	prot := 0
	for _, c := range s {
		switch c {
		case 'r':
			prot |= unix.PROT_READ
		case 'w':
			prot |= unix.PROT_WRITE
		case 'x':
			prot |= unix.PROT_EXEC
		default:
			return 0, fmt.Errorf("bad protection %q", s)
		}
	}
	return prot, nil
}

func processCommand(args []string) {
	if len(args) == 0 {
		return
	}
	command := strings.ToLower(args[0])

	// Every process command takes the pid first.
	var pid int
	switch command {
	case "kill", "wait", "mmap", "munmap", "touch", "read", "write":
		if len(args) < 2 {
			fmt.Printf("Error: %s requires <pid>.\n", command)
			return
		}
		var err error
		if pid, err = parsePID(args[1]); err != nil {
			fmt.Printf("Error: bad pid %q.\n", args[1])
			return
		}
	}
	prefix := fmt.Sprintf("/api/processes/%d", pid)

	switch command {
	case "status":
		if data, ok := performRequest(http.MethodGet, "/status", nil); ok {
			printData(data)
		}
	case "spawn":
		req := admin.SpawnRequest{Parent: process.InitPID}
		if len(args) > 1 {
			parent, err := parsePID(args[1])
			if err != nil {
				fmt.Printf("Error: bad parent pid %q.\n", args[1])
				return
			}
			req.Parent = process.PID(parent)
		}
		if data, ok := performRequest(http.MethodPost, "/api/processes", req); ok {
			printData(data)
		}
	case "kill":
		path := prefix
		if len(args) > 2 {
			path += "?status=" + args[2]
		}
		if data, ok := performRequest(http.MethodDelete, path, nil); ok {
			printData(data)
		}
	case "wait":
		req := admin.WaitRequest{Child: process.AnyChild}
		if len(args) > 2 {
			child, err := parsePID(args[2])
			if err != nil {
				fmt.Printf("Error: bad child pid %q.\n", args[2])
				return
			}
			req.Child = process.PID(child)
		}
		if data, ok := performRequest(http.MethodPost, prefix+"/wait", req); ok {
			printData(data)
		}
	case "mmap":
		if len(args) < 3 {
			fmt.Println("Error: mmap requires <pid> <length> [prot] [addr].")
			return
		}
		length, err := parseNumber(args[2])
		if err != nil {
			fmt.Printf("Error: bad length %q.\n", args[2])
			return
		}
		req := admin.MmapRequest{Length: length, Prot: unix.PROT_READ | unix.PROT_WRITE}
		if len(args) > 3 {
			if req.Prot, err = parseProt(args[3]); err != nil {
				fmt.Printf("Error: %v.\n", err)
				return
			}
		}
		if len(args) > 4 {
			addr, err := parseNumber(args[4])
			if err != nil {
				fmt.Printf("Error: bad address %q.\n", args[4])
				return
			}
			req.Addr = memory.VirtAddr(addr)
		}
		if data, ok := performRequest(http.MethodPost, prefix+"/mmap", req); ok {
			var resp admin.MmapResponse
			if err := json.Unmarshal(data, &resp); err == nil {
				fmt.Printf("Response: Status=OK, Addr=0x%x\n", uint64(resp.Addr))
				return
			}
			printData(data)
		}
	case "munmap":
		if len(args) < 4 {
			fmt.Println("Error: munmap requires <pid> <addr> <length>.")
			return
		}
		addr, err1 := parseNumber(args[2])
		length, err2 := parseNumber(args[3])
		if err := errors.Join(err1, err2); err != nil {
			fmt.Printf("Error: %v.\n", err)
			return
		}
		if data, ok := performRequest(http.MethodPost, prefix+"/munmap", admin.MunmapRequest{Addr: memory.VirtAddr(addr), Length: length}); ok {
			printData(data)
		}
	case "touch":
		if len(args) < 3 {
			fmt.Println("Error: touch requires <pid> <addr> [text to write].")
			return
		}
		addr, err := parseNumber(args[2])
		if err != nil {
			fmt.Printf("Error: bad address %q.\n", args[2])
			return
		}
		req := rootserver.TouchRequest{Addr: memory.VirtAddr(addr), Length: 1}
		if len(args) > 3 {
			req.Write = true
			req.Data = []byte(strings.Join(args[3:], " "))
		}
		if data, ok := performRequest(http.MethodPost, prefix+"/touch", req); ok {
			printData(data)
		}
	case "read":
		if len(args) < 4 {
			fmt.Println("Error: read requires <pid> <addr> <length>.")
			return
		}
		addr, err1 := parseNumber(args[2])
		length, err2 := parseNumber(args[3])
		if err := errors.Join(err1, err2); err != nil {
			fmt.Printf("Error: %v.\n", err)
			return
		}
		data, ok := performRequest(http.MethodPost, prefix+"/read", admin.ReadRequest{Addr: memory.VirtAddr(addr), Length: int(length)})
		if !ok {
			return
		}
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			printData(data)
			return
		}
		fmt.Printf("Response: Status=OK, Bytes=%d\n%q\n", len(raw), raw)
	case "write":
		if len(args) < 4 {
			fmt.Println("Error: write requires <pid> <addr> <text>.")
			return
		}
		addr, err := parseNumber(args[2])
		if err != nil {
			fmt.Printf("Error: bad address %q.\n", args[2])
			return
		}
		req := admin.WriteRequest{Addr: memory.VirtAddr(addr), Data: []byte(strings.Join(args[3:], " "))}
		if data, ok := performRequest(http.MethodPost, prefix+"/write", req); ok {
			printData(data)
		}
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  status")
		fmt.Println("  spawn [parentPid]")
		fmt.Println("  kill <pid> [status]")
		fmt.Println("  wait <pid> [childPid]")
		fmt.Println("  mmap <pid> <length> [r|rw|rwx|none] [addr]")
		fmt.Println("  munmap <pid> <addr> <length>")
		fmt.Println("  touch <pid> <addr> [text to write]")
		fmt.Println("  read <pid> <addr> <length>")
		fmt.Println("  write <pid> <addr> <text>")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		fmt.Println("Exiting rootd CLI.")
		os.Exit(0)
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("spawn"),
		readline.PcItem("kill"),
		readline.PcItem("wait"),
		readline.PcItem("mmap"),
		readline.PcItem("munmap"),
		readline.PcItem("touch"),
		readline.PcItem("read"),
		readline.PcItem("write"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func interactive() error {
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".rootd_cli_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rootd> ",
		HistoryFile:     history,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("rootd CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Println("Exiting rootd CLI.")
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		processCommand(strings.Fields(line))
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		processCommand(args)
		return
	}
	if err := interactive(); err != nil {
		log.Fatalf("Error reading input: %v", err)
	}
}
