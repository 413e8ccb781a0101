package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentctl/internal/bridge"
	"agentctl/internal/store"
	"agentctl/pkg/logging"
)

// For mocking in tests
var execCommand = exec.Command

const reapTimeout = 5 * time.Second

// ProcessHandle is the ownership wrapper around one live OS subprocess. It
// holds the process's streams exclusively and, for bridged workloads, the
// stdio client and HTTP proxy. Its lifetime is bounded by the supervisor's
// registry entry: once the entry is removed, the process and proxy are both
// terminated and no other component may keep a reference.
type ProcessHandle struct {
	WorkloadID string
	Port       int
	Cmd        *exec.Cmd

	// Bridge is set for tool-server workloads; it owns stdin/stdout.
	Bridge *bridge.StdioClient
	// Proxy is the bridge's HTTP front, started after the handshake.
	Proxy *bridge.Proxy

	stdin io.WriteCloser

	exitErr error
	waitCh  chan struct{}
}

// PID returns the OS process id, or 0 if the process never started.
func (h *ProcessHandle) PID() int {
	if h.Cmd == nil || h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// Exited reports whether the process has already been reaped.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

// Kill forcibly terminates the process group and reaps the process. Safe to
// call on an already-dead process.
func (h *ProcessHandle) Kill() {
	if h.Bridge != nil {
		h.Bridge.Close()
	}
	pid := h.PID()
	if pid == 0 {
		return
	}
	if !h.Exited() {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			// Process group may already be gone; try the process itself.
			_ = h.Cmd.Process.Kill()
		}
	}
	select {
	case <-h.waitCh:
	case <-time.After(reapTimeout):
		logging.Warn("Supervisor", "Timed out reaping process %d for workload %s", pid, h.WorkloadID)
	}
}

// spawnWorkload launches the workload's process with the assigned port,
// resolved secrets, and its data directory injected via the environment. The
// supervisor's own environment is never mutated.
func (s *Supervisor) spawnWorkload(w *store.Workload, port int, secrets map[string]string) (*ProcessHandle, error) {
	dataDir, err := s.store.DataDir(w.ID)
	if err != nil {
		return nil, err
	}

	cmd := execCommand(w.Command[0], w.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildEnv(w, port, secrets, dataDir)

	handle := &ProcessHandle{
		WorkloadID: w.ID,
		Port:       port,
		Cmd:        cmd,
		waitCh:     make(chan struct{}),
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", w.Name, err)
	}

	var stdoutPipe io.ReadCloser
	if w.Kind == store.KindToolServer {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe for %s: %w", w.Name, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, fmt.Errorf("stdout pipe for %s: %w", w.Name, err)
		}
		handle.stdin = stdin
		handle.Bridge = bridge.NewStdioClient(w.Name, stdin, stdout,
			bridge.WithCallTimeout(s.cfg.Supervisor.RPCTimeout))
	} else {
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe for %s: %w", w.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		if handle.Bridge != nil {
			handle.Bridge.Close()
		}
		return nil, fmt.Errorf("failed to start process for %s (%s): %w", w.Name, w.Command[0], err)
	}

	go drainPipe(w.Name, "stderr", stderrPipe)
	if stdoutPipe != nil {
		go drainPipe(w.Name, "stdout", stdoutPipe)
	}
	go func() {
		handle.exitErr = cmd.Wait()
		close(handle.waitCh)
	}()

	logging.Info("Supervisor", "Spawned %s (PID %d) on port %d", w.Name, handle.PID(), port)
	return handle, nil
}

// buildEnv assembles the child's environment: the supervisor's environment
// plus the bootstrap contract (PORT, DATA_DIR), plain workload variables,
// and resolved secrets.
func buildEnv(w *store.Workload, port int, secrets map[string]string, dataDir string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("DATA_DIR=%s", dataDir),
	)
	for k, v := range w.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range secrets {
		env = append(env, k+"="+v)
	}
	return env
}

func drainPipe(name, stream string, pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		logging.Debug("Workload", "[%s %s] %s", name, stream, scanner.Text())
	}
}

// killProcessOnPort forcibly terminates whatever still holds the port. A
// previous supervisor may have crashed without releasing its child, so the
// in-memory bookkeeping cannot be trusted here.
func killProcessOnPort(port int) error {
	out, err := execCommand("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return fmt.Errorf("finding process on port %d: %w", port, err)
	}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			logging.Warn("Supervisor", "Failed to kill PID %d holding port %d: %v", pid, port, err)
		} else {
			logging.Info("Supervisor", "Killed orphan PID %d holding port %d", pid, port)
		}
	}
	return nil
}
