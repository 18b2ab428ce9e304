//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// rlimitWrapper applies the memory and CPU-time ceilings in the child shell
// and then replaces itself with the routine command.
const rlimitWrapper = `ulimit -v "$HARVESTER_MEM_KB" || exit 125; ulimit -t "$HARVESTER_CPU_SECONDS" || exit 125; unset HARVESTER_MEM_KB HARVESTER_CPU_SECONDS; exec "$@"`

const safePath = "/usr/local/bin:/usr/bin:/bin"

// ProcessIsolator runs the routine as a child process in its own process
// group with a scrubbed environment and rlimits. On Linux a re-executed copy
// of the binary sits between harvester and the routine as a child
// subreaper, so nothing the routine starts survives the run. It is weaker
// than a container: the routine shares the host filesystem view and network.
type ProcessIsolator struct {
	Shell     string
	WaitDelay time.Duration
	// DisableReaper falls back to process-group teardown only.
	DisableReaper bool
}

func NewProcessIsolator() *ProcessIsolator {
	return &ProcessIsolator{Shell: "/bin/sh", WaitDelay: 2 * time.Second}
}

func (p *ProcessIsolator) Name() string { return "process" }

func (p *ProcessIsolator) Mount(workdir string) string { return workdir }

func (p *ProcessIsolator) Run(ctx context.Context, spec Spec) Exit {
	if len(spec.Command) == 0 {
		return Exit{Code: -1, Err: errors.New("empty command")}
	}
	args := append([]string{p.Shell, "-c", rlimitWrapper, "harvester-sandbox"}, spec.Command...)

	env := map[string]string{
		"PATH":                  safePath,
		"HOME":                  spec.Workdir,
		"TMPDIR":                spec.Workdir,
		"LANG":                  "C.UTF-8",
		"HARVESTER_MEM_KB":      fmt.Sprint(memoryKiB(spec.Limits.MemoryBytes)),
		"HARVESTER_CPU_SECONDS": fmt.Sprint(cpuSeconds(spec.Limits)),
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	reaper := p.reaperPath()
	var cmd *exec.Cmd
	if reaper != "" {
		env[reaperEnv] = "1"
		cmd = exec.CommandContext(ctx, reaper, args...)
		// The reaper kills the whole tree on SIGTERM; WaitDelay escalates.
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	} else {
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Cancel = func() error { return killGroup(cmd) }
	}
	cmd.Dir = spec.Workdir
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = sortedEnv(env)
	cmd.WaitDelay = p.WaitDelay

	// The reaper reports the routine's wait status on fd 3.
	var status, statusW *os.File
	if reaper != "" {
		r, w, err := os.Pipe()
		if err != nil {
			return Exit{Code: -1, Err: err}
		}
		defer r.Close()
		status, statusW = r, w
		cmd.ExtraFiles = []*os.File{w}
	}

	err := cmd.Start()
	if statusW != nil {
		_ = statusW.Close()
	}
	if err != nil {
		return Exit{Code: -1, Err: err}
	}
	err = cmd.Wait()
	// Reap anything the routine left behind in its group.
	_ = killGroup(cmd)

	if status != nil {
		raw, _ := io.ReadAll(io.LimitReader(status, 4096))
		if exit, ok := parseReaperStatus(string(raw)); ok {
			return exit
		}
	}
	return processExit(cmd, err)
}

// reaperPath returns the binary to re-execute as the sandbox reaper, or ""
// when the host has no subreaper support.
func (p *ProcessIsolator) reaperPath() string {
	if !reaperAvailable || p.DisableReaper {
		return ""
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

// parseReaperStatus decodes the line the reaper writes on fd 3.
func parseReaperStatus(line string) (Exit, bool) {
	kind, val, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Exit{}, false
	}
	switch kind {
	case "exit":
		code, err := strconv.Atoi(val)
		if err != nil {
			return Exit{}, false
		}
		return codeExit(code), true
	case "signal":
		n, err := strconv.Atoi(val)
		if err != nil {
			return Exit{}, false
		}
		return signalExit(syscall.Signal(n)), true
	case "error":
		return Exit{Code: -1, Err: errors.New(val)}, true
	}
	return Exit{}, false
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func processExit(cmd *exec.Cmd, waitErr error) Exit {
	st := cmd.ProcessState
	if st == nil {
		return Exit{Code: -1, Err: waitErr}
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return signalExit(ws.Signal())
	}
	return codeExit(st.ExitCode())
}

func codeExit(code int) Exit {
	exit := Exit{Code: code}
	if code == 125 {
		exit.Err = errors.New("could not apply resource limits")
	}
	return exit
}

func signalExit(sig syscall.Signal) Exit {
	exit := Exit{Code: -1, Signal: sig.String()}
	switch sig {
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGXCPU, syscall.SIGBUS:
		exit.ResourceKilled = true
	}
	return exit
}
