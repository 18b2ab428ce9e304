//go:build linux

package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// reaperEnv marks a re-executed harvester binary as a sandbox reaper.
const reaperEnv = "HARVESTER_SANDBOX_REAPER"

const reaperAvailable = true

func init() {
	if os.Getenv(reaperEnv) != "1" {
		return
	}
	os.Exit(runReaper(os.Args[1:]))
}

// runReaper is the first process of a sandbox. As a child subreaper it
// inherits every orphan the routine leaves behind, including processes that
// moved to their own session, and it kills all of them before exiting. The
// routine's wait status is written to fd 3.
func runReaper(argv []string) int {
	status := os.NewFile(3, "status")
	unix.CloseOnExec(3)
	defer status.Close()

	if len(argv) == 0 {
		reportError(status, "empty command")
		return 127
	}
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		reportError(status, "subreaper: "+err.Error())
		return 126
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, unix.SIGTERM, unix.SIGINT, unix.SIGHUP)
	parent := os.Getppid()

	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, reaperEnv+"=") {
			env = append(env, kv)
		}
	}
	wd, _ := os.Getwd()
	proc, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Dir:   wd,
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	if err != nil {
		reportError(status, err.Error())
		return 127
	}
	routine := proc.Pid

	// A stop request or the death of harvester ends the routine; the wait
	// loop below then sweeps the rest.
	go func() {
		tick := time.NewTicker(500 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
			case <-tick.C:
				if os.Getppid() == parent {
					continue
				}
			}
			_ = unix.Kill(-routine, unix.SIGKILL)
			_ = unix.Kill(routine, unix.SIGKILL)
			return
		}
	}()

	var ws unix.WaitStatus
	for {
		var st unix.WaitStatus
		pid, err := unix.Wait4(-1, &st, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			reportError(status, "wait: "+err.Error())
			return 126
		}
		if pid == routine {
			ws = st
			break
		}
	}

	sweep(routine)

	switch {
	case ws.Signaled():
		fmt.Fprintf(status, "signal %d\n", int(ws.Signal()))
		return 128 + int(ws.Signal())
	default:
		fmt.Fprintf(status, "exit %d\n", ws.ExitStatus())
		return ws.ExitStatus()
	}
}

// sweep kills the routine's process group and then every child of the
// reaper until none is left. Killing a child re-parents its own children to
// the reaper, so each pass peels one level off the tree.
func sweep(routine int) {
	_ = unix.Kill(-routine, unix.SIGKILL)
	self := os.Getpid()
	for {
		for _, pid := range childrenOf(self) {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
		_, err := unix.Wait4(-1, nil, 0, nil)
		if err == unix.ECHILD {
			return
		}
	}
}

// childrenOf scans /proc for processes whose parent is ppid.
func childrenOf(ppid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	want := strconv.Itoa(ppid)
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		// Fields after the command name: state, ppid, ...
		s := string(raw)
		i := strings.LastIndexByte(s, ')')
		if i < 0 {
			continue
		}
		f := strings.Fields(s[i+1:])
		if len(f) > 1 && f[1] == want {
			out = append(out, pid)
		}
	}
	return out
}

func reportError(w io.Writer, msg string) {
	fmt.Fprintf(w, "error %s\n", strings.ReplaceAll(msg, "\n", " "))
}
