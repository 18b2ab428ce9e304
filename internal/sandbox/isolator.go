package sandbox

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
)

// Spec is everything an isolator needs to launch one routine.
type Spec struct {
	RunID   string
	Workdir string
	// Command uses guest paths (see Isolator.Mount).
	Command []string
	Env     map[string]string
	Image   string
	Limits  Limits
	Output  io.Writer
}

// Exit describes how the isolated routine ended.
type Exit struct {
	Code           int
	Signal         string
	ResourceKilled bool
	Container      string
	// Err is set when the routine could not be started at all.
	Err error
}

func (e Exit) describe() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Isolator launches a routine behind an isolation boundary and tears the
// boundary down before Run returns, including when ctx expires.
type Isolator interface {
	Name() string
	// Mount returns the path under which workdir is visible to the routine.
	Mount(workdir string) string
	Run(ctx context.Context, spec Spec) Exit
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func memoryKiB(bytes int64) int64 {
	return (bytes + 1023) / 1024
}

// cpuSeconds converts a CPU share over the wall deadline into a CPU-time cap.
func cpuSeconds(l Limits) int64 {
	s := int64(math.Ceil(l.Timeout.Seconds() * l.CPUs))
	return max(s, 1)
}
