package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"harvester/internal/browser"
	logx "harvester/pkg/logx"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

const (
	resultFile = "result.json"
	socketFile = "cap.sock"
)

// Limits bound one run. Zero fields take the runner defaults.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
	CPUs        float64
	MaxLogBytes int
}

func DefaultLimits() Limits {
	return Limits{
		Timeout:     300 * time.Second,
		MemoryBytes: 2 << 30,
		CPUs:        1,
		MaxLogBytes: 1 << 20,
	}
}

func (l Limits) withDefaults(d Limits) Limits {
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.MaxLogBytes <= 0 {
		l.MaxLogBytes = d.MaxLogBytes
	}
	return l
}

type Request struct {
	RunID   string
	Routine string
	Runtime string
	Target  string
	Limits  Limits
}

// ExecutionLog is the diagnostic record kept on the run.
type ExecutionLog struct {
	Backend         string    `json:"backend"`
	Runtime         string    `json:"runtime"`
	StartedAt       time.Time `json:"started_at"`
	DurationMS      int64     `json:"duration_ms"`
	ExitCode        int       `json:"exit_code"`
	Signal          string    `json:"signal,omitempty"`
	Container       string    `json:"container,omitempty"`
	CapabilityCalls int       `json:"capability_calls"`
	Output          string    `json:"output"`
	Truncated       bool      `json:"truncated,omitempty"`
	TimeoutMS       int64     `json:"timeout_ms"`
	MemoryBytes     int64     `json:"memory_bytes"`
	CPUs            float64   `json:"cpus"`
}

func (l ExecutionLog) JSON() json.RawMessage {
	b, err := json.Marshal(l)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

type Result struct {
	Status  Status
	Records []map[string]any
	Log     ExecutionLog
	Error   string
}

// Executor is what the task runner needs from a sandbox.
type Executor interface {
	Validate(runtime, routine string) error
	Execute(ctx context.Context, req Request) Result
}

type Options struct {
	Isolator       Isolator
	Runtimes       Registry
	DefaultRuntime string
	// Pages backs the capability handle; nil makes every page op fail.
	Pages    browser.Provider
	WorkRoot string
	Defaults Limits
	Log      logx.Logger
}

// Runner implements Executor.
type Runner struct {
	iso            Isolator
	runtimes       Registry
	defaultRuntime string
	pages          browser.Provider
	workRoot       string
	defaults       Limits
	log            logx.Logger
}

func New(opts Options) *Runner {
	if opts.Runtimes == nil {
		opts.Runtimes = Builtins()
	}
	if opts.DefaultRuntime == "" {
		opts.DefaultRuntime = "python"
	}
	if opts.Isolator == nil {
		opts.Isolator = NewProcessIsolator()
	}
	return &Runner{
		iso:            opts.Isolator,
		runtimes:       opts.Runtimes,
		defaultRuntime: opts.DefaultRuntime,
		pages:          opts.Pages,
		workRoot:       opts.WorkRoot,
		defaults:       opts.Defaults.withDefaults(DefaultLimits()),
		log:            opts.Log.Named("sandbox").With(logx.String("backend", opts.Isolator.Name())),
	}
}

func (r *Runner) runtime(name string) (Runtime, error) {
	if name == "" {
		name = r.defaultRuntime
	}
	rt, ok := r.runtimes.Lookup(name)
	if !ok {
		return Runtime{}, fmt.Errorf("unknown runtime %q", name)
	}
	return rt, nil
}

// Backend names the isolation backend.
func (r *Runner) Backend() string { return r.iso.Name() }

// Close releases the isolator's resources, if it holds any.
func (r *Runner) Close() error {
	if c, ok := r.iso.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Validate checks the routine against its runtime without launching anything.
func (r *Runner) Validate(runtime, routine string) error {
	rt, err := r.runtime(runtime)
	if err != nil {
		return err
	}
	return rt.Validate(routine)
}

// Execute runs one routine. It never returns an error value: every outcome,
// including setup failures and panics, is described by the Result.
func (r *Runner) Execute(ctx context.Context, req Request) (res Result) {
	started := time.Now()
	limits := req.Limits.withDefaults(r.defaults)
	res.Log = ExecutionLog{
		Backend:     r.iso.Name(),
		Runtime:     req.Runtime,
		StartedAt:   started.UTC(),
		TimeoutMS:   limits.Timeout.Milliseconds(),
		MemoryBytes: limits.MemoryBytes,
		CPUs:        limits.CPUs,
	}
	log := r.log.With(logx.String("run_id", req.RunID))

	defer func() {
		if p := recover(); p != nil {
			log.Error("sandbox panicked", logx.Any("panic", p))
			res.Status, res.Records, res.Error = StatusFailure, nil, fmt.Sprintf("sandbox panic: %v", p)
		}
		res.Log.DurationMS = time.Since(started).Milliseconds()
	}()

	rt, err := r.runtime(req.Runtime)
	if err != nil {
		return fail(res, err.Error())
	}
	res.Log.Runtime = rt.Name
	if err := rt.Validate(req.Routine); err != nil {
		return fail(res, err.Error())
	}

	workdir, err := r.prepare(rt, req.Routine)
	if err != nil {
		return fail(res, "prepare sandbox: "+err.Error())
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			log.Warn("workdir cleanup failed", logx.String("dir", workdir), logx.Err(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	broker, err := r.openBroker(runCtx, filepath.Join(workdir, socketFile), req.Target, log)
	if err != nil {
		return fail(res, "capability: "+err.Error())
	}
	defer func() {
		res.Log.CapabilityCalls = broker.Calls()
		broker.Close()
	}()

	guest := r.iso.Mount(workdir)
	out := newBoundedBuffer(limits.MaxLogBytes)
	spec := Spec{
		RunID:   req.RunID,
		Workdir: workdir,
		Command: append(append([]string(nil), rt.Command...), filepath.Join(guest, rt.Script)),
		Env: map[string]string{
			"HARVESTER_RESULT_PATH":       filepath.Join(guest, resultFile),
			"HARVESTER_CAPABILITY_SOCKET": filepath.Join(guest, socketFile),
			"HARVESTER_TARGET_URL":        req.Target,
			"HARVESTER_RUN_ID":            req.RunID,
		},
		Image:  rt.Image,
		Limits: limits,
		Output: out,
	}

	log.Debug("sandbox starting", logx.String("runtime", rt.Name), logx.Duration("timeout", limits.Timeout))
	exit := r.iso.Run(runCtx, spec)

	res.Log.ExitCode = exit.Code
	res.Log.Signal = exit.Signal
	res.Log.Container = exit.Container
	res.Log.Output, res.Log.Truncated = out.String(), out.Truncated()

	switch {
	case ctx.Err() != nil:
		return fail(res, "sandbox cancelled: "+ctx.Err().Error())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("deadline of %s exceeded; sandbox terminated", limits.Timeout)
		log.Warn("sandbox timed out", logx.Duration("timeout", limits.Timeout))
		return res
	case exit.Err != nil:
		return fail(res, "sandbox launch failed: "+exit.Err.Error())
	case exit.ResourceKilled:
		return fail(res, fmt.Sprintf("resource limit exceeded (%s)", exit.describe()))
	}

	records, err := readResult(filepath.Join(workdir, resultFile))
	if err != nil {
		return fail(res, err.Error())
	}
	if exit.Code != 0 {
		return fail(res, fmt.Sprintf("routine reported success but exited abnormally (%s)", exit.describe()))
	}
	res.Status = StatusSuccess
	res.Records = records
	log.Debug("sandbox finished", logx.Int("records", len(records)))
	return res
}

func fail(res Result, msg string) Result {
	res.Status = StatusFailure
	res.Records = nil
	res.Error = msg
	return res
}

// prepare creates the work directory with the harness and support files.
func (r *Runner) prepare(rt Runtime, routine string) (string, error) {
	script, err := rt.Render(routine)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(r.workRoot, "hv-")
	if err != nil {
		return "", err
	}
	files := map[string][]byte{rt.Script: script}
	for name, b := range rt.Files {
		files[name] = b
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

func (r *Runner) openBroker(ctx context.Context, path, target string, log logx.Logger) (*Broker, error) {
	var page browser.Page
	if r.pages != nil {
		p, err := r.pages.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire page: %w", err)
		}
		page = p
	}
	b, err := ListenBroker(ctx, path, page, target, log)
	if err != nil {
		if page != nil {
			_ = page.Close()
		}
		return nil, err
	}
	return b, nil
}
