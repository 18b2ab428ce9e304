package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	JSON    bool // console emits raw JSON lines instead of the pretty writer
	File    FileConfig
	// Components overrides Level per component, keyed by the name given to
	// Logger.Named ("sandbox": "debug").
	Components map[string]string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	compKey           = "comp"
	defaultFile       = "./harvester.log"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Strs(k string, v []string) Field  { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// output is one immutable writer setup. The zerolog logger itself accepts
// every level; filtering happens per component in Logger.log.
type output struct {
	zl    zerolog.Logger
	level zerolog.Level
	comps map[string]zerolog.Level
}

func (o *output) threshold(comp string) zerolog.Level {
	if comp != "" {
		// "sandbox.docker" falls back to "sandbox".
		for name := comp; name != ""; {
			if lvl, ok := o.comps[name]; ok {
				return lvl
			}
			i := strings.LastIndexByte(name, '.')
			if i < 0 {
				break
			}
			name = name[:i]
		}
	}
	return o.level
}

func newOutput(w io.Writer, level string, comps map[string]string) *output {
	o := &output{
		zl:    zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger(),
		level: parseLevel(level, zerolog.InfoLevel),
	}
	if len(comps) > 0 {
		o.comps = make(map[string]zerolog.Level, len(comps))
		for name, lvl := range comps {
			o.comps[strings.TrimSpace(name)] = parseLevel(lvl, o.level)
		}
	}
	return o
}

// Logger is a value-type structured logger. Loggers derived from a Service
// follow its Apply calls. The zero value discards everything.
type Logger struct {
	svc    *Service
	own    *output
	comp   string
	fields []Field
}

var nopOutput = &output{zl: zerolog.Nop(), level: zerolog.Disabled}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{own: nopOutput} }

// NewConsole creates a standalone console logger, used by the CLI before
// the configured Service exists.
func NewConsole(level string) Logger {
	setGlobals()
	return Logger{own: newOutput(newConsoleWriter(Stderr()), level, nil)}
}

// NewWriter builds a logger writing JSON lines to w. Handy in tests.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	o := newOutput(w, level, nil)
	if strings.TrimSpace(level) == "" {
		o.level = zerolog.DebugLevel
	}
	return Logger{own: o}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.own == nil && len(l.fields) == 0 }

func (l Logger) out() *output {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.own != nil:
		return l.own
	default:
		return nopOutput
	}
}

// Enabled reports whether level would be written for this logger's component.
func (l Logger) Enabled(level Level) bool {
	return level >= l.out().threshold(l.comp)
}

// Named returns a logger for component comp. The name is written as the
// "comp" field and selects the per-component level.
func (l Logger) Named(comp string) Logger {
	cp := l
	cp.comp = comp
	return cp
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	o := l.out()
	if level < o.threshold(l.comp) {
		return
	}
	e := o.zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	if l.comp != "" {
		e.Str(compKey, l.comp)
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the configured sinks and lets Apply swap them at runtime.
type Service struct {
	mu   sync.Mutex
	file *os.File
	out  atomic.Pointer[output]
}

// New applies cfg and returns the Service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *output {
	if o := s.out.Load(); o != nil {
		return o
	}
	return nopOutput
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, Stderr())
		} else {
			writers = append(writers, newConsoleWriter(Stderr()))
		}
	}

	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stderr()))
	}

	s.out.Store(newOutput(zerolog.MultiLevelWriter(writers...), cfg.Level, cfg.Components))
	// The old file is closed after the swap so in-flight writes land.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = consoleTimeFormat
		zerolog.ErrorFieldName = "err"
	})
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// ParseLevel reports whether s names a level.
func ParseLevel(s string) (Level, bool) {
	lvl := parseLevel(s, zerolog.NoLevel)
	return lvl, lvl != zerolog.NoLevel
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return def
	}
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
