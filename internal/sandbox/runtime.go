package sandbox

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"harvester/internal/domain"
)

//go:embed harness/*
var harnessFS embed.FS

// Runtime describes how a routine written in one language is wrapped and
// launched.
type Runtime struct {
	Name string
	// Command is the interpreter argv; the harness path is appended.
	Command []string
	// Image is the container image used by the docker isolator.
	Image string
	// Script is the harness file name inside the work directory.
	Script string
	// EntryPoint must match somewhere in the routine.
	EntryPoint *regexp.Regexp
	EntryHint  string
	// Files are written next to the harness.
	Files map[string][]byte

	harness *template.Template
}

// Validate performs the structural checks done before any sandbox starts.
// It makes no judgement about what the routine does; containment is the
// isolator's job.
func (rt Runtime) Validate(routine string) error {
	if strings.TrimSpace(routine) == "" {
		return domain.NewError(domain.KindValidation, "routine is empty", nil)
	}
	if rt.EntryPoint != nil && !rt.EntryPoint.MatchString(routine) {
		return domain.NewError(domain.KindValidation, "missing entry point "+rt.EntryHint, nil)
	}
	return nil
}

// Render embeds routine into the harness.
func (rt Runtime) Render(routine string) ([]byte, error) {
	if rt.harness == nil {
		return nil, fmt.Errorf("runtime %s has no harness", rt.Name)
	}
	var buf bytes.Buffer
	if err := rt.harness.Execute(&buf, struct{ Routine string }{routine}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Registry maps runtime names to runtimes.
type Registry map[string]Runtime

// Lookup returns the named runtime.
func (r Registry) Lookup(name string) (Runtime, bool) {
	rt, ok := r[strings.ToLower(strings.TrimSpace(name))]
	return rt, ok
}

func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Override replaces the command or image of a registered runtime.
func (r Registry) Override(name string, command []string, image string) error {
	rt, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown runtime %q", name)
	}
	if len(command) > 0 {
		rt.Command = append([]string(nil), command...)
	}
	if image != "" {
		rt.Image = image
	}
	r[rt.Name] = rt
	return nil
}

// Builtins returns the python and sh runtimes.
func Builtins() Registry {
	return Registry{
		"python": {
			Name:       "python",
			Command:    []string{"python3", "-u"},
			Image:      "python:3.12-slim",
			Script:     "harness.py",
			EntryPoint: regexp.MustCompile(`(?m)^\s*async\s+def\s+scrape_data\s*\(`),
			EntryHint:  "'async def scrape_data(page)'",
			Files:      map[string][]byte{"harvester_page.py": mustAsset("harness/harvester_page.py")},
			harness:    mustTemplate("harness/python.py.tmpl"),
		},
		"sh": {
			Name:       "sh",
			Command:    []string{"/bin/sh"},
			Image:      "alpine:3.20",
			Script:     "harness.sh",
			EntryPoint: regexp.MustCompile(`(?m)^\s*scrape_data\s*\(\s*\)`),
			EntryHint:  "'scrape_data()'",
			harness:    mustTemplate("harness/sh.sh.tmpl"),
		},
	}
}

func mustAsset(name string) []byte {
	b, err := harnessFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return b
}

func mustTemplate(name string) *template.Template {
	return template.Must(template.New(name).Parse(string(mustAsset(name))))
}
