//go:build !unix

package sandbox

import (
	"context"
	"errors"
)

type ProcessIsolator struct{}

func NewProcessIsolator() *ProcessIsolator { return &ProcessIsolator{} }

func (p *ProcessIsolator) Name() string { return "process" }

func (p *ProcessIsolator) Mount(workdir string) string { return workdir }

func (p *ProcessIsolator) Run(context.Context, Spec) Exit {
	return Exit{Code: -1, Err: errors.New("process isolation requires a unix host")}
}
