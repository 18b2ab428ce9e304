// Package manifest imports groups and jobs from a YAML document.
//
//	groups:
//	  - name: grants
//	    schedule: "@every 1h"
//	    active: true
//	    parallel: true
//	    notify: ["https://hooks.example.org/x", "ops@example.org"]
//	    jobs:
//	      - name: nsf
//	        target_url: https://www.nsf.gov/funding
//	        data_type: GRANT
//	        runtime: python
//	        timeout: 5m
//	        routine_file: routines/nsf.py
//
// Groups are matched by name and jobs by (group, name); matches are updated,
// everything else is created. Nothing is deleted.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v3"

	"harvester/internal/domain"
)

type Manifest struct {
	Groups []Group `yaml:"groups" validate:"required,min=1,unique=Name,dive"`
}

type Group struct {
	Name     string   `yaml:"name" validate:"required,max=200"`
	Schedule string   `yaml:"schedule"`
	Active   *bool    `yaml:"active"`
	Parallel bool     `yaml:"parallel"`
	Notify   []string `yaml:"notify" validate:"dive,required"`
	Jobs     []Job    `yaml:"jobs" validate:"unique=Name,dive"`
}

type Job struct {
	Name        string   `yaml:"name" validate:"required,max=200"`
	TargetURL   string   `yaml:"target_url" validate:"omitempty,url"`
	Description string   `yaml:"description"`
	Runtime     string   `yaml:"runtime"`
	DataType    string   `yaml:"data_type" validate:"omitempty,oneof=RFP GRANT JOB NEWS GENERIC"`
	Schema      []string `yaml:"schema" validate:"dive,required"`
	Order       int      `yaml:"order" validate:"gte=0"`
	Active      *bool    `yaml:"active"`
	Timeout     string   `yaml:"timeout"`

	Routine     string `yaml:"routine" validate:"required_without=RoutineFile,excluded_with=RoutineFile"`
	RoutineFile string `yaml:"routine_file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path; routine_file entries resolve relative to its directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var errs []error
	for gi := range m.Groups {
		g := &m.Groups[gi]
		for ji := range g.Jobs {
			j := &g.Jobs[ji]
			where := fmt.Sprintf("groups[%s].jobs[%s]", g.Name, j.Name)
			if j.Timeout != "" {
				if d, err := time.ParseDuration(j.Timeout); err != nil || d < 0 {
					errs = append(errs, fmt.Errorf("%s.timeout: invalid duration %q", where, j.Timeout))
				}
			}
			if j.RoutineFile != "" {
				p := j.RoutineFile
				if !filepath.IsAbs(p) {
					p = filepath.Join(baseDir, p)
				}
				b, err := os.ReadFile(p)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s.routine_file: %w", where, err))
					continue
				}
				j.Routine = string(b)
			}
			if strings.TrimSpace(j.Routine) == "" {
				errs = append(errs, fmt.Errorf("%s: routine is empty", where))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

type Store interface {
	CreateGroup(ctx context.Context, g *domain.Group) error
	UpdateGroup(ctx context.Context, g *domain.Group) error
	GetGroupByName(ctx context.Context, name string) (domain.Group, error)
	CreateJob(ctx context.Context, j *domain.Job) error
	UpdateJob(ctx context.Context, j *domain.Job) error
	GetJobByName(ctx context.Context, groupID, name string) (domain.Job, error)
}

// Summary counts what Apply did.
type Summary struct {
	GroupsCreated int
	GroupsUpdated int
	JobsCreated   int
	JobsUpdated   int
	// RoutinesChanged lists "group/job" for updated jobs whose routine
	// version went up.
	RoutinesChanged []string
}

// Apply upserts every group and job of m.
func Apply(ctx context.Context, st Store, m *Manifest) (Summary, error) {
	var sum Summary
	for _, mg := range m.Groups {
		g, err := st.GetGroupByName(ctx, mg.Name)
		created := errors.Is(err, domain.ErrNotFound)
		if err != nil && !created {
			return sum, fmt.Errorf("group %s: %w", mg.Name, err)
		}
		g.Name = mg.Name
		g.Schedule = strings.TrimSpace(mg.Schedule)
		g.Active = boolOr(mg.Active, true)
		g.Parallel = mg.Parallel
		g.NotificationDestinations = mg.Notify
		if created {
			err = st.CreateGroup(ctx, &g)
			sum.GroupsCreated++
		} else {
			err = st.UpdateGroup(ctx, &g)
			sum.GroupsUpdated++
		}
		if err != nil {
			return sum, fmt.Errorf("group %s: %w", mg.Name, err)
		}

		for _, mj := range mg.Jobs {
			if err := applyJob(ctx, st, g, mj, &sum); err != nil {
				return sum, fmt.Errorf("job %s/%s: %w", mg.Name, mj.Name, err)
			}
		}
	}
	return sum, nil
}

func applyJob(ctx context.Context, st Store, g domain.Group, mj Job, sum *Summary) error {
	j, err := st.GetJobByName(ctx, g.ID, mj.Name)
	created := errors.Is(err, domain.ErrNotFound)
	if err != nil && !created {
		return err
	}
	prevVersion := j.RoutineVersion

	j.GroupID = g.ID
	j.Name = mj.Name
	j.TargetURL = mj.TargetURL
	j.Description = mj.Description
	j.Routine = mj.Routine
	j.Runtime = mj.Runtime
	j.DataType = domain.DataType(mj.DataType)
	if j.DataType == "" {
		j.DataType = domain.DataTypeGeneric
	}
	j.Schema = mj.Schema
	j.ExecutionOrder = mj.Order
	j.Active = boolOr(mj.Active, true)
	j.Timeout = 0
	if mj.Timeout != "" {
		j.Timeout, _ = time.ParseDuration(mj.Timeout)
	}

	if created {
		sum.JobsCreated++
		return st.CreateJob(ctx, &j)
	}
	if err := st.UpdateJob(ctx, &j); err != nil {
		return err
	}
	sum.JobsUpdated++
	if j.RoutineVersion > prevVersion {
		sum.RoutinesChanged = append(sum.RoutinesChanged, g.Name+"/"+j.Name)
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
