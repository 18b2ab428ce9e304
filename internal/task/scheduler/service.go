package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"harvester/internal/domain"
	"harvester/internal/eventbus"
	"harvester/internal/task/engine"
	logx "harvester/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// GroupLister is the slice of the store the scheduler reads.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]domain.Group, error)
}

// Trigger hands a due group to the command queue. It must not block on the
// group run itself.
type Trigger func(ctx context.Context, groupID string) error

// Entry describes one registered group schedule.
type Entry struct {
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name"`
	Schedule  string    `json:"schedule"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitzero"`
}

// SyncResult is published as the schedule.synced event payload.
type SyncResult struct {
	Registered int      `json:"registered"`
	Added      []string `json:"added,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Invalid    []string `json:"invalid,omitempty"`
}

type groupDef struct {
	id       string
	name     string
	schedule string
	parsed   ParsedSpec
	entry    cron.EntryID
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	groups  GroupLister
	trigger Trigger
	parser  cron.Parser

	c    *cron.Cron
	loc  *time.Location
	base context.Context
	defs map[string]*groupDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, groups GroupLister, trigger Trigger, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.Named("scheduler"),
		bus:     bus,
		groups:  groups,
		trigger: trigger,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*groupDef{},
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether cron is ticking.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering and loads schedules from the store. Triggers fire
// with a context derived from ctx that is not cancelled with it; Stop ends
// them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.base = context.WithoutCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
	tz := s.loc.String()
	s.mu.Unlock()

	s.log.Info("service started", logx.String("tz", tz))
	return s.Sync(ctx)
}

// Stop halts triggering. Registered definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entry = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Sync reconciles registered schedules with the store: active groups with a
// non-empty, parseable schedule are registered; everything else is removed.
func (s *Service) Sync(ctx context.Context) error {
	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var res SyncResult
	want := make(map[string]*groupDef, len(groups))
	for _, g := range groups {
		sched := strings.TrimSpace(g.Schedule)
		if !g.Active || sched == "" {
			continue
		}
		ps, err := ParseSchedule(sched)
		if err == nil && ps.Kind == SpecCron {
			_, err = s.parser.Parse(ps.Cron)
		}
		if err != nil {
			res.Invalid = append(res.Invalid, g.Name)
			s.log.Warn("invalid group schedule", logx.String("group", g.Name), logx.String("schedule", sched), logx.Err(err))
			continue
		}
		want[g.ID] = &groupDef{id: g.ID, name: g.Name, schedule: sched, parsed: ps}
	}

	s.mu.Lock()
	for id, d := range s.defs {
		nd, ok := want[id]
		if ok && nd.schedule == d.schedule {
			d.name = nd.name
			delete(want, id)
			continue
		}
		s.removeLocked(d)
		delete(s.defs, id)
		if !ok {
			res.Removed = append(res.Removed, d.name)
		}
	}
	for id, d := range want {
		s.defs[id] = d
		s.addLocked(d)
		res.Added = append(res.Added, d.name)
	}
	res.Registered = len(s.defs)
	s.mu.Unlock()

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	s.log.Debug("schedules synced",
		logx.Int("registered", res.Registered),
		logx.Strs("added", res.Added),
		logx.Strs("removed", res.Removed),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleSynced, Data: res})
	return nil
}

// Entries lists registered schedules ordered by group name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{GroupID: d.id, GroupName: d.name, Schedule: d.schedule, Spec: d.parsed.Spec()}
		if s.c != nil && d.entry != 0 {
			e.Next = s.c.Entry(d.entry).Next
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupName < out[j].GroupName })
	return out
}

func (s *Service) addLocked(d *groupDef) {
	if s.c == nil {
		return
	}
	id := d.id
	job := cron.FuncJob(func() { s.fire(id) })

	if d.parsed.Kind == SpecInterval {
		d.entry = s.c.Schedule(intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), id), job)
		return
	}
	eid, err := s.c.AddJob(d.parsed.Cron, job)
	if err != nil {
		s.log.Warn("register schedule failed", logx.String("group", d.name), logx.Err(err))
		return
	}
	d.entry = eid
}

func (s *Service) removeLocked(d *groupDef) {
	if s.c != nil && d.entry != 0 {
		s.c.Remove(d.entry)
	}
	d.entry = 0
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("bad timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(groupID string) {
	s.mu.Lock()
	ctx := s.base
	d := s.defs[groupID]
	s.mu.Unlock()
	if d == nil || ctx == nil {
		return
	}
	if err := s.trigger(ctx, groupID); err != nil {
		s.reportTriggerError(d.name, err)
		return
	}
	s.log.Debug("group triggered", logx.String("group", d.name))
}

const triggerWarnEvery = time.Minute

// reportTriggerError keeps a busy queue from flooding the log: overlap skips
// are debug, other failures warn at most once a minute per group.
func (s *Service) reportTriggerError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("group still running; tick skipped", logx.String("group", name))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < triggerWarnEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("group trigger failed", logx.String("group", name), logx.Err(err))
}
