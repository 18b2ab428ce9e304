package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"harvester/internal/app"
	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/manifest"
	"harvester/internal/storage"
	"harvester/internal/task/engine"
	logx "harvester/pkg/logx"
)

const pollEvery = 250 * time.Millisecond

func checkConfig(path string) int {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		return 1
	}
	fmt.Printf("%s: ok (storage=%s sandbox=%s runtime=%s scheduler=%t notifier=%t)\n",
		path, cfg.Storage.Driver, cfg.Sandbox.Backend, cfg.Sandbox.DefaultRuntime,
		cfg.Scheduler.Enabled, cfg.Notifier.Enabled)
	return 0
}

func importManifest(ctx context.Context, a *app.App, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: harvester import <manifest>")
		return 2
	}
	m, err := manifest.Load(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	sum, err := manifest.Apply(ctx, a.Store(), m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import failed:", err)
		return 1
	}
	fmt.Printf("groups: %d created, %d updated\n", sum.GroupsCreated, sum.GroupsUpdated)
	fmt.Printf("jobs:   %d created, %d updated\n", sum.JobsCreated, sum.JobsUpdated)
	for _, name := range sum.RoutinesChanged {
		fmt.Printf("routine changed: %s\n", name)
	}
	return 0
}

func runJob(ctx context.Context, a *app.App, args []string, test bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: harvester run-job|test-job <group/job|id>")
		return 2
	}
	job, err := resolveJob(ctx, a.Store(), args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := a.Start(ctx, app.ModeOneShot); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		return 1
	}

	submit := a.Control().RunJob
	if test {
		submit = a.Control().TestJob
	}
	h, err := submit(ctx, job.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queue:", err)
		return 1
	}
	st, err := a.Control().Wait(ctx, h.ID, pollEvery)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait:", err)
		return 1
	}

	if h.RunID != "" {
		if r, err := a.Store().GetRun(ctx, h.RunID); err == nil {
			printRun(r)
		}
	} else if runs, err := a.Store().ListRuns(ctx, storage.RunFilter{JobID: job.ID, Limit: 1}); err == nil && len(runs) > 0 {
		printRun(runs[0])
	}
	return exitCode(st)
}

func runGroup(ctx context.Context, a *app.App, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: harvester run-group <name|id>")
		return 2
	}
	g, err := resolveGroup(ctx, a.Store(), args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := a.Start(ctx, app.ModeOneShot); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		return 1
	}
	h, err := a.Control().RunGroup(ctx, g.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queue:", err)
		return 1
	}
	st, err := a.Control().Wait(ctx, h.ID, pollEvery)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wait:", err)
		return 1
	}

	grs, err := a.Store().ListGroupRuns(ctx, g.ID, 1)
	if err == nil && len(grs) > 0 {
		gr := grs[0]
		fmt.Printf("group %s (%s): %d jobs, %d ok, %d failed, %d items, %d new\n",
			g.Name, g.Mode(), gr.TasksRun, gr.Succeeded, gr.Failed, gr.ItemsFound, gr.NewItems)
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSTATUS\tITEMS\tNEW\tTOOK\tERROR")
		for _, o := range gr.Results {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", o.JobName, o.Status, o.ItemsFound, o.NewItems,
				time.Duration(o.DurationMS)*time.Millisecond, o.Error)
		}
		_ = tw.Flush()
	}
	return exitCode(st)
}

func listRuns(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	ref := fs.String("job", "", "job reference (group/job or id)")
	limit := fs.Int("limit", 20, "max runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	f := storage.RunFilter{Limit: *limit}
	if *ref != "" {
		job, err := resolveJob(ctx, a.Store(), *ref)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		f.JobID = job.ID
	}
	runs, err := a.Store().ListRuns(ctx, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tJOB\tSTATUS\tSTARTED\tITEMS\tNEW\tERROR")
	for _, r := range runs {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Local().Format(time.DateTime)
		}
		status := string(r.Status)
		if r.Test {
			status += " (test)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.ID, r.JobID, status, started, r.ItemsFound, r.NewItems, oneLine(r.ErrorMessage))
	}
	_ = tw.Flush()
	return 0
}

func listRecords(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("records", flag.ContinueOnError)
	ref := fs.String("job", "", "job reference (group/job or id)")
	limit := fs.Int("limit", 20, "max records")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *ref == "" {
		fmt.Fprintln(os.Stderr, "records: -job is required")
		return 2
	}
	job, err := resolveJob(ctx, a.Store(), *ref)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	recs, err := a.Store().ListRecords(ctx, storage.RecordFilter{JobID: job.ID, Limit: *limit})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, r := range recs {
		fmt.Printf("%s seen=%d last=%s %s\n", r.Fingerprint, r.TimesSeen, r.LastSeen.Local().Format(time.DateTime), string(r.Payload))
	}
	return 0
}

func listSchedules(ctx context.Context, a *app.App) int {
	if err := a.Scheduler().Sync(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSCHEDULE\tSPEC")
	for _, e := range a.Scheduler().Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.GroupName, e.Schedule, e.Spec)
	}
	_ = tw.Flush()
	return 0
}

// resolveJob accepts "group/job" names or a job id.
func resolveJob(ctx context.Context, st storage.Store, ref string) (domain.Job, error) {
	if gname, jname, ok := strings.Cut(ref, "/"); ok {
		g, err := st.GetGroupByName(ctx, gname)
		if err != nil {
			return domain.Job{}, fmt.Errorf("group %q: %w", gname, err)
		}
		j, err := st.GetJobByName(ctx, g.ID, jname)
		if err != nil {
			return domain.Job{}, fmt.Errorf("job %q: %w", ref, err)
		}
		return j, nil
	}
	j, err := st.GetJob(ctx, ref)
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %q: %w", ref, err)
	}
	return j, nil
}

func resolveGroup(ctx context.Context, st storage.Store, ref string) (domain.Group, error) {
	g, err := st.GetGroupByName(ctx, ref)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Group{}, err
	}
	g, err = st.GetGroup(ctx, ref)
	if err != nil {
		return domain.Group{}, fmt.Errorf("group %q: %w", ref, err)
	}
	return g, nil
}

func printRun(r domain.Run) {
	fmt.Printf("run %s: %s, %d items, %d new\n", r.ID, r.Status, r.ItemsFound, r.NewItems)
	if r.ErrorMessage != "" {
		fmt.Printf("error (%s): %s\n", r.ErrorKind, r.ErrorMessage)
	}
}

func exitCode(st engine.Status) int {
	if st.State == engine.StateSucceeded {
		return 0
	}
	if st.Error != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", st.State, st.Error)
	}
	return 1
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
