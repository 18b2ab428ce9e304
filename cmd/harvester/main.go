package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"harvester/internal/app"
	logx "harvester/pkg/logx"
)

const usage = `usage: harvester [-config path] <command> [args]

commands:
  serve                         run the scheduler, queue and notifier
  check-config                  validate the config file and exit
  import <manifest>             create or update groups and jobs
  run-job <group/job|id>        execute a job once and wait for the run
  test-job <group/job|id>       execute a job without writing records
  run-group <name|id>           run every active job of a group
  runs [-job ref] [-limit n]    list recent runs
  records -job ref [-limit n]   list extracted records of a job
  schedules                     list the schedules serve would register
`

func main() {
	// A missing .env is fine; the environment may be set by the unit file.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", envOr("HARVESTER_CONFIG", "./harvester.yaml"), "path to config file (yaml, toml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	if cmd == "check-config" {
		os.Exit(checkConfig(cfgPath))
	}

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		logx.NewConsole("info").Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	var code int
	switch cmd {
	case "serve":
		code = serve(ctx, a)
	case "import":
		code = importManifest(ctx, a, rest)
	case "run-job":
		code = runJob(ctx, a, rest, false)
	case "test-job":
		code = runJob(ctx, a, rest, true)
	case "run-group":
		code = runGroup(ctx, a, rest)
	case "runs":
		code = listRuns(ctx, a, rest)
	case "records":
		code = listRecords(ctx, a, rest)
	case "schedules":
		code = listSchedules(ctx, a)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		code = 2
	}

	reason := "done"
	if ctx.Err() != nil {
		reason = "signal"
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()
	os.Exit(code)
}

func serve(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx, app.ModeServe); err != nil {
		a.Logger().Error("start failed", logx.Err(err))
		return 1
	}
	<-ctx.Done()
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
