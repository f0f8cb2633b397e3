package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/bookwright/bookwright/internal/canon"
	"github.com/bookwright/bookwright/internal/config"
	"github.com/bookwright/bookwright/internal/diag"
	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/jobs"
	"github.com/bookwright/bookwright/internal/queue"
	"github.com/bookwright/bookwright/internal/registry"
	"github.com/bookwright/bookwright/internal/runner"
	"github.com/bookwright/bookwright/internal/server"
	"github.com/bookwright/bookwright/internal/wizard"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "state":
		cmdState(os.Args[2:])
	case "step":
		cmdStep(os.Args[2:])
	case "plan":
		cmdPlan(os.Args[2:])
	case "action":
		cmdAction(os.Args[2:])
	case "process":
		cmdProcess(os.Args[2:])
	case "finalize":
		cmdFinalize(os.Args[2:])
	case "queue":
		cmdQueue(os.Args[2:])
	case "jobs":
		cmdJobs(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  wizard start    [--config <file>] --root <root> --path <rel> [--mode stage|inplace]")
	fmt.Fprintln(os.Stderr, "  wizard resume   [--config <file>] <session_id>")
	fmt.Fprintln(os.Stderr, "  wizard state    [--config <file>] <session_id>")
	fmt.Fprintln(os.Stderr, "  wizard step     [--config <file>] <session_id> <step_id> --json <payload>")
	fmt.Fprintln(os.Stderr, "  wizard plan     [--config <file>] <session_id>")
	fmt.Fprintln(os.Stderr, "  wizard action   [--config <file>] <session_id> next|back|cancel")
	fmt.Fprintln(os.Stderr, "  wizard process  [--config <file>] <session_id>")
	fmt.Fprintln(os.Stderr, "  wizard finalize [--config <file>] <session_id>   (deprecated)")
	fmt.Fprintln(os.Stderr, "  wizard queue    [--config <file>] run|drain|pause|resume [--workers <n>]")
	fmt.Fprintln(os.Stderr, "  wizard jobs     [--config <file>] list|show|cancel|retry [<job_id>]")
	fmt.Fprintln(os.Stderr, "  wizard serve    [--config <file>] [--addr <host:port>]")
}

// app is the assembled stack shared by every subcommand.
type app struct {
	cfg    *config.Config
	jail   *fsjail.Jail
	bus    *diag.Bus
	stream *diag.Stream
	jobs   *jobs.Service
	reg    *registry.Processed
	engine *wizard.Engine
	sink   *diag.FileSink
}

func defaultConfigPath() string {
	if p := os.Getenv("BOOKWRIGHT_CONFIG"); p != "" {
		return p
	}
	return "bookwright.yaml"
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	roots, err := cfg.RootBindings()
	if err != nil {
		return nil, err
	}
	bus := diag.NewBus()
	jail, err := fsjail.New(roots, bus)
	if err != nil {
		return nil, err
	}
	stream := diag.NewStream()
	stream.Attach(bus)

	wizardsDir, err := jail.RootDir(fsjail.RootWizards)
	if err != nil {
		return nil, err
	}
	eventsDir := filepath.Join(wizardsDir, "import")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, err
	}
	sink, err := diag.AttachFileSink(bus, filepath.Join(eventsDir, "events.ndjson"))
	if err != nil {
		return nil, err
	}

	svc := jobs.NewService(jail, bus)
	reg := registry.NewProcessed(jail)
	registry.AttachSubscriber(bus, jail, reg)
	eng, err := wizard.NewEngine(jail, bus, svc)
	if err != nil {
		sink.Close()
		return nil, err
	}
	eng.SetIgnoreGlobs(cfg.Discovery.IgnoreGlobs)

	return &app{cfg: cfg, jail: jail, bus: bus, stream: stream, jobs: svc, reg: reg, engine: eng, sink: sink}, nil
}

func (a *app) close() {
	if a == nil {
		return
	}
	a.stream.Close()
	_ = a.sink.Close()
}

func mustApp(configPath string) *app {
	a, err := buildApp(configPath)
	if err != nil {
		fail(err)
	}
	return a
}

// emit prints v as indented canonical JSON on stdout.
func emit(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		fail(err)
	}
	c, err := canon.CanonicalizeJSON(raw)
	if err != nil {
		fail(err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, c, "", "  "); err != nil {
		fail(err)
	}
	fmt.Println(buf.String())
}

// fail prints the uniform error envelope and exits 1.
func fail(err error) {
	env := wizard.Envelope(err)
	raw, merr := json.Marshal(env)
	if merr != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var buf bytes.Buffer
	if ierr := json.Indent(&buf, raw, "", "  "); ierr != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(buf.String())
	os.Exit(1)
}

// flagValue consumes the value following args[*i], advancing the index.
func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}

func cmdStart(args []string) {
	configPath := defaultConfigPath()
	var root, path, mode string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--root":
			root = flagValue(args, &i, "--root")
		case "--path":
			path = flagValue(args, &i, "--path")
		case "--mode":
			mode = flagValue(args, &i, "--mode")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if root == "" || path == "" {
		usage()
		os.Exit(1)
	}
	a := mustApp(configPath)
	defer a.close()
	st, err := a.engine.CreateSession(root, path, mode, nil)
	if err != nil {
		fail(err)
	}
	emit(st)
}

// sessionArgs parses [--config <file>] plus trailing positionals.
func sessionArgs(args []string, want int) (string, []string) {
	configPath := defaultConfigPath()
	var pos []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		default:
			pos = append(pos, args[i])
		}
	}
	if len(pos) != want {
		usage()
		os.Exit(1)
	}
	return configPath, pos
}

func cmdResume(args []string) {
	configPath, pos := sessionArgs(args, 1)
	a := mustApp(configPath)
	defer a.close()
	st, err := a.engine.GetState(pos[0])
	if err != nil {
		fail(err)
	}
	// Re-entering the source refreshes the model fingerprint and emits the
	// resume event; the session id is stable.
	st, err = a.engine.CreateSession(st.Source.Root, st.Source.RelPath, st.Mode, nil)
	if err != nil {
		fail(err)
	}
	emit(st)
}

func cmdState(args []string) {
	configPath, pos := sessionArgs(args, 1)
	a := mustApp(configPath)
	defer a.close()
	st, err := a.engine.GetState(pos[0])
	if err != nil {
		fail(err)
	}
	emit(st)
}

func cmdStep(args []string) {
	configPath := defaultConfigPath()
	var payloadJSON string
	var pos []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--json":
			payloadJSON = flagValue(args, &i, "--json")
		default:
			pos = append(pos, args[i])
		}
	}
	if len(pos) != 2 || payloadJSON == "" {
		usage()
		os.Exit(1)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		fail(&wizard.Error{Code: wizard.CodeValidation, Message: fmt.Sprintf("invalid --json payload: %v", err)})
	}
	a := mustApp(configPath)
	defer a.close()
	st, err := a.engine.SubmitStep(pos[0], pos[1], payload)
	if err != nil {
		fail(err)
	}
	emit(st)
}

func cmdPlan(args []string) {
	configPath, pos := sessionArgs(args, 1)
	a := mustApp(configPath)
	defer a.close()
	plan, err := a.engine.ComputePlan(pos[0])
	if err != nil {
		fail(err)
	}
	emit(plan)
}

func cmdAction(args []string) {
	configPath, pos := sessionArgs(args, 2)
	a := mustApp(configPath)
	defer a.close()
	st, err := a.engine.ApplyAction(pos[0], pos[1])
	if err != nil {
		fail(err)
	}
	emit(st)
}

func cmdProcess(args []string) {
	configPath, pos := sessionArgs(args, 1)
	a := mustApp(configPath)
	defer a.close()
	res, err := a.engine.StartProcessing(pos[0], map[string]any{"confirm": true})
	if err != nil {
		fail(err)
	}
	emit(res)
}

func cmdFinalize(args []string) {
	_, _ = sessionArgs(args, 1)
	fail(&wizard.Error{
		Code:    wizard.CodeInvariant,
		Message: "finalize is deprecated; phase 2 is entered via process",
		Details: []wizard.Detail{{Reason: "deprecated_operation", Meta: map[string]any{"replacement": "process"}}},
	})
}

func cmdQueue(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	configPath := defaultConfigPath()
	workers := 0
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--workers":
			v, err := strconv.Atoi(flagValue(args, &i, "--workers"))
			if err != nil {
				fmt.Fprintln(os.Stderr, "--workers requires an integer")
				os.Exit(1)
			}
			workers = v
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	a := mustApp(configPath)
	defer a.close()

	switch sub {
	case "pause":
		if err := queue.Pause(a.jail); err != nil {
			fail(err)
		}
		emit(map[string]any{"mode": "paused"})
	case "resume":
		if err := queue.Resume(a.jail); err != nil {
			fail(err)
		}
		emit(map[string]any{"mode": "running"})
	case "run", "drain":
		lock, err := queue.AcquireLock(a.jail)
		if err != nil {
			fail(err)
		}
		defer lock.Release()
		// An explicit --workers (or config) width wins; otherwise the pool
		// sizes each batch from the admitted runs' persisted parallelism.
		if workers == 0 {
			workers = a.cfg.Queue.Workers
		}
		if workers > 0 {
			workers = queue.ClampWorkers(workers, "")
		}
		run := runner.New(a.jail, a.bus, a.jobs, a.reg, a.cfg.Codec)
		pool := queue.NewPool(a.jobs, a.jail, a.bus, run, workers)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if sub == "drain" {
			err = pool.Drain(ctx)
		} else {
			err = pool.Run(ctx)
		}
		if err != nil && ctx.Err() == nil {
			fail(err)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func cmdJobs(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	want := 1
	if sub == "list" {
		want = 0
	}
	configPath, pos := sessionArgs(args[1:], want)
	a := mustApp(configPath)
	defer a.close()

	switch sub {
	case "list":
		recs, err := a.jobs.List()
		if err != nil {
			fail(err)
		}
		emit(map[string]any{"jobs": recs})
	case "show":
		rec, err := a.jobs.Get(pos[0])
		if err != nil {
			fail(&wizard.Error{Code: wizard.CodeNotFound, Message: err.Error()})
		}
		emit(rec)
	case "cancel":
		rec, err := a.jobs.Cancel(pos[0])
		if err != nil {
			fail(&wizard.Error{Code: wizard.CodeInvariant, Message: err.Error()})
		}
		emit(rec)
	case "retry":
		rec, err := a.jobs.Retry(pos[0])
		if err != nil {
			fail(&wizard.Error{Code: wizard.CodeInvariant, Message: err.Error()})
		}
		emit(rec)
	default:
		usage()
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	configPath := defaultConfigPath()
	addr := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	a := mustApp(configPath)
	defer a.close()
	if addr == "" {
		addr = a.cfg.ServeAddr
	}

	srv := server.New(server.Config{Addr: addr}, a.engine, a.jobs, a.stream)
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		srv.Shutdown()
	}()
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
