// Command taskbrew runs the multi-agent orchestration daemon and a few
// operator subcommands against its database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskbrew/internal/board"
	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/config"
	"github.com/basket/taskbrew/internal/orchestrator"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/roles"
	"github.com/basket/taskbrew/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	prog := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s run                      Start the orchestration daemon
  %s submit <title> [desc]    Submit a goal and print its ids
  %s status                   Print task and agent counts
  %s version                  Print the version

FLAGS:
  -config DIR    Configuration directory (default ~/.taskbrew)
  -log-level L   debug, info, warn, error (default info)
  -quiet         Log to file only (default when stdout is not a TTY)
`, prog, prog, prog, prog, prog)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("taskbrew", flag.ContinueOnError)
	configDir := fs.String("config", "", "configuration directory")
	logLevel := fs.String("log-level", "info", "log level")
	quiet := fs.Bool("quiet", !isatty.IsTerminal(os.Stdout.Fd()), "log to file only")
	fs.Usage = printUsage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cmd := fs.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	switch cmd {
	case "version":
		fmt.Println(Version)
		return 0
	case "run", "submit", "status":
	default:
		printUsage()
		return 2
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if cfg.Team.Logging.Level != "" {
		*logLevel = cfg.Team.Logging.Level
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.Team.HomeDir, *logLevel, *quiet || cfg.Team.Logging.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open logger: %v\n", err)
		return 2
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	switch cmd {
	case "run":
		return runDaemon(cfg, logger)
	case "submit":
		return runSubmit(cfg, logger, fs.Args()[1:])
	case "status":
		return runStatus(cfg)
	}
	return 0
}

func runDaemon(cfg *config.Config, logger *slog.Logger) int {
	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return orchestrator.ExitStoreFailure
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return o.Run(ctx)
}

// runSubmit creates a goal directly against the database; the running
// daemon observes the new pending task through its polling floor.
func runSubmit(cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "submit requires a goal title")
		return 2
	}
	title := args[0]
	description := ""
	if len(args) > 1 {
		description = args[1]
	}

	registry, err := roles.NewRegistry(cfg.Roles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "role registry: %v\n", err)
		return 2
	}
	all := registry.All()
	if len(all) == 0 {
		fmt.Fprintln(os.Stderr, "no roles configured")
		return 2
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return orchestrator.ExitStoreFailure
	}
	defer store.Close()

	eventBus := bus.NewWithLogger(logger)
	defer eventBus.Close()
	brd := board.New(store, registry, eventBus, logger)

	ctx := context.Background()
	group, err := store.CreateGroup(ctx, title, description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create group: %v\n", err)
		return orchestrator.ExitStoreFailure
	}
	intake := all[0]
	taskType := "goal"
	if len(intake.Accepts) > 0 {
		taskType = intake.Accepts[0]
	}
	task, err := brd.CreateTask(ctx, persistence.TaskSpec{
		GroupID:     group.ID,
		Title:       title,
		Description: description,
		TaskType:    taskType,
		AssignedTo:  intake.Name,
		Priority:    persistence.PriorityHigh,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create root task: %v\n", err)
		return 2
	}
	fmt.Printf("group_id: %s\nroot_task_id: %s\n", group.ID, task.ID)
	return 0
}

func runStatus(cfg *config.Config) int {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return orchestrator.ExitStoreFailure
	}
	defer store.Close()

	ctx := context.Background()
	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return orchestrator.ExitStoreFailure
	}
	counts := map[persistence.TaskStatus]int{}
	for _, task := range tasks {
		counts[task.Status]++
	}
	fmt.Printf("tasks: %d total\n", len(tasks))
	for _, status := range []persistence.TaskStatus{
		persistence.StatusBlocked, persistence.StatusPending, persistence.StatusInProgress,
		persistence.StatusCompleted, persistence.StatusFailed, persistence.StatusRejected,
		persistence.StatusCancelled,
	} {
		if counts[status] > 0 {
			fmt.Printf("  %-12s %d\n", status, counts[status])
		}
	}

	agents, err := store.ListAgents(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list agents: %v\n", err)
		return orchestrator.ExitStoreFailure
	}
	fmt.Printf("agents: %d live\n", len(agents))
	for _, agent := range agents {
		fmt.Printf("  %-24s %-10s %s\n", agent.InstanceID, agent.Status, agent.CurrentTaskID)
	}
	return 0
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(cfg.Team.DatabasePath, persistence.Guardrails{
		MaxTaskDepth:        cfg.Team.Guardrails.MaxTaskDepth,
		MaxTasksPerGroup:    cfg.Team.Guardrails.MaxTasksPerGroup,
		RejectionCycleLimit: cfg.Team.Guardrails.RejectionCycleLimit,
	})
}
