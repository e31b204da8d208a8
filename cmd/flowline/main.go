package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flowline-dev/flowline/internal/daemon"
	"github.com/flowline-dev/flowline/internal/ipc"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/setup"
	"github.com/flowline-dev/flowline/internal/status"
)

const rootDirName = ".flowline"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "kick":
		runKick(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "stop-execution":
		runStopExecution(os.Args[2:])
	case "version":
		fmt.Printf("flowline %s\n", daemon.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: flowline <command> [options]

commands:
  init [dir]             scaffold a .flowline/ data root
  daemon                 run the scheduler daemon in the foreground
  down                   ask a running daemon to shut down
  status                 show queue and task status
  kick [-w workspace]    request a scheduling pass
  queue start|stop       enable or disable a workspace's scheduler
  task add|list|move|plan|archive|restore|delete|promote
  stop-execution <id>    cancel a task's live session
  version                print the version
`)
}

// findRoot walks up from the working directory looking for .flowline/.
func findRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, rootDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustRoot() string {
	root := findRoot()
	if root == "" {
		fmt.Fprintln(os.Stderr, "error: .flowline/ directory not found. Run 'flowline init' first.")
		os.Exit(1)
	}
	return root
}

func client() *ipc.Client {
	return ipc.NewClient(setup.NewLayout(mustRoot()).SocketPath())
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		fatal("init: %v", err)
	}
	root := filepath.Join(abs, rootDirName)
	if err := setup.Init(root, filepath.Base(abs)); err != nil {
		fatal("init: %v", err)
	}
	fmt.Printf("Initialized %s\n", root)
}

func runDaemon(_ []string) {
	d, err := daemon.New(mustRoot())
	if err != nil {
		fatal("daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fatal("daemon: %v", err)
	}
}

func runDown(_ []string) {
	if _, err := client().Call(ipc.CmdShutdown, nil); err != nil {
		fatal("down: %v", err)
	}
	fmt.Println("shutdown requested")
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	resp, err := client().Call(ipc.CmdStatus, nil)
	if err != nil {
		fatal("status: %v", err)
	}

	if *asJSON {
		os.Stdout.Write(resp.Data)
		fmt.Println()
		return
	}

	var snap status.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		fatal("status: decode: %v", err)
	}
	printSnapshot(snap)
}

func printSnapshot(snap status.Snapshot) {
	fmt.Printf("flowline %s  generated %s\n", snap.Version, snap.GeneratedAt)
	for _, ws := range snap.Workspaces {
		state := "stopped"
		if ws.Queue.Enabled {
			state = "running"
		}
		fmt.Printf("\nworkspace %s  queue=%s ready=%d executing=%d",
			ws.Name, state, ws.Queue.ReadyCount, ws.Queue.ExecutingCount)
		if ws.Queue.CurrentTaskID != "" {
			fmt.Printf(" current=%s", ws.Queue.CurrentTaskID)
		}
		fmt.Println()
		for _, t := range ws.Tasks {
			marker := " "
			switch {
			case t.FailedAt != "":
				marker = "!"
			case t.LeaseFresh:
				marker = "*"
			}
			fmt.Printf("  %s %-10s %-13s %s  %s\n", marker, t.Phase, t.Mode, t.ID, t.Title)
		}
	}
}

func runKick(args []string) {
	fs := flag.NewFlagSet("kick", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	if _, err := client().Call(ipc.CmdKick, ipc.WorkspaceParams{Workspace: *workspace}); err != nil {
		fatal("kick: %v", err)
	}
}

func runQueue(args []string) {
	if len(args) < 1 {
		fatal("usage: flowline queue <start|stop> [-w workspace]")
	}

	var cmd string
	switch args[0] {
	case "start":
		cmd = ipc.CmdQueueStart
	case "stop":
		cmd = ipc.CmdQueueStop
	default:
		fatal("unknown queue subcommand: %s\nusage: flowline queue <start|stop> [-w workspace]", args[0])
	}

	fs := flag.NewFlagSet("queue "+args[0], flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args[1:])

	resp, err := client().Call(cmd, ipc.WorkspaceParams{Workspace: *workspace})
	if err != nil {
		fatal("queue %s: %v", args[0], err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

func runTask(args []string) {
	if len(args) < 1 {
		fatal("usage: flowline task <add|list|move|archive|restore|delete|promote> [options]")
	}
	switch args[0] {
	case "add":
		runTaskAdd(args[1:])
	case "list":
		runTaskList(args[1:])
	case "move":
		runTaskMove(args[1:])
	case "archive":
		runTaskFixed(args[1:], "archive", ipc.CmdTaskArchive)
	case "restore":
		runTaskFixed(args[1:], "restore", ipc.CmdTaskRestore)
	case "delete":
		runTaskFixed(args[1:], "delete", ipc.CmdTaskDelete)
	case "plan":
		runTaskFixedJSON(args[1:], "plan", ipc.CmdPlanStart)
	case "promote":
		runTaskPromote(args[1:])
	default:
		fatal("unknown task subcommand: %s", args[0])
	}
}

func runTaskAdd(args []string) {
	fs := flag.NewFlagSet("task add", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	description := fs.String("d", "", "task description")
	skipPlanning := fs.Bool("skip-planning", false, "bypass the planning gate")
	draft := fs.Bool("draft", false, "stage as a draft instead of a backlog task")
	var criteria criteriaFlag
	fs.Var(&criteria, "c", "acceptance criterion (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatal("usage: flowline task add [options] <title>")
	}

	resp, err := client().Call(ipc.CmdTaskAdd, ipc.TaskAddParams{
		Workspace:    *workspace,
		Title:        fs.Arg(0),
		Description:  *description,
		SkipPlanning: *skipPlanning,
		Criteria:     criteria,
		Draft:        *draft,
	})
	if err != nil {
		fatal("task add: %v", err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

func runTaskList(args []string) {
	fs := flag.NewFlagSet("task list", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	resp, err := client().Call(ipc.CmdTaskList, ipc.WorkspaceParams{Workspace: *workspace})
	if err != nil {
		fatal("task list: %v", err)
	}

	var tasks []model.Task
	if err := json.Unmarshal(resp.Data, &tasks); err != nil {
		fatal("task list: decode: %v", err)
	}
	for _, t := range tasks {
		fmt.Printf("%-10s %6.1f  %s  %s\n", t.Phase, t.Order, t.ID, t.Title)
	}
}

func runTaskMove(args []string) {
	fs := flag.NewFlagSet("task move", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	reason := fs.String("reason", "", "reason recorded in the task history")
	_ = fs.Parse(args)

	if fs.NArg() < 2 {
		fatal("usage: flowline task move [options] <task-id> <phase>")
	}

	resp, err := client().Call(ipc.CmdTaskMove, ipc.TaskMoveParams{
		Workspace: *workspace,
		TaskID:    fs.Arg(0),
		To:        fs.Arg(1),
		Reason:    *reason,
	})
	if err != nil {
		fatal("task move: %v", err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

func runTaskFixed(args []string, name, cmd string) {
	fs := flag.NewFlagSet("task "+name, flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatal("usage: flowline task %s [-w workspace] <task-id>", name)
	}

	if _, err := client().Call(cmd, ipc.TaskParams{
		Workspace: *workspace,
		TaskID:    fs.Arg(0),
	}); err != nil {
		fatal("task %s: %v", name, err)
	}
	fmt.Printf("task %s: %s\n", name, fs.Arg(0))
}

func runTaskFixedJSON(args []string, name, cmd string) {
	fs := flag.NewFlagSet("task "+name, flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatal("usage: flowline task %s [-w workspace] <task-id>", name)
	}

	resp, err := client().Call(cmd, ipc.TaskParams{
		Workspace: *workspace,
		TaskID:    fs.Arg(0),
	})
	if err != nil {
		fatal("task %s: %v", name, err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

func runTaskPromote(args []string) {
	fs := flag.NewFlagSet("task promote", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatal("usage: flowline task promote [-w workspace] <draft-id>")
	}

	resp, err := client().Call(ipc.CmdDraftPromote, ipc.DraftPromoteParams{
		Workspace: *workspace,
		DraftID:   fs.Arg(0),
	})
	if err != nil {
		fatal("task promote: %v", err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

func runStopExecution(args []string) {
	fs := flag.NewFlagSet("stop-execution", flag.ExitOnError)
	workspace := fs.String("w", setup.DefaultWorkspace, "workspace name")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fatal("usage: flowline stop-execution [-w workspace] <task-id>")
	}

	resp, err := client().Call(ipc.CmdStopExecution, ipc.TaskParams{
		Workspace: *workspace,
		TaskID:    fs.Arg(0),
	})
	if err != nil {
		fatal("stop-execution: %v", err)
	}
	os.Stdout.Write(resp.Data)
	fmt.Println()
}

// criteriaFlag collects repeatable -c flags.
type criteriaFlag []string

func (c *criteriaFlag) String() string { return fmt.Sprint([]string(*c)) }

func (c *criteriaFlag) Set(v string) error {
	*c = append(*c, v)
	return nil
}
