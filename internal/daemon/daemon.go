// Package daemon wires the flowline runtime together: single-instance lock,
// startup recovery sweep, per-workspace queue managers, filesystem watches,
// and the IPC control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/ipc"
	"github.com/flowline-dev/flowline/internal/lease"
	"github.com/flowline-dev/flowline/internal/lock"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/notify"
	"github.com/flowline-dev/flowline/internal/queue"
	"github.com/flowline-dev/flowline/internal/recovery"
	"github.com/flowline-dev/flowline/internal/session"
	"github.com/flowline-dev/flowline/internal/setup"
	"github.com/flowline-dev/flowline/internal/status"
	"github.com/flowline-dev/flowline/internal/store"
)

const Version = "0.2.0"

// debounce window for filesystem-triggered kicks; editors fire bursts.
const watchDebounce = 200 * time.Millisecond

type workspaceRuntime struct {
	name    string
	store   *store.Store
	leases  *lease.Store
	manager *queue.Manager
}

type Daemon struct {
	layout   setup.Layout
	cfg      model.Config
	logger   *log.Logger
	logLevel logging.Level
	logFile  *os.File

	flock    *lock.FileLock
	locks    *lock.MutexMap
	bus      *events.Bus
	activity *events.ActivityLog
	runner   session.Runner
	planning *session.PlanningRegistry
	reporter *status.Reporter
	notifier *notify.Notifier
	server   *ipc.Server
	watcher  *fsnotify.Watcher

	mu           sync.Mutex
	workspaces   map[string]*workspaceRuntime
	planSessions map[string]*session.Context // workspace → live planning session
	runCtx       context.Context

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

func New(root string) (*Daemon, error) {
	layout := setup.NewLayout(root)
	cfg, err := setup.LoadConfig(root)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Logging.Level)

	if err := os.MkdirAll(layout.LogsDir(), 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	logFile, err := os.OpenFile(layout.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	logger := log.New(io.MultiWriter(os.Stdout, logFile), "", 0)

	return &Daemon{
		layout:       layout,
		cfg:          cfg,
		logger:       logger,
		logLevel:     level,
		logFile:      logFile,
		locks:        lock.NewMutexMap(),
		planning:     session.NewPlanningRegistry(),
		shutdownCh:   make(chan struct{}),
		workspaces:   make(map[string]*workspaceRuntime),
		planSessions: make(map[string]*session.Context),
	}, nil
}

// Run starts everything and blocks until ctx is cancelled or a shutdown
// command arrives over IPC.
func (d *Daemon) Run(ctx context.Context) error {
	d.runCtx = ctx
	if err := os.MkdirAll(d.layout.LocksDir(), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	d.flock = lock.NewFileLock(d.layout.LockPath())
	if err := d.flock.TryLock(); err != nil {
		return fmt.Errorf("another daemon holds %s: %w", d.layout.LockPath(), err)
	}
	defer func() { _ = d.flock.Unlock() }()

	d.log(logging.LevelInfo, "starting version=%s root=%s", Version, d.layout.Root)

	activity, err := events.NewActivityLog(d.layout.ActivityPath(), 0)
	if err != nil {
		return err
	}
	d.activity = activity
	defer func() { _ = d.activity.Close() }()

	d.bus = events.NewBus(0)
	defer d.bus.Close()

	d.runner = session.NewProcessRunner(d.cfg.Agent, d.logger, d.logLevel)

	d.notifier = notify.New(d.cfg.Notify, d.logger, d.logLevel)
	d.notifier.Attach(d.bus)
	defer d.notifier.Detach()

	if err := d.buildWorkspaces(); err != nil {
		return err
	}

	// The sweep runs to completion before any manager can schedule, so no
	// scheduling decision is made against pre-crash state.
	ttl := time.Duration(d.cfg.Scheduler.LeaseTTL()) * time.Second
	sweeper := recovery.NewSweeper(ttl, d.bus, d.activity, d.logger, d.logLevel)
	repairs, err := sweeper.Sweep(ctx, d.sweepTargets())
	if err != nil {
		d.log(logging.LevelWarn, "sweep_errors error=%v", err)
	}
	d.log(logging.LevelInfo, "sweep_complete repairs=%d", len(repairs))

	d.reporter = status.NewReporter(Version, ttl, d.statusSources)

	for _, ws := range d.snapshotWorkspaces() {
		ws.manager.Run()
		ws.manager.Kick()
	}

	if err := d.startWatcher(); err != nil {
		d.log(logging.LevelWarn, "watch_unavailable error=%v (falling back to safety timer)", err)
	}

	d.server = ipc.NewServer(d.layout.SocketPath(), d.logger, d.logLevel)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.log(logging.LevelInfo, "signal received; shutting down")
	case <-d.shutdownCh:
		d.log(logging.LevelInfo, "shutdown requested over ipc")
	}

	return d.shutdown()
}

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) shutdown() error {
	if d.server != nil {
		_ = d.server.Stop()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}

	timeout := time.Duration(d.cfg.Daemon.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	done := make(chan struct{})
	go func() {
		for _, ws := range d.snapshotWorkspaces() {
			ws.manager.Close()
		}
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log(logging.LevelInfo, "stopped cleanly")
	case <-time.After(timeout):
		d.log(logging.LevelWarn, "shutdown timed out after %s; exiting anyway", timeout)
	}

	_ = d.logFile.Close()
	return nil
}

func (d *Daemon) buildWorkspaces() error {
	names, err := d.layout.Workspaces()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		if err := d.layout.EnsureWorkspace(setup.DefaultWorkspace); err != nil {
			return err
		}
		names = []string{setup.DefaultWorkspace}
	}

	for _, name := range names {
		if _, err := d.addWorkspace(name); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) addWorkspace(name string) (*workspaceRuntime, error) {
	wsDir := d.layout.WorkspaceDir(name)
	st := store.New(wsDir, d.locks, d.logger, d.logLevel)
	leases := lease.NewStore(wsDir, d.logger, d.logLevel)

	mgr, err := queue.NewManager(
		name, st, leases, d.runner, d.bus, d.activity,
		d.cfg.Scheduler, lease.OwnerID(os.Getpid(), name),
		d.logger, d.logLevel,
	)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", name, err)
	}

	ws := &workspaceRuntime{name: name, store: st, leases: leases, manager: mgr}
	d.mu.Lock()
	d.workspaces[name] = ws
	d.mu.Unlock()
	return ws, nil
}

func (d *Daemon) workspace(name string) (*workspaceRuntime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[name]
	return ws, ok
}

func (d *Daemon) snapshotWorkspaces() []*workspaceRuntime {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*workspaceRuntime, 0, len(d.workspaces))
	for _, ws := range d.workspaces {
		out = append(out, ws)
	}
	return out
}

func (d *Daemon) sweepTargets() []recovery.Workspace {
	var targets []recovery.Workspace
	for _, ws := range d.snapshotWorkspaces() {
		targets = append(targets, recovery.Workspace{
			Name:   ws.name,
			Store:  ws.store,
			Leases: ws.leases,
		})
	}
	return targets
}

func (d *Daemon) statusSources() []status.Source {
	var sources []status.Source
	for _, ws := range d.snapshotWorkspaces() {
		sources = append(sources, status.Source{
			Name:    ws.name,
			Store:   ws.store,
			Leases:  ws.leases,
			Manager: ws.manager,
		})
	}
	return sources
}

// startWatcher kicks a workspace's manager when its tasks directory changes,
// so externally edited task files are picked up without waiting for the
// safety timer.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher

	for _, ws := range d.snapshotWorkspaces() {
		dir := filepath.Join(d.layout.WorkspaceDir(ws.name), "tasks")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		pending := make(map[string]*time.Timer)
		var mu sync.Mutex

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
					continue
				}
				wsName := filepath.Base(filepath.Dir(filepath.Dir(ev.Name)))
				ws, ok := d.workspace(wsName)
				if !ok {
					continue
				}

				mu.Lock()
				if t, exists := pending[wsName]; exists {
					t.Reset(watchDebounce)
				} else {
					pending[wsName] = time.AfterFunc(watchDebounce, func() {
						mu.Lock()
						delete(pending, wsName)
						mu.Unlock()
						ws.manager.Kick()
					})
				}
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.log(logging.LevelWarn, "watch_error error=%v", err)
			}
		}
	}()
	return nil
}

func (d *Daemon) log(level logging.Level, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
