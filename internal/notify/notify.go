// Package notify surfaces noteworthy scheduler events to the operator. It
// subscribes to the event bus and writes human-readable lines to the daemon
// log; an optional hook command receives the same line on stdin.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
)

type Notifier struct {
	enabled  bool
	hookCmd  string
	logger   *log.Logger
	logLevel logging.Level
	unsubs   []func()
}

func New(cfg model.NotifyConfig, logger *log.Logger, level logging.Level) *Notifier {
	return &Notifier{
		enabled:  cfg.Enabled,
		hookCmd:  cfg.Hook,
		logger:   logger,
		logLevel: level,
	}
}

// Attach subscribes to the event types worth telling the operator about.
func (n *Notifier) Attach(bus *events.Bus) {
	if !n.enabled {
		return
	}
	n.unsubs = append(n.unsubs,
		bus.Subscribe(events.TypePhaseChanged, n.onPhaseChanged),
		bus.Subscribe(events.TypeRecovery, n.onRecovery),
		bus.Subscribe(events.TypeQueueWarning, n.onWarning),
	)
}

func (n *Notifier) Detach() {
	for _, u := range n.unsubs {
		u()
	}
	n.unsubs = nil
}

func (n *Notifier) onPhaseChanged(ev events.Event) {
	// Only terminal transitions are notification-worthy.
	if ev.To != model.PhaseComplete {
		return
	}
	n.emit(fmt.Sprintf("task completed workspace=%s task=%s", ev.Workspace, ev.TaskID))
}

func (n *Notifier) onRecovery(ev events.Event) {
	n.emit(fmt.Sprintf("stale execution recovered workspace=%s task=%s reason=%s", ev.Workspace, ev.TaskID, ev.Reason))
}

func (n *Notifier) onWarning(ev events.Event) {
	n.emit(fmt.Sprintf("attention needed workspace=%s task=%s reason=%q", ev.Workspace, ev.TaskID, ev.Reason))
}

func (n *Notifier) emit(line string) {
	n.log(logging.LevelInfo, "%s", line)

	if n.hookCmd == "" {
		return
	}
	cmd := exec.Command(n.hookCmd)
	cmd.Stdin = strings.NewReader(line + "\n")
	if err := cmd.Run(); err != nil {
		n.log(logging.LevelWarn, "hook_failed cmd=%s error=%v", n.hookCmd, err)
	}
}

func (n *Notifier) log(level logging.Level, format string, args ...any) {
	if level < n.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	n.logger.Printf("%s %s notify: %s", time.Now().Format(time.RFC3339), level, msg)
}
