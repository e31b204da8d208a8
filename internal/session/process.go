package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
)

// ProcessRunner launches the configured agent command as a subprocess. The
// directive is piped to stdin; task identity travels in the environment so
// the agent can call back over the daemon socket.
type ProcessRunner struct {
	cfg      model.AgentConfig
	logger   *log.Logger
	logLevel logging.Level
}

func NewProcessRunner(cfg model.AgentConfig, logger *log.Logger, level logging.Level) *ProcessRunner {
	return &ProcessRunner{
		cfg:      cfg,
		logger:   logger,
		logLevel: level,
	}
}

func (r *ProcessRunner) Start(ctx context.Context, req Request, onComplete CompleteFunc) error {
	if strings.TrimSpace(r.cfg.Command) == "" {
		return fmt.Errorf("no agent command configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.TimeoutMin > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMin)*time.Minute)
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(),
		"FLOWLINE_TASK_ID="+req.Task.ID,
		"FLOWLINE_WORKSPACE="+req.Workspace,
	)
	cmd.Stdin = strings.NewReader(req.Directive)

	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		return fmt.Errorf("start agent session: %w", err)
	}
	r.log(logging.LevelInfo, "session_start task=%s pid=%d command=%s", req.Task.ID, cmd.Process.Pid, r.cfg.Command)

	go func() {
		if cancel != nil {
			defer cancel()
		}
		err := cmd.Wait()
		if err != nil {
			r.log(logging.LevelWarn, "session_exit task=%s error=%v", req.Task.ID, err)
		} else {
			r.log(logging.LevelInfo, "session_exit task=%s status=ok", req.Task.ID)
		}
		onComplete(err == nil)
	}()
	return nil
}

func (r *ProcessRunner) log(level logging.Level, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s session: %s", time.Now().Format(time.RFC3339), level, msg)
}
