package daemon

import (
	"fmt"

	"github.com/flowline-dev/flowline/internal/contract"
	"github.com/flowline-dev/flowline/internal/ipc"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/session"
)

// handlePlanStart launches a planning session for a backlog task. Each
// workspace holds one planning slot; starting a second session replaces the
// first and cancels it.
func (d *Daemon) handlePlanStart(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}

	t, err := ws.store.Get(params.TaskID)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeNotFound, err.Error())
	}
	if t.Phase != model.PhaseBacklog {
		return ipc.ErrorResponse(ipc.ErrCodeValidation,
			fmt.Sprintf("task %s is in %s; only backlog tasks are planned", t.ID, t.Phase))
	}
	if t.SkipPlanning {
		return ipc.ErrorResponse(ipc.ErrCodeValidation,
			fmt.Sprintf("task %s bypasses the planning gate", t.ID))
	}

	t.PlanningStatus = model.PlanningRunning
	if err := ws.store.Save(t); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}

	sctx, runCtx := session.NewContext(d.runCtx, t.ID, ws.name)
	replaced, err := d.planning.Register(ws.name, sctx.ID, session.PolicyReplace)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	if replaced != "" {
		d.stopPlanSession(ws.name, replaced)
	}
	d.mu.Lock()
	d.planSessions[ws.name] = sctx
	d.mu.Unlock()

	sreq := session.Request{
		Task:         *t,
		Workspace:    ws.name,
		WorkspaceDir: ws.store.WorkspaceDir(),
		Directive:    contract.Directive(contract.ResolveTask(t)),
	}
	startErr := d.runner.Start(runCtx, sreq, func(success bool) {
		d.finishPlanning(ws, sctx, success)
	})
	if startErr != nil {
		d.planning.Release(ws.name, sctx.ID)
		d.dropPlanSession(ws.name, sctx)
		sctx.Stop()

		// Back to unset so planning can be retried.
		if t2, err := ws.store.Get(t.ID); err == nil && t2.PlanningStatus == model.PlanningRunning {
			t2.PlanningStatus = model.PlanningUnset
			_ = ws.store.Save(t2)
		}
		return ipc.ErrorResponse(ipc.ErrCodeInternal, fmt.Sprintf("start planning session: %v", startErr))
	}

	d.log(logging.LevelInfo, "planning_started workspace=%s task=%s session=%s replaced=%s",
		ws.name, t.ID, sctx.ID, replaced)
	return ipc.SuccessResponse(map[string]string{
		"session_id": sctx.ID,
		"replaced":   replaced,
	})
}

// finishPlanning settles a planning session's end. A session that exits
// without saving a plan resets the status: to unset on a clean exit so
// planning can rerun, to error on a failed one so the mode resolver parks
// the task.
func (d *Daemon) finishPlanning(ws *workspaceRuntime, sctx *session.Context, success bool) {
	d.planning.Release(sctx.Workspace, sctx.ID)
	d.dropPlanSession(sctx.Workspace, sctx)

	t, err := ws.store.Get(sctx.TaskID)
	if err != nil {
		d.log(logging.LevelWarn, "planning_settle_load task=%s error=%v", sctx.TaskID, err)
		return
	}
	if t.PlanningStatus == model.PlanningRunning {
		if success {
			t.PlanningStatus = model.PlanningUnset
		} else {
			t.PlanningStatus = model.PlanningError
		}
		if err := ws.store.Save(t); err != nil {
			d.log(logging.LevelWarn, "planning_settle_save task=%s error=%v", t.ID, err)
		}
	}

	d.appendActivity(ws.name, t.ID, "agent", "planning_finished",
		fmt.Sprintf("planning session ended success=%t status=%s", success, t.PlanningStatus))
	ws.manager.Kick()
}

func (d *Daemon) stopPlanSession(workspace, sessionID string) {
	d.mu.Lock()
	sctx, ok := d.planSessions[workspace]
	if ok && sctx.ID == sessionID {
		delete(d.planSessions, workspace)
	} else {
		sctx = nil
	}
	d.mu.Unlock()
	if sctx != nil {
		sctx.Stop()
		d.log(logging.LevelInfo, "planning_replaced workspace=%s session=%s", workspace, sessionID)
	}
}

func (d *Daemon) dropPlanSession(workspace string, sctx *session.Context) {
	d.mu.Lock()
	if cur, ok := d.planSessions[workspace]; ok && cur.ID == sctx.ID {
		delete(d.planSessions, workspace)
	}
	d.mu.Unlock()
}
