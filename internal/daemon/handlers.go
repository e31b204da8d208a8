package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowline-dev/flowline/internal/contract"
	"github.com/flowline-dev/flowline/internal/events"
	"github.com/flowline-dev/flowline/internal/ipc"
	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/model"
	"github.com/flowline-dev/flowline/internal/queue"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(ipc.CmdPing, d.handlePing)
	d.server.Handle(ipc.CmdShutdown, d.handleShutdown)
	d.server.Handle(ipc.CmdStatus, d.handleStatus)
	d.server.Handle(ipc.CmdKick, d.handleKick)
	d.server.Handle(ipc.CmdQueueStart, d.handleQueueStart)
	d.server.Handle(ipc.CmdQueueStop, d.handleQueueStop)
	d.server.Handle(ipc.CmdTaskAdd, d.handleTaskAdd)
	d.server.Handle(ipc.CmdTaskList, d.handleTaskList)
	d.server.Handle(ipc.CmdTaskMove, d.handleTaskMove)
	d.server.Handle(ipc.CmdTaskArchive, d.handleTaskArchive)
	d.server.Handle(ipc.CmdTaskRestore, d.handleTaskRestore)
	d.server.Handle(ipc.CmdTaskDelete, d.handleTaskDelete)
	d.server.Handle(ipc.CmdDraftAdd, d.handleDraftAdd)
	d.server.Handle(ipc.CmdDraftPromote, d.handleDraftPromote)
	d.server.Handle(ipc.CmdPlanStart, d.handlePlanStart)
	d.server.Handle(ipc.CmdHeartbeat, d.handleHeartbeat)
	d.server.Handle(ipc.CmdAgentAction, d.handleAgentAction)
	d.server.Handle(ipc.CmdSavePlan, d.handleSavePlan)
	d.server.Handle(ipc.CmdMarkComplete, d.handleMarkComplete)
	d.server.Handle(ipc.CmdStopExecution, d.handleStopExecution)
}

func decodeParams[T any](req *ipc.Request) (T, *ipc.Response) {
	var params T
	if len(req.Params) == 0 {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, "missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return params, ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	return params, nil
}

func (d *Daemon) resolveWorkspace(name string) (*workspaceRuntime, *ipc.Response) {
	if name == "" {
		name = "default"
	}
	ws, ok := d.workspace(name)
	if !ok {
		return nil, ipc.ErrorResponse(ipc.ErrCodeNotFound, fmt.Sprintf("unknown workspace %q", name))
	}
	return ws, nil
}

func (d *Daemon) handlePing(req *ipc.Request) *ipc.Response {
	return ipc.SuccessResponse(map[string]any{
		"version": Version,
		"pid":     os.Getpid(),
	})
}

func (d *Daemon) handleShutdown(req *ipc.Request) *ipc.Response {
	d.requestShutdown()
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleStatus(req *ipc.Request) *ipc.Response {
	snap, err := d.reporter.Snapshot()
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(snap)
}

func (d *Daemon) handleKick(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.WorkspaceParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	ws.manager.Kick()
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleQueueStart(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.WorkspaceParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	if err := ws.manager.Start(); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(ws.manager.Status())
}

func (d *Daemon) handleQueueStop(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.WorkspaceParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	if err := ws.manager.Stop(); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(ws.manager.Status())
}

func (d *Daemon) handleTaskAdd(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskAddParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}

	if params.Draft {
		draft, err := ws.store.CreateDraft(params.Title, params.Description, params.SkipPlanning, params.Criteria)
		if err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
		}
		return ipc.SuccessResponse(draft)
	}

	task, err := ws.store.Create(params.Title, params.Description, params.SkipPlanning, params.Criteria)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	ws.manager.Kick()
	return ipc.SuccessResponse(task)
}

func (d *Daemon) handleTaskList(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.WorkspaceParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	tasks, err := ws.store.Discover()
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(tasks)
}

func (d *Daemon) handleTaskMove(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskMoveParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}

	to := model.Phase(strings.ToLower(params.To))
	if !model.ValidPhase(to) {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, fmt.Sprintf("unknown phase %q", params.To))
	}

	t, err := ws.store.Get(params.TaskID)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeNotFound, err.Error())
	}

	reason := params.Reason
	if reason == "" {
		reason = "moved by operator"
	}
	if err := ws.store.Transition(t, to, queue.ActorOperator, reason); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	ws.manager.Kick()
	return ipc.SuccessResponse(t)
}

func (d *Daemon) handleTaskArchive(req *ipc.Request) *ipc.Response {
	return d.moveFixed(req, model.PhaseArchived, "archived by operator")
}

func (d *Daemon) handleTaskRestore(req *ipc.Request) *ipc.Response {
	return d.moveFixed(req, model.PhaseComplete, "restored from archive")
}

func (d *Daemon) moveFixed(req *ipc.Request, to model.Phase, reason string) *ipc.Response {
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
	if err := ws.store.Transition(t, to, queue.ActorOperator, reason); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(t)
}

func (d *Daemon) handleTaskDelete(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	if ws.manager.HasSession(params.TaskID) {
		return ipc.ErrorResponse(ipc.ErrCodeConflict,
			fmt.Sprintf("task %s has a live session; stop its execution first", params.TaskID))
	}
	if err := ws.store.Delete(params.TaskID); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(nil)
}

func (d *Daemon) handleDraftAdd(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskAddParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	draft, err := ws.store.CreateDraft(params.Title, params.Description, params.SkipPlanning, params.Criteria)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
	}
	return ipc.SuccessResponse(draft)
}

func (d *Daemon) handleDraftPromote(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.DraftPromoteParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	task, err := ws.store.PromoteDraft(params.DraftID)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeNotFound, err.Error())
	}
	ws.manager.Kick()
	return ipc.SuccessResponse(task)
}

func (d *Daemon) handleHeartbeat(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.HeartbeatParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	l, err := ws.leases.Renew(params.TaskID, params.OwnerID)
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	return ipc.SuccessResponse(l)
}

// handleAgentAction is the defensive half of the capability contract: the
// directive tells the agent what it may do, this gate rejects what it tries
// anyway.
func (d *Daemon) handleAgentAction(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.AgentActionParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}

	var t *model.Task
	if params.TaskID != "" {
		var err error
		t, err = ws.store.Get(params.TaskID)
		if err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeNotFound, err.Error())
		}
	}

	mode := contract.ResolveTask(t)
	if err := contract.Check(mode, contract.Capability(params.Capability)); err != nil {
		d.log(logging.LevelWarn, "action_rejected workspace=%s task=%s capability=%s mode=%s",
			params.Workspace, params.TaskID, params.Capability, mode)
		return ipc.ErrorResponse(ipc.ErrCodeForbidden, err.Error())
	}
	return ipc.SuccessResponse(map[string]any{"mode": mode, "allowed": true})
}

func (d *Daemon) handleSavePlan(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.SavePlanParams](req)
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
	mode := contract.ResolveTask(t)
	if err := contract.Check(mode, contract.CapSavePlan); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeForbidden, err.Error())
	}
	if strings.TrimSpace(params.Plan) == "" {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "plan must not be empty")
	}

	t.Plan = &params.Plan
	t.PlanningStatus = model.PlanningCompleted
	for _, c := range params.Criteria {
		if strings.TrimSpace(c) == "" {
			continue
		}
		t.AcceptanceCriteria = append(t.AcceptanceCriteria, model.AcceptanceCriterion{Text: c})
	}
	if err := ws.store.Save(t); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}

	d.appendActivity(ws.name, t.ID, "agent", "plan_saved", "plan saved by planning session")
	ws.manager.Kick()
	return ipc.SuccessResponse(t)
}

// handleMarkComplete records an agent-reported outcome. With a live session
// the process exit status stays authoritative for the transition, so only
// the summary is recorded; without one (externally driven agents) the
// transition happens here.
func (d *Daemon) handleMarkComplete(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.MarkCompleteParams](req)
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
	mode := contract.ResolveTask(t)
	if err := contract.Check(mode, contract.CapMarkComplete); err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeForbidden, err.Error())
	}

	if params.Summary != "" {
		t.Summary = &params.Summary
	}

	if ws.manager.HasSession(t.ID) {
		if err := ws.store.Save(t); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
		}
		return ipc.SuccessResponse(t)
	}

	if params.Success {
		if err := ws.store.Transition(t, model.PhaseComplete, queue.ActorAgent, "marked complete by agent"); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
		}
		d.bus.Publish(events.Event{
			Type:      events.TypePhaseChanged,
			Workspace: ws.name,
			TaskID:    t.ID,
			From:      model.PhaseExecuting,
			To:        model.PhaseComplete,
			Reason:    "marked complete by agent",
		})
	} else {
		now := time.Now().UTC().Format(time.RFC3339)
		t.FailedAt = &now
		if err := ws.store.Save(t); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
		}
		d.appendActivity(ws.name, t.ID, "agent", "execution_failed", "agent reported failure; task left in executing")
	}

	if err := ws.leases.Clear(t.ID); err != nil {
		d.log(logging.LevelWarn, "mark_complete_lease_clear task=%s error=%v", t.ID, err)
	}
	ws.manager.Kick()
	return ipc.SuccessResponse(t)
}

func (d *Daemon) handleStopExecution(req *ipc.Request) *ipc.Response {
	params, errResp := decodeParams[ipc.TaskParams](req)
	if errResp != nil {
		return errResp
	}
	ws, errResp := d.resolveWorkspace(params.Workspace)
	if errResp != nil {
		return errResp
	}
	stopped := ws.manager.StopExecution(params.TaskID)
	return ipc.SuccessResponse(map[string]bool{"stopped": stopped})
}

func (d *Daemon) appendActivity(workspace, taskID, actor, kind, detail string) {
	if err := d.activity.Append(events.ActivityEntry{
		Workspace: workspace,
		TaskID:    taskID,
		Actor:     actor,
		Kind:      kind,
		Detail:    detail,
	}); err != nil {
		d.log(logging.LevelWarn, "activity_append_failed task=%s error=%v", taskID, err)
	}
}
