// Package ipc implements the Unix domain socket protocol between the
// flowline CLI and the daemon. Frames are length-prefixed JSON:
// [4-byte BigEndian length][payload].
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

const ProtocolVersion = 1

// DefaultSocketName is the conventional socket filename inside the data root.
const DefaultSocketName = "daemon.sock"

// Commands understood by the daemon.
const (
	CmdPing          = "ping"
	CmdShutdown      = "shutdown"
	CmdStatus        = "status"
	CmdKick          = "kick"
	CmdQueueStart    = "queue_start"
	CmdQueueStop     = "queue_stop"
	CmdTaskAdd       = "task_add"
	CmdTaskList      = "task_list"
	CmdTaskMove      = "task_move"
	CmdTaskArchive   = "task_archive"
	CmdTaskRestore   = "task_restore"
	CmdTaskDelete    = "task_delete"
	CmdDraftAdd      = "draft_add"
	CmdDraftPromote  = "draft_promote"
	CmdPlanStart     = "plan_start"
	CmdHeartbeat     = "heartbeat"
	CmdAgentAction   = "agent_action"
	CmdSavePlan      = "save_plan"
	CmdMarkComplete  = "mark_complete"
	CmdStopExecution = "stop_execution"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeConflict         = "CONFLICT"
)

// WorkspaceParams addresses a whole workspace.
type WorkspaceParams struct {
	Workspace string `json:"workspace"`
}

// TaskParams addresses one task in a workspace.
type TaskParams struct {
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
}

type TaskAddParams struct {
	Workspace    string   `json:"workspace"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	SkipPlanning bool     `json:"skip_planning,omitempty"`
	Criteria     []string `json:"criteria,omitempty"`
	Draft        bool     `json:"draft,omitempty"`
}

type TaskMoveParams struct {
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
}

type DraftPromoteParams struct {
	Workspace string `json:"workspace"`
	DraftID   string `json:"draft_id"`
}

type HeartbeatParams struct {
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
	OwnerID   string `json:"owner_id"`
}

// AgentActionParams asks the daemon whether an action is permitted for the
// task's current capability mode.
type AgentActionParams struct {
	Workspace  string `json:"workspace"`
	TaskID     string `json:"task_id,omitempty"`
	Capability string `json:"capability"`
}

type SavePlanParams struct {
	Workspace string   `json:"workspace"`
	TaskID    string   `json:"task_id"`
	Plan      string   `json:"plan"`
	Criteria  []string `json:"criteria,omitempty"`
}

type MarkCompleteParams struct {
	Workspace string `json:"workspace"`
	TaskID    string `json:"task_id"`
	Success   bool   `json:"success"`
	Summary   string `json:"summary,omitempty"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// io.Copy guarantees all bytes are written (handles short writes)
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > 10*1024*1024 { // 10MB safety limit
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
