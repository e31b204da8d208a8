package ipc

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"

	"github.com/flowline-dev/flowline/internal/logging"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	req, err := NewRequest(CmdKick, WorkspaceParams{Workspace: "default"})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFrame(client, req)
	}()

	var got Request
	if err := ReadFrame(server, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if got.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %d", got.ProtocolVersion)
	}
	if got.Command != CmdKick {
		t.Errorf("command = %q", got.Command)
	}
	var params WorkspaceParams
	if err := json.Unmarshal(got.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Workspace != "default" {
		t.Errorf("workspace = %q", params.Workspace)
	}
}

func testServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "daemon.sock")
	srv := NewServer(sock, log.New(io.Discard, "", 0), logging.LevelError)
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, NewClient(sock)
}

func TestServerDispatch(t *testing.T) {
	srv, client := testServer(t)
	srv.Handle("echo", func(req *Request) *Response {
		return SuccessResponse(json.RawMessage(req.Params))
	})

	resp, err := client.SendCommand("echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["hello"] != "world" {
		t.Errorf("echoed %v", data)
	}
}

func TestServerUnknownCommand(t *testing.T) {
	_, client := testServer(t)

	resp, err := client.SendCommand("no_such_command", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("error code = %q", resp.Error.Code)
	}
}

func TestServerProtocolMismatch(t *testing.T) {
	srv, client := testServer(t)
	srv.Handle("noop", func(*Request) *Response { return SuccessResponse(nil) })

	resp, err := client.exchange(&Request{ProtocolVersion: 99, Command: "noop"})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("response = %+v", resp)
	}
}

func TestClientCallSurfacesErrors(t *testing.T) {
	srv, client := testServer(t)
	srv.Handle("fail", func(*Request) *Response {
		return ErrorResponse(ErrCodeValidation, "bad input")
	})

	_, err := client.Call("fail", nil)
	if err == nil {
		t.Fatal("Call should surface the daemon-side error")
	}
}

func TestClientConnectFailure(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	if _, err := client.SendCommand(CmdPing, nil); err == nil {
		t.Fatal("expected connection error")
	}
}
