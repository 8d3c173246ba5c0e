package rpc

import (
	"encoding/json"
	"net"
	"testing"
)

type echoParams struct {
	Text string `json:"text"`
}

type echoResult struct {
	Text string `json:"text"`
}

func TestClientServerRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := NewServer()
	srv.Handle("echo", func(params json.RawMessage) (interface{}, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		return echoResult{Text: p.Text}, nil
	})

	go srv.ServeConn(serverConn)

	client := NewClient(clientConn)
	var out echoResult
	if err := client.Call("echo", echoParams{Text: "hi"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "hi" {
		t.Errorf("expected echoed text %q, got %q", "hi", out.Text)
	}
}

func TestMethodNotFoundReturnsError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := NewServer()
	go srv.ServeConn(serverConn)

	client := NewClient(clientConn)
	err := client.Call("nope", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, rpcErr.Code)
	}
}

func TestHandlerErrorBecomesInternalError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := NewServer()
	srv.Handle("boom", func(params json.RawMessage) (interface{}, error) {
		return nil, errPlain("kaboom")
	})
	go srv.ServeConn(serverConn)

	client := NewClient(clientConn)
	err := client.Call("boom", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != CodeInternalError {
		t.Errorf("expected code %d, got %d", CodeInternalError, rpcErr.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestSequentialCallsGetDistinctIDs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := NewServer()
	srv.Handle("ping", func(params json.RawMessage) (interface{}, error) {
		return "pong", nil
	})
	go srv.ServeConn(serverConn)

	client := NewClient(clientConn)
	for i := 0; i < 3; i++ {
		var out string
		if err := client.Call("ping", nil, &out); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if out != "pong" {
			t.Errorf("call %d: expected pong, got %q", i, out)
		}
	}
	if client.nextID != 3 {
		t.Errorf("expected nextID 3 after 3 calls, got %d", client.nextID)
	}
}
