package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
}

// pipeConn builds a Conn whose inbound side is fed by the returned writer
// and whose outbound side lands in the returned reader.
func pipeConn() (*Conn, io.WriteCloser, io.Reader) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return NewConn(inR, outW, nil), inW, outR
}

func readFrame(t *testing.T, r io.Reader) Message {
	t.Helper()
	header := make([]byte, 0, 64)
	buf := make([]byte, 1)
	for !strings.HasSuffix(string(header), "\r\n\r\n") {
		_, err := r.Read(buf)
		require.NoError(t, err)
		header = append(header, buf[0])
	}
	var length int
	for _, line := range strings.Split(string(header), "\r\n") {
		if _, value, ok := strings.Cut(line, ":"); ok {
			fmt.Sscanf(strings.TrimSpace(value), "%d", &length)
		}
	}
	payload := make([]byte, length)
	_, err := io.ReadFull(r, payload)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestRequestResponse(t *testing.T) {
	conn, in, out := pipeConn()
	conn.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "yes"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	go io.WriteString(in, frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))

	msg := readFrame(t, out)
	assert.Equal(t, json.RawMessage("1"), msg.ID)
	assert.JSONEq(t, `{"pong":"yes"}`, string(msg.Result))
	assert.Nil(t, msg.Error)
}

func TestMethodNotFound(t *testing.T) {
	conn, in, out := pipeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	go io.WriteString(in, frame(`{"jsonrpc":"2.0","id":7,"method":"nope"}`))

	msg := readFrame(t, out)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)
}

func TestHandlerErrorMapped(t *testing.T) {
	conn, in, out := pipeConn()
	conn.Register("boom", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("internal detail")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	go io.WriteString(in, frame(`{"jsonrpc":"2.0","id":2,"method":"boom"}`))

	msg := readFrame(t, out)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32603, msg.Error.Code)
}

func TestNotificationFireAndForget(t *testing.T) {
	conn, in, _ := pipeConn()

	called := make(chan struct{}, 1)
	conn.Register("note", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		called <- struct{}{}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	go io.WriteString(in, frame(`{"jsonrpc":"2.0","method":"note","params":{}}`))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestUnknownHeadersTolerated(t *testing.T) {
	conn, in, out := pipeConn()
	conn.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	payload := `{"jsonrpc":"2.0","id":3,"method":"ping"}`
	go io.WriteString(in, fmt.Sprintf(
		"Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nX-Custom: v\r\nContent-Length: %d\r\n\r\n%s",
		len(payload), payload))

	msg := readFrame(t, out)
	assert.JSONEq(t, `"ok"`, string(msg.Result))
}

func TestSplitFrames(t *testing.T) {
	conn, in, out := pipeConn()
	conn.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	full := frame(`{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	go func() {
		io.WriteString(in, full[:10])
		time.Sleep(10 * time.Millisecond)
		io.WriteString(in, full[10:])
	}()

	msg := readFrame(t, out)
	assert.Equal(t, json.RawMessage("4"), msg.ID)
}

func TestOutgoingRequestIDs(t *testing.T) {
	conn, in, out := pipeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx)

	done := make(chan error, 1)
	go func() {
		var result string
		done <- conn.Call(ctx, "client/ask", nil, &result)
	}()

	msg := readFrame(t, out)
	assert.Equal(t, "client/ask", msg.Method)
	require.NotEmpty(t, msg.ID)

	// Reply with the same id.
	response := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"answer"}`, msg.ID)
	go io.WriteString(in, frame(response))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Call never completed")
	}
}
