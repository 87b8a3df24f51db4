package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clice-io/clice/src/plugin"
	"github.com/clice-io/clice/src/server/protocol"
)

// testClient drives a server over in-memory pipes.
type testClient struct {
	t      *testing.T
	in     io.WriteCloser
	out    io.Reader
	nextID int
}

func startServer(t *testing.T) (*testClient, context.CancelFunc) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	conn := protocol.NewConn(inR, outW, nil)
	srv := New(conn, plugin.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	return &testClient{t: t, in: inW, out: outR}, cancel
}

func (c *testClient) send(payload string) {
	c.t.Helper()
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
	_, err := io.WriteString(c.in, frame)
	require.NoError(c.t, err)
}

func (c *testClient) notify(method string, params interface{}) {
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	c.send(fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":%s}`, method, raw))
}

// call sends a request and waits for its response, skipping interleaved
// server notifications.
func (c *testClient) call(method string, params interface{}) protocol.Message {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"%s","params":%s}`, id, method, raw))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := c.readMessage()
		if len(msg.ID) > 0 && string(msg.ID) == fmt.Sprint(id) {
			return msg
		}
	}
	c.t.Fatalf("no response for %s", method)
	return protocol.Message{}
}

func (c *testClient) readMessage() protocol.Message {
	c.t.Helper()
	header := make([]byte, 0, 64)
	buf := make([]byte, 1)
	for !strings.HasSuffix(string(header), "\r\n\r\n") {
		_, err := c.out.Read(buf)
		require.NoError(c.t, err)
		header = append(header, buf[0])
	}
	var length int
	for _, line := range strings.Split(string(header), "\r\n") {
		var n int
		if _, err := fmt.Sscanf(line, "Content-Length: %d", &n); err == nil {
			length = n
		}
	}
	payload := make([]byte, length)
	_, err := io.ReadFull(c.out, payload)
	require.NoError(c.t, err)

	var msg protocol.Message
	require.NoError(c.t, json.Unmarshal(payload, &msg))
	return msg
}

func initializeParamsFor(workspace string) map[string]interface{} {
	return map[string]interface{}{
		"processId": 1,
		"rootUri":   "file://" + workspace,
		"capabilities": map[string]interface{}{
			"general": map[string]interface{}{
				"positionEncodings": []string{"utf-8", "utf-16"},
			},
		},
	}
}

func TestLifecycle(t *testing.T) {
	client, cancel := startServer(t)
	defer cancel()
	workspace := t.TempDir()

	// Feature requests before initialize are rejected.
	early := client.call("textDocument/hover", map[string]interface{}{
		"textDocument": map[string]string{"uri": "file:///x.cpp"},
		"position":     map[string]int{"line": 0, "character": 0},
	})
	require.NotNil(t, early.Error)

	response := client.call("initialize", initializeParamsFor(workspace))
	require.Nil(t, response.Error)

	var result struct {
		Capabilities map[string]interface{} `json:"capabilities"`
		ServerInfo   struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(response.Result, &result))
	assert.Equal(t, "clice", result.ServerInfo.Name)
	assert.Equal(t, "utf-8", result.Capabilities["positionEncoding"])
	assert.Equal(t, float64(2), result.Capabilities["textDocumentSync"])

	// A second initialize is an error.
	again := client.call("initialize", initializeParamsFor(workspace))
	require.NotNil(t, again.Error)

	client.notify("initialized", map[string]interface{}{})

	down := client.call("shutdown", nil)
	require.Nil(t, down.Error)
	assert.Equal(t, "null", string(down.Result))
}

func TestDocumentFeatures(t *testing.T) {
	client, cancel := startServer(t)
	defer cancel()
	workspace := t.TempDir()
	mainPath := filepath.Join(workspace, "main.cpp")
	mainURI := "file://" + mainPath
	content := "int f();\nint g() { return f(); }\n"
	require.NoError(t, os.WriteFile(mainPath, []byte(content), 0o644))

	require.Nil(t, client.call("initialize", initializeParamsFor(workspace)).Error)
	client.notify("initialized", map[string]interface{}{})

	client.notify("textDocument/didOpen", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri": mainURI, "languageId": "cpp", "version": 1, "text": content,
		},
	})

	// The reference to f sits on line 1; poll until the build lands.
	refCharacter := strings.LastIndex("int g() { return f(); }", "f()")
	var locations []struct {
		URI   string `json:"uri"`
		Range struct {
			Start struct {
				Line      int `json:"line"`
				Character int `json:"character"`
			} `json:"start"`
		} `json:"range"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		response := client.call("textDocument/definition", map[string]interface{}{
			"textDocument": map[string]string{"uri": mainURI},
			"position":     map[string]int{"line": 1, "character": refCharacter},
		})
		require.Nil(t, response.Error)
		locations = nil
		require.NoError(t, json.Unmarshal(response.Result, &locations))
		if len(locations) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, locations, 1, "definition of f found")
	assert.Equal(t, 0, locations[0].Range.Start.Line)
	assert.Equal(t, 4, locations[0].Range.Start.Character)

	hover := client.call("textDocument/hover", map[string]interface{}{
		"textDocument": map[string]string{"uri": mainURI},
		"position":     map[string]int{"line": 1, "character": refCharacter},
	})
	require.Nil(t, hover.Error)
	assert.Contains(t, string(hover.Result), "f")

	references := client.call("textDocument/references", map[string]interface{}{
		"textDocument": map[string]string{"uri": mainURI},
		"position":     map[string]int{"line": 1, "character": refCharacter},
		"context":      map[string]bool{"includeDeclaration": true},
	})
	require.Nil(t, references.Error)
	var refs []json.RawMessage
	require.NoError(t, json.Unmarshal(references.Result, &refs))
	assert.Len(t, refs, 2, "declaration and reference")

	symbols := client.call("textDocument/documentSymbol", map[string]interface{}{
		"textDocument": map[string]string{"uri": mainURI},
	})
	require.Nil(t, symbols.Error)
	assert.Contains(t, string(symbols.Result), `"g"`)

	// Incremental change: rename g to h via a ranged edit.
	gOffset := strings.Index(content, "g()")
	client.notify("textDocument/didChange", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": mainURI, "version": 2},
		"contentChanges": []map[string]interface{}{{
			"range": map[string]interface{}{
				"start": map[string]int{"line": 1, "character": gOffset - len("int f();\n")},
				"end":   map[string]int{"line": 1, "character": gOffset - len("int f();\n") + 1},
			},
			"text": "h",
		}},
	})

	deadline = time.Now().Add(10 * time.Second)
	found := false
	for time.Now().Before(deadline) && !found {
		symbols = client.call("textDocument/documentSymbol", map[string]interface{}{
			"textDocument": map[string]string{"uri": mainURI},
		})
		found = strings.Contains(string(symbols.Result), `"h"`)
		if !found {
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.True(t, found, "rename visible after incremental change")

	client.notify("textDocument/didClose", map[string]interface{}{
		"textDocument": map[string]string{"uri": mainURI},
	})
}

func TestPositionEncodingConversions(t *testing.T) {
	content := "héllo wörld\nsecond π line\n"

	for _, encoding := range []PositionEncoding{EncodingUTF8, EncodingUTF16, EncodingUTF32} {
		for _, offset := range []uint32{0, 1, 5, 12, uint32(len(content))} {
			position := OffsetToPosition(content, offset, encoding)
			back := PositionToOffset(content, position, encoding)
			assert.Equal(t, offset, back, "encoding %v offset %d", encoding, offset)
		}
	}

	// The π character is 2 bytes, 1 UTF-16 unit, 1 UTF-32 unit.
	piOffset := uint32(strings.Index(content, "π"))
	afterPi := piOffset + 2
	assert.Equal(t, OffsetToPosition(content, afterPi, EncodingUTF8).Character,
		OffsetToPosition(content, piOffset, EncodingUTF8).Character+2)
	assert.Equal(t, OffsetToPosition(content, afterPi, EncodingUTF16).Character,
		OffsetToPosition(content, piOffset, EncodingUTF16).Character+1)
	assert.Equal(t, OffsetToPosition(content, afterPi, EncodingUTF32).Character,
		OffsetToPosition(content, piOffset, EncodingUTF32).Character+1)
}
