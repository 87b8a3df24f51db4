// Package protocol implements Content-Length framed JSON-RPC 2.0 over a
// byte stream, with a method dispatcher for LSP traffic.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/clice-io/clice/src/internal/common"
	cerrors "github.com/clice-io/clice/src/internal/errors"
)

// JSONRPCVersion is the fixed protocol version field.
const JSONRPCVersion = "2.0"

// Message is a JSON-RPC 2.0 message: request, response or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the JSON-RPC error member.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// Handler serves one method. Request handlers return the result value;
// notification handlers return nil.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Conn frames messages over a byte stream and dispatches inbound traffic.
type Conn struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex

	handlers map[string]Handler

	// nextID numbers outgoing server-to-client requests.
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Message
}

// readBufferSize is generous so large responses survive on one buffer.
const readBufferSize = 1 << 20

// NewConn wraps a stream. The closer may be nil for stdio.
func NewConn(reader io.Reader, writer io.Writer, closer io.Closer) *Conn {
	return &Conn{
		reader:   bufio.NewReaderSize(reader, readBufferSize),
		writer:   writer,
		closer:   closer,
		handlers: make(map[string]Handler),
		pending:  make(map[int64]chan *Message),
	}
}

// Register installs the handler for a method name.
func (c *Conn) Register(method string, handler Handler) {
	c.handlers[method] = handler
}

// write marshals and frames msg in a single Write so no partial frame
// can interleave.
func (c *Conn) write(msg *Message) error {
	msg.JSONRPC = JSONRPCVersion
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(data), data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = io.WriteString(c.writer, frame)
	return err
}

// Notify sends a notification to the client.
func (c *Conn) Notify(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(&Message{Method: method, Params: raw})
}

// Call sends a request to the client and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	idRaw, _ := json.Marshal(id)

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&Message{ID: idRaw, Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case response := <-ch:
		if response.Error != nil {
			return fmt.Errorf("request %s failed: %d %s", method, response.Error.Code, response.Error.Message)
		}
		if result != nil && len(response.Result) > 0 {
			return json.Unmarshal(response.Result, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readMessage scans one Content-Length framed payload. Unknown header
// lines are tolerated; Content-Type is ignored.
func (c *Conn) readMessage() (*Message, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("malformed Content-Length: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON payload: %w", err)
	}
	return &msg, nil
}

// Serve reads and dispatches messages until the stream ends or ctx is
// cancelled. Responses are sent in handler-completion order.
func (c *Conn) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, err := c.readMessage()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch {
		case msg.IsRequest():
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handleRequest(ctx, msg)
			}()
		case msg.IsNotification():
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handleNotification(ctx, msg)
			}()
		default:
			c.handleResponse(msg)
		}
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *Message) {
	handler, ok := c.handlers[msg.Method]
	if !ok {
		c.replyError(msg.ID, cerrors.MethodNotFound, fmt.Sprintf("method %q not found", msg.Method))
		return
	}

	result, err := handler(ctx, msg.Params)
	if err != nil {
		lsp := cerrors.ToLSP(err)
		c.replyError(msg.ID, lsp.Code, lsp.Message)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.replyError(msg.ID, cerrors.InternalError, err.Error())
		return
	}
	if err := c.write(&Message{ID: msg.ID, Result: raw}); err != nil {
		common.ServerLogger.Error("Failed to send response for %s: %v", msg.Method, err)
	}
}

func (c *Conn) handleNotification(ctx context.Context, msg *Message) {
	handler, ok := c.handlers[msg.Method]
	if !ok {
		common.ServerLogger.Debug("No handler for notification %s", msg.Method)
		return
	}
	if _, err := handler(ctx, msg.Params); err != nil {
		common.ServerLogger.Error("Notification %s failed: %v", msg.Method, err)
	}
}

func (c *Conn) handleResponse(msg *Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		common.ServerLogger.Warn("Response with unparsable id: %s", msg.ID)
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		common.ServerLogger.Warn("Response for unknown request id %d", id)
		return
	}
	ch <- msg
}

func (c *Conn) replyError(id json.RawMessage, code int, message string) {
	err := c.write(&Message{ID: id, Error: &ResponseError{Code: code, Message: message}})
	if err != nil {
		common.ServerLogger.Error("Failed to send error response: %v", err)
	}
}

// Close closes the underlying stream when it owns one.
func (c *Conn) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
