package htsp

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"sync"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 2 * time.Second

var errTestLocalClose = errors.New("test transport closed")

// server side of an in-memory transport
type testConnection struct {
	inbound  chan []byte
	outbound chan []byte
	failures chan error

	writeLock sync.Mutex
	writeErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestConnection() *testConnection {
	return &testConnection{
		inbound:  make(chan []byte, 1024),
		outbound: make(chan []byte, 1024),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Transport implementation

func (self *testConnection) ReadMessage(ctx context.Context) ([]byte, error) {
	// pending inbound messages are delivered before a failure
	select {
	case message := <-self.inbound:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.closed:
		return nil, errTestLocalClose
	case message := <-self.inbound:
		return message, nil
	case err := <-self.failures:
		return nil, err
	}
}

func (self *testConnection) WriteMessage(ctx context.Context, message []byte) error {
	self.writeLock.Lock()
	writeErr := self.writeErr
	self.writeLock.Unlock()
	if writeErr != nil {
		return writeErr
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.closed:
		return errTestLocalClose
	case self.outbound <- message:
		return nil
	}
}

func (self *testConnection) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *testConnection) isClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

func (self *testConnection) readRequest(t *testing.T) map[string]any {
	t.Helper()
	select {
	case message := <-self.outbound:
		request := map[string]any{}
		if err := json.Unmarshal(message, &request); err != nil {
			t.Fatalf("bad request %s: %s", message, err)
		}
		return request
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for request")
		return nil
	}
}

func (self *testConnection) push(t *testing.T, fields map[string]any) {
	t.Helper()
	message, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("bad push: %s", err)
	}
	self.pushRaw(message)
}

func (self *testConnection) pushRaw(message []byte) {
	self.inbound <- message
}

func (self *testConnection) reply(t *testing.T, request map[string]any, fields map[string]any) {
	t.Helper()
	response := map[string]any{}
	for k, v := range fields {
		response[k] = v
	}
	response["seq"] = request["seq"]
	self.push(t, response)
}

func (self *testConnection) fail(err error) {
	self.failures <- err
}

// every later write fails with `err`
func (self *testConnection) failWrites(err error) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.writeErr = err
}

func (self *testConnection) remoteClose() {
	self.failures <- io.EOF
}

type testServer struct {
	connections chan *testConnection

	stateLock sync.Mutex
	dialErr   error
	urls      []string
}

func newTestServer() *testServer {
	return &testServer{
		connections: make(chan *testConnection, 16),
	}
}

func (self *testServer) setDialErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dialErr = err
}

// Dialer
func (self *testServer) Dial(ctx context.Context, url string) (Transport, error) {
	self.stateLock.Lock()
	dialErr := self.dialErr
	self.urls = append(self.urls, url)
	self.stateLock.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	c := newTestConnection()
	self.connections <- c
	return c, nil
}

func (self *testServer) accept(t *testing.T) *testConnection {
	t.Helper()
	select {
	case c := <-self.connections:
		return c
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for connection")
		return nil
	}
}

func newTestSession(ctx context.Context, server *testServer) *Session {
	return NewSession(ctx, server.Dial, DefaultSessionSettings())
}

// records events in publish order
type eventRecorder struct {
	events chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		events: make(chan Event, 1024),
	}
}

// EventFunction
func (self *eventRecorder) record(connectionId Id, event Event) {
	self.events <- event
}

func (self *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-self.events:
		return event
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for event")
		return nil
	}
}

// skips events until one with `method`
func (self *eventRecorder) waitFor(t *testing.T, method string) Event {
	t.Helper()
	for {
		event := self.next(t)
		if event.Method() == method {
			return event
		}
	}
}

func (self *eventRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case event := <-self.events:
		t.Fatalf("unexpected event %s", event.Method())
	case <-time.After(wait):
	}
}

// answers the handshake and returns the hello request
func handshake(t *testing.T, c *testConnection) map[string]any {
	t.Helper()
	hello := c.readRequest(t)
	if hello["method"] != MethodHello {
		t.Fatalf("expected hello, got %v", hello["method"])
	}
	c.reply(t, hello, map[string]any{
		"htspversion":   HtspVersion,
		"servername":    "Tvheadend",
		"serverversion": "3.5",
	})
	return hello
}
