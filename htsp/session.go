package htsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

type ResponseCallback = Callback[*Message]

type EventFunction func(connectionId Id, event Event)

type SessionSettings struct {
	ClientName     string
	ClientVersion  string
	HtspVersion    int
	SendBufferSize int
	// 0 waits for the dialer
	DialTimeout time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ClientName:     DefaultClientName,
		ClientVersion:  DefaultClientVersion,
		HtspVersion:    HtspVersion,
		SendBufferSize: 32,
		DialTimeout:    10 * time.Second,
	}
}

// one connection handle. Closed connections are never reused.
type connection struct {
	connectionId Id
	url          string

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	// guarded by the session `stateLock`
	seq     uint32
	pending map[uint32]ResponseCallback
	closed  bool
	err     error
}

func (self *connection) closeWithError(stateLock *sync.Mutex, err error) {
	stateLock.Lock()
	if self.err == nil {
		self.err = err
	}
	stateLock.Unlock()
	self.cancel()
}

// turns a duplex message transport into requests with correlated responses plus typed events.
// All response callbacks and event callbacks run on one loop goroutine, in arrival order.
// The session never reconnects on its own.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer   Dialer
	settings *SessionSettings

	loopLock   sync.Mutex
	loopQueue  []func()
	loopNotify chan struct{}

	stateLock  sync.Mutex
	connection *connection

	eventCallbacks *CallbackList[EventFunction]
}

func NewSessionWithDefaults(ctx context.Context) *Session {
	return NewSession(ctx, NewWsDialerWithDefaults(), DefaultSessionSettings())
}

func NewSession(ctx context.Context, dialer Dialer, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:            cancelCtx,
		cancel:         cancel,
		dialer:         dialer,
		settings:       settings,
		loopQueue:      []func(){},
		loopNotify:     make(chan struct{}, 1),
		eventCallbacks: NewCallbackList[EventFunction](),
	}
	go session.run()
	return session
}

func (self *Session) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// queues `do` on the loop. Safe to call from the loop itself.
func (self *Session) post(do func()) {
	self.loopLock.Lock()
	self.loopQueue = append(self.loopQueue, do)
	self.loopLock.Unlock()

	select {
	case self.loopNotify <- struct{}{}:
	default:
	}
}

func (self *Session) takeQueue() []func() {
	self.loopLock.Lock()
	defer self.loopLock.Unlock()

	queue := self.loopQueue
	self.loopQueue = []func(){}
	return queue
}

func (self *Session) run() {
	defer func() {
		for _, do := range self.takeQueue() {
			HandleError(do)
		}
		self.stateLock.Lock()
		c := self.connection
		self.stateLock.Unlock()
		if c != nil {
			c.cancel()
			self.teardown(c)
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.loopNotify:
		}
		for _, do := range self.takeQueue() {
			HandleError(do)
		}
	}
}

// opens a new connection, closing any previous one.
// Establishment is asynchronous. Failures arrive as `ErrorEvent` then `CloseEvent`.
func (self *Session) Open(url string) Id {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	c := &connection{
		connectionId: NewId(),
		url:          url,
		ctx:          cancelCtx,
		cancel:       cancel,
		send:         make(chan []byte, self.settings.SendBufferSize),
		seq:          0,
		pending:      map[uint32]ResponseCallback{},
	}

	var previous *connection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		previous = self.connection
		self.connection = c
	}()
	if previous != nil {
		previous.cancel()
	}

	glog.V(1).Infof("[s]open %s %s\n", c.connectionId, url)
	go self.runConnection(c)
	return c.connectionId
}

func (self *Session) runConnection(c *connection) {
	defer func() {
		c.cancel()
		self.post(func() {
			self.teardown(c)
		})
	}()

	dial := func() (Transport, error) {
		dialCtx := c.ctx
		if 0 < self.settings.DialTimeout {
			var dialCancel context.CancelFunc
			dialCtx, dialCancel = context.WithTimeout(c.ctx, self.settings.DialTimeout)
			defer dialCancel()
		}
		return self.dialer(dialCtx, c.url)
	}

	var transport Transport
	var err error
	if glog.V(2) {
		transport, err = TraceWithReturnError(fmt.Sprintf("[s]dial %s", c.connectionId), dial)
	} else {
		transport, err = dial()
	}
	if err != nil {
		if c.ctx.Err() == nil {
			glog.Infof("[s]dial %s error = %s\n", c.connectionId, err)
			c.closeWithError(&self.stateLock, err)
		}
		return
	}
	defer transport.Close()

	go func() {
		// unblocks the reader on local close
		<-c.ctx.Done()
		transport.Close()
	}()

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case message := <-c.send:
				if err := transport.WriteMessage(c.ctx, message); err != nil {
					if c.ctx.Err() == nil {
						glog.Infof("[s]%s-> error = %s\n", c.connectionId, err)
						c.closeWithError(&self.stateLock, err)
					}
					return
				}
				glog.V(2).Infof("[s]%s-> %s\n", c.connectionId, message)
			}
		}
	}()

	self.post(func() {
		self.onOpen(c)
	})

	for {
		message, err := transport.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				// closed locally
			} else if errors.Is(err, io.EOF) {
				glog.V(1).Infof("[s]%s<- remote close\n", c.connectionId)
			} else {
				glog.Infof("[s]%s<- error = %s\n", c.connectionId, err)
				c.closeWithError(&self.stateLock, err)
			}
			return
		}
		glog.V(2).Infof("[s]%s<- %s\n", c.connectionId, message)
		self.post(func() {
			self.receive(c, message)
		})
	}
}

// runs on the loop
func (self *Session) onOpen(c *connection) {
	hello := NewRequest(MethodHello, map[string]any{
		"clientname":    self.settings.ClientName,
		"clientversion": self.settings.ClientVersion,
		"htspversion":   self.settings.HtspVersion,
	})
	self.send(c, hello, NewCallback(func(response *Message, err error) {
		if err != nil {
			// the connection closed first
			return
		}
		if remoteErr := response.Err(); remoteErr != nil {
			glog.Infof("[s]%s hello rejected = %s\n", c.connectionId, remoteErr)
			c.closeWithError(&self.stateLock, remoteErr)
			return
		}
		helloEvent := &HelloEvent{}
		if err := response.Decode(helloEvent); err != nil {
			c.closeWithError(&self.stateLock, fmt.Errorf("%w: hello: %s", ErrInvalidMessage, err))
			return
		}
		glog.V(1).Infof("[s]%s hello %s %s htsp %d\n", c.connectionId, helloEvent.ServerName, helloEvent.ServerVersion, helloEvent.HtspVersion)
		self.publish(c.connectionId, helloEvent)
	}))
}

// runs on the loop
func (self *Session) receive(c *connection, data []byte) {
	if self.isClosed(c) {
		return
	}

	message, err := DecodeMessage(data)
	if err != nil {
		// malformed frames are noise
		glog.V(2).Infof("[s]%s<- discard = %s\n", c.connectionId, err)
		return
	}

	if message.Seq != nil {
		if callback, ok := self.takePending(c, *message.Seq); ok {
			HandleError(func() {
				callback.Result(message, nil)
			})
			return
		}
	}

	if message.Method == "" {
		glog.Infof("[s]%s<- unhandled message %s\n", c.connectionId, message)
		return
	}

	event, err := ToEvent(message)
	if err != nil {
		glog.Infof("[s]%s<- drop %s = %s\n", c.connectionId, message.Method, err)
		return
	}
	self.publish(c.connectionId, event)
}

// runs on the loop. Safe to call more than once per connection.
func (self *Session) teardown(c *connection) {
	var pending map[uint32]ResponseCallback
	var err error
	closed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if c.closed {
			return true
		}
		c.closed = true
		pending = c.pending
		c.pending = map[uint32]ResponseCallback{}
		err = c.err
		if self.connection == c {
			self.connection = nil
		}
		return false
	}()
	if closed {
		return
	}

	glog.V(1).Infof("[s]close %s (%d pending)\n", c.connectionId, len(pending))

	// abandoned requests are resolved, in send order
	seqs := make([]uint32, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	for _, seq := range seqs {
		callback := pending[seq]
		HandleError(func() {
			callback.Result(nil, ErrRequestCancelled)
		})
	}

	if err != nil {
		self.publish(c.connectionId, &ErrorEvent{
			Err: err,
		})
	}
	self.publish(c.connectionId, &CloseEvent{})
}

func (self *Session) publish(connectionId Id, event Event) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		HandleError(func() {
			eventCallback(connectionId, event)
		})
	}
}

func (self *Session) isClosed(c *connection) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return c.closed
}

func (self *Session) takePending(c *connection, seq uint32) (ResponseCallback, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callback, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	return callback, ok
}

// sends on the current connection.
// The callback receives the correlated response, or `ErrRequestCancelled` if the connection
// closes first, or `ErrNotConnected`. Returns the assigned seq.
func (self *Session) Send(request Request, callback ResponseCallback) (uint32, bool) {
	self.stateLock.Lock()
	c := self.connection
	self.stateLock.Unlock()

	if c == nil {
		if callback != nil {
			callback.Result(nil, ErrNotConnected)
		}
		return 0, false
	}
	return self.send(c, request, callback)
}

func (self *Session) send(c *connection, request Request, callback ResponseCallback) (uint32, bool) {
	if callback == nil {
		callback = NewNoopCallback[*Message]()
	}

	var seq uint32
	registered := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if c.closed {
			return false
		}
		// consumed even if the write fails
		seq = c.seq
		c.seq += 1
		c.pending[seq] = callback
		return true
	}()
	if !registered {
		callback.Result(nil, ErrNotConnected)
		return 0, false
	}

	message, err := EncodeRequest(request, seq)
	if err != nil {
		if callback, ok := self.takePending(c, seq); ok {
			callback.Result(nil, err)
		}
		return seq, false
	}

	select {
	case <-c.ctx.Done():
		// teardown resolves the callback
		return seq, false
	case c.send <- message:
		return seq, true
	}
}

// asks the server to push metadata updates. `options` are sent verbatim.
// `epgMaxTime` is unix seconds.
func (self *Session) EnableAsyncMetadata(options map[string]any, callback ResponseCallback) (uint32, bool) {
	return self.Send(NewRequest(MethodEnableAsyncMetadata, options), callback)
}

// sends and waits for the response. Must not be called from an event or response callback.
func (self *Session) Request(ctx context.Context, request Request) (*Message, error) {
	callback, result := NewBlockingCallback[*Message]()
	self.Send(request, callback)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-result:
		if r.Error != nil {
			return nil, r.Error
		}
		if err := r.Result.Err(); err != nil {
			return r.Result, err
		}
		return r.Result, nil
	}
}

// closes the current connection. Queued sends may be dropped.
func (self *Session) Close() {
	self.stateLock.Lock()
	c := self.connection
	self.stateLock.Unlock()

	if c != nil {
		c.cancel()
	}
}

func (self *Session) ConnectionId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.connection == nil {
		return Id{}, false
	}
	return self.connection.connectionId, true
}

// number of requests awaiting a response on the current connection
func (self *Session) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.connection == nil {
		return 0
	}
	return len(self.connection.pending)
}

// closes the connection and stops the loop
func (self *Session) Cancel() {
	self.cancel()
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}
