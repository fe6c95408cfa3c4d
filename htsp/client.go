package htsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncState int

const (
	SyncStateDisconnected SyncState = iota
	SyncStateConnecting
	SyncStateSyncing
	SyncStateLive
	SyncStateClosed
	SyncStateErrored
)

func (self SyncState) String() string {
	switch self {
	case SyncStateDisconnected:
		return "disconnected"
	case SyncStateConnecting:
		return "connecting"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateLive:
		return "live"
	case SyncStateClosed:
		return "closed"
	case SyncStateErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ClientSettings struct {
	EnableEpg bool
	// the epg horizon is now plus this offset. 0 limits pushes to current events.
	EpgMaxTimeOffset time.Duration
	Now              func() time.Time
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		EnableEpg:        true,
		EpgMaxTimeOffset: 0,
		Now:              time.Now,
	}
}

// runs the two phase sync over a session and keeps the four stores current.
// Stores survive reconnects. A new connection clears the dvr store at hello and
// replaces the channel, tag and epg stores when its initial sync completes.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	settings *ClientSettings

	stateLock    sync.Mutex
	state        SyncState
	connectionId Id
	buffer       *syncBuffer
	err          error
	// closed and replaced on every state change
	stateNotify chan struct{}

	channelStore  *Store[uint32, Channel]
	tagStore      *Store[uint32, Tag]
	dvrEntryStore *Store[uint32, DvrEntry]
	epgEventStore *Store[uint32, EpgEvent]

	eventCallbacks *CallbackList[EventFunction]

	sessionUnsub func()
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, NewSessionWithDefaults(ctx), DefaultClientSettings())
}

func NewClient(ctx context.Context, session *Session, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		session:        session,
		settings:       settings,
		state:          SyncStateDisconnected,
		stateNotify:    make(chan struct{}),
		channelStore:   NewStore[uint32, Channel](ChannelKey),
		tagStore:       NewStore[uint32, Tag](TagKey),
		dvrEntryStore:  NewStore[uint32, DvrEntry](DvrEntryKey),
		epgEventStore:  NewStore[uint32, EpgEvent](EpgEventKey),
		eventCallbacks: NewCallbackList[EventFunction](),
	}
	client.sessionUnsub = session.AddEventCallback(client.handleEvent)
	return client
}

func (self *Client) Session() *Session {
	return self.session
}

func (self *Client) Channels() View[uint32, Channel] {
	return self.channelStore
}

func (self *Client) Tags() View[uint32, Tag] {
	return self.tagStore
}

func (self *Client) DvrEntries() View[uint32, DvrEntry] {
	return self.dvrEntryStore
}

func (self *Client) EpgEvents() View[uint32, EpgEvent] {
	return self.epgEventStore
}

// subscribers receive hello, close, error, initialSyncCompleted, inconsistency,
// and every live change after it has been applied to the stores.
// Callbacks run on the session loop.
func (self *Client) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *Client) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the error that moved the client to errored
func (self *Client) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *Client) Connect(url string) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.buffer = newSyncBuffer()
	self.err = nil
	self.connectionId = self.session.Open(url)
	self.setState(SyncStateConnecting)
	return self.connectionId
}

func (self *Client) Close() {
	self.session.Close()
}

func (self *Client) Cancel() {
	self.sessionUnsub()
	self.session.Cancel()
	self.cancel()
}

// blocks until the initial sync of the current connection completes
func (self *Client) WaitForSync(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		state := self.state
		err := self.err
		stateNotify := self.stateNotify
		self.stateLock.Unlock()

		switch state {
		case SyncStateLive:
			return nil
		case SyncStateErrored:
			return err
		case SyncStateDisconnected, SyncStateClosed:
			return fmt.Errorf("%w: %s before initial sync", ErrNotConnected, state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-stateNotify:
		}
	}
}

// must be called with `stateLock`
func (self *Client) setState(state SyncState) {
	if self.state == state {
		return
	}
	glog.V(1).Infof("[c]%s %s -> %s\n", self.connectionId, self.state, state)
	self.state = state
	close(self.stateNotify)
	self.stateNotify = make(chan struct{})
}

// the state for `connectionId`, or false when the event is from a stale connection
func (self *Client) connectionState(connectionId Id) (SyncState, *syncBuffer, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if connectionId != self.connectionId {
		return self.state, nil, false
	}
	return self.state, self.buffer, true
}

// EventFunction. Runs on the session loop.
func (self *Client) handleEvent(connectionId Id, event Event) {
	switch v := event.(type) {
	case *HelloEvent:
		self.onHello(connectionId, v)
	case *InitialSyncCompletedEvent:
		self.onInitialSyncCompleted(connectionId, v)
	case *ErrorEvent:
		self.onError(connectionId, v)
	case *CloseEvent:
		self.onClose(connectionId, v)
	case *ChannelChange:
		key, _ := v.Channel.Key()
		self.change(connectionId, v, EntityKindChannel, v.Op, key,
			func(buffer *syncBuffer) error {
				return bufferChange(buffer.channels, v.Op, v.Channel)
			},
			func() error {
				return applyChange(self.channelStore, v.Op, v.Channel)
			},
		)
	case *TagChange:
		key, _ := v.Tag.Key()
		self.change(connectionId, v, EntityKindTag, v.Op, key,
			func(buffer *syncBuffer) error {
				return bufferChange(buffer.tags, v.Op, v.Tag)
			},
			func() error {
				return applyChange(self.tagStore, v.Op, v.Tag)
			},
		)
	case *DvrEntryChange:
		key, _ := v.DvrEntry.Key()
		// dvr entries are never buffered
		self.change(connectionId, v, EntityKindDvrEntry, v.Op, key,
			nil,
			func() error {
				return applyChange(self.dvrEntryStore, v.Op, v.DvrEntry)
			},
		)
	case *EpgEventChange:
		key, _ := v.EpgEvent.Key()
		self.change(connectionId, v, EntityKindEpgEvent, v.Op, key,
			func(buffer *syncBuffer) error {
				return bufferChange(buffer.epgEvents, v.Op, v.EpgEvent)
			},
			func() error {
				return applyChange(self.epgEventStore, v.Op, v.EpgEvent)
			},
		)
	default:
		glog.V(1).Infof("[c]%s ignore %s\n", connectionId, event.Method())
	}
}

func (self *Client) onHello(connectionId Id, hello *HelloEvent) {
	promoted := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connectionId != self.connectionId || self.state != SyncStateConnecting {
			return false
		}
		self.setState(SyncStateSyncing)
		return true
	}()
	if !promoted {
		glog.Infof("[c]%s unexpected hello\n", connectionId)
		return
	}

	// records from a previous connection are not re-delivered if deleted meanwhile
	self.dvrEntryStore.Clear()

	self.publish(connectionId, hello)

	options := map[string]any{}
	if self.settings.EnableEpg {
		options["epg"] = 1
		options["epgMaxTime"] = self.settings.Now().Add(self.settings.EpgMaxTimeOffset).Unix()
	}
	self.session.EnableAsyncMetadata(options, NewCallback(func(response *Message, err error) {
		if err != nil {
			glog.V(1).Infof("[c]%s enableAsyncMetadata = %s\n", connectionId, err)
			return
		}
		if remoteErr := response.Err(); remoteErr != nil {
			glog.Infof("[c]%s enableAsyncMetadata = %s\n", connectionId, remoteErr)
		}
	}))
}

func (self *Client) onInitialSyncCompleted(connectionId Id, event *InitialSyncCompletedEvent) {
	state, buffer, current := self.connectionState(connectionId)
	if !current || state != SyncStateSyncing || buffer == nil {
		glog.Infof("[c]%s unexpected initialSyncCompleted in %s\n", connectionId, state)
		return
	}

	self.channelStore.SortBy(ChannelNumberCmp)
	self.epgEventStore.SortBy(EpgEventStartCmp)

	self.channelStore.LoadBulk(buffer.channels.All(), true)
	self.tagStore.LoadBulk(buffer.tags.All(), true)
	self.epgEventStore.LoadBulk(buffer.epgEvents.All(), true)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.buffer = nil
		self.setState(SyncStateLive)
	}()

	glog.V(1).Infof(
		"[c]%s synced %d channels, %d tags, %d dvr entries, %d epg events\n",
		connectionId,
		self.channelStore.Len(),
		self.tagStore.Len(),
		self.dvrEntryStore.Len(),
		self.epgEventStore.Len(),
	)

	self.publish(connectionId, event)
}

func (self *Client) onError(connectionId Id, event *ErrorEvent) {
	current := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connectionId != self.connectionId {
			return false
		}
		self.err = event.Err
		self.buffer = nil
		self.setState(SyncStateErrored)
		return true
	}()
	if current {
		self.publish(connectionId, event)
	}
}

func (self *Client) onClose(connectionId Id, event *CloseEvent) {
	current := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if connectionId != self.connectionId {
			return false
		}
		self.buffer = nil
		if self.state != SyncStateErrored {
			self.setState(SyncStateClosed)
		}
		return true
	}()
	if current {
		self.publish(connectionId, event)
	}
}

// routes one change to the buffer while syncing, or to the store while live.
// `bufferFn` nil means the kind is applied directly in every phase.
func (self *Client) change(
	connectionId Id,
	event Event,
	kind EntityKind,
	op EntityOp,
	key uint32,
	bufferFn func(buffer *syncBuffer) error,
	applyFn func() error,
) {
	state, buffer, current := self.connectionState(connectionId)
	if !current {
		return
	}

	var err error
	live := false
	switch state {
	case SyncStateSyncing:
		if bufferFn != nil && buffer != nil {
			err = bufferFn(buffer)
		} else {
			err = applyFn()
			live = true
		}
	case SyncStateLive:
		err = applyFn()
		live = true
	default:
		glog.V(1).Infof("[c]%s ignore %s in %s\n", connectionId, event.Method(), state)
		return
	}

	if err != nil {
		glog.Warningf("[c]%s %s%s %d inconsistency = %s\n", connectionId, kind, op, key, err)
		self.publish(connectionId, &InconsistencyEvent{
			Kind: kind,
			Op:   op,
			Key:  key,
			Err:  err,
		})
		return
	}
	if live {
		self.publish(connectionId, event)
	}
}

func (self *Client) publish(connectionId Id, event Event) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		HandleError(func() {
			eventCallback(connectionId, event)
		})
	}
}
