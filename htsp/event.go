package htsp

import (
	"errors"
	"fmt"
)

var ErrUnknownMethod = errors.New("htsp: unknown method")

const (
	EventMethodClose         = "close"
	EventMethodError         = "error"
	EventMethodInconsistency = "inconsistency"
)

// closed set of typed events, keyed by method name
type Event interface {
	Method() string
}

type HelloEvent struct {
	HtspVersion      int      `json:"htspversion"`
	ServerName       string   `json:"servername"`
	ServerVersion    string   `json:"serverversion"`
	ServerCapability []string `json:"servercapability"`
}

func (self *HelloEvent) Method() string {
	return MethodHello
}

type CloseEvent struct {
}

func (self *CloseEvent) Method() string {
	return EventMethodClose
}

type ErrorEvent struct {
	Err error
}

func (self *ErrorEvent) Method() string {
	return EventMethodError
}

type InitialSyncCompletedEvent struct {
}

func (self *InitialSyncCompletedEvent) Method() string {
	return MethodInitialSyncCompleted
}

type ChannelChange struct {
	Op      EntityOp
	Channel *ChannelMessage
}

func (self *ChannelChange) Method() string {
	return string(EntityKindChannel) + string(self.Op)
}

type TagChange struct {
	Op  EntityOp
	Tag *TagMessage
}

func (self *TagChange) Method() string {
	return string(EntityKindTag) + string(self.Op)
}

type DvrEntryChange struct {
	Op       EntityOp
	DvrEntry *DvrEntryMessage
}

func (self *DvrEntryChange) Method() string {
	return string(EntityKindDvrEntry) + string(self.Op)
}

type EpgEventChange struct {
	Op       EntityOp
	EpgEvent *EpgEventMessage
}

func (self *EpgEventChange) Method() string {
	return string(EntityKindEpgEvent) + string(self.Op)
}

// a merge or remove that targeted a record the store does not have.
// This is protocol or state drift, reported and otherwise ignored.
type InconsistencyEvent struct {
	Kind EntityKind
	Op   EntityOp
	Key  uint32
	Err  error
}

func (self *InconsistencyEvent) Method() string {
	return EventMethodInconsistency
}

// classifies a pushed message by method name
func ToEvent(message *Message) (Event, error) {
	switch message.Method {
	case MethodHello:
		hello := &HelloEvent{}
		if err := message.Decode(hello); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
		}
		return hello, nil
	case MethodInitialSyncCompleted:
		return &InitialSyncCompletedEvent{}, nil
	case MethodChannelAdd, MethodChannelUpdate, MethodChannelDelete:
		channel := &ChannelMessage{}
		if err := decodeEntityMessage(message, channel); err != nil {
			return nil, err
		}
		return &ChannelChange{
			Op:      entityOp(message.Method, string(EntityKindChannel)),
			Channel: channel,
		}, nil
	case MethodTagAdd, MethodTagUpdate, MethodTagDelete:
		tag := &TagMessage{}
		if err := decodeEntityMessage(message, tag); err != nil {
			return nil, err
		}
		return &TagChange{
			Op:  entityOp(message.Method, string(EntityKindTag)),
			Tag: tag,
		}, nil
	case MethodDvrEntryAdd, MethodDvrEntryUpdate, MethodDvrEntryDelete:
		dvrEntry := &DvrEntryMessage{}
		if err := decodeEntityMessage(message, dvrEntry); err != nil {
			return nil, err
		}
		return &DvrEntryChange{
			Op:       entityOp(message.Method, string(EntityKindDvrEntry)),
			DvrEntry: dvrEntry,
		}, nil
	case MethodEventAdd, MethodEventUpdate, MethodEventDelete:
		epgEvent := &EpgEventMessage{}
		if err := decodeEntityMessage(message, epgEvent); err != nil {
			return nil, err
		}
		return &EpgEventChange{
			Op:       entityOp(message.Method, string(EntityKindEpgEvent)),
			EpgEvent: epgEvent,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, message.Method)
	}
}

func decodeEntityMessage(message *Message, v interface{ Validate() error }) error {
	if err := message.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, message.Method, err)
	}
	return v.Validate()
}

func entityOp(method string, kindPrefix string) EntityOp {
	return EntityOp(method[len(kindPrefix):])
}
