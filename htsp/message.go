package htsp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/maps"
)

const HtspVersion = 11

const DefaultClientName = "Tvheadend Websocket"
const DefaultClientVersion = "0"

const (
	MethodHello                = "hello"
	MethodEnableAsyncMetadata  = "enableAsyncMetadata"
	MethodInitialSyncCompleted = "initialSyncCompleted"
	MethodChannelAdd           = "channelAdd"
	MethodChannelUpdate        = "channelUpdate"
	MethodChannelDelete        = "channelDelete"
	MethodTagAdd               = "tagAdd"
	MethodTagUpdate            = "tagUpdate"
	MethodTagDelete            = "tagDelete"
	MethodDvrEntryAdd          = "dvrEntryAdd"
	MethodDvrEntryUpdate       = "dvrEntryUpdate"
	MethodDvrEntryDelete       = "dvrEntryDelete"
	MethodEventAdd             = "eventAdd"
	MethodEventUpdate          = "eventUpdate"
	MethodEventDelete          = "eventDelete"
)

var (
	ErrNotConnected     = errors.New("htsp: not connected")
	ErrRequestCancelled = errors.New("htsp: request cancelled")
	ErrInvalidMessage   = errors.New("htsp: invalid message")
	ErrRemote           = errors.New("htsp: remote error")
)

// outgoing request. `seq` is stamped by the session on send.
type Request map[string]any

func NewRequest(method string, fields map[string]any) Request {
	request := Request{}
	maps.Copy(request, fields)
	request["method"] = method
	return request
}

func (self Request) Method() string {
	method, _ := self["method"].(string)
	return method
}

// encodes a copy of the request stamped with `seq`
func EncodeRequest(request Request, seq uint32) ([]byte, error) {
	stamped := maps.Clone(request)
	if stamped == nil {
		stamped = Request{}
	}
	stamped["seq"] = seq
	return json.Marshal(stamped)
}

type messageHeader struct {
	Method string          `json:"method"`
	Seq    json.RawMessage `json:"seq"`
	Error  *string         `json:"error"`
}

// a seq that is not a uint32 cannot match a request
func parseSeq(raw json.RawMessage) *uint32 {
	if len(raw) == 0 {
		return nil
	}
	seq, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return nil
	}
	seq32 := uint32(seq)
	return &seq32
}

// one decoded inbound frame
type Message struct {
	Method string
	// nil when the frame carries no seq
	Seq *uint32

	remoteError *string
	raw         []byte
}

// decodes one inbound frame. Only JSON objects are messages.
func DecodeMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrInvalidMessage)
	}
	var header messageHeader
	if err := json.Unmarshal(trimmed, &header); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	return &Message{
		Method:      header.Method,
		Seq:         parseSeq(header.Seq),
		remoteError: header.Error,
		raw:         trimmed,
	}, nil
}

func (self *Message) Decode(v any) error {
	return json.Unmarshal(self.raw, v)
}

// the `error` field of a response, wrapped in `ErrRemote`
func (self *Message) Err() error {
	if self.remoteError == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRemote, *self.remoteError)
}

func (self *Message) String() string {
	return string(self.raw)
}
