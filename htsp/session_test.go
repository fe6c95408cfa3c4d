package htsp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	connectionId := session.Open("ws://localhost:9981/htsp")
	c := server.accept(t)

	hello := c.readRequest(t)
	assert.Equal(t, MethodHello, hello["method"])
	assert.Equal(t, float64(0), hello["seq"])
	assert.Equal(t, DefaultClientName, hello["clientname"])
	assert.Equal(t, "0", hello["clientversion"])
	assert.Equal(t, float64(11), hello["htspversion"])

	c.reply(t, hello, map[string]any{
		"htspversion":      11,
		"servername":       "Tvheadend",
		"serverversion":    "3.5",
		"servercapability": []string{"timeshift"},
	})

	event := recorder.next(t)
	helloEvent, ok := event.(*HelloEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, 11, helloEvent.HtspVersion)
	assert.Equal(t, "Tvheadend", helloEvent.ServerName)
	assert.Equal(t, []string{"timeshift"}, helloEvent.ServerCapability)

	currentId, ok := session.ConnectionId()
	assert.Equal(t, true, ok)
	assert.Equal(t, connectionId, currentId)
	assert.Equal(t, 0, session.PendingCount())
}

func TestSessionSequenceCorrelation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	n := 16

	var stateLock sync.Mutex
	resultCounts := map[uint32]int{}
	results := make(chan uint32, 2*n)

	seqs := []uint32{}
	for i := 0; i < n; i += 1 {
		seq, ok := session.Send(NewRequest("getSysTime", nil), NewCallback(func(response *Message, err error) {
			assert.Equal(t, nil, err)
			stateLock.Lock()
			resultCounts[*response.Seq] += 1
			stateLock.Unlock()
			results <- *response.Seq
		}))
		assert.Equal(t, true, ok)
		seqs = append(seqs, seq)
	}
	// hello consumed seq 0
	for i, seq := range seqs {
		assert.Equal(t, uint32(i+1), seq)
	}

	requests := []map[string]any{}
	for i := 0; i < n; i += 1 {
		request := c.readRequest(t)
		assert.Equal(t, "getSysTime", request["method"])
		assert.Equal(t, float64(i+1), request["seq"])
		requests = append(requests, request)
	}

	// respond in reverse order, and every response twice
	for i := n - 1; 0 <= i; i -= 1 {
		c.reply(t, requests[i], map[string]any{"time": 1})
		c.reply(t, requests[i], map[string]any{"time": 1})
	}
	// a marker event orders after all responses
	c.push(t, map[string]any{"method": MethodInitialSyncCompleted})
	recorder.waitFor(t, MethodInitialSyncCompleted)

	for i := n - 1; 0 <= i; i -= 1 {
		select {
		case seq := <-results:
			assert.Equal(t, uint32(i+1), seq)
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting for response")
		}
	}

	stateLock.Lock()
	for _, seq := range seqs {
		assert.Equal(t, 1, resultCounts[seq])
	}
	stateLock.Unlock()
	assert.Equal(t, 0, session.PendingCount())
}

func TestSessionSequenceIncreasesWhilePending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)

	var previous uint32
	for i := 0; i < 100; i += 1 {
		seq, ok := session.Send(NewRequest("getDiskSpace", nil), nil)
		assert.Equal(t, true, ok)
		if 0 < i {
			assert.Equal(t, true, previous < seq)
		}
		previous = seq
		c.readRequest(t)
	}
	assert.Equal(t, 100, session.PendingCount())
}

func TestSessionDiscardsMalformedAndUnclassifiable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	c.pushRaw([]byte("not json"))
	c.pushRaw([]byte("[1, 2, 3]"))
	c.pushRaw([]byte("null"))
	c.pushRaw([]byte(`{"seq": -1}`))
	c.push(t, map[string]any{"noMethod": true})
	c.push(t, map[string]any{"seq": 999})
	c.push(t, map[string]any{"method": "subscriptionStart"})
	// fails validation
	c.push(t, map[string]any{"method": MethodChannelAdd, "channelName": "missing id"})
	c.push(t, map[string]any{"method": MethodTagAdd, "tagId": 3, "tagName": "News"})

	event := recorder.next(t)
	tagChange, ok := event.(*TagChange)
	assert.Equal(t, true, ok)
	assert.Equal(t, EntityOpAdd, tagChange.Op)
	assert.Equal(t, "News", *tagChange.Tag.TagName)

	recorder.expectNone(t, 50*time.Millisecond)
}

func TestSessionUnmatchedSeqWithMethodIsEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	c.push(t, map[string]any{"seq": 77, "method": MethodChannelDelete, "channelId": 5})
	event := recorder.next(t)
	assert.Equal(t, MethodChannelDelete, event.Method())
}

func TestSessionUnparseableSeqWithMethodIsEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	c.pushRaw([]byte(`{"seq":-1,"method":"channelDelete","channelId":5}`))
	c.pushRaw([]byte(`{"seq":4294967296,"method":"tagDelete","tagId":6}`))
	c.pushRaw([]byte(`{"seq":"x","method":"eventDelete","eventId":7}`))

	assert.Equal(t, MethodChannelDelete, recorder.next(t).Method())
	assert.Equal(t, MethodTagDelete, recorder.next(t).Method())
	assert.Equal(t, MethodEventDelete, recorder.next(t).Method())
}

func TestSessionSendConsumesSeqOnEncodeError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	var encodeErr error
	badSeq, ok := session.Send(Request{"method": "getSysTime", "bad": make(chan int)}, NewCallback(func(response *Message, err error) {
		encodeErr = err
	}))
	assert.Equal(t, false, ok)
	assert.Equal(t, uint32(1), badSeq)
	assert.NotEqual(t, nil, encodeErr)
	assert.Equal(t, 0, session.PendingCount())

	seq, ok := session.Send(NewRequest("getSysTime", nil), nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, badSeq+1, seq)
	assert.Equal(t, 1, session.PendingCount())

	// the failed request never reaches the transport
	request := c.readRequest(t)
	assert.Equal(t, float64(seq), request["seq"])
}

func TestSessionWriteErrorCancelsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	writeErr := errors.New("write failed")
	c.failWrites(writeErr)

	results := make(chan error, 1)
	seq, ok := session.Send(NewRequest("getSysTime", nil), NewCallback(func(response *Message, err error) {
		results <- err
	}))
	assert.Equal(t, true, ok)
	assert.Equal(t, uint32(1), seq)

	errorEvent := recorder.waitFor(t, EventMethodError).(*ErrorEvent)
	assert.Equal(t, writeErr, errorEvent.Err)
	recorder.waitFor(t, EventMethodClose)

	select {
	case err := <-results:
		assert.Equal(t, ErrRequestCancelled, err)
	default:
		t.Fatalf("pending request was not resolved")
	}
	assert.Equal(t, 0, session.PendingCount())
}

func TestSessionCloseCancelsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	type result struct {
		seq uint32
		err error
	}
	results := make(chan result, 8)
	for i := 0; i < 3; i += 1 {
		var seq uint32
		seq, _ = session.Send(NewRequest("getEvents", nil), NewCallback(func(response *Message, err error) {
			results <- result{seq: seq, err: err}
		}))
		c.readRequest(t)
	}
	assert.Equal(t, 3, session.PendingCount())

	session.Close()

	event := recorder.next(t)
	assert.Equal(t, EventMethodClose, event.Method())

	for i := 0; i < 3; i += 1 {
		select {
		case r := <-results:
			assert.Equal(t, uint32(i+1), r.seq)
			assert.Equal(t, true, errors.Is(r.err, ErrRequestCancelled))
		default:
			t.Fatalf("pending callback %d not resolved before close event", i)
		}
	}

	assert.Equal(t, true, c.isClosed())
	_, ok := session.ConnectionId()
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, session.PendingCount())

	// no connection
	var sendErr error
	_, ok = session.Send(NewRequest("getSysTime", nil), NewCallback(func(response *Message, err error) {
		sendErr = err
	}))
	assert.Equal(t, false, ok)
	assert.Equal(t, true, errors.Is(sendErr, ErrNotConnected))
}

func TestSessionTransportError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	readErr := errors.New("connection reset by peer")
	c.fail(readErr)

	event := recorder.next(t)
	errorEvent, ok := event.(*ErrorEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, readErr, errorEvent.Err)

	event = recorder.next(t)
	assert.Equal(t, EventMethodClose, event.Method())
}

func TestSessionRemoteCloseIsNotError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	c.remoteClose()

	event := recorder.next(t)
	assert.Equal(t, EventMethodClose, event.Method())
}

func TestSessionDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	dialErr := errors.New("connection refused")
	server.setDialErr(dialErr)

	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost:1/htsp")

	event := recorder.next(t)
	errorEvent, ok := event.(*ErrorEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, dialErr, errorEvent.Err)
	assert.Equal(t, EventMethodClose, recorder.next(t).Method())
}

func TestSessionHelloRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	hello := c.readRequest(t)
	c.reply(t, hello, map[string]any{"error": "Unsupported version"})

	event := recorder.next(t)
	errorEvent, ok := event.(*ErrorEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, errors.Is(errorEvent.Err, ErrRemote))
	assert.Equal(t, EventMethodClose, recorder.next(t).Method())
}

func TestSessionReopenClosesPrevious(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)

	var stateLock sync.Mutex
	methods := map[Id][]string{}
	session.AddEventCallback(func(connectionId Id, event Event) {
		stateLock.Lock()
		defer stateLock.Unlock()
		methods[connectionId] = append(methods[connectionId], event.Method())
	})
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	firstId := session.Open("ws://localhost/htsp")
	first := server.accept(t)
	handshake(t, first)
	recorder.waitFor(t, MethodHello)

	secondId := session.Open("ws://localhost/htsp")
	second := server.accept(t)
	recorder.waitFor(t, EventMethodClose)

	hello := handshake(t, second)
	// a new connection starts its own sequence
	assert.Equal(t, float64(0), hello["seq"])
	recorder.waitFor(t, MethodHello)

	assert.Equal(t, true, first.isClosed())
	assert.Equal(t, true, firstId.LessThan(secondId))

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, []string{MethodHello, EventMethodClose}, methods[firstId])
	assert.Equal(t, []string{MethodHello}, methods[secondId])
}

func TestSessionEnableAsyncMetadata(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)

	session.EnableAsyncMetadata(map[string]any{
		"epg":        1,
		"epgMaxTime": int64(1700000000),
	}, nil)

	request := c.readRequest(t)
	assert.Equal(t, MethodEnableAsyncMetadata, request["method"])
	assert.Equal(t, float64(1), request["epg"])
	assert.Equal(t, float64(1700000000), request["epgMaxTime"])
	assert.Equal(t, float64(1), request["seq"])
}

func TestSessionRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	go func() {
		request := c.readRequest(t)
		c.reply(t, request, map[string]any{"time": 1700000000, "timezone": 60})
		request = c.readRequest(t)
		c.reply(t, request, map[string]any{"error": "No such method"})
	}()

	response, err := session.Request(ctx, NewRequest("getSysTime", nil))
	assert.Equal(t, nil, err)
	var sysTime struct {
		Time     int64 `json:"time"`
		Timezone int   `json:"timezone"`
	}
	assert.Equal(t, nil, response.Decode(&sysTime))
	assert.Equal(t, int64(1700000000), sysTime.Time)
	assert.Equal(t, 60, sysTime.Timezone)

	_, err = session.Request(ctx, NewRequest("notAMethod", nil))
	assert.Equal(t, true, errors.Is(err, ErrRemote))
}

func TestSessionCancelResolvesPending(t *testing.T) {
	server := newTestServer()
	session := newTestSession(context.Background(), server)
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	results := make(chan error, 1)
	session.Send(NewRequest("getEvents", nil), NewCallback(func(response *Message, err error) {
		results <- err
	}))
	c.readRequest(t)

	session.Cancel()

	select {
	case err := <-results:
		assert.Equal(t, true, errors.Is(err, ErrRequestCancelled))
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for cancel")
	}
	assert.Equal(t, EventMethodClose, recorder.waitFor(t, EventMethodClose).Method())
}

func TestSessionSubscriberPanicDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	session := newTestSession(ctx, server)
	session.AddEventCallback(func(connectionId Id, event Event) {
		panic("subscriber failure")
	})
	recorder := newEventRecorder()
	session.AddEventCallback(recorder.record)

	session.Open("ws://localhost/htsp")
	c := server.accept(t)
	handshake(t, c)
	recorder.waitFor(t, MethodHello)

	c.push(t, map[string]any{"method": MethodInitialSyncCompleted})
	recorder.waitFor(t, MethodInitialSyncCompleted)
}
