package htsp

import (
	"errors"
)

// records delivered before the initial sync completes.
// Owned by the client for one connection and flushed into the stores exactly once.
type syncBuffer struct {
	channels  *Store[uint32, Channel]
	tags      *Store[uint32, Tag]
	epgEvents *Store[uint32, EpgEvent]
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{
		channels:  NewStore[uint32, Channel](ChannelKey),
		tags:      NewStore[uint32, Tag](TagKey),
		epgEvents: NewStore[uint32, EpgEvent](EpgEventKey),
	}
}

// add and update accumulate in arrival order.
// An update for a record not yet buffered is buffered as the partial record.
func bufferChange[R any, M entityMessage[R]](buffer *Store[uint32, R], op EntityOp, message M) error {
	key, _ := message.Key()
	switch op {
	case EntityOpAdd:
		buffer.Add(newRecord[R](message))
		return nil
	case EntityOpUpdate:
		err := buffer.Merge(key, message.Apply)
		if errors.Is(err, ErrNotFound) {
			buffer.Add(newRecord[R](message))
			return nil
		}
		return err
	case EntityOpDelete:
		return buffer.Remove(key)
	default:
		return nil
	}
}

// live application of one change
func applyChange[R any, M entityMessage[R]](store *Store[uint32, R], op EntityOp, message M) error {
	key, _ := message.Key()
	switch op {
	case EntityOpAdd:
		store.Add(newRecord[R](message))
		return nil
	case EntityOpUpdate:
		return store.Merge(key, message.Apply)
	case EntityOpDelete:
		return store.Remove(key)
	default:
		return nil
	}
}
