package htsp

import (
	"fmt"
	"time"
)

type EntityKind string

const (
	EntityKindChannel  EntityKind = "channel"
	EntityKindTag      EntityKind = "tag"
	EntityKindDvrEntry EntityKind = "dvrEntry"
	EntityKindEpgEvent EntityKind = "event"
)

type EntityOp string

const (
	EntityOpAdd    EntityOp = "Add"
	EntityOpUpdate EntityOp = "Update"
	EntityOpDelete EntityOp = "Delete"
)

type Service struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Channel struct {
	Id     uint32
	Number int
	Name   string
	Icon   string
	// event id of the program now playing
	Now uint32
	// event id of the next program
	Next     uint32
	Tags     []uint32
	Services []Service
}

type Tag struct {
	Id      uint32
	Name    string
	Icon    string
	Members []uint32
}

type DvrEntry struct {
	Id          uint32
	ChannelId   uint32
	EventId     uint32
	Title       string
	Summary     string
	Description string
	State       string
	Error       string
	Start       time.Time
	Stop        time.Time
}

type EpgEvent struct {
	Id          uint32
	ChannelId   uint32
	Title       string
	Summary     string
	Description string
	Start       time.Time
	Stop        time.Time
}

func ChannelKey(channel *Channel) uint32 {
	return channel.Id
}

func TagKey(tag *Tag) uint32 {
	return tag.Id
}

func DvrEntryKey(dvrEntry *DvrEntry) uint32 {
	return dvrEntry.Id
}

func EpgEventKey(epgEvent *EpgEvent) uint32 {
	return epgEvent.Id
}

// ascending by channel number, ties by id
func ChannelNumberCmp(a *Channel, b *Channel) int {
	if a.Number != b.Number {
		if a.Number < b.Number {
			return -1
		}
		return 1
	}
	return cmpUint32(a.Id, b.Id)
}

// ascending by start time, ties by id
func EpgEventStartCmp(a *EpgEvent, b *EpgEvent) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return cmpUint32(a.Id, b.Id)
}

func cmpUint32(a uint32, b uint32) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	} else {
		return 0
	}
}

// a partial record as sent on the wire.
// Absent fields are nil. Applying a message overwrites only fields that are present and non-empty.
type entityMessage[R any] interface {
	Key() (uint32, bool)
	Validate() error
	Apply(record *R)
}

type ChannelMessage struct {
	ChannelId     *uint32   `json:"channelId"`
	ChannelNumber *int      `json:"channelNumber"`
	ChannelName   *string   `json:"channelName"`
	ChannelIcon   *string   `json:"channelIcon"`
	EventId       *uint32   `json:"eventId"`
	NextEventId   *uint32   `json:"nextEventId"`
	Tags          []uint32  `json:"tags"`
	Services      []Service `json:"services"`
}

func (self *ChannelMessage) Key() (uint32, bool) {
	if self.ChannelId == nil {
		return 0, false
	}
	return *self.ChannelId, true
}

func (self *ChannelMessage) Validate() error {
	if self.ChannelId == nil {
		return fmt.Errorf("%w: missing channelId", ErrInvalidMessage)
	}
	return nil
}

func (self *ChannelMessage) Apply(channel *Channel) {
	applyUint32(&channel.Id, self.ChannelId)
	if self.ChannelNumber != nil {
		channel.Number = *self.ChannelNumber
	}
	applyString(&channel.Name, self.ChannelName)
	applyString(&channel.Icon, self.ChannelIcon)
	applyUint32(&channel.Now, self.EventId)
	applyUint32(&channel.Next, self.NextEventId)
	applySlice(&channel.Tags, self.Tags)
	applySlice(&channel.Services, self.Services)
}

type TagMessage struct {
	TagId   *uint32  `json:"tagId"`
	TagName *string  `json:"tagName"`
	TagIcon *string  `json:"tagIcon"`
	Members []uint32 `json:"members"`
}

func (self *TagMessage) Key() (uint32, bool) {
	if self.TagId == nil {
		return 0, false
	}
	return *self.TagId, true
}

func (self *TagMessage) Validate() error {
	if self.TagId == nil {
		return fmt.Errorf("%w: missing tagId", ErrInvalidMessage)
	}
	return nil
}

func (self *TagMessage) Apply(tag *Tag) {
	applyUint32(&tag.Id, self.TagId)
	applyString(&tag.Name, self.TagName)
	applyString(&tag.Icon, self.TagIcon)
	applySlice(&tag.Members, self.Members)
}

type DvrEntryMessage struct {
	Id          *uint32 `json:"id"`
	Channel     *uint32 `json:"channel"`
	EventId     *uint32 `json:"eventId"`
	Title       *string `json:"title"`
	Summary     *string `json:"summary"`
	Description *string `json:"description"`
	State       *string `json:"state"`
	Error       *string `json:"error"`
	// unix seconds
	Start *int64 `json:"start"`
	// unix seconds
	Stop *int64 `json:"stop"`
}

func (self *DvrEntryMessage) Key() (uint32, bool) {
	if self.Id == nil {
		return 0, false
	}
	return *self.Id, true
}

func (self *DvrEntryMessage) Validate() error {
	if self.Id == nil {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	return nil
}

func (self *DvrEntryMessage) Apply(dvrEntry *DvrEntry) {
	applyUint32(&dvrEntry.Id, self.Id)
	applyUint32(&dvrEntry.ChannelId, self.Channel)
	applyUint32(&dvrEntry.EventId, self.EventId)
	applyString(&dvrEntry.Title, self.Title)
	applyString(&dvrEntry.Summary, self.Summary)
	applyString(&dvrEntry.Description, self.Description)
	applyString(&dvrEntry.State, self.State)
	applyString(&dvrEntry.Error, self.Error)
	applyUnixTime(&dvrEntry.Start, self.Start)
	applyUnixTime(&dvrEntry.Stop, self.Stop)
}

type EpgEventMessage struct {
	EventId     *uint32 `json:"eventId"`
	ChannelId   *uint32 `json:"channelId"`
	Title       *string `json:"title"`
	Summary     *string `json:"summary"`
	Description *string `json:"description"`
	// unix seconds
	Start *int64 `json:"start"`
	// unix seconds
	Stop *int64 `json:"stop"`
}

func (self *EpgEventMessage) Key() (uint32, bool) {
	if self.EventId == nil {
		return 0, false
	}
	return *self.EventId, true
}

func (self *EpgEventMessage) Validate() error {
	if self.EventId == nil {
		return fmt.Errorf("%w: missing eventId", ErrInvalidMessage)
	}
	return nil
}

func (self *EpgEventMessage) Apply(epgEvent *EpgEvent) {
	applyUint32(&epgEvent.Id, self.EventId)
	applyUint32(&epgEvent.ChannelId, self.ChannelId)
	applyString(&epgEvent.Title, self.Title)
	applyString(&epgEvent.Summary, self.Summary)
	applyString(&epgEvent.Description, self.Description)
	applyUnixTime(&epgEvent.Start, self.Start)
	applyUnixTime(&epgEvent.Stop, self.Stop)
}

// a new record built from only the fields present in the message
func newRecord[R any, M entityMessage[R]](message M) R {
	var record R
	message.Apply(&record)
	return record
}

func applyUint32(dst *uint32, src *uint32) {
	if src != nil {
		*dst = *src
	}
}

func applyString(dst *string, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}

func applySlice[T any](dst *[]T, src []T) {
	if 0 < len(src) {
		*dst = append([]T(nil), src...)
	}
}

func applyUnixTime(dst *time.Time, src *int64) {
	if src != nil {
		*dst = time.Unix(*src, 0)
	}
}
