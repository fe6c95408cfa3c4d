package htsp

import (
	"github.com/oklog/ulid/v2"
)

// comparable
// ids are ordered by create time, so connections from the same session order by open time
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
