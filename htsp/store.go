package htsp

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	ErrNotFound    = errors.New("htsp: not found")
	ErrKeyConflict = errors.New("htsp: key conflict")
)

// read only access to a store, for display layers
type View[K comparable, R any] interface {
	Get(key K) (R, bool)
	At(index int) (R, bool)
	IndexOf(key K) int
	Len() int
	// a copy of the records in current order
	All() []R
	Keys() []K
}

// ordered collection of records with unique keys.
// Writers are the sync controller on the session loop. Readers may be on any goroutine.
type Store[K comparable, R any] struct {
	keyFunc func(*R) K

	stateLock sync.RWMutex
	// the declared sort, nil for insertion order
	cmp        func(a *R, b *R) int
	records    []R
	keyIndexes map[K]int
}

func NewStore[K comparable, R any](keyFunc func(*R) K) *Store[K, R] {
	return &Store[K, R]{
		keyFunc:    keyFunc,
		records:    []R{},
		keyIndexes: map[K]int{},
	}
}

// loads a batch in one pass. With `replace` the previous contents are dropped.
// A repeated key keeps the position of its first occurrence and the value of its last.
func (self *Store[K, R]) LoadBulk(records []R, replace bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if replace {
		self.records = make([]R, 0, len(records))
		self.keyIndexes = map[K]int{}
	}
	for _, record := range records {
		self.upsert(record)
	}
	if self.cmp != nil {
		self.sort()
	}
}

// appends a record without re-sorting. An existing key is replaced in place.
func (self *Store[K, R]) Add(record R) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.upsert(record)
}

// must be called with `stateLock`
func (self *Store[K, R]) upsert(record R) {
	key := self.keyFunc(&record)
	if index, ok := self.keyIndexes[key]; ok {
		self.records[index] = record
	} else {
		self.keyIndexes[key] = len(self.records)
		self.records = append(self.records, record)
	}
}

// applies a partial update to the record with `key`
func (self *Store[K, R]) Merge(key K, apply func(record *R)) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	index, ok := self.keyIndexes[key]
	if !ok {
		return fmt.Errorf("%w: merge %v", ErrNotFound, key)
	}
	previous := self.records[index]
	apply(&self.records[index])
	if mergedKey := self.keyFunc(&self.records[index]); mergedKey != key {
		self.records[index] = previous
		return fmt.Errorf("%w: merge %v changed key to %v", ErrKeyConflict, key, mergedKey)
	}
	return nil
}

func (self *Store[K, R]) Remove(key K) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	index, ok := self.keyIndexes[key]
	if !ok {
		return fmt.Errorf("%w: remove %v", ErrNotFound, key)
	}
	self.records = slices.Delete(self.records, index, index+1)
	delete(self.keyIndexes, key)
	self.reindex(index)
	return nil
}

// declares the sort and re-orders the collection. The sort is stable.
func (self *Store[K, R]) SortBy(cmp func(a *R, b *R) int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.cmp = cmp
	self.sort()
}

// must be called with `stateLock`
func (self *Store[K, R]) sort() {
	slices.SortStableFunc(self.records, func(a R, b R) int {
		return self.cmp(&a, &b)
	})
	self.reindex(0)
}

// must be called with `stateLock`
func (self *Store[K, R]) reindex(start int) {
	for i := start; i < len(self.records); i += 1 {
		self.keyIndexes[self.keyFunc(&self.records[i])] = i
	}
}

func (self *Store[K, R]) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.records = []R{}
	self.keyIndexes = map[K]int{}
}

// View implementation

func (self *Store[K, R]) Get(key K) (R, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	index, ok := self.keyIndexes[key]
	if !ok {
		var empty R
		return empty, false
	}
	return self.records[index], true
}

func (self *Store[K, R]) At(index int) (R, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if index < 0 || len(self.records) <= index {
		var empty R
		return empty, false
	}
	return self.records[index], true
}

// -1 when absent
func (self *Store[K, R]) IndexOf(key K) int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if index, ok := self.keyIndexes[key]; ok {
		return index
	}
	return -1
}

func (self *Store[K, R]) Len() int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return len(self.records)
}

func (self *Store[K, R]) All() []R {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return slices.Clone(self.records)
}

func (self *Store[K, R]) Keys() []K {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	keys := make([]K, 0, len(self.records))
	for i := range self.records {
		keys = append(keys, self.keyFunc(&self.records[i]))
	}
	return keys
}
