// Package cache provides bounded caches for read-mostly lookups.
package cache // import "github.com/boltconn/boltconn/common/cache"

import (
	"container/list"
	"sync"
)

// Lru is a least-recently-used cache with bidirectional lookup. It backs the
// fake-IP pool, where both domain->IP and IP->domain queries must be O(1).
type Lru interface {
	// Get retrieves a value by its key, marking the pair recently used.
	Get(key interface{}) (value interface{}, ok bool)
	// GetKeyFromValue retrieves a key by its value, marking the pair recently used.
	GetKeyFromValue(value interface{}) (key interface{}, ok bool)
	// PeekKeyFromValue retrieves a key by its value without refreshing recency.
	PeekKeyFromValue(value interface{}) (key interface{}, ok bool)
	// Put adds a new pair, evicting the least recently used pair if full.
	Put(key, value interface{})
}

type lruElement struct {
	key   interface{}
	value interface{}
}

type lru struct {
	capacity       int
	doubleLinked   *list.List
	keyToElement   *sync.Map
	valueToElement *sync.Map
	mu             *sync.Mutex
}

// NewLru initializes a LRU cache holding up to cap pairs.
func NewLru(cap int) Lru {
	return &lru{
		capacity:       cap,
		doubleLinked:   list.New(),
		keyToElement:   new(sync.Map),
		valueToElement: new(sync.Map),
		mu:             new(sync.Mutex),
	}
}

func (l *lru) Get(key interface{}) (value interface{}, ok bool) {
	v, ok := l.keyToElement.Load(key)
	if !ok {
		return nil, false
	}
	element := v.(*list.Element)
	l.mu.Lock()
	l.doubleLinked.MoveToFront(element)
	l.mu.Unlock()
	return element.Value.(lruElement).value, true
}

func (l *lru) GetKeyFromValue(value interface{}) (key interface{}, ok bool) {
	v, ok := l.valueToElement.Load(value)
	if !ok {
		return nil, false
	}
	element := v.(*list.Element)
	l.mu.Lock()
	l.doubleLinked.MoveToFront(element)
	l.mu.Unlock()
	return element.Value.(lruElement).key, true
}

func (l *lru) PeekKeyFromValue(value interface{}) (key interface{}, ok bool) {
	v, ok := l.valueToElement.Load(value)
	if !ok {
		return nil, false
	}
	return v.(*list.Element).Value.(lruElement).key, true
}

func (l *lru) Put(key, value interface{}) {
	e := lruElement{key: key, value: value}
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.keyToElement.Load(key); ok {
		element := v.(*list.Element)
		l.valueToElement.Delete(element.Value.(lruElement).value)
		element.Value = e
		l.valueToElement.Store(value, element)
		l.doubleLinked.MoveToFront(element)
		return
	}

	if l.doubleLinked.Len() >= l.capacity {
		last := l.doubleLinked.Back()
		le := last.Value.(lruElement)
		l.keyToElement.Delete(le.key)
		l.valueToElement.Delete(le.value)
		l.doubleLinked.Remove(last)
	}
	element := l.doubleLinked.PushFront(e)
	l.keyToElement.Store(key, element)
	l.valueToElement.Store(value, element)
}
