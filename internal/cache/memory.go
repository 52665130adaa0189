package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is the in-process Store backend: a bounded expiring LRU plus an
// in-memory listener registry. Correct only within a single process.
type Memory struct {
	lru *expirable.LRU[string, []byte]

	mu           sync.Mutex
	nextID       int
	keyListeners map[string]map[int]Handler
	catListeners map[string]map[int]CategoryHandler
}

// NewMemory builds an in-process store holding at most size entries, each
// expiring after ttl.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{
		lru:          expirable.NewLRU[string, []byte](size, nil, ttl),
		keyListeners: make(map[string]map[int]Handler),
		catListeners: make(map[string]map[int]CategoryHandler),
	}
}

func memKey(category, id string) string { return category + ":" + id }

func (m *Memory) Set(ctx context.Context, category, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache set %s/%s: %w", category, id, err)
	}
	m.lru.Add(memKey(category, id), data)
	m.dispatch(category, id, data)
	return nil
}

func (m *Memory) Get(ctx context.Context, category, id string, out any) error {
	data, ok := m.lru.Get(memKey(category, id))
	if !ok {
		return ErrCacheMiss
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (m *Memory) On(category, id string, fn Handler) (cancel func()) {
	key := memKey(category, id)
	m.mu.Lock()
	m.nextID++
	token := m.nextID
	if m.keyListeners[key] == nil {
		m.keyListeners[key] = make(map[int]Handler)
	}
	m.keyListeners[key][token] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.keyListeners[key], token)
		m.mu.Unlock()
	}
}

func (m *Memory) OnCategory(category string, fn CategoryHandler) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	token := m.nextID
	if m.catListeners[category] == nil {
		m.catListeners[category] = make(map[int]CategoryHandler)
	}
	m.catListeners[category][token] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.catListeners[category], token)
		m.mu.Unlock()
	}
}

// dispatch invokes listeners outside the registry lock, on a snapshot, so a
// handler may cancel itself or register new listeners. Panics are confined to
// the offending listener.
func (m *Memory) dispatch(category, id string, data []byte) {
	m.mu.Lock()
	var keyFns []Handler
	for _, fn := range m.keyListeners[memKey(category, id)] {
		keyFns = append(keyFns, fn)
	}
	var catFns []CategoryHandler
	for _, fn := range m.catListeners[category] {
		catFns = append(catFns, fn)
	}
	m.mu.Unlock()

	for _, fn := range keyFns {
		invoke(func() { fn(data) })
	}
	for _, fn := range catFns {
		fn := fn
		invoke(func() { fn(id, data) })
	}
}

func invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("cache: listener panic: %v", r)
		}
	}()
	fn()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.keyListeners = make(map[string]map[int]Handler)
	m.catListeners = make(map[string]map[int]CategoryHandler)
	m.mu.Unlock()
	m.lru.Purge()
	return nil
}
