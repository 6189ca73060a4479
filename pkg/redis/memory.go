package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-call-control/pkg/clock"
)

// MemoryService is an in-process RedisServiceInterface for tests and single-instance development.
// Expiry is evaluated lazily against the supplied clock.
type MemoryService struct {
	mu          sync.Mutex
	clock       clock.Clock
	strings     map[string]string
	hashes      map[string]map[string]string
	lists       map[string][]string
	sets        map[string]map[string]struct{}
	expiry      map[string]time.Time
	subscribers map[string][]func(string)
}

func NewMemoryService(clk clock.Clock) *MemoryService {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &MemoryService{
		clock:       clk,
		strings:     make(map[string]string),
		hashes:      make(map[string]map[string]string),
		lists:       make(map[string][]string),
		sets:        make(map[string]map[string]struct{}),
		expiry:      make(map[string]time.Time),
		subscribers: make(map[string][]func(string)),
	}
}

func (m *MemoryService) GenerateKey(keyType KeyType, identifier string) string {
	return fmt.Sprintf("%s:%s", string(keyType), identifier)
}

// expireLocked drops key if its ttl has elapsed
func (m *MemoryService) expireLocked(key string) {
	at, ok := m.expiry[key]
	if !ok || m.clock.Now().Before(at) {
		return
	}
	m.deleteLocked(key)
}

func (m *MemoryService) deleteLocked(key string) bool {
	_, s := m.strings[key]
	_, h := m.hashes[key]
	_, l := m.lists[key]
	_, st := m.sets[key]
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.sets, key)
	delete(m.expiry, key)
	return s || h || l || st
}

func (m *MemoryService) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *MemoryService) GetValue(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotExist
	}
	return v, nil
}

func (m *MemoryService) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *MemoryService) GetDelValue(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotExist
	}
	m.deleteLocked(key)
	return v, nil
}

func (m *MemoryService) DelValue(ctx context.Context, key string) error {
	_, err := m.DeleteKey(ctx, key)
	return err
}

func (m *MemoryService) DeleteKey(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return m.deleteLocked(key), nil
}

func (m *MemoryService) CreateHashIfAbsent(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, ok := m.hashes[key]; ok {
		return false, nil
	}
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	m.hashes[key] = h
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *MemoryService) GetHash(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryService) PushBack(ctx context.Context, key string, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], value)
	return int64(len(m.lists[key])), nil
}

func (m *MemoryService) PopFront(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	l := m.lists[key]
	if len(l) == 0 {
		return "", ErrKeyNotExist
	}
	v := l[0]
	if len(l) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = l[1:]
	}
	return v, nil
}

func (m *MemoryService) ListLength(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *MemoryService) ListPosition(ctx context.Context, key string, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for i, v := range m.lists[key] {
		if v == value {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (m *MemoryService) RemoveFromList(ctx context.Context, key string, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	l := m.lists[key]
	kept := l[:0:0]
	var removed int64
	for _, v := range l {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = kept
	}
	return removed, nil
}

func (m *MemoryService) AddToSet(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *MemoryService) RemoveFromSet(ctx context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *MemoryService) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

// Publish delivers synchronously to every subscriber of channel
func (m *MemoryService) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	m.mu.Lock()
	handlers := append([]func(string){}, m.subscribers[channel]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(string(data))
	}
	return nil
}

func (m *MemoryService) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[channel] = append(m.subscribers[channel], handler)
	return nil
}
