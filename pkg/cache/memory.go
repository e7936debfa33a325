package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	key     string
	value   []byte
	expires time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemoryStore is a size-bounded LRU. Expired entries are dropped on read
// and by a periodic sweep.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore, *time.Duration)

// WithCapacity bounds the number of entries. Non-positive means 1000.
func WithCapacity(n int) MemoryOption {
	return func(m *MemoryStore, _ *time.Duration) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithSweepInterval sets how often expired entries are purged. Zero
// disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(_ *MemoryStore, sweep *time.Duration) { *sweep = d }
}

// NewMemoryStore creates an LRU store. Close stops its sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		capacity: 1000,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	sweep := time.Minute
	for _, opt := range opts {
		opt(m, &sweep)
	}
	if sweep <= 0 {
		close(m.done)
		return m
	}
	go m.sweepLoop(sweep)
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	e := el.Value.(*memEntry)
	if e.expired(m.now()) {
		m.remove(el)
		return nil, ErrCacheMiss
	}
	m.order.MoveToFront(el)
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &memEntry{key: key, value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value = e
		m.order.MoveToFront(el)
		return nil
	}
	m.items[key] = m.order.PushFront(e)
	for m.order.Len() > m.capacity {
		m.remove(m.order.Back())
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if el, ok := m.items[k]; ok {
			m.remove(el)
		}
	}
	return nil
}

// Len reports the number of entries, expired ones included until swept.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Close stops the sweeper. The store stays usable.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *MemoryStore) remove(el *list.Element) {
	m.order.Remove(el)
	delete(m.items, el.Value.(*memEntry).key)
}

func (m *MemoryStore) sweepLoop(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *MemoryStore) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for el := m.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memEntry).expired(now) {
			m.remove(el)
		}
		el = prev
	}
}
