package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// NewMemory returns a store backed by an ordered in-memory map. It exists
// for tests and ephemeral sessions; prefix scans behave like Badger's
// ordered key space.
func NewMemory() *Store {
	s, err := newStore(&memoryBackend{data: btree.NewMap[string, []byte](32)})
	if err != nil {
		// The schema check cannot fail on an empty map.
		panic(err)
	}
	return s
}

type memoryBackend struct {
	mu   sync.RWMutex
	data *btree.Map[string, []byte]
}

func (m *memoryBackend) View(scope string, fn func(tx Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := fn(&memoryTxn{data: m.data, readonly: true}); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	return nil
}

func (m *memoryBackend) Update(scope string, fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTxn{data: m.data}
	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	tx.commit()
	return nil
}

func (m *memoryBackend) Close() error {
	return nil
}

// memoryTxn buffers writes so a failed update leaves the map untouched.
type memoryTxn struct {
	data     *btree.Map[string, []byte]
	readonly bool
	pending  []func(*btree.Map[string, []byte])
	staged   map[string][]byte
	deleted  map[string]bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if t.deleted[key] {
		return nil, ErrNotFound
	}
	if val, ok := t.staged[key]; ok {
		return append([]byte(nil), val...), nil
	}
	val, ok := t.data.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	if t.readonly {
		return fmt.Errorf("set %q in read-only transaction", key)
	}
	if t.staged == nil {
		t.staged = make(map[string][]byte)
		t.deleted = make(map[string]bool)
	}
	cp := append([]byte(nil), value...)
	t.staged[key] = cp
	delete(t.deleted, key)
	t.pending = append(t.pending, func(m *btree.Map[string, []byte]) {
		m.Set(key, cp)
	})
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	if t.readonly {
		return fmt.Errorf("delete %q in read-only transaction", key)
	}
	if t.staged == nil {
		t.staged = make(map[string][]byte)
		t.deleted = make(map[string]bool)
	}
	delete(t.staged, key)
	t.deleted[key] = true
	t.pending = append(t.pending, func(m *btree.Map[string, []byte]) {
		m.Delete(key)
	})
	return nil
}

func (t *memoryTxn) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	type kvPair struct {
		key   string
		value []byte
	}
	var pairs []kvPair
	t.data.Ascend(prefix, func(key string, value []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if t.deleted[key] {
			return true
		}
		if staged, ok := t.staged[key]; ok {
			value = staged
		}
		pairs = append(pairs, kvPair{key, append([]byte(nil), value...)})
		return true
	})
	for key, value := range t.staged {
		if strings.HasPrefix(key, prefix) {
			if _, ok := t.data.Get(key); !ok {
				pairs = append(pairs, kvPair{key, append([]byte(nil), value...)})
			}
		}
	}
	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTxn) commit() {
	for _, apply := range t.pending {
		apply(t.data)
	}
	t.pending = nil
}
