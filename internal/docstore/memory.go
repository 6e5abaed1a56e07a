package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is a mutex-guarded in-memory Store for dev and tests. Documents
// are kept as marshaled JSON so values are normalized exactly as the
// persistent backends normalize them (ints become float64, maps are
// copied, nothing aliases caller memory).
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // collection -> id -> body
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.data[collection][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	fields, err := decodeBody(body)
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: id, Fields: fields}, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(collection, id, fields, merge)
}

func (m *Memory) Create(ctx context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(collection, id, fields)
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(collection, id, fields)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters ...Filter) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Doc
	for id, body := range m.data[collection] {
		fields, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		if matchAll(fields, filters) {
			out = append(out, Doc{ID: id, Fields: fields})
		}
	}
	return out, nil
}

// BatchCommit validates every write first, then applies them, all under one
// lock, so the batch is atomic with respect to other callers.
func (m *Memory) BatchCommit(ctx context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		switch w.Kind {
		case WriteCreate:
			if _, exists := m.data[w.Collection][w.ID]; exists {
				return ErrExists
			}
		case WriteUpdate:
			if _, exists := m.data[w.Collection][w.ID]; !exists {
				return ErrNotFound
			}
		}
	}
	for _, w := range writes {
		var err error
		switch w.Kind {
		case WriteSet:
			err = m.set(w.Collection, w.ID, w.Fields, w.Merge)
		case WriteCreate:
			err = m.create(w.Collection, w.ID, w.Fields)
		case WriteUpdate:
			err = m.update(w.Collection, w.ID, w.Fields)
		case WriteDelete:
			delete(m.data[w.Collection], w.ID)
		default:
			err = fmt.Errorf("docstore: unknown write kind %d", w.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// set/create/update assume the lock is held.

func (m *Memory) set(collection, id string, fields Fields, merge bool) error {
	if !merge {
		set, _ := splitDeletes(fields)
		return m.save(collection, id, set)
	}
	existing := Fields{}
	if body, ok := m.data[collection][id]; ok {
		decoded, err := decodeBody(body)
		if err != nil {
			return err
		}
		existing = decoded
	}
	return m.save(collection, id, applyMerge(existing, fields))
}

func (m *Memory) create(collection, id string, fields Fields) error {
	if _, exists := m.data[collection][id]; exists {
		return ErrExists
	}
	set, _ := splitDeletes(fields)
	return m.save(collection, id, set)
}

func (m *Memory) update(collection, id string, fields Fields) error {
	body, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	existing, err := decodeBody(body)
	if err != nil {
		return err
	}
	return m.save(collection, id, applyMerge(existing, fields))
}

func (m *Memory) save(collection, id string, fields Fields) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("docstore: encode %s/%s: %w", collection, id, err)
	}
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][id] = body
	return nil
}

func decodeBody(body []byte) (Fields, error) {
	var fields Fields
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("docstore: decode document: %w", err)
	}
	return fields, nil
}

func applyMerge(existing, incoming Fields) Fields {
	set, remove := splitDeletes(incoming)
	for k, v := range set {
		existing[k] = v
	}
	for _, k := range remove {
		delete(existing, k)
	}
	return existing
}

func matchAll(fields Fields, filters []Filter) bool {
	for _, f := range filters {
		if !match(fields, f) {
			return false
		}
	}
	return true
}

func match(fields Fields, f Filter) bool {
	v, ok := fields[f.Field]
	if !ok {
		return false
	}
	cmp, comparable := compareValues(v, f.Value)
	if !comparable {
		return false
	}
	switch f.Op {
	case OpEqual:
		return cmp == 0
	case OpLess:
		return cmp < 0
	case OpGreater:
		return cmp > 0
	}
	return false
}

// compareValues compares a stored value against a filter value after
// normalizing numeric types. Strings compare lexicographically, which is
// chronological for EncodeTime values.
func compareValues(stored, filter any) (int, bool) {
	switch sv := normalizeScalar(stored).(type) {
	case string:
		fv, ok := normalizeScalar(filter).(string)
		if !ok {
			return 0, false
		}
		switch {
		case sv < fv:
			return -1, true
		case sv > fv:
			return 1, true
		}
		return 0, true
	case float64:
		fv, ok := normalizeScalar(filter).(float64)
		if !ok {
			return 0, false
		}
		switch {
		case sv < fv:
			return -1, true
		case sv > fv:
			return 1, true
		}
		return 0, true
	case bool:
		fv, ok := normalizeScalar(filter).(bool)
		if !ok {
			return 0, false
		}
		if sv == fv {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}
