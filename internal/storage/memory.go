package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"naualerts/internal/alert"
)

type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	markers  map[string]alert.Marker
	subs     map[alert.Topic]map[int64]struct{}
	settings map[alert.Setting]bool
	features map[alert.Feature]map[int64]struct{}
	stats    map[int64]alert.ChatStats
	inverted bool
	pending  map[string][]alert.Alert
	now      func() time.Time
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{
		markers:  map[string]alert.Marker{},
		subs:     map[alert.Topic]map[int64]struct{}{},
		settings: map[alert.Setting]bool{},
		features: map[alert.Feature]map[int64]struct{}{},
		stats:    map[int64]alert.ChatStats{},
		pending:  map[string][]alert.Alert{},
		now:      time.Now,
	}
}

func (m *memoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Ping(context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetMarker(_ context.Context, source string) (alert.Marker, error) {
	if err := m.lock(); err != nil {
		return alert.Marker{}, err
	}
	defer m.mu.Unlock()
	mk, ok := m.markers[source]
	if !ok {
		return alert.Marker{Source: source}, nil
	}
	return mk, nil
}

func (m *memoryStore) CompareAndSetMarker(_ context.Context, source string, version, lastID uint64) (alert.Marker, error) {
	if err := m.lock(); err != nil {
		return alert.Marker{}, err
	}
	defer m.mu.Unlock()
	if m.markers[source].Version != version {
		return alert.Marker{}, ErrMarkerConflict
	}
	mk := alert.Marker{Source: source, LastID: lastID, Version: version + 1, UpdatedAt: m.now().UTC()}
	m.markers[source] = mk
	return mk, nil
}

func (m *memoryStore) Subscribe(_ context.Context, topic alert.Topic, chatID int64) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	return addID(m.subs, topic, chatID), nil
}

func (m *memoryStore) Unsubscribe(_ context.Context, topic alert.Topic, chatID int64) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	return removeID(m.subs, topic, chatID), nil
}

func (m *memoryStore) IsSubscribed(_ context.Context, topic alert.Topic, chatID int64) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.subs[topic][chatID]
	return ok, nil
}

func (m *memoryStore) Subscribers(_ context.Context, topic alert.Topic) ([]int64, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.subs[topic]))
	for id := range m.subs[topic] {
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

func (m *memoryStore) MigrateChat(_ context.Context, oldID, newID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for topic := range m.subs {
		if removeID(m.subs, topic, oldID) {
			addID(m.subs, topic, newID)
		}
	}
	for f := range m.features {
		if removeID(m.features, f, oldID) {
			addID(m.features, f, newID)
		}
	}
	if st, ok := m.stats[oldID]; ok {
		delete(m.stats, oldID)
		st.ChatID = newID
		m.stats[newID] = st
	}
	return nil
}

func (m *memoryStore) RemoveChat(_ context.Context, chatID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for topic := range m.subs {
		removeID(m.subs, topic, chatID)
	}
	for f := range m.features {
		removeID(m.features, f, chatID)
	}
	delete(m.stats, chatID)
	return nil
}

func (m *memoryStore) SettingEnabled(_ context.Context, s alert.Setting) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	v, ok := m.settings[s]
	return !ok || v, nil
}

func (m *memoryStore) SetSetting(_ context.Context, s alert.Setting, enabled bool) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.settings[s] = enabled
	return nil
}

func (m *memoryStore) FeatureEnabled(_ context.Context, f alert.Feature, chatID int64) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.features[f][chatID]
	return ok, nil
}

func (m *memoryStore) SetFeature(_ context.Context, f alert.Feature, chatID int64, enabled bool) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if enabled {
		addID(m.features, f, chatID)
	} else {
		removeID(m.features, f, chatID)
	}
	return nil
}

func (m *memoryStore) WeeksInverted(context.Context) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	return m.inverted, nil
}

func (m *memoryStore) SetWeeksInverted(_ context.Context, inverted bool) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.inverted = inverted
	return nil
}

func (m *memoryStore) PutChatStats(_ context.Context, st alert.ChatStats) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.stats[st.ChatID] = st
	return nil
}

func (m *memoryStore) ChatStats(context.Context) ([]alert.ChatStats, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]alert.ChatStats, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *memoryStore) SavePending(_ context.Context, source string, as []alert.Alert) error {
	if len(as) == 0 {
		return nil
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.pending[source] = append(m.pending[source], as...)
	return nil
}

func (m *memoryStore) TakePending(_ context.Context, source string) ([]alert.Alert, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := m.pending[source]
	delete(m.pending, source)
	return out, nil
}

func addID[K comparable](sets map[K]map[int64]struct{}, k K, id int64) bool {
	set, ok := sets[k]
	if !ok {
		set = map[int64]struct{}{}
		sets[k] = set
	}
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	return true
}

func removeID[K comparable](sets map[K]map[int64]struct{}, k K, id int64) bool {
	if _, ok := sets[k][id]; !ok {
		return false
	}
	delete(sets[k], id)
	return true
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
