package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Sessions live until the process exits.
type Memory struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	hosts    map[int64]Host
	sets     map[int64]VirtualSet
	values   map[string]string
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[int64]*Session),
		hosts:    make(map[int64]Host),
		sets:     make(map[int64]VirtualSet),
		values:   make(map[string]string),
		nextID:   1,
	}
}

func (m *Memory) SaveOrUpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneSession(s)
	cp.UpdatedAt = time.Now()
	m.sessions[s.ID] = cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) GetAllSessions(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status == StatusComplete {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) FindIncompleteSession(_ context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Session
	for _, s := range m.sessions {
		if s.Status == StatusIncomplete && (latest == nil || s.ID > latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneSession(latest), nil
}

func (m *Memory) DeleteSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) ListHosts(_ context.Context) ([]Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveHost(_ context.Context, h *Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == 0 {
		h.ID = m.nextID
		m.nextID++
	}
	m.hosts[h.ID] = *h
	return nil
}

func (m *Memory) DeleteHost(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[id]; !ok {
		return ErrNotFound
	}
	delete(m.hosts, id)
	return nil
}

func (m *Memory) ListVirtualSets(_ context.Context) ([]VirtualSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VirtualSet, 0, len(m.sets))
	for _, v := range m.sets {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveVirtualSet(_ context.Context, v *VirtualSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == 0 {
		v.ID = m.nextID
		m.nextID++
	}
	m.sets[v.ID] = *v
	return nil
}

func (m *Memory) DeleteVirtualSet(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[id]; !ok {
		return ErrNotFound
	}
	delete(m.sets, id)
	return nil
}

func (m *Memory) GetValue(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneSession(s *Session) *Session {
	cp := *s
	cp.MainTranscript = append(s.MainTranscript[:0:0], s.MainTranscript...)
	cp.FanTranscript = append(s.FanTranscript[:0:0], s.FanTranscript...)
	cp.JudgeTranscript = append(s.JudgeTranscript[:0:0], s.JudgeTranscript...)
	cp.PodcastAudio = append(s.PodcastAudio[:0:0], s.PodcastAudio...)
	cp.MicAudio = append(s.MicAudio[:0:0], s.MicAudio...)
	cp.Media = append(s.Media[:0:0], s.Media...)
	cp.Config = append(s.Config[:0:0], s.Config...)
	return &cp
}
