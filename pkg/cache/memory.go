package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	output  string
	expires time.Time
}

// Memory 进程内缓存
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	devices map[string]map[string]memoryEntry
}

// NewMemory 创建进程内缓存
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, devices: make(map[string]map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, device, command string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.devices[device]
	e, ok := entries[normalize(command)]
	if !ok {
		return "", false, nil
	}
	if !m.now().Before(e.expires) {
		delete(entries, normalize(command))
		return "", false, nil
	}
	return e.output, true, nil
}

func (m *Memory) Set(_ context.Context, device, command, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.devices[device]
	if entries == nil {
		entries = make(map[string]memoryEntry)
		m.devices[device] = entries
	}
	entries[normalize(command)] = memoryEntry{output: output, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) InvalidateDevice(_ context.Context, device string) error {
	m.mu.Lock()
	delete(m.devices, device)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
