package capability

import (
	"sort"
	"sync"
)

// AgentStore 抽象了 agent 能力记录的存储，Update 必须对单个 key 原子执行读-改-写。
type AgentStore interface {
	Get(agentID string) (AgentCapability, bool)
	// Put 写入记录；overwrite 为 false 且记录已存在时返回 false。
	Put(record AgentCapability, overwrite bool) bool
	Update(agentID string, fn func(*AgentCapability)) (AgentCapability, bool)
	List() []AgentCapability
}

type agentEntry struct {
	mu     sync.Mutex
	record AgentCapability
}

// MemoryAgentStore 以内存方式保存能力记录：外层读写锁保护索引，每个 agent 拥有独立的互斥锁。
type MemoryAgentStore struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
}

// NewMemoryAgentStore 创建 MemoryAgentStore。
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{entries: make(map[string]*agentEntry)}
}

// Get 返回记录副本。
func (s *MemoryAgentStore) Get(agentID string) (AgentCapability, bool) {
	entry := s.entry(agentID)
	if entry == nil {
		return AgentCapability{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true
}

// Put 实现 AgentStore 接口。覆盖时替换整个条目，旧条目上的并发更新不会影响新记录。
func (s *MemoryAgentStore) Put(record AgentCapability, overwrite bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[record.AgentID]; ok && !overwrite {
		return false
	}
	s.entries[record.AgentID] = &agentEntry{record: record}
	return true
}

// Update 在 agent 锁内执行 fn 并返回更新后的副本。
func (s *MemoryAgentStore) Update(agentID string, fn func(*AgentCapability)) (AgentCapability, bool) {
	entry := s.entry(agentID)
	if entry == nil {
		return AgentCapability{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(&entry.record)
	return entry.record, true
}

// List 返回按 agent ID 排序的记录副本。
func (s *MemoryAgentStore) List() []AgentCapability {
	s.mu.RLock()
	entries := make([]*agentEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	records := make([]AgentCapability, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		records = append(records, entry.record)
		entry.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}

func (s *MemoryAgentStore) entry(agentID string) *agentEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[agentID]
}

var _ AgentStore = (*MemoryAgentStore)(nil)
