package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Spectre-Protocol/internal/errors"
)

// ClaimCheck 在任务的临界区内执行，返回错误则放弃领取且不修改任何状态。
type ClaimCheck func(job Job) error

// JobStore 抽象了任务表，Claim 必须对单个任务串行化执行 "检查-验证-置位"。
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id, claimant string, check ClaimCheck) (*Job, error)
	List(ctx context.Context, limit int) ([]*Job, error)
	Close() error
}

type jobEntry struct {
	mu  sync.Mutex
	job Job
}

// MemoryJobStore 以内存方式保存任务，每个任务拥有独立的互斥锁。
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	now  func() time.Time
}

// NewMemoryJobStore 创建 MemoryJobStore。
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*jobEntry), now: time.Now}
}

// Create 实现 JobStore 接口。
func (m *MemoryJobStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return xerrors.New(CodeDuplicateJob, "duplicate job id", xerrors.WithMetadata("job_id", job.ID))
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = m.now().Unix()
	}
	m.jobs[job.ID] = &jobEntry{job: *job}
	return nil
}

// Get 返回任务副本。
func (m *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	entry := m.entry(id)
	if entry == nil {
		return nil, xerrors.New(CodeJobNotFound, "job not found", xerrors.WithMetadata("job_id", id))
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	job := entry.job
	return &job, nil
}

// Claim 在任务锁内完成检查与置位，同一任务的并发领取只有一个能成功。
func (m *MemoryJobStore) Claim(_ context.Context, id, claimant string, check ClaimCheck) (*Job, error) {
	entry := m.entry(id)
	if entry == nil {
		return nil, xerrors.New(CodeJobNotFound, "job not found", xerrors.WithMetadata("job_id", id))
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.job.Fulfilled {
		return nil, xerrors.New(CodeJobAlreadyClaimed, "job already claimed",
			xerrors.WithMetadata("job_id", id),
			xerrors.WithMetadata("claimant", entry.job.Claimant))
	}
	if check != nil {
		if err := check(entry.job); err != nil {
			return nil, err
		}
	}
	entry.job.Fulfilled = true
	entry.job.Claimant = claimant
	entry.job.ClaimedAt = m.now().Unix()
	job := entry.job
	return &job, nil
}

// List 返回最近创建的任务。
func (m *MemoryJobStore) List(_ context.Context, limit int) ([]*Job, error) {
	m.mu.RLock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		job := entry.job
		entry.mu.Unlock()
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt == jobs[j].CreatedAt {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Close 对内存存储无需操作。
func (m *MemoryJobStore) Close() error {
	return nil
}

func (m *MemoryJobStore) entry(id string) *jobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

var _ JobStore = (*MemoryJobStore)(nil)
