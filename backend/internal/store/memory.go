package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryRevisionStore 是测试/本地开发用的内存实现。
// FailNext 可注入若干次写失败，用于验证重试路径。
type MemoryRevisionStore struct {
	mu   sync.RWMutex
	docs map[string][]Revision

	failNext int
	failErr  error
}

func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{docs: make(map[string][]Revision)}
}

// FailNext 让接下来 n 次 Append 返回 err。
func (m *MemoryRevisionStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *MemoryRevisionStore) Append(ctx context.Context, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	for _, existing := range m.docs[rev.DocID] {
		if existing.Version == rev.Version {
			// 与 MySQL 实现一致：重复 (doc, version) 是无操作
			return nil
		}
	}
	m.docs[rev.DocID] = append(m.docs[rev.DocID], rev)
	sort.Slice(m.docs[rev.DocID], func(i, j int) bool {
		return m.docs[rev.DocID][i].Version < m.docs[rev.DocID][j].Version
	})
	return nil
}

func (m *MemoryRevisionStore) Latest(ctx context.Context, docID string) (Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revs := m.docs[docID]
	if len(revs) == 0 {
		return Revision{}, ErrNoRevisions
	}
	return revs[len(revs)-1], nil
}

func (m *MemoryRevisionStore) List(ctx context.Context, docID string, fromVersion uint64, limit int) ([]Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Revision
	for _, rev := range m.docs[docID] {
		if rev.Version > fromVersion {
			out = append(out, rev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
