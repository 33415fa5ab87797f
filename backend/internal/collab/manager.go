package collab

import (
	"context"
	"errors"
	"log"
	"sync"

	"syncServer/backend/internal/store"
)

// Manager 维护 docID -> 活跃会话 的注册表：按需创建、空则驱逐。
// 会话只在这里创建和摘除，生命周期显式可测。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	// 每完成一次驱逐摘表加一；getOrCreate 锁外加载后据此复核，
	// 避免把驱逐落库前读到的旧持久状态装进新会话
	epochs map[string]uint64

	revStore   store.RevisionStore
	gateway    Gateway
	dispatcher *RevisionDispatcher
	ringCap    int
}

type ManagerConfig struct {
	Store   store.RevisionStore
	Gateway Gateway
	// Dispatcher 为 nil 时退化为同步尽力落库（测试和单机工具够用）
	Dispatcher *RevisionDispatcher
	// 每个会话的追平窗口容量，0 取默认值
	HistorySize int
}

func NewManager(cfg ManagerConfig) *Manager {
	gw := cfg.Gateway
	if gw == nil {
		gw = NopGateway{}
	}
	return &Manager{
		sessions:   make(map[string]*session),
		epochs:     make(map[string]uint64),
		revStore:   cfg.Store,
		gateway:    gw,
		dispatcher: cfg.Dispatcher,
		ringCap:    cfg.HistorySize,
	}
}

var _ Service = (*Manager)(nil)

// getOrCreate 惰性创建会话：首次 Join 时从持久层取最高版本的 Revision
// 初始化；没有历史则从空内容 / version 0 开始。
func (m *Manager) getOrCreate(ctx context.Context, docID string) (*session, error) {
	for {
		m.mu.RLock()
		s := m.sessions[docID]
		epoch := m.epochs[docID]
		m.mu.RUnlock()
		if s != nil {
			return s, nil
		}

		// 先在锁外加载，避免持久层延迟拖住其他文档的路由
		initial := Snapshot{DocID: docID}
		rev, err := m.revStore.Latest(ctx, docID)
		switch {
		case err == nil:
			initial.Content = rev.Content
			initial.Version = rev.Version
		case errors.Is(err, store.ErrNoRevisions):
			// 新文档
		default:
			return nil, err
		}

		m.mu.Lock()
		if s = m.sessions[docID]; s != nil {
			// 并发创建时后到者的加载结果直接丢弃，以先插入的会话为准
			m.mu.Unlock()
			return s, nil
		}
		if m.epochs[docID] != epoch {
			// 加载期间有驱逐完成了落库摘表，刚读到的持久状态可能已过期，重读
			m.mu.Unlock()
			continue
		}
		s = newSession(docID, m.gateway, initial, m.ringCap)
		m.sessions[docID] = s
		m.mu.Unlock()
		return s, nil
	}
}

func (m *Manager) lookup(docID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[docID]
}

func (m *Manager) Join(ctx context.Context, docID, participantID string) (Snapshot, error) {
	for {
		s, err := m.getOrCreate(ctx, docID)
		if err != nil {
			return Snapshot{}, err
		}
		snap, err := s.join(participantID)
		if errors.Is(err, errSessionEvicted) {
			// 拿到的是正被驱逐的旧会话：等它完成兜底落库并摘表后再重建，
			// 重建时读到的持久状态才不会落后于驱逐前的内存状态
			select {
			case <-s.removed:
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			}
			continue
		}
		return snap, err
	}
}

func (m *Manager) Leave(ctx context.Context, docID, participantID string) error {
	s := m.lookup(docID)
	if s == nil {
		// 会话不存在时 Leave 是无操作
		return nil
	}
	empty, err := s.leave(participantID)
	if errors.Is(err, errSessionEvicted) {
		return nil
	}
	if err != nil {
		return err
	}
	if empty {
		m.evict(ctx, docID, s)
	}
	return nil
}

// evict 把空会话摘出注册表。先在会话锁下复核 Empty 并标记 evicted：
// 有参与者赶在这之前重新加入的话，会话继续存活。
// 标记后先同步兜底落一笔最终 Revision（重复键无操作），落库完成才摘表：
// 落库期间会话仍在注册表里，重新 Join 只会等在 removed 上，
// 不会从落后的持久状态重建出旧文档。
func (m *Manager) evict(ctx context.Context, docID string, s *session) {
	m.mu.Lock()
	if m.sessions[docID] != s {
		m.mu.Unlock()
		return
	}
	final, ok := s.markEvictedIfEmpty()
	m.mu.Unlock()
	if !ok {
		return
	}

	if final.Version > 0 {
		if err := m.revStore.Append(ctx, final); err != nil {
			log.Printf("evict flush failed doc=%s rev=%d err=%v", docID, final.Version, err)
		}
	}

	m.mu.Lock()
	if m.sessions[docID] == s {
		delete(m.sessions, docID)
		m.epochs[docID]++
	}
	m.mu.Unlock()
	close(s.removed)
}

func (m *Manager) SubmitPatch(ctx context.Context, docID, participantID string, sub PatchSubmission) (AppliedPatch, error) {
	s := m.lookup(docID)
	if s == nil {
		return AppliedPatch{}, ErrNotFound
	}
	applied, content, err := s.submitPatch(participantID, sub)
	if errors.Is(err, errSessionEvicted) {
		return AppliedPatch{}, ErrNotFound
	}
	if err != nil {
		return AppliedPatch{}, err
	}

	// 内存状态此刻已经是权威的新版本；持久化异步进行，失败不回滚
	rev := store.Revision{
		DocID:     docID,
		Version:   applied.Version,
		Content:   content,
		AuthorID:  applied.AuthorID,
		CreatedAt: applied.AppliedAt,
	}
	if m.dispatcher != nil {
		if err := m.dispatcher.Enqueue(ctx, RevisionEvent{
			Revision:    rev,
			Patch:       applied,
			BaseVersion: sub.BaseVersion,
			ClientID:    sub.ClientID,
			ClientSeq:   sub.ClientSeq,
		}); err != nil {
			// 队列满且等不到空位：驱逐兜底会补上最终内容，这里只记日志
			log.Printf("revision enqueue failed doc=%s rev=%d err=%v", docID, applied.Version, err)
		}
	} else if err := m.revStore.Append(ctx, rev); err != nil {
		log.Printf("revision append failed doc=%s rev=%d err=%v", docID, applied.Version, err)
	}
	return applied, nil
}

func (m *Manager) Chat(ctx context.Context, docID, participantID, message string) error {
	s := m.lookup(docID)
	if s == nil {
		return ErrNotFound
	}
	err := s.chat(participantID, message)
	if errors.Is(err, errSessionEvicted) {
		return ErrNotFound
	}
	return err
}

func (m *Manager) PatchesSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedPatch, error) {
	s := m.lookup(docID)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.patchesSince(fromVersion, limit), nil
}

// CurrentVersion 优先读活跃会话；会话不在内存时回落到持久层。
func (m *Manager) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	if s := m.lookup(docID); s != nil {
		return s.currentVersion(), nil
	}
	rev, err := m.revStore.Latest(ctx, docID)
	if errors.Is(err, store.ErrNoRevisions) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rev.Version, nil
}

// ActiveSessions 返回当前内存中的活跃文档数（健康检查/观测用）。
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
