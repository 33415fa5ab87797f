package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncServer/backend/internal/ot/patch"
	"syncServer/backend/internal/store"
)

// errSessionEvicted 只在 manager 与 session 之间流转：
// 拿到的会话指针已被驱逐，调用方应当重新查表。
var errSessionEvicted = errors.New("session evicted")

// session 是一个文档的内存权威状态。
// 所有变更操作串行持有 mu，同一文档内不存在交叠的变更；
// 不同文档的会话互不相干，可以完全并发。
type session struct {
	docID   string
	gateway Gateway

	// 驱逐落库完成、会话从注册表摘除后关闭；
	// 等在上面的 Join 重试时能读到不落后于内存的持久状态
	removed chan struct{}

	// 以下全部由 mu 保护
	mu      sync.Mutex
	version uint64
	content string
	members *PresenceSet
	evicted bool

	// 最后一笔被接受补丁的作者和时间，驱逐兜底落库时一并带上
	lastAuthor    string
	lastAppliedAt time.Time

	// 近期已接受补丁的环形窗口，供断线客户端追平
	ring    []AppliedPatch
	ringCap int

	// 去重窗口：clientId -> 已处理的最大 clientSeq
	lastSeqByClient map[string]uint64
}

func newSession(docID string, gateway Gateway, initial Snapshot, ringCap int) *session {
	if ringCap <= 0 {
		ringCap = 256
	}
	return &session{
		docID:           docID,
		gateway:         gateway,
		removed:         make(chan struct{}),
		version:         initial.Version,
		content:         initial.Content,
		members:         NewPresenceSet(),
		ring:            make([]AppliedPatch, 0, ringCap),
		ringCap:         ringCap,
		lastSeqByClient: make(map[string]uint64),
	}
}

// join 幂等：参与者已在场时直接返回当前快照，不重复计数也不重复广播。
func (s *session) join(participantID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return Snapshot{}, errSessionEvicted
	}
	if s.members.Add(participantID) {
		s.gateway.Broadcast(s.docID, PresenceChanged{
			Type:         "presence_changed",
			DocID:        s.docID,
			Participants: s.members.List(),
		}, participantID)
	}
	return s.snapshotLocked(), nil
}

// leave 返回移除后会话是否已空（空则由 manager 负责驱逐）。
// 未加入的参与者 leave 是无操作。
func (s *session) leave(participantID string) (empty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false, errSessionEvicted
	}
	if !s.members.Remove(participantID) {
		return s.members.Empty(), nil
	}
	s.gateway.Broadcast(s.docID, PresenceChanged{
		Type:         "presence_changed",
		DocID:        s.docID,
		Participants: s.members.List(),
	}, participantID)
	return s.members.Empty(), nil
}

// submitPatch 是正确性核心：baseVersion 对不上当前版本立即 CONFLICT，
// 把"就地应用"变成一次 compare-and-swap——两个基于同一版本并发计算的
// 补丁最多只有一个能通过。广播在锁内入队，接受顺序即广播顺序。
func (s *session) submitPatch(participantID string, sub PatchSubmission) (AppliedPatch, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return AppliedPatch{}, "", errSessionEvicted
	}
	if !s.members.Has(participantID) {
		return AppliedPatch{}, "", fmt.Errorf("%w: participant %s not joined to %s", ErrNotFound, participantID, s.docID)
	}
	if sub.ClientSeq > 0 && sub.ClientID != "" {
		if last := s.lastSeqByClient[sub.ClientID]; sub.ClientSeq <= last {
			return AppliedPatch{}, "", ErrDuplicatePatch
		}
	}
	if sub.BaseVersion != s.version {
		return AppliedPatch{}, "", fmt.Errorf("%w: base version %d, current %d", ErrConflict, sub.BaseVersion, s.version)
	}

	newContent, err := patch.Apply(s.content, sub.Ops)
	if err != nil {
		// 逐块校验失败：服务端内容与客户端假设的基准分叉，整个补丁拒绝，状态不动
		return AppliedPatch{}, "", fmt.Errorf("%w: %v", ErrConflict, err)
	}

	s.version++
	s.content = newContent
	applied := AppliedPatch{
		OperationID: uuid.NewString(),
		DocID:       s.docID,
		Version:     s.version,
		AuthorID:    participantID,
		Ops:         sub.Ops,
		AppliedAt:   time.Now(),
	}

	// 环形窗口：满了丢最老的一条
	if len(s.ring) == s.ringCap {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
	}
	s.ring = append(s.ring, applied)

	if sub.ClientSeq > 0 && sub.ClientID != "" {
		s.lastSeqByClient[sub.ClientID] = sub.ClientSeq
	}
	s.lastAuthor = participantID
	s.lastAppliedAt = applied.AppliedAt

	s.gateway.Broadcast(s.docID, newContentUpdated(applied), participantID)
	return applied, newContent, nil
}

// chat 纯广播透传，不触碰文档状态。
func (s *session) chat(participantID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return errSessionEvicted
	}
	if !s.members.Has(participantID) {
		return fmt.Errorf("%w: participant %s not joined to %s", ErrNotFound, participantID, s.docID)
	}
	s.gateway.Broadcast(s.docID, ChatReceived{
		Type:          "chat_received",
		DocID:         s.docID,
		ParticipantID: participantID,
		Message:       message,
		Timestamp:     time.Now(),
	}, participantID)
	return nil
}

func (s *session) patchesSince(fromVersion uint64, limit int) []AppliedPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AppliedPatch
	for _, p := range s.ring {
		if p.Version > fromVersion {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (s *session) currentVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// snapshotLocked 调用方必须持有 mu。
func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		DocID:        s.docID,
		Content:      s.content,
		Version:      s.version,
		Participants: s.members.List(),
	}
}

// markEvictedIfEmpty 在 manager 摘除会话前做最终判定；
// 返回 false 表示有参与者赶在驱逐前重新加入，会话继续存活。
// 成功时返回兜底落库用的最终 Revision，带上最后一笔补丁的作者和时间。
func (s *session) markEvictedIfEmpty() (store.Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members.Empty() || s.evicted {
		return store.Revision{}, false
	}
	s.evicted = true
	return store.Revision{
		DocID:     s.docID,
		Version:   s.version,
		Content:   s.content,
		AuthorID:  s.lastAuthor,
		CreatedAt: s.lastAppliedAt,
	}, true
}
