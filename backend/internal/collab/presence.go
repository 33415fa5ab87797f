package collab

import "sort"

// PresenceSet 是单个文档会话内的参与者集合。
// 本身不加锁：始终在会话锁内被访问，驱逐判定（Empty）因此与
// join/leave 的顺序严格一致。跨进程可见的在线状态走 cache 包的 Redis 镜像。
type PresenceSet struct {
	members map[string]struct{}
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{members: make(map[string]struct{})}
}

// Add 返回该参与者是否为新加入（重复 Join 幂等）。
func (p *PresenceSet) Add(participantID string) bool {
	if _, ok := p.members[participantID]; ok {
		return false
	}
	p.members[participantID] = struct{}{}
	return true
}

// Remove 返回该参与者此前是否在集合中。
func (p *PresenceSet) Remove(participantID string) bool {
	if _, ok := p.members[participantID]; !ok {
		return false
	}
	delete(p.members, participantID)
	return true
}

func (p *PresenceSet) Has(participantID string) bool {
	_, ok := p.members[participantID]
	return ok
}

func (p *PresenceSet) Len() int { return len(p.members) }

func (p *PresenceSet) Empty() bool { return len(p.members) == 0 }

// List 返回排序后的参与者列表（排序只为输出稳定，便于前端与测试）。
func (p *PresenceSet) List() []string {
	out := make([]string, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
