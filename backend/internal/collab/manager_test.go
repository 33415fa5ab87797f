package collab

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"syncServer/backend/internal/ot/delta"
	"syncServer/backend/internal/ot/patch"
	"syncServer/backend/internal/store"
)

// recorderGateway 记录广播调用，替代真实 ws Hub。
type recorderGateway struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	docID   string
	evt     Event
	exclude string
}

func (g *recorderGateway) Broadcast(docID string, evt Event, exclude string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, recordedEvent{docID: docID, evt: evt, exclude: exclude})
}

func (g *recorderGateway) byType(eventType string) []recordedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []recordedEvent
	for _, e := range g.events {
		if e.evt.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryRevisionStore, *recorderGateway) {
	t.Helper()
	st := store.NewMemoryRevisionStore()
	gw := &recorderGateway{}
	m := NewManager(ManagerConfig{Store: st, Gateway: gw})
	return m, st, gw
}

func TestJoin_NewDocument(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	snap, err := m.Join(ctx, "docA", "alice")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if snap.Content != "" || snap.Version != 0 {
		t.Fatalf("snapshot = %+v, want empty content version 0", snap)
	}
	if !reflect.DeepEqual(snap.Participants, []string{"alice"}) {
		t.Fatalf("participants = %v, want [alice]", snap.Participants)
	}
}

func TestJoin_Idempotent(t *testing.T) {
	m, _, gw := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, "docA", "alice"); err != nil {
		t.Fatal(err)
	}
	snap, err := m.Join(ctx, "docA", "alice")
	if err != nil {
		t.Fatalf("duplicate Join() error = %v", err)
	}
	if len(snap.Participants) != 1 {
		t.Fatalf("participants = %v, duplicate Join must not double-count", snap.Participants)
	}
	// 重复 Join 不应产生第二次 presence 广播
	if got := len(gw.byType("presence_changed")); got != 1 {
		t.Fatalf("presence broadcasts = %d, want 1", got)
	}
}

func TestPatchLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	mustJoin(t, m, "docA", "alice")
	mustJoin(t, m, "docA", "bob")

	applied, err := m.SubmitPatch(ctx, "docA", "alice", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}},
	})
	if err != nil {
		t.Fatalf("SubmitPatch() error = %v", err)
	}
	if applied.Version != 1 {
		t.Fatalf("version = %d, want 1", applied.Version)
	}

	// 同一 baseVersion 的第二个补丁必须 CONFLICT：文档已经在 version 1
	_, err = m.SubmitPatch(ctx, "docA", "bob", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "World"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale patch err = %v, want ErrConflict", err)
	}

	snap := mustJoin(t, m, "docA", "carol")
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("snapshot = %+v, want Hello/1", snap)
	}
	if !reflect.DeepEqual(snap.Participants, []string{"alice", "bob", "carol"}) {
		t.Fatalf("participants = %v", snap.Participants)
	}
}

func TestPatch_ApplyConflict(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	// baseVersion 正确但删除内容对不上 → 同样是 CONFLICT，状态不动
	_, err := m.SubmitPatch(ctx, "docA", "alice", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindDelete, Text: "ghost"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	v, _ := m.CurrentVersion(ctx, "docA")
	if v != 0 {
		t.Fatalf("version = %d, want 0 (no partial application)", v)
	}
}

func TestPatchAndChat_NotJoined(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	_, err := m.SubmitPatch(ctx, "docA", "mallory", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "x"}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("patch err = %v, want ErrNotFound", err)
	}
	if err := m.Chat(ctx, "docA", "mallory", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("chat err = %v, want ErrNotFound", err)
	}
	// 未加入者 Leave 是无操作
	if err := m.Leave(ctx, "docA", "mallory"); err != nil {
		t.Fatalf("leave err = %v, want nil", err)
	}
	if err := m.Leave(ctx, "noSuchDoc", "alice"); err != nil {
		t.Fatalf("leave unknown doc err = %v, want nil", err)
	}
}

func TestEvictionAndReload(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	for _, p := range []string{"alice", "bob", "carol"} {
		mustJoin(t, m, "docA", p)
	}
	if _, err := m.SubmitPatch(ctx, "docA", "alice", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}},
	}); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"alice", "bob", "carol"} {
		if err := m.Leave(ctx, "docA", p); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0 after eviction", n)
	}
	// 持久内容不受驱逐影响
	rev, err := st.Latest(ctx, "docA")
	if err != nil || rev.Version != 1 || rev.Content != "Hello" {
		t.Fatalf("Latest() = %+v, %v", rev, err)
	}

	// 重新 Join 从 Revision 日志重建
	snap := mustJoin(t, m, "docA", "dave")
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("reloaded snapshot = %+v, want Hello/1", snap)
	}
	if !reflect.DeepEqual(snap.Participants, []string{"dave"}) {
		t.Fatalf("participants = %v, want [dave]", snap.Participants)
	}
}

// gatedStore 包装内存存储：下一次 Append 进入时关闭 entered 通知测试，
// 然后阻塞在 gate 上，模拟持久层慢写。
type gatedStore struct {
	inner *store.MemoryRevisionStore

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedStore) Append(ctx context.Context, rev store.Revision) error {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.gate, g.entered = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	return g.inner.Append(ctx, rev)
}

func (g *gatedStore) Latest(ctx context.Context, docID string) (store.Revision, error) {
	return g.inner.Latest(ctx, docID)
}

func (g *gatedStore) List(ctx context.Context, docID string, fromVersion uint64, limit int) ([]store.Revision, error) {
	return g.inner.List(ctx, docID, fromVersion, limit)
}

// 兜底落库完成前，重新 Join 必须等待，不能从落后的持久状态重建出旧文档。
func TestRejoinWaitsForEvictFlush(t *testing.T) {
	gs := &gatedStore{inner: store.NewMemoryRevisionStore()}
	m := NewManager(ManagerConfig{Store: gs, Gateway: &recorderGateway{}})
	ctx := context.Background()

	mustJoin(t, m, "docA", "alice")
	// 提交时落库失败：持久层此刻落后于内存（空/v0 对 Hello/v1）
	gs.inner.FailNext(1, errors.New("mysql gone"))
	if _, err := m.SubmitPatch(ctx, "docA", "alice", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}},
	}); err != nil {
		t.Fatal(err)
	}

	// 卡住驱逐的兜底落库
	gate := make(chan struct{})
	entered := make(chan struct{})
	gs.mu.Lock()
	gs.gate, gs.entered = gate, entered
	gs.mu.Unlock()

	leaveDone := make(chan error, 1)
	go func() { leaveDone <- m.Leave(ctx, "docA", "alice") }()
	<-entered

	joinDone := make(chan Snapshot, 1)
	go func() {
		snap, err := m.Join(ctx, "docA", "bob")
		if err != nil {
			t.Errorf("Join() error = %v", err)
		}
		joinDone <- snap
	}()

	select {
	case snap := <-joinDone:
		t.Fatalf("Join returned before flush finished: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-leaveDone; err != nil {
		t.Fatal(err)
	}
	snap := <-joinDone
	if snap.Content != "Hello" || snap.Version != 1 {
		t.Fatalf("rejoin snapshot = %+v, want Hello/1", snap)
	}
	// 兜底补上的 Revision 带作者和时间
	rev, err := gs.inner.Latest(ctx, "docA")
	if err != nil || rev.Version != 1 || rev.Content != "Hello" {
		t.Fatalf("Latest() = %+v, %v", rev, err)
	}
	if rev.AuthorID != "alice" || rev.CreatedAt.IsZero() {
		t.Fatalf("flushed revision author/time = %q/%v, want alice/non-zero", rev.AuthorID, rev.CreatedAt)
	}
}

func TestConcurrentSameBase_ExactlyOneWins(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")
	mustJoin(t, m, "docA", "bob")

	subs := map[string]PatchSubmission{
		"alice": {BaseVersion: 0, Ops: delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}}},
		"bob":   {BaseVersion: 0, Ops: delta.Delta{{Kind: delta.KindInsert, Text: "World"}}},
	}

	type result struct {
		who string
		err error
	}
	results := make(chan result, len(subs))
	var wg sync.WaitGroup
	for who, sub := range subs {
		wg.Add(1)
		go func(who string, sub PatchSubmission) {
			defer wg.Done()
			_, err := m.SubmitPatch(ctx, "docA", who, sub)
			results <- result{who: who, err: err}
		}(who, sub)
	}
	wg.Wait()
	close(results)

	var winner string
	accepted, conflicted := 0, 0
	for r := range results {
		switch {
		case r.err == nil:
			accepted++
			winner = r.who
		case errors.Is(r.err, ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error from %s: %v", r.who, r.err)
		}
	}
	if accepted != 1 || conflicted != 1 {
		t.Fatalf("accepted=%d conflicted=%d, want exactly one of each", accepted, conflicted)
	}

	// 最终内容必须等于"恰好应用了胜者补丁"的结果
	snap := mustJoin(t, m, "docA", "observer")
	want := map[string]string{"alice": "Hello", "bob": "World"}[winner]
	if snap.Content != want || snap.Version != 1 {
		t.Fatalf("content = %q version = %d, want %q/1 (winner %s)", snap.Content, snap.Version, want, winner)
	}
}

func TestConvergence_ReplayRevisionLog(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	texts := []string{"Hello", "Hello world", "Hey world", "Hey world!"}
	content := ""
	for i, next := range texts {
		sub := PatchSubmission{BaseVersion: uint64(i), Ops: patch.Diff(content, next)}
		if _, err := m.SubmitPatch(ctx, "docA", "alice", sub); err != nil {
			t.Fatalf("patch %d: %v", i, err)
		}
		content = next
	}

	// 从 version 0 开始回放 Revision 日志必须逐版本复现内容
	revs, err := st.List(ctx, "docA", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != len(texts) {
		t.Fatalf("revision count = %d, want %d", len(revs), len(texts))
	}
	for i, rev := range revs {
		if rev.Version != uint64(i+1) {
			t.Fatalf("revision[%d].Version = %d, want %d", i, rev.Version, i+1)
		}
		if rev.Content != texts[i] {
			t.Fatalf("revision[%d].Content = %q, want %q", i, rev.Content, texts[i])
		}
	}
}

func TestDuplicateClientSeqRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	sub := PatchSubmission{
		BaseVersion: 0,
		ClientID:    "tab-1",
		ClientSeq:   7,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}},
	}
	if _, err := m.SubmitPatch(ctx, "docA", "alice", sub); err != nil {
		t.Fatal(err)
	}
	// 同一 clientSeq 重投：即使 baseVersion 改对了也要拒绝
	sub.BaseVersion = 1
	if _, err := m.SubmitPatch(ctx, "docA", "alice", sub); !errors.Is(err, ErrDuplicatePatch) {
		t.Fatalf("err = %v, want ErrDuplicatePatch", err)
	}
}

func TestPatchesSince(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	content := ""
	for i, next := range []string{"a", "ab", "abc"} {
		sub := PatchSubmission{BaseVersion: uint64(i), Ops: patch.Diff(content, next)}
		if _, err := m.SubmitPatch(ctx, "docA", "alice", sub); err != nil {
			t.Fatal(err)
		}
		content = next
	}

	missed, err := m.PatchesSince(ctx, "docA", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(missed) != 2 || missed[0].Version != 2 || missed[1].Version != 3 {
		t.Fatalf("PatchesSince(1) = %+v, want versions [2 3]", missed)
	}
}

func TestBroadcastOrderMatchesAcceptance(t *testing.T) {
	m, _, gw := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	content := ""
	for i := 0; i < 5; i++ {
		next := content + fmt.Sprintf("line%d\n", i)
		sub := PatchSubmission{BaseVersion: uint64(i), Ops: patch.Diff(content, next)}
		if _, err := m.SubmitPatch(ctx, "docA", "alice", sub); err != nil {
			t.Fatal(err)
		}
		content = next
	}

	updates := gw.byType("content_updated")
	if len(updates) != 5 {
		t.Fatalf("content_updated broadcasts = %d, want 5", len(updates))
	}
	for i, e := range updates {
		cu := e.evt.(ContentUpdated)
		if cu.Version != uint64(i+1) {
			t.Fatalf("broadcast[%d].Version = %d, want %d (order must match acceptance)", i, cu.Version, i+1)
		}
		if e.exclude != "alice" {
			t.Fatalf("broadcast[%d] exclude = %q, want author excluded", i, e.exclude)
		}
	}
}

func TestChat_BroadcastOnly(t *testing.T) {
	m, st, gw := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")
	mustJoin(t, m, "docA", "bob")

	if err := m.Chat(ctx, "docA", "alice", "聊天不改文档"); err != nil {
		t.Fatal(err)
	}
	chats := gw.byType("chat_received")
	if len(chats) != 1 {
		t.Fatalf("chat broadcasts = %d, want 1", len(chats))
	}
	cr := chats[0].evt.(ChatReceived)
	if cr.ParticipantID != "alice" || cr.Message != "聊天不改文档" || cr.Timestamp.IsZero() {
		t.Fatalf("chat event = %+v", cr)
	}
	if chats[0].exclude != "alice" {
		t.Fatalf("exclude = %q, want alice", chats[0].exclude)
	}
	// 无状态变更：版本不动，持久层无 Revision
	if v, _ := m.CurrentVersion(ctx, "docA"); v != 0 {
		t.Fatalf("version = %d, want 0", v)
	}
	if _, err := st.Latest(ctx, "docA"); !errors.Is(err, store.ErrNoRevisions) {
		t.Fatalf("Latest err = %v, want ErrNoRevisions", err)
	}
}

func TestPersistenceFailureDoesNotRollback(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	mustJoin(t, m, "docA", "alice")

	st.FailNext(1, errors.New("mysql gone"))
	applied, err := m.SubmitPatch(ctx, "docA", "alice", PatchSubmission{
		BaseVersion: 0,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "Hello"}},
	})
	if err != nil {
		t.Fatalf("persistence failure must not surface: %v", err)
	}
	if applied.Version != 1 {
		t.Fatalf("version = %d, want 1", applied.Version)
	}
	// 内存状态照常前进
	if v, _ := m.CurrentVersion(ctx, "docA"); v != 1 {
		t.Fatalf("in-memory version = %d, want 1", v)
	}
}

func mustJoin(t *testing.T, m *Manager, docID, participantID string) Snapshot {
	t.Helper()
	snap, err := m.Join(context.Background(), docID, participantID)
	if err != nil {
		t.Fatalf("Join(%s, %s) error = %v", docID, participantID, err)
	}
	return snap
}
