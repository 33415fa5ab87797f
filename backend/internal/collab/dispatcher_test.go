package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncServer/backend/internal/store"
)

func TestDispatcher_PersistRetryThenSuccess(t *testing.T) {
	st := store.NewMemoryRevisionStore()
	st.FailNext(2, errors.New("mysql temporarily down"))

	d := NewRevisionDispatcher(st, nil, "", nil, RevisionDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	evt := RevisionEvent{
		Revision: store.Revision{DocID: "docA", Version: 1, Content: "Hello", AuthorID: "alice"},
		Patch:    AppliedPatch{DocID: "docA", Version: 1, AuthorID: "alice"},
	}
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// worker 退避重试后应当写入成功
	deadline := time.Now().Add(2 * time.Second)
	for {
		rev, err := st.Latest(context.Background(), "docA")
		if err == nil {
			if rev.Version != 1 || rev.Content != "Hello" {
				t.Fatalf("Latest() = %+v", rev)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("revision never persisted: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_EnqueueTimeoutWhenFull(t *testing.T) {
	st := store.NewMemoryRevisionStore()
	// 让唯一的 worker 卡在重试里，队列保持占满
	st.FailNext(1000, errors.New("stuck"))

	d := NewRevisionDispatcher(st, nil, "", nil, RevisionDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    1000,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
	})

	evt := RevisionEvent{Revision: store.Revision{DocID: "docA", Version: 1}}
	_ = d.Enqueue(context.Background(), evt) // 被 worker 取走
	_ = d.Enqueue(context.Background(), evt) // 占住队列

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, evt); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue on full queue: err = %v, want DeadlineExceeded", err)
	}
}
