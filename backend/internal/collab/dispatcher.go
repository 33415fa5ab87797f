package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"syncServer/backend/internal/ot/delta"
	"syncServer/backend/internal/store"
)

// RevisionEvent 是一次已接受变更的落库 + 对外发布任务。
type RevisionEvent struct {
	Revision    store.Revision
	Patch       AppliedPatch
	BaseVersion uint64
	ClientID    string
	ClientSeq   uint64
}

// DocPatchEvent 是发往 Kafka 的跨服务事件（检索、审计等下游消费）。
// 按 docID 做 key，同一文档落在同一分区；
// 多 worker 下分区内不保证接受顺序，消费端以 revision 字段排序。
type DocPatchEvent struct {
	EventType    string      `json:"eventType"` // 固定 "PATCH_APPLIED"
	DocID        string      `json:"docId"`
	OperationID  string      `json:"operationId"`
	Revision     uint64      `json:"revision"`
	AuthorID     string      `json:"authorId"`
	ClientID     string      `json:"clientId,omitempty"`
	ClientSeq    uint64      `json:"clientSeq,omitempty"`
	BaseRevision uint64      `json:"baseRevision"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

// RevisionDispatcher：本地有界队列 + worker 异步处理 + 有限重试。
// - 提交路径只负责入队，持久化延迟不回传给编辑者
// - 持久层短暂不可用时靠队列吸收，worker 退避后补写
// - 重试耗尽只记日志丢弃；驱逐时的同步兜底落盘是最后防线
type RevisionDispatcher struct {
	revStore store.RevisionStore
	producer sarama.SyncProducer
	topic    string

	queue chan RevisionEvent

	// sem 限制同时在持久层/Kafka 上的并发请求数
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type RevisionDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewRevisionDispatcher(revStore store.RevisionStore, producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt RevisionDispatcherOptions) *RevisionDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 1 * time.Second
	}
	d := &RevisionDispatcher{
		revStore:    revStore,
		producer:    producer,
		topic:       topic,
		queue:       make(chan RevisionEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放进本地队列；队列满时最多等到 ctx 截止。
func (d *RevisionDispatcher) Enqueue(ctx context.Context, evt RevisionEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *RevisionDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *RevisionDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.persistWithRetry(workerID, evt)
		d.publish(workerID, evt)
	}
}

func (d *RevisionDispatcher) persistWithRetry(workerID int, evt RevisionEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.persistOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("revision persist failed, drop doc=%s rev=%d worker=%d err=%v",
				evt.Revision.DocID, evt.Revision.Version, workerID, err)
			return
		}

		// 指数退避
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *RevisionDispatcher) persistOnce(evt RevisionEvent) error {
	if d.sem != nil {
		_ = d.sem.Acquire(context.Background())
		defer func() { _ = d.sem.Release() }()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.revStore.Append(ctx, evt.Revision)
}

// publish 尽力把事件推给 Kafka；失败只记日志，不影响已落库的 Revision。
func (d *RevisionDispatcher) publish(workerID int, evt RevisionEvent) {
	if d.producer == nil || d.topic == "" {
		return
	}
	out := DocPatchEvent{
		EventType:    "PATCH_APPLIED",
		DocID:        evt.Revision.DocID,
		OperationID:  evt.Patch.OperationID,
		Revision:     evt.Patch.Version,
		AuthorID:     evt.Patch.AuthorID,
		ClientID:     evt.ClientID,
		ClientSeq:    evt.ClientSeq,
		BaseRevision: evt.BaseVersion,
		Ops:          evt.Patch.Ops,
		AppliedAt:    evt.Patch.AppliedAt,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(out.DocID),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := d.producer.SendMessage(msg); err != nil {
		log.Printf("kafka send failed doc=%s rev=%d worker=%d err=%v",
			out.DocID, out.Revision, workerID, err)
	}
}
