package cache

import "fmt"

// 键语义：
// - roomKey(docID):  文档在线参与者（ZSet<participantId, expireAtUnix>，score=expireAt）
// - docsKey:         有人在线的文档索引（通过 SCAN roomKey 前缀推导，无独立键）

const keyRoomFmt = "presence:room:{docID:%s}" // ZSet<participantId, expireAtUnix>

func roomKey(docID string) string { return fmt.Sprintf(keyRoomFmt, docID) }
