package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 是补丁中的一个独立编辑块（hunk）。
// delete 携带期望被删除的文本（而不是只有长度），
// 这样服务端应用补丁时可以逐块校验内容是否和客户端假设的一致。
type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain 的长度
	Text  string `json:"text,omitempty"`  // insert: 插入文本；delete: 期望删除的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

// BaseLen 返回该 delta 作用的基准文本长度（rune 数）。
// retain + delete 消耗基准文本，insert 不消耗。
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			n += op.Count
		case KindDelete:
			n += len([]rune(op.Text))
		}
	}
	return n
}

// Normalize 合并相邻同类 op，并丢弃空 op。
// 编码端（Diff）产物已经是规范形式，这里主要防御手写/网络来的补丁。
func (d Delta) Normalize() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Kind == KindRetain && op.Count <= 0 {
			continue
		}
		if (op.Kind == KindInsert || op.Kind == KindDelete) && op.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == op.Kind {
			switch op.Kind {
			case KindRetain:
				out[n-1].Count += op.Count
				continue
			case KindInsert, KindDelete:
				out[n-1].Text += op.Text
				continue
			}
		}
		out = append(out, op)
	}
	return out
}
