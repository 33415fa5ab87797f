package patch

import (
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"syncServer/backend/internal/ot/delta"
)

// 补丁编解码器：
// - Diff 在两个文本之间计算最小编辑块，编码为 delta.Delta
// - Apply 把 delta 应用到基准文本；任意一个 op 校验失败则整个补丁拒绝
//
// 服务端热路径上只有 Apply：引擎从不替客户端重算 diff，
// 只验证补丁是否能干净地应用到自己手里的权威内容上。

var ErrApplyConflict = errors.New("PATCH_APPLY_CONFLICT")

// Diff 计算 old → new 的编辑块序列。
func Diff(oldText, newText string) delta.Delta {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupEfficiency(diffs)

	d := make(delta.Delta, 0, len(diffs))
	for _, df := range diffs {
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			d = append(d, delta.Op{Kind: delta.KindRetain, Count: len([]rune(df.Text))})
		case diffmatchpatch.DiffInsert:
			d = append(d, delta.Op{Kind: delta.KindInsert, Text: df.Text})
		case diffmatchpatch.DiffDelete:
			d = append(d, delta.Op{Kind: delta.KindDelete, Text: df.Text})
		}
	}
	return d.Normalize()
}

// Apply 把补丁应用到 baseText。
// 先整体校验（retain 不越界、delete 的文本逐字符吻合），
// 全部通过后才真正生成新文本；失败时 baseText 原样保留，不存在部分应用。
func Apply(baseText string, d delta.Delta) (string, error) {
	d = d.Normalize()
	base := []rune(baseText)
	if need := d.BaseLen(); need > len(base) {
		return "", fmt.Errorf("%w: patch consumes %d runes, base has %d", ErrApplyConflict, need, len(base))
	}
	if err := validate(baseText, d); err != nil {
		return "", err
	}
	pt := NewPieceTable(baseText)
	pt.apply(d)
	return pt.String(), nil
}

// validate 逐 op 检查补丁是否与基准文本一致。
// delete 的内容比对是冲突检测的核心：内容对不上，
// 说明服务端文本已经和客户端假设的基准分叉了。
func validate(baseText string, d delta.Delta) error {
	base := []rune(baseText)
	pos := 0
	for i, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 || pos+op.Count > len(base) {
				return fmt.Errorf("%w: retain op %d out of range (pos=%d count=%d len=%d)",
					ErrApplyConflict, i, pos, op.Count, len(base))
			}
			pos += op.Count
		case delta.KindInsert:
			// 不消耗基准文本
		case delta.KindDelete:
			want := []rune(op.Text)
			if pos+len(want) > len(base) {
				return fmt.Errorf("%w: delete op %d out of range (pos=%d count=%d len=%d)",
					ErrApplyConflict, i, pos, len(want), len(base))
			}
			if string(base[pos:pos+len(want)]) != op.Text {
				return fmt.Errorf("%w: delete op %d text mismatch at pos %d",
					ErrApplyConflict, i, pos)
			}
			pos += len(want)
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrApplyConflict, op.Kind)
		}
	}
	return nil
}
