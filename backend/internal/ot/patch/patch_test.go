package patch

import (
	"errors"
	"testing"

	"syncServer/backend/internal/ot/delta"
)

func TestDiffApply_Roundtrip(t *testing.T) {
	cases := []struct{ old, new string }{
		{"", "Hello"},
		{"Hello", ""},
		{"Hello world", "Hello collaborative world"},
		{"Hello collaborative world", "Hello world"},
		{"the quick brown fox", "the slow brown dog"},
		{"你好世界", "你好，协作世界"},
		{"same", "same"},
	}
	for _, c := range cases {
		d := Diff(c.old, c.new)
		got, err := Apply(c.old, d)
		if err != nil {
			t.Fatalf("Apply(%q -> %q) error = %v", c.old, c.new, err)
		}
		if got != c.new {
			t.Fatalf("Apply(%q, Diff) = %q, want %q", c.old, got, c.new)
		}
	}
}

func TestApply_ConflictOnDivergedBase(t *testing.T) {
	// 补丁针对 "Hello world" 计算，但服务端内容已经变了
	d := Diff("Hello world", "Hello")

	_, err := Apply("Hello earth", d)
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("Apply on diverged base: err = %v, want ErrApplyConflict", err)
	}
}

func TestApply_RetainOutOfRange(t *testing.T) {
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 100},
		{Kind: delta.KindInsert, Text: "x"},
	}
	_, err := Apply("short", d)
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("err = %v, want ErrApplyConflict", err)
	}
}

func TestApply_DeleteTextMismatch(t *testing.T) {
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 6},
		{Kind: delta.KindDelete, Text: "world"},
	}
	if _, err := Apply("Hello earth", d); !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("err = %v, want ErrApplyConflict", err)
	}
	// 同样的补丁在正确基准上应当成功
	got, err := Apply("Hello world", d)
	if err != nil {
		t.Fatalf("Apply on matching base: %v", err)
	}
	if got != "Hello " {
		t.Fatalf("got %q, want %q", got, "Hello ")
	}
}

func TestApply_NoPartialApplication(t *testing.T) {
	// 第一个 hunk 可以应用，第二个不行；整个补丁必须被拒绝
	d := delta.Delta{
		{Kind: delta.KindInsert, Text: ">>"},
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindDelete, Text: "MISMATCH"},
	}
	_, err := Apply("Hello world", d)
	if !errors.Is(err, ErrApplyConflict) {
		t.Fatalf("err = %v, want ErrApplyConflict", err)
	}
}

func TestApply_TrailingRetainOptional(t *testing.T) {
	// 补丁不必覆盖整个基准文本，尾部内容自动保留
	d := delta.Delta{{Kind: delta.KindInsert, Text: "# "}}
	got, err := Apply("title", d)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != "# title" {
		t.Fatalf("got %q, want %q", got, "# title")
	}
}

func TestNormalize_MergesAndDropsEmpty(t *testing.T) {
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 2},
		{Kind: delta.KindRetain, Count: 3},
		{Kind: delta.KindInsert, Text: ""},
		{Kind: delta.KindInsert, Text: "ab"},
		{Kind: delta.KindInsert, Text: "cd"},
	}
	got := d.Normalize()
	want := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindInsert, Text: "abcd"},
	}
	if len(got) != len(want) {
		t.Fatalf("Normalize() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Normalize()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
