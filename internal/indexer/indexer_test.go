package indexer

import (
	"context"
	"testing"
)

func TestDirtySetDeduplicates(t *testing.T) {
	d := NewDirtySet()
	d.Add("alice/hello", "bob/world")
	d.Add("alice/hello", "carol/post")

	if d.Len() != 3 {
		t.Errorf("len = %d, want 3", d.Len())
	}
	refs := d.Refs()
	want := []string{"alice/hello", "bob/world", "carol/post"}
	for i, ref := range want {
		if refs[i] != ref {
			t.Errorf("refs[%d] = %q, want %q (stream order)", i, refs[i], ref)
		}
	}
}

func TestCurrentHeadState(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1))
	applyTestBlock(t, s, p, mkBlock(2))
	fc.head = 10

	hs, err := CurrentHeadState(ctx, s, fc)
	if err != nil {
		t.Fatalf("head state: %v", err)
	}
	if hs.Steemd != 10 || hs.Hive != 2 || hs.Diff != 8 {
		t.Errorf("head state = %+v, want steemd 10, hive 2, diff 8", hs)
	}
}
