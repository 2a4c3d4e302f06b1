package ring_test

import (
	"testing"

	"github.com/drawlatch/secure-mcp-proxy/common/ring"
)

type item struct {
	id int64
}

func (i item) ItemID() int64 { return i.id }

func TestPushAndToArrayPreservesOrder(t *testing.T) {
	buf := ring.New[item](3)
	buf.Push(item{1})
	buf.Push(item{2})
	buf.Push(item{3})

	got := buf.ToArray()
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].ItemID() != w {
			t.Errorf("index %d: got id %d, want %d", i, got[i].ItemID(), w)
		}
	}
}

func TestPushEvictsOldestAtCapacity(t *testing.T) {
	buf := ring.New[item](2)
	buf.Push(item{1})
	buf.Push(item{2})
	buf.Push(item{3})

	got := buf.ToArray()
	if len(got) != 2 {
		t.Fatalf("expected capacity-bounded size 2, got %d", len(got))
	}
	if got[0].ItemID() != 2 || got[1].ItemID() != 3 {
		t.Errorf("expected [2 3] after eviction, got [%d %d]", got[0].ItemID(), got[1].ItemID())
	}
}

func TestSinceReturnsOnlyNewerItems(t *testing.T) {
	buf := ring.New[item](5)
	for id := int64(1); id <= 5; id++ {
		buf.Push(item{id})
	}

	got := buf.Since(3)
	if len(got) != 2 {
		t.Fatalf("expected 2 items after id 3, got %d", len(got))
	}
	if got[0].ItemID() != 4 || got[1].ItemID() != 5 {
		t.Errorf("unexpected items: %+v", got)
	}
}

func TestSizeAndCapacity(t *testing.T) {
	buf := ring.New[item](4)
	if buf.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", buf.Capacity())
	}
	buf.Push(item{1})
	buf.Push(item{2})
	if buf.Size() != 2 {
		t.Fatalf("expected size 2, got %d", buf.Size())
	}
}

func TestClearResetsContentsButIDsKeepIncreasing(t *testing.T) {
	buf := ring.New[item](3)
	buf.Push(item{1})
	buf.Push(item{2})
	buf.Clear()

	if buf.Size() != 0 {
		t.Fatalf("expected size 0 after Clear, got %d", buf.Size())
	}

	// The caller's own ID counter (not owned by Buffer) keeps advancing;
	// pushing a higher ID after Clear must work normally.
	buf.Push(item{3})
	got := buf.ToArray()
	if len(got) != 1 || got[0].ItemID() != 3 {
		t.Fatalf("expected single item with id 3 after Clear+Push, got %+v", got)
	}
}

func TestEvictionPreservesIDOrderingAcrossWraparound(t *testing.T) {
	buf := ring.New[item](3)
	for id := int64(1); id <= 7; id++ {
		buf.Push(item{id})
	}
	got := buf.ToArray()
	want := []int64{5, 6, 7}
	for i, w := range want {
		if got[i].ItemID() != w {
			t.Errorf("index %d: got %d, want %d", i, got[i].ItemID(), w)
		}
	}
}
