package tasks

import (
	"testing"

	"tgmirror/internal/gateway"
)

func msg(id int, groupID int64) gateway.Message {
	return gateway.Message{ID: id, MediaGroupID: groupID}
}

func TestGrouperSinglesFlushImmediately(t *testing.T) {
	g := newGrouper()
	groups := g.add(msg(1, 0))
	if len(groups) != 1 || len(groups[0]) != 1 || groups[0][0].ID != 1 {
		t.Fatalf("got %v, want one group of one message", groups)
	}
}

func TestGrouperCoalescesAlbum(t *testing.T) {
	g := newGrouper()
	if got := g.add(msg(1, 100)); got != nil {
		t.Fatalf("expected no completed group mid-album, got %v", got)
	}
	if got := g.add(msg(2, 100)); got != nil {
		t.Fatalf("expected no completed group mid-album, got %v", got)
	}
	groups := g.add(msg(3, 200)) // group id changes -> flush the 100 group
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatalf("got %v, want one flushed group of 2", groups)
	}
	if groups[0][0].ID != 1 || groups[0][1].ID != 2 {
		t.Fatalf("got ids %d,%d, want 1,2", groups[0][0].ID, groups[0][1].ID)
	}

	rest := g.flushAll()
	if len(rest) != 1 || len(rest[0]) != 1 || rest[0][0].ID != 3 {
		t.Fatalf("got %v, want trailing group of message 3", rest)
	}
}

func TestGrouperBoundsAlbumSize(t *testing.T) {
	g := newGrouper()
	var lastGroups [][]gateway.Message
	for i := 0; i < maxGroupSize; i++ {
		lastGroups = g.add(msg(i, 999))
	}
	if len(lastGroups) != 1 || len(lastGroups[0]) != maxGroupSize {
		t.Fatalf("expected the group to auto-flush at the size bound, got %v", lastGroups)
	}
}
