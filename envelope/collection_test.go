package envelope

import "testing"

func TestCollectionInsertContainsGetRemove(t *testing.T) {
	c := NewCollection()
	e := NewEnvelope("a@x", nil)
	e.SubjectNormalized = "topic"
	e.Date = 1

	c.Insert(e)
	if !c.Contains(e.Hash) {
		t.Fatal("expected envelope to be contained after Insert")
	}
	if got := c.Get(e.Hash); got != e {
		t.Fatalf("Get returned %+v, want %+v", got, e)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if c.Forest.Len() != 1 {
		t.Fatalf("Forest.Len = %d, want 1 (threading index must stay consistent)", c.Forest.Len())
	}

	c.Remove(e.Hash)
	if c.Contains(e.Hash) {
		t.Fatal("expected envelope to be gone after Remove")
	}
	if c.Forest.Len() != 0 {
		t.Fatalf("Forest.Len = %d after Remove, want 0", c.Forest.Len())
	}
}

func TestCollectionInsertReplyAttachesUnderParent(t *testing.T) {
	c := NewCollection()
	root := NewEnvelope("a@x", nil)
	root.SubjectNormalized = "topic"
	c.Insert(root)

	reply := NewEnvelope("b@x", []string{"a@x"})
	reply.SubjectNormalized = "topic"
	c.InsertReply(reply)

	replyNodeID, ok := c.Forest.NodeForEnvelope(reply.Hash)
	if !ok {
		t.Fatal("reply node missing from forest")
	}
	rootNodeID, ok := c.Forest.NodeForEnvelope(root.Hash)
	if !ok {
		t.Fatal("root node missing from forest")
	}
	if c.Forest.Node(replyNodeID).ParentID != rootNodeID {
		t.Fatal("reply should be linked under root in the threading forest")
	}
}

func TestCollectionSortedByDate(t *testing.T) {
	c := NewCollection()
	older := NewEnvelope("old@x", nil)
	older.Date = 1
	newer := NewEnvelope("new@x", nil)
	newer.Date = 100
	c.Insert(newer)
	c.Insert(older)

	order := c.SortedByDate()
	if len(order) != 2 || order[0] != older.Hash || order[1] != newer.Hash {
		t.Fatalf("SortedByDate = %v, want [older, newer]", order)
	}
}
