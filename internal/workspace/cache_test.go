package workspace

import (
	"reflect"
	"testing"
)

type item struct {
	ID    string
	Value string
}

func newItemCache() *Cache[item] {
	return NewCache(func(i item) string { return i.ID })
}

func TestCacheInsertIsIdempotent(t *testing.T) {
	ops := []struct {
		insert bool
		item   item
	}{
		{true, item{"a", "1"}},
		{true, item{"b", "1"}},
		{false, item{ID: "a"}},
		{true, item{"c", "1"}},
		{true, item{"a", "2"}},
	}

	once := newItemCache()
	twice := newItemCache()
	for _, op := range ops {
		if !op.insert {
			once.Delete(op.item.ID)
			twice.Delete(op.item.ID)
			continue
		}
		once.Insert(op.item)
		twice.Insert(op.item)
		twice.Insert(op.item)
	}

	if !reflect.DeepEqual(once.List(), twice.List()) {
		t.Fatalf("List() after double insert = %+v, want %+v", twice.List(), once.List())
	}
}

func TestCacheInsertKeepsExisting(t *testing.T) {
	c := newItemCache()
	if !c.Insert(item{"a", "first"}) {
		t.Fatalf("Insert() = false, want true for new id")
	}
	if c.Insert(item{"a", "second"}) {
		t.Fatalf("Insert() = true, want false for present id")
	}
	if got, _ := c.Get("a"); got.Value != "first" {
		t.Fatalf("Get() = %+v, want first value kept", got)
	}
}

func TestCachePutIsLastWriteWins(t *testing.T) {
	c := newItemCache()
	c.Insert(item{"a", "1"})
	c.Insert(item{"b", "1"})
	c.Put(item{"a", "2"})

	want := []item{{"a", "2"}, {"b", "1"}}
	if !reflect.DeepEqual(c.List(), want) {
		t.Fatalf("List() = %+v, want %+v", c.List(), want)
	}
}

func TestCacheDeleteAbsentIsNoop(t *testing.T) {
	c := newItemCache()
	c.Insert(item{"a", "1"})
	if _, _, ok := c.Delete("missing"); ok {
		t.Fatalf("Delete() ok = true for absent id")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestCacheRestoreKeepsPosition(t *testing.T) {
	c := newItemCache()
	for _, id := range []string{"a", "b", "c"} {
		c.Insert(item{ID: id})
	}
	before := c.List()

	prev, index, ok := c.Delete("b")
	if !ok || index != 1 {
		t.Fatalf("Delete() = (%+v, %d, %v), want index 1", prev, index, ok)
	}
	c.restore(prev, index)

	if !reflect.DeepEqual(c.List(), before) {
		t.Fatalf("List() after restore = %+v, want %+v", c.List(), before)
	}
}
