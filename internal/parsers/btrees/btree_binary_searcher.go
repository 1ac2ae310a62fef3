package btrees

import (
	"sort"

	"github.com/dasec/fishy-sub000/internal/types"
)

// BinarySearcher searches the decoded, sorted entries of one node.
type BinarySearcher struct {
	entries []Entry
}

// NewBinarySearcher wraps the entries of a node in key order.
func NewBinarySearcher(entries []Entry) *BinarySearcher {
	return &BinarySearcher{entries: entries}
}

// lastAtOrBefore returns the index of the last entry whose key is not
// greater than the search key, or -1.
func (bs *BinarySearcher) lastAtOrBefore(oid uint64, kind types.JObjType, xid types.XidT) int {
	i := sort.Search(len(bs.entries), func(i int) bool {
		return CompareKey(bs.entries[i], oid, kind, xid) > 0
	})
	return i - 1
}

// FindChild returns the index node entry whose subtree may hold the key.
func (bs *BinarySearcher) FindChild(oid uint64, kind types.JObjType, xid types.XidT) (Entry, bool) {
	i := bs.lastAtOrBefore(oid, kind, xid)
	if i < 0 {
		return Entry{}, false
	}
	return bs.entries[i], true
}

// FindOmapEntry returns the object map leaf entry for oid with the newest
// transaction not after xid.
func (bs *BinarySearcher) FindOmapEntry(oid types.OidT, xid types.XidT) (Entry, bool) {
	i := bs.lastAtOrBefore(uint64(oid), types.JObjTypeAny, xid)
	if i < 0 || bs.entries[i].ObjectID != uint64(oid) {
		return Entry{}, false
	}
	return bs.entries[i], true
}

// ChildrenFor returns the index node entries whose subtrees may hold records
// of object oid. Records of one object can span several children.
func (bs *BinarySearcher) ChildrenFor(oid uint64) []Entry {
	var out []Entry
	for i, e := range bs.entries {
		if e.ObjectID > oid {
			break
		}
		if i+1 < len(bs.entries) && bs.entries[i+1].ObjectID < oid {
			continue
		}
		out = append(out, e)
	}
	return out
}

// RecordsFor returns the leaf entries of object oid, optionally restricted to one kind.
func (bs *BinarySearcher) RecordsFor(oid uint64, kind types.JObjType) []Entry {
	start := sort.Search(len(bs.entries), func(i int) bool {
		return bs.entries[i].ObjectID >= oid
	})
	var out []Entry
	for _, e := range bs.entries[start:] {
		if e.ObjectID != oid {
			break
		}
		if kind == types.JObjTypeAny || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// All returns every entry in key order.
func (bs *BinarySearcher) All() []Entry {
	return bs.entries
}
