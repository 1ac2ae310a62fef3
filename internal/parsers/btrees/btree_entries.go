package btrees

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// TreeKind selects how the keys and values of a tree are interpreted.
type TreeKind int

const (
	// TreeOmap is an object map: (oid, xid) keys and omap_val_t values.
	TreeOmap TreeKind = iota
	// TreeFS is a file-system tree with plain directory record keys.
	TreeFS
	// TreeFSHashed is a file-system tree whose directory record keys carry a name hash.
	TreeFSHashed
)

// Entry is one decoded key/value pair of a node. Offsets are relative to the
// start of the node block; ValueOffset is -1 for entries without a value.
type Entry struct {
	Index       int
	KeyOffset   int
	KeyLength   int
	ValueOffset int
	ValueLength int

	ObjectID uint64
	Kind     types.JObjType
	// XID is set for object map keys only.
	XID types.XidT

	Key   []byte
	Value []byte

	Decoded Value
}

// Child returns the child oid of an index node entry.
func (e Entry) Child() (types.OidT, bool) {
	if v, ok := e.Decoded.(ChildValue); ok {
		return v.OID, true
	}
	return 0, false
}

// nodeArea describes where keys and values live inside a node.
type nodeArea struct {
	tocStart int
	tocEnd   int
	keyStart int
	valueEnd int
}

func areaOf(node interfaces.BTreeNodeReader) nodeArea {
	toc := node.TableSpace()
	a := nodeArea{
		tocStart: types.BtreeNodeHeaderSize + int(toc.Off),
		tocEnd:   types.BtreeNodeHeaderSize + int(toc.Off) + int(toc.Len),
		valueEnd: len(node.Raw()),
	}
	a.keyStart = a.tocEnd
	if node.IsRoot() {
		a.valueEnd -= types.BtreeInfoSize
	}
	return a
}

// TableOfContents returns the key/value locations of every entry. Fixed-size
// kvoff_t entries are widened to kvloc_t using the sizes the tree kind implies.
func TableOfContents(node interfaces.BTreeNodeReader, kind TreeKind) ([]types.KvlocT, error) {
	raw := node.Raw()
	area := areaOf(node)
	count := int(node.KeyCount())
	toc := make([]types.KvlocT, 0, count)

	if node.HasFixedKVSize() {
		if kind != TreeOmap {
			return nil, fmt.Errorf("%w: fixed-size entries in a file-system tree", types.ErrUnsupportedFeature)
		}
		valueLen := uint16(types.OmapValSize)
		if !node.IsLeaf() {
			valueLen = types.OmapChildValSize
		}
		for i := 0; i < count; i++ {
			pos := area.tocStart + i*types.KvoffSize
			if pos+types.KvoffSize > area.tocEnd {
				return nil, types.NewStructureError("btree toc", int64(pos), fmt.Errorf("%w: entry %d outside the table", types.ErrCorruptStructure, i))
			}
			toc = append(toc, types.KvlocT{
				K: types.NlocT{Off: binary.LittleEndian.Uint16(raw[pos:]), Len: types.OmapKeySize},
				V: types.NlocT{Off: binary.LittleEndian.Uint16(raw[pos+2:]), Len: valueLen},
			})
		}
		return toc, nil
	}

	for i := 0; i < count; i++ {
		pos := area.tocStart + i*types.KvlocSize
		if pos+types.KvlocSize > area.tocEnd {
			return nil, types.NewStructureError("btree toc", int64(pos), fmt.Errorf("%w: entry %d outside the table", types.ErrCorruptStructure, i))
		}
		toc = append(toc, types.KvlocT{
			K: types.NlocT{Off: binary.LittleEndian.Uint16(raw[pos:]), Len: binary.LittleEndian.Uint16(raw[pos+2:])},
			V: types.NlocT{Off: binary.LittleEndian.Uint16(raw[pos+4:]), Len: binary.LittleEndian.Uint16(raw[pos+6:])},
		})
	}
	return toc, nil
}

// DecodeEntries decodes every entry of node. The result is an arena: each
// entry holds slices into the node and a decoded value variant chosen from
// the entry's record kind.
func DecodeEntries(node interfaces.BTreeNodeReader, kind TreeKind) ([]Entry, error) {
	if err := NewBTreeValidator().ValidateNode(node).Err(); err != nil {
		return nil, err
	}
	toc, err := TableOfContents(node, kind)
	if err != nil {
		return nil, err
	}
	raw := node.Raw()
	area := areaOf(node)

	entries := make([]Entry, 0, len(toc))
	for i, loc := range toc {
		e := Entry{Index: i, KeyOffset: area.keyStart + int(loc.K.Off), KeyLength: int(loc.K.Len), ValueOffset: -1}
		if e.KeyOffset+e.KeyLength > area.valueEnd {
			return nil, types.NewStructureError("btree key", int64(e.KeyOffset), fmt.Errorf("%w: key %d of %d bytes overruns the node", types.ErrCorruptStructure, i, e.KeyLength))
		}
		e.Key = raw[e.KeyOffset : e.KeyOffset+e.KeyLength]

		if loc.V.Off != types.BtoffInvalid {
			e.ValueOffset = area.valueEnd - int(loc.V.Off)
			e.ValueLength = int(loc.V.Len)
			if e.ValueOffset < area.keyStart || e.ValueOffset+e.ValueLength > area.valueEnd {
				return nil, types.NewStructureError("btree value", int64(e.ValueOffset), fmt.Errorf("%w: value %d of %d bytes overruns the node", types.ErrCorruptStructure, i, e.ValueLength))
			}
			e.Value = raw[e.ValueOffset : e.ValueOffset+e.ValueLength]
		}

		if err := decodeKey(&e, kind); err != nil {
			return nil, types.NewStructureError("btree key", int64(e.KeyOffset), err)
		}
		if !node.IsLeaf() {
			if len(e.Value) < types.OmapChildValSize {
				return nil, types.NewStructureError("btree index value", int64(e.ValueOffset), fmt.Errorf("%w: child pointer of %d bytes", types.ErrTruncatedRegion, len(e.Value)))
			}
			e.Decoded = ChildValue{OID: types.OidT(binary.LittleEndian.Uint64(e.Value))}
		} else if e.Decoded, err = decodeValue(&e, kind); err != nil {
			return nil, types.NewStructureError("btree value "+e.Kind.String(), int64(e.ValueOffset), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeKey(e *Entry, kind TreeKind) error {
	if kind == TreeOmap {
		if len(e.Key) < types.OmapKeySize {
			return fmt.Errorf("%w: omap key of %d bytes", types.ErrTruncatedRegion, len(e.Key))
		}
		e.ObjectID = binary.LittleEndian.Uint64(e.Key)
		e.XID = types.XidT(binary.LittleEndian.Uint64(e.Key[8:]))
		return nil
	}
	if len(e.Key) < types.JKeySize {
		return fmt.Errorf("%w: key of %d bytes", types.ErrTruncatedRegion, len(e.Key))
	}
	hdr := binary.LittleEndian.Uint64(e.Key)
	e.ObjectID = hdr & types.ObjIDMask
	e.Kind = types.JObjType((hdr & types.ObjTypeMask) >> types.ObjTypeShift)
	return nil
}

// CompareKey orders an entry against a search key the way the tree sorts
// its keys: by object id, then by record kind (file-system trees) or
// transaction id (object maps).
func CompareKey(e Entry, oid uint64, kind types.JObjType, xid types.XidT) int {
	switch {
	case e.ObjectID < oid:
		return -1
	case e.ObjectID > oid:
		return 1
	case e.Kind < kind:
		return -1
	case e.Kind > kind:
		return 1
	case e.XID < xid:
		return -1
	case e.XID > xid:
		return 1
	}
	return 0
}
