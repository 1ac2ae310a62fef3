package btrees

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// createTestOmapNode builds a root leaf object map node with one entry per oid/xid pair.
func createTestOmapNode(t *testing.T, pairs ...[2]uint64) []byte {
	t.Helper()
	var entries []fixtures.APFSNodeEntry
	for i, p := range pairs {
		entries = append(entries, fixtures.APFSNodeEntry{
			Key:   fixtures.OmapKey(p[0], p[1]),
			Value: fixtures.OmapValue(0, 4096, uint64(100+i)),
		})
	}
	block, err := fixtures.BuildAPFSNode(fixtures.APFSNodeSpec{
		OID:     3,
		XID:     1,
		Type:    types.ObjectTypeBtree | types.ObjPhysical,
		Subtype: types.ObjectTypeOmap,
		Flags:   types.BtnodeRoot | types.BtnodeLeaf | types.BtnodeFixedKvSize,
		Entries: entries,
	})
	require.NoError(t, err)
	return block
}

// patchNode edits a built node and recomputes its checksum.
func patchNode(t *testing.T, block []byte, edit func([]byte)) []byte {
	t.Helper()
	out := append([]byte(nil), block...)
	edit(out)
	require.NoError(t, objects.UpdateChecksum(out))
	return out
}

func TestNewBTreeNodeReader(t *testing.T) {
	block, err := fixtures.BuildAPFSNode(fixtures.APFSNodeSpec{
		OID:     1028,
		XID:     7,
		Type:    types.ObjectTypeBtree | types.ObjVirtual,
		Subtype: types.ObjectTypeFstree,
		Flags:   types.BtnodeRoot | types.BtnodeLeaf,
		Entries: []fixtures.APFSNodeEntry{
			{Key: fixtures.JKey(2, types.JObjTypeDStreamID), Value: fixtures.LE(1, 4)},
			{Key: fixtures.JKey(3, types.JObjTypeDStreamID), Value: fixtures.LE(2, 4)},
		},
	})
	require.NoError(t, err)

	node, err := NewBTreeNodeReader(block, binary.LittleEndian)
	require.NoError(t, err)

	hdr := node.Header()
	assert.Equal(t, types.OidT(1028), hdr.OOid)
	assert.Equal(t, types.XidT(7), hdr.OXid)
	assert.Equal(t, types.ObjectTypeFstree, hdr.OSubtype)
	assert.Equal(t, uint16(0), node.Level())
	assert.Equal(t, uint32(2), node.KeyCount())
	assert.Equal(t, types.NlocT{Off: 0, Len: 2 * types.KvlocSize}, node.TableSpace())
	assert.True(t, node.IsRoot())
	assert.True(t, node.IsLeaf())
	assert.False(t, node.HasFixedKVSize())
	assert.Len(t, node.Data(), len(block)-types.BtreeNodeHeaderSize)
	assert.Equal(t, block, node.Raw())
}

func TestNewBTreeNodeReaderErrors(t *testing.T) {
	block := createTestOmapNode(t, [2]uint64{1026, 1})

	corrupt := append([]byte(nil), block...)
	corrupt[100] ^= 0xFF

	notNode := patchNode(t, block, func(b []byte) {
		binary.LittleEndian.PutUint32(b[24:], types.ObjectTypeOmap|types.ObjPhysical)
	})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "shorter than header", data: block[:40], want: types.ErrTruncatedRegion},
		{name: "checksum mismatch", data: corrupt, want: types.ErrCorruptStructure},
		{name: "not a B-tree object", data: notNode, want: types.ErrCorruptStructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBTreeNodeReader(tt.data, binary.LittleEndian)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateNode(t *testing.T) {
	valid := createTestOmapNode(t, [2]uint64{1026, 1}, [2]uint64{1027, 1})

	tests := []struct {
		name     string
		edit     func([]byte)
		valid    bool
		contains string
	}{
		{name: "valid", edit: func([]byte) {}, valid: true},
		{
			name:     "leaf with level",
			edit:     func(b []byte) { binary.LittleEndian.PutUint16(b[34:], 1) },
			contains: "leaf node has non-zero level",
		},
		{
			name:     "index node at level zero",
			edit:     func(b []byte) { binary.LittleEndian.PutUint16(b[32:], types.BtnodeRoot|types.BtnodeFixedKvSize) },
			contains: "internal node has level 0",
		},
		{
			name:     "too many keys for table",
			edit:     func(b []byte) { binary.LittleEndian.PutUint32(b[36:], 5) },
			contains: "cannot hold 5 entries",
		},
		{
			name:     "table beyond node",
			edit:     func(b []byte) { binary.LittleEndian.PutUint16(b[40:], 4090) },
			contains: "table of contents out of bounds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := NewBTreeNodeReader(patchNode(t, valid, tt.edit), binary.LittleEndian)
			require.NoError(t, err)
			result := NewBTreeValidator().ValidateNode(node)
			assert.Equal(t, tt.valid, result.IsValid(), result.Errors)
			if tt.valid {
				assert.NoError(t, result.Err())
				return
			}
			assert.ErrorIs(t, result.Err(), types.ErrCorruptStructure)
			assert.Contains(t, result.Err().Error(), tt.contains)
		})
	}
}

func TestValidateNodeWarnings(t *testing.T) {
	block := createTestOmapNode(t, [2]uint64{1026, 1}, [2]uint64{1027, 1})
	block = patchNode(t, block, func(b []byte) {
		binary.LittleEndian.PutUint16(b[42:], 4*types.KvoffSize)
	})
	node, err := NewBTreeNodeReader(block, binary.LittleEndian)
	require.NoError(t, err)

	result := NewBTreeValidator().ValidateNode(node)
	assert.True(t, result.IsValid())
	assert.Contains(t, result.Warnings, "table of contents has room for 2 more entries")
}
