package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/types"
)

type testExtent struct {
	logical uint32
	length  uint16
	start   uint64
}

func createTestExtentBlock(depth uint16, extents ...testExtent) []byte {
	block := make([]byte, types.Ext4InodeBlockArraySize)
	binary.LittleEndian.PutUint16(block[0:], types.Ext4ExtentMagic)
	binary.LittleEndian.PutUint16(block[2:], uint16(len(extents)))
	binary.LittleEndian.PutUint16(block[4:], 4)
	binary.LittleEndian.PutUint16(block[6:], depth)
	for i, e := range extents {
		leaf := block[types.Ext4ExtentHeaderSize+i*types.Ext4ExtentEntrySize:]
		binary.LittleEndian.PutUint32(leaf[0:], e.logical)
		binary.LittleEndian.PutUint16(leaf[4:], e.length)
		binary.LittleEndian.PutUint16(leaf[6:], uint16(e.start>>32))
		binary.LittleEndian.PutUint32(leaf[8:], uint32(e.start))
	}
	return block
}

func TestParseExtentTree(t *testing.T) {
	block := createTestExtentBlock(0,
		testExtent{logical: 4, length: 2, start: 1<<32 | 100},
		testExtent{logical: 0, length: 4, start: 20},
		testExtent{logical: 6, length: types.Ext4ExtentInitMaxLen + 3, start: 50},
	)

	extents, err := ParseExtentTree(block)
	require.NoError(t, err)
	require.Len(t, extents, 3)

	assert.Equal(t, types.Ext4Extent{LogicalBlock: 0, Length: 4, PhysicalStart: 20}, extents[0])
	assert.Equal(t, types.Ext4Extent{LogicalBlock: 4, Length: 2, PhysicalStart: 1<<32 | 100}, extents[1])
	assert.Equal(t, types.Ext4Extent{LogicalBlock: 6, Length: 3, Uninitialized: true, PhysicalStart: 50}, extents[2])

	chain := extentChain(extents)
	assert.Equal(t, types.AllocationChain{20, 21, 22, 23, 1<<32 | 100, 1<<32 | 101, 50, 51, 52}, chain)

	tests := []struct {
		logical  uint64
		physical uint64
		ok       bool
	}{
		{logical: 0, physical: 20, ok: true},
		{logical: 3, physical: 23, ok: true},
		{logical: 5, physical: 1<<32 | 101, ok: true},
		{logical: 8, physical: 52, ok: true},
		{logical: 9, ok: false},
	}
	for _, tt := range tests {
		physical, ok := blockAt(extents, tt.logical)
		assert.Equal(t, tt.ok, ok, "logical %d", tt.logical)
		assert.Equal(t, tt.physical, physical, "logical %d", tt.logical)
	}
}

func TestParseExtentTreeErrors(t *testing.T) {
	tests := []struct {
		name    string
		block   func() []byte
		wantErr error
	}{
		{
			name: "bad magic",
			block: func() []byte {
				b := createTestExtentBlock(0)
				b[0] = 0
				return b
			},
			wantErr: types.ErrCorruptStructure,
		},
		{
			name:    "index node",
			block:   func() []byte { return createTestExtentBlock(1, testExtent{length: 1, start: 7}) },
			wantErr: types.ErrUnsupportedFeature,
		},
		{
			name: "entries above max",
			block: func() []byte {
				b := createTestExtentBlock(0, testExtent{length: 1, start: 7})
				binary.LittleEndian.PutUint16(b[4:], 0)
				return b
			},
			wantErr: types.ErrCorruptStructure,
		},
		{
			name: "entries above capacity",
			block: func() []byte {
				b := createTestExtentBlock(0)
				binary.LittleEndian.PutUint16(b[2:], 5)
				binary.LittleEndian.PutUint16(b[4:], 5)
				return b
			},
			wantErr: types.ErrCorruptStructure,
		},
		{
			name:    "truncated",
			block:   func() []byte { return createTestExtentBlock(0)[:8] },
			wantErr: types.ErrTruncatedRegion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExtentTree(tt.block())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
