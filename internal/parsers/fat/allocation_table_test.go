package fat

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

// createTestFAT12Data returns a FAT12 table with the chain 2 -> 3 -> 4 -> 5.
//
//	id0 = 0xFF8, id1 = 0xFFF, id2 = 0x003, id3 = 0x004, id4 = 0x005, id5 = 0xFFF
func createTestFAT12Data() []byte {
	return []byte{0xF8, 0xFF, 0xFF, 0x03, 0x40, 0x00, 0x05, 0xF0, 0xFF}
}

func newTestTable(fsType types.FilesystemType, data []byte, units uint64) *AllocationTable {
	return &AllocationTable{fsType: fsType, data: data, units: units, log: zerolog.Nop()}
}

func TestFAT12PairDecode(t *testing.T) {
	table := newTestTable(types.FilesystemFAT12, createTestFAT12Data(), 6)

	tests := []struct {
		id   uint64
		want uint32
	}{
		{0, 0xFF8},
		{1, 0xFFF},
		{2, 0x003},
		{3, 0x004},
		{4, 0x005},
		{5, 0xFFF},
	}
	for _, tt := range tests {
		got, err := table.Raw(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "entry %d", tt.id)
	}

	chain, err := table.Follow(2)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationChain{2, 3, 4, 5}, chain)
}

func TestFAT12PairEncodePreservesNeighbour(t *testing.T) {
	pair := []byte{0x03, 0x40}

	encodeFAT12Pair(pair, 2, 0xABC)
	assert.Equal(t, uint32(0xABC), decodeFAT12Pair(pair, 2))
	assert.Equal(t, []byte{0xBC, 0x4A}, pair)

	pair = []byte{0x40, 0x00}
	encodeFAT12Pair(pair, 3, 0x123)
	assert.Equal(t, uint32(0x123), decodeFAT12Pair(pair, 3))
	assert.Equal(t, byte(0x00), pair[0]&0x0F, "low nibble belongs to entry 2")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		fsType types.FilesystemType
		value  uint32
		want   types.AllocationKind
	}{
		{"fat12 free", types.FilesystemFAT12, 0, types.AllocFree},
		{"fat12 reserved one", types.FilesystemFAT12, 1, types.AllocReserved},
		{"fat12 next", types.FilesystemFAT12, 0xFEF, types.AllocNext},
		{"fat12 reserved range", types.FilesystemFAT12, 0xFF0, types.AllocReserved},
		{"fat12 bad", types.FilesystemFAT12, 0xFF7, types.AllocBad},
		{"fat12 end", types.FilesystemFAT12, 0xFF8, types.AllocEnd},
		{"fat16 bad", types.FilesystemFAT16, 0xFFF7, types.AllocBad},
		{"fat16 end", types.FilesystemFAT16, 0xFFFF, types.AllocEnd},
		{"fat32 next", types.FilesystemFAT32, 0x0FFFFFEF, types.AllocNext},
		{"fat32 bad", types.FilesystemFAT32, 0x0FFFFFF7, types.AllocBad},
		{"fat32 end", types.FilesystemFAT32, 0x0FFFFFF8, types.AllocEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newTestTable(tt.fsType, nil, 0)
			assert.Equal(t, tt.want, table.classify(tt.value).Kind)
		})
	}
}

func TestFAT32EntryMasksReservedBits(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[8:], 0xF0000003)
	binary.LittleEndian.PutUint32(data[12:], 0xFFFFFFFF)
	table := newTestTable(types.FilesystemFAT32, data, 4)

	entry, err := table.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, types.NextEntry(3), entry)

	entry, err = table.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, types.EndEntry, entry)
}

func TestFollowIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		patch  func(data []byte)
		start  uint64
		errMsg string
	}{
		{
			name:  "free mid-chain",
			patch: func(data []byte) { binary.LittleEndian.PutUint16(data[6:], 0) },
			start: 2,
		},
		{
			name:  "bad mid-chain",
			patch: func(data []byte) { binary.LittleEndian.PutUint16(data[6:], 0xFFF7) },
			start: 2,
		},
		{
			name:  "loop",
			patch: func(data []byte) { binary.LittleEndian.PutUint16(data[8:], 2) },
			start: 2,
		},
		{
			name:  "next out of range",
			patch: func(data []byte) { binary.LittleEndian.PutUint16(data[8:], 0x100) },
			start: 2,
		},
		{
			name:  "start on reserved entry",
			patch: func(data []byte) {},
			start: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// FAT16 chain 2 -> 3 -> 4 -> end
			data := make([]byte, 12)
			binary.LittleEndian.PutUint16(data[0:], 0xFFF8)
			binary.LittleEndian.PutUint16(data[2:], 0xFFFF)
			binary.LittleEndian.PutUint16(data[4:], 3)
			binary.LittleEndian.PutUint16(data[6:], 4)
			binary.LittleEndian.PutUint16(data[8:], 0xFFFF)
			tt.patch(data)
			table := newTestTable(types.FilesystemFAT16, data, 6)

			chain, err := table.Follow(tt.start)
			assert.ErrorIs(t, err, types.ErrChainIntegrity)
			assert.Nil(t, chain)
		})
	}
}

func TestFollowDeterministic(t *testing.T) {
	table := newTestTable(types.FilesystemFAT12, createTestFAT12Data(), 6)
	first, err := table.Follow(2)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := table.Follow(2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFindFree(t *testing.T) {
	// FAT16 entries 0..7: only 4 is free.
	data := make([]byte, 16)
	for id := 0; id < 8; id++ {
		binary.LittleEndian.PutUint16(data[id*2:], 0xFFFF)
	}
	binary.LittleEndian.PutUint16(data[8:], 0)
	table := newTestTable(types.FilesystemFAT16, data, 8)

	got, err := table.FindFree(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got, "scan wraps past the end")

	got, err = table.FindFree(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got, "hint is checked last")

	got, err = table.FindFree(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got)

	binary.LittleEndian.PutUint16(data[8:], 0xFFFF)
	_, err = table.FindFree(3)
	assert.ErrorIs(t, err, types.ErrNoFreeUnit)
}

func TestFindFreeFAT32Hint(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT32, NextFree: 12})
	require.NoError(t, b.AddFile("/FIRST.BIN", fixtures.Pattern(5000, 1), 3, 4, 5, 6, 7, 8, 9, 10, 11, 12))
	require.NoError(t, b.AddFile("/SECOND.BIN", fixtures.Pattern(600, 2), 14, 15))
	img, err := b.Build()
	require.NoError(t, err)
	vol, _, err := fixtures.Mount(img)
	require.NoError(t, err)

	drv, err := NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	table := drv.Table()

	assert.Equal(t, uint64(12), table.Hint())
	free, err := table.FindFree(table.Hint())
	require.NoError(t, err)
	assert.Equal(t, uint64(13), free)
}

func TestWriteMirrorsAndReloads(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12})
	require.NoError(t, b.AddFile("/A.TXT", fixtures.Pattern(3000, 3)))
	img, err := b.Build()
	require.NoError(t, err)
	vol, fs, err := fixtures.Mount(img)
	require.NoError(t, err)

	drv, err := NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	table := drv.Table()

	free, err := table.FindFree(table.Hint())
	require.NoError(t, err)
	require.NoError(t, table.Write(free, types.BadEntry))

	entry, err := table.Resolve(free)
	require.NoError(t, err)
	assert.Equal(t, types.BadEntry, entry)

	size := int(drv.Geometry().AllocationTableSize)
	first, err := vol.Read(b.FATOffset(0), size)
	require.NoError(t, err)
	second, err := vol.Read(b.FATOffset(1), size)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "FAT copies must match")

	reopened, err := fixtures.Reopen(fs)
	require.NoError(t, err)
	drv2, err := NewDriver(reopened, zerolog.Nop())
	require.NoError(t, err)
	entry, err = drv2.Table().Resolve(free)
	require.NoError(t, err)
	assert.Equal(t, types.BadEntry, entry)

	require.NoError(t, table.Write(free, types.FreeEntry))
	entry, err = table.Resolve(free)
	require.NoError(t, err)
	assert.Equal(t, types.FreeEntry, entry)
}

func TestWriteUpdatesFSInfo(t *testing.T) {
	tests := []struct {
		name          string
		freeCount     uint32
		wantAllocated uint32
		wantReleased  uint32
	}{
		{name: "known free count", freeCount: 100, wantAllocated: 99, wantReleased: 100},
		{name: "unknown free count", freeCount: 0, wantAllocated: types.FSInfoUnknown, wantReleased: types.FSInfoUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT32, NextFree: 12, FreeCount: tt.freeCount})
			require.NoError(t, b.AddFile("/FIRST.BIN", fixtures.Pattern(600, 1), 3, 4))
			img, err := b.Build()
			require.NoError(t, err)
			vol, _, err := fixtures.Mount(img)
			require.NoError(t, err)
			drv, err := NewDriver(vol, zerolog.Nop())
			require.NoError(t, err)
			table := drv.Table()

			require.NoError(t, table.Write(13, types.BadEntry))
			bs, err := ReadBootSector(vol)
			require.NoError(t, err)
			require.NotNil(t, bs.FSInfo)
			assert.Equal(t, tt.wantAllocated, bs.FSInfo.FreeCount)
			assert.Equal(t, uint32(13), bs.FSInfo.NextFree)

			// Rewriting an allocated cluster is not a transition.
			require.NoError(t, table.Write(13, types.EndEntry))
			bs, err = ReadBootSector(vol)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllocated, bs.FSInfo.FreeCount)

			require.NoError(t, table.Write(13, types.FreeEntry))
			bs, err = ReadBootSector(vol)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReleased, bs.FSInfo.FreeCount)
			assert.Equal(t, uint32(13), bs.FSInfo.NextFree)
			assert.Equal(t, types.FSInfoTrailSignature, bs.FSInfo.TrailSignature)
		})
	}
}

func TestWriteInvalidValues(t *testing.T) {
	table := newTestTable(types.FilesystemFAT12, createTestFAT12Data(), 6)

	tests := []struct {
		name  string
		id    uint64
		entry types.AllocationEntry
	}{
		{"next below two", 2, types.NextEntry(1)},
		{"next at bad sentinel", 2, types.NextEntry(0xFF7)},
		{"reserved kind", 2, types.AllocationEntry{Kind: types.AllocReserved, Next: 0xFF0}},
		{"reserved cluster id", 1, types.EndEntry},
		{"cluster beyond table", 6, types.EndEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := table.Write(tt.id, tt.entry)
			assert.ErrorIs(t, err, types.ErrInvalidAllocationValue)
		})
	}
}
