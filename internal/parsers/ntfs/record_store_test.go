package ntfs

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/device"
	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestTree(t *testing.T) *fixtures.NTFSBuilder {
	t.Helper()
	b := fixtures.NewNTFSBuilder(fixtures.NTFSOptions{})
	require.NoError(t, b.AddFile("/note.txt", []byte("this is a resident note....!")))
	require.NoError(t, b.AddFile("/big.bin", fixtures.Pattern(10000, 3)))
	require.NoError(t, b.AddDir("/docs"))
	require.NoError(t, b.AddFile("/docs/inner.txt", []byte("nested")))
	require.NoError(t, b.AddFile("/frag.dat", fixtures.Pattern(6000, 9), 100, 60))
	return b
}

func openTestStore(t *testing.T, img []byte) (*RecordStore, *device.Stream) {
	t.Helper()
	vol, _, err := fixtures.Mount(img)
	require.NoError(t, err)
	boot, err := ReadBootSector(vol)
	require.NoError(t, err)
	store, err := NewRecordStore(vol, boot, zerolog.Nop())
	require.NoError(t, err)
	return store, vol
}

func TestApplyFixups(t *testing.T) {
	buf := make([]byte, 1024)
	copy(buf[0x30:], []byte{0xCD, 0xAB, 0x01, 0x02, 0x03, 0x04})
	copy(buf[510:], []byte{0xCD, 0xAB})
	copy(buf[1022:], []byte{0xCD, 0xAB})

	require.NoError(t, ApplyFixups(buf, 0x30, 3))
	assert.Equal(t, []byte{0x01, 0x02}, buf[510:512])
	assert.Equal(t, []byte{0x03, 0x04}, buf[1022:1024])

	bad := make([]byte, 1024)
	copy(bad[0x30:], []byte{0xCD, 0xAB, 0x01, 0x02, 0x03, 0x04})
	copy(bad[510:], []byte{0xCD, 0xAB})
	err := ApplyFixups(bad, 0x30, 3)
	assert.ErrorIs(t, err, types.ErrCorruptStructure)

	err = ApplyFixups(make([]byte, 512), 0x30, 3)
	assert.ErrorIs(t, err, types.ErrTruncatedRegion)
}

func TestRecordStoreBootstrap(t *testing.T) {
	b := createTestTree(t)
	img, err := b.Build()
	require.NoError(t, err)
	store, _ := openTestStore(t, img)

	assert.Equal(t, uint32(fixtures.NTFSRecordSize), store.RecordSize())
	require.Len(t, store.MFTRuns(), 2)
	assert.Equal(t, uint64(fixtures.NTFSMFTTailCluster), store.MFTRuns()[1].StartCluster)
	assert.Equal(t, b.RecordCount(), store.RecordCount())

	loc, err := store.Locate(b.Record("/note.txt"))
	require.NoError(t, err)
	assert.Equal(t, []types.Region{{Address: uint64(b.RecordOffset(b.Record("/note.txt"))), Length: fixtures.NTFSRecordSize}}, loc)
}

func TestRecordAttributes(t *testing.T) {
	b := createTestTree(t)
	img, err := b.Build()
	require.NoError(t, err)
	store, _ := openTestStore(t, img)

	rec, err := store.Record(b.Record("/note.txt"))
	require.NoError(t, err)
	assert.True(t, rec.Header.InUse())
	assert.False(t, rec.Header.IsDirectory())

	data := rec.FindAttribute(types.AttrData, "")
	require.NotNil(t, data)
	assert.False(t, data.NonResident)
	assert.Equal(t, []byte("this is a resident note....!"), data.Value)
	assert.Nil(t, rec.FindAttribute(types.AttrIndexRoot, "$I30"))

	rec, err = store.Record(b.Record("/big.bin"))
	require.NoError(t, err)
	data = rec.FindAttribute(types.AttrData, "")
	require.NotNil(t, data)
	assert.True(t, data.NonResident)
	assert.Equal(t, uint64(10000), data.Size())
	assert.Equal(t, types.AllocationChain{48, 49, 50}, data.Runs.Clusters())

	content, err := store.ReadStream(data.Runs, 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, fixtures.Pattern(10000, 3), content)

	root, err := store.Record(types.MFTRecordRoot)
	require.NoError(t, err)
	assert.True(t, root.Header.IsDirectory())
	require.NotNil(t, root.FindAttribute(types.AttrIndexRoot, "$I30"))
	require.NotNil(t, root.FindAttribute(types.AttrIndexAllocation, "$I30"))
}

func TestRecordCorruption(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		value  byte
	}{
		{"signature", 0, 'X'},
		{"fixup stride", 510, 0x77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := createTestTree(t)
			img, err := b.Build()
			require.NoError(t, err)
			img[b.RecordOffset(b.Record("/note.txt"))+tt.offset] = tt.value
			store, _ := openTestStore(t, img)

			_, err = store.Record(b.Record("/note.txt"))
			assert.ErrorIs(t, err, types.ErrCorruptStructure)
		})
	}
}

func TestRecordSlackSkipsFixupBytes(t *testing.T) {
	b := createTestTree(t)
	img, err := b.Build()
	require.NoError(t, err)
	store, _ := openTestStore(t, img)

	n := b.Record("/note.txt")
	rec, err := store.Record(n)
	require.NoError(t, err)
	used := uint64(rec.Header.BytesInUse)
	require.Less(t, used, uint64(510))

	regions, err := store.RecordSlack(n)
	require.NoError(t, err)
	require.Len(t, regions, 2)

	base := uint64(b.RecordOffset(n))
	assert.Equal(t, base+used, regions[0].Address)
	assert.Equal(t, 510-used, regions[0].Length)
	assert.Equal(t, base+512, regions[1].Address)
	assert.Equal(t, uint64(510), regions[1].Length)
	assert.Equal(t, types.UnitRef{Kind: types.UnitMFTRecord, ID: n}, regions[0].Owner)
	assert.Equal(t, fixtures.NTFSRecordSize-used-4, types.TotalSlack(regions))
}

func TestReadStreamSparse(t *testing.T) {
	b := createTestTree(t)
	img, err := b.Build()
	require.NoError(t, err)
	store, _ := openTestStore(t, img)

	runs := types.RunList{
		{StartCluster: 48, ClusterCount: 1, ByteOffset: 48 * 4096, ByteLength: 4096},
		{ClusterCount: 1, ByteLength: 4096, Sparse: true},
	}
	out, err := store.ReadStream(runs, 4000, 200)
	require.NoError(t, err)
	assert.Equal(t, fixtures.Pattern(10000, 3)[4000:4096], out[:96])
	assert.Equal(t, make([]byte, 104), out[96:])

	_, err = store.ReadStream(runs, 8000, 500)
	assert.ErrorIs(t, err, types.ErrTruncatedRegion)
}
