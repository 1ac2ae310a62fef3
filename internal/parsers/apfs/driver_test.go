package apfs

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestTree(t *testing.T, opts fixtures.APFSOptions) *fixtures.APFSBuilder {
	t.Helper()
	b := fixtures.NewAPFSBuilder(opts)
	require.NoError(t, b.AddFile("/hello.txt", []byte("hello world\n")))
	require.NoError(t, b.AddDir("/sub"))
	require.NoError(t, b.AddFile("/sub/data.bin", fixtures.Pattern(5000, 7)))
	require.NoError(t, b.AddFile("/split.bin", fixtures.Pattern(9000, 1), 40, 20, 21))
	require.NoError(t, b.AddFile("/empty", nil))
	return b
}

func buildTestTree(t *testing.T, opts fixtures.APFSOptions) (*fixtures.APFSBuilder, []byte) {
	t.Helper()
	b := createTestTree(t, opts)
	img, err := b.Build()
	require.NoError(t, err)
	return b, img
}

func openTestDriver(t *testing.T, img []byte) *Driver {
	t.Helper()
	vol, _, err := fixtures.Mount(img)
	require.NoError(t, err)
	drv, err := NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	return drv
}

func TestNewDriver(t *testing.T) {
	_, img := buildTestTree(t, fixtures.APFSOptions{})
	drv := openTestDriver(t, img)

	assert.Equal(t, types.FilesystemAPFS, drv.Type())
	geom := drv.Geometry()
	assert.Equal(t, uint32(4096), geom.ClusterSize)
	assert.Equal(t, uint64(64), geom.UnitCount)
	assert.Equal(t, types.RootDirInoNum, geom.RootDirectoryLocation)
	assert.Equal(t, "fishy", drv.Volume().ApfsVolname)
	assert.Equal(t, uint64(4), drv.Volume().ApfsNumFiles)
	assert.Equal(t, uint64(fixtures.APFSVolumeBlock), drv.VolumeBlock())
	assert.Equal(t, uint32(4096), drv.Container().NxBlockSize)
}

func TestNewDriverErrors(t *testing.T) {
	_, img := buildTestTree(t, fixtures.APFSOptions{})

	badVolume := append([]byte(nil), img...)
	badVolume[fixtures.APFSVolumeBlock*4096+2000] ^= 0x01

	badOmap := append([]byte(nil), img...)
	badOmap[fixtures.APFSContainerTreeBlock*4096+3000] ^= 0x01

	resealed := func(patch func(block []byte)) []byte {
		out := append([]byte(nil), img...)
		block := out[fixtures.APFSVolumeBlock*4096 : (fixtures.APFSVolumeBlock+1)*4096]
		patch(block)
		require.NoError(t, objects.UpdateChecksum(block))
		return out
	}
	wrongOid := resealed(func(block []byte) { binary.LittleEndian.PutUint64(block[8:], 999) })
	physical := resealed(func(block []byte) {
		binary.LittleEndian.PutUint32(block[24:], types.ObjectTypeFs|types.ObjPhysical)
	})
	future := resealed(func(block []byte) { binary.LittleEndian.PutUint64(block[16:], 1<<40) })

	tests := []struct {
		name string
		img  []byte
		want error
	}{
		{name: "truncated stream", img: img[:32*4096], want: types.ErrTruncatedRegion},
		{name: "volume checksum", img: badVolume, want: types.ErrCorruptStructure},
		{name: "container omap node checksum", img: badOmap, want: types.ErrCorruptStructure},
		{name: "volume object id mismatch", img: wrongOid, want: types.ErrCorruptStructure},
		{name: "volume stored physically", img: physical, want: types.ErrCorruptStructure},
		{name: "volume from a later transaction", img: future, want: types.ErrCorruptStructure},
		{name: "not apfs", img: make([]byte, 8192), want: types.ErrUnrecognizedFilesystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol, _, err := fixtures.Mount(tt.img)
			require.NoError(t, err)
			_, err = NewDriver(vol, zerolog.Nop())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveFile(t *testing.T) {
	b, img := buildTestTree(t, fixtures.APFSOptions{})
	drv := openTestDriver(t, img)

	tests := []struct {
		path    string
		id      uint64
		size    uint64
		isDir   bool
		wantErr error
	}{
		{path: "/hello.txt", id: b.InodeID("/hello.txt"), size: 12},
		{path: "/HELLO.TXT", id: b.InodeID("/hello.txt"), size: 12},
		{path: "sub/data.bin", id: b.InodeID("/sub/data.bin"), size: 5000},
		{path: "/sub", id: b.InodeID("/sub"), isDir: true},
		{path: "/", id: types.RootDirInoNum, isDir: true},
		{path: "/empty", id: b.InodeID("/empty")},
		{path: "/sub/missing", wantErr: types.ErrPathComponentNotFound},
		{path: "/hello.txt/x", wantErr: types.ErrNotADirectory},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, err := drv.ResolveFile(tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, rec.StartUnit)
			assert.Equal(t, tt.size, rec.Size)
			assert.Equal(t, tt.isDir, rec.IsDirectory)
		})
	}

	rec, err := drv.ResolveFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", rec.Name)
	assert.Greater(t, rec.EntryOffset, int64(fixtures.APFSFSTreeFirstBlock*4096))
	assert.Less(t, rec.EntryOffset, int64((fixtures.APFSFSTreeFirstBlock+1)*4096))
}

func TestResolveFileCaseSensitive(t *testing.T) {
	b, img := buildTestTree(t, fixtures.APFSOptions{CaseSensitive: true})
	drv := openTestDriver(t, img)

	rec, err := drv.ResolveFile("/sub/data.bin")
	require.NoError(t, err)
	assert.Equal(t, b.InodeID("/sub/data.bin"), rec.StartUnit)

	_, err = drv.ResolveFile("/HELLO.TXT")
	assert.ErrorIs(t, err, types.ErrPathComponentNotFound)
}

func TestListDirectory(t *testing.T) {
	_, img := buildTestTree(t, fixtures.APFSOptions{CaseSensitive: true})
	drv := openTestDriver(t, img)

	records, err := drv.ListDirectory("/")
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"empty", "hello.txt", "split.bin", "sub"}, names)
	assert.True(t, records[3].IsDirectory)

	_, err = drv.ListDirectory("/hello.txt")
	assert.ErrorIs(t, err, types.ErrNotADirectory)
}

func TestListDirectoryHashed(t *testing.T) {
	_, img := buildTestTree(t, fixtures.APFSOptions{})
	drv := openTestDriver(t, img)

	records, err := drv.ListDirectory("/")
	require.NoError(t, err)
	var names []string
	for _, r := range records {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"empty", "hello.txt", "split.bin", "sub"}, names)

	records, err = drv.ListDirectory("/sub")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(5000), records[0].Size)
}

func TestFollowChain(t *testing.T) {
	b, img := buildTestTree(t, fixtures.APFSOptions{})
	drv := openTestDriver(t, img)

	tests := []struct {
		path string
		want types.AllocationChain
	}{
		{path: "/hello.txt", want: types.AllocationChain{16}},
		{path: "/sub/data.bin", want: types.AllocationChain{17, 18}},
		{path: "/split.bin", want: types.AllocationChain{40, 20, 21}},
		{path: "/empty", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			chain, err := drv.FollowChain(b.InodeID(tt.path))
			require.NoError(t, err)
			assert.Equal(t, tt.want, chain)
		})
	}

	_, err := drv.FollowChain(999)
	assert.ErrorIs(t, err, types.ErrCorruptStructure)
}

func TestComputeSlack(t *testing.T) {
	tests := []struct {
		name string
		opts fixtures.APFSOptions
	}{
		{name: "single leaf"},
		{name: "two levels", opts: fixtures.APFSOptions{LeafRecords: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, img := buildTestTree(t, tt.opts)
			drv := openTestDriver(t, img)

			slack := func(path string) types.SlackRegion {
				rec, err := drv.ResolveFile(path)
				require.NoError(t, err)
				regions, err := drv.ComputeSlack(rec)
				require.NoError(t, err)
				require.Len(t, regions, 1)
				return regions[0]
			}
			assert.Equal(t, types.SlackRegion{
				Address: 16*4096 + 512, Length: 3584, RAMSlack: 500,
				Owner: types.UnitRef{Kind: types.UnitBlock, ID: 16},
			}, slack("/hello.txt"))
			assert.Equal(t, types.SlackRegion{
				Address: 18*4096 + 1024, Length: 3072, RAMSlack: 120,
				Owner: types.UnitRef{Kind: types.UnitBlock, ID: 18},
			}, slack("/sub/data.bin"))
			assert.Equal(t, types.SlackRegion{
				Address: 21*4096 + 1024, Length: 3072, RAMSlack: 216,
				Owner: types.UnitRef{Kind: types.UnitBlock, ID: 21},
			}, slack("/split.bin"))

			for _, path := range []string{"/sub", "/empty"} {
				rec, err := drv.ResolveFile(path)
				require.NoError(t, err)
				_, err = drv.ComputeSlack(rec)
				assert.ErrorIs(t, err, types.ErrInsufficientSpace)
			}
		})
	}
}

func TestInodePaddings(t *testing.T) {
	b, img := buildTestTree(t, fixtures.APFSOptions{LeafRecords: 4})
	drv := openTestDriver(t, img)

	paddings, err := drv.InodePaddings()
	require.NoError(t, err)
	var ids []uint64
	for _, p := range paddings {
		ids = append(ids, p.InodeID)
		assert.True(t, p.Pad2)
		assert.Contains(t, b.FSTreeLeaves(), p.Block)
		base := int(p.Block) * 4096
		assert.Equal(t, []byte{0, 0}, img[base+p.Pad1Offset:base+p.Pad1Offset+2])
		assert.Equal(t, p.Pad1Offset+2, p.Pad2Offset)
	}
	assert.Equal(t, []uint64{types.RootDirInoNum, 16, 17, 18, 19, 20}, ids)
}

func TestTreeRecordsAcrossLeaves(t *testing.T) {
	_, img := buildTestTree(t, fixtures.APFSOptions{LeafRecords: 4})
	drv := openTestDriver(t, img)

	records, err := drv.Tree().Records(types.RootDirInoNum, types.JObjTypeDirRec)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.NotEqual(t, records[0].Block, records[3].Block)

	var count int
	require.NoError(t, drv.Tree().Walk(func(LeafRecord) error {
		count++
		return nil
	}))
	assert.Equal(t, 19, count)
}
