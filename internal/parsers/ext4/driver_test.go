package ext4

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestTree(t *testing.T) *fixtures.Ext4Builder {
	t.Helper()
	b := fixtures.NewExt4Builder(fixtures.Ext4Options{})
	require.NoError(t, b.AddFile("/hello.txt", []byte("hello world\n")))
	require.NoError(t, b.AddDir("/sub"))
	require.NoError(t, b.AddFile("/sub/data.bin", fixtures.Pattern(5000, 7)))
	require.NoError(t, b.AddFile("/split.bin", fixtures.Pattern(9000, 1), 300, 20, 21))
	require.NoError(t, b.AddFile("/empty", nil))
	return b
}

func openTestDriver(t *testing.T, img []byte) *Driver {
	t.Helper()
	vol, _, err := fixtures.Mount(img)
	require.NoError(t, err)
	drv, err := NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	return drv
}

func buildTestTree(t *testing.T) (*fixtures.Ext4Builder, []byte) {
	t.Helper()
	b := createTestTree(t)
	img, err := b.Build()
	require.NoError(t, err)
	return b, img
}

func TestNewDriverTruncated(t *testing.T) {
	_, img := buildTestTree(t)
	vol, _, err := fixtures.Mount(img[:len(img)-4096])
	require.NoError(t, err)
	_, err = NewDriver(vol, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrTruncatedRegion)
}

func TestResolveFile(t *testing.T) {
	b, img := buildTestTree(t)
	drv := openTestDriver(t, img)
	assert.Equal(t, types.FilesystemExt4, drv.Type())

	tests := []struct {
		path    string
		inode   uint32
		size    uint64
		isDir   bool
		wantErr error
	}{
		{path: "/hello.txt", inode: b.Inode("/hello.txt"), size: 12},
		{path: "sub/data.bin", inode: b.Inode("/sub/data.bin"), size: 5000},
		{path: "/sub", inode: b.Inode("/sub"), size: 4096, isDir: true},
		{path: "/", inode: types.Ext4RootInode, size: 4096, isDir: true},
		{path: "/HELLO.TXT", wantErr: types.ErrPathComponentNotFound},
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
			assert.Equal(t, uint64(tt.inode), rec.StartUnit)
			assert.Equal(t, tt.size, rec.Size)
			assert.Equal(t, tt.isDir, rec.IsDirectory)
		})
	}
}

func TestListDirectory(t *testing.T) {
	_, img := buildTestTree(t)
	drv := openTestDriver(t, img)

	entries, err := drv.ListDirectory("/")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"hello.txt", "sub", "split.bin", "empty"}, names)
	assert.True(t, entries[1].IsDirectory)

	entries, err = drv.ListDirectory("/sub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data.bin", entries[0].Name)

	_, err = drv.ListDirectory("/hello.txt")
	assert.ErrorIs(t, err, types.ErrNotADirectory)
}

func TestFollowChain(t *testing.T) {
	b, img := buildTestTree(t)
	drv := openTestDriver(t, img)

	chain, err := drv.FollowChain(uint64(b.Inode("/split.bin")))
	require.NoError(t, err)
	assert.Equal(t, types.AllocationChain{300, 20, 21}, chain)

	chain, err = drv.FollowChain(uint64(b.Inode("/sub/data.bin")))
	require.NoError(t, err)
	assert.Equal(t, types.AllocationChain{15, 16}, chain)

	chain, err = drv.FollowChain(uint64(b.Inode("/empty")))
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestComputeSlack(t *testing.T) {
	b, img := buildTestTree(t)
	drv := openTestDriver(t, img)

	tests := []struct {
		path    string
		address uint64
		length  uint64
		ram     uint64
		block   uint64
		wantErr error
	}{
		{path: "/hello.txt", address: 13*4096 + 512, length: 3584, ram: 500, block: 13},
		{path: "/sub/data.bin", address: 16*4096 + 1024, length: 3072, ram: 120, block: 16},
		{path: "/split.bin", address: 21*4096 + 1024, length: 3072, ram: 216, block: 21},
		{path: "/empty", wantErr: types.ErrInsufficientSpace},
		{path: "/sub", wantErr: types.ErrInsufficientSpace},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, err := drv.ResolveFile(tt.path)
			require.NoError(t, err)
			regions, err := drv.ComputeSlack(rec)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, regions, 1)
			assert.Equal(t, tt.address, regions[0].Address)
			assert.Equal(t, tt.length, regions[0].Length)
			assert.Equal(t, tt.ram, regions[0].RAMSlack)
			assert.Equal(t, types.UnitRef{Kind: types.UnitBlock, ID: tt.block}, regions[0].Owner)
		})
	}
	assert.Equal(t, []uint64{13}, b.Blocks("/hello.txt"))
}

func TestUnsupportedInodes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(inode []byte)
	}{
		{name: "indexed extent tree", mutate: func(inode []byte) { binary.LittleEndian.PutUint16(inode[0x28+6:], 1) }},
		{name: "block map", mutate: func(inode []byte) { binary.LittleEndian.PutUint32(inode[0x20:], 0) }},
		{name: "inline data", mutate: func(inode []byte) {
			binary.LittleEndian.PutUint32(inode[0x20:], types.Ext4InodeFlagExtents|types.Ext4InodeFlagInlineData)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, img := buildTestTree(t)
			off := b.InodeOffset(b.Inode("/sub/data.bin"))
			tt.mutate(img[off:])
			drv := openTestDriver(t, img)

			_, err := drv.FollowChain(uint64(b.Inode("/sub/data.bin")))
			assert.ErrorIs(t, err, types.ErrUnsupportedFeature)

			rec, err := drv.ResolveFile("/sub/data.bin")
			require.NoError(t, err)
			_, err = drv.ComputeSlack(rec)
			assert.ErrorIs(t, err, types.ErrUnsupportedFeature)
		})
	}
}

func TestInodeReader(t *testing.T) {
	b, img := buildTestTree(t)
	drv := openTestDriver(t, img)
	inodes := drv.Inodes()

	assert.Equal(t, uint32(256), inodes.Count())
	off, err := inodes.Offset(b.Inode("/hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, b.InodeOffset(b.Inode("/hello.txt")), off)

	inode, err := inodes.Inode(b.Inode("/hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), inode.Size)
	assert.True(t, inode.UsesExtents())
	assert.False(t, inode.IsDirectory())
	assert.Len(t, inode.Osd2, 12)
	assert.Equal(t, off, inode.Offset)

	_, err = inodes.Inode(0)
	assert.ErrorIs(t, err, types.ErrCorruptStructure)
	_, err = inodes.Inode(257)
	assert.ErrorIs(t, err, types.ErrCorruptStructure)
}
