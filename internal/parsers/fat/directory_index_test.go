package fat

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func openTestDriver(t *testing.T, b *fixtures.FATBuilder) (*Driver, []byte) {
	t.Helper()
	img, err := b.Build()
	require.NoError(t, err)
	vol, _, err := fixtures.Mount(img)
	require.NoError(t, err)
	drv, err := NewDriver(vol, zerolog.Nop())
	require.NoError(t, err)
	return drv, img
}

func createTestTree(t *testing.T, fsType types.FilesystemType) *fixtures.FATBuilder {
	t.Helper()
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: fsType})
	require.NoError(t, b.AddFile("/long_file.txt", fixtures.Pattern(8001, 7), 4, 5, 6, 7))
	require.NoError(t, b.AddFile("/README.TXT", []byte("plain short name")))
	require.NoError(t, b.AddDir("/docs"))
	require.NoError(t, b.AddFile("/docs/a very long file name for testing.md", []byte("nested")))
	return b
}

func TestResolve(t *testing.T) {
	for _, fsType := range []types.FilesystemType{types.FilesystemFAT12, types.FilesystemFAT16, types.FilesystemFAT32} {
		t.Run(fsType.String(), func(t *testing.T) {
			b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: fsType})
			require.NoError(t, b.AddFile("/long_file.txt", fixtures.Pattern(3000, 7)))
			require.NoError(t, b.AddFile("/README.TXT", []byte("plain short name")))
			require.NoError(t, b.AddDir("/docs"))
			require.NoError(t, b.AddFile("/docs/a very long file name for testing.md", []byte("nested")))
			drv, _ := openTestDriver(t, b)

			rec, err := drv.ResolveFile("/long_file.txt")
			require.NoError(t, err)
			assert.Equal(t, "long_file.txt", rec.Name)
			assert.Equal(t, "LONGFI~1.TXT", rec.ShortName)
			assert.Equal(t, uint64(3000), rec.Size)
			assert.False(t, rec.IsDirectory)

			rec, err = drv.ResolveFile("readme.txt")
			require.NoError(t, err)
			assert.Equal(t, "README.TXT", rec.Name)

			rec, err = drv.ResolveFile("/docs/a very long file name for testing.md")
			require.NoError(t, err)
			assert.Equal(t, "a very long file name for testing.md", rec.Name)
			assert.Equal(t, uint64(6), rec.Size)

			rec, err = drv.ResolveFile("/DOCS")
			require.NoError(t, err)
			assert.True(t, rec.IsDirectory)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	drv, _ := openTestDriver(t, createTestTree(t, types.FilesystemFAT12))

	_, err := drv.ResolveFile("/missing.txt")
	assert.ErrorIs(t, err, types.ErrPathComponentNotFound)

	_, err = drv.ResolveFile("/docs/missing.txt")
	assert.ErrorIs(t, err, types.ErrPathComponentNotFound)

	_, err = drv.ResolveFile("/README.TXT/inner")
	assert.ErrorIs(t, err, types.ErrNotADirectory)

	_, err = drv.ListDirectory("/README.TXT")
	assert.ErrorIs(t, err, types.ErrNotADirectory)
}

func TestListDirectory(t *testing.T) {
	drv, _ := openTestDriver(t, createTestTree(t, types.FilesystemFAT12))

	root, err := drv.ListDirectory("/")
	require.NoError(t, err)
	var names []string
	for _, r := range root {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"long_file.txt", "README.TXT", "docs"}, names)

	docs, err := drv.ListDirectory("/docs")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a very long file name for testing.md", docs[0].Name)
}

func TestOrphanedLongNameFragments(t *testing.T) {
	b := createTestTree(t, types.FilesystemFAT12)
	drv, _ := openTestDriver(t, b)
	rec, err := drv.ResolveFile("/long_file.txt")
	require.NoError(t, err)

	// Corrupt the checksum of the fragment directly in front of the short entry.
	vol := drv.vol
	_, err = vol.WriteAt([]byte{0x00}, rec.EntryOffset-types.FATDirEntrySize+13)
	require.NoError(t, err)

	root, err := drv.ListDirectory("/")
	require.NoError(t, err)
	assert.Equal(t, "LONGFI~1.TXT", root[0].Name, "fragments failing the checksum are discarded")
}

func TestDeletedEntriesAreSkipped(t *testing.T) {
	drv, _ := openTestDriver(t, createTestTree(t, types.FilesystemFAT12))
	rec, err := drv.ResolveFile("/README.TXT")
	require.NoError(t, err)

	_, err = drv.vol.WriteAt([]byte{types.FATEntryDeleted}, rec.EntryOffset)
	require.NoError(t, err)

	_, err = drv.ResolveFile("/README.TXT")
	assert.ErrorIs(t, err, types.ErrPathComponentNotFound)

	entries, err := drv.Directories().ReadDirectory(drv.Directories().RootRecord())
	require.NoError(t, err)
	var deleted int
	for _, e := range entries {
		if e.IsDeleted {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestShortNameChecksum(t *testing.T) {
	var name [11]byte
	copy(name[:], "LONGFI~1TXT")
	sum := ShortNameChecksum(name)

	var expected uint8
	for _, c := range name {
		expected = ((expected & 1) << 7) + (expected >> 1) + c
	}
	assert.Equal(t, expected, sum)
}

func TestDecodeShortName(t *testing.T) {
	var name [11]byte
	copy(name[:], "\x05BC     TXT")
	assert.Equal(t, "σBC.TXT", decodeShortName(name))

	copy(name[:], "NOEXT      ")
	assert.Equal(t, "NOEXT", decodeShortName(name))
}

func TestParseEntriesMasksLongNameAttribute(t *testing.T) {
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT16})
	require.NoError(t, b.AddFile("/long_file.txt", []byte("data")))
	img, err := b.Build()
	require.NoError(t, err)

	// The root directory follows the second FAT copy.
	rootOff := b.FATOffset(2)
	root := append([]byte(nil), img[rootOff:rootOff+512]...)
	patched := 0
	for pos := 0; pos < len(root); pos += types.FATDirEntrySize {
		if root[pos+11] == types.FATAttrLongName {
			root[pos+11] |= 0x40
			patched++
		}
	}
	require.Equal(t, 1, patched)

	entries, err := parseEntries([]dirSegment{{offset: rootOff, data: root}})
	require.NoError(t, err)
	// Volume label, then the file.
	require.Len(t, entries, 2)
	assert.Equal(t, "long_file.txt", entries[1].Name)
	assert.Equal(t, "LONGFI~1.TXT", entries[1].ShortName)
}
