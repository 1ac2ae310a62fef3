package hiding

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/device"
	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createLongFileVolume(t *testing.T) (*fixtures.FATBuilder, *services.VolumeService) {
	t.Helper()
	b := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT12, SectorSize: 512, SectorsPerCluster: 4})
	require.NoError(t, b.AddFile("/long_file.txt", fixtures.Pattern(7000, 7), 4, 5, 6, 7))
	require.NoError(t, b.AddFile("/ram_only.txt", fixtures.Pattern(8001, 3), 8, 9, 10, 11))
	return b, openTestService(t, b)
}

func TestFileSlackLongFile(t *testing.T) {
	b, svc := createLongFileVolume(t)
	vol := svc.Volume().(*device.Stream)
	tech := NewFileSlack(svc, []string{"/long_file.txt"}, zerolog.Nop())
	assert.Equal(t, "fat12-fileslack", tech.Name())

	capacity, err := tech.Capacity()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), capacity)

	payload := []byte("twenty-eight bytes of secret")
	require.Len(t, payload, 28)
	entry := assertRoundTrip(t, tech, vol, payload)
	assert.Equal(t, []types.Region{{Address: uint64(b.ClusterOffset(7)) + 1024, Length: 28}}, entry.Regions)

	// The file content itself is untouched.
	data, err := services.ReadRegion(vol, uint64(b.ClusterOffset(4)), 7000)
	require.NoError(t, err)
	assert.Equal(t, fixtures.Pattern(7000, 7), data)
}

func TestFileSlackInsufficientSpace(t *testing.T) {
	b, svc := createLongFileVolume(t)
	tech := NewFileSlack(svc, []string{"/long_file.txt"}, zerolog.Nop())

	_, err := tech.Write(bytes.NewReader(fixtures.Pattern(1025, 1)))
	assert.ErrorIs(t, err, types.ErrInsufficientSpace)

	// Nothing was written before the capacity check failed.
	data, err := services.ReadRegion(svc.Volume(), uint64(b.ClusterOffset(7))+856, 2048-856)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 2048-856), data)
}

func TestFileSlackOnlyRAMSlack(t *testing.T) {
	b, svc := createLongFileVolume(t)
	tech := NewFileSlack(svc, []string{"/ram_only.txt"}, zerolog.Nop())

	capacity, err := tech.Capacity()
	require.NoError(t, err)
	assert.Zero(t, capacity)

	_, err = tech.Write(bytes.NewReader([]byte("twenty-eight bytes of secret")))
	assert.ErrorIs(t, err, types.ErrInsufficientSpace)

	data, err := services.ReadRegion(svc.Volume(), uint64(b.ClusterOffset(11))+1857, 2048-1857)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 2048-1857), data)
}

func TestFileSlackErrors(t *testing.T) {
	_, svc := createLongFileVolume(t)

	_, err := NewFileSlack(svc, nil, zerolog.Nop()).Write(bytes.NewReader([]byte("x")))
	assert.Error(t, err)

	_, err = NewFileSlack(svc, []string{"/missing.txt"}, zerolog.Nop()).Write(bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, types.ErrPathComponentNotFound)
}

func TestFileSlackAcrossFilesystems(t *testing.T) {
	fat32 := fixtures.NewFATBuilder(fixtures.FATOptions{Type: types.FilesystemFAT32, SectorsPerCluster: 4})
	require.NoError(t, fat32.AddDir("/docs"))
	require.NoError(t, fat32.AddFile("/docs/a.txt", fixtures.Pattern(100, 1)))
	require.NoError(t, fat32.AddFile("/docs/b.txt", fixtures.Pattern(1000, 2)))

	ntfs := fixtures.NewNTFSBuilder(fixtures.NTFSOptions{})
	require.NoError(t, ntfs.AddDir("/docs"))
	require.NoError(t, ntfs.AddFile("/docs/a.bin", fixtures.Pattern(5000, 1)))
	require.NoError(t, ntfs.AddFile("/docs/b.bin", fixtures.Pattern(9000, 2)))

	ext4 := fixtures.NewExt4Builder(fixtures.Ext4Options{})
	require.NoError(t, ext4.AddDir("/docs"))
	require.NoError(t, ext4.AddFile("/docs/a.bin", fixtures.Pattern(5000, 1)))
	require.NoError(t, ext4.AddFile("/docs/b.bin", fixtures.Pattern(9000, 2)))

	apfs := fixtures.NewAPFSBuilder(fixtures.APFSOptions{})
	require.NoError(t, apfs.AddDir("/docs"))
	require.NoError(t, apfs.AddFile("/docs/a.bin", fixtures.Pattern(5000, 1)))
	require.NoError(t, apfs.AddFile("/docs/b.bin", fixtures.Pattern(9000, 2)))

	tests := []struct {
		name     string
		builder  imageBuilder
		module   string
		capacity uint64
	}{
		// 2048-byte clusters: 1536 behind a.txt, 1024 behind b.txt.
		{name: "fat32", builder: fat32, module: "fat32-fileslack", capacity: 2560},
		// 4096-byte clusters and blocks: 3072 behind both files.
		{name: "ntfs", builder: ntfs, module: "ntfs-fileslack", capacity: 6144},
		{name: "ext4", builder: ext4, module: "ext4-fileslack", capacity: 6144},
		{name: "apfs", builder: apfs, module: "apfs-fileslack", capacity: 6144},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := openTestService(t, tt.builder)
			tech := NewFileSlack(svc, []string{"/docs"}, zerolog.Nop())
			assert.Equal(t, tt.module, tech.Name())

			capacity, err := tech.Capacity()
			require.NoError(t, err)
			assert.Equal(t, tt.capacity, capacity)

			payload := fixtures.Pattern(int(tt.capacity)-10, 99)
			entry := assertRoundTrip(t, tech, svc.Volume().(*device.Stream), payload)
			assert.Len(t, entry.Regions, 2)

			_, err = tech.Write(bytes.NewReader(fixtures.Pattern(int(tt.capacity)+1, 1)))
			assert.ErrorIs(t, err, types.ErrInsufficientSpace)
		})
	}
}
