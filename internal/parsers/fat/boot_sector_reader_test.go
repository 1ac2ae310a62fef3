package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestBootSectorData(t *testing.T, fsType types.FilesystemType) []byte {
	t.Helper()
	img, err := fixtures.NewFATBuilder(fixtures.FATOptions{Type: fsType}).Build()
	require.NoError(t, err)
	return img[:BootSectorSize]
}

func TestParseBootSector(t *testing.T) {
	tests := []struct {
		name              string
		fsType            types.FilesystemType
		sectorsPerCluster uint32
		reserved          uint32
		sectorsPerFAT     uint32
		rootEntries       uint32
		rootCluster       uint32
	}{
		{"fat12", types.FilesystemFAT12, 4, 1, 3, 512, 0},
		{"fat16", types.FilesystemFAT16, 4, 4, 8, 512, 0},
		{"fat32", types.FilesystemFAT32, 1, 32, 32, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs, err := ParseBootSector(createTestBootSectorData(t, tt.fsType))
			require.NoError(t, err)

			assert.Equal(t, tt.fsType, bs.Type())
			assert.Equal(t, uint32(512), bs.SectorSize())
			assert.Equal(t, tt.sectorsPerCluster, bs.SectorsPerCluster())
			assert.Equal(t, tt.reserved, bs.ReservedSectors())
			assert.Equal(t, uint32(2), bs.FATCount())
			assert.Equal(t, tt.sectorsPerFAT, bs.SectorsPerFAT())
			assert.Equal(t, tt.rootEntries, bs.RootEntryCount())
			assert.Equal(t, tt.rootCluster, bs.RootCluster())
			assert.Equal(t, "FISHY", bs.VolumeLabel())
			assert.Equal(t, "MSWIN4.1", bs.OEMName())
		})
	}
}

func TestBootSectorGeometry(t *testing.T) {
	bs, err := ParseBootSector(createTestBootSectorData(t, types.FilesystemFAT12))
	require.NoError(t, err)

	g := bs.Geometry()
	assert.Equal(t, uint32(2048), g.ClusterSize)
	assert.Equal(t, uint64(512), g.ReservedRegionSize)
	assert.Equal(t, uint64(1536), g.AllocationTableSize)
	assert.Equal(t, uint64(512+2*1536), g.RootDirectoryLocation)
	assert.Equal(t, uint64(39*512), g.DataRegionOffset)
	assert.Equal(t, uint64(1016), g.UnitCount)
	assert.Equal(t, uint64(39*512+5*2048), g.UnitOffset(7))
	assert.Equal(t, uint64(3), bs.FreeHint())
}

func TestDetectType(t *testing.T) {
	fat12 := createTestBootSectorData(t, types.FilesystemFAT12)

	exfat := make([]byte, BootSectorSize)
	copy(exfat[3:], "EXFAT   ")

	unknown := make([]byte, BootSectorSize)
	copy(unknown[0x36:], "NOTAFAT ")

	tests := []struct {
		name    string
		data    []byte
		want    types.FilesystemType
		wantErr error
	}{
		{name: "fat12", data: fat12, want: types.FilesystemFAT12},
		{name: "exfat", data: exfat, wantErr: types.ErrUnsupportedFilesystem},
		{name: "unrecognized", data: unknown, wantErr: types.ErrUnrecognizedFilesystem},
		{name: "truncated", data: fat12[:64], wantErr: types.ErrTruncatedRegion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectType(tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBootSectorCorrupt(t *testing.T) {
	data := createTestBootSectorData(t, types.FilesystemFAT16)
	data[0x0D] = 0 // sectors per cluster

	_, err := ParseBootSector(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptStructure)

	var structErr *types.StructureError
	require.ErrorAs(t, err, &structErr)
	assert.Equal(t, "fat bpb", structErr.Structure)
}
