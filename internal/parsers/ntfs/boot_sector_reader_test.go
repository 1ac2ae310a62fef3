package ntfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/fixtures"
	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestBootSectorData(t *testing.T) []byte {
	t.Helper()
	img, err := fixtures.NewNTFSBuilder(fixtures.NTFSOptions{}).Build()
	require.NoError(t, err)
	return img[:BootSectorSize]
}

func TestParseBootSector(t *testing.T) {
	bs, err := ParseBootSector(createTestBootSectorData(t))
	require.NoError(t, err)

	assert.Equal(t, types.NTFSOEMID, bs.OEMID)
	assert.Equal(t, uint16(512), bs.BytesPerSector)
	assert.Equal(t, uint32(8), bs.SectorsPerCluster)
	assert.Equal(t, uint32(4096), bs.ClusterSize)
	assert.Equal(t, uint32(1024), bs.RecordSize)
	assert.Equal(t, uint32(4096), bs.IndexRecordSize)
	assert.Equal(t, uint64(fixtures.NTFSMFTCluster), bs.MFTCluster)
	assert.Equal(t, uint64(fixtures.NTFSMirrCluster), bs.MFTMirrCluster)

	geom := Geometry(bs)
	assert.Equal(t, types.FilesystemNTFS, geom.FSType)
	assert.Equal(t, uint64(256), geom.UnitCount)
	assert.Equal(t, types.MFTRecordRoot, geom.RootDirectoryLocation)
	assert.Equal(t, uint64(40*4096), geom.UnitOffset(40))
}

func TestParseBootSectorErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr error
	}{
		{"foreign oem", func(b []byte) { copy(b[3:], "MSDOS5.0") }, types.ErrUnrecognizedFilesystem},
		{"sector size", func(b []byte) { binary.LittleEndian.PutUint16(b[0x0B:], 600) }, types.ErrCorruptStructure},
		{"zero cluster", func(b []byte) { b[0x0D] = 0 }, types.ErrCorruptStructure},
		{"record size", func(b []byte) { b[0x40] = 0xF8 }, types.ErrCorruptStructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := createTestBootSectorData(t)
			tt.mutate(data)
			_, err := ParseBootSector(data)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeSizes(t *testing.T) {
	assert.Equal(t, uint32(8), decodeSectorsPerCluster(8))
	assert.Equal(t, uint32(4096), decodeSectorsPerCluster(0xF4))

	assert.Equal(t, uint32(1024), decodeRecordSize(-10, 4096))
	assert.Equal(t, uint32(4096), decodeRecordSize(1, 4096))
	assert.Equal(t, uint32(4096), decodeRecordSize(2, 2048))
}

func TestIsNTFS(t *testing.T) {
	assert.True(t, IsNTFS(createTestBootSectorData(t)))
	assert.False(t, IsNTFS(make([]byte, 512)))
	assert.False(t, IsNTFS([]byte{0xEB}))
}
