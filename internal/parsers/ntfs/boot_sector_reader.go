package ntfs

import (
	"bytes"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// BootSectorSize is the number of bytes decoded from the start of the volume.
const BootSectorSize = 512

// ReadBootSector reads and decodes the NTFS boot sector of vol.
func ReadBootSector(vol interfaces.VolumeReader) (*types.NTFSBootSector, error) {
	data, err := vol.Read(0, BootSectorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read NTFS boot sector: %w", err)
	}
	return ParseBootSector(data)
}

// IsNTFS reports whether data starts with an NTFS boot sector.
func IsNTFS(data []byte) bool {
	return len(data) >= 11 && bytes.Equal(data[3:11], []byte(types.NTFSOEMID))
}

// ParseBootSector decodes an NTFS boot sector.
func ParseBootSector(data []byte) (*types.NTFSBootSector, error) {
	rec, err := binstruct.Decode(data, 0, bootSectorTable)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(rec.Bytes("oem_id"), []byte(types.NTFSOEMID)) {
		return nil, types.ErrUnrecognizedFilesystem
	}

	bs := &types.NTFSBootSector{
		OEMID:              string(rec.Bytes("oem_id")),
		BytesPerSector:     uint16(rec.Uint("bytes_per_sector")),
		SectorsPerCluster:  decodeSectorsPerCluster(uint8(rec.Uint("sectors_per_cluster"))),
		MediaDescriptor:    uint8(rec.Uint("media")),
		TotalSectors:       rec.Uint("total_sectors"),
		MFTCluster:         rec.Uint("mft_lcn"),
		MFTMirrCluster:     rec.Uint("mftmirr_lcn"),
		RawRecordSize:      int8(rec.Int("record_size")),
		RawIndexRecordSize: int8(rec.Int("index_record_size")),
		VolumeSerialNumber: rec.Uint("serial"),
	}
	if bs.BytesPerSector == 0 || bs.BytesPerSector&(bs.BytesPerSector-1) != 0 {
		return nil, types.NewStructureError("ntfs boot sector.bytes_per_sector", 0x0B,
			fmt.Errorf("%w: %d is not a power of two", types.ErrCorruptStructure, bs.BytesPerSector))
	}
	if bs.SectorsPerCluster == 0 {
		return nil, types.NewStructureError("ntfs boot sector.sectors_per_cluster", 0x0D,
			fmt.Errorf("%w: zero sectors per cluster", types.ErrCorruptStructure))
	}
	bs.ClusterSize = uint32(bs.BytesPerSector) * bs.SectorsPerCluster
	bs.RecordSize = decodeRecordSize(bs.RawRecordSize, bs.ClusterSize)
	bs.IndexRecordSize = decodeRecordSize(bs.RawIndexRecordSize, bs.ClusterSize)
	if bs.RecordSize == 0 || bs.RecordSize%types.NTFSFixupStride != 0 {
		return nil, types.NewStructureError("ntfs boot sector.record_size", 0x40,
			fmt.Errorf("%w: record size %d", types.ErrCorruptStructure, bs.RecordSize))
	}
	return bs, nil
}

// decodeSectorsPerCluster handles the large-cluster encoding where values
// above 0x80 mean 2^(256-v) sectors.
func decodeSectorsPerCluster(v uint8) uint32 {
	if v > 0x80 {
		return 1 << (256 - uint32(v))
	}
	return uint32(v)
}

// decodeRecordSize interprets the signed size byte: positive values count
// clusters, negative values are 2^|v| bytes.
func decodeRecordSize(v int8, clusterSize uint32) uint32 {
	if v < 0 {
		return 1 << uint32(-int32(v))
	}
	return uint32(v) * clusterSize
}

// Geometry derives the volume geometry from a boot sector.
func Geometry(bs *types.NTFSBootSector) types.VolumeGeometry {
	return types.VolumeGeometry{
		FSType:                types.FilesystemNTFS,
		SectorSize:            uint32(bs.BytesPerSector),
		SectorsPerCluster:     bs.SectorsPerCluster,
		ClusterSize:           bs.ClusterSize,
		RootDirectoryLocation: types.MFTRecordRoot,
		UnitCount:             bs.TotalSectors / uint64(bs.SectorsPerCluster),
		VolumeSize:            bs.TotalSectors * uint64(bs.BytesPerSector),
	}
}
