package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// BootSectorSize is the number of bytes read from the start of the volume.
const BootSectorSize = 512

var (
	signatureFAT12 = []byte("FAT12   ")
	signatureFAT16 = []byte("FAT16   ")
	signatureFAT32 = []byte("FAT32   ")
	oemExFAT       = []byte("EXFAT   ")
)

// BootSector is the decoded boot region of a FAT12, FAT16 or FAT32 volume.
type BootSector struct {
	Common types.FATBootSector
	FAT16  *types.FAT16Extension
	FAT32  *types.FAT32Extension
	FSInfo *types.FSInfo

	fsType types.FilesystemType
}

// ReadBootSector reads and decodes the boot sector at the start of vol.
// On FAT32 the FSInfo sector is read as well when it carries valid signatures.
func ReadBootSector(vol interfaces.VolumeReader) (*BootSector, error) {
	data, err := vol.Read(0, BootSectorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read FAT boot sector: %w", err)
	}
	bs, err := ParseBootSector(data)
	if err != nil {
		return nil, err
	}
	if bs.fsType == types.FilesystemFAT32 {
		bs.FSInfo = readFSInfo(vol, bs)
	}
	return bs, nil
}

// DetectType returns the FAT variant named by the type signature in data.
func DetectType(data []byte) (types.FilesystemType, error) {
	if len(data) < types.FAT32SignatureOff+types.FATSignatureLength {
		return types.FilesystemUnknown, types.NewStructureError("fat boot sector", 0,
			fmt.Errorf("%w: boot sector holds %d bytes", types.ErrTruncatedRegion, len(data)))
	}
	if bytes.Equal(data[3:11], oemExFAT) {
		return types.FilesystemUnknown, fmt.Errorf("%w: exFAT", types.ErrUnsupportedFilesystem)
	}
	sig16 := data[types.FAT16SignatureOff : types.FAT16SignatureOff+types.FATSignatureLength]
	sig32 := data[types.FAT32SignatureOff : types.FAT32SignatureOff+types.FATSignatureLength]
	switch {
	case bytes.Equal(sig16, signatureFAT12):
		return types.FilesystemFAT12, nil
	case bytes.Equal(sig16, signatureFAT16):
		return types.FilesystemFAT16, nil
	case bytes.Equal(sig32, signatureFAT32):
		return types.FilesystemFAT32, nil
	}
	return types.FilesystemUnknown, types.ErrUnrecognizedFilesystem
}

// ParseBootSector decodes a boot sector image of at least BootSectorSize bytes.
func ParseBootSector(data []byte) (*BootSector, error) {
	fsType, err := DetectType(data)
	if err != nil {
		return nil, err
	}

	bs := &BootSector{fsType: fsType}
	if err := restruct.Unpack(data[:types.FATBootSectorSize], binary.LittleEndian, &bs.Common); err != nil {
		return nil, types.NewStructureError("fat bpb", 0, fmt.Errorf("failed to unpack: %w", err))
	}

	ext := data[types.FATBootSectorSize:]
	if fsType == types.FilesystemFAT32 {
		bs.FAT32 = &types.FAT32Extension{}
		if err := restruct.Unpack(ext, binary.LittleEndian, bs.FAT32); err != nil {
			return nil, types.NewStructureError("fat32 extension", types.FATBootSectorSize, fmt.Errorf("failed to unpack: %w", err))
		}
	} else {
		bs.FAT16 = &types.FAT16Extension{}
		if err := restruct.Unpack(ext, binary.LittleEndian, bs.FAT16); err != nil {
			return nil, types.NewStructureError("fat16 extension", types.FATBootSectorSize, fmt.Errorf("failed to unpack: %w", err))
		}
	}

	if err := bs.validate(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BootSector) validate() error {
	if bs.Common.BytesPerSector == 0 || bs.Common.SectorsPerCluster == 0 {
		return types.NewStructureError("fat bpb", 0x0B, fmt.Errorf("%w: zero sector or cluster size", types.ErrCorruptStructure))
	}
	if bs.Common.NumFATs == 0 {
		return types.NewStructureError("fat bpb", 0x10, fmt.Errorf("%w: no allocation tables", types.ErrCorruptStructure))
	}
	if bs.SectorsPerFAT() == 0 {
		return types.NewStructureError("fat bpb", 0x16, fmt.Errorf("%w: zero sectors per FAT", types.ErrCorruptStructure))
	}
	return nil
}

func readFSInfo(vol interfaces.VolumeReader, bs *BootSector) *types.FSInfo {
	sector := bs.FAT32.FSInfoSector
	if sector == 0 || sector == 0xFFFF {
		return nil
	}
	data, err := vol.Read(int64(sector)*int64(bs.SectorSize()), 512)
	if err != nil {
		return nil
	}
	info := &types.FSInfo{}
	if err := restruct.Unpack(data, binary.LittleEndian, info); err != nil {
		return nil
	}
	if info.LeadSignature != types.FSInfoLeadSignature || info.StructSignature != types.FSInfoStructSignature {
		return nil
	}
	return info
}

// Type returns the FAT variant.
func (bs *BootSector) Type() types.FilesystemType {
	return bs.fsType
}

// SectorSize returns the bytes per sector.
func (bs *BootSector) SectorSize() uint32 {
	return uint32(bs.Common.BytesPerSector)
}

// SectorsPerCluster returns the cluster size in sectors.
func (bs *BootSector) SectorsPerCluster() uint32 {
	return uint32(bs.Common.SectorsPerCluster)
}

// ClusterSize returns the cluster size in bytes.
func (bs *BootSector) ClusterSize() uint32 {
	return bs.SectorSize() * bs.SectorsPerCluster()
}

// ReservedSectors returns the number of sectors before the first FAT.
func (bs *BootSector) ReservedSectors() uint32 {
	return uint32(bs.Common.ReservedSectors)
}

// FATCount returns the number of FAT copies.
func (bs *BootSector) FATCount() uint32 {
	return uint32(bs.Common.NumFATs)
}

// SectorsPerFAT returns the 32-bit field on FAT32 and the 16-bit field otherwise.
func (bs *BootSector) SectorsPerFAT() uint32 {
	if bs.FAT32 != nil {
		return bs.FAT32.FATSize32
	}
	return uint32(bs.Common.FATSize16)
}

// RootEntryCount returns the number of root directory slots on FAT12/16.
func (bs *BootSector) RootEntryCount() uint32 {
	return uint32(bs.Common.RootEntryCount)
}

// RootCluster returns the first cluster of the FAT32 root directory.
func (bs *BootSector) RootCluster() uint32 {
	if bs.FAT32 == nil {
		return 0
	}
	return bs.FAT32.RootCluster
}

// TotalSectors returns the sector count of the volume.
func (bs *BootSector) TotalSectors() uint32 {
	if bs.Common.TotalSectors16 != 0 {
		return uint32(bs.Common.TotalSectors16)
	}
	return bs.Common.TotalSectors32
}

// VolumeLabel returns the label from the extended boot record.
func (bs *BootSector) VolumeLabel() string {
	var raw []byte
	if bs.FAT32 != nil {
		raw = bs.FAT32.VolumeLabel[:]
	} else {
		raw = bs.FAT16.VolumeLabel[:]
	}
	return strings.TrimRight(string(raw), " \x00")
}

// OEMName returns the OEM name of the boot sector.
func (bs *BootSector) OEMName() string {
	return strings.TrimRight(string(bs.Common.OEMName[:]), " \x00")
}

// rootDirSectors is the size of the fixed FAT12/16 root region in sectors.
func (bs *BootSector) rootDirSectors() uint32 {
	ss := bs.SectorSize()
	return (bs.RootEntryCount()*types.FATDirEntrySize + ss - 1) / ss
}

// FirstDataSector returns the first sector of cluster 2.
func (bs *BootSector) FirstDataSector() uint32 {
	return bs.ReservedSectors() + bs.FATCount()*bs.SectorsPerFAT() + bs.rootDirSectors()
}

// Geometry derives the immutable volume geometry.
func (bs *BootSector) Geometry() types.VolumeGeometry {
	ss := uint64(bs.SectorSize())
	g := types.VolumeGeometry{
		FSType:               bs.fsType,
		SectorSize:           bs.SectorSize(),
		SectorsPerCluster:    bs.SectorsPerCluster(),
		ClusterSize:          bs.ClusterSize(),
		ReservedRegionSize:   uint64(bs.ReservedSectors()) * ss,
		AllocationTableCount: bs.FATCount(),
		AllocationTableSize:  uint64(bs.SectorsPerFAT()) * ss,
		DataRegionOffset:     uint64(bs.FirstDataSector()) * ss,
		DataRegionFirstUnit:  2,
		VolumeSize:           uint64(bs.TotalSectors()) * ss,
	}
	if bs.fsType == types.FilesystemFAT32 {
		g.RootDirectoryLocation = uint64(bs.RootCluster())
	} else {
		g.RootDirectoryLocation = g.ReservedRegionSize + uint64(g.AllocationTableCount)*g.AllocationTableSize
	}

	var dataClusters uint64
	if total := bs.TotalSectors(); total > bs.FirstDataSector() {
		dataClusters = uint64(total-bs.FirstDataSector()) / uint64(bs.SectorsPerCluster())
	}
	g.UnitCount = dataClusters + 2
	if limit := g.AllocationTableSize * 8 / uint64(entryBits(bs.fsType)); g.UnitCount > limit {
		g.UnitCount = limit
	}
	return g
}

// FreeHint returns the free-cluster search start: the FSInfo next-free
// field on FAT32 when it is set, otherwise cluster 3.
func (bs *BootSector) FreeHint() uint64 {
	if bs.FSInfo != nil && bs.FSInfo.NextFree != types.FSInfoUnknown && bs.FSInfo.NextFree >= 2 {
		return uint64(bs.FSInfo.NextFree)
	}
	return uint64(types.FATDefaultFreeHint)
}

func entryBits(t types.FilesystemType) int {
	switch t {
	case types.FilesystemFAT12:
		return 12
	case types.FilesystemFAT16:
		return 16
	default:
		return 32
	}
}
