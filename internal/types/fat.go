package types

// FAT on-disk structures. Field order and widths follow the Microsoft FAT
// specification; all values are little-endian.

// FATBootSector is the common BIOS parameter block at the start of every FAT volume (36 bytes).
type FATBootSector struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumberOfHeads     uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// FAT16Extension follows the boot sector on FAT12 and FAT16 volumes (26 bytes).
type FAT16Extension struct {
	DriveNumber    uint8
	Reserved1      uint8
	BootSignature  uint8
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// FAT32Extension follows the boot sector on FAT32 volumes (54 bytes).
type FAT32Extension struct {
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	Reserved1        uint8
	BootSignature    uint8
	VolumeID         uint32
	VolumeLabel      [11]byte
	FileSystemType   [8]byte
}

// FSInfo is the FAT32 file system information sector (512 bytes).
type FSInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

// FATDirEntry is a 32-byte short-name directory entry.
type FATDirEntry struct {
	Name            [11]byte
	Attribute       uint8
	NTReserved      uint8
	CreateTimeTenth uint8
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// FirstCluster combines the high and low cluster words.
func (e FATDirEntry) FirstCluster() uint32 {
	return uint32(e.FirstClusterHI)<<16 | uint32(e.FirstClusterLO)
}

// FATLongNameEntry is a 32-byte long-filename continuation fragment holding 13 UTF-16 units.
type FATLongNameEntry struct {
	Sequence       uint8
	Name1          [5]uint16
	Attribute      uint8
	EntryType      uint8
	Checksum       uint8
	Name2          [6]uint16
	FirstClusterLO uint16
	Name3          [2]uint16
}

// Units returns the 13 name code units in order.
func (e FATLongNameEntry) Units() []uint16 {
	units := make([]uint16, 0, 13)
	units = append(units, e.Name1[:]...)
	units = append(units, e.Name2[:]...)
	units = append(units, e.Name3[:]...)
	return units
}

const (
	FATBootSectorSize  = 36
	FATDirEntrySize    = 32
	FATLongNameUnits   = 13
	FAT16SignatureOff  = 0x36
	FAT32SignatureOff  = 0x52
	FATSignatureLength = 8

	FSInfoLeadSignature   uint32 = 0x41615252
	FSInfoStructSignature uint32 = 0x61417272
	FSInfoTrailSignature  uint32 = 0xAA550000
	FSInfoUnknown         uint32 = 0xFFFFFFFF
)

// Directory entry attributes.
const (
	FATAttrReadOnly  uint8 = 0x01
	FATAttrHidden    uint8 = 0x02
	FATAttrSystem    uint8 = 0x04
	FATAttrVolumeID  uint8 = 0x08
	FATAttrDirectory uint8 = 0x10
	FATAttrArchive   uint8 = 0x20

	// FATAttrLongName is the combination that marks a long-filename fragment.
	FATAttrLongName = FATAttrReadOnly | FATAttrHidden | FATAttrSystem | FATAttrVolumeID
	// FATAttrLongNameMask selects the attribute bits compared against FATAttrLongName.
	FATAttrLongNameMask = FATAttrLongName | FATAttrDirectory | FATAttrArchive
)

// Directory slot markers.
const (
	FATEntryEnd     byte = 0x00
	FATEntryDeleted byte = 0xE5
	// FATEntryKanji replaces a leading 0xE5 in a live short name.
	FATEntryKanji byte = 0x05

	FATLastLongEntry uint8 = 0x40
)

// FAT table geometry per bit width.
const (
	FAT12Bad uint32 = 0xFF7
	FAT16Bad uint32 = 0xFFF7
	FAT32Bad uint32 = 0x0FFFFFF7

	FAT12End uint32 = 0xFFF
	FAT16End uint32 = 0xFFFF
	FAT32End uint32 = 0x0FFFFFFF

	FAT32EntryMask uint32 = 0x0FFFFFFF

	// FATDefaultFreeHint is where FAT12/16 free-cluster scans start.
	FATDefaultFreeHint uint32 = 3
)
