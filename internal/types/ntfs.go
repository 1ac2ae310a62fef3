package types

// NTFS on-disk layout constants. Offsets are relative to the start of the
// containing structure and all values are little-endian.

// NTFSAttributeType is the type code of an MFT attribute.
type NTFSAttributeType uint32

const (
	AttrStandardInformation NTFSAttributeType = 0x10
	AttrAttributeList       NTFSAttributeType = 0x20
	AttrFileName            NTFSAttributeType = 0x30
	AttrObjectID            NTFSAttributeType = 0x40
	AttrSecurityDescriptor  NTFSAttributeType = 0x50
	AttrVolumeName          NTFSAttributeType = 0x60
	AttrVolumeInformation   NTFSAttributeType = 0x70
	AttrData                NTFSAttributeType = 0x80
	AttrIndexRoot           NTFSAttributeType = 0x90
	AttrIndexAllocation     NTFSAttributeType = 0xA0
	AttrBitmap              NTFSAttributeType = 0xB0
	AttrReparsePoint        NTFSAttributeType = 0xC0
	AttrEnd                 NTFSAttributeType = 0xFFFFFFFF
)

// Well-known MFT record numbers.
const (
	MFTRecordMFT     uint64 = 0
	MFTRecordMFTMirr uint64 = 1
	MFTRecordLogFile uint64 = 2
	MFTRecordVolume  uint64 = 3
	MFTRecordRoot    uint64 = 5
	MFTRecordBitmap  uint64 = 6
	MFTRecordBoot    uint64 = 7
	MFTFirstUser     uint64 = 16
)

// NTFSBootSector holds the decoded fields of the NTFS boot sector.
type NTFSBootSector struct {
	OEMID              string
	BytesPerSector     uint16
	SectorsPerCluster  uint32
	MediaDescriptor    uint8
	TotalSectors       uint64
	MFTCluster         uint64
	MFTMirrCluster     uint64
	RawRecordSize      int8
	RawIndexRecordSize int8
	VolumeSerialNumber uint64
	ClusterSize        uint32
	RecordSize         uint32
	IndexRecordSize    uint32
}

// MFTRecordHeader is the fixed header of a FILE record.
type MFTRecordHeader struct {
	Signature            [4]byte
	UpdateSequenceOffset uint16
	UpdateSequenceCount  uint16
	LogFileSequence      uint64
	SequenceNumber       uint16
	HardLinkCount        uint16
	FirstAttributeOffset uint16
	Flags                uint16
	BytesInUse           uint32
	BytesAllocated       uint32
	BaseRecord           uint64
	NextAttributeID      uint16
}

// InUse reports whether the record is allocated.
func (h MFTRecordHeader) InUse() bool {
	return h.Flags&MFTRecordFlagInUse != 0
}

// IsDirectory reports whether the record describes a directory.
func (h MFTRecordHeader) IsDirectory() bool {
	return h.Flags&MFTRecordFlagDirectory != 0
}

// NTFSAttributeHeader is the common attribute header with both the resident
// and non-resident tails decoded.
type NTFSAttributeHeader struct {
	Type        NTFSAttributeType
	Length      uint32
	NonResident bool
	NameLength  uint8
	NameOffset  uint16
	Flags       uint16
	ID          uint16
	Name        string

	// Offset is the position of the attribute inside its record.
	Offset int

	// Resident tail.
	ValueLength uint32
	ValueOffset uint16

	// Non-resident tail.
	StartVCN        uint64
	LastVCN         uint64
	RunListOffset   uint16
	AllocatedSize   uint64
	RealSize        uint64
	InitializedSize uint64
}

// NTFSFileName is the decoded $FILE_NAME attribute value / index key.
type NTFSFileName struct {
	ParentReference uint64
	AllocatedSize   uint64
	RealSize        uint64
	Flags           uint32
	Namespace       uint8
	Name            string
}

// NTFSIndexEntry is one entry in an $INDEX_ROOT or INDX node.
type NTFSIndexEntry struct {
	FileReference uint64
	Length        uint16
	KeyLength     uint16
	Flags         uint32
	FileName      *NTFSFileName
	SubNodeVCN    uint64
}

// HasSubNode reports whether the entry points at a child index block.
func (e NTFSIndexEntry) HasSubNode() bool {
	return e.Flags&IndexEntryFlagSubNode != 0
}

// IsLast reports whether the entry terminates its node.
func (e NTFSIndexEntry) IsLast() bool {
	return e.Flags&IndexEntryFlagLast != 0
}

const (
	MFTRecordFlagInUse     uint16 = 0x0001
	MFTRecordFlagDirectory uint16 = 0x0002

	IndexEntryFlagSubNode uint32 = 0x01
	IndexEntryFlagLast    uint32 = 0x02

	// FileNameNamespaceDOS names are 8.3 aliases of a Win32 name.
	FileNameNamespacePOSIX       uint8 = 0
	FileNameNamespaceWin32       uint8 = 1
	FileNameNamespaceDOS         uint8 = 2
	FileNameNamespaceWin32AndDOS uint8 = 3

	// NTFSFixupStride is the span protected by one update sequence entry.
	NTFSFixupStride = 512

	// MFTReferenceMask extracts the record number from a file reference.
	MFTReferenceMask uint64 = 0x0000FFFFFFFFFFFF

	NTFSOEMID = "NTFS    "
)

// Byte offsets inside an NTFS structure.
const (
	MFTHeaderSize             = 0x2A
	AttrHeaderResidentSize    = 0x18
	AttrHeaderNonResidentSize = 0x40
	IndexRootHeaderSize       = 0x10
	IndexNodeHeaderSize       = 0x10
	IndexRecordNodeHeaderOff  = 0x18
	FileNameNameOffset        = 0x42
	IndexEntryHeaderSize      = 0x10
)
